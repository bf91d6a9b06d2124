package vidrelay

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// The ledger and resume-state stores share the same persistence contract:
// load everything once at startup, then rewrite the whole file on every
// mutation. The files are small (a set of ids and a handful of in-flight
// records) and deliberately stay as plain JSON so an operator can inspect
// and hand-edit them between runs.
//
// Neither store takes locks: the engine is driven by exactly one process
// at a time. Concurrent drivers must partition items by identifier rather
// than sharing a store.

// saveJSON marshals v and writes it to path via a temp name and rename,
// so a crash mid-write can never leave a truncated file behind.
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", path)
	}
	return writeFileAtomic(path, data)
}

// loadJSON reads path into v. A missing file is not an error; ok reports
// whether anything was loaded.
func loadJSON(path string, v any) (ok bool, err error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", path)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.Wrapf(err, "parsing %s", path)
	}
	return true, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.Wrapf(err, "writing %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "closing %s", name)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}
