package vidrelay

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// Ledger is the persisted set of item identifiers that have been
// confirmed published. It is the single source of truth for "done": an id
// is added only after the destination acknowledges the upload, and the
// file is rewritten on every addition so a crash never loses a completed
// item's record.
type Ledger struct {
	path string
	done map[string]struct{}
}

// LoadLedger reads the ledger file, treating a missing file as an empty
// ledger. A corrupt ledger is an error: silently starting empty would
// republish everything.
func LoadLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, done: make(map[string]struct{})}
	var ids []string
	ok, err := loadJSON(path, &ids)
	if err != nil {
		return nil, err
	}
	if ok {
		for _, id := range ids {
			l.done[id] = struct{}{}
		}
	}
	log.WithField("published", len(l.done)).Info("Loaded completion ledger")
	return l, nil
}

// Contains reports whether the item has already been published.
func (l *Ledger) Contains(id string) bool {
	_, ok := l.done[id]
	return ok
}

// Add records a confirmed publish and persists immediately.
func (l *Ledger) Add(id string) error {
	l.done[id] = struct{}{}
	return saveJSON(l.path, l.ids())
}

// Len returns the number of published items.
func (l *Ledger) Len() int { return len(l.done) }

func (l *Ledger) ids() []string {
	out := make([]string, 0, len(l.done))
	for id := range l.done {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i], out[j]) })
	return out
}
