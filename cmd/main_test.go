package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir changes into dir for the duration of the test, restoring the
// previous working directory on cleanup (testing.T.Chdir needs go1.24;
// this toolchain is older).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restoring working directory: %v", err)
		}
	})
}

// chdirWithState moves the test into its own directory and points every
// state file at it through the environment.
func chdirWithState(t *testing.T, catalog string) string {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items.json"), []byte(catalog), 0o644))
	t.Setenv("VIDRELAY_WORK_DIR", dir)
	t.Setenv("VIDRELAY_LOG_FILE", filepath.Join(dir, "vidrelay.log"))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const testCatalogJSON = `{"items": [
	{"id": "1", "name": "braised beef", "source_url": "https://share.example.com/file/d/b1"},
	{"id": "2", "name": "lamb stew", "source_url": "https://share.example.com/file/d/b2"}
]}`

func TestStatusCommand(t *testing.T) {
	chdirWithState(t, testCatalogJSON)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Total items:  2")
	assert.Contains(t, out, "braised beef")
	assert.Contains(t, out, "lamb stew")
}

func TestStatusCommandWritesReport(t *testing.T) {
	dir := chdirWithState(t, testCatalogJSON)

	out, err := execute(t, "status", "--report")
	require.NoError(t, err)
	assert.Contains(t, out, "Report written to")

	matches, err := filepath.Glob(filepath.Join(dir, "status_*.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	report, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(report), "Total items: 2")
}

func TestPurgeCommand(t *testing.T) {
	dir := chdirWithState(t, testCatalogJSON)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "original_1.mp4"), []byte("x"), 0o644))

	out, err := execute(t, "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged")

	_, statErr := os.Stat(filepath.Join(dir, "original_1.mp4"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRequiresRemoteEndpoints(t *testing.T) {
	chdirWithState(t, testCatalogJSON)
	t.Setenv("VIDRELAY_SOURCE_URL", "")
	t.Setenv("VIDRELAY_DEST_URL", "")

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be configured")
}

func TestStatusFailsWithoutCatalog(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("VIDRELAY_LOG_FILE", filepath.Join(dir, "vidrelay.log"))

	_, err := execute(t, "status")
	require.Error(t, err)
}
