package vidrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgo/vidrelay/testutils"
)

func writeArtifact(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compressed_7.mp4")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("u"), size), 0o644))
	return path
}

func TestHTTPDestinationResumableFlow(t *testing.T) {
	state := &testutils.DestState{}
	server := testutils.NewDestServer(t, state)
	path := writeArtifact(t, 1000)

	dest := NewHTTPDestination(server.URL, "tok", WithDestChunkSize(300))
	meta := VideoMeta{Title: "Lamb Stew", Description: "slow cooked", Tags: []string{"stew"}}
	sess, err := dest.Upload(context.Background(), path, meta)
	require.NoError(t, err)
	defer sess.Close()

	var videoID string
	for {
		_, done, id, err := sess.NextChunk(context.Background())
		require.NoError(t, err)
		if done {
			videoID = id
			break
		}
	}

	assert.Equal(t, "vid-1", videoID)
	assert.Equal(t, 4, state.ChunkCount(), "1000 bytes at 300 per chunk")
	assert.Equal(t, 1000, state.Published["vid-1"])

	var gotMeta VideoMeta
	require.NoError(t, json.Unmarshal(state.Metas["vid-1"], &gotMeta))
	assert.Equal(t, meta, gotMeta)
}

func TestHTTPDestinationChunkFailureKeepsPosition(t *testing.T) {
	state := &testutils.DestState{FailFirst: 1, FailStatus: http.StatusInternalServerError}
	server := testutils.NewDestServer(t, state)
	path := writeArtifact(t, 500)

	dest := NewHTTPDestination(server.URL, "", WithDestChunkSize(300))
	sess, err := dest.Upload(context.Background(), path, VideoMeta{})
	require.NoError(t, err)
	defer sess.Close()

	frac, _, _, err := sess.NextChunk(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0.0, frac, "failed chunk must not advance")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Retryable())

	// The retry re-sends the same byte range; the server enforces ordering,
	// so success here proves the position was held.
	_, done, _, err := sess.NextChunk(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	_, done, id, err := sess.NextChunk(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "vid-1", id)
}

func TestHTTPDestinationClientErrorIsPermanent(t *testing.T) {
	state := &testutils.DestState{FailFirst: 1, FailStatus: http.StatusForbidden}
	server := testutils.NewDestServer(t, state)
	path := writeArtifact(t, 100)

	dest := NewHTTPDestination(server.URL, "")
	sess, err := dest.Upload(context.Background(), path, VideoMeta{})
	require.NoError(t, err)
	defer sess.Close()

	_, _, _, err = sess.NextChunk(context.Background())
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}

func TestHTTPDestinationRejectsEmptyArtifact(t *testing.T) {
	state := &testutils.DestState{}
	server := testutils.NewDestServer(t, state)
	path := filepath.Join(t.TempDir(), "empty.mp4")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	dest := NewHTTPDestination(server.URL, "")
	_, err := dest.Upload(context.Background(), path, VideoMeta{})
	require.Error(t, err)
	assert.True(t, isPermanent(err), "an empty file cannot be fixed by retrying")
	assert.Equal(t, 0, state.ChunkCount(), "no session traffic for an empty file")
}

func TestHTTPDestinationRejectsSessionWithoutLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated) // session opened but no Location header
	}))
	t.Cleanup(server.Close)

	dest := NewHTTPDestination(server.URL, "")
	path := writeArtifact(t, 100)

	_, err := dest.Upload(context.Background(), path, VideoMeta{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "location")
}

func TestUploaderAgainstHTTPDestination(t *testing.T) {
	// End to end through the retry loop: the first two chunk PUTs fail with
	// a server error and the uploader pushes through.
	state := &testutils.DestState{FailFirst: 2, FailStatus: http.StatusBadGateway}
	server := testutils.NewDestServer(t, state)
	path := writeArtifact(t, 1000)

	dest := NewHTTPDestination(server.URL, "", WithDestChunkSize(400))
	u := NewUploader(dest)
	u.sleep = func(d time.Duration) {}

	id, err := u.Upload(context.Background(), "7", path, VideoMeta{Title: "Lamb Stew"})
	require.NoError(t, err)
	assert.Equal(t, "vid-1", id)
	assert.Equal(t, 1000, state.Published["vid-1"])
}
