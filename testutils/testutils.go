// Package testutils provides fake remote collaborators for tests: an
// HTTP source with byte-range support, a resumable-upload destination,
// and scriptable stand-ins for the external encoder.
package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// SourceState records and steers a mock source server.
type SourceState struct {
	mu        sync.Mutex
	Requests  int // chunk requests served, including injected failures
	FailFirst int // respond with FailStatus to this many requests first
	FailStatus int
}

func (s *SourceState) count() (fail bool, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests++
	if s.Requests <= s.FailFirst {
		return true, s.FailStatus
	}
	return false, 0
}

// RequestCount returns how many chunk requests the server has seen.
func (s *SourceState) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Requests
}

// NewSourceServer serves the given files by id at /files/<id>, honoring
// Range headers one chunk at a time.
func NewSourceServer(t *testing.T, files map[string][]byte, state *SourceState) *httptest.Server {
	t.Helper()
	if state == nil {
		state = &SourceState{}
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		content, ok := files[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if fail, status := state.count(); fail {
			w.WriteHeader(status)
			return
		}
		start, end, ok := parseRange(r.Header.Get("Range"), int64(len(content)))
		if !ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content)
			return
		}
		if start >= int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : end+1])
	}))
	t.Cleanup(server.Close)
	return server
}

func parseRange(header string, size int64) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

// DestState records and steers a mock destination server.
type DestState struct {
	mu         sync.Mutex
	Sessions   int
	Chunks     int            // PUTs served, including injected failures
	Published  map[string]int // assigned id -> received byte count
	Metas      map[string]json.RawMessage
	FailFirst  int // respond with FailStatus to this many PUTs first
	FailStatus int
	StallAfter int // once this many PUTs succeed, accept chunks without advancing
}

// ChunkCount returns how many chunk PUTs the server has seen.
func (d *DestState) ChunkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Chunks
}

// PublishedIDs returns the ids assigned so far.
func (d *DestState) PublishedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.Published))
	for id := range d.Published {
		out = append(out, id)
	}
	return out
}

type destSession struct {
	received int64
	total    int64
	meta     json.RawMessage
}

// NewDestServer implements the resumable-upload protocol: POST /uploads
// opens a session, PUT /sessions/<n> accepts Content-Range chunks, and
// the final chunk is confirmed with an assigned id.
func NewDestServer(t *testing.T, state *DestState) *httptest.Server {
	t.Helper()
	if state == nil {
		state = &DestState{}
	}
	if state.Published == nil {
		state.Published = make(map[string]int)
	}
	if state.Metas == nil {
		state.Metas = make(map[string]json.RawMessage)
	}
	sessions := make(map[string]*destSession)
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/uploads":
			var meta json.RawMessage
			if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			state.mu.Lock()
			state.Sessions++
			n := state.Sessions
			state.mu.Unlock()
			key := strconv.Itoa(n)
			sessions[key] = &destSession{meta: meta}
			mu.Unlock()
			w.Header().Set("Location", "/sessions/"+key)
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/sessions/"):
			key := strings.TrimPrefix(r.URL.Path, "/sessions/")
			mu.Lock()
			sess, ok := sessions[key]
			mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}

			state.mu.Lock()
			state.Chunks++
			if state.Chunks <= state.FailFirst {
				status := state.FailStatus
				state.mu.Unlock()
				w.WriteHeader(status)
				return
			}
			stalled := state.StallAfter > 0 && state.Chunks > state.StallAfter
			state.mu.Unlock()

			start, end, total, ok := parseContentRange(r.Header.Get("Content-Range"))
			if !ok || start != sess.received {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if stalled {
				// Accept the bytes but pretend nothing advanced.
				w.WriteHeader(http.StatusPermanentRedirect)
				return
			}
			sess.total = total
			sess.received = end + 1
			if sess.received < total {
				w.WriteHeader(http.StatusPermanentRedirect)
				return
			}

			state.mu.Lock()
			id := fmt.Sprintf("vid-%d", len(state.Published)+1)
			state.Published[id] = int(sess.received)
			state.Metas[id] = sess.meta
			state.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": id})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func parseContentRange(header string) (start, end, total int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes ")
	slash := strings.LastIndex(header, "/")
	dash := strings.Index(header, "-")
	if slash < 0 || dash < 0 || dash > slash {
		return 0, 0, 0, false
	}
	var err error
	if start, err = strconv.ParseInt(header[:dash], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(header[dash+1:slash], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if total, err = strconv.ParseInt(header[slash+1:], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	return start, end, total, true
}

// WriteScript drops an executable shell script into dir and returns its
// path. Used to fake the external encoder.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", path, err)
	}
	return path
}

// EncoderScript returns a fake encoder: -version succeeds, the duration
// probe prints the given HH:MM:SS duration, and an encode run writes
// outputSize bytes to its final argument.
func EncoderScript(t *testing.T, dir, duration string, outputSize int) string {
	t.Helper()
	body := fmt.Sprintf(`case "$*" in
*-version*) echo "fake encoder"; exit 0 ;;
*"-f null"*) echo "Duration: %s, start: 0.0" 1>&2; exit 0 ;;
esac
for out; do :; done
head -c %d /dev/zero > "$out"
`, duration, outputSize)
	return WriteScript(t, dir, "fake-ffmpeg", body)
}

// FailingEncoderScript returns a fake encoder whose encode run exits
// non-zero (the availability probe still succeeds).
func FailingEncoderScript(t *testing.T, dir string) string {
	t.Helper()
	body := `case "$*" in
*-version*) exit 0 ;;
*"-f null"*) echo "Duration: 00:02:00, start: 0.0" 1>&2; exit 0 ;;
esac
exit 1
`
	return WriteScript(t, dir, "fake-ffmpeg-fail", body)
}
