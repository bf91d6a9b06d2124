package vidrelay

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Source provides chunked access to media files on the remote share. The
// engine treats it as opaque beyond opening a session and requesting the
// next chunk.
type Source interface {
	Fetch(ctx context.Context, fileID string) (FetchSession, error)
}

// FetchSession delivers one remote file in bounded chunks. A failed
// NextChunk leaves the session position unchanged, so the same chunk can
// be re-requested from scratch.
type FetchSession interface {
	// NextChunk returns the next chunk of the file and the overall
	// progress as a fraction in [0,1]. done is true once the final chunk
	// has been returned.
	NextChunk(ctx context.Context) (chunk []byte, frac float64, done bool, err error)
	// Size returns the total size in bytes, or -1 when unknown.
	Size() int64
	Close() error
}

// ExtractFileID pulls the embedded file identifier out of a share URL of
// the form .../file/d/<id>/... A URL without one is a permanent error.
func ExtractFileID(shareURL string) (string, error) {
	const marker = "/file/d/"
	idx := strings.Index(shareURL, marker)
	if idx < 0 {
		return "", errors.Errorf("no file id embedded in source url %q", shareURL)
	}
	id := shareURL[idx+len(marker):]
	if cut := strings.IndexAny(id, "/?#"); cut >= 0 {
		id = id[:cut]
	}
	if id == "" {
		return "", errors.Errorf("empty file id in source url %q", shareURL)
	}
	return id, nil
}

// HTTPSource fetches media over HTTP using ranged GETs, one request per
// chunk.
type HTTPSource struct {
	client      *http.Client
	baseURL     string
	authToken   string
	chunkSize   int64
	idleTimeout time.Duration
}

// NewHTTPSource builds a source rooted at baseURL. Files are served from
// <baseURL>/files/<id>.
func NewHTTPSource(baseURL, authToken string, opts ...SourceOption) *HTTPSource {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	s := &HTTPSource{
		client:      &http.Client{Transport: transport},
		baseURL:     strings.TrimRight(baseURL, "/"),
		authToken:   authToken,
		chunkSize:   DefaultChunkSize,
		idleTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch opens a chunked fetch session for the given file id.
func (s *HTTPSource) Fetch(ctx context.Context, fileID string) (FetchSession, error) {
	if fileID == "" {
		return nil, errors.New("empty file id")
	}
	return &httpFetchSession{
		src:   s,
		url:   fmt.Sprintf("%s/files/%s", s.baseURL, fileID),
		total: -1,
	}, nil
}

type httpFetchSession struct {
	src   *HTTPSource
	url   string
	off   int64
	total int64
}

func (f *httpFetchSession) Size() int64 { return f.total }

func (f *httpFetchSession) Close() error { return nil }

func (f *httpFetchSession) NextChunk(ctx context.Context) ([]byte, float64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, f.frac(), false, errors.Wrap(err, "building chunk request")
	}
	end := f.off + f.src.chunkSize - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", f.off, end))
	if f.src.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.src.authToken)
	}

	resp, err := f.src.client.Do(req)
	if err != nil {
		return nil, f.frac(), false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if total, ok := parseRangeTotal(resp.Header.Get("Content-Range")); ok {
			f.total = total
		}
	case http.StatusOK:
		// Server ignored the range request; the whole file arrives as a
		// single oversized chunk.
		if f.off != 0 {
			return nil, f.frac(), false, errors.New("server dropped range support mid-transfer")
		}
		f.total = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		if f.total >= 0 && f.off >= f.total {
			return nil, 1, true, nil
		}
		return nil, f.frac(), false, &StatusError{Status: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, f.frac(), false, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	chunk, err := io.ReadAll(newIdleTimeoutReader(resp.Body, f.src.idleTimeout))
	if err != nil {
		// Position unchanged: the retry re-requests this chunk from
		// scratch rather than resuming mid-chunk.
		return nil, f.frac(), false, err
	}

	f.off += int64(len(chunk))
	done := resp.StatusCode == http.StatusOK ||
		(f.total >= 0 && f.off >= f.total) ||
		int64(len(chunk)) < f.src.chunkSize
	if done && f.total < 0 {
		f.total = f.off
	}
	if done && f.off < f.total {
		log.WithFields(log.Fields{"have": f.off, "want": f.total}).Warn("Source ended transfer early")
	}
	return chunk, f.frac(), done, nil
}

func (f *httpFetchSession) frac() float64 {
	if f.total <= 0 {
		return 0
	}
	frac := float64(f.off) / float64(f.total)
	if frac > 1 {
		frac = 1
	}
	return frac
}

// parseRangeTotal extracts the total length from a Content-Range header
// of the form "bytes <start>-<end>/<total>".
func parseRangeTotal(header string) (int64, bool) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}

// idleTimeoutReader wraps a reader and fails any single Read that takes
// longer than the timeout, turning a silently hung connection into a
// retryable timeout error.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
}

func newIdleTimeoutReader(r io.Reader, timeout time.Duration) *idleTimeoutReader {
	return &idleTimeoutReader{r: r, timeout: timeout}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	type readResult struct {
		n   int
		err error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		n, err := r.r.Read(p)
		resultCh <- readResult{n, err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case result := <-resultCh:
		return result.n, result.err
	}
}
