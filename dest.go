package vidrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// VideoMeta is the publish metadata handed to the destination alongside
// the media bytes.
type VideoMeta struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Destination is the video-hosting collaborator: it opens resumable
// upload sessions and assigns an identifier once the final chunk lands.
type Destination interface {
	Upload(ctx context.Context, path string, meta VideoMeta) (UploadSession, error)
}

// UploadSession pushes one local file in bounded chunks. A failed
// NextChunk leaves the position unchanged so the same chunk is re-sent on
// retry.
type UploadSession interface {
	// NextChunk sends the next chunk and reports overall progress as a
	// fraction in [0,1]. When done, videoID holds the assigned remote
	// identifier.
	NextChunk(ctx context.Context) (frac float64, done bool, videoID string, err error)
	Close() error
}

// HTTPDestination implements the resumable-upload protocol over HTTP: a
// POST carrying the metadata opens a session (Location header), each
// chunk goes up as a PUT with a Content-Range, and the final response
// body carries the assigned id.
type HTTPDestination struct {
	client    *http.Client
	baseURL   string
	authToken string
	chunkSize int64
}

// NewHTTPDestination builds a destination rooted at baseURL.
func NewHTTPDestination(baseURL, authToken string, opts ...DestOption) *HTTPDestination {
	d := &HTTPDestination{
		client:    &http.Client{},
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Upload opens a resumable session for the file at path.
func (d *HTTPDestination) Upload(ctx context.Context, path string, meta VideoMeta) (UploadSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, errors.Wrapf(errEmptyArtifact, "%s", path)
	}

	body, err := json.Marshal(meta)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "marshaling upload metadata")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/uploads", bytes.NewReader(body))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "building session request")
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		f.Close()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		f.Close()
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(head))}
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		f.Close()
		return nil, errors.New("destination opened session without a location")
	}
	if strings.HasPrefix(loc, "/") {
		loc = d.baseURL + loc
	}

	sess := &httpUploadSession{
		dest: d,
		id:   uuid.NewString(),
		url:  loc,
		f:    f,
		size: fi.Size(),
	}
	log.WithFields(log.Fields{"session": sess.id, "size": fi.Size()}).Debug("Opened upload session")
	return sess, nil
}

type httpUploadSession struct {
	dest *HTTPDestination
	id   string // correlation id for logs only
	url  string
	f    *os.File
	size int64
	off  int64
}

func (u *httpUploadSession) Close() error { return u.f.Close() }

func (u *httpUploadSession) NextChunk(ctx context.Context) (float64, bool, string, error) {
	n := u.dest.chunkSize
	if remaining := u.size - u.off; remaining < n {
		n = remaining
	}
	buf := make([]byte, n)
	// ReadAt, not sequential reads: a retried chunk must re-read the same
	// byte range.
	if _, err := u.f.ReadAt(buf, u.off); err != nil && err != io.EOF {
		return u.frac(), false, "", errors.Wrap(err, "reading chunk from local artifact")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.url, bytes.NewReader(buf))
	if err != nil {
		return u.frac(), false, "", errors.Wrap(err, "building chunk request")
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", u.off, u.off+n-1, u.size))
	if u.dest.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+u.dest.authToken)
	}

	resp, err := u.dest.client.Do(req)
	if err != nil {
		return u.frac(), false, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPermanentRedirect, http.StatusNoContent:
		// Chunk accepted, session incomplete.
		u.off += n
		return u.frac(), false, "", nil
	case http.StatusOK, http.StatusCreated:
		u.off += n
		var confirm struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&confirm); err != nil {
			return u.frac(), false, "", errors.Wrap(err, "decoding upload confirmation")
		}
		if confirm.ID == "" {
			return u.frac(), false, "", errors.New("destination confirmed upload without an id")
		}
		log.WithFields(log.Fields{"session": u.id, "video": confirm.ID}).Debug("Upload confirmed")
		return 1, true, confirm.ID, nil
	default:
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return u.frac(), false, "", &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(head))}
	}
}

func (u *httpUploadSession) frac() float64 {
	if u.size <= 0 {
		return 1
	}
	return float64(u.off) / float64(u.size)
}
