package vidrelay

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultChunkSize is deliberately small so a single timed-out request
// loses at most a quarter megabyte of work.
const DefaultChunkSize = 256 * 1024

// MinValidArtifactSize is the floor below which a local artifact is not
// trusted as a completed transfer.
const MinValidArtifactSize = 1024 * 1024

// Downloader pulls one remote media file to local storage in bounded
// chunks, retrying each chunk on transient failures.
type Downloader struct {
	source       Source
	maxRetries   int
	policy       backoffPolicy
	minValidSize int64
	progress     ProgressFunc
	sleep        func(time.Duration)
}

// NewDownloader builds a downloader over the given source with the
// default retry schedule: up to 5 attempts per chunk, exponential backoff
// capped at 60s for timeouts, a flat 10s for other transport errors.
func NewDownloader(source Source, opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		source:       source,
		maxRetries:   5,
		policy:       backoffPolicy{Cap: 60 * time.Second, Flat: 10 * time.Second},
		minValidSize: MinValidArtifactSize,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch ensures a complete local copy of the remote file at dest. If an
// artifact above the validity floor already exists, it is reused without
// touching the network; that check is what makes a crashed run cheap to
// restart.
func (d *Downloader) Fetch(ctx context.Context, itemID, fileID, dest string) error {
	if fi, err := os.Stat(dest); err == nil && fi.Size() > d.minValidSize {
		log.WithFields(log.Fields{"item": itemID, "path": dest, "bytes": fi.Size()}).
			Info("Reusing existing download")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "creating work directory")
	}

	sess, err := d.source.Fetch(ctx, fileID)
	if err != nil {
		return errors.Wrapf(err, "opening fetch session for item %s", itemID)
	}
	defer sess.Close()

	// The artifact is assembled under a temp name and renamed only once
	// complete, so a partial write can never be mistaken for a finished
	// download.
	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return errors.Wrapf(err, "creating %s", part)
	}
	defer out.Close()

	var written int64
	attempt := 0
	for {
		chunk, frac, done, err := sess.NextChunk(ctx)
		if err != nil {
			if isPermanent(err) {
				return errors.Wrapf(err, "fetching item %s", itemID)
			}
			attempt++
			if attempt >= d.maxRetries {
				return errors.Wrapf(ErrDownloadFailed, "item %s: %v", itemID, err)
			}
			delay := d.policy.Flat
			if isTimeout(err) {
				delay = d.policy.delay(attempt)
			}
			log.WithFields(log.Fields{
				"item":    itemID,
				"attempt": attempt,
				"max":     d.maxRetries,
				"wait":    delay,
			}).WithError(err).Warn("Chunk download failed, retrying")
			d.sleep(delay)
			continue
		}
		attempt = 0

		if len(chunk) > 0 {
			if _, err := out.Write(chunk); err != nil {
				return errors.Wrapf(err, "writing %s", part)
			}
			written += int64(len(chunk))
		}
		pct := int(frac * 100)
		emit(d.progress, Progress{ItemID: itemID, Stage: StageDownloading, Percent: pct})
		log.WithFields(log.Fields{"item": itemID, "percent": pct}).Debug("Download progress")
		if done {
			break
		}
	}

	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", part)
	}
	if total := sess.Size(); total >= 0 && written != total {
		os.Remove(part)
		return errors.Errorf("item %s: downloaded %d bytes, source declared %d", itemID, written, total)
	}
	if err := os.Rename(part, dest); err != nil {
		return errors.Wrapf(err, "committing %s", dest)
	}

	log.WithFields(log.Fields{"item": itemID, "path": dest, "bytes": written}).
		Info("Download complete")
	return nil
}
