package vidrelay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// tagBudget caps the aggregate character count of the tag list the
	// destination will accept.
	tagBudget = 490
	// minTags is the floor trimming never goes below.
	minTags = 5
)

// Uploader pushes a local file to the destination in bounded chunks.
// Uploads get a far larger retry budget than downloads: by this stage the
// bytes are already local and abandoning them is the expensive outcome.
type Uploader struct {
	dest           Destination
	maxRetries     int
	policy         backoffPolicy
	stallThreshold int
	progress       ProgressFunc
	sleep          func(time.Duration)
}

// NewUploader builds an uploader over the given destination with the
// default retry schedule: up to 15 attempts, exponential backoff capped
// at 120s, and a stall declared after 5 chunk completions with unchanged
// progress.
func NewUploader(dest Destination, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		dest:           dest,
		maxRetries:     15,
		policy:         backoffPolicy{Cap: 120 * time.Second, Flat: 10 * time.Second},
		stallThreshold: 5,
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload publishes the file at path and returns the identifier assigned
// by the destination. Client-class errors fail immediately; timeouts,
// stalls, and server errors are retried with backoff until the attempt
// budget runs out, after which ErrUploadFailed is returned.
func (u *Uploader) Upload(ctx context.Context, itemID, path string, meta VideoMeta) (string, error) {
	meta.Tags = trimTags(meta.Tags)

	var sess UploadSession
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	attempt := 0
	lastPct := -1
	stalls := 0
	for {
		var err error
		if sess == nil {
			sess, err = u.dest.Upload(ctx, path, meta)
			if err != nil {
				sess = nil
			}
		}
		if err == nil {
			var frac float64
			var done bool
			var videoID string
			frac, done, videoID, err = sess.NextChunk(ctx)
			if err == nil {
				if done {
					log.WithFields(log.Fields{"item": itemID, "video": videoID}).Info("Upload confirmed")
					return videoID, nil
				}
				pct := int(frac * 100)
				emit(u.progress, Progress{ItemID: itemID, Stage: StageUploading, Percent: pct})
				log.WithFields(log.Fields{"item": itemID, "percent": pct}).Debug("Upload progress")
				if pct == lastPct {
					stalls++
					if stalls > u.stallThreshold {
						err = errors.Wrapf(errStalled, "at %d%%", pct)
						stalls = 0
					}
				} else {
					stalls = 0
					lastPct = pct
				}
				if err == nil {
					continue
				}
			}
		}

		if isPermanent(err) {
			return "", errors.Wrapf(err, "uploading item %s", itemID)
		}
		attempt++
		if attempt >= u.maxRetries {
			return "", errors.Wrapf(ErrUploadFailed, "item %s: %v", itemID, err)
		}
		delay := u.policy.delay(attempt)
		log.WithFields(log.Fields{
			"item":    itemID,
			"attempt": attempt,
			"max":     u.maxRetries,
			"wait":    delay,
		}).WithError(err).Warn("Upload chunk failed, retrying")
		u.sleep(delay)
	}
}

// trimTags drops trailing tags until the aggregate length fits the
// destination's budget, never going below the minimum count.
func trimTags(tags []string) []string {
	out := make([]string, len(tags))
	copy(out, tags)
	total := 0
	for _, t := range out {
		total += len(t)
	}
	for total > tagBudget && len(out) > minTags {
		total -= len(out[len(out)-1])
		out = out[:len(out)-1]
	}
	return out
}
