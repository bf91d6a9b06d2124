package vidrelay

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Seams the orchestrator drives its stages through; the concrete
// Downloader, Compressor, and Uploader satisfy them.
type (
	itemFetcher interface {
		Fetch(ctx context.Context, itemID, fileID, dest string) error
	}
	itemCompressor interface {
		Compress(ctx context.Context, inputPath, itemID string) string
	}
	itemUploader interface {
		Upload(ctx context.Context, itemID, path string, meta VideoMeta) (string, error)
	}
)

// Agent sequences selection, resume-check, download, compression, upload,
// ledger commit, and cleanup for one item at a time. It is the only
// component that mutates the ledger and resume stores.
type Agent struct {
	catalog    *Catalog
	ledger     *Ledger
	resume     *ResumeStore
	fetcher    itemFetcher
	compressor itemCompressor
	uploader   itemUploader

	workDir    string
	randomPick float64
	pickWindow int
	rand       *rand.Rand
	now        func() time.Time
}

// NewAgent wires an orchestrator over the given stores and collaborators.
// The downloader, compressor, and uploader are constructed with their
// defaults unless overridden through options.
func NewAgent(catalog *Catalog, ledger *Ledger, resume *ResumeStore, src Source, dst Destination, opts ...AgentOption) *Agent {
	a := &Agent{
		catalog:    catalog,
		ledger:     ledger,
		resume:     resume,
		workDir:    "temp_videos",
		randomPick: 0.2,
		pickWindow: 10,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.fetcher == nil {
		a.fetcher = NewDownloader(src)
	}
	if a.compressor == nil {
		a.compressor = NewCompressor(WithCompressorWorkDir(a.workDir))
	}
	if a.uploader == nil {
		a.uploader = NewUploader(dst)
	}
	return a
}

// Process runs the pipeline for one item. With an empty id the selection
// policy chooses the item; otherwise the named item is processed. Returns
// the assigned remote identifier on success.
//
// A failure leaves the resume record pointing at the last attempted
// stage and the local artifacts in place, so the next invocation retries
// from there rather than from scratch.
func (a *Agent) Process(ctx context.Context, id string) (string, error) {
	var item *Item
	if id != "" {
		item = a.catalog.ByID(id)
		if item == nil {
			return "", errors.Errorf("item %s not found in catalog", id)
		}
		if a.ledger.Contains(id) {
			return "", errors.Wrapf(ErrAlreadyPublished, "item %s", id)
		}
	} else {
		item = a.nextItem()
		if item == nil {
			return "", ErrNoEligibleItems
		}
	}

	itemID := item.ID
	logger := log.WithFields(log.Fields{"item": itemID, "name": item.Name})
	logger.Info("Processing item")

	path, err := a.resumableArtifact(itemID)
	if err == nil && path != "" {
		logger.WithField("path", path).Info("Resuming at upload stage")
	} else {
		path, err = a.produceArtifact(ctx, item)
		if err != nil {
			return "", err
		}
	}

	if err := a.resume.Set(itemID, ResumeRecord{
		Stage:     StageUploading,
		StartedAt: stamp(a.now()),
		Name:      item.Name,
		LocalPath: path,
	}); err != nil {
		return "", err
	}

	meta := VideoMeta{Title: item.Title, Description: item.Description, Tags: item.Tags}
	if meta.Title == "" {
		meta.Title = item.Name
	}
	videoID, err := a.uploader.Upload(ctx, itemID, path, meta)
	if err != nil {
		return "", err
	}

	// Order matters: the ledger commit is the publish record and must
	// land before anything is deleted.
	if err := a.ledger.Add(itemID); err != nil {
		return "", errors.Wrap(err, "recording publish in ledger")
	}
	if err := a.resume.Remove(itemID); err != nil {
		return "", errors.Wrap(err, "clearing resume record")
	}
	a.cleanup(itemID)

	logger.WithField("video", videoID).Info("Item published")
	return videoID, nil
}

// resumableArtifact returns the recorded upload-stage artifact for the
// item, if the previous run got that far and the file still exists.
func (a *Agent) resumableArtifact(id string) (string, error) {
	rec, ok := a.resume.Get(id)
	if !ok || rec.Stage != StageUploading || rec.LocalPath == "" {
		return "", nil
	}
	if _, err := os.Stat(rec.LocalPath); err != nil {
		return "", err
	}
	return rec.LocalPath, nil
}

// produceArtifact runs the download and compression stages, persisting
// each transition before the stage's work begins.
func (a *Agent) produceArtifact(ctx context.Context, item *Item) (string, error) {
	if err := a.resume.Set(item.ID, ResumeRecord{
		Stage:     StageDownloading,
		StartedAt: stamp(a.now()),
		Name:      item.Name,
	}); err != nil {
		return "", err
	}

	fileID, err := ExtractFileID(item.SourceURL)
	if err != nil {
		return "", err
	}
	orig := filepath.Join(a.workDir, "original_"+item.ID+".mp4")
	if err := a.fetcher.Fetch(ctx, item.ID, fileID, orig); err != nil {
		return "", err
	}

	if err := a.resume.Set(item.ID, ResumeRecord{
		Stage:     StageCompressing,
		StartedAt: stamp(a.now()),
		Name:      item.Name,
	}); err != nil {
		return "", err
	}
	return a.compressor.Compress(ctx, orig, item.ID), nil
}

// nextItem implements the selection policy: an item with a resume record
// wins outright, then the lowest eligible identifier, except that with a
// small probability one of the nearest few is picked instead so a single
// pathological item cannot monopolize every run.
func (a *Agent) nextItem() *Item {
	eligible := a.catalog.Eligible(a.ledger)
	if len(eligible) == 0 {
		return nil
	}
	for i := range eligible {
		if _, ok := a.resume.Get(eligible[i].ID); ok {
			return &eligible[i]
		}
	}
	if len(eligible) > a.pickWindow && a.rand.Float64() < a.randomPick {
		pick := &eligible[a.rand.Intn(a.pickWindow)]
		log.WithField("item", pick.ID).Info("Randomly selected from upcoming items")
		return pick
	}
	return &eligible[0]
}

// cleanup removes the item's local artifacts. Called only after a
// confirmed publish; failed items keep their artifacts so a retry can
// reuse them.
func (a *Agent) cleanup(id string) {
	for _, name := range []string{"original_" + id + ".mp4", "compressed_" + id + ".mp4"} {
		path := filepath.Join(a.workDir, name)
		if err := os.Remove(path); err == nil {
			log.WithField("path", path).Info("Removed temporary file")
		}
	}
}

// ProcessAll drains the catalog, pausing between items as a courtesy to
// the remote services. Item-level failures are logged and the loop moves
// on, except that two consecutive failures of the same item abort the
// batch: resume-priority selection would otherwise re-pick it forever.
func (a *Agent) ProcessAll(ctx context.Context, delay time.Duration) error {
	var lastFailed string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := a.nextItem()
		if item == nil {
			log.Info("All items have been published")
			return nil
		}
		_, err := a.Process(ctx, item.ID)
		if err != nil {
			log.WithError(err).WithField("item", item.ID).Error("Item did not complete")
			if item.ID == lastFailed {
				return errors.Wrapf(err, "item %s failed twice in a row", item.ID)
			}
			lastFailed = item.ID
		} else {
			lastFailed = ""
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Status is a point-in-time report over the catalog, ledger, and resume
// state.
type Status struct {
	Total     int
	Published int
	Next      []Item
	InFlight  map[string]ResumeRecord
}

// Remaining returns the number of items not yet published.
func (s Status) Remaining() int { return s.Total - s.Published }

// Status reports progress without mutating any state.
func (a *Agent) Status() Status {
	eligible := a.catalog.Eligible(a.ledger)
	next := eligible
	if len(next) > 5 {
		next = next[:5]
	}
	return Status{
		Total:     len(a.catalog.Items),
		Published: a.ledger.Len(),
		Next:      next,
		InFlight:  a.resume.InFlight(),
	}
}

// Purge removes all local artifacts and resets the resume state. The
// ledger is untouched: purging temporary state must never forget a
// published item.
func (a *Agent) Purge() error {
	for _, pattern := range []string{"original_*.mp4", "compressed_*.mp4", "*.part"} {
		matches, err := filepath.Glob(filepath.Join(a.workDir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err == nil {
				log.WithField("path", m).Info("Removed temporary file")
			}
		}
	}
	return a.resume.Reset()
}
