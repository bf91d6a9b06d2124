package vidrelay

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Stage names the pipeline step an item was attempting when its resume
// record was last written. The values appear verbatim in the persisted
// file.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageCompressing Stage = "compressing"
	StageUploading   Stage = "uploading"
)

// ResumeRecord marks one item's in-flight progress. LocalPath is set only
// once the item reaches the uploading stage and names the artifact the
// next run should hand straight to the uploader.
type ResumeRecord struct {
	Stage     Stage  `json:"stage"`
	StartedAt string `json:"started_at"`
	Name      string `json:"name"`
	LocalPath string `json:"local_path,omitempty"`
}

// ResumeStore persists per-item progress markers across process restarts.
// Records are written before each stage begins and removed only once the
// item's upload is confirmed, so an ungraceful kill between any two chunks
// is observable on the next run.
type ResumeStore struct {
	path    string
	records map[string]ResumeRecord
}

// LoadResumeState reads the resume file. An absent or malformed file is
// treated as empty: losing resume hints costs re-work, never correctness.
func LoadResumeState(path string) *ResumeStore {
	s := &ResumeStore{path: path, records: make(map[string]ResumeRecord)}
	ok, err := loadJSON(path, &s.records)
	if err != nil {
		log.WithError(err).Warn("Resume state unreadable, starting fresh")
		s.records = make(map[string]ResumeRecord)
		return s
	}
	if ok {
		log.WithField("in_flight", len(s.records)).Info("Loaded resume state")
	}
	return s
}

// Get returns the record for an item, if any.
func (s *ResumeStore) Get(id string) (ResumeRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// Set upserts a record and persists immediately.
func (s *ResumeStore) Set(id string, rec ResumeRecord) error {
	s.records[id] = rec
	return saveJSON(s.path, s.records)
}

// Remove deletes a record and persists immediately. Removing an absent id
// is a no-op.
func (s *ResumeStore) Remove(id string) error {
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return saveJSON(s.path, s.records)
}

// InFlight returns a copy of all records.
func (s *ResumeStore) InFlight() map[string]ResumeRecord {
	out := make(map[string]ResumeRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// Reset drops all records and persists the empty state.
func (s *ResumeStore) Reset() error {
	s.records = make(map[string]ResumeRecord)
	return saveJSON(s.path, s.records)
}

// Len returns the number of in-flight records.
func (s *ResumeStore) Len() int { return len(s.records) }

// stamp formats a stage-entry time the way the persisted file expects.
func stamp(t time.Time) string { return t.Format(time.RFC3339) }
