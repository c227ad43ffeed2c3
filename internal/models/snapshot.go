package models

import (
	"sort"
	"time"
)

// SnapshotVersion is the current on-disk format version. Snapshots written
// with an older version are loaded but treated as never synced.
const SnapshotVersion = 2

// ResumePoint describes an unfinished cycle that continues in a later window.
type ResumePoint struct {
	Pending        []string  `json:"pending"`
	CycleStartedAt time.Time `json:"cycle_started_at"`
	ResumeAt       time.Time `json:"resume_at"`
	Fetched        int       `json:"fetched"`
}

// Snapshot is the cached state of one dataset.
type Snapshot struct {
	Dataset   Dataset            `json:"dataset"`
	Version   int                `json:"version"`
	Records   map[string]*Record `json:"records"`
	LastSync  time.Time          `json:"last_sync"`
	LastFetch time.Time          `json:"last_fetch"`
	Resume    *ResumePoint       `json:"resume,omitempty"`

	// Degraded is set when the snapshot was served from memory because the
	// durable store could not be reached.
	Degraded bool `json:"-"`
}

// NewSnapshot returns an empty snapshot for d.
func NewSnapshot(d Dataset) *Snapshot {
	return &Snapshot{
		Dataset: d,
		Version: SnapshotVersion,
		Records: make(map[string]*Record),
	}
}

// IsEmpty reports whether the snapshot holds no records.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || len(s.Records) == 0
}

// Size returns the number of records.
func (s *Snapshot) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// Coverage is the fraction of records with at least one enrichment field
// populated. An empty snapshot has zero coverage.
func (s *Snapshot) Coverage() float64 {
	if s.IsEmpty() {
		return 0
	}
	enriched := 0
	for _, r := range s.Records {
		if r.Enriched() {
			enriched++
		}
	}
	return float64(enriched) / float64(len(s.Records))
}

// IDs returns record identifiers in sorted order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Records = make(map[string]*Record, len(s.Records))
	for id, r := range s.Records {
		cp.Records[id] = r.Clone()
	}
	if s.Resume != nil {
		rp := *s.Resume
		rp.Pending = append([]string(nil), s.Resume.Pending...)
		cp.Resume = &rp
	}
	return &cp
}
