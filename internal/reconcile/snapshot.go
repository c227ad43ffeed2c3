package reconcile

import (
	"github.com/trailcache/trailcache/internal/models"
)

// Summary aggregates the decisions of a batch merge.
type Summary struct {
	Created   int
	Updated   int
	Unchanged int
	Missing   int
	Restored  int
	// Decisions counts decisions by their string form.
	Decisions map[string]int
}

func (s *Summary) record(d Decision) {
	if s.Decisions == nil {
		s.Decisions = make(map[string]int)
	}
	s.Decisions[d.String()]++
}

// MergeInto reconciles each fresh record against snap and stores the result
// in snap.Records.
func MergeInto(snap *models.Snapshot, fresh []*models.Record) Summary {
	var sum Summary
	if snap.Records == nil {
		snap.Records = make(map[string]*models.Record, len(fresh))
	}
	for _, rec := range fresh {
		if rec == nil || rec.ID == "" {
			continue
		}
		cached := snap.Records[rec.ID]
		res := Reconcile(rec, cached)
		snap.Records[rec.ID] = res.Record

		switch {
		case cached == nil:
			sum.Created++
		case res.Changed():
			sum.Updated++
		default:
			sum.Unchanged++
		}
		for _, d := range res.Decisions {
			sum.record(d)
		}
	}
	return sum
}

// MarkMissing flags records whose IDs are not in listed and clears the flag
// on records that are listed again. listed must be a complete upstream
// listing. Records are never removed here; only invalidation deletes them.
func MarkMissing(snap *models.Snapshot, listed []string) Summary {
	var sum Summary
	set := make(map[string]struct{}, len(listed))
	for _, id := range listed {
		set[id] = struct{}{}
	}
	for _, id := range snap.IDs() {
		rec := snap.Records[id]
		_, ok := set[id]
		switch {
		case !ok && !rec.Missing:
			rec.Missing = true
			sum.Missing++
			sum.record(Decision{Field: "record", Action: ActionMissing})
		case ok && rec.Missing:
			rec.Missing = false
			sum.Restored++
			sum.record(Decision{Field: "record", Action: ActionRestored})
		}
	}
	return sum
}
