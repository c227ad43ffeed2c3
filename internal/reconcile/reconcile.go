// Package reconcile merges freshly fetched records into their cached
// counterparts without losing locally accumulated enrichment.
package reconcile

import (
	"sort"

	"github.com/trailcache/trailcache/internal/models"
)

// Decision is one entry of the reconciliation log, e.g. name/mismatch.
type Decision struct {
	Field  string `json:"field"`
	Action string `json:"action"`
}

func (d Decision) String() string {
	return d.Field + "_" + d.Action
}

const (
	ActionMismatch  = "mismatch"
	ActionAdded     = "added"
	ActionRetained  = "retained"
	ActionReplaced  = "replaced"
	ActionCleared   = "cleared"
	ActionRederived = "rederived"
	ActionUpdated   = "updated"
	ActionCreated   = "created"
	ActionMissing   = "missing"
	ActionRestored  = "restored"
)

// MergeResult is the merged record and the decisions taken to build it, in
// the order they were taken.
type MergeResult struct {
	Record    *models.Record
	Decisions []Decision
}

// Changed reports whether the merge altered anything relative to the cache.
func (m MergeResult) Changed() bool {
	return len(m.Decisions) > 0
}

// coreField compares one upstream-owned field and copies it from fresh.
// Detail fields are filled by the detail call and are left alone when that
// call did not run.
type coreField struct {
	name   string
	detail bool
	equal  func(a, b *models.Record) bool
	take   func(dst, src *models.Record)
}

// coreFields is the fixed field table. Upstream is authoritative for all of
// them.
var coreFields = []coreField{
	{
		name:  "name",
		equal: func(a, b *models.Record) bool { return a.Name == b.Name },
		take:  func(dst, src *models.Record) { dst.Name = src.Name },
	},
	{
		name:  "description",
		equal: func(a, b *models.Record) bool { return a.Description == b.Description },
		take:  func(dst, src *models.Record) { dst.Description = src.Description },
	},
	{
		name:  "distance",
		equal: func(a, b *models.Record) bool { return a.Distance == b.Distance },
		take:  func(dst, src *models.Record) { dst.Distance = src.Distance },
	},
	{
		name:  "duration",
		equal: func(a, b *models.Record) bool { return a.Duration == b.Duration },
		take:  func(dst, src *models.Record) { dst.Duration = src.Duration },
	},
	{
		name:   "geometry",
		detail: true,
		equal:  func(a, b *models.Record) bool { return a.Geometry == b.Geometry },
		take:   func(dst, src *models.Record) { dst.Geometry = src.Geometry },
	},
	{
		name:   "bounds",
		detail: true,
		equal:  func(a, b *models.Record) bool { return boundsEqual(a.Bounds, b.Bounds) },
		take: func(dst, src *models.Record) {
			dst.Bounds = nil
			if src.Bounds != nil {
				b := *src.Bounds
				dst.Bounds = &b
			}
		},
	},
	{
		name:  "started_at",
		equal: func(a, b *models.Record) bool { return a.StartedAt.Equal(b.StartedAt) },
		take:  func(dst, src *models.Record) { dst.StartedAt = src.StartedAt },
	},
}

// CoreFields returns the names of the upstream-owned fields in table order.
func CoreFields() []string {
	names := make([]string, len(coreFields))
	for i, f := range coreFields {
		names[i] = f.name
	}
	return names
}

func boundsEqual(a, b *models.Bounds) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Reconcile merges fresh into cached. Neither argument is modified. A nil
// cached record yields a copy of fresh with derived tags.
//
// Detail fields of a fresh record with Gaps.Detail set keep their cached
// values, and enrichment lists are only replaced when fresh carries the
// completeness flag for them.
func Reconcile(fresh, cached *models.Record) MergeResult {
	if cached == nil {
		merged := fresh.Clone()
		merged.Complete = models.Completeness{}
		merged.Gaps = models.Gaps{}
		merged.Missing = false
		merged.Tags = DeriveTags(merged.Description)
		if len(merged.Photos) > 0 || len(merged.Comments) > 0 {
			merged.EnrichedAt = fresh.RefreshedAt
		}
		return MergeResult{
			Record:    merged,
			Decisions: []Decision{{Field: "record", Action: ActionCreated}},
		}
	}

	merged := cached.Clone()
	var decisions []Decision

	for _, f := range coreFields {
		if f.detail && fresh.Gaps.Detail {
			continue
		}
		if !f.equal(fresh, cached) {
			decisions = append(decisions, Decision{Field: f.name, Action: ActionMismatch})
		}
		f.take(merged, fresh)
	}

	var enriched bool

	photos, photoDecisions := mergeByID(cached.Photos, fresh.Photos, fresh.Complete.Photos,
		func(a models.Attachment) string { return a.ID }, sameAttachment)
	merged.Photos = photos
	for _, action := range photoDecisions {
		decisions = append(decisions, Decision{Field: "photos", Action: action})
	}
	enriched = enriched || changesEnrichment(photoDecisions)

	comments, commentDecisions := mergeByID(cached.Comments, fresh.Comments, fresh.Complete.Comments,
		func(c models.Comment) string { return c.ID }, sameComment)
	merged.Comments = comments
	for _, action := range commentDecisions {
		decisions = append(decisions, Decision{Field: "comments", Action: action})
	}
	enriched = enriched || changesEnrichment(commentDecisions)

	if added := mergeAnnotations(merged, fresh.Annotations); added {
		decisions = append(decisions, Decision{Field: "annotations", Action: ActionAdded})
	}

	tags := DeriveTags(merged.Description)
	if !equalStrings(tags, cached.Tags) {
		decisions = append(decisions, Decision{Field: "tags", Action: ActionRederived})
	}
	merged.Tags = tags

	if !fresh.RefreshedAt.IsZero() {
		merged.RefreshedAt = fresh.RefreshedAt
		if enriched {
			merged.EnrichedAt = fresh.RefreshedAt
		}
	}
	merged.Complete = models.Completeness{}
	merged.Missing = false

	return MergeResult{Record: merged, Decisions: decisions}
}

func changesEnrichment(actions []string) bool {
	for _, a := range actions {
		if a != ActionRetained {
			return true
		}
	}
	return false
}

func sameAttachment(a, b models.Attachment) bool {
	return a.URL == b.URL && a.Caption == b.Caption && a.CreatedAt.Equal(b.CreatedAt)
}

func sameComment(a, b models.Comment) bool {
	return a.Author == b.Author && a.Text == b.Text && a.CreatedAt.Equal(b.CreatedAt)
}

// mergeByID unions cached and fresh by identifier. Fresh content wins for
// shared identifiers and is reported as updated when it differs. With
// complete set, fresh replaces the list outright.
func mergeByID[T any](cached, fresh []T, complete bool, id func(T) string, same func(a, b T) bool) ([]T, []string) {
	cachedByID := make(map[string]T, len(cached))
	for _, item := range cached {
		cachedByID[id(item)] = item
	}

	if complete {
		if len(fresh) == 0 {
			if len(cached) == 0 {
				return nil, nil
			}
			return nil, []string{ActionCleared}
		}
		out := append([]T(nil), fresh...)
		if !sameIDs(cached, fresh, id) {
			return out, []string{ActionReplaced}
		}
		for _, item := range fresh {
			if !same(cachedByID[id(item)], item) {
				return out, []string{ActionUpdated}
			}
		}
		return out, nil
	}

	freshByID := make(map[string]T, len(fresh))
	for _, item := range fresh {
		freshByID[id(item)] = item
	}

	out := make([]T, 0, len(cached)+len(fresh))
	seen := make(map[string]bool, len(cached))
	retained, updated := false, false
	for _, item := range cached {
		key := id(item)
		seen[key] = true
		if f, ok := freshByID[key]; ok {
			if !same(item, f) {
				updated = true
			}
			out = append(out, f)
			continue
		}
		out = append(out, item)
		retained = true
	}

	added := false
	for _, item := range fresh {
		key := id(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
		added = true
	}

	var actions []string
	if added {
		actions = append(actions, ActionAdded)
	}
	if updated {
		actions = append(actions, ActionUpdated)
	}
	if retained {
		actions = append(actions, ActionRetained)
	}
	if len(out) == 0 {
		return nil, actions
	}
	return out, actions
}

// mergeAnnotations adds keys from fresh that merged does not have yet.
// Existing local values are never overwritten.
func mergeAnnotations(merged *models.Record, fresh map[string]string) bool {
	if len(fresh) == 0 {
		return false
	}
	keys := make([]string, 0, len(fresh))
	for k := range fresh {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	added := false
	for _, k := range keys {
		if _, ok := merged.Annotations[k]; ok {
			continue
		}
		if merged.Annotations == nil {
			merged.Annotations = make(map[string]string)
		}
		merged.Annotations[k] = fresh[k]
		added = true
	}
	return added
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
