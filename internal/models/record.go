package models

import (
	"time"
)

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds is the bounding box of a record's geometry.
type Bounds struct {
	SouthWest LatLng `json:"sw"`
	NorthEast LatLng `json:"ne"`
}

// Attachment is a photo attached to a record.
type Attachment struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment is a comment left on a record.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Completeness carries upstream's explicit signal that a list in the fresh
// record is the full list. It is never persisted.
type Completeness struct {
	Photos   bool
	Comments bool
}

// Gaps marks upstream calls that did not run for a fresh record, so the zero
// values of the fields they fill carry no information. It is never persisted.
type Gaps struct {
	// Detail is set when the geometry/bounds call was skipped.
	Detail bool
}

// Record is one cached item.
//
// Core fields come from upstream and are always overwritten by fresh data.
// Photos and Comments are enrichment that upstream may return partially.
// Annotations exist only locally. Tags are derived from Description.
type Record struct {
	ID string `json:"id"`

	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Distance    float64   `json:"distance"`
	Duration    int64     `json:"duration"`
	StartedAt   time.Time `json:"started_at"`
	Geometry    string    `json:"geometry,omitempty"`
	Bounds      *Bounds   `json:"bounds,omitempty"`

	Photos      []Attachment      `json:"photos,omitempty"`
	Comments    []Comment         `json:"comments,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`

	Tags []string `json:"tags,omitempty"`

	RefreshedAt time.Time `json:"refreshed_at"`
	EnrichedAt  time.Time `json:"enriched_at,omitempty"`

	// Missing is set while upstream no longer lists the record. The record
	// and its enrichment stay cached until the dataset is invalidated.
	Missing bool `json:"missing,omitempty"`

	Complete Completeness `json:"-"`
	Gaps     Gaps         `json:"-"`
}

// Enriched reports whether any enrichment field is populated.
func (r *Record) Enriched() bool {
	return r != nil && (len(r.Photos) > 0 || len(r.Comments) > 0 || len(r.Annotations) > 0)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Bounds != nil {
		b := *r.Bounds
		cp.Bounds = &b
	}
	if r.Photos != nil {
		cp.Photos = append([]Attachment(nil), r.Photos...)
	}
	if r.Comments != nil {
		cp.Comments = append([]Comment(nil), r.Comments...)
	}
	if r.Annotations != nil {
		cp.Annotations = make(map[string]string, len(r.Annotations))
		for k, v := range r.Annotations {
			cp.Annotations[k] = v
		}
	}
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	return &cp
}
