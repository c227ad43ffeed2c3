package upstream

import (
	"encoding/json"
	"time"

	"github.com/trailcache/trailcache/internal/models"
)

type summaryResponse struct {
	ID          json.RawMessage `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Distance    float64         `json:"distance"`
	MovingTime  int64           `json:"moving_time"`
	StartDate   time.Time       `json:"start_date"`
}

func (s *summaryResponse) record(id string) *models.Record {
	if got := normalizeID(s.ID); got != "" {
		id = got
	}
	return &models.Record{
		ID:          id,
		Name:        s.Name,
		Description: s.Description,
		Distance:    s.Distance,
		Duration:    s.MovingTime,
		StartedAt:   s.StartDate,
	}
}

type detailResponse struct {
	Polyline string     `json:"polyline"`
	Bounds   []float64  `json:"bounds"`
	SW       *latLngDTO `json:"sw"`
	NE       *latLngDTO `json:"ne"`
}

type latLngDTO struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (d *detailResponse) apply(rec *models.Record) {
	rec.Geometry = d.Polyline
	switch {
	case d.SW != nil && d.NE != nil:
		rec.Bounds = &models.Bounds{
			SouthWest: models.LatLng{Lat: d.SW.Lat, Lng: d.SW.Lng},
			NorthEast: models.LatLng{Lat: d.NE.Lat, Lng: d.NE.Lng},
		}
	case len(d.Bounds) == 4:
		rec.Bounds = &models.Bounds{
			SouthWest: models.LatLng{Lat: d.Bounds[0], Lng: d.Bounds[1]},
			NorthEast: models.LatLng{Lat: d.Bounds[2], Lng: d.Bounds[3]},
		}
	}
}

// listResponse is the envelope of paged enrichment lists. Only an explicit
// has_more of false marks Data as the complete list; a body without the
// field may be partial.
type listResponse[T any] struct {
	Data    []T   `json:"data"`
	HasMore *bool `json:"has_more"`
}

func (l *listResponse[T]) complete() bool {
	return l.HasMore != nil && !*l.HasMore
}

type photoResponse struct {
	ID        json.RawMessage `json:"id"`
	URL       string          `json:"url"`
	Caption   string          `json:"caption"`
	CreatedAt time.Time       `json:"created_at"`
}

type commentResponse struct {
	ID        json.RawMessage `json:"id"`
	Author    string          `json:"author"`
	Text      string          `json:"text"`
	CreatedAt time.Time       `json:"created_at"`
}

func toAttachments(items []photoResponse) []models.Attachment {
	var out []models.Attachment
	for _, p := range items {
		id := normalizeID(p.ID)
		if id == "" {
			continue
		}
		out = append(out, models.Attachment{ID: id, URL: p.URL, Caption: p.Caption, CreatedAt: p.CreatedAt})
	}
	return out
}

func toComments(items []commentResponse) []models.Comment {
	var out []models.Comment
	for _, cm := range items {
		id := normalizeID(cm.ID)
		if id == "" {
			continue
		}
		out = append(out, models.Comment{ID: id, Author: cm.Author, Text: cm.Text, CreatedAt: cm.CreatedAt})
	}
	return out
}
