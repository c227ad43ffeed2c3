package alerts

import (
	"time"

	"github.com/trailcache/trailcache/internal/models"
)

// Severity represents alert severity level
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeDegraded fires when a dataset is only held in memory.
	AlertTypeDegraded AlertType = "degraded"
	// AlertTypeRecovered fires when a degraded dataset is durable again.
	AlertTypeRecovered AlertType = "recovered"
	// AlertTypeAuth fires when a cycle could not obtain an access token.
	AlertTypeAuth AlertType = "auth"
	// AlertTypeSyncFailed fires when a cycle ended without progress.
	AlertTypeSyncFailed AlertType = "sync_failed"
)

// Alert represents an alert to be sent
type Alert struct {
	ID        string
	Dataset   models.Dataset
	Type      AlertType
	Severity  Severity
	Message   string
	Timestamp time.Time
}

// AlertKey creates a unique key for deduplication
func (a *Alert) AlertKey() string {
	return alertKey(a.Dataset, a.Type)
}

func alertKey(dataset models.Dataset, t AlertType) string {
	return string(dataset) + ":" + string(t)
}

// AlertRecord represents a sent alert record for deduplication
type AlertRecord struct {
	AlertKey string
	SentAt   time.Time
	Count    int
}
