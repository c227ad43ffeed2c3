package coordinator

import (
	"fmt"
	"time"
)

// State is a coordinator's position in the refresh cycle.
type State int32

const (
	StateIdle State = iota
	StateChecking
	StateSyncing
	StateSyncingPartial
	StateReconciling
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateSyncing:
		return "syncing"
	case StateSyncingPartial:
		return "syncing_partial"
	case StateReconciling:
		return "reconciling"
	case StatePersisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON bodies.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StatePersisting; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown coordinator state %q", string(b))
}

// Outcome values reported by CheckAndRefresh and recorded per cycle.
const (
	OutcomeStarted = "started"
	OutcomeFresh   = "fresh"
	OutcomeBusy    = "busy"
	OutcomeClosed  = "closed"
	OutcomeFailed  = "failed"

	OutcomeSynced     = "synced"
	OutcomePartial    = "partial"
	OutcomeDegraded   = "degraded"
	OutcomeAuthFailed = "auth_failed"
	OutcomeCancelled  = "cancelled"
	OutcomeDailyCap   = "daily_cap"
)

// Status is returned by CheckAndRefresh.
type Status struct {
	Dataset string `json:"dataset"`
	State   State  `json:"state"`
	Outcome string `json:"outcome"`
	Trigger string `json:"trigger"`
	CycleID string `json:"cycle_id,omitempty"`
}

// Started reports whether the call began a new cycle.
func (s Status) Started() bool {
	return s.Outcome == OutcomeStarted
}

// WindowStats is the quota ledger as seen by one coordinator.
type WindowStats struct {
	Used         int       `json:"used"`
	Limit        int       `json:"limit"`
	Reserved     int       `json:"reserved"`
	DailyUsed    int       `json:"daily_used"`
	DailyCap     int       `json:"daily_cap,omitempty"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Stats is a point-in-time view of one dataset's cache.
type Stats struct {
	Dataset     string      `json:"dataset"`
	State       State       `json:"state"`
	LastSync    time.Time   `json:"last_sync"`
	LastFetch   time.Time   `json:"last_fetch"`
	Items       int         `json:"items"`
	Coverage    float64     `json:"coverage"`
	Degraded    bool        `json:"degraded"`
	LastError   string      `json:"last_error,omitempty"`
	LastOutcome string      `json:"last_outcome,omitempty"`
	LastCycleAt time.Time   `json:"last_cycle_at"`
	ResumeAt    time.Time   `json:"resume_at,omitempty"`
	Window      WindowStats `json:"window"`
}
