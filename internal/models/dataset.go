package models

import "fmt"

// Dataset names one independently cached collection.
type Dataset string

const (
	DatasetActivities Dataset = "activities"
	DatasetDonations  Dataset = "donations"
)

// KnownDatasets lists every dataset the engine can sync.
var KnownDatasets = []Dataset{DatasetActivities, DatasetDonations}

// Validate checks that d is one of KnownDatasets.
func (d Dataset) Validate() error {
	for _, k := range KnownDatasets {
		if d == k {
			return nil
		}
	}
	return fmt.Errorf("unknown dataset %q", string(d))
}

func (d Dataset) String() string {
	return string(d)
}

// Trigger is the reason a refresh check was requested.
type Trigger string

const (
	TriggerScheduled  Trigger = "scheduled"
	TriggerManual     Trigger = "manual"
	TriggerEmptyCache Trigger = "empty_cache"
	TriggerResume     Trigger = "resume"
	TriggerStartup    Trigger = "startup"
)
