package model

import "time"

// CategoryResult records how one category fared during a sync run.
type CategoryResult struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Fetched bool   `json:"fetched"`
	Items   int    `json:"items"`
	Error   string `json:"error,omitempty"`
}

// RunSummary aggregates the counters of one sync run. It is persisted in
// sync_runs, cached in Redis and published on completion.
type RunSummary struct {
	RunID      string           `json:"runId"`
	Phase      string           `json:"phase"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Categories []CategoryResult `json:"categories"`

	ItemsSeen       int   `json:"itemsSeen"`
	Inserted        int   `json:"inserted"`
	Updated         int   `json:"updated"`
	Unkeyed         int   `json:"unkeyed"`   // stored without a requisition id, flagged for review
	Malformed       int   `json:"malformed"` // neither requisition id nor link; not stored
	WriteFailures   int   `json:"writeFailures"`
	GeocodeHits     int   `json:"geocodeHits"`
	GeocodeMisses   int   `json:"geocodeMisses"`
	GeocodeFailures int   `json:"geocodeFailures"`
	GeocodeSkipped  int   `json:"geocodeSkipped"`
	SoftDeleted     int64 `json:"softDeleted"`

	Error string `json:"error,omitempty"`
}

// FailedCategories returns the number of categories whose fetch failed.
func (s *RunSummary) FailedCategories() int {
	n := 0
	for _, c := range s.Categories {
		if !c.Fetched {
			n++
		}
	}
	return n
}
