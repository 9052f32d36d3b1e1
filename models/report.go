package models

import "time"

// RunState is a step of the import state machine
type RunState string

const (
	StatePending      RunState = "pending"
	StateFetching     RunState = "fetching"
	StateTransforming RunState = "transforming"
	StateAggregating  RunState = "aggregating"
	StateReconciling  RunState = "reconciling"
	StateCompleted    RunState = "completed"
	StateFailed       RunState = "failed"
)

// RunReport is the immutable result of one import run.
//
// Errors holds rows the run could not use as delivered: malformed rows
// (missing identity or unparseable required values) and write failures,
// plus the fatal FetchFailed/ConfigError entry of a failed run. These point
// at a problem in the upstream file or the store and are what stats.errors
// counts. Skips holds well-formed records the matcher deliberately declined
// (AmbiguousMatch, NoIdentifierForInsert); they are counted in Skipped only.
// A malformed row therefore shows up in both Skipped and Errors.
type RunReport struct {
	RunID              string
	Dataset            Dataset
	State              RunState
	Processed          int
	Inserted           int
	Updated            int
	Skipped            int
	Errors             []RecordError
	Skips              []RecordError
	StartTime          time.Time
	EndTime            time.Time
	Success            bool
	TruncatedByTimeout bool
	Message            string
}

// Duration is the wall-clock time the run took
func (r RunReport) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// RunStats is the counters block of the HTTP response
type RunStats struct {
	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// RunResponse is the JSON body returned to whoever triggered a run
type RunResponse struct {
	Success            bool          `json:"success"`
	Message            string        `json:"message"`
	Stats              RunStats      `json:"stats"`
	Duration           string        `json:"duration"`
	Timestamp          string        `json:"timestamp"`
	RunID              string        `json:"runId"`
	Dataset            Dataset       `json:"dataset"`
	TruncatedByTimeout bool          `json:"truncatedByTimeout"`
	Errors             []RecordError `json:"errors,omitempty"`
}

// Response renders the report in its wire shape
func (r RunReport) Response() RunResponse {
	return RunResponse{
		Success: r.Success,
		Message: r.Message,
		Stats: RunStats{
			Processed: r.Processed,
			Inserted:  r.Inserted,
			Updated:   r.Updated,
			Skipped:   r.Skipped,
			Errors:    len(r.Errors),
		},
		Duration:           r.Duration().Round(time.Millisecond).String(),
		Timestamp:          r.EndTime.UTC().Format(time.RFC3339),
		RunID:              r.RunID,
		Dataset:            r.Dataset,
		TruncatedByTimeout: r.TruncatedByTimeout,
		Errors:             r.Errors,
	}
}
