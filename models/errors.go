package models

import "fmt"

// ErrorKind classifies a failure recorded against a run or record
type ErrorKind string

const (
	// Fatal
	KindFetchFailed ErrorKind = "FetchFailed"
	KindConfigError ErrorKind = "ConfigError"

	// Recoverable-transient, recorded once retries are used up
	KindWriteFailed ErrorKind = "WriteFailed"

	// Data quality, never retried
	KindMalformedRecord       ErrorKind = "MalformedRecord"
	KindAmbiguousMatch        ErrorKind = "AmbiguousMatch"
	KindNoIdentifierForInsert ErrorKind = "NoIdentifierForInsert"
)

// Fatal reports whether the kind aborts a run
func (k ErrorKind) Fatal() bool {
	return k == KindFetchFailed || k == KindConfigError
}

// RecordError is one entry of a run report's error or skip list
type RecordError struct {
	Kind         ErrorKind         `json:"kind"`
	RegulatoryID string            `json:"regulatoryId,omitempty"`
	Name         string            `json:"name,omitempty"`
	Source       string            `json:"source,omitempty"`
	Line         int               `json:"line,omitempty"`
	Message      string            `json:"message"`
	Raw          map[string]string `json:"-"`
}

// NewRecordError builds a RecordError referencing the offending raw row
func NewRecordError(kind ErrorKind, raw RawRow, name string, err error) RecordError {
	re := RecordError{
		Kind:         kind,
		RegulatoryID: raw.RegulatoryID,
		Name:         name,
		Source:       raw.Source,
		Line:         raw.Line,
		Raw:          raw.Fields,
	}
	if err != nil {
		re.Message = err.Error()
	}
	return re
}

// MalformedRecordError is returned by the transformer when a row lacks the
// fields needed to identify a facility
type MalformedRecordError struct {
	Row    RawRow
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record at %s:%d: %s", e.Row.Source, e.Row.Line, e.Reason)
}

// FetchError is a page fetch that failed after all retries
type FetchError struct {
	Dataset Dataset
	Cursor  string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s page %q failed: %v", e.Dataset, e.Cursor, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ConfigError is a missing or invalid setting that makes a run impossible
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}
