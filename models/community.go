package models

import "time"

// CommunityRecord is the subset of a store Community the pipeline reads and writes
type CommunityRecord struct {
	ID           string
	RegulatoryID string

	// Human-curated; only filled when empty
	Name        string
	Description string
	ImageURLs   []string
	Amenities   []string

	Address string
	City    string
	State   string
	Zip     string
	Phone   string

	// Volatile; refreshed on every sync
	ProviderDetails *ProviderDetails
	Staffing        *StaffingWindow
	Deficiencies    *DeficiencySummary
	InspectionPDFs  []InspectionLink
	LastSyncedAt    *time.Time
	SyncSource      string
}

// Field names a writable CommunityRecord column
type Field string

const (
	FieldRegulatoryID    Field = "regulatory_id"
	FieldName            Field = "name"
	FieldDescription     Field = "description"
	FieldImageURLs       Field = "image_urls"
	FieldAmenities       Field = "amenities"
	FieldAddress         Field = "address"
	FieldCity            Field = "city"
	FieldState           Field = "state"
	FieldZip             Field = "zip"
	FieldPhone           Field = "phone"
	FieldProviderDetails Field = "provider_details"
	FieldStaffing        Field = "staffing"
	FieldDeficiencies    Field = "deficiencies"
	FieldInspectionPDFs  Field = "inspection_pdfs"
	FieldLastSyncedAt    Field = "last_synced_at"
	FieldSyncSource      Field = "sync_source"
)

// FieldSet is one atomic write against a CommunityRecord.
// Fill values are written only where the stored value is empty;
// Set values always overwrite.
type FieldSet struct {
	Fill map[Field]any
	Set  map[Field]any
}

// NewFieldSet returns an empty, ready to use FieldSet
func NewFieldSet() FieldSet {
	return FieldSet{Fill: make(map[Field]any), Set: make(map[Field]any)}
}

// Empty reports whether the field set would write nothing
func (f FieldSet) Empty() bool {
	return len(f.Fill) == 0 && len(f.Set) == 0
}

// UpsertResult describes what UpsertFields did
type UpsertResult struct {
	ID       string
	Inserted bool
}

// ReconcileOutcome is the decision taken for one transformed record
type ReconcileOutcome string

const (
	OutcomeInserted ReconcileOutcome = "inserted"
	OutcomeUpdated  ReconcileOutcome = "updated"
	OutcomeSkipped  ReconcileOutcome = "skipped"
	OutcomeErrored  ReconcileOutcome = "errored"
)

// ReconcileResult is the reconciler's verdict plus the reason for skips and errors
type ReconcileResult struct {
	Outcome     ReconcileOutcome
	CommunityID string
	MatchedBy   string // "regulatory_id", "name_locality" or ""
	Reason      ErrorKind
	Err         error
}
