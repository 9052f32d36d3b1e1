package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawRow is one unprocessed row fetched from an upstream dataset
type RawRow struct {
	RegulatoryID string            // federal provider number, may be empty
	Fields       map[string]string // source column -> raw value
	Source       string            // file name or page reference
	Line         int               // 1-based row number within Source
}

// TransformedRecord is the Community-facing shape of one upstream record.
// Exactly one payload pointer is set.
type TransformedRecord struct {
	RegulatoryID string
	Name         string
	Address      string
	City         string
	State        string
	Zip          string
	Phone        string

	Provider     *ProviderDetails
	Deficiency   *DeficiencyCitation
	Deficiencies *DeficiencySummary
	Staffing     *StaffingWindow
	Inspection   *InspectionLink
	Inspections  []InspectionLink

	Raw RawRow
}

// ProviderDetails carries the provider-info payload
type ProviderDetails struct {
	OverallRating    int     `json:"overallRating,omitempty"`
	HealthRating     int     `json:"healthRating,omitempty"`
	StaffingRating   int     `json:"staffingRating,omitempty"`
	CertifiedBeds    int     `json:"certifiedBeds,omitempty"`
	AverageResidents float64 `json:"averageResidents,omitempty"`
	OwnershipType    string  `json:"ownershipType,omitempty"`
	ProviderType     string  `json:"providerType,omitempty"`
	LastInspectionAt string  `json:"lastInspectionAt,omitempty"`
	ProcessingDate   string  `json:"processingDate,omitempty"`
	AbuseIcon        bool    `json:"abuseIcon,omitempty"`
}

// DeficiencyCitation is a single health-deficiency citation
type DeficiencyCitation struct {
	SurveyDate  string `json:"surveyDate"`
	SurveyType  string `json:"surveyType,omitempty"`
	Tag         string `json:"tag"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Severity    string `json:"severity,omitempty"` // CMS scope/severity letter A-L
	Corrected   bool   `json:"corrected"`
}

// DeficiencySummary is the per-facility rollup written to the store
type DeficiencySummary struct {
	TotalCitations   int                  `json:"totalCitations"`
	LatestSurveyDate string               `json:"latestSurveyDate,omitempty"`
	MaxSeverity      string               `json:"maxSeverity,omitempty"`
	Recent           []DeficiencyCitation `json:"recent"`
}

// InspectionLink points at one published inspection report PDF
type InspectionLink struct {
	URL        string `json:"url"`
	SurveyDate string `json:"surveyDate,omitempty"`
	Title      string `json:"title,omitempty"`
}

// StaffingDaily is one payroll-based-journal row for a facility and date
type StaffingDaily struct {
	RegulatoryID string
	Name         string
	City         string
	State        string
	Zip          string
	WorkDate     time.Time
	Census       decimal.Decimal // resident-days contributed by this date
	RN           decimal.Decimal
	LPN          decimal.Decimal
	CNA          decimal.Decimal
	HasRN        bool
	HasLPN       bool
	HasCNA       bool
	Raw          RawRow
}

// HasAnyRole reports whether at least one role column carried a value
func (d StaffingDaily) HasAnyRole() bool {
	return d.HasRN || d.HasLPN || d.HasCNA
}

// HoursPerResidentDay holds weighted staffing ratios by role
type HoursPerResidentDay struct {
	RN    float64 `json:"rn"`
	LPN   float64 `json:"lpn"`
	CNA   float64 `json:"cna"`
	Total float64 `json:"total"`
}

// StaffingWindow is the rolling 90-day staffing aggregate for one facility
type StaffingWindow struct {
	PeriodStart         time.Time           `json:"periodStart"`
	PeriodEnd           time.Time           `json:"periodEnd"`
	HoursPerResidentDay HoursPerResidentDay `json:"hoursPerResidentDay"`
	ResidentDays        float64             `json:"residentDays"`
	SampleDayCount      int                 `json:"sampleDayCount"`
	LowConfidence       bool                `json:"lowConfidence"`
}

// WindowDays returns the number of calendar days covered, inclusive of both ends
func (w StaffingWindow) WindowDays() int {
	return int(w.PeriodEnd.Sub(w.PeriodStart).Hours()/24) + 1
}
