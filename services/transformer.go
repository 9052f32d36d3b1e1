package services

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"community-sync/models"
	"community-sync/utils"

	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

var (
	nonDigitRegex   = regexp.MustCompile(`\D`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
	headerSepRegex  = regexp.MustCompile(`[^a-z0-9]+`)
)

// Column aliases, keyed by normalised header. CMS renames columns between
// releases and between the API and the bulk CSVs.
var (
	colRegulatoryID = []string{"cms_certification_number_ccn", "federal_provider_number", "provnum", "ccn", "provider_number"}
	colName         = []string{"provider_name", "provname", "facility_name", "name"}
	colAddress      = []string{"provider_address", "address", "street_address"}
	colCity         = []string{"citytown", "city_town", "provider_city", "city"}
	colState        = []string{"state", "provider_state"}
	colZip          = []string{"zip_code", "provider_zip_code", "zip"}
	colPhone        = []string{"telephone_number", "provider_phone_number", "phone"}

	colOverallRating  = []string{"overall_rating"}
	colHealthRating   = []string{"health_inspection_rating"}
	colStaffingRating = []string{"staffing_rating"}
	colCertifiedBeds  = []string{"number_of_certified_beds"}
	colAvgResidents   = []string{"average_number_of_residents_per_day"}
	colOwnership      = []string{"ownership_type"}
	colProviderType   = []string{"provider_type"}
	colLastInspection = []string{"rating_cycle_1_standard_survey_health_date", "most_recent_health_inspection_date"}
	colProcessingDate = []string{"processing_date"}
	colAbuseIcon      = []string{"abuse_icon"}

	colSurveyDate     = []string{"survey_date", "inspection_date"}
	colSurveyType     = []string{"survey_type"}
	colTagPrefix      = []string{"deficiency_prefix"}
	colTag            = []string{"deficiency_tag_number", "tag_number", "tag"}
	colDescription    = []string{"deficiency_description"}
	colCategory       = []string{"deficiency_category"}
	colSeverity       = []string{"scope_severity_code", "scope_severity"}
	colCorrected      = []string{"deficiency_corrected"}
	colCorrectionDate = []string{"correction_date"}

	colReportURL   = []string{"report_url", "pdf_url", "url", "link"}
	colReportTitle = []string{"title", "report_title"}

	colWorkDate = []string{"workdate", "work_date"}
	colCensus   = []string{"mdscensus", "mds_census"}
	colRNHours  = []string{"hrs_rndon", "hrs_rnadmin", "hrs_rn"}
	colLPNHours = []string{"hrs_lpnadmin", "hrs_lpn"}
	colCNAHours = []string{"hrs_cna", "hrs_natrn", "hrs_medaide"}
)

// RecordTransformer maps upstream rows to the Community-facing record shape.
// It holds no state; every method is a pure function of its input.
type RecordTransformer struct {
	logger *utils.Logger
}

// NewRecordTransformer creates a new RecordTransformer
func NewRecordTransformer(logger *utils.Logger) *RecordTransformer {
	return &RecordTransformer{logger: logger}
}

// Transform maps one row of dataset. Rows that cannot identify a facility
// (no name, or neither city nor zip) return *models.MalformedRecordError.
// Staffing rows go through TransformStaffingDaily instead.
func (t *RecordTransformer) Transform(dataset models.Dataset, row models.RawRow) (models.TransformedRecord, error) {
	f := normalizeHeaders(row.Fields)
	rec := identityOf(f, row)

	switch dataset {
	case models.DatasetProviderInfo:
		rec.Provider = t.providerDetails(f, row)
	case models.DatasetDeficiencies:
		d, err := deficiencyCitation(f, row)
		if err != nil {
			return models.TransformedRecord{}, err
		}
		rec.Deficiency = d
	case models.DatasetInspectionPDFs:
		link := strings.TrimSpace(pick(f, colReportURL...))
		if link == "" {
			return models.TransformedRecord{}, &models.MalformedRecordError{Row: row, Reason: "missing report url"}
		}
		rec.Inspection = &models.InspectionLink{
			URL:        link,
			SurveyDate: formatDate(pick(f, colSurveyDate...)),
			Title:      cleanText(pick(f, colReportTitle...)),
		}
	default:
		return models.TransformedRecord{}, fmt.Errorf("dataset %s has no row transform", dataset)
	}

	if err := CheckIdentity(rec); err != nil {
		return models.TransformedRecord{}, err
	}
	return rec, nil
}

// CheckIdentity enforces that a record names a facility and a place
func CheckIdentity(rec models.TransformedRecord) error {
	if rec.Name == "" {
		return &models.MalformedRecordError{Row: rec.Raw, Reason: "missing facility name"}
	}
	if rec.City == "" && rec.Zip == "" {
		return &models.MalformedRecordError{Row: rec.Raw, Reason: "missing both city and zip"}
	}
	return nil
}

// TransformStaffingDaily maps one payroll-based-journal row. The regulatory id
// and a parseable work date are required; role hours default to absent.
func (t *RecordTransformer) TransformStaffingDaily(row models.RawRow) (models.StaffingDaily, error) {
	f := normalizeHeaders(row.Fields)
	id := normalizeRegulatoryID(firstNonEmpty(row.RegulatoryID, pick(f, colRegulatoryID...)))
	if id == "" {
		return models.StaffingDaily{}, &models.MalformedRecordError{Row: row, Reason: "missing regulatory id"}
	}
	workDate, ok := parseDate(pick(f, colWorkDate...))
	if !ok {
		return models.StaffingDaily{}, &models.MalformedRecordError{Row: row, Reason: "missing or unparseable work date"}
	}
	census, _ := t.optionalDecimal(row, colCensus[0], pick(f, colCensus...))

	d := models.StaffingDaily{
		RegulatoryID: id,
		Name:         cleanText(pick(f, colName...)),
		City:         cleanText(pick(f, colCity...)),
		State:        strings.ToUpper(cleanText(pick(f, colState...))),
		Zip:          NormalizeZip(pick(f, colZip...)),
		WorkDate:     workDate,
		Census:       census,
		Raw:          row,
	}
	d.RN, d.HasRN = t.sumColumns(row, f, colRNHours)
	d.LPN, d.HasLPN = t.sumColumns(row, f, colLPNHours)
	d.CNA, d.HasCNA = t.sumColumns(row, f, colCNAHours)
	return d, nil
}

func identityOf(f map[string]string, row models.RawRow) models.TransformedRecord {
	return models.TransformedRecord{
		RegulatoryID: normalizeRegulatoryID(firstNonEmpty(row.RegulatoryID, pick(f, colRegulatoryID...))),
		Name:         cleanText(pick(f, colName...)),
		Address:      cleanText(pick(f, colAddress...)),
		City:         cleanText(pick(f, colCity...)),
		State:        strings.ToUpper(cleanText(pick(f, colState...))),
		Zip:          NormalizeZip(pick(f, colZip...)),
		Phone:        normalizePhone(pick(f, colPhone...)),
		Raw:          row,
	}
}

func (t *RecordTransformer) providerDetails(f map[string]string, row models.RawRow) *models.ProviderDetails {
	p := &models.ProviderDetails{
		OwnershipType:    cleanText(pick(f, colOwnership...)),
		ProviderType:     cleanText(pick(f, colProviderType...)),
		LastInspectionAt: formatDate(pick(f, colLastInspection...)),
		ProcessingDate:   formatDate(pick(f, colProcessingDate...)),
		AbuseIcon:        parseBool(pick(f, colAbuseIcon...)),
	}
	ints := []struct {
		dst  *int
		cols []string
	}{
		{&p.OverallRating, colOverallRating},
		{&p.HealthRating, colHealthRating},
		{&p.StaffingRating, colStaffingRating},
		{&p.CertifiedBeds, colCertifiedBeds},
	}
	for _, c := range ints {
		v, _ := t.optionalDecimal(row, c.cols[0], pick(f, c.cols...))
		*c.dst = int(v.IntPart())
	}
	avg, _ := t.optionalDecimal(row, colAvgResidents[0], pick(f, colAvgResidents...))
	p.AverageResidents = avg.Round(2).InexactFloat64()
	return p
}

// optionalDecimal parses an optional numeric column. Text such as
// "Not Available" reads as absent; only identity fields can reject a row.
func (t *RecordTransformer) optionalDecimal(row models.RawRow, col, raw string) (decimal.Decimal, bool) {
	v, present, err := parseDecimal(raw)
	if err != nil {
		t.logger.Debug("%s:%d: ignoring %s: %v", row.Source, row.Line, col, err)
		return decimal.Zero, false
	}
	return v, present
}

func deficiencyCitation(f map[string]string, row models.RawRow) (*models.DeficiencyCitation, error) {
	tag := cleanText(pick(f, colTag...))
	if tag == "" {
		return nil, &models.MalformedRecordError{Row: row, Reason: "missing deficiency tag"}
	}
	if prefix := cleanText(pick(f, colTagPrefix...)); prefix != "" && !strings.HasPrefix(tag, prefix) {
		tag = prefix + leftPad(tag, 4)
	}
	corrected := pick(f, colCorrected...)
	return &models.DeficiencyCitation{
		SurveyDate:  formatDate(pick(f, colSurveyDate...)),
		SurveyType:  cleanText(pick(f, colSurveyType...)),
		Tag:         tag,
		Description: cleanText(pick(f, colDescription...)),
		Category:    cleanText(pick(f, colCategory...)),
		Severity:    strings.ToUpper(cleanText(pick(f, colSeverity...))),
		Corrected: pick(f, colCorrectionDate...) != "" ||
			strings.Contains(strings.ToLower(corrected), "date of correction") ||
			parseBool(corrected),
	}, nil
}

// normalizeHeaders lowercases headers and folds every run of punctuation or
// spaces to one underscore, so "City/Town" becomes city_town
func normalizeHeaders(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		key := headerSepRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(k)), "_")
		key = strings.Trim(key, "_")
		if _, dup := out[key]; dup && strings.TrimSpace(v) == "" {
			continue
		}
		out[key] = v
	}
	return out
}

// pick returns the first non-blank value among the aliases
func pick(f map[string]string, aliases ...string) string {
	for _, a := range aliases {
		if v := strings.TrimSpace(f[a]); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func cleanText(s string) string {
	return whitespaceRegex.ReplaceAllString(strings.TrimSpace(s), " ")
}

// normalizeRegulatoryID uppercases the id and restores leading zeros that
// spreadsheets strip from all-digit CCNs
func normalizeRegulatoryID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id != "" && nonDigitRegex.FindStringIndex(id) == nil {
		id = leftPad(id, 6)
	}
	return id
}

// NormalizeZip keeps the first five digits, zero-padding short values
func NormalizeZip(raw string) string {
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if digits == "" {
		return ""
	}
	if len(digits) >= 5 {
		return digits[:5]
	}
	return leftPad(digits, 5)
}

// normalizePhone returns the 10-digit national number of a US phone, or the
// trimmed input when it cannot be read as one
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if p, err := libphonenumber.Parse(raw, "US"); err == nil && libphonenumber.IsValidNumber(p) {
		return libphonenumber.GetNationalSignificantNumber(p)
	}
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) == 10 {
		return digits
	}
	return strings.TrimSpace(raw)
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102",
	"01/02/2006",
	"1/2/2006",
}

// parseDate accepts ISO-8601, YYYYMMDD and MM/DD/YYYY and returns a UTC date
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// formatDate renders a parseable date as YYYY-MM-DD, or "" when unparseable
func formatDate(raw string) string {
	t, ok := parseDate(raw)
	if !ok {
		return ""
	}
	return t.Format("2006-01-02")
}

// parseDecimal strips thousands separators and whitespace. Blank input is
// reported as absent, not as an error.
func parseDecimal(raw string) (decimal.Decimal, bool, error) {
	cleaned := strings.NewReplacer(",", "", " ", "", "\u00a0", "", "$", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" || strings.EqualFold(cleaned, "NA") || strings.EqualFold(cleaned, "N/A") {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("not a number: %q", raw)
	}
	return d, true, nil
}

// sumColumns adds the present columns; ok is false when none had a value
func (t *RecordTransformer) sumColumns(row models.RawRow, f map[string]string, cols []string) (decimal.Decimal, bool) {
	total := decimal.Zero
	seen := false
	for _, c := range cols {
		if v, present := t.optionalDecimal(row, c, f[c]); present {
			total = total.Add(v)
			seen = true
		}
	}
	return total, seen
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "y", "yes", "true", "1":
		return true
	}
	return false
}
