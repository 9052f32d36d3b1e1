package services

import (
	"errors"
	"testing"
	"time"

	"community-sync/models"
	"community-sync/utils"
)

func providerRow(id, name, city string) models.RawRow {
	row := models.RawRow{
		RegulatoryID: id,
		Source:       "provider.csv",
		Line:         2,
		Fields: map[string]string{
			"CMS Certification Number (CCN)": id,
			"Provider Name":                  name,
			"Provider Address":               " 12  Elm   St ",
			"City/Town":                      city,
			"State":                          "oh",
			"ZIP Code":                       "4321",
			"Telephone Number":               "(614) 555-0100",
			"Overall Rating":                 "4",
			"Number of Certified Beds":       "1,120",
			"Ownership Type":                 "For profit - Corporation",
			"Abuse Icon":                     "Y",
		},
	}
	row.Fields["Average Number of Residents per Day"] = "87.456"
	return row
}

func TestTransformProviderInfo(t *testing.T) {
	tr := NewRecordTransformer(utils.NewNopLogger())
	rec, err := tr.Transform(models.DatasetProviderInfo, providerRow("36001", "Sunrise  Care", "Columbus"))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if rec.RegulatoryID != "036001" {
		t.Fatalf("regulatory id not zero padded: %q", rec.RegulatoryID)
	}
	if rec.Name != "Sunrise Care" || rec.Address != "12 Elm St" || rec.State != "OH" {
		t.Fatalf("identity not cleaned: %+v", rec)
	}
	if rec.Zip != "04321" || rec.Phone != "6145550100" {
		t.Fatalf("zip/phone = %q/%q", rec.Zip, rec.Phone)
	}
	p := rec.Provider
	if p == nil || p.OverallRating != 4 || p.CertifiedBeds != 1120 || p.AverageResidents != 87.46 || !p.AbuseIcon {
		t.Fatalf("unexpected provider details: %+v", p)
	}
}

func TestTransformRejectsMissingIdentity(t *testing.T) {
	tr := NewRecordTransformer(utils.NewNopLogger())

	cases := map[string]models.RawRow{
		"no name":        {Fields: map[string]string{"city": "Columbus", "state": "OH"}},
		"no city or zip": {Fields: map[string]string{"provider_name": "Sunrise Care", "state": "OH"}},
	}
	for name, row := range cases {
		_, err := tr.Transform(models.DatasetProviderInfo, row)
		var me *models.MalformedRecordError
		if !errors.As(err, &me) {
			t.Fatalf("%s: expected MalformedRecordError, got %v", name, err)
		}
	}

	// zip alone locates the facility
	row := models.RawRow{Fields: map[string]string{"provider_name": "Sunrise Care", "zip_code": "43215-1234"}}
	rec, err := tr.Transform(models.DatasetProviderInfo, row)
	if err != nil || rec.Zip != "43215" {
		t.Fatalf("zip-only row rejected: %v %+v", err, rec)
	}
}

func TestTransformDeficiency(t *testing.T) {
	tr := NewRecordTransformer(utils.NewNopLogger())
	row := models.RawRow{Fields: map[string]string{
		"cms_certification_number_ccn": "365001",
		"provider_name":                "Sunrise Care",
		"citytown":                     "Columbus",
		"state":                        "OH",
		"survey_date":                  "03/14/2024",
		"deficiency_prefix":            "F",
		"deficiency_tag_number":        "689",
		"scope_severity_code":          "d",
		"correction_date":              "2024-04-01",
	}}
	rec, err := tr.Transform(models.DatasetDeficiencies, row)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	d := rec.Deficiency
	if d == nil || d.Tag != "F0689" || d.SurveyDate != "2024-03-14" || d.Severity != "D" || !d.Corrected {
		t.Fatalf("unexpected citation: %+v", d)
	}

	delete(row.Fields, "deficiency_tag_number")
	if _, err := tr.Transform(models.DatasetDeficiencies, row); err == nil {
		t.Fatal("expected a citation without tag to be rejected")
	}
}

func TestTransformInspectionRequiresURL(t *testing.T) {
	tr := NewRecordTransformer(utils.NewNopLogger())
	row := models.RawRow{Fields: map[string]string{
		"ccn": "365001", "provider_name": "Sunrise Care", "citytown": "Columbus",
		"survey_date": "20240301", "report_url": "https://example.org/365001.pdf",
	}}
	rec, err := tr.Transform(models.DatasetInspectionPDFs, row)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if rec.Inspection == nil || rec.Inspection.SurveyDate != "2024-03-01" {
		t.Fatalf("unexpected inspection link: %+v", rec.Inspection)
	}

	delete(row.Fields, "report_url")
	if _, err := tr.Transform(models.DatasetInspectionPDFs, row); err == nil {
		t.Fatal("expected a row without report url to be rejected")
	}
}

func TestTransformStaffingDaily(t *testing.T) {
	tr := NewRecordTransformer(utils.NewNopLogger())
	row := models.RawRow{Fields: map[string]string{
		"PROVNUM":   "365001",
		"PROVNAME":  "SUNRISE CARE",
		"CITY":      "COLUMBUS",
		"STATE":     "OH",
		"WorkDate":  "20240105",
		"MDScensus": "80",
		"Hrs_RNDON": "8",
		"Hrs_RN":    "32.5",
		"Hrs_LPN":   "40",
		"Hrs_CNA":   "",
	}}
	d, err := tr.TransformStaffingDaily(row)
	if err != nil {
		t.Fatalf("TransformStaffingDaily: %v", err)
	}
	if !d.WorkDate.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("WorkDate = %v", d.WorkDate)
	}
	if d.RN.String() != "40.5" || !d.HasRN || !d.HasLPN || d.HasCNA {
		t.Fatalf("unexpected hours: rn=%s hasRN=%v hasLPN=%v hasCNA=%v", d.RN, d.HasRN, d.HasLPN, d.HasCNA)
	}
	if d.Census.IntPart() != 80 {
		t.Fatalf("Census = %s", d.Census)
	}

	row.Fields["Hrs_LPN"] = "forty"
	d, err = tr.TransformStaffingDaily(row)
	if err != nil {
		t.Fatalf("non-numeric hours should not reject the row: %v", err)
	}
	if d.HasLPN || !d.LPN.IsZero() || !d.HasRN {
		t.Fatalf("unexpected hours: lpn=%s hasLPN=%v hasRN=%v", d.LPN, d.HasLPN, d.HasRN)
	}
}

func TestTransformProviderInfoToleratesUnavailableNumbers(t *testing.T) {
	tr := NewRecordTransformer(utils.NewNopLogger())
	row := models.RawRow{Fields: map[string]string{
		"CMS Certification Number (CCN)": "365001",
		"Provider Name":                  "Sunrise Care",
		"Provider Address":               "12 Elm St",
		"City/Town":                      "Columbus",
		"State":                          "OH",
		"Overall Rating":                 "Not Available",
		"Number of Certified Beds":       "n/a (closed wing)",
		"Health Inspection Rating":       "2",
	}}
	row.Fields["Average Number of Residents per Day"] = "Not Available"

	rec, err := tr.Transform(models.DatasetProviderInfo, row)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if rec.RegulatoryID != "365001" || rec.Address != "12 Elm St" {
		t.Fatalf("identity lost: %+v", rec)
	}
	p := rec.Provider
	if p == nil || p.OverallRating != 0 || p.CertifiedBeds != 0 || p.AverageResidents != 0 || p.HealthRating != 2 {
		t.Fatalf("unexpected provider details: %+v", p)
	}
}

func TestParseDecimalTreatsBlankAsAbsent(t *testing.T) {
	for _, raw := range []string{"", "  ", "NA", "n/a"} {
		_, ok, err := parseDecimal(raw)
		if ok || err != nil {
			t.Fatalf("parseDecimal(%q) = ok %v err %v", raw, ok, err)
		}
	}
	v, ok, err := parseDecimal("$1,234.50")
	if err != nil || !ok || v.String() != "1234.5" {
		t.Fatalf("parseDecimal = %s %v %v", v, ok, err)
	}
}
