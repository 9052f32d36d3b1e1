package services

import (
	"fmt"
	"testing"

	"community-sync/models"
)

func TestSummarizeDeficiencies(t *testing.T) {
	var citations []models.DeficiencyCitation
	for i := 1; i <= 12; i++ {
		citations = append(citations, models.DeficiencyCitation{
			SurveyDate: fmt.Sprintf("2023-%02d-15", i),
			Tag:        fmt.Sprintf("F%04d", 600+i),
			Severity:   "D",
		})
	}
	citations[4].Severity = "J"
	// same citation listed again on an overlapping page
	citations = append(citations, citations[11])

	s := SummarizeDeficiencies(citations)
	if s.TotalCitations != 12 {
		t.Fatalf("TotalCitations = %d", s.TotalCitations)
	}
	if s.LatestSurveyDate != "2023-12-15" || s.MaxSeverity != "J" {
		t.Fatalf("latest=%s max=%s", s.LatestSurveyDate, s.MaxSeverity)
	}
	if len(s.Recent) != RecentCitations || s.Recent[0].SurveyDate != "2023-12-15" || s.Recent[9].SurveyDate != "2023-03-15" {
		t.Fatalf("unexpected recent list: %d entries, first %+v", len(s.Recent), s.Recent[0])
	}
}

func TestDedupeInspections(t *testing.T) {
	links := []models.InspectionLink{
		{URL: "https://example.org/a.pdf", SurveyDate: "2023-01-10"},
		{URL: "https://example.org/b.pdf", SurveyDate: "2024-02-01"},
		{URL: "https://example.org/a.pdf", SurveyDate: "2023-01-10"},
	}
	got := DedupeInspections(links)
	if len(got) != 2 || got[0].URL != "https://example.org/b.pdf" {
		t.Fatalf("unexpected links: %+v", got)
	}
}

func TestGrouperCollectsPerFacility(t *testing.T) {
	g := newGrouper()
	mk := func(id, tag string) models.TransformedRecord {
		return models.TransformedRecord{
			RegulatoryID: id,
			Name:         "Facility " + id,
			City:         "Columbus",
			Deficiency:   &models.DeficiencyCitation{SurveyDate: "2024-01-02", Tag: tag},
		}
	}
	g.add(mk("365001", "F0689"))
	g.add(mk("365002", "F0880"))
	g.add(mk("365001", "F0812"))
	if g.len() != 2 {
		t.Fatalf("len = %d", g.len())
	}

	out := g.flush()
	if len(out) != 2 || out[0].RegulatoryID != "365001" {
		t.Fatalf("unexpected flush order: %+v", out)
	}
	if out[0].Deficiency != nil || out[0].Deficiencies == nil || out[0].Deficiencies.TotalCitations != 2 {
		t.Fatalf("expected a summary of 2 citations, got %+v", out[0])
	}
	if DatasetOf(out[0]) != models.DatasetDeficiencies {
		t.Fatalf("DatasetOf = %q", DatasetOf(out[0]))
	}
	if g.len() != 0 {
		t.Fatal("flush should empty the buffer")
	}
}
