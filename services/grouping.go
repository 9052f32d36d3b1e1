package services

import (
	"sort"

	"community-sync/models"
	"community-sync/utils"
)

// RecentCitations is how many citations a deficiency summary keeps
const RecentCitations = 10

// facilityGroup collects the transformed rows of one facility until its batch ends
type facilityGroup struct {
	identity    models.TransformedRecord
	citations   []models.DeficiencyCitation
	inspections []models.InspectionLink
	rows        []models.RawRow
}

// grouper buffers grouped datasets per facility, in first-seen order
type grouper struct {
	order  []string
	groups map[string]*facilityGroup
}

func newGrouper() *grouper {
	return &grouper{groups: make(map[string]*facilityGroup)}
}

func groupKey(rec models.TransformedRecord) string {
	if rec.RegulatoryID != "" {
		return "id:" + rec.RegulatoryID
	}
	return "name:" + rec.State + "|" + rec.City + "|" + rec.Name
}

func (g *grouper) add(rec models.TransformedRecord) {
	key := groupKey(rec)
	grp, ok := g.groups[key]
	if !ok {
		grp = &facilityGroup{identity: rec}
		g.groups[key] = grp
		g.order = append(g.order, key)
	}
	if rec.Deficiency != nil {
		grp.citations = append(grp.citations, *rec.Deficiency)
	}
	if rec.Inspection != nil {
		grp.inspections = append(grp.inspections, *rec.Inspection)
	}
	grp.rows = append(grp.rows, rec.Raw)
}

func (g *grouper) len() int {
	return len(g.order)
}

// flush returns one reconcilable record per facility and empties the buffer
func (g *grouper) flush() []models.TransformedRecord {
	out := make([]models.TransformedRecord, 0, len(g.order))
	for _, key := range g.order {
		grp := g.groups[key]
		rec := grp.identity
		rec.Deficiency = nil
		rec.Inspection = nil
		if len(grp.citations) > 0 {
			rec.Deficiencies = SummarizeDeficiencies(grp.citations)
		}
		if len(grp.inspections) > 0 {
			rec.Inspections = DedupeInspections(grp.inspections)
		}
		out = append(out, rec)
	}
	g.order = nil
	g.groups = make(map[string]*facilityGroup)
	return out
}

// SummarizeDeficiencies rolls citations up: total, latest survey, worst
// scope/severity letter and the most recent citations first. Identical
// citations seen on overlapping pages count once.
func SummarizeDeficiencies(citations []models.DeficiencyCitation) *models.DeficiencySummary {
	seen := utils.NewKeyTracker()
	unique := make([]models.DeficiencyCitation, 0, len(citations))
	for _, c := range citations {
		if seen.Add(c.SurveyDate, c.Tag, c.SurveyType) {
			unique = append(unique, c)
		}
	}

	sort.SliceStable(unique, func(i, j int) bool {
		if unique[i].SurveyDate != unique[j].SurveyDate {
			return unique[i].SurveyDate > unique[j].SurveyDate
		}
		return unique[i].Tag < unique[j].Tag
	})

	s := &models.DeficiencySummary{TotalCitations: len(unique)}
	for _, c := range unique {
		if c.SurveyDate > s.LatestSurveyDate {
			s.LatestSurveyDate = c.SurveyDate
		}
		// scope/severity letters run A (least) to L (worst)
		if len(c.Severity) == 1 && c.Severity >= "A" && c.Severity <= "L" && c.Severity > s.MaxSeverity {
			s.MaxSeverity = c.Severity
		}
	}
	n := len(unique)
	if n > RecentCitations {
		n = RecentCitations
	}
	s.Recent = append([]models.DeficiencyCitation(nil), unique[:n]...)
	return s
}

// DedupeInspections drops repeated report URLs and orders links newest first
func DedupeInspections(links []models.InspectionLink) []models.InspectionLink {
	seen := utils.NewKeyTracker()
	out := make([]models.InspectionLink, 0, len(links))
	for _, l := range links {
		if seen.Add(l.URL) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SurveyDate != out[j].SurveyDate {
			return out[i].SurveyDate > out[j].SurveyDate
		}
		return out[i].URL < out[j].URL
	})
	return out
}
