package services

import (
	"sort"
	"time"

	"community-sync/models"
	"community-sync/utils"

	"github.com/shopspring/decimal"
)

// StaffingAggregator rolls daily payroll-based-journal rows up into
// per-facility staffing windows
type StaffingAggregator struct {
	windowDays      int
	minCoverageDays int
	logger          *utils.Logger
}

// NewStaffingAggregator creates a new StaffingAggregator. The window spans
// windowDays before asOf through asOf, both ends inclusive.
func NewStaffingAggregator(windowDays, minCoverageDays int, logger *utils.Logger) *StaffingAggregator {
	if windowDays <= 0 {
		windowDays = 90
	}
	return &StaffingAggregator{windowDays: windowDays, minCoverageDays: minCoverageDays, logger: logger}
}

type dayKey struct {
	id   string
	date time.Time
}

// Aggregate computes one window per facility with data in [asOf-windowDays, asOf].
// Rows repeating a (facility, date) pair replace earlier ones. Hours per
// resident day are weighted: sum of hours over sum of resident-days.
// Facilities without a sampled day in the window are left out.
func (a *StaffingAggregator) Aggregate(rows []models.StaffingDaily, asOf time.Time) map[string]models.StaffingWindow {
	end := truncateDay(asOf)
	start := end.AddDate(0, 0, -a.windowDays)

	latest := make(map[dayKey]models.StaffingDaily, len(rows))
	for _, r := range rows {
		d := truncateDay(r.WorkDate)
		if d.Before(start) || d.After(end) {
			continue
		}
		latest[dayKey{id: r.RegulatoryID, date: d}] = r
	}

	type totals struct {
		rn, lpn, cna, census decimal.Decimal
		days                 int
	}
	byFacility := make(map[string]*totals)
	for key, r := range latest {
		if !r.HasAnyRole() {
			continue
		}
		t, ok := byFacility[key.id]
		if !ok {
			t = &totals{rn: decimal.Zero, lpn: decimal.Zero, cna: decimal.Zero, census: decimal.Zero}
			byFacility[key.id] = t
		}
		t.rn = t.rn.Add(r.RN)
		t.lpn = t.lpn.Add(r.LPN)
		t.cna = t.cna.Add(r.CNA)
		t.census = t.census.Add(r.Census)
		t.days++
	}

	out := make(map[string]models.StaffingWindow, len(byFacility))
	lowConfidence := 0
	for id, t := range byFacility {
		w := models.StaffingWindow{
			PeriodStart:    start,
			PeriodEnd:      end,
			ResidentDays:   t.census.InexactFloat64(),
			SampleDayCount: t.days,
			LowConfidence:  t.days < a.minCoverageDays,
		}
		if t.census.IsPositive() {
			w.HoursPerResidentDay = models.HoursPerResidentDay{
				RN:    ratio(t.rn, t.census),
				LPN:   ratio(t.lpn, t.census),
				CNA:   ratio(t.cna, t.census),
				Total: ratio(t.rn.Add(t.lpn).Add(t.cna), t.census),
			}
		}
		if w.LowConfidence {
			lowConfidence++
		}
		out[id] = w
	}

	if a.logger != nil {
		a.logger.Info("Aggregated %d daily rows into %d staffing windows (%s to %s, %d low confidence)",
			len(rows), len(out), start.Format("2006-01-02"), end.Format("2006-01-02"), lowConfidence)
	}
	return out
}

// LatestWorkDate returns the newest work date in rows; the default asOf
func LatestWorkDate(rows []models.StaffingDaily) time.Time {
	var latest time.Time
	for _, r := range rows {
		if r.WorkDate.After(latest) {
			latest = r.WorkDate
		}
	}
	return truncateDay(latest)
}

// LatestIdentity returns, per facility, the newest row. Its name and
// locality identify the facility when the window is reconciled.
func LatestIdentity(rows []models.StaffingDaily) map[string]models.StaffingDaily {
	out := make(map[string]models.StaffingDaily)
	for _, r := range rows {
		cur, ok := out[r.RegulatoryID]
		if !ok || !r.WorkDate.Before(cur.WorkDate) {
			out[r.RegulatoryID] = r
		}
	}
	return out
}

// SortedIDs returns the keys of a window map in a stable order
func SortedIDs(windows map[string]models.StaffingWindow) []string {
	ids := make([]string, 0, len(windows))
	for id := range windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func ratio(hours, residentDays decimal.Decimal) float64 {
	return hours.DivRound(residentDays, 6).Round(4).InexactFloat64()
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
