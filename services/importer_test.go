package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"community-sync/models"
	"community-sync/scraper"
	"community-sync/storage"
	"community-sync/utils"
)

// pagedSource serves fixed pages; the cursor is the index of the next page.
// With block set, a request past the last page waits for ctx.
type pagedSource struct {
	pages []*scraper.Page
	err   error
	block bool
	calls int
}

func (s *pagedSource) FetchPage(ctx context.Context, cursor string) (*scraper.Page, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	i := 0
	if cursor != "" {
		i, _ = strconv.Atoi(cursor)
	}
	if i >= len(s.pages) {
		if s.block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &scraper.Page{BatchEnd: true}, nil
	}
	p := *s.pages[i]
	if i+1 < len(s.pages) || s.block {
		p.NextCursor = strconv.Itoa(i + 1)
	}
	return &p, nil
}

func fixedSource(src scraper.Source) SourceFactory {
	return SourceFactoryFunc(func(context.Context, models.Dataset, string) (scraper.Source, func(), error) {
		return src, func() {}, nil
	})
}

func row(line int, fields map[string]string) models.RawRow {
	return models.RawRow{RegulatoryID: fields["ccn"], Fields: fields, Source: "page", Line: line}
}

func providerFields(id, name, city, address string) map[string]string {
	return map[string]string{
		"ccn":              id,
		"provider_name":    name,
		"provider_address": address,
		"citytown":         city,
		"state":            "OH",
		"zip_code":         "43215",
		"overall_rating":   "3",
	}
}

func testImporter(deps ImporterDeps, budget time.Duration) *Importer {
	runs := 0
	return NewImporter(deps, ImporterOptions{
		Budget:     budget,
		Fetch:      scraper.FetcherOptions{Retries: 2, BackoffBase: time.Millisecond, BackoffFactor: 2},
		Reconciler: ReconcilerOptions{WriteRetries: 1, RetryBaseDelay: time.Millisecond},
		WindowDays: 90,
		Now:        func() time.Time { return syncedAt },
		NewRunID: func() string {
			runs++
			return fmt.Sprintf("run-%d", runs)
		},
	}, utils.NewNopLogger())
}

func TestImportProviderInfoEndToEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	existing := store.Seed(models.CommunityRecord{RegulatoryID: "365002", Name: "Maple Grove", City: "Dayton", State: "OH"})
	twinA := store.Seed(models.CommunityRecord{Name: "Pine Ridge Manor", City: "Akron", State: "OH"})
	twinB := store.Seed(models.CommunityRecord{Name: "Pine Ridge Manor, LLC", City: "Akron", State: "OH"})

	src := &pagedSource{pages: []*scraper.Page{{Rows: []models.RawRow{
		row(2, providerFields("365001", "Sunrise Care", "Columbus", "12 Elm St")),
		row(3, providerFields("365002", "MAPLE GROVE NURSING", "Dayton", "400 Oak Ave")),
		row(4, providerFields("", "Pine Ridge Manor", "Akron", "9 Pine Rd")),
	}}}}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store}, time.Minute)

	report, err := im.Run(context.Background(), models.DatasetProviderInfo)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success || report.State != models.StateCompleted || report.TruncatedByTimeout {
		t.Fatalf("unexpected report: %+v", report)
	}
	stats := report.Response().Stats
	want := models.RunStats{Processed: 3, Inserted: 1, Updated: 1, Skipped: 1, Errors: 0}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	if len(report.Skips) != 1 || report.Skips[0].Kind != models.KindAmbiguousMatch {
		t.Fatalf("unexpected skips: %+v", report.Skips)
	}
	for _, id := range []string{twinA, twinB} {
		if twin, _ := store.Get(id); twin.Address != "" || twin.ProviderDetails != nil {
			t.Fatalf("ambiguous candidate %s was modified: %+v", id, twin)
		}
	}

	got, _ := store.Get(existing)
	if got.Address != "400 Oak Ave" || got.Name != "Maple Grove" {
		t.Fatalf("existing community not merged correctly: %+v", got)
	}
	if got.ProviderDetails == nil || got.SyncSource != "cms:provider-info" {
		t.Fatalf("payload missing: %+v", got)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &pagedSource{pages: []*scraper.Page{
		{Rows: []models.RawRow{row(2, providerFields("365001", "Sunrise Care", "Columbus", "12 Elm St"))}},
		{Rows: []models.RawRow{row(3, providerFields("365002", "Maple Grove", "Dayton", "400 Oak Ave"))}},
	}}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store, Locker: storage.NewLocalLocker()}, time.Minute)

	first, err := im.Run(context.Background(), models.DatasetProviderInfo)
	if err != nil || first.Inserted != 2 {
		t.Fatalf("first run: %v %+v", err, first)
	}
	second, err := im.Run(context.Background(), models.DatasetProviderInfo)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 2 || len(store.All()) != 2 {
		t.Fatalf("second run not idempotent: %+v, %d communities", second, len(store.All()))
	}
	if first.RunID == second.RunID {
		t.Fatal("runs should get distinct ids")
	}
}

func TestImportRejectsMalformedRows(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &pagedSource{pages: []*scraper.Page{{Rows: []models.RawRow{
		row(2, providerFields("365001", "", "Columbus", "12 Elm St")),
		row(3, providerFields("365002", "Maple Grove", "Dayton", "400 Oak Ave")),
	}}}}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store}, time.Minute)

	report, _ := im.Run(context.Background(), models.DatasetProviderInfo)
	if !report.Success || report.Processed != 2 || report.Inserted != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].Kind != models.KindMalformedRecord || report.Errors[0].Line != 2 {
		t.Fatalf("unexpected errors: %+v", report.Errors)
	}
	if found, _ := store.FindByRegulatoryID(context.Background(), "365001"); found != nil {
		t.Fatal("malformed row must not reach the store")
	}
}

func TestImportFetchFailureFailsRun(t *testing.T) {
	src := &pagedSource{err: errors.New("503 service unavailable")}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: storage.NewMemoryStore()}, time.Minute)

	report, err := im.Run(context.Background(), models.DatasetProviderInfo)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Success || report.State != models.StateFailed {
		t.Fatalf("expected failed run, got %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].Kind != models.KindFetchFailed {
		t.Fatalf("unexpected errors: %+v", report.Errors)
	}
	if src.calls != 3 {
		t.Fatalf("expected 1 try + 2 retries, got %d", src.calls)
	}
}

func TestImportConfigErrorFailsRun(t *testing.T) {
	sources := SourceFactoryFunc(func(context.Context, models.Dataset, string) (scraper.Source, func(), error) {
		return nil, nil, &models.ConfigError{Setting: "INSPECTION_INDEX_URL", Reason: "not set"}
	})
	im := testImporter(ImporterDeps{Sources: sources, Store: storage.NewMemoryStore()}, time.Minute)

	report, _ := im.Run(context.Background(), models.DatasetInspectionPDFs)
	if report.Success || len(report.Errors) != 1 || report.Errors[0].Kind != models.KindConfigError {
		t.Fatalf("expected ConfigError failure, got %+v", report)
	}
}

func TestImportTruncatesAtBudget(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &pagedSource{
		pages: []*scraper.Page{{Rows: []models.RawRow{row(2, providerFields("365001", "Sunrise Care", "Columbus", "12 Elm St"))}}},
		block: true,
	}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store}, 100*time.Millisecond)

	report, err := im.Run(context.Background(), models.DatasetProviderInfo)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success || !report.TruncatedByTimeout || report.State != models.StateCompleted {
		t.Fatalf("expected truncated success, got %+v", report)
	}
	if report.Inserted != 1 || len(store.All()) != 1 {
		t.Fatalf("work before the budget should be kept: %+v", report)
	}
}

func TestImportRejectsConcurrentRun(t *testing.T) {
	locker := storage.NewLocalLocker()
	release, err := locker.Acquire(context.Background(), models.DatasetStaffing)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	im := testImporter(ImporterDeps{Sources: fixedSource(&pagedSource{}), Store: storage.NewMemoryStore(), Locker: locker}, time.Minute)
	if _, err := im.Run(context.Background(), models.DatasetStaffing); !errors.Is(err, storage.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if _, err := im.Run(context.Background(), models.DatasetProviderInfo); err != nil {
		t.Fatalf("other datasets should not be blocked: %v", err)
	}
}

func deficiencyFields(id, tag, date string) map[string]string {
	return map[string]string{
		"ccn":                   id,
		"provider_name":         "Facility " + id,
		"citytown":              "Columbus",
		"state":                 "OH",
		"survey_date":           date,
		"deficiency_tag_number": tag,
		"scope_severity_code":   "E",
	}
}

func TestImportDeficienciesGroupsPerFacility(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &pagedSource{pages: []*scraper.Page{
		{Rows: []models.RawRow{
			row(2, deficiencyFields("365001", "F0689", "2024-01-10")),
			row(3, deficiencyFields("365002", "F0880", "2024-02-01")),
		}},
		{Rows: []models.RawRow{row(4, deficiencyFields("365001", "F0812", "2024-03-05"))}, BatchEnd: true},
	}}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store}, time.Minute)

	report, _ := im.Run(context.Background(), models.DatasetDeficiencies)
	if !report.Success || report.Processed != 2 || report.Inserted != 2 {
		t.Fatalf("expected one record per facility, got %+v", report)
	}
	found, _ := store.FindByRegulatoryID(context.Background(), "365001")
	if found == nil || found.Deficiencies == nil {
		t.Fatal("deficiency summary not stored")
	}
	if found.Deficiencies.TotalCitations != 2 || found.Deficiencies.LatestSurveyDate != "2024-03-05" {
		t.Fatalf("unexpected summary: %+v", found.Deficiencies)
	}
}

func TestImportDropsUnfinishedBatchOnTruncation(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &pagedSource{
		pages: []*scraper.Page{{Rows: []models.RawRow{row(2, deficiencyFields("365001", "F0689", "2024-01-10"))}}},
		block: true,
	}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store}, 100*time.Millisecond)

	report, _ := im.Run(context.Background(), models.DatasetDeficiencies)
	if !report.TruncatedByTimeout || report.Processed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(store.All()) != 0 {
		t.Fatal("a partial facility group must not be written")
	}
}

func staffingFields(id, date, census, rn string) map[string]string {
	return map[string]string{
		"PROVNUM":   id,
		"PROVNAME":  "Facility " + id,
		"CITY":      "Columbus",
		"STATE":     "OH",
		"WorkDate":  date,
		"MDScensus": census,
		"Hrs_RN":    rn,
		"Hrs_LPN":   "0",
		"Hrs_CNA":   "0",
	}
}

func TestImportStaffingWritesWindows(t *testing.T) {
	store := storage.NewMemoryStore()
	id := store.Seed(models.CommunityRecord{RegulatoryID: "365001", Name: "Sunrise Care", City: "Columbus", State: "OH"})
	rows := []models.RawRow{
		{RegulatoryID: "365001", Fields: staffingFields("365001", "20240301", "2", "4"), Source: "pbj.csv", Line: 2},
		{RegulatoryID: "365001", Fields: staffingFields("365001", "20240302", "8", "8"), Source: "pbj.csv", Line: 3},
		{RegulatoryID: "365001", Fields: staffingFields("365001", "not a date", "8", "8"), Source: "pbj.csv", Line: 4},
	}
	src := &pagedSource{pages: []*scraper.Page{{Rows: rows, BatchEnd: true}}}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store}, time.Minute)

	report, _ := im.Run(context.Background(), models.DatasetStaffing)
	if !report.Success || report.Updated != 1 || report.Processed != 2 || len(report.Errors) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got, _ := store.Get(id)
	if got.Staffing == nil || got.Staffing.HoursPerResidentDay.RN != 1.2 {
		t.Fatalf("unexpected staffing window: %+v", got.Staffing)
	}
	if !got.Staffing.PeriodEnd.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window should end at the latest work date, got %v", got.Staffing.PeriodEnd)
	}
}

func TestImportRecordsHistoryAndAudit(t *testing.T) {
	dir := t.TempDir()
	history, err := storage.OpenRunHistory(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("OpenRunHistory: %v", err)
	}
	defer history.Close()
	audit := storage.NewCSVWriter(filepath.Join(dir, "audit"), utils.NewNopLogger())

	src := &pagedSource{pages: []*scraper.Page{{Rows: []models.RawRow{
		row(2, providerFields("", "Unlisted Home", "Akron", "9 Pine Rd")),
	}}}}
	im := testImporter(ImporterDeps{
		Sources: fixedSource(src),
		Store:   storage.NewMemoryStore(),
		History: history,
		Audit:   audit,
	}, time.Minute)

	report, _ := im.Run(context.Background(), models.DatasetProviderInfo)

	runs, err := history.Recent(context.Background(), models.DatasetProviderInfo, 10)
	if err != nil || len(runs) != 1 || runs[0].RunID != report.RunID || runs[0].Skipped != 1 {
		t.Fatalf("history not recorded: %v %+v", err, runs)
	}
	if _, err := os.Stat(audit.AuditPath(report)); err != nil {
		t.Fatalf("audit file missing: %v", err)
	}
}

func TestImportIsolatesWriteFailure(t *testing.T) {
	store := newFlakyStore("365005")
	var rows []models.RawRow
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("3650%02d", i)
		rows = append(rows, row(i+1, providerFields(id, "Facility "+id, "Columbus", fmt.Sprintf("%d Main St", i))))
	}
	src := &pagedSource{pages: []*scraper.Page{{Rows: rows}}}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store}, time.Minute)

	report, err := im.Run(context.Background(), models.DatasetProviderInfo)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := report.Response().Stats
	want := models.RunStats{Processed: 10, Inserted: 9, Errors: 1}
	if !report.Success || report.State != models.StateCompleted || stats != want {
		t.Fatalf("success=%v state=%s stats=%+v, want %+v", report.Success, report.State, stats, want)
	}
	if e := report.Errors[0]; e.Kind != models.KindWriteFailed || e.RegulatoryID != "365005" {
		t.Fatalf("unexpected error entry: %+v", e)
	}
	if n := len(store.All()); n != 9 {
		t.Fatalf("expected 9 stored communities, got %d", n)
	}
}

func TestImportCancelledByCallerFailsWithoutTruncation(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &pagedSource{
		pages: []*scraper.Page{{Rows: []models.RawRow{row(2, providerFields("365001", "Sunrise Care", "Columbus", "12 Elm St"))}}},
		block: true,
	}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: store}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	report, err := im.Run(ctx, models.DatasetProviderInfo)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Success || report.TruncatedByTimeout || report.State != models.StateFailed {
		t.Fatalf("expected a failed, untruncated run, got %+v", report)
	}
	if report.Inserted != 1 || len(report.Errors) != 1 {
		t.Fatalf("unexpected counters: %+v", report)
	}
}
