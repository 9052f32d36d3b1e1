package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"community-sync/models"
	"community-sync/scraper"
	"community-sync/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserveImport(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	src := &pagedSource{pages: []*scraper.Page{{Rows: []models.RawRow{
		row(2, providerFields("365001", "Sunrise Care", "Columbus", "12 Elm St")),
		row(3, providerFields("", "Unlisted Home", "Akron", "9 Pine Rd")),
	}}}}
	im := testImporter(ImporterDeps{Sources: fixedSource(src), Store: storage.NewMemoryStore(), Metrics: metrics}, time.Minute)
	if _, err := im.Run(context.Background(), models.DatasetProviderInfo); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := testutil.ToFloat64(metrics.records.WithLabelValues("provider-info", "inserted")); got != 1 {
		t.Fatalf("inserted records = %v", got)
	}
	if got := testutil.ToFloat64(metrics.records.WithLabelValues("provider-info", "skipped")); got != 1 {
		t.Fatalf("skipped records = %v", got)
	}
	if got := testutil.ToFloat64(metrics.pages.WithLabelValues("provider-info")); got != 1 {
		t.Fatalf("pages = %v", got)
	}

	expected := `
# HELP etl_runs_total Finished import runs, by dataset and status.
# TYPE etl_runs_total counter
etl_runs_total{dataset="provider-info",status="completed"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "etl_runs_total"); err != nil {
		t.Fatalf("unexpected run metrics: %v", err)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRecord(models.DatasetStaffing, models.OutcomeUpdated)
	m.ObservePage(models.DatasetStaffing)
	m.ObserveRun(models.RunReport{Dataset: models.DatasetStaffing})
}
