package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"community-sync/models"
	"community-sync/storage"
	"community-sync/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	report models.RunReport
	err    error
	calls  []models.Dataset
}

func (f *fakeRunner) Run(_ context.Context, dataset models.Dataset) (models.RunReport, error) {
	f.calls = append(f.calls, dataset)
	r := f.report
	r.Dataset = dataset
	return r, f.err
}

func completedReport() models.RunReport {
	start := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	return models.RunReport{
		RunID:     "run-1",
		State:     models.StateCompleted,
		Success:   true,
		Message:   "Import completed",
		Processed: 3,
		Inserted:  1,
		Updated:   1,
		Skipped:   1,
		StartTime: start,
		EndTime:   start.Add(1500 * time.Millisecond),
	}
}

func serve(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestImportHandlerReturnsReport(t *testing.T) {
	runner := &fakeRunner{report: completedReport()}
	s := &Server{Runner: runner, Secret: "s3cret", Logger: utils.NewNopLogger()}

	w := serve(s, http.MethodPost, "/etl/import/staffing?secret=s3cret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp models.RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := models.RunStats{Processed: 3, Inserted: 1, Updated: 1, Skipped: 1}
	if !resp.Success || resp.Stats != want || resp.Dataset != models.DatasetStaffing || resp.RunID != "run-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Duration != "1.5s" || resp.Timestamp != "2024-07-01T12:00:01Z" {
		t.Fatalf("duration/timestamp = %q/%q", resp.Duration, resp.Timestamp)
	}
}

func TestImportHandlerAcceptsBearerTokenAndGet(t *testing.T) {
	runner := &fakeRunner{report: completedReport()}
	s := &Server{Runner: runner, Secret: "s3cret", Logger: utils.NewNopLogger()}

	w := serve(s, http.MethodGet, "/etl/import/provider-info", http.Header{"Authorization": {"Bearer s3cret"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(runner.calls) != 1 || runner.calls[0] != models.DatasetProviderInfo {
		t.Fatalf("unexpected runs: %v", runner.calls)
	}
}

func TestImportHandlerRejectsBadSecret(t *testing.T) {
	runner := &fakeRunner{report: completedReport()}
	s := &Server{Runner: runner, Secret: "s3cret", Logger: utils.NewNopLogger()}

	for _, target := range []string{"/etl/import/staffing", "/etl/import/staffing?secret=wrong"} {
		if w := serve(s, http.MethodPost, target, nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d", target, w.Code)
		}
	}
	if len(runner.calls) != 0 {
		t.Fatal("no run should start without the secret")
	}
}

func TestImportHandlerStatusCodes(t *testing.T) {
	failed := completedReport()
	failed.Success = false
	failed.State = models.StateFailed
	failed.Errors = []models.RecordError{{Kind: models.KindFetchFailed, Message: "503"}}

	tests := []struct {
		name   string
		runner *fakeRunner
		target string
		want   int
	}{
		{"failed run", &fakeRunner{report: failed}, "/etl/import/deficiencies", http.StatusInternalServerError},
		{"unknown dataset", &fakeRunner{}, "/etl/import/hospitals", http.StatusNotFound},
		{"run in progress", &fakeRunner{err: storage.ErrRunInProgress}, "/etl/import/staffing", http.StatusConflict},
		{"lock backend down", &fakeRunner{err: errors.New("dial tcp: refused")}, "/etl/import/staffing", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{Runner: tt.runner, Logger: utils.NewNopLogger()}
			w := serve(s, http.MethodPost, tt.target, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

type fakeHistory struct {
	dataset models.Dataset
	limit   int
}

func (f *fakeHistory) Record(context.Context, models.RunReport) error { return nil }

func (f *fakeHistory) Recent(_ context.Context, dataset models.Dataset, limit int) ([]storage.RunRecord, error) {
	f.dataset, f.limit = dataset, limit
	return []storage.RunRecord{{RunID: "run-9", Dataset: string(dataset)}}, nil
}

func TestRunsHandler(t *testing.T) {
	history := &fakeHistory{}
	s := &Server{Runner: &fakeRunner{}, History: history, Logger: utils.NewNopLogger()}

	w := serve(s, http.MethodGet, "/etl/runs?dataset=staffing&limit=5", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"runId":"run-9"`) {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if history.dataset != models.DatasetStaffing || history.limit != 5 {
		t.Fatalf("history queried with %q/%d", history.dataset, history.limit)
	}

	if w := serve(s, http.MethodGet, "/etl/runs?dataset=nope", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "etl_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := &Server{Runner: &fakeRunner{}, Gatherer: reg, Secret: "s3cret", Logger: utils.NewNopLogger()}
	if w := serve(s, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	w := serve(s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "etl_test_total 1") {
		t.Fatalf("metrics status = %d, body %s", w.Code, w.Body.String())
	}
}

// slowRunner reports a truncated run when its context ends before the work does
type slowRunner struct {
	ctxErr error
}

func (r *slowRunner) Run(ctx context.Context, dataset models.Dataset) (models.RunReport, error) {
	select {
	case <-ctx.Done():
		r.ctxErr = ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	report := completedReport()
	report.Dataset = dataset
	report.TruncatedByTimeout = r.ctxErr != nil
	return report, nil
}

func TestImportHandlerOutlivesClientDisconnect(t *testing.T) {
	runner := &slowRunner{}
	s := &Server{Runner: runner, Logger: utils.NewNopLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/etl/import/staffing", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if runner.ctxErr != nil {
		t.Fatalf("run was cancelled with the request: %v", runner.ctxErr)
	}
	var resp models.RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusOK || !resp.Success || resp.TruncatedByTimeout {
		t.Fatalf("status = %d, response %+v", w.Code, resp)
	}
}
