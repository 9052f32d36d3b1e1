package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"community-sync/models"
	"community-sync/scraper"
	"community-sync/storage"
	"community-sync/utils"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("community-sync/services")

// errBudgetExceeded is the cancellation cause when a run uses up its time budget
var errBudgetExceeded = errors.New("import time budget exceeded")

// ImporterDeps are the collaborators of an Importer. Locker, History, Audit
// and Metrics are optional.
type ImporterDeps struct {
	Sources SourceFactory
	Store   storage.CommunityStore
	Locker  storage.RunLocker
	History storage.RunHistory
	Audit   *storage.CSVWriter
	Metrics *Metrics
}

// ImporterOptions holds run-level settings
type ImporterOptions struct {
	// Budget is the wall-clock limit of one run
	Budget     time.Duration
	Fetch      scraper.FetcherOptions
	Reconciler ReconcilerOptions
	// StaffingAsOf ends the staffing window; zero means the latest work date
	StaffingAsOf    time.Time
	WindowDays      int
	MinCoverageDays int
	// Now and NewRunID are replaced in tests
	Now      func() time.Time
	NewRunID func() string
}

// Importer executes import runs: fetch, transform, aggregate, reconcile
type Importer struct {
	deps        ImporterDeps
	opts        ImporterOptions
	transformer *RecordTransformer
	aggregator  *StaffingAggregator
	reconciler  *Reconciler
	logger      *utils.Logger
}

// NewImporter wires an Importer
func NewImporter(deps ImporterDeps, opts ImporterOptions, logger *utils.Logger) *Importer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = func() string { return uuid.NewString() }
	}
	if opts.Budget <= 0 {
		opts.Budget = 300 * time.Second
	}
	if opts.Reconciler.Now == nil {
		opts.Reconciler.Now = opts.Now
	}
	return &Importer{
		deps:        deps,
		opts:        opts,
		transformer: NewRecordTransformer(logger),
		aggregator:  NewStaffingAggregator(opts.WindowDays, opts.MinCoverageDays, logger),
		reconciler:  NewReconciler(deps.Store, opts.Reconciler, logger),
		logger:      logger,
	}
}

// run is the mutable state of one import; it becomes a RunReport at the end
type run struct {
	report    models.RunReport
	dataset   models.Dataset
	logger    *utils.Logger
	metrics   *Metrics
	grouper   *grouper
	staffing  []models.StaffingDaily
	// stopped is set when the run context ended mid-run, truncated when
	// that was the budget
	stopped   bool
	truncated bool
}

func (r *run) setState(s models.RunState) {
	if r.report.State == s {
		return
	}
	r.logger.Debug("Run state %s -> %s", r.report.State, s)
	r.report.State = s
}

func (r *run) recordError(e models.RecordError) {
	r.report.Errors = append(r.report.Errors, e)
}

// malformed counts a rejected row as processed and skipped, with an error entry
func (r *run) malformed(row models.RawRow, err error) {
	r.report.Processed++
	r.report.Skipped++
	r.recordError(models.NewRecordError(models.KindMalformedRecord, row, "", err))
	r.metrics.ObserveRecord(r.dataset, models.OutcomeSkipped)
}

// Run executes one import of dataset. The returned error is set only when
// the run could not start (storage.ErrRunInProgress, lock backend failure);
// everything else is reported through the RunReport.
func (im *Importer) Run(ctx context.Context, dataset models.Dataset) (models.RunReport, error) {
	if im.deps.Locker != nil {
		release, err := im.deps.Locker.Acquire(ctx, dataset)
		if err != nil {
			return models.RunReport{}, err
		}
		defer release()
	}

	r := &run{
		report: models.RunReport{
			RunID:     im.opts.NewRunID(),
			Dataset:   dataset,
			State:     models.StatePending,
			StartTime: im.opts.Now(),
		},
		dataset: dataset,
		metrics: im.deps.Metrics,
		grouper: newGrouper(),
	}
	r.logger = im.logger.With(map[string]interface{}{"dataset": dataset, "run_id": r.report.RunID})
	r.logger.Info("Import started (budget %v)", im.opts.Budget)

	ctx, span := tracer.Start(ctx, "etl.import", trace.WithAttributes(
		attribute.String("etl.dataset", string(dataset)),
		attribute.String("etl.run_id", r.report.RunID),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeoutCause(ctx, im.opts.Budget, errBudgetExceeded)
	defer cancel()

	if err := im.execute(runCtx, r); err != nil {
		im.fail(r, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		r.setState(models.StateCompleted)
		r.report.Success = true
		r.report.TruncatedByTimeout = r.truncated
		r.report.Message = "Import completed"
		if r.truncated {
			r.report.Message = "Import stopped at the time budget; partial results were saved"
		}
	}
	r.report.EndTime = im.opts.Now()

	span.SetAttributes(
		attribute.Int("etl.processed", r.report.Processed),
		attribute.Int("etl.inserted", r.report.Inserted),
		attribute.Int("etl.updated", r.report.Updated),
		attribute.Int("etl.skipped", r.report.Skipped),
		attribute.Int("etl.errors", len(r.report.Errors)),
		attribute.Bool("etl.truncated", r.report.TruncatedByTimeout),
	)

	report := freeze(r.report)
	im.finish(report, r.logger)
	return report, nil
}

// execute drives the page loop. A returned error is fatal for the run.
func (im *Importer) execute(ctx context.Context, r *run) error {
	r.setState(models.StateFetching)
	src, closeSource, err := im.deps.Sources.NewSource(ctx, r.dataset, r.report.RunID)
	if err != nil {
		return err
	}
	defer closeSource()

	fetcher := scraper.NewFetcher(r.dataset, src, im.opts.Fetch, r.logger)
	cursor := ""
	pages := 0
	for {
		r.setState(models.StateFetching)
		page, err := fetcher.Next(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				r.stopped = true
				break
			}
			return err
		}
		pages++
		r.metrics.ObservePage(r.dataset)
		r.logger.Debug("Page %d: %d rows (cursor %q)", pages, len(page.Rows), cursor)

		r.setState(models.StateTransforming)
		if !r.dataset.Grouped() {
			im.reconcileStream(ctx, r, page.Rows)
		} else {
			im.buffer(r, page.Rows)
			if page.BatchEnd {
				im.flush(ctx, r)
			}
		}
		if r.stopped {
			break
		}

		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	if r.stopped {
		return im.stop(ctx, r)
	}
	// sources that never mark a batch end still get their buffer written
	im.flush(ctx, r)
	if r.stopped {
		return im.stop(ctx, r)
	}
	r.logger.Info("Fetched %d pages", pages)
	return nil
}

// stop settles a run whose context ended early. Only the budget ends a run
// with partial results; any other cancellation fails it.
func (im *Importer) stop(ctx context.Context, r *run) error {
	if !errors.Is(context.Cause(ctx), errBudgetExceeded) {
		return fmt.Errorf("import cancelled before completion: %w", ctx.Err())
	}
	r.truncated = true
	if n := r.grouper.len() + len(r.staffing); n > 0 {
		r.logger.Warn("Time budget reached; discarding %d buffered rows of an unfinished batch", n)
	}
	return nil
}

func (im *Importer) reconcileStream(ctx context.Context, r *run, rows []models.RawRow) {
	records := make([]models.TransformedRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := im.transformer.Transform(r.dataset, row)
		if err != nil {
			r.malformed(row, err)
			continue
		}
		records = append(records, rec)
	}
	im.reconcileAll(ctx, r, records)
}

func (im *Importer) buffer(r *run, rows []models.RawRow) {
	for _, row := range rows {
		if r.dataset == models.DatasetStaffing {
			d, err := im.transformer.TransformStaffingDaily(row)
			if err != nil {
				r.malformed(row, err)
				continue
			}
			r.staffing = append(r.staffing, d)
			continue
		}
		rec, err := im.transformer.Transform(r.dataset, row)
		if err != nil {
			r.malformed(row, err)
			continue
		}
		r.grouper.add(rec)
	}
}

// flush turns the buffered batch into one record per facility and reconciles it
func (im *Importer) flush(ctx context.Context, r *run) {
	var records []models.TransformedRecord
	if len(r.staffing) > 0 {
		r.setState(models.StateAggregating)
		records = im.staffingRecords(r)
		r.staffing = nil
	}
	if r.grouper.len() > 0 {
		records = append(records, r.grouper.flush()...)
	}
	if len(records) > 0 {
		im.reconcileAll(ctx, r, records)
	}
}

func (im *Importer) staffingRecords(r *run) []models.TransformedRecord {
	asOf := im.opts.StaffingAsOf
	if asOf.IsZero() {
		asOf = LatestWorkDate(r.staffing)
	}
	windows := im.aggregator.Aggregate(r.staffing, asOf)
	identities := LatestIdentity(r.staffing)

	records := make([]models.TransformedRecord, 0, len(windows))
	for _, id := range SortedIDs(windows) {
		w := windows[id]
		ident := identities[id]
		rec := models.TransformedRecord{
			RegulatoryID: id,
			Name:         ident.Name,
			City:         ident.City,
			State:        ident.State,
			Zip:          ident.Zip,
			Staffing:     &w,
			Raw:          ident.Raw,
		}
		if err := CheckIdentity(rec); err != nil {
			r.malformed(ident.Raw, err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (im *Importer) reconcileAll(ctx context.Context, r *run, records []models.TransformedRecord) {
	r.setState(models.StateReconciling)
	for _, rec := range records {
		if ctx.Err() != nil {
			r.stopped = true
			return
		}
		res, err := im.reconciler.Reconcile(ctx, rec)
		if err != nil {
			r.stopped = true
			return
		}

		r.report.Processed++
		r.metrics.ObserveRecord(r.dataset, res.Outcome)
		switch res.Outcome {
		case models.OutcomeInserted:
			r.report.Inserted++
		case models.OutcomeUpdated:
			r.report.Updated++
		case models.OutcomeSkipped:
			r.report.Skipped++
			r.report.Skips = append(r.report.Skips, models.NewRecordError(res.Reason, rec.Raw, rec.Name, res.Err))
			r.logger.Debug("Skipped %s (%s): %v", rec.RegulatoryID, res.Reason, res.Err)
		case models.OutcomeErrored:
			e := models.NewRecordError(res.Reason, rec.Raw, rec.Name, res.Err)
			if e.RegulatoryID == "" {
				e.RegulatoryID = rec.RegulatoryID
			}
			r.recordError(e)
		}
	}
}

func (im *Importer) fail(r *run, err error) {
	kind := models.KindFetchFailed
	var cfgErr *models.ConfigError
	if errors.As(err, &cfgErr) {
		kind = models.KindConfigError
	}
	r.setState(models.StateFailed)
	r.report.Success = false
	r.report.Message = fmt.Sprintf("Import failed: %v", err)
	r.recordError(models.RecordError{Kind: kind, Message: err.Error()})
	r.logger.Error("Import failed (%s): %v", kind, err)
}

// finish records the report in the optional sinks; none of them can fail the run
func (im *Importer) finish(report models.RunReport, logger *utils.Logger) {
	logger.Info("Import %s in %v: processed=%d inserted=%d updated=%d skipped=%d errors=%d truncated=%v",
		report.State, report.Duration().Round(time.Millisecond), report.Processed, report.Inserted,
		report.Updated, report.Skipped, len(report.Errors), report.TruncatedByTimeout)

	im.deps.Metrics.ObserveRun(report)

	if im.deps.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := im.deps.History.Record(ctx, report); err != nil {
			logger.Warn("Failed to record run history: %v", err)
		}
		cancel()
	}
	if im.deps.Audit != nil {
		if _, err := im.deps.Audit.WriteRunAudit(report); err != nil {
			logger.Warn("Failed to write run audit: %v", err)
		}
	}
}

// freeze copies the report's slices so later appends cannot leak into it
func freeze(r models.RunReport) models.RunReport {
	r.Errors = append([]models.RecordError(nil), r.Errors...)
	r.Skips = append([]models.RecordError(nil), r.Skips...)
	return r
}
