package services

import (
	"context"
	"fmt"
	"time"

	"community-sync/models"
	"community-sync/storage"
	"community-sync/utils"
)

const (
	MatchedByRegulatoryID = "regulatory_id"
	MatchedByNameLocality = "name_locality"
)

// ReconcilerOptions tunes store access of a Reconciler
type ReconcilerOptions struct {
	// WriteRetries is the number of retries after a failed store call
	WriteRetries   int
	RetryBaseDelay time.Duration
	// StoreTimeout bounds each individual store call
	StoreTimeout time.Duration
	// Now stamps last_synced_at; tests pin it
	Now func() time.Time
}

// Reconciler decides insert, update or skip for each transformed record and
// writes the merged field set through the store
type Reconciler struct {
	store  storage.CommunityStore
	policy utils.RetryPolicy
	opts   ReconcilerOptions
	logger *utils.Logger
}

// NewReconciler creates a Reconciler over store
func NewReconciler(store storage.CommunityStore, opts ReconcilerOptions, logger *utils.Logger) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	return &Reconciler{
		store: store,
		policy: utils.RetryPolicy{
			MaxAttempts: opts.WriteRetries + 1,
			BaseDelay:   opts.RetryBaseDelay,
			Factor:      2,
		},
		opts:   opts,
		logger: logger,
	}
}

// Reconcile matches rec against the store and applies the merge policy.
// Data-quality problems and failed writes come back as Skipped or Errored
// results; the returned error is only set when ctx ended mid-record.
func (r *Reconciler) Reconcile(ctx context.Context, rec models.TransformedRecord) (models.ReconcileResult, error) {
	match, matchedBy, result, err := r.match(ctx, rec)
	if err != nil {
		return result, err
	}
	if result.Outcome != "" {
		return result, nil
	}

	fields := BuildFieldSet(rec, r.opts.Now())

	if match == nil {
		if rec.RegulatoryID == "" {
			return models.ReconcileResult{
				Outcome: models.OutcomeSkipped,
				Reason:  models.KindNoIdentifierForInsert,
				Err:     fmt.Errorf("no match for %q in %s, %s and no regulatory id to insert with", rec.Name, rec.City, rec.State),
			}, nil
		}
		res, err := r.upsert(ctx, "", fields)
		if err != nil {
			return r.writeFailed(ctx, rec, "", err)
		}
		outcome := models.OutcomeInserted
		if !res.Inserted {
			// a concurrent run inserted the facility first
			outcome = models.OutcomeUpdated
		}
		return models.ReconcileResult{Outcome: outcome, CommunityID: res.ID}, nil
	}

	res, err := r.upsert(ctx, match.ID, fields)
	if err != nil {
		return r.writeFailed(ctx, rec, match.ID, err)
	}
	return models.ReconcileResult{Outcome: models.OutcomeUpdated, CommunityID: res.ID, MatchedBy: matchedBy}, nil
}

// match runs the cascade: exact regulatory id, then normalised name within
// city and state. A non-empty result means the record is already decided.
func (r *Reconciler) match(ctx context.Context, rec models.TransformedRecord) (*models.CommunityRecord, string, models.ReconcileResult, error) {
	if rec.RegulatoryID != "" {
		var found *models.CommunityRecord
		err := r.withStore(ctx, func(ctx context.Context) error {
			var err error
			found, err = r.store.FindByRegulatoryID(ctx, rec.RegulatoryID)
			return err
		})
		if err != nil {
			res, ctxErr := r.writeFailed(ctx, rec, "", fmt.Errorf("lookup by regulatory id: %w", err))
			return nil, "", res, ctxErr
		}
		if found != nil {
			return found, MatchedByRegulatoryID, models.ReconcileResult{}, nil
		}
	}

	if rec.Name == "" || rec.City == "" {
		return nil, "", models.ReconcileResult{}, nil
	}

	var candidates []*models.CommunityRecord
	err := r.withStore(ctx, func(ctx context.Context) error {
		var err error
		candidates, err = r.store.FindByNameAndLocality(ctx, rec.Name, rec.City, rec.State)
		return err
	})
	if err != nil {
		res, ctxErr := r.writeFailed(ctx, rec, "", fmt.Errorf("lookup by name and locality: %w", err))
		return nil, "", res, ctxErr
	}

	// a candidate already tied to another facility is a different facility
	kept := candidates[:0]
	for _, c := range candidates {
		if c.RegulatoryID != "" && rec.RegulatoryID != "" && c.RegulatoryID != rec.RegulatoryID {
			continue
		}
		kept = append(kept, c)
	}

	switch len(kept) {
	case 0:
		return nil, "", models.ReconcileResult{}, nil
	case 1:
		return kept[0], MatchedByNameLocality, models.ReconcileResult{}, nil
	default:
		ids := make([]string, len(kept))
		for i, c := range kept {
			ids[i] = c.ID
		}
		return nil, "", models.ReconcileResult{
			Outcome: models.OutcomeSkipped,
			Reason:  models.KindAmbiguousMatch,
			Err:     fmt.Errorf("%d communities named %q in %s, %s: %v", len(kept), rec.Name, rec.City, rec.State, ids),
		}, nil
	}
}

func (r *Reconciler) upsert(ctx context.Context, id string, fields models.FieldSet) (models.UpsertResult, error) {
	var res models.UpsertResult
	err := r.withStore(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.store.UpsertFields(ctx, id, fields)
		return err
	})
	return res, err
}

// withStore runs fn under the retry policy with a per-call timeout
func (r *Reconciler) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	return utils.Retry(ctx, r.policy, r.logger, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

func (r *Reconciler) writeFailed(ctx context.Context, rec models.TransformedRecord, id string, err error) (models.ReconcileResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.ReconcileResult{}, ctxErr
	}
	r.logger.Warn("Store call failed for %s (%s): %v", rec.RegulatoryID, rec.Name, err)
	return models.ReconcileResult{
		Outcome:     models.OutcomeErrored,
		CommunityID: id,
		Reason:      models.KindWriteFailed,
		Err:         err,
	}, nil
}

// BuildFieldSet applies the merge policy: identity and content fields are
// only filled when empty, the dataset payload and sync stamp are always set
func BuildFieldSet(rec models.TransformedRecord, now time.Time) models.FieldSet {
	fs := models.NewFieldSet()
	fill := func(f models.Field, v string) {
		if v != "" {
			fs.Fill[f] = v
		}
	}
	fill(models.FieldRegulatoryID, rec.RegulatoryID)
	fill(models.FieldName, rec.Name)
	fill(models.FieldAddress, rec.Address)
	fill(models.FieldCity, rec.City)
	fill(models.FieldState, rec.State)
	fill(models.FieldZip, rec.Zip)
	fill(models.FieldPhone, rec.Phone)

	dataset := DatasetOf(rec)
	switch dataset {
	case models.DatasetProviderInfo:
		fs.Set[models.FieldProviderDetails] = rec.Provider
	case models.DatasetDeficiencies:
		fs.Set[models.FieldDeficiencies] = rec.Deficiencies
	case models.DatasetStaffing:
		fs.Set[models.FieldStaffing] = rec.Staffing
	case models.DatasetInspectionPDFs:
		fs.Set[models.FieldInspectionPDFs] = rec.Inspections
	}
	fs.Set[models.FieldLastSyncedAt] = now.UTC()
	if dataset != "" {
		fs.Set[models.FieldSyncSource] = dataset.SyncSource()
	}
	return fs
}

// DatasetOf infers the dataset from the record's reconcilable payload
func DatasetOf(rec models.TransformedRecord) models.Dataset {
	switch {
	case rec.Provider != nil:
		return models.DatasetProviderInfo
	case rec.Deficiencies != nil:
		return models.DatasetDeficiencies
	case rec.Staffing != nil:
		return models.DatasetStaffing
	case rec.Inspections != nil:
		return models.DatasetInspectionPDFs
	}
	return ""
}
