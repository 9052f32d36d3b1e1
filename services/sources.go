package services

import (
	"context"
	"fmt"
	"net/http"

	"community-sync/config"
	"community-sync/models"
	"community-sync/scraper"
	"community-sync/scraper/cms"
	"community-sync/scraper/inspection"
	"community-sync/storage"
	"community-sync/utils"
)

// SourceFactory builds the upstream source of one run. The returned close
// function releases source resources (browsers) and is never nil on success.
type SourceFactory interface {
	NewSource(ctx context.Context, dataset models.Dataset, runID string) (scraper.Source, func(), error)
}

// SourceFactoryFunc adapts a function to SourceFactory
type SourceFactoryFunc func(ctx context.Context, dataset models.Dataset, runID string) (scraper.Source, func(), error)

func (f SourceFactoryFunc) NewSource(ctx context.Context, dataset models.Dataset, runID string) (scraper.Source, func(), error) {
	return f(ctx, dataset, runID)
}

// CMSSources builds sources for the CMS datasets from configuration
type CMSSources struct {
	cfg     *config.Config
	lister  storage.RegulatoryIDLister
	archive storage.RawArchive
	client  *http.Client
	logger  *utils.Logger
}

// NewCMSSources creates the factory. lister and archive may be nil.
func NewCMSSources(cfg *config.Config, lister storage.RegulatoryIDLister, archive storage.RawArchive, logger *utils.Logger) *CMSSources {
	return &CMSSources{
		cfg:     cfg,
		lister:  lister,
		archive: archive,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  logger,
	}
}

func noop() {}

func (f *CMSSources) NewSource(ctx context.Context, dataset models.Dataset, runID string) (scraper.Source, func(), error) {
	switch dataset {
	case models.DatasetProviderInfo:
		// static ids or the state whitelist, so new facilities are discovered
		return datastore(f.datastoreOptions(f.cfg.ProviderInfoDatasetID, f.cfg.RegulatoryIDs))

	case models.DatasetDeficiencies:
		ids, err := f.knownIDs(ctx)
		if err != nil {
			return nil, nil, err
		}
		return datastore(f.datastoreOptions(f.cfg.DeficienciesDatasetID, ids))

	case models.DatasetStaffing:
		src, err := cms.NewStaffingSource(cms.StaffingOptions{
			CatalogURL:      f.cfg.StaffingCatalogURL,
			TitlePattern:    f.cfg.StaffingTitlePattern,
			Quarters:        f.cfg.StaffingQuarters,
			States:          f.cfg.StateWhitelist,
			CatalogTimeout:  f.cfg.HTTPTimeout,
			DownloadTimeout: f.cfg.DownloadTimeout,
			Client:          &http.Client{},
			Archive:         f.archive,
			RunID:           runID,
			Logger:          f.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return src, noop, nil

	case models.DatasetInspectionPDFs:
		if f.cfg.InspectionIndexURL != "" {
			src, err := inspection.NewIndexScraper(f.cfg.InspectionIndexURL, f.logger)
			if err != nil {
				return nil, nil, err
			}
			return src, src.Close, nil
		}
		if f.cfg.InspectionDatasetID == "" {
			return nil, nil, &models.ConfigError{
				Setting: "INSPECTION_INDEX_URL",
				Reason:  "neither an index url nor CMS_INSPECTION_DATASET is configured",
			}
		}
		ids, err := f.knownIDs(ctx)
		if err != nil {
			return nil, nil, err
		}
		return datastore(f.datastoreOptions(f.cfg.InspectionDatasetID, ids))
	}
	return nil, nil, &models.ConfigError{Setting: "dataset", Reason: fmt.Sprintf("unknown dataset %q", dataset)}
}

func datastore(opts cms.DatastoreOptions) (scraper.Source, func(), error) {
	src, err := cms.NewDatastoreSource(opts)
	if err != nil {
		return nil, nil, err
	}
	return src, noop, nil
}

func (f *CMSSources) datastoreOptions(datasetID string, ids []string) cms.DatastoreOptions {
	return cms.DatastoreOptions{
		BaseURL:       f.cfg.CMSBaseURL,
		DatasetID:     datasetID,
		APIKey:        f.cfg.CMSAPIKey,
		RegulatoryIDs: ids,
		States:        f.cfg.StateWhitelist,
		PageSize:      f.cfg.PageSize,
		BatchSize:     f.cfg.IDBatchSize,
		Client:        f.client,
	}
}

// knownIDs limits per-facility datasets to the communities the store
// already tracks; falls back to the state whitelist when nothing is known
func (f *CMSSources) knownIDs(ctx context.Context) ([]string, error) {
	if len(f.cfg.RegulatoryIDs) > 0 {
		return f.cfg.RegulatoryIDs, nil
	}
	if f.lister == nil {
		return nil, nil
	}
	ids, err := f.lister.ListRegulatoryIDs(ctx, f.cfg.StateWhitelist)
	if err != nil {
		return nil, fmt.Errorf("failed to list known regulatory ids: %w", err)
	}
	f.logger.Info("Querying %d known regulatory ids", len(ids))
	return ids, nil
}
