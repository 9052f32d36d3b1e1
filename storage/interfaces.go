package storage

import (
	"context"
	"errors"

	"community-sync/models"
)

// ErrNotFound is returned by UpsertFields when the target id does not exist
var ErrNotFound = errors.New("community not found")

// CommunityStore is the narrow persistence surface the pipeline depends on.
// UpsertFields must apply the whole field set atomically for one record.
type CommunityStore interface {
	// FindByRegulatoryID returns nil, nil when no community carries the id
	FindByRegulatoryID(ctx context.Context, regulatoryID string) (*models.CommunityRecord, error)
	// FindByNameAndLocality returns communities in city/state whose normalized
	// name equals the normalized form of name
	FindByNameAndLocality(ctx context.Context, name, city, state string) ([]*models.CommunityRecord, error)
	// UpsertFields updates community id, or inserts a new one when id is empty
	UpsertFields(ctx context.Context, id string, fields models.FieldSet) (models.UpsertResult, error)
}

// RegulatoryIDLister is implemented by stores that can enumerate known ids.
// Used to build upstream query batches when no static id list is configured.
type RegulatoryIDLister interface {
	ListRegulatoryIDs(ctx context.Context, states []string) ([]string, error)
}

// RunLocker serializes runs of the same dataset across processes
type RunLocker interface {
	Acquire(ctx context.Context, dataset models.Dataset) (release func(), err error)
}

// ErrRunInProgress is returned by RunLocker when another run holds the dataset
var ErrRunInProgress = errors.New("an import for this dataset is already running")

// RunHistory records finished runs for administrators
type RunHistory interface {
	Record(ctx context.Context, report models.RunReport) error
	Recent(ctx context.Context, dataset models.Dataset, limit int) ([]RunRecord, error)
}

// RawArchive keeps a copy of downloaded upstream files for audit
type RawArchive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}
