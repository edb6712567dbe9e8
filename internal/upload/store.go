package upload

import (
	"context"
)

// Store persists upload records. Every read takes the tenant explicitly and
// filters on it at the persistence layer; callers never see another tenant's
// rows regardless of the ID they ask for.
type Store interface {
	// Create inserts the upload and returns it with the assigned ID.
	Create(ctx context.Context, u Upload) (Upload, error)

	// SetBlobKey records where the dataset bytes landed.
	SetBlobKey(ctx context.Context, tenant string, id int64, blobKey string) error

	// MarkParsed transitions Received -> Parsed with the definitive row count.
	MarkParsed(ctx context.Context, tenant string, id int64, rowCount int64) error

	// MarkFailed transitions Received -> Failed.
	MarkFailed(ctx context.Context, tenant string, id int64) error

	Get(ctx context.Context, tenant string, id int64) (Upload, error)
}
