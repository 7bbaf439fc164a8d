package ports

import (
	"context"
	"time"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
)

// Batch is one fully parsed unit of work (one CSV file, one list download).
type Batch struct {
	Name     string
	Report   domain.ReportMetadata
	Records  []domain.IOCRecord
	Rejected int
}

// PendingBatch is a batch that has been discovered but not yet consumed.
type PendingBatch interface {
	Name() string
	// Load opens and parses the batch. Row-level problems are skipped and
	// counted; file-level problems are returned.
	Load(ctx context.Context) (Batch, error)
	// Archive records the batch as processed. It must not delete data.
	Archive(ctx context.Context, at time.Time) error
}

// Source discovers pending batches.
type Source interface {
	Name() string
	Mode() domain.SnapshotMode
	Pending(ctx context.Context) ([]PendingBatch, error)
}

// StateStore persists RunState per connector. Save replaces the stored state
// atomically.
type StateStore interface {
	Load(ctx context.Context, connector string) (domain.RunState, error)
	Save(ctx context.Context, connector string, state domain.RunState) error
	Close() error
}
