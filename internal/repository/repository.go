package repository

import (
	"context"

	"github.com/splax/flowmetrics/internal/domain"
)

// MetricsRepository persists metric entries in one append-only stream per process model.
type MetricsRepository interface {
	// WriteEntry appends entry to the partition of its process model. A failed write
	// leaves the partition unchanged.
	WriteEntry(ctx context.Context, entry domain.MetricEntry) error
	// ReadEntriesForProcessModel returns every entry of the partition in write order.
	// An unknown process model yields an empty result.
	ReadEntriesForProcessModel(ctx context.Context, processModelID string) (ReadResult, error)
}

// ReadResult holds the entries of one partition. Warning is set when damaged
// records were skipped.
type ReadResult struct {
	Entries []domain.MetricEntry
	Warning *PartialReadWarning
}
