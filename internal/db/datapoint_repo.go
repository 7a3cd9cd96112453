package db

import (
	"context"
	"time"

	"mailrelay/internal/types"
)

// DataPointsSchema creates the relay_data_points table.
const DataPointsSchema = `
CREATE TABLE IF NOT EXISTS relay_data_points (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL DEFAULT '',
	dataset     TEXT NOT NULL,
	blobs       TEXT[] NOT NULL DEFAULT '{}',
	doubles     DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
	indexes     TEXT[] NOT NULL DEFAULT '{}',
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_data_points_dataset_idx
	ON relay_data_points (dataset, recorded_at);`

// DataPointRepository stores analytics data points.
type DataPointRepository struct {
	db DBTX
}

// NewDataPointRepository creates a repository backed by the given pool or
// transaction.
func NewDataPointRepository(db DBTX) *DataPointRepository {
	return &DataPointRepository{db: db}
}

// EnsureSchema creates the table if it does not exist.
func (r *DataPointRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, DataPointsSchema); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create relay_data_points", err)
	}
	return nil
}

// Insert writes one data point. Nil slices are stored as empty arrays.
func (r *DataPointRepository) Insert(ctx context.Context, runID string, p types.DataPoint, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO relay_data_points (run_id, dataset, blobs, doubles, indexes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		runID,
		p.Dataset,
		nonNil(p.Blobs),
		nonNil(p.Doubles),
		nonNil(p.Indexes),
		at.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert data point", err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
