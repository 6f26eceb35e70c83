// Package store persists job postings. PostgresStore is the production
// implementation; MemoryStore has identical semantics and backs tests and
// local runs without a database.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"careers/jobboard/internal/model"
)

var (
	// ErrNotFound is returned when no active posting matches.
	ErrNotFound = errors.New("posting not found")
	// ErrUnkeyed is returned by Upsert for a posting with neither a
	// requisition id nor a link; there is nothing to deduplicate it on.
	ErrUnkeyed = errors.New("posting has no requisition id and no link")
	// ErrInvalidColumn is returned by DistinctValues for an unsupported column.
	ErrInvalidColumn = errors.New("invalid distinct column")
)

// Columns accepted by DistinctValues.
const (
	ColumnLocation = "location"
	ColumnCategory = "category"
)

// UpsertResult reports the row id and whether the write created the row.
type UpsertResult struct {
	ID       int64
	Inserted bool
}

// Store is the full method set shared by both implementations.
type Store interface {
	Upsert(ctx context.Context, p *model.Posting) (UpsertResult, error)
	Reconcile(ctx context.Context, seen []int64, asOf time.Time) (int64, error)
	ReconcileCategories(ctx context.Context, seen []int64, asOf time.Time, categoryCodes []string) (int64, error)
	Query(ctx context.Context, q model.PostingQuery) (model.PostingPage, error)
	DistinctValues(ctx context.Context, column string) ([]string, error)
	LocationAggregates(ctx context.Context) ([]model.LocationAggregate, error)
	GetByReqID(ctx context.Context, reqID int64) (*model.Posting, error)
	MissingCoordinates(ctx context.Context, limit int) ([]model.Posting, error)
	SetCoordinates(ctx context.Context, id int64, coords model.Coordinates) error
	RecordRun(ctx context.Context, run model.RunSummary) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

const earthRadiusMiles = 3958.8

// DistanceMiles is the great-circle distance between two points.
func DistanceMiles(a, b model.Coordinates) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

func validColumn(column string) bool {
	return column == ColumnLocation || column == ColumnCategory
}
