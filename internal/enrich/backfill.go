// Package enrich fills in coordinates for postings stored without them,
// either because geocoding is deferred or because the provider failed
// during the sync run.
package enrich

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"careers/jobboard/internal/model"
)

// Store is the subset of the posting store the backfiller needs.
type Store interface {
	MissingCoordinates(ctx context.Context, limit int) ([]model.Posting, error)
	SetCoordinates(ctx context.Context, id int64, coords model.Coordinates) error
}

// Geocoder resolves free-text locations. (nil, nil) is a miss.
type Geocoder interface {
	Resolve(ctx context.Context, location string) (*model.Coordinates, error)
}

// Result counts the outcome of one backfill pass.
type Result struct {
	Scanned  int
	Resolved int
	Misses   int
	Failures int
}

// Backfiller geocodes one batch of postings per Run.
type Backfiller struct {
	store     Store
	geocoder  Geocoder
	batchSize int
	log       logrus.FieldLogger
}

// NewBackfiller constructs a Backfiller.
func NewBackfiller(st Store, g Geocoder, batchSize int, log logrus.FieldLogger) *Backfiller {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Backfiller{store: st, geocoder: g, batchSize: batchSize, log: log.WithField("component", "enrich")}
}

// Run resolves up to one batch of postings. Misses and provider failures
// leave the posting untouched; a later pass retries it.
func (b *Backfiller) Run(ctx context.Context) (Result, error) {
	var res Result

	postings, err := b.store.MissingCoordinates(ctx, b.batchSize)
	if err != nil {
		return res, fmt.Errorf("load postings without coordinates: %w", err)
	}
	if len(postings) == 0 {
		return res, nil
	}
	b.log.Infof("[enrich] Backfilling coordinates for %d postings", len(postings))

	for _, p := range postings {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		coords, err := b.geocoder.Resolve(ctx, p.Location)
		if err != nil {
			res.Failures++
			b.log.WithError(err).WithField("posting_id", p.ID).Warn("[enrich] Geocode failed, will retry next pass")
			continue
		}
		if coords == nil {
			res.Misses++
			continue
		}
		if err := b.store.SetCoordinates(ctx, p.ID, *coords); err != nil {
			res.Failures++
			b.log.WithError(err).WithField("posting_id", p.ID).Warn("[enrich] Store coordinates failed")
			continue
		}
		res.Resolved++
	}

	b.log.Infof("[enrich] Pass done: scanned=%d resolved=%d misses=%d failures=%d",
		res.Scanned, res.Resolved, res.Misses, res.Failures)
	return res, nil
}
