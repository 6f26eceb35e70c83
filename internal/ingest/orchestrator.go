// Package ingest runs the periodic feed synchronization: fetch every
// category, geocode and upsert each posting, then soft-delete whatever the
// feed no longer lists.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"careers/jobboard/internal/config"
	"careers/jobboard/internal/model"
	"careers/jobboard/internal/store"
)

var (
	// ErrAllCategoriesFailed fails a run in which no category could be
	// fetched. Reconcile is skipped so a feed outage never empties the board.
	ErrAllCategoriesFailed = errors.New("all categories failed to fetch")
	// ErrRunInProgress is returned when another run holds the run lock.
	ErrRunInProgress = errors.New("sync run already in progress")
)

// Fetcher retrieves the raw postings of one category.
type Fetcher interface {
	Fetch(ctx context.Context, categoryCode string) ([]model.RawPosting, error)
}

// Geocoder resolves free-text locations. (nil, nil) is a miss.
type Geocoder interface {
	Resolve(ctx context.Context, location string) (*model.Coordinates, error)
}

// Store is the persistence the orchestrator writes through.
type Store interface {
	Upsert(ctx context.Context, p *model.Posting) (store.UpsertResult, error)
	Reconcile(ctx context.Context, seen []int64, asOf time.Time) (int64, error)
	ReconcileCategories(ctx context.Context, seen []int64, asOf time.Time, categoryCodes []string) (int64, error)
	RecordRun(ctx context.Context, run model.RunSummary) error
}

// Locker guards against overlapping runs across processes. TryLock returns
// ok=false when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// Reporter is notified with the final summary of every run.
type Reporter interface {
	Report(ctx context.Context, run model.RunSummary) error
}

// Invalidator drops cached read-side data after the postings change.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Config holds the run parameters.
type Config struct {
	Categories     []model.Category
	Concurrency    int
	GeocodeMode    string
	ReconcileScope string
	RunTimeout     time.Duration
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger; logrus' standard logger is the default.
func WithLogger(l logrus.FieldLogger) Option { return func(o *Orchestrator) { o.log = l } }

// WithLocker enables the cross-process run lock.
func WithLocker(l Locker) Option { return func(o *Orchestrator) { o.locker = l } }

// WithReporter adds a run-completion reporter.
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) { o.reporters = append(o.reporters, r) }
}

// WithInvalidator adds a cache to invalidate after each run.
func WithInvalidator(i Invalidator) Option {
	return func(o *Orchestrator) { o.invalidators = append(o.invalidators, i) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator executes sync runs. At most one run executes per process at
// a time; a Locker extends that guarantee across processes.
type Orchestrator struct {
	cfg          Config
	mapping      model.CategoryMapping
	fetcher      Fetcher
	geocoder     Geocoder
	store        Store
	locker       Locker
	reporters    []Reporter
	invalidators []Invalidator
	log          logrus.FieldLogger
	now          func() time.Time

	running atomic.Bool
	latest  atomic.Pointer[model.RunSummary]
}

// New constructs an Orchestrator. geocoder may be nil in deferred mode.
func New(cfg Config, fetcher Fetcher, geocoder Geocoder, st Store, opts ...Option) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.GeocodeMode == "" {
		cfg.GeocodeMode = config.GeocodeInline
	}
	if cfg.ReconcileScope == "" {
		cfg.ReconcileScope = config.ReconcileAll
	}
	o := &Orchestrator{
		cfg:      cfg,
		mapping:  model.NewCategoryMapping(cfg.Categories),
		fetcher:  fetcher,
		geocoder: geocoder,
		store:    st,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithField("component", "sync")
	return o
}

// Running reports whether a run is executing in this process.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// LatestRun returns the summary of the last finished run in this process.
func (o *Orchestrator) LatestRun(context.Context) (*model.RunSummary, error) {
	return o.latest.Load(), nil
}

// Run executes one synchronous sync run. The summary is returned even when
// the run fails, except when the run could not start at all.
func (o *Orchestrator) Run(ctx context.Context) (*model.RunSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)
	return o.run(ctx)
}

// Start launches a run in the background and returns immediately.
// ErrRunInProgress is returned if this process is already running one.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	go func() {
		defer o.running.Store(false)
		if _, err := o.run(ctx); err != nil {
			o.log.WithError(err).Warn("[sync] background run failed")
		}
	}()
	return nil
}

func (o *Orchestrator) run(ctx context.Context) (*model.RunSummary, error) {
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	if o.locker != nil {
		unlock, ok, err := o.locker.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return nil, ErrRunInProgress
		}
		defer unlock()
	}

	r := &runState{
		summary: model.RunSummary{
			RunID:      uuid.NewString(),
			Phase:      string(PhaseStarted),
			StartedAt:  o.now().UTC(),
			Categories: make([]model.CategoryResult, len(o.cfg.Categories)),
		},
		phase: PhaseStarted,
	}
	log := o.log.WithField("run_id", r.summary.RunID)
	log.Infof("[sync] Starting run: categories=%d concurrency=%d geocode=%s reconcile=%s",
		len(o.cfg.Categories), o.cfg.Concurrency, o.cfg.GeocodeMode, o.cfg.ReconcileScope)

	r.advance(PhaseFetching)
	o.record(ctx, log, r.summary)

	seen := mapset.NewSet[int64]()
	memo := newGeocodeMemo(o.geocoder)
	tallies := make([]tally, len(o.cfg.Categories))
	errs := make([]error, len(o.cfg.Categories))

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, cat := range o.cfg.Categories {
		g.Go(func() error {
			r.summary.Categories[i], tallies[i], errs[i] = o.syncCategory(ctx, log, cat, seen, memo)
			return nil
		})
	}
	_ = g.Wait()

	var fetchErr *multierror.Error
	var fetchedCodes []string
	for i, t := range tallies {
		t.addTo(&r.summary)
		if errs[i] != nil {
			fetchErr = multierror.Append(fetchErr, errs[i])
			continue
		}
		fetchedCodes = append(fetchedCodes, o.cfg.Categories[i].Code)
	}

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, log, r, fmt.Errorf("run interrupted: %w", err))
	}
	if len(fetchedCodes) == 0 && len(o.cfg.Categories) > 0 {
		return o.fail(ctx, log, r, fmt.Errorf("%w: %w", ErrAllCategoriesFailed, fetchErr.ErrorOrNil()))
	}
	if fetchErr != nil {
		log.WithError(fetchErr).Warnf("[sync] %d of %d categories failed, continuing",
			len(fetchErr.Errors), len(o.cfg.Categories))
	}

	r.advance(PhaseReconciling)
	asOf := o.now().UTC()
	seenIDs := seen.ToSlice()

	var (
		deleted int64
		err     error
	)
	if o.cfg.ReconcileScope == config.ReconcileAll {
		deleted, err = o.store.Reconcile(ctx, seenIDs, asOf)
	} else {
		deleted, err = o.store.ReconcileCategories(ctx, seenIDs, asOf, fetchedCodes)
	}
	if err != nil {
		return o.fail(ctx, log, r, fmt.Errorf("reconcile: %w", err))
	}
	r.summary.SoftDeleted = deleted

	r.advance(PhaseDone)
	o.finish(ctx, log, r)

	s := r.summary
	log.Infof("[sync] Run done: seen=%d inserted=%d updated=%d unkeyed=%d malformed=%d write_failures=%d soft_deleted=%d geocode(hit=%d miss=%d fail=%d skip=%d)",
		s.ItemsSeen, s.Inserted, s.Updated, s.Unkeyed, s.Malformed, s.WriteFailures, s.SoftDeleted,
		s.GeocodeHits, s.GeocodeMisses, s.GeocodeFailures, s.GeocodeSkipped)
	return &s, nil
}

func (o *Orchestrator) fail(ctx context.Context, log logrus.FieldLogger, r *runState, err error) (*model.RunSummary, error) {
	r.advance(PhaseFailed)
	r.summary.Error = err.Error()
	o.finish(ctx, log, r)

	log.WithError(err).Error("[sync] Run failed")
	s := r.summary
	return &s, err
}

// finish stamps the summary and fans it out. Every step is best effort.
func (o *Orchestrator) finish(ctx context.Context, log logrus.FieldLogger, r *runState) {
	finished := o.now().UTC()
	r.summary.FinishedAt = &finished

	// Notifications must go out even when the run was cancelled, but
	// within the grace the run lock leaves for them.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.RunFinishGrace)
	defer cancel()

	o.record(ctx, log, r.summary)
	for _, rep := range o.reporters {
		if err := rep.Report(ctx, r.summary); err != nil {
			log.WithError(err).Warn("[sync] report run failed")
		}
	}
	for _, inv := range o.invalidators {
		if err := inv.Invalidate(ctx); err != nil {
			log.WithError(err).Warn("[sync] cache invalidation failed")
		}
	}

	s := r.summary
	o.latest.Store(&s)
}

func (o *Orchestrator) record(ctx context.Context, log logrus.FieldLogger, s model.RunSummary) {
	if err := o.store.RecordRun(ctx, s); err != nil {
		log.WithError(err).Warn("[sync] record run failed")
	}
}

func (o *Orchestrator) syncCategory(
	ctx context.Context,
	log logrus.FieldLogger,
	cat model.Category,
	seen mapset.Set[int64],
	memo *geocodeMemo,
) (model.CategoryResult, tally, error) {
	res := model.CategoryResult{Code: cat.Code, Name: o.mapping.Name(cat.Code)}
	log = log.WithField("category", cat.Code)

	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res, tally{}, err
	}

	items, err := o.fetcher.Fetch(ctx, cat.Code)
	if err != nil {
		log.WithError(err).Warn("[sync] Fetch failed, skipping category")
		res.Error = err.Error()
		return res, tally{}, err
	}
	res.Fetched = true
	res.Items = len(items)

	var t tally
	for _, raw := range items {
		if ctx.Err() != nil {
			break
		}
		t.itemsSeen++

		if raw.ReqID == nil && raw.Link == "" {
			t.malformed++
			log.WithField("title", raw.Title).Warn("[sync] Item has no reqId and no link, skipping")
			continue
		}
		// The feed still lists this requisition even if the write below
		// fails, so it must not be reconciled away.
		if raw.ReqID != nil {
			seen.Add(*raw.ReqID)
		}

		p := o.buildPosting(raw, cat)
		if o.cfg.GeocodeMode == config.GeocodeInline {
			o.geocode(ctx, log, memo, p, &t)
		} else {
			t.geocodeSkipped++
		}

		up, err := o.store.Upsert(ctx, p)
		if errors.Is(err, store.ErrUnkeyed) {
			t.malformed++
			continue
		}
		if err != nil {
			t.writeFailures++
			log.WithError(err).WithField("req_id", reqIDField(raw.ReqID)).Warn("[sync] Upsert failed, continuing")
			continue
		}
		switch {
		case up.Inserted:
			t.inserted++
		default:
			t.updated++
		}
		if raw.ReqID == nil {
			t.unkeyed++
		}
	}

	log.Infof("[sync] Category %s done: items=%d inserted=%d updated=%d",
		res.Name, t.itemsSeen, t.inserted, t.updated)
	return res, t, nil
}

func (o *Orchestrator) geocode(ctx context.Context, log logrus.FieldLogger, memo *geocodeMemo, p *model.Posting, t *tally) {
	coords, ok, err := memo.resolve(ctx, p.Location)
	switch {
	case !ok:
		t.geocodeSkipped++
	case err != nil:
		t.geocodeFailures++
		log.WithError(err).WithField("location", p.Location).Warn("[sync] Geocode failed, storing without coordinates")
	case coords == nil:
		t.geocodeMisses++
	default:
		t.geocodeHits++
		lat, lng := coords.Lat, coords.Lng
		p.Latitude, p.Longitude = &lat, &lng
	}
}

func (o *Orchestrator) buildPosting(raw model.RawPosting, cat model.Category) *model.Posting {
	code := raw.CategoryCode
	if code == "" {
		code = cat.Code
	}
	return &model.Posting{
		ReqID:           raw.ReqID,
		Title:           raw.Title,
		Description:     raw.Description,
		DescriptionText: raw.DescriptionText,
		PostDate:        raw.PostDate,
		Link:            raw.Link,
		Location:        raw.Location,
		LocationCountry: raw.LocationCountry,
		LocationState:   raw.LocationState,
		LocationCity:    raw.LocationCity,
		Category:        o.mapping.Name(code),
		CategoryCode:    code,
	}
}

func reqIDField(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

type runState struct {
	summary model.RunSummary
	phase   Phase
}

// advance moves the run to the next phase. Transitions are fixed by the
// code path, so an illegal one is a bug and panics.
func (r *runState) advance(to Phase) {
	if !CanAdvance(r.phase, to) {
		panic(fmt.Sprintf("ingest: illegal phase transition %s → %s", r.phase, to))
	}
	r.phase = to
	r.summary.Phase = string(to)
}

// tally is the per-category counter set, merged into the summary after
// the worker pool drains.
type tally struct {
	itemsSeen, inserted, updated, unkeyed, malformed, writeFailures int
	geocodeHits, geocodeMisses, geocodeFailures, geocodeSkipped    int
}

func (t tally) addTo(s *model.RunSummary) {
	s.ItemsSeen += t.itemsSeen
	s.Inserted += t.inserted
	s.Updated += t.updated
	s.Unkeyed += t.unkeyed
	s.Malformed += t.malformed
	s.WriteFailures += t.writeFailures
	s.GeocodeHits += t.geocodeHits
	s.GeocodeMisses += t.geocodeMisses
	s.GeocodeFailures += t.geocodeFailures
	s.GeocodeSkipped += t.geocodeSkipped
}
