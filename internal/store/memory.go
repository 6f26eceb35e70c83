package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"careers/jobboard/internal/model"
)

// MemoryStore is a mutex-guarded Store with the same observable semantics
// as PostgresStore. It backs unit tests and the -memory development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]*model.Posting // row id → posting
	byReq  map[int64]int64          // req id → row id
	byLink map[string]int64         // link → row id, unkeyed rows only
	runs   []model.RunSummary
	now    func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[int64]*model.Posting),
		byReq:  make(map[int64]int64),
		byLink: make(map[string]int64),
		now:    time.Now,
	}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, p *model.Posting) (UpsertResult, error) {
	if p.ReqID == nil && p.Link == "" {
		return UpsertResult{}, ErrUnkeyed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		id     int64
		exists bool
	)
	if p.ReqID != nil {
		id, exists = m.byReq[*p.ReqID]
	} else {
		id, exists = m.byLink[p.Link]
	}

	now := m.now().UTC()
	row := *p
	row.NeedsReview = p.ReqID == nil
	row.DeletedAt = nil
	row.UpdatedAt = now
	if !p.HasCoordinates() {
		row.Latitude, row.Longitude = nil, nil
	}

	if exists {
		prev := m.rows[id]
		row.ID = id
		row.CreatedAt = prev.CreatedAt
		if !row.HasCoordinates() {
			row.Latitude, row.Longitude = prev.Latitude, prev.Longitude
		}
		m.rows[id] = &row
		return UpsertResult{ID: id, Inserted: false}, nil
	}

	m.nextID++
	row.ID = m.nextID
	row.CreatedAt = now
	m.rows[row.ID] = &row
	if row.ReqID != nil {
		m.byReq[*row.ReqID] = row.ID
	} else {
		m.byLink[row.Link] = row.ID
	}
	return UpsertResult{ID: row.ID, Inserted: true}, nil
}

// Reconcile implements Store.
func (m *MemoryStore) Reconcile(_ context.Context, seen []int64, asOf time.Time) (int64, error) {
	return m.reconcile(seen, asOf, nil), nil
}

// ReconcileCategories implements Store.
func (m *MemoryStore) ReconcileCategories(_ context.Context, seen []int64, asOf time.Time, categoryCodes []string) (int64, error) {
	if len(categoryCodes) == 0 {
		return 0, nil
	}
	return m.reconcile(seen, asOf, categoryCodes), nil
}

func (m *MemoryStore) reconcile(seen []int64, asOf time.Time, codes []string) int64 {
	seenSet := make(map[int64]struct{}, len(seen))
	for _, id := range seen {
		seenSet[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, p := range m.rows {
		if !p.Active() || p.ReqID == nil {
			continue
		}
		if _, ok := seenSet[*p.ReqID]; ok {
			continue
		}
		if codes != nil && !slices.Contains(codes, p.CategoryCode) {
			continue
		}
		deletedAt := asOf
		p.DeletedAt = &deletedAt
		n++
	}
	return n
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, q model.PostingQuery) (model.PostingPage, error) {
	m.mu.RLock()
	matched := make([]model.Posting, 0)
	for _, p := range m.rows {
		if matches(p, q) {
			matched = append(matched, *p)
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(matched, comparator(q))

	page := model.PostingPage{Items: []model.Posting{}, TotalCount: len(matched)}
	if q.PageSize <= 0 {
		return page, nil
	}
	start := q.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := min(start+q.PageSize, len(matched))
	page.Items = append(page.Items, matched[start:end]...)
	return page, nil
}

func matches(p *model.Posting, q model.PostingQuery) bool {
	if !p.Active() {
		return false
	}
	if q.Keywords != "" {
		kw := strings.ToLower(q.Keywords)
		if !strings.Contains(strings.ToLower(p.Title), kw) && !strings.Contains(strings.ToLower(p.DescriptionText), kw) {
			return false
		}
	}
	if q.Category != "" && p.Category != q.Category {
		return false
	}
	if q.Location != "" && p.Location != q.Location {
		return false
	}
	if q.Near != nil {
		if !p.HasCoordinates() {
			return false
		}
		if q.RadiusMiles > 0 && DistanceMiles(*q.Near, coordsOf(p)) > q.RadiusMiles {
			return false
		}
	}
	return true
}

func comparator(q model.PostingQuery) func(a, b model.Posting) int {
	primary := func(a, b model.Posting) int { return compareDates(a.PostDate, b.PostDate, false) }
	switch q.Sort {
	case model.SortDateDesc:
		primary = func(a, b model.Posting) int { return compareDates(a.PostDate, b.PostDate, true) }
	case model.SortTitleAsc:
		primary = func(a, b model.Posting) int { return compareFolded(a.Title, b.Title) }
	case model.SortTitleDesc:
		primary = func(a, b model.Posting) int { return compareFolded(b.Title, a.Title) }
	case model.SortLocationAsc:
		primary = func(a, b model.Posting) int { return compareFolded(a.Location, b.Location) }
	case model.SortCategoryAsc:
		primary = func(a, b model.Posting) int { return compareFolded(a.Category, b.Category) }
	case model.SortDistanceAsc:
		if q.Near != nil {
			near := *q.Near
			primary = func(a, b model.Posting) int {
				return cmp.Compare(DistanceMiles(near, coordsOf(&a)), DistanceMiles(near, coordsOf(&b)))
			}
		}
	}

	return func(a, b model.Posting) int {
		if c := primary(a, b); c != 0 {
			return c
		}
		if c := compareReqIDs(a.ReqID, b.ReqID); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	}
}

// compareDates orders nil dates last in both directions.
func compareDates(a, b *time.Time, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case desc:
		return b.Compare(*a)
	default:
		return a.Compare(*b)
	}
}

func compareReqIDs(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return cmp.Compare(*a, *b)
	}
}

func compareFolded(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func coordsOf(p *model.Posting) model.Coordinates {
	if !p.HasCoordinates() {
		return model.Coordinates{}
	}
	return model.Coordinates{Lat: *p.Latitude, Lng: *p.Longitude}
}

// DistinctValues implements Store.
func (m *MemoryStore) DistinctValues(_ context.Context, column string) ([]string, error) {
	if !validColumn(column) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, column)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	set := make(map[string]struct{})
	for _, p := range m.rows {
		if !p.Active() {
			continue
		}
		v := p.Location
		if column == ColumnCategory {
			v = p.Category
		}
		if v != "" {
			set[v] = struct{}{}
		}
	}
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	slices.Sort(values)
	return values, nil
}

// LocationAggregates implements Store.
func (m *MemoryStore) LocationAggregates(_ context.Context) ([]model.LocationAggregate, error) {
	type acc struct {
		count, located int
		lat, lng       float64
	}

	m.mu.RLock()
	byLocation := make(map[string]*acc)
	for _, p := range m.rows {
		if !p.Active() || p.Location == "" {
			continue
		}
		a, ok := byLocation[p.Location]
		if !ok {
			a = &acc{}
			byLocation[p.Location] = a
		}
		a.count++
		if p.HasCoordinates() {
			a.located++
			a.lat += *p.Latitude
			a.lng += *p.Longitude
		}
	}
	m.mu.RUnlock()

	aggs := make([]model.LocationAggregate, 0, len(byLocation))
	for loc, a := range byLocation {
		agg := model.LocationAggregate{Location: loc, Count: a.count}
		if a.located > 0 {
			lat := a.lat / float64(a.located)
			lng := a.lng / float64(a.located)
			agg.Latitude, agg.Longitude = &lat, &lng
		}
		aggs = append(aggs, agg)
	}
	slices.SortFunc(aggs, func(a, b model.LocationAggregate) int {
		return strings.Compare(a.Location, b.Location)
	})
	return aggs, nil
}

// GetByReqID implements Store.
func (m *MemoryStore) GetByReqID(_ context.Context, reqID int64) (*model.Posting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReq[reqID]
	if !ok || !m.rows[id].Active() {
		return nil, ErrNotFound
	}
	p := *m.rows[id]
	return &p, nil
}

// MissingCoordinates implements Store.
func (m *MemoryStore) MissingCoordinates(_ context.Context, limit int) ([]model.Posting, error) {
	m.mu.RLock()
	out := make([]model.Posting, 0)
	for _, p := range m.rows {
		if p.Active() && p.Location != "" && !p.HasCoordinates() {
			out = append(out, *p)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Posting) int { return cmp.Compare(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetCoordinates implements Store.
func (m *MemoryStore) SetCoordinates(_ context.Context, id int64, coords model.Coordinates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	lat, lng := coords.Lat, coords.Lng
	p.Latitude, p.Longitude = &lat, &lng
	p.UpdatedAt = m.now().UTC()
	return nil
}

// RecordRun implements Store.
func (m *MemoryStore) RecordRun(_ context.Context, run model.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.runs {
		if m.runs[i].RunID == run.RunID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// Runs returns the recorded run summaries in insertion order.
func (m *MemoryStore) Runs() []model.RunSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.runs)
}

// All returns every row, deleted ones included, ordered by row id.
func (m *MemoryStore) All() []model.Posting {
	m.mu.RLock()
	out := make([]model.Posting, 0, len(m.rows))
	for _, p := range m.rows {
		out = append(out, *p)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Posting) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
