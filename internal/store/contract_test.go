package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careers/jobboard/internal/model"
	"careers/jobboard/internal/store"
)

var day0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type opt func(*model.Posting)

func withDate(days int) opt {
	return func(p *model.Posting) { p.PostDate = ptr(day0.AddDate(0, 0, days)) }
}

func withoutDate() opt { return func(p *model.Posting) { p.PostDate = nil } }

func withLocation(loc string) opt { return func(p *model.Posting) { p.Location = loc } }

func withCategory(code, name string) opt {
	return func(p *model.Posting) { p.CategoryCode, p.Category = code, name }
}

func withCoords(lat, lng float64) opt {
	return func(p *model.Posting) { p.Latitude, p.Longitude = ptr(lat), ptr(lng) }
}

func withText(s string) opt { return func(p *model.Posting) { p.DescriptionText = s } }

func posting(reqID int64, title string, opts ...opt) *model.Posting {
	p := &model.Posting{
		Title:        title,
		Description:  "<p>" + title + "</p>",
		Link:         fmt.Sprintf("https://jobs.example.com/%d", reqID),
		Location:     "Austin, TX",
		Category:     "Finance",
		CategoryCode: "4396",
		PostDate:     ptr(day0),
	}
	if reqID != 0 {
		p.ReqID = ptr(reqID)
	}
	p.DescriptionText = title
	for _, o := range opts {
		o(p)
	}
	return p
}

func mustUpsert(t *testing.T, s store.Store, p *model.Posting) store.UpsertResult {
	t.Helper()
	res, err := s.Upsert(context.Background(), p)
	require.NoError(t, err)
	return res
}

func reqIDs(items []model.Posting) []int64 {
	out := make([]int64, 0, len(items))
	for _, p := range items {
		if p.ReqID == nil {
			out = append(out, 0)
			continue
		}
		out = append(out, *p.ReqID)
	}
	return out
}

func allActive(t *testing.T, s store.Store) []model.Posting {
	t.Helper()
	page, err := s.Query(context.Background(), model.PostingQuery{Page: 1, PageSize: 1000})
	require.NoError(t, err)
	return page.Items
}

// runStoreContract exercises the behaviour both implementations share.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("upsert inserts then overwrites", func(t *testing.T) {
		s := newStore(t)
		first := mustUpsert(t, s, posting(101, "Accountant", withLocation("Boston, MA")))
		assert.True(t, first.Inserted)

		second := mustUpsert(t, s, posting(101, "Senior Accountant", withLocation("Denver, CO")))
		assert.False(t, second.Inserted)
		assert.Equal(t, first.ID, second.ID)

		got, err := s.GetByReqID(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, "Senior Accountant", got.Title)
		assert.Equal(t, "Denver, CO", got.Location)
		assert.False(t, got.NeedsReview)
		assert.Len(t, allActive(t, s), 1)
	})

	t.Run("known coordinates survive a write without them", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(7, "Clerk", withCoords(30.27, -97.74)))
		mustUpsert(t, s, posting(7, "Clerk II"))

		got, err := s.GetByReqID(ctx, 7)
		require.NoError(t, err)
		require.True(t, got.HasCoordinates())
		assert.InDelta(t, 30.27, *got.Latitude, 1e-9)

		mustUpsert(t, s, posting(7, "Clerk II", withCoords(1, 2)))
		got, err = s.GetByReqID(ctx, 7)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, *got.Latitude, 1e-9)
		assert.InDelta(t, 2.0, *got.Longitude, 1e-9)
	})

	t.Run("unkeyed postings dedupe on link and need review", func(t *testing.T) {
		s := newStore(t)
		p := posting(0, "Mystery Role")
		p.Link = "https://jobs.example.com/mystery"

		first := mustUpsert(t, s, p)
		assert.True(t, first.Inserted)
		p.Title = "Mystery Role (updated)"
		second := mustUpsert(t, s, p)
		assert.False(t, second.Inserted)
		assert.Equal(t, first.ID, second.ID)

		items := allActive(t, s)
		require.Len(t, items, 1)
		assert.Nil(t, items[0].ReqID)
		assert.True(t, items[0].NeedsReview)
		assert.Equal(t, "Mystery Role (updated)", items[0].Title)

		bare := posting(0, "Nothing to key on")
		bare.Link = ""
		_, err := s.Upsert(ctx, bare)
		assert.True(t, errors.Is(err, store.ErrUnkeyed))
	})

	t.Run("reconcile soft-deletes unseen keyed postings only", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(101, "Keep"))
		mustUpsert(t, s, posting(102, "Drop"))
		unkeyed := posting(0, "Unkeyed")
		unkeyed.Link = "https://jobs.example.com/u"
		mustUpsert(t, s, unkeyed)

		n, err := s.Reconcile(ctx, []int64{101}, day0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.GetByReqID(ctx, 102)
		assert.True(t, errors.Is(err, store.ErrNotFound))
		assert.ElementsMatch(t, []int64{101, 0}, reqIDs(allActive(t, s)))

		// Already-deleted rows are not touched again.
		n, err = s.Reconcile(ctx, []int64{101}, day0.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("reconcile with nothing seen deletes every keyed posting", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(1, "A"))
		mustUpsert(t, s, posting(2, "B"))

		n, err := s.Reconcile(ctx, nil, day0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.Empty(t, allActive(t, s))
	})

	t.Run("upsert resurrects a soft-deleted posting", func(t *testing.T) {
		s := newStore(t)
		first := mustUpsert(t, s, posting(102, "Analyst"))
		_, err := s.Reconcile(ctx, []int64{}, day0)
		require.NoError(t, err)

		again := mustUpsert(t, s, posting(102, "Analyst"))
		assert.False(t, again.Inserted)
		assert.Equal(t, first.ID, again.ID)

		got, err := s.GetByReqID(ctx, 102)
		require.NoError(t, err)
		assert.True(t, got.Active())
	})

	t.Run("reconcile categories is scoped", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(1, "Fin", withCategory("4396", "Finance")))
		mustUpsert(t, s, posting(2, "Law", withCategory("4399", "Legal")))

		n, err := s.ReconcileCategories(ctx, nil, day0, []string{"4396"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Equal(t, []int64{2}, reqIDs(allActive(t, s)))

		n, err = s.ReconcileCategories(ctx, nil, day0, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("keywords match title or text as one substring case-insensitively", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(1, "Senior Accountant", withText("Close the books monthly")))
		mustUpsert(t, s, posting(2, "Payroll Clerk", withText("reports to the SENIOR ACCOUNTANT")))
		mustUpsert(t, s, posting(3, "Auditor", withText("100% remote")))
		mustUpsert(t, s, posting(4, "Service Desk Analyst", withText("Help customer teams")))

		page, err := s.Query(ctx, model.PostingQuery{Keywords: "senior accountant", Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, reqIDs(page.Items))
		assert.Equal(t, 2, page.TotalCount)

		page, err = s.Query(ctx, model.PostingQuery{Keywords: "customer service", Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Items, "words spread across fields are not a phrase match")
		assert.Zero(t, page.TotalCount)

		page, err = s.Query(ctx, model.PostingQuery{Keywords: "accountant senior", Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Items, "word order matters")

		page, err = s.Query(ctx, model.PostingQuery{Keywords: "books", Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, reqIDs(page.Items))

		page, err = s.Query(ctx, model.PostingQuery{Keywords: "0%", Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, reqIDs(page.Items))

		page, err = s.Query(ctx, model.PostingQuery{Keywords: "c_erk", Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Items, "underscore is literal")
	})

	t.Run("category and location filters are exact", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(1, "A", withCategory("4396", "Finance"), withLocation("Austin, TX")))
		mustUpsert(t, s, posting(2, "B", withCategory("4399", "Legal"), withLocation("Austin, TX")))
		mustUpsert(t, s, posting(3, "C", withCategory("4396", "Finance"), withLocation("Austin, TX (Remote)")))

		page, err := s.Query(ctx, model.PostingQuery{Category: "Finance", Location: "Austin, TX", Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, reqIDs(page.Items))
	})

	t.Run("pagination arithmetic", func(t *testing.T) {
		s := newStore(t)
		for i := int64(1); i <= 25; i++ {
			mustUpsert(t, s, posting(i, fmt.Sprintf("Job %02d", i)))
		}

		q := model.PostingQuery{Page: 3, PageSize: 10}
		page, err := s.Query(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 25, page.TotalCount)
		assert.Equal(t, []int64{21, 22, 23, 24, 25}, reqIDs(page.Items), "equal dates tie-break on req id")

		q.Page = 4
		page, err = s.Query(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.Equal(t, 25, page.TotalCount)
	})

	t.Run("sort orders", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(1, "charlie", withDate(2), withLocation("Boston, MA")))
		mustUpsert(t, s, posting(2, "Alpha", withDate(0), withLocation("Austin, TX")))
		mustUpsert(t, s, posting(3, "bravo", withoutDate(), withLocation("Chicago, IL")))
		mustUpsert(t, s, posting(4, "delta", withDate(1), withLocation("Austin, TX")))

		cases := map[model.SortOrder][]int64{
			model.SortDateAsc:     {2, 4, 1, 3},
			model.SortDateDesc:    {1, 4, 2, 3},
			model.SortTitleAsc:    {2, 3, 1, 4},
			model.SortTitleDesc:   {4, 1, 3, 2},
			model.SortLocationAsc: {2, 4, 1, 3},
			"":                    {2, 4, 1, 3},
		}
		for order, want := range cases {
			page, err := s.Query(ctx, model.PostingQuery{Sort: order, Page: 1, PageSize: 10})
			require.NoError(t, err)
			assert.Equal(t, want, reqIDs(page.Items), "sort %q", order)
		}
	})

	t.Run("proximity filter and distance sort", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(1, "Manhattan", withCoords(40.7831, -73.9712)))
		mustUpsert(t, s, posting(2, "Newark", withCoords(40.7357, -74.1724)))
		mustUpsert(t, s, posting(3, "Philadelphia", withCoords(39.9526, -75.1652)))
		mustUpsert(t, s, posting(4, "Unknown"))

		near := &model.Coordinates{Lat: 40.7128, Lng: -74.0060}
		page, err := s.Query(ctx, model.PostingQuery{
			Near: near, RadiusMiles: 50, Sort: model.SortDistanceAsc, Page: 1, PageSize: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, reqIDs(page.Items))

		page, err = s.Query(ctx, model.PostingQuery{Near: near, Sort: model.SortDistanceAsc, Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, reqIDs(page.Items), "no radius still drops rows without coordinates")
	})

	t.Run("distinct values", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(1, "A", withLocation("Boston, MA"), withCategory("4399", "Legal")))
		mustUpsert(t, s, posting(2, "B", withLocation("Austin, TX"), withCategory("4396", "Finance")))
		mustUpsert(t, s, posting(3, "C", withLocation(""), withCategory("4396", "Finance")))
		mustUpsert(t, s, posting(4, "D", withLocation("Zurich"), withCategory("4413", "Warehouse")))
		_, err := s.Reconcile(ctx, []int64{1, 2, 3}, day0)
		require.NoError(t, err)

		locations, err := s.DistinctValues(ctx, store.ColumnLocation)
		require.NoError(t, err)
		assert.Equal(t, []string{"Austin, TX", "Boston, MA"}, locations)

		categories, err := s.DistinctValues(ctx, store.ColumnCategory)
		require.NoError(t, err)
		assert.Equal(t, []string{"Finance", "Legal"}, categories)

		_, err = s.DistinctValues(ctx, "title; DROP TABLE postings")
		assert.True(t, errors.Is(err, store.ErrInvalidColumn))
	})

	t.Run("location aggregates", func(t *testing.T) {
		s := newStore(t)
		mustUpsert(t, s, posting(1, "A", withLocation("New York, NY"), withCoords(40, -74)))
		mustUpsert(t, s, posting(2, "B", withLocation("New York, NY"), withCoords(41, -73)))
		mustUpsert(t, s, posting(3, "C", withLocation("New York, NY")))
		mustUpsert(t, s, posting(4, "D", withLocation("Remote")))

		aggs, err := s.LocationAggregates(ctx)
		require.NoError(t, err)
		require.Len(t, aggs, 2)

		assert.Equal(t, "New York, NY", aggs[0].Location)
		assert.Equal(t, 3, aggs[0].Count)
		require.NotNil(t, aggs[0].Latitude)
		assert.InDelta(t, 40.5, *aggs[0].Latitude, 1e-9)
		assert.InDelta(t, -73.5, *aggs[0].Longitude, 1e-9)

		assert.Equal(t, "Remote", aggs[1].Location)
		assert.Equal(t, 1, aggs[1].Count)
		assert.Nil(t, aggs[1].Latitude)
	})

	t.Run("missing and set coordinates", func(t *testing.T) {
		s := newStore(t)
		a := mustUpsert(t, s, posting(1, "A"))
		mustUpsert(t, s, posting(2, "B", withCoords(1, 1)))
		mustUpsert(t, s, posting(3, "C", withLocation("")))

		missing, err := s.MissingCoordinates(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, reqIDs(missing))

		require.NoError(t, s.SetCoordinates(ctx, a.ID, model.Coordinates{Lat: 30, Lng: -97}))
		missing, err = s.MissingCoordinates(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, missing)

		err = s.SetCoordinates(ctx, 999999, model.Coordinates{})
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("record run", func(t *testing.T) {
		s := newStore(t)
		run := model.RunSummary{
			RunID:     "4f9c2d1e-3b7a-4c55-9e0f-1a2b3c4d5e6f",
			Phase:     "FETCHING",
			StartedAt: day0,
		}
		require.NoError(t, s.RecordRun(ctx, run))

		run.Phase = "DONE"
		run.FinishedAt = ptr(day0.Add(time.Minute))
		require.NoError(t, s.RecordRun(ctx, run))
	})
}
