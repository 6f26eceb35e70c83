// Package search answers job-board queries: keyword, category, location
// and zip-radius filtering with sorting, pagination and facet lists.
// It is transport-agnostic and used by the HTTP handlers in package api.
package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"careers/jobboard/internal/model"
	"careers/jobboard/internal/store"
)

// UnavailableMessage is the user-facing message for any storage failure.
const UnavailableMessage = "Job search is temporarily unavailable. Please try again later."

// ErrNotFound is returned by Posting when no active posting matches.
var ErrNotFound = store.ErrNotFound

// Store is the read side of the posting store.
type Store interface {
	Query(ctx context.Context, q model.PostingQuery) (model.PostingPage, error)
	DistinctValues(ctx context.Context, column string) ([]string, error)
	LocationAggregates(ctx context.Context) ([]model.LocationAggregate, error)
	GetByReqID(ctx context.Context, reqID int64) (*model.Posting, error)
}

// Geocoder resolves a zip code to a point. (nil, nil) is a miss.
type Geocoder interface {
	Resolve(ctx context.Context, location string) (*model.Coordinates, error)
}

// Options configures a Service. Geocoder and Cache are optional.
type Options struct {
	PageSize       int
	ZipRadiusMiles float64
	Geocoder       Geocoder
	Cache          FacetCache
	Logger         logrus.FieldLogger
}

// Service is stateless and safe for concurrent use.
type Service struct {
	store    Store
	geocoder Geocoder
	cache    FacetCache
	pageSize int
	radius   float64
	log      logrus.FieldLogger
}

// NewService returns a configured Service.
func NewService(st Store, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.ZipRadiusMiles <= 0 {
		opts.ZipRadiusMiles = 50
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		store:    st,
		geocoder: opts.Geocoder,
		cache:    opts.Cache,
		pageSize: opts.PageSize,
		radius:   opts.ZipRadiusMiles,
		log:      opts.Logger.WithField("component", "search"),
	}
}

// Search runs f and never fails: storage errors produce an empty page with
// a generic Error message and are logged here.
func (s *Service) Search(ctx context.Context, f model.SearchFilter) model.SearchResult {
	n := normalize(f)
	q := model.PostingQuery{
		Keywords: n.keywords,
		Category: n.category,
		Location: n.location,
		Sort:     n.sort,
		Page:     n.page,
		PageSize: s.pageSize,
	}
	if n.zip != "" {
		if near := s.resolveZip(ctx, n.zip); near != nil {
			q.Near = near
			q.RadiusMiles = s.radius
		}
	}

	result := model.SearchResult{
		Postings:   []model.Posting{},
		Pagination: paginate(n.page, s.pageSize, 0),
		Facets:     model.Facets{Locations: []string{}, Categories: []string{}},
	}

	page, err := s.store.Query(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("[search] query failed")
		result.Error = UnavailableMessage
		return result
	}
	facets, err := s.Facets(ctx)
	if err != nil {
		s.log.WithError(err).Error("[search] facets failed")
		result.Error = UnavailableMessage
		return result
	}

	result.Postings = page.Items
	result.Pagination = paginate(n.page, s.pageSize, page.TotalCount)
	result.Facets = facets
	return result
}

func (s *Service) resolveZip(ctx context.Context, zip string) *model.Coordinates {
	if s.geocoder == nil {
		return nil
	}
	coords, err := s.geocoder.Resolve(ctx, zip)
	if err != nil {
		s.log.WithError(err).WithField("zip", zip).Warn("[search] zip lookup failed, ignoring zip")
		return nil
	}
	return coords
}

// Facets returns the distinct locations and categories of active postings,
// served from the cache when one is configured.
func (s *Service) Facets(ctx context.Context) (model.Facets, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx)
		if err != nil {
			s.log.WithError(err).Warn("[search] facet cache read failed")
		}
		if cached != nil {
			return *cached, nil
		}
	}

	locations, err := s.store.DistinctValues(ctx, store.ColumnLocation)
	if err != nil {
		return model.Facets{}, fmt.Errorf("distinct locations: %w", err)
	}
	categories, err := s.store.DistinctValues(ctx, store.ColumnCategory)
	if err != nil {
		return model.Facets{}, fmt.Errorf("distinct categories: %w", err)
	}
	f := model.Facets{Locations: locations, Categories: categories}

	if s.cache != nil {
		if err := s.cache.Set(ctx, f); err != nil {
			s.log.WithError(err).Warn("[search] facet cache write failed")
		}
	}
	return f, nil
}

// MapAggregates returns one marker per distinct active location.
func (s *Service) MapAggregates(ctx context.Context) ([]model.LocationAggregate, error) {
	aggs, err := s.store.LocationAggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("location aggregates: %w", err)
	}
	return aggs, nil
}

// Posting returns the active posting with reqID or ErrNotFound.
func (s *Service) Posting(ctx context.Context, reqID int64) (*model.Posting, error) {
	p, err := s.store.GetByReqID(ctx, reqID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get posting %d: %w", reqID, err)
	}
	return p, nil
}

func paginate(page, pageSize, total int) model.Pagination {
	p := model.Pagination{Page: page, PageSize: pageSize, TotalCount: total}
	if pageSize > 0 {
		p.TotalPages = (total + pageSize - 1) / pageSize
	}
	if page < p.TotalPages {
		next := page + 1
		p.NextPage = &next
	}
	if page > 1 {
		prev := page - 1
		p.PrevPage = &prev
	}
	return p
}
