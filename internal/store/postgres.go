package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"careers/jobboard/internal/model"
)

const postingColumns = `id, req_id, title, description, description_text, post_date, link,
	location, location_country, location_state, location_city, category, category_code,
	latitude, longitude, needs_review, created_at, updated_at, deleted_at`

// distanceSQL is the haversine distance in miles from (lat, lat, lng) args.
const distanceSQL = `(2 * 3958.8 * asin(least(1, sqrt(
	power(sin(radians(latitude - ?) / 2), 2) +
	cos(radians(?)) * cos(radians(latitude)) * power(sin(radians(longitude - ?) / 2), 2)))))`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const upsertKeyed = `
	INSERT INTO postings (req_id, title, description, description_text, post_date, link,
		location, location_country, location_state, location_city, category, category_code,
		latitude, longitude, needs_review)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, FALSE)
	ON CONFLICT (req_id) DO UPDATE SET
		title            = EXCLUDED.title,
		description      = EXCLUDED.description,
		description_text = EXCLUDED.description_text,
		post_date        = EXCLUDED.post_date,
		link             = EXCLUDED.link,
		location         = EXCLUDED.location,
		location_country = EXCLUDED.location_country,
		location_state   = EXCLUDED.location_state,
		location_city    = EXCLUDED.location_city,
		category         = EXCLUDED.category,
		category_code    = EXCLUDED.category_code,
		latitude         = COALESCE(EXCLUDED.latitude, postings.latitude),
		longitude        = COALESCE(EXCLUDED.longitude, postings.longitude),
		needs_review     = FALSE,
		updated_at       = NOW(),
		deleted_at       = NULL
	RETURNING id, (xmax = 0) AS inserted`

const upsertUnkeyed = `
	INSERT INTO postings (req_id, title, description, description_text, post_date, link,
		location, location_country, location_state, location_city, category, category_code,
		latitude, longitude, needs_review)
	VALUES (NULL, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE)
	ON CONFLICT (link) WHERE req_id IS NULL DO UPDATE SET
		title            = EXCLUDED.title,
		description      = EXCLUDED.description,
		description_text = EXCLUDED.description_text,
		post_date        = EXCLUDED.post_date,
		location         = EXCLUDED.location,
		location_country = EXCLUDED.location_country,
		location_state   = EXCLUDED.location_state,
		location_city    = EXCLUDED.location_city,
		category         = EXCLUDED.category,
		category_code    = EXCLUDED.category_code,
		latitude         = COALESCE(EXCLUDED.latitude, postings.latitude),
		longitude        = COALESCE(EXCLUDED.longitude, postings.longitude),
		needs_review     = TRUE,
		updated_at       = NOW(),
		deleted_at       = NULL
	RETURNING id, (xmax = 0) AS inserted`

// Upsert inserts p or overwrites the existing row with the same requisition
// id (or, for unkeyed postings, the same link). A soft-deleted row is
// resurrected. Known coordinates survive a write that carries none.
func (s *PostgresStore) Upsert(ctx context.Context, p *model.Posting) (UpsertResult, error) {
	var lat, lng *float64
	if p.HasCoordinates() {
		lat, lng = p.Latitude, p.Longitude
	}

	var (
		res UpsertResult
		row pgx.Row
	)
	switch {
	case p.ReqID != nil:
		row = s.pool.QueryRow(ctx, upsertKeyed,
			*p.ReqID, p.Title, p.Description, p.DescriptionText, p.PostDate, p.Link,
			p.Location, p.LocationCountry, p.LocationState, p.LocationCity,
			p.Category, p.CategoryCode, lat, lng)
	case p.Link != "":
		row = s.pool.QueryRow(ctx, upsertUnkeyed,
			p.Title, p.Description, p.DescriptionText, p.PostDate, p.Link,
			p.Location, p.LocationCountry, p.LocationState, p.LocationCity,
			p.Category, p.CategoryCode, lat, lng)
	default:
		return res, ErrUnkeyed
	}

	if err := row.Scan(&res.ID, &res.Inserted); err != nil {
		return res, fmt.Errorf("store: upsert: %w", err)
	}
	return res, nil
}

// Reconcile soft-deletes every active keyed posting whose requisition id
// is not in seen, stamping deleted_at with asOf.
func (s *PostgresStore) Reconcile(ctx context.Context, seen []int64, asOf time.Time) (int64, error) {
	return s.reconcile(ctx, seen, asOf, nil)
}

// ReconcileCategories is Reconcile limited to postings in categoryCodes.
// An empty code list touches nothing.
func (s *PostgresStore) ReconcileCategories(ctx context.Context, seen []int64, asOf time.Time, categoryCodes []string) (int64, error) {
	if len(categoryCodes) == 0 {
		return 0, nil
	}
	return s.reconcile(ctx, seen, asOf, categoryCodes)
}

func (s *PostgresStore) reconcile(ctx context.Context, seen []int64, asOf time.Time, codes []string) (int64, error) {
	if seen == nil {
		// A nil slice binds as NULL and NOT (x = ANY(NULL)) matches nothing.
		seen = []int64{}
	}
	where := sq.And{
		sq.Expr("deleted_at IS NULL"),
		sq.Expr("req_id IS NOT NULL"),
		sq.Expr("NOT (req_id = ANY(?))", seen),
	}
	if codes != nil {
		where = append(where, sq.Expr("category_code = ANY(?)", codes))
	}

	query, args, err := psql.Update("postings").Set("deleted_at", asOf).Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: reconcile: build: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: reconcile: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Query returns one page of active postings matching q plus the total
// number of matches.
func (s *PostgresStore) Query(ctx context.Context, q model.PostingQuery) (model.PostingPage, error) {
	page := model.PostingPage{Items: []model.Posting{}}

	where := sq.And{sq.Expr("deleted_at IS NULL")}
	if q.Keywords != "" {
		pattern := "%" + escapeLike(q.Keywords) + "%"
		where = append(where, sq.Or{
			sq.Expr("title ILIKE ?", pattern),
			sq.Expr("description_text ILIKE ?", pattern),
		})
	}
	if q.Category != "" {
		where = append(where, sq.Eq{"category": q.Category})
	}
	if q.Location != "" {
		where = append(where, sq.Eq{"location": q.Location})
	}
	if q.Near != nil {
		where = append(where, sq.Expr("latitude IS NOT NULL AND longitude IS NOT NULL"))
		if q.RadiusMiles > 0 {
			where = append(where, sq.Expr(distanceSQL+" <= ?", q.Near.Lat, q.Near.Lat, q.Near.Lng, q.RadiusMiles))
		}
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("postings").Where(where).ToSql()
	if err != nil {
		return page, fmt.Errorf("store: query: build count: %w", err)
	}
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&page.TotalCount); err != nil {
		return page, fmt.Errorf("store: query: count: %w", err)
	}
	if page.TotalCount == 0 || q.PageSize <= 0 {
		return page, nil
	}

	sel := psql.Select(postingColumns).From("postings").Where(where)
	sel = orderBy(sel, q)
	sel = sel.Limit(uint64(q.PageSize)).Offset(uint64(q.Offset()))

	query, args, err := sel.ToSql()
	if err != nil {
		return page, fmt.Errorf("store: query: build: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return page, fmt.Errorf("store: query: scan: %w", err)
		}
		page.Items = append(page.Items, p)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("store: query: rows: %w", err)
	}
	return page, nil
}

func orderBy(sel sq.SelectBuilder, q model.PostingQuery) sq.SelectBuilder {
	switch q.Sort {
	case model.SortDateDesc:
		sel = sel.OrderBy("post_date DESC NULLS LAST")
	case model.SortTitleAsc:
		sel = sel.OrderBy("lower(title) ASC", "title ASC")
	case model.SortTitleDesc:
		sel = sel.OrderBy("lower(title) DESC", "title DESC")
	case model.SortLocationAsc:
		sel = sel.OrderBy("lower(location) ASC", "location ASC")
	case model.SortCategoryAsc:
		sel = sel.OrderBy("lower(category) ASC", "category ASC")
	case model.SortDistanceAsc:
		if q.Near != nil {
			sel = sel.OrderByClause(distanceSQL+" ASC", q.Near.Lat, q.Near.Lat, q.Near.Lng)
		} else {
			sel = sel.OrderBy("post_date ASC NULLS LAST")
		}
	default:
		sel = sel.OrderBy("post_date ASC NULLS LAST")
	}
	return sel.OrderBy("req_id ASC NULLS LAST", "id ASC")
}

// escapeLike neutralises LIKE metacharacters so keywords match literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// DistinctValues lists the ordered distinct non-empty values of column
// across active postings.
func (s *PostgresStore) DistinctValues(ctx context.Context, column string) ([]string, error) {
	if !validColumn(column) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, column)
	}
	query, args, err := psql.Select(column).Distinct().From("postings").
		Where(sq.And{sq.Expr("deleted_at IS NULL"), sq.NotEq{column: ""}}).
		OrderBy(column).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: distinct %s: build: %w", column, err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: distinct %s: %w", column, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("store: distinct %s: scan: %w", column, err)
	}
	return values, nil
}

// LocationAggregates returns one row per distinct active location with a
// posting count and the mean of the coordinates that are known.
func (s *PostgresStore) LocationAggregates(ctx context.Context) ([]model.LocationAggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT location, COUNT(*),
		       AVG(latitude)  FILTER (WHERE latitude IS NOT NULL AND longitude IS NOT NULL),
		       AVG(longitude) FILTER (WHERE latitude IS NOT NULL AND longitude IS NOT NULL)
		FROM postings
		WHERE deleted_at IS NULL AND location <> ''
		GROUP BY location
		ORDER BY location`)
	if err != nil {
		return nil, fmt.Errorf("store: location aggregates: %w", err)
	}
	defer rows.Close()

	aggs := make([]model.LocationAggregate, 0)
	for rows.Next() {
		var a model.LocationAggregate
		if err := rows.Scan(&a.Location, &a.Count, &a.Latitude, &a.Longitude); err != nil {
			return nil, fmt.Errorf("store: location aggregates: scan: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// GetByReqID returns the active posting with reqID or ErrNotFound.
func (s *PostgresStore) GetByReqID(ctx context.Context, reqID int64) (*model.Posting, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postingColumns+` FROM postings WHERE req_id = $1 AND deleted_at IS NULL`, reqID)
	p, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %d: %w", reqID, err)
	}
	return &p, nil
}

// MissingCoordinates returns up to limit active postings that have a
// location but no coordinates, oldest first.
func (s *PostgresStore) MissingCoordinates(ctx context.Context, limit int) ([]model.Posting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postingColumns+`
		FROM postings
		WHERE deleted_at IS NULL AND location <> ''
		  AND (latitude IS NULL OR longitude IS NULL)
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: missing coordinates: %w", err)
	}
	defer rows.Close()

	out := make([]model.Posting, 0)
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, fmt.Errorf("store: missing coordinates: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetCoordinates stores coords on the posting with the given row id.
func (s *PostgresStore) SetCoordinates(ctx context.Context, id int64, coords model.Coordinates) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE postings SET latitude = $2, longitude = $3, updated_at = NOW() WHERE id = $1`,
		id, coords.Lat, coords.Lng)
	if err != nil {
		return fmt.Errorf("store: set coordinates: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRun writes (or rewrites) the audit row of a sync run.
func (s *PostgresStore) RecordRun(ctx context.Context, run model.RunSummary) error {
	summary, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: record run: marshal: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_runs (run_id, started_at, finished_at, phase, summary, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			phase       = EXCLUDED.phase,
			summary     = EXCLUDED.summary,
			error       = EXCLUDED.error`,
		run.RunID, run.StartedAt, run.FinishedAt, run.Phase, string(summary), run.Error)
	if err != nil {
		return fmt.Errorf("store: record run: %w", err)
	}
	return nil
}

func scanPosting(row pgx.Row) (model.Posting, error) {
	var p model.Posting
	err := row.Scan(
		&p.ID, &p.ReqID, &p.Title, &p.Description, &p.DescriptionText, &p.PostDate, &p.Link,
		&p.Location, &p.LocationCountry, &p.LocationState, &p.LocationCity, &p.Category, &p.CategoryCode,
		&p.Latitude, &p.Longitude, &p.NeedsReview, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	)
	return p, err
}
