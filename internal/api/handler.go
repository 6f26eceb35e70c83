// Package api exposes the job board over HTTP/JSON using a chi router.
// Handlers are thin: they parse query parameters, call the search service or
// the sync orchestrator, and render JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"careers/jobboard/internal/ingest"
	"careers/jobboard/internal/model"
	"careers/jobboard/internal/search"
)

// Searcher is the read side served by the postings routes.
type Searcher interface {
	Search(ctx context.Context, f model.SearchFilter) model.SearchResult
	Facets(ctx context.Context) (model.Facets, error)
	MapAggregates(ctx context.Context) ([]model.LocationAggregate, error)
	Posting(ctx context.Context, reqID int64) (*model.Posting, error)
}

// Syncer triggers and reports on sync runs.
type Syncer interface {
	Start(ctx context.Context) error
	Running() bool
	LatestRun(ctx context.Context) (*model.RunSummary, error)
}

// HealthChecker answers grpc.health.v1 queries in-process.
type HealthChecker interface {
	Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error)
}

// Handler holds the HTTP dependencies.
type Handler struct {
	search  Searcher
	sync    Syncer
	health  HealthChecker
	checks  []string
	version string
	log     logrus.FieldLogger
}

// NewHandler creates a Handler. checks lists the health service names
// reported by GET /health.
func NewHandler(s Searcher, sy Syncer, h HealthChecker, checks []string, version string, log logrus.FieldLogger) *Handler {
	return &Handler{
		search:  s,
		sync:    sy,
		health:  h,
		checks:  checks,
		version: version,
		log:     log.WithField("component", "http"),
	}
}

// Routes returns the router with every endpoint mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.getHealth)
	r.Get("/postings", h.listPostings)
	r.Get("/postings/{reqId}", h.getPosting)
	r.Get("/facets", h.getFacets)
	r.Get("/map", h.getMap)
	r.Post("/sync", h.triggerSync)
	r.Get("/sync/status", h.syncStatus)
	return r
}

// ── Handlers ──────────────────────────────────────────────────────────────

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	checks := make(map[string]json.RawMessage, len(h.checks))
	for _, svc := range h.checks {
		resp, err := h.health.Check(r.Context(), svc)
		if err != nil {
			resp = &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN}
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			code = http.StatusServiceUnavailable
		}
		raw, err := protojson.Marshal(resp)
		if err != nil {
			jsonError(w, "health encoding failed", http.StatusInternalServerError)
			return
		}
		name := svc
		if name == "" {
			name = "server"
		}
		checks[name] = raw
	}
	writeJSON(w, code, map[string]any{
		"service": "jobboard",
		"version": h.version,
		"checks":  checks,
	})
}

// listPostings handles GET /postings. Malformed parameters never fail the
// request; the search service normalizes them away.
func (h *Handler) listPostings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("spage"))
	res := h.search.Search(r.Context(), model.SearchFilter{
		Keywords:  q.Get("keywords"),
		Zip:       q.Get("zip"),
		Category:  q.Get("category"),
		Location:  q.Get("location"),
		SortOrder: q.Get("o"),
		Page:      page,
	})
	if res.Error != "" {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	jsonOK(w, res)
}

func (h *Handler) getPosting(w http.ResponseWriter, r *http.Request) {
	reqID, err := strconv.ParseInt(chi.URLParam(r, "reqId"), 10, 64)
	if err != nil || reqID <= 0 {
		jsonError(w, "posting not found", http.StatusNotFound)
		return
	}
	p, err := h.search.Posting(r.Context(), reqID)
	if errors.Is(err, search.ErrNotFound) {
		jsonError(w, "posting not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("req_id", reqID).Error("[http] posting lookup failed")
		jsonError(w, search.UnavailableMessage, http.StatusServiceUnavailable)
		return
	}
	jsonOK(w, p)
}

func (h *Handler) getFacets(w http.ResponseWriter, r *http.Request) {
	f, err := h.search.Facets(r.Context())
	if err != nil {
		h.log.WithError(err).Error("[http] facets failed")
		jsonError(w, search.UnavailableMessage, http.StatusServiceUnavailable)
		return
	}
	jsonOK(w, f)
}

func (h *Handler) getMap(w http.ResponseWriter, r *http.Request) {
	aggs, err := h.search.MapAggregates(r.Context())
	if err != nil {
		h.log.WithError(err).Error("[http] map aggregates failed")
		jsonError(w, search.UnavailableMessage, http.StatusServiceUnavailable)
		return
	}
	if aggs == nil {
		aggs = []model.LocationAggregate{}
	}
	jsonOK(w, aggs)
}

// triggerSync starts a run in the background. The run must outlive the
// request, so it gets a context that is never cancelled by the client.
func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	err := h.sync.Start(context.WithoutCancel(r.Context()))
	if errors.Is(err, ingest.ErrRunInProgress) {
		jsonError(w, "sync already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		h.log.WithError(err).Error("[http] sync trigger failed")
		jsonError(w, "could not start sync", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	last, err := h.sync.LatestRun(r.Context())
	if err != nil {
		h.log.WithError(err).Warn("[http] latest run lookup failed")
	}
	jsonOK(w, map[string]any{
		"running": h.sync.Running(),
		"last":    last,
	})
}

// ── Middleware ────────────────────────────────────────────────────────────

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("[http] request")
	})
}

// ── JSON helpers ──────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
