// jobboard: job-feed sync and search service
//
// Periodically pulls the recruiting system's per-category RSS feeds,
// geocodes posting locations, upserts postings by requisition id and
// soft-deletes the ones no longer listed. Serves search, facets, map
// markers and sync controls over HTTP, and gRPC health on the same port.
//
// Flags:
//
//	-config  path to the YAML config (default configs/config.yaml)
//	-once    run a single sync and exit
//	-memory  use the in-memory store; no Postgres or Redis needed
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"careers/jobboard/internal/api"
	"careers/jobboard/internal/config"
	"careers/jobboard/internal/db"
	"careers/jobboard/internal/enrich"
	"careers/jobboard/internal/feed"
	"careers/jobboard/internal/geocode"
	"careers/jobboard/internal/grpcserver"
	"careers/jobboard/internal/ingest"
	"careers/jobboard/internal/logging"
	"careers/jobboard/internal/model"
	"careers/jobboard/internal/scheduler"
	"careers/jobboard/internal/search"
	"careers/jobboard/internal/server"
	"careers/jobboard/internal/store"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	once := flag.Bool("once", false, "run a single sync and exit")
	memory := flag.Bool("memory", false, "use the in-memory store instead of Postgres and Redis")
	flag.Parse()

	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[jobboard] Config error: %v\n", err)
		os.Exit(1)
	}
	if !*memory {
		if err := cfg.RequireConnections(); err != nil {
			fmt.Fprintf(os.Stderr, "[jobboard] Config error: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[jobboard] Logger error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log, *once, *memory); err != nil {
		log.WithError(err).Error("[jobboard] Exiting with error")
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, once, memory bool) error {
	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		st  store.Store
		rdb *redis.Client
	)
	if memory {
		log.Warn("[jobboard] Memory mode: postings are lost on exit")
		st = store.NewMemoryStore()
	} else {
		log.Info("[jobboard] Connecting to PostgreSQL…")
		pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		log.Info("[jobboard] PostgreSQL connected ✓")
		st = store.NewPostgresStore(pool)

		log.Info("[jobboard] Connecting to Redis…")
		rdb, err = db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		log.Info("[jobboard] Redis connected ✓")
	}

	// ── Components ───────────────────────────────────────────────────────────
	geoOpts := geocode.Options{
		BaseURL:       cfg.Geocoder.BaseURL,
		APIKey:        cfg.Geocoder.APIKey,
		Timeout:       cfg.Geocoder.Timeout,
		RatePerSecond: cfg.Geocoder.RatePerSecond,
		Logger:        log,
	}
	if rdb != nil && cfg.Geocoder.CacheTTL > 0 {
		geoOpts.Cache = geocode.NewRedisCache(rdb, cfg.Geocoder.CacheTTL)
	}
	geocoder := geocode.NewClient(geoOpts)
	fetcher := feed.NewFetcher(cfg.Feed.URLTemplate, cfg.Feed.SystemID, cfg.Feed.Timeout)
	grpcSrv := grpcserver.New(log)

	searchOpts := search.Options{
		PageSize:       cfg.Search.PageSize,
		ZipRadiusMiles: cfg.Search.ZipRadiusMiles,
		Geocoder:       geocoder,
		Logger:         log,
	}
	ingestOpts := []ingest.Option{
		ingest.WithLogger(log),
		ingest.WithReporter(grpcSrv),
	}
	var status *ingest.RedisStatus
	if rdb != nil {
		status = ingest.NewRedisStatus(rdb)
		ingestOpts = append(ingestOpts,
			ingest.WithLocker(ingest.NewRedisLocker(rdb, cfg.Sync.LockTTL, log)),
			ingest.WithReporter(status),
		)
		if cfg.Search.FacetCacheTTL > 0 {
			facets := search.NewRedisFacetCache(rdb, cfg.Search.FacetCacheTTL)
			searchOpts.Cache = facets
			ingestOpts = append(ingestOpts, ingest.WithInvalidator(facets))
		}
	}

	orch := ingest.New(ingest.Config{
		Categories:     cfg.Categories,
		Concurrency:    cfg.Sync.Concurrency,
		GeocodeMode:    cfg.Sync.GeocodeMode,
		ReconcileScope: cfg.Sync.ReconcileScope,
		RunTimeout:     cfg.Sync.RunTimeout,
	}, fetcher, geocoder, st, ingestOpts...)

	if once {
		return runOnce(ctx, orch, log)
	}

	// ── Scheduler ────────────────────────────────────────────────────────────
	var backfiller scheduler.Backfiller
	if cfg.Sync.GeocodeMode == config.GeocodeDeferred {
		backfiller = enrich.NewBackfiller(st, geocoder, cfg.Enrich.BatchSize, log)
	}
	sched := scheduler.New(orch, cfg.Sync.IntervalHours, backfiller, cfg.Enrich.IntervalMinutes, log)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// ── HTTP + gRPC ──────────────────────────────────────────────────────────
	handler := api.NewHandler(
		search.NewService(st, searchOpts),
		syncControl{Orchestrator: orch, status: status},
		grpcSrv,
		[]string{"", grpcserver.SyncService},
		version,
		log,
	)
	mux := server.NewMultiplexer(handler.Routes(), grpcSrv, server.Options{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, log)
	if err := mux.Start(":" + cfg.Server.Port); err != nil {
		return err
	}
	log.Infof("[jobboard] v%s listening on :%s", version, cfg.Server.Port)

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("[jobboard] Shutting down…")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := mux.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("[jobboard] Shutdown error")
	}
	sched.Stop(shutdownCtx)
	log.Info("[jobboard] Stopped.")
	return nil
}

func runOnce(ctx context.Context, orch *ingest.Orchestrator, log logrus.FieldLogger) error {
	summary, err := orch.Run(ctx)
	if summary != nil {
		log.WithFields(logrus.Fields{
			"run_id":       summary.RunID,
			"phase":        summary.Phase,
			"items_seen":   summary.ItemsSeen,
			"inserted":     summary.Inserted,
			"updated":      summary.Updated,
			"soft_deleted": summary.SoftDeleted,
		}).Info("[jobboard] Sync finished")
	}
	return err
}

// syncControl serves the latest run from Redis when available so every
// replica reports the same status; it falls back to this process's view.
type syncControl struct {
	*ingest.Orchestrator
	status *ingest.RedisStatus
}

func (s syncControl) LatestRun(ctx context.Context) (*model.RunSummary, error) {
	if s.status != nil {
		run, err := s.status.LatestRun(ctx)
		if err == nil && run != nil {
			return run, nil
		}
	}
	return s.Orchestrator.LatestRun(ctx)
}
