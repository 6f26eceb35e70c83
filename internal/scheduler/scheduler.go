// Package scheduler wires up the cron jobs that periodically sync the job
// feed and backfill missing coordinates.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"careers/jobboard/internal/enrich"
	"careers/jobboard/internal/ingest"
	"careers/jobboard/internal/model"
)

// Syncer runs one feed sync to completion.
type Syncer interface {
	Run(ctx context.Context) (*model.RunSummary, error)
}

// Backfiller geocodes one batch of postings stored without coordinates.
type Backfiller interface {
	Run(ctx context.Context) (enrich.Result, error)
}

// Scheduler wraps robfig/cron and owns the sync and backfill loops.
type Scheduler struct {
	cron       *cron.Cron
	syncer     Syncer
	backfiller Backfiller
	syncSpec   string // e.g. "@every 6h"
	enrichSpec string
	log        logrus.FieldLogger
}

// New creates a Scheduler that syncs every intervalHours hours. A nil
// backfiller disables the enrichment job.
func New(syncer Syncer, intervalHours int, backfiller Backfiller, enrichMinutes int, log logrus.FieldLogger) *Scheduler {
	log = log.WithField("component", "scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cron.PrintfLogger(log)),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
		),
		syncer:     syncer,
		backfiller: backfiller,
		syncSpec:   fmt.Sprintf("@every %dh", intervalHours),
		enrichSpec: fmt.Sprintf("@every %dm", enrichMinutes),
		log:        log,
	}
}

// Start registers the jobs and starts the scheduler. Also runs one sync
// immediately so the board is populated without waiting for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.syncSpec, func() { s.runSync(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc sync: %w", err)
	}
	if s.backfiller != nil {
		if _, err := s.cron.AddFunc(s.enrichSpec, func() { s.runBackfill(ctx) }); err != nil {
			return fmt.Errorf("cron.AddFunc backfill: %w", err)
		}
	}

	s.cron.Start()
	s.log.Infof("[scheduler] Cron started, sync: %s", s.syncSpec)

	go s.runSync(ctx)
	return nil
}

// Stop halts the scheduler and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("[scheduler] Jobs still running at shutdown")
	}
	s.log.Info("[scheduler] Cron stopped")
}

func (s *Scheduler) runSync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.log.Info("[scheduler] Sync cycle started")

	run, err := s.syncer.Run(ctx)
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		s.log.Info("[scheduler] Sync already in progress, skipping tick")
		return
	case err != nil:
		s.log.WithError(err).Error("[scheduler] Sync cycle failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"run_id":       run.RunID,
		"inserted":     run.Inserted,
		"updated":      run.Updated,
		"soft_deleted": run.SoftDeleted,
	}).Info("[scheduler] Sync cycle complete")
}

func (s *Scheduler) runBackfill(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.backfiller.Run(ctx)
	if err != nil {
		s.log.WithError(err).Error("[scheduler] Backfill failed")
		return
	}
	if res.Scanned > 0 {
		s.log.WithFields(logrus.Fields{
			"scanned":  res.Scanned,
			"resolved": res.Resolved,
			"misses":   res.Misses,
			"failures": res.Failures,
		}).Info("[scheduler] Backfill batch complete")
	}
}
