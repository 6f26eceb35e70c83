package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careers/jobboard/internal/enrich"
	"careers/jobboard/internal/ingest"
	"careers/jobboard/internal/logging"
	"careers/jobboard/internal/model"
	"careers/jobboard/internal/scheduler"
)

type countingSyncer struct {
	calls atomic.Int32
	err   error
	ran   chan struct{}
}

func (c *countingSyncer) Run(context.Context) (*model.RunSummary, error) {
	c.calls.Add(1)
	defer func() { c.ran <- struct{}{} }()
	if c.err != nil {
		return nil, c.err
	}
	return &model.RunSummary{RunID: "r1", Phase: string(ingest.PhaseDone)}, nil
}

type noopBackfiller struct{}

func (noopBackfiller) Run(context.Context) (enrich.Result, error) { return enrich.Result{}, nil }

func TestStart_RunsImmediately(t *testing.T) {
	for _, err := range []error{nil, ingest.ErrRunInProgress, ingest.ErrAllCategoriesFailed} {
		syncer := &countingSyncer{err: err, ran: make(chan struct{}, 1)}
		s := scheduler.New(syncer, 6, noopBackfiller{}, 15, logging.Discard())
		require.NoError(t, s.Start(context.Background()))

		select {
		case <-syncer.ran:
		case <-time.After(5 * time.Second):
			t.Fatal("initial sync did not run")
		}
		assert.EqualValues(t, 1, syncer.calls.Load())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Stop(ctx)
		cancel()
	}
}

func TestStart_CancelledContextSkipsRun(t *testing.T) {
	syncer := &countingSyncer{ran: make(chan struct{}, 1)}
	s := scheduler.New(syncer, 1, nil, 1, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, syncer.calls.Load())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}
