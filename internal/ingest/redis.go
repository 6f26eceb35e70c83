package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"careers/jobboard/internal/model"
)

const (
	lockKey   = "jobboard:sync:lock"
	statusKey = "jobboard:sync:status"

	// EventSyncCompleted is the Redis channel a summary is published on
	// after every run.
	EventSyncCompleted = "EVENT_SYNC_COMPLETED"
)

// releaseScript deletes the lock only if it still holds our token, so a
// run that outlived its TTL cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a SET NX lock with a TTL.
type RedisLocker struct {
	rdb redis.Cmdable
	ttl time.Duration
	log logrus.FieldLogger
}

// NewRedisLocker returns a locker whose lock expires after ttl.
func NewRedisLocker(rdb redis.Cmdable, ttl time.Duration, log logrus.FieldLogger) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, log: log}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis SETNX %s: %w", lockKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{lockKey}, token).Err(); err != nil {
			l.log.WithError(err).Warn("[sync] release run lock failed")
		}
	}
	return unlock, true, nil
}

// RedisStatus keeps the latest run summary in Redis and publishes each
// summary on EventSyncCompleted.
type RedisStatus struct {
	rdb redis.Cmdable
}

// NewRedisStatus returns a status store on rdb.
func NewRedisStatus(rdb redis.Cmdable) *RedisStatus {
	return &RedisStatus{rdb: rdb}
}

type syncEvent struct {
	Type    string           `json:"type"`
	RunID   string           `json:"runId"`
	Phase   string           `json:"phase"`
	Summary model.RunSummary `json:"summary"`
}

// Report implements Reporter. The status write and the publish are
// independent; both are attempted and their errors aggregated.
func (s *RedisStatus) Report(ctx context.Context, run model.RunSummary) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	var result *multierror.Error
	if err := s.rdb.Set(ctx, statusKey, raw, 0).Err(); err != nil {
		result = multierror.Append(result, fmt.Errorf("redis SET %s: %w", statusKey, err))
	}

	event, err := json.Marshal(syncEvent{
		Type:    EventSyncCompleted,
		RunID:   run.RunID,
		Phase:   run.Phase,
		Summary: run,
	})
	if err != nil {
		return multierror.Append(result, err).ErrorOrNil()
	}
	if err := s.rdb.Publish(ctx, EventSyncCompleted, event).Err(); err != nil {
		result = multierror.Append(result, fmt.Errorf("publish %s: %w", EventSyncCompleted, err))
	}
	return result.ErrorOrNil()
}

// LatestRun returns the last reported summary, or nil if none exists.
func (s *RedisStatus) LatestRun(ctx context.Context) (*model.RunSummary, error) {
	raw, err := s.rdb.Get(ctx, statusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", statusKey, err)
	}
	var run model.RunSummary
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run status: %w", err)
	}
	return &run, nil
}
