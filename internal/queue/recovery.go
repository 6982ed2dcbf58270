package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/pkg/distlock"
	"github.com/parcelpost/relay/internal/pkg/logger"
)

// StaleClaimAge is how long a claim may sit in a processing set before a
// recovery sweep treats its worker as dead and requeues the job.
const StaleClaimAge = 5 * time.Minute

// Moves stale claims back to the ready set, keeping the envelope's priority
// dominant in the ready score.
var recoverScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, payload in ipairs(stale) do
    local score = tonumber(ARGV[2])
    local ok, env = pcall(cjson.decode, payload)
    if ok and type(env) == "table" then
        score = (tonumber(env["priority"]) or 0) * 1e12 + score
    end
    redis.call("ZADD", KEYS[2], score, payload)
end
if #stale > 0 then
    redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
end
return #stale
`)

// Sweeper runs the cross-queue maintenance passes: requeueing claims from
// dead workers and trimming finished-job retention sets. Sweeps take a
// distributed lock so only one process runs them at a time.
type Sweeper struct {
	redis *redis.Client
	lock  *distlock.Lock
	now   func() time.Time
}

func NewSweeper(rdb *redis.Client) *Sweeper {
	return &Sweeper{
		redis: rdb,
		lock:  distlock.New(rdb, "queue-sweep", 2*time.Minute),
		now:   time.Now,
	}
}

// Run executes both maintenance passes if the sweep lock is available.
func (s *Sweeper) Run(ctx context.Context) error {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !acquired {
		logger.Debug("sweep already running elsewhere")
		return nil
	}
	defer s.lock.Release(ctx)

	if err := s.RecoverStale(ctx); err != nil {
		return err
	}
	return s.Cleanup(ctx)
}

// RecoverStale requeues jobs whose claims outlived StaleClaimAge.
func (s *Sweeper) RecoverStale(ctx context.Context) error {
	return s.eachQueue(ctx, func(ctx context.Context, class domain.JobClass, tenantID string, keys queueKeys) error {
		cutoff := s.now().Add(-StaleClaimAge).Unix()
		n, err := recoverScript.Run(ctx, s.redis,
			[]string{keys.processing, keys.ready},
			cutoff, float64(s.now().Unix()),
		).Int()
		if err != nil {
			return fmt.Errorf("recover %s/%s: %w", class, tenantID, err)
		}
		if n > 0 {
			logger.Warn("requeued stale claims", "class", string(class), "tenant", tenantID, "count", n)
		}
		return nil
	})
}

// Cleanup trims completed and failed sets past their retention windows.
// Running it twice in a row is harmless.
func (s *Sweeper) Cleanup(ctx context.Context) error {
	return s.eachQueue(ctx, s.cleanupQueue)
}

// CleanupTenant trims retention sets for every job class one tenant has,
// regardless of whether a live queue exists for the pair. Absent queues are
// no-ops.
func (s *Sweeper) CleanupTenant(ctx context.Context, tenantID string) error {
	for _, class := range allClasses {
		if err := s.cleanupQueue(ctx, class, tenantID, keysFor(class, tenantID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) cleanupQueue(ctx context.Context, class domain.JobClass, tenantID string, keys queueKeys) error {
	policy := PolicyFor(class)
	now := s.now()

	completedCutoff := fmt.Sprintf("%d", now.Add(-policy.CompletedRetention).Unix())
	failedCutoff := fmt.Sprintf("%d", now.Add(-policy.FailedRetention).Unix())

	pipe := s.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, keys.completed, "-inf", completedCutoff)
	pipe.ZRemRangeByScore(ctx, keys.failed, "-inf", failedCutoff)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cleanup %s/%s: %w", class, tenantID, err)
	}
	return nil
}

func (s *Sweeper) eachQueue(ctx context.Context, fn func(ctx context.Context, class domain.JobClass, tenantID string, keys queueKeys) error) error {
	members, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}

	for _, member := range members {
		class, tenantID, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		if err := fn(ctx, domain.JobClass(class), tenantID, keysFor(domain.JobClass(class), tenantID)); err != nil {
			return err
		}
	}
	return nil
}
