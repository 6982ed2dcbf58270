package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/pkg/logger"
)

// ProcessorFunc handles one claimed job. A nil return completes the job; an
// error either schedules a retry or fails the job terminally depending on
// the error's class and the attempts already spent.
type ProcessorFunc func(ctx context.Context, env *Envelope) error

// TerminalFunc observes a job's terminal failure after the queue has given
// up on it.
type TerminalFunc func(ctx context.Context, env *Envelope, err error)

// Atomically pops the highest-priority ready job and records the claim,
// unless the queue is paused. Two workers can never claim the same job. The
// attempt count is incremented inside the stored payload before the claim is
// recorded, so a worker crash cannot reset it. Members that do not decode
// are claimed as-is and left for the worker to park.
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
    return ""
end
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
    return ""
end
local ok, env = pcall(cjson.decode, popped[1])
if not ok or type(env) ~= "table" then
    redis.call("ZADD", KEYS[2], ARGV[1], popped[1])
    return popped[1]
end
env["attempts"] = (tonumber(env["attempts"]) or 0) + 1
local claimed = cjson.encode(env)
redis.call("ZADD", KEYS[2], ARGV[1], claimed)
return claimed
`)

// Moves every due delayed job back to the ready set. The ready score keeps
// the envelope's priority dominant, with promotion time as the tie-break, so
// a promoted retry cannot jump ahead of higher-priority queued work.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, payload in ipairs(due) do
    local score = tonumber(ARGV[2])
    local ok, env = pcall(cjson.decode, payload)
    if ok and type(env) == "table" then
        score = (tonumber(env["priority"]) or 0) * 1e12 + score
    end
    redis.call("ZADD", KEYS[2], score, payload)
end
if #due > 0 then
    redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
end
return #due
`)

// TenantQueue runs one (tenant, job class) queue: a fixed-size worker pool
// polling Redis for ready jobs.
type TenantQueue struct {
	class    domain.JobClass
	tenantID string
	policy   Policy
	keys     queueKeys

	redis      *redis.Client
	process    ProcessorFunc
	onTerminal TerminalFunc

	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newTenantQueue(rdb *redis.Client, class domain.JobClass, tenantID string, process ProcessorFunc, onTerminal TerminalFunc, pollInterval time.Duration) *TenantQueue {
	return &TenantQueue{
		class:        class,
		tenantID:     tenantID,
		policy:       PolicyFor(class),
		keys:         keysFor(class, tenantID),
		redis:        rdb,
		process:      process,
		onTerminal:   onTerminal,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Start launches the queue's worker pool. Starting a running queue, or one
// with no processor bound, is a no-op.
func (q *TenantQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.process == nil {
		return
	}
	q.running = true

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.policy.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
	q.wg.Add(1)
	go q.promoteLoop(runCtx)

	logger.Info("queue started",
		"class", string(q.class), "tenant", q.tenantID,
		"concurrency", q.policy.Concurrency)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (q *TenantQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *TenantQueue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := q.claim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("claim failed", "class", string(q.class), "tenant", q.tenantID, "error", err.Error())
			q.sleep(ctx)
			continue
		}
		if raw == "" {
			q.sleep(ctx)
			continue
		}

		q.handle(ctx, raw)
	}
}

func (q *TenantQueue) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.pollInterval):
	}
}

func (q *TenantQueue) claim(ctx context.Context) (string, error) {
	return claimScript.Run(ctx, q.redis,
		[]string{q.keys.ready, q.keys.processing, q.keys.paused},
		q.now().Unix(),
	).Text()
}

func (q *TenantQueue) handle(ctx context.Context, raw string) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		// An undecodable entry can never succeed; drop the claim and
		// park it in the failed set.
		logger.Error("dropping malformed job", "class", string(q.class), "tenant", q.tenantID, "error", err.Error())
		q.redis.ZRem(ctx, q.keys.processing, raw)
		q.redis.ZAdd(ctx, q.keys.failed, redis.Z{Score: float64(q.now().Unix()), Member: raw})
		return
	}

	// Attempts was already incremented by the claim script, inside the
	// payload the processing set holds.
	procErr := q.process(ctx, env)

	q.redis.ZRem(ctx, q.keys.processing, raw)

	if procErr == nil {
		q.finish(ctx, env, q.keys.completed)
		return
	}

	if domain.IsRetryable(procErr) && env.Attempts < q.policy.MaxAttempts {
		q.scheduleRetry(ctx, env, procErr)
		return
	}

	env.LastError = procErr.Error()
	q.finish(ctx, env, q.keys.failed)
	if q.onTerminal != nil {
		q.onTerminal(ctx, env, procErr)
	}
}

func (q *TenantQueue) scheduleRetry(ctx context.Context, env *Envelope, cause error) {
	env.LastError = cause.Error()
	encoded, err := env.encode()
	if err != nil {
		logger.Error("encode retry", "job", env.ID, "error", err.Error())
		return
	}

	delay := q.policy.Backoff(env.Attempts)
	readyAt := q.now().Add(delay)
	if err := q.redis.ZAdd(ctx, q.keys.delayed, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: encoded,
	}).Err(); err != nil {
		logger.Error("schedule retry", "job", env.ID, "error", err.Error())
		return
	}

	logger.Info("job retry scheduled",
		"job", env.ID, "class", string(q.class), "tenant", q.tenantID,
		"attempt", env.Attempts, "delay", delay.String())
}

func (q *TenantQueue) finish(ctx context.Context, env *Envelope, key string) {
	encoded, err := env.encode()
	if err != nil {
		logger.Error("encode finished job", "job", env.ID, "error", err.Error())
		return
	}
	if err := q.redis.ZAdd(ctx, key, redis.Z{
		Score:  float64(q.now().Unix()),
		Member: encoded,
	}).Err(); err != nil {
		logger.Error("record finished job", "job", env.ID, "error", err.Error())
	}
}

// promoteLoop moves due delayed jobs back to the ready set.
func (q *TenantQueue) promoteLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := q.now()
			if err := promoteScript.Run(ctx, q.redis,
				[]string{q.keys.delayed, q.keys.ready},
				now.Unix(), float64(now.Unix()),
			).Err(); err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
				logger.Error("promote delayed jobs", "class", string(q.class), "tenant", q.tenantID, "error", err.Error())
			}
		}
	}
}
