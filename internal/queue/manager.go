package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/pkg/logger"
)

// indexKey tracks every (class, tenant) queue ever created, so cleanup and
// recovery sweeps can find queues from previous process lifetimes.
const indexKey = "relay:queue:index"

// DefaultPollInterval is how often idle workers re-check the ready set.
const DefaultPollInterval = 250 * time.Millisecond

// Manager owns the per-tenant queue registry. Queues are created lazily on
// first enqueue for a (tenant, class) pair; creation is idempotent, so
// concurrent first enqueues converge on one queue instance.
type Manager struct {
	redis        *redis.Client
	pollInterval time.Duration

	wg sync.WaitGroup

	mu         sync.Mutex
	queues     map[string]*TenantQueue
	processors map[domain.JobClass]ProcessorFunc
	onTerminal TerminalFunc
	started    bool
	runCtx     context.Context
	cancel     context.CancelFunc
}

func NewManager(rdb *redis.Client) *Manager {
	return &Manager{
		redis:        rdb,
		pollInterval: DefaultPollInterval,
		queues:       make(map[string]*TenantQueue),
		processors:   make(map[domain.JobClass]ProcessorFunc),
	}
}

// SetPollInterval overrides the worker poll interval. Call before Start.
func (m *Manager) SetPollInterval(d time.Duration) {
	m.pollInterval = d
}

// RegisterProcessor binds a job class to its handler. Each class takes
// exactly one processor; a second registration is a programming error.
func (m *Manager) RegisterProcessor(class domain.JobClass, fn ProcessorFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processors[class]; exists {
		return fmt.Errorf("processor already registered for class %s", class)
	}
	m.processors[class] = fn
	return nil
}

// SetTerminalHandler installs the callback for jobs that fail terminally.
func (m *Manager) SetTerminalHandler(fn TerminalFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = fn
}

// Start begins processing on all known queues and watches the shared queue
// index, so queues created by another process (the API submits, a worker
// claims) get live workers here too. Queues created after Start begin
// processing immediately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.runCtx, m.cancel = context.WithCancel(ctx)

	for _, q := range m.queues {
		q.Start(m.runCtx)
	}
	m.mu.Unlock()

	m.discover(m.runCtx)
	m.wg.Add(1)
	go m.discoverLoop(m.runCtx)

	m.mu.Lock()
	known := len(m.queues)
	m.mu.Unlock()
	logger.Info("queue manager started", "queues", known)
}

// discover registers a queue for every (class, tenant) pair in the shared
// index. Pairs already registered in this process are no-ops.
func (m *Manager) discover(ctx context.Context) {
	members, err := m.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("discover queues", "error", err.Error())
		}
		return
	}

	for _, member := range members {
		class, tenantID, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		if _, err := m.getOrCreate(domain.JobClass(class), tenantID); err != nil {
			logger.Error("register discovered queue", "queue", member, "error", err.Error())
		}
	}
}

func (m *Manager) discoverLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.discover(ctx)
		}
	}
}

// Stop halts every queue and waits for in-flight jobs.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	queues := make([]*TenantQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, q := range queues {
		q.Stop()
	}
	logger.Info("queue manager stopped")
}

// Enqueue places a payload on the tenant's queue for the given class,
// creating the queue if this is the pair's first job. Returns the job id.
func (m *Manager) Enqueue(ctx context.Context, class domain.JobClass, tenantID string, jobID string, priority int, payload []byte) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}

	env := &Envelope{
		ID:         jobID,
		TenantID:   tenantID,
		Class:      class,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
	encoded, err := env.encode()
	if err != nil {
		return "", err
	}

	q, err := m.getOrCreate(class, tenantID)
	if err != nil {
		return "", err
	}

	pipe := m.redis.TxPipeline()
	pipe.ZAdd(ctx, q.keys.ready, redis.Z{Score: env.score(), Member: encoded})
	pipe.SAdd(ctx, indexKey, indexMember(class, tenantID))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	logger.Debug("job enqueued", "job", jobID, "class", string(class), "tenant", tenantID, "priority", priority)
	return jobID, nil
}

// getOrCreate is the idempotent create-if-absent point: a race between two
// first enqueues resolves to a single queue under the lock.
func (m *Manager) getOrCreate(class domain.JobClass, tenantID string) (*TenantQueue, error) {
	key := indexMember(class, tenantID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[key]; ok {
		return q, nil
	}

	// A queue without a registered processor is enqueue-only: the API
	// process submits, the worker process claims.
	q := newTenantQueue(m.redis, class, tenantID, m.processors[class], m.onTerminal, m.pollInterval)
	m.queues[key] = q
	if m.started {
		q.Start(m.runCtx)
	}
	return q, nil
}

// Queue returns the live queue for a pair, if one exists in this process.
func (m *Manager) Queue(class domain.JobClass, tenantID string) (*TenantQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[indexMember(class, tenantID)]
	return q, ok
}

// Pause stops job claims for one tenant's queue of the given class. Jobs
// already claimed finish normally; ready jobs stay queued.
func (m *Manager) Pause(ctx context.Context, class domain.JobClass, tenantID string) error {
	keys := keysFor(class, tenantID)
	if err := m.redis.Set(ctx, keys.paused, "1", 0).Err(); err != nil {
		return fmt.Errorf("pause %s/%s: %w", class, tenantID, err)
	}
	logger.Info("queue paused", "class", string(class), "tenant", tenantID)
	return nil
}

// Resume lifts a pause. Resuming a queue that is not paused is a no-op.
func (m *Manager) Resume(ctx context.Context, class domain.JobClass, tenantID string) error {
	keys := keysFor(class, tenantID)
	if err := m.redis.Del(ctx, keys.paused).Err(); err != nil {
		return fmt.Errorf("resume %s/%s: %w", class, tenantID, err)
	}
	logger.Info("queue resumed", "class", string(class), "tenant", tenantID)
	return nil
}

// allClasses enumerates every job class for tenant-wide operations.
var allClasses = []domain.JobClass{
	domain.JobClassEmail,
	domain.JobClassWebhook,
	domain.JobClassAnalytics,
}

// PauseTenant pauses every job class for the tenant. Classes with no queue
// yet are still marked, so a queue created later starts paused.
func (m *Manager) PauseTenant(ctx context.Context, tenantID string) error {
	for _, class := range allClasses {
		if err := m.Pause(ctx, class, tenantID); err != nil {
			return err
		}
	}
	return nil
}

// ResumeTenant lifts the pause on every job class for the tenant.
func (m *Manager) ResumeTenant(ctx context.Context, tenantID string) error {
	for _, class := range allClasses {
		if err := m.Resume(ctx, class, tenantID); err != nil {
			return err
		}
	}
	return nil
}

// Depths reports the queue's current set sizes, for the operational API.
func (m *Manager) Depths(ctx context.Context, class domain.JobClass, tenantID string) (map[string]int64, error) {
	keys := keysFor(class, tenantID)

	pipe := m.redis.Pipeline()
	ready := pipe.ZCard(ctx, keys.ready)
	processing := pipe.ZCard(ctx, keys.processing)
	delayed := pipe.ZCard(ctx, keys.delayed)
	failed := pipe.ZCard(ctx, keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depths for %s/%s: %w", class, tenantID, err)
	}

	return map[string]int64{
		"ready":      ready.Val(),
		"processing": processing.Val(),
		"delayed":    delayed.Val(),
		"failed":     failed.Val(),
	}, nil
}

func indexMember(class domain.JobClass, tenantID string) string {
	return string(class) + ":" + tenantID
}
