// Package dispatcher runs the single-leader job-processing loop (spec
// §4.4): every replica heartbeats the leader lease; only the holder
// claims pending jobs and hands them to type-specific handlers on a
// bounded worker pool.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/constants"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/events"
	"github.com/wskish/discobot/internal/jobqueue"
	"github.com/wskish/discobot/internal/store"
	"github.com/wskish/discobot/pkg/model"
)

var (
	ErrAlreadyRunning = errors.New("dispatcher is already running")
	ErrNotRunning     = errors.New("dispatcher is not running")
)

// Handler executes one claimed job. A nil return completes the job; an
// error fails it (retried with backoff until attempts are exhausted).
// Handlers must be idempotent: a crash between side effects and
// completion re-runs them.
type Handler func(ctx context.Context, job *model.Job) error

// Config holds dispatcher tuning; zero values fall back to the package
// defaults.
type Config struct {
	ServerID          string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PollInterval      time.Duration
	StaleAfter        time.Duration
	WorkerPool        int
	PerTypeLimit      map[model.JobType]int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = constants.LeaderHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = constants.JobHeartbeatTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = constants.DispatcherPollInterval
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = constants.JobStaleAfter
	}
	if c.WorkerPool == 0 {
		c.WorkerPool = constants.JobWorkerPool
	}
	if c.PerTypeLimit == nil {
		c.PerTypeLimit = make(map[model.JobType]int)
		for t, n := range constants.PerTypeConcurrency {
			c.PerTypeLimit[model.JobType(t)] = n
		}
	}
}

// Dispatcher coordinates leadership, claiming, and handler execution.
type Dispatcher struct {
	queue   *jobqueue.Queue
	leaders store.LeaderStore
	broker  *events.Broker
	logger  *logger.Logger
	config  Config

	handlers map[model.JobType]Handler

	mu          sync.Mutex
	running     bool
	leader      bool
	poolUsed    int
	typeUsed    map[model.JobType]int
	inflight    map[string]*model.Job
	stopCh      chan struct{}
	wg          sync.WaitGroup
	handlerWG   sync.WaitGroup
}

// New creates a Dispatcher. broker may be nil (no startup_task events).
func New(q *jobqueue.Queue, leaders store.LeaderStore, broker *events.Broker, log *logger.Logger, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		queue:    q,
		leaders:  leaders,
		broker:   broker,
		logger:   log.WithFields(zap.String("component", "dispatcher"), zap.String("server_id", cfg.ServerID)),
		config:   cfg,
		handlers: make(map[model.JobType]Handler),
		typeUsed: make(map[model.JobType]int),
		inflight: make(map[string]*model.Job),
	}
}

// Register installs the handler for a job type. Must be called before
// Start.
func (d *Dispatcher) Register(jobType model.JobType, h Handler) {
	d.handlers[jobType] = h
}

// Start launches the leadership and work loops.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info("dispatcher starting",
		zap.Duration("heartbeat_interval", d.config.HeartbeatInterval),
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Int("worker_pool", d.config.WorkerPool))

	d.wg.Add(2)
	go d.leadershipLoop(ctx)
	go d.workLoop(ctx)
	return nil
}

// Stop halts both loops, waits for running handlers, and releases the
// lease so a successor wins immediately.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	close(d.stopCh)
	wasLeader := d.leader
	d.mu.Unlock()

	d.wg.Wait()
	d.handlerWG.Wait()

	if wasLeader {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.leaders.ReleaseLeadership(ctx, d.config.ServerID); err != nil {
			d.logger.Warn("failed to release leadership", zap.Error(err))
		}
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// IsLeader reports whether this instance currently holds the lease.
func (d *Dispatcher) IsLeader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leader
}

// InFlight snapshots the currently-running jobs for the system status
// endpoint's startupTasks view.
func (d *Dispatcher) InFlight() []*model.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*model.Job, 0, len(d.inflight))
	for _, j := range d.inflight {
		out = append(out, j)
	}
	return out
}

// leadershipLoop renews (or attempts to acquire) the lease every
// heartbeat interval. Followers keep trying so a dead leader is replaced
// within one heartbeat timeout.
func (d *Dispatcher) leadershipLoop(ctx context.Context) {
	defer d.wg.Done()

	d.heartbeat(ctx)

	ticker := time.NewTicker(d.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context) {
	acquired, err := d.leaders.TryAcquireLeadership(ctx, d.config.ServerID, d.config.HeartbeatTimeout)
	if err != nil {
		d.logger.Warn("leadership heartbeat failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	was := d.leader
	d.leader = acquired
	d.mu.Unlock()

	if acquired && !was {
		d.logger.Info("acquired dispatcher leadership")
		if n, err := d.queue.CleanupStale(ctx, d.config.StaleAfter); err != nil {
			d.logger.Warn("stale job cleanup failed", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("requeued stale jobs", zap.Int("count", n))
		}
	}
	if !acquired && was {
		d.logger.Warn("lost dispatcher leadership")
	}
}

// workLoop claims and dispatches jobs while this instance is leader.
func (d *Dispatcher) workLoop(ctx context.Context) {
	defer d.wg.Done()

	staleTicker := time.NewTicker(d.config.StaleAfter / 2)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-staleTicker.C:
			if d.IsLeader() {
				if _, err := d.queue.CleanupStale(ctx, d.config.StaleAfter); err != nil {
					d.logger.Warn("stale job cleanup failed", zap.Error(err))
				}
			}
			continue
		default:
		}

		if !d.IsLeader() || !d.dispatchOne(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-time.After(d.config.PollInterval):
			}
		}
	}
}

// dispatchOne claims at most one job and hands it to its handler on the
// worker pool. Returns false when nothing was claimable so the caller
// sleeps a poll interval.
func (d *Dispatcher) dispatchOne(ctx context.Context) bool {
	eligible := d.eligibleTypes()
	if len(eligible) == 0 {
		return false
	}

	job, err := d.queue.Claim(ctx, eligible, d.config.ServerID)
	if err != nil {
		d.logger.Warn("job claim failed", zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}

	d.mu.Lock()
	d.poolUsed++
	d.typeUsed[job.Type]++
	d.inflight[job.ID] = job
	d.mu.Unlock()

	d.handlerWG.Add(1)
	go d.run(ctx, job)
	return true
}

// eligibleTypes returns the registered job types that still have pool and
// per-type capacity.
func (d *Dispatcher) eligibleTypes() []model.JobType {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.poolUsed >= d.config.WorkerPool {
		return nil
	}
	var types []model.JobType
	for t := range d.handlers {
		if limit, ok := d.config.PerTypeLimit[t]; ok && d.typeUsed[t] >= limit {
			continue
		}
		types = append(types, t)
	}
	return types
}

func (d *Dispatcher) run(ctx context.Context, job *model.Job) {
	defer d.handlerWG.Done()
	defer func() {
		d.mu.Lock()
		d.poolUsed--
		d.typeUsed[job.Type]--
		delete(d.inflight, job.ID)
		d.mu.Unlock()
	}()

	log := d.logger.WithJobID(job.ID).WithFields(zap.String("job_type", string(job.Type)))
	log.Info("job started", zap.Int("attempt", job.Attempts))
	d.publishTaskEvent(ctx, job, string(model.JobStatusRunning), "")

	handler := d.handlers[job.Type]
	err := handler(ctx, job)
	if err != nil {
		log.Error("job failed", zap.Error(err))
		if failErr := d.queue.Fail(ctx, job.ID, err); failErr != nil {
			log.Error("failed to record job failure", zap.Error(failErr))
		}
		d.publishTaskEvent(ctx, job, string(model.JobStatusFailed), err.Error())
		return
	}

	if err := d.queue.Complete(ctx, job.ID); err != nil {
		log.Error("failed to complete job", zap.Error(err))
		return
	}
	log.Info("job completed")
	d.publishTaskEvent(ctx, job, string(model.JobStatusCompleted), "")
}

// publishTaskEvent surfaces job progress as a startup_task_updated event
// when the payload carries a project scope.
func (d *Dispatcher) publishTaskEvent(ctx context.Context, job *model.Job, status, errMsg string) {
	if d.broker == nil {
		return
	}
	var scope struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.Unmarshal([]byte(job.Payload), &scope); err != nil || scope.ProjectID == "" {
		return
	}
	_, err := d.broker.Publish(ctx, scope.ProjectID, model.EventTypeStartupTaskUpdated, events.StartupTaskUpdatedData{
		JobID:   job.ID,
		JobType: string(job.Type),
		Status:  status,
		Error:   errMsg,
	})
	if err != nil {
		d.logger.Debug("startup task event publish failed", zap.Error(err))
	}
}
