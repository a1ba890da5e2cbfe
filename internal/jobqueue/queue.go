// Package jobqueue is the durable background job queue: a
// thin, typed layer over the store's job table providing atomic claim
// with per-resource serialization, retry with backoff, and stale-worker
// recovery. Delivery is at-least-once; handlers must be idempotent.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/constants"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/store"
	"github.com/wskish/discobot/pkg/model"
)

// Queue wraps a store.JobStore with enqueue options and backoff policy.
type Queue struct {
	store  store.JobStore
	logger *logger.Logger
}

// New creates a Queue over s.
func New(s store.JobStore, log *logger.Logger) *Queue {
	return &Queue{store: s, logger: log.WithFields(zap.String("component", "jobqueue"))}
}

// Option tunes an enqueued job.
type Option func(*model.Job)

// WithPriority sets the job's priority (higher claims first).
func WithPriority(p int) Option {
	return func(j *model.Job) { j.Priority = p }
}

// WithResource binds the job to a (resource_type, resource_id) mutual-
// exclusion class: at most one job per class runs at a time.
func WithResource(resourceType, resourceID string) Option {
	return func(j *model.Job) {
		j.ResourceType = &resourceType
		j.ResourceID = &resourceID
	}
}

// WithMaxAttempts overrides the default retry budget.
func WithMaxAttempts(n int) Option {
	return func(j *model.Job) { j.MaxAttempts = n }
}

// WithScheduledAt delays the job's earliest claim time.
func WithScheduledAt(t time.Time) Option {
	return func(j *model.Job) { j.ScheduledAt = t }
}

// Enqueue serializes payload and inserts a pending job.
func (q *Queue) Enqueue(ctx context.Context, jobType model.JobType, payload any, opts ...Option) (*model.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	j := &model.Job{
		Type:    jobType,
		Payload: string(body),
	}
	for _, opt := range opts {
		opt(j)
	}
	if err := q.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	q.logger.Debug("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("type", string(j.Type)),
		zap.Int("priority", j.Priority))
	return j, nil
}

// Claim atomically claims the next runnable job of the given types, or
// returns nil when none is claimable.
func (q *Queue) Claim(ctx context.Context, types []model.JobType, workerID string) (*model.Job, error) {
	return q.store.ClaimJobOfTypes(ctx, types, workerID)
}

// Complete marks the job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.store.CompleteJob(ctx, id)
}

// Fail records the error; the job is requeued with scheduled_at pushed
// out by attempts x the backoff unit until its attempts are exhausted,
// then marked failed terminally.
func (q *Queue) Fail(ctx context.Context, id string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.store.FailJob(ctx, id, msg, constants.JobRetryBackoffUnit)
}

// CleanupStale requeues running jobs whose workers went silent. Returns
// how many were recovered.
func (q *Queue) CleanupStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	n, err := q.store.CleanupStaleJobs(ctx, staleAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("recovered stale jobs", zap.Int("count", n))
	}
	return n, nil
}

// Unmarshal decodes a claimed job's payload into v.
func Unmarshal(j *model.Job, v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}
