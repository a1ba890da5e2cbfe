package jobqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/store/sqlstore"
	"github.com/wskish/discobot/pkg/model"
)

func testQueue(t *testing.T) (*Queue, *sqlstore.SQLStore) {
	t.Helper()
	st, err := sqlstore.Open(filepath.Join(t.TempDir(), "queue.db"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(st, log), st
}

var allTypes = []model.JobType{
	model.JobTypeContainerCreate, model.JobTypeContainerDestroy,
	model.JobTypeWorkspaceInit, model.JobTypeSessionInit, model.JobTypeSessionCommit,
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	q, _ := testQueue(t)
	job, err := q.Claim(context.Background(), allTypes, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimOrdersByPriorityThenSchedule(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, model.JobTypeSessionInit, map[string]string{"n": "low"})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, model.JobTypeSessionInit, map[string]string{"n": "high"}, WithPriority(10))
	require.NoError(t, err)

	first, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, model.JobStatusRunning, first.Status)
	assert.Equal(t, 1, first.Attempts)

	second, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID)
}

func TestClaimRespectsScheduledAt(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, model.JobTypeSessionInit, nil,
		WithScheduledAt(time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err)

	job, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "future-scheduled jobs are not claimable")
}

// At most one job per (resource_type, resource_id) runs at a time;
// jobs for other resources keep flowing past the blocked one.
func TestClaimSerializesPerResource(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	a1, err := q.Enqueue(ctx, model.JobTypeSessionInit, nil, WithResource("session", "A"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, model.JobTypeSessionCommit, nil, WithResource("session", "A"))
	require.NoError(t, err)
	b1, err := q.Enqueue(ctx, model.JobTypeSessionInit, nil, WithResource("session", "B"))
	require.NoError(t, err)

	first, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, a1.ID, first.ID)

	// A's second job is blocked; B's is claimable.
	second, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, b1.ID, second.ID)

	third, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	assert.Nil(t, third, "session A still has a running job")

	// Completing A's first job unblocks the next A job.
	require.NoError(t, q.Complete(ctx, a1.ID))
	fourth, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	require.NotNil(t, fourth)
	assert.Equal(t, model.JobTypeSessionCommit, fourth.Type)
}

// A handler failing k < max_attempts times then succeeding completes; one
// failing max_attempts times fails terminally with error set.
func TestRetryUntilExhausted(t *testing.T) {
	q, st := testQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, model.JobTypeContainerCreate, nil, WithMaxAttempts(3))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		// Backdate the retry delay so the next claim sees the job.
		claimed := claimBackdated(t, q, st, job.ID)
		assert.Equal(t, attempt, claimed.Attempts)
		require.NoError(t, q.Fail(ctx, job.ID, errors.New("transient")))
	}

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "transient", *final.Error)

	none, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	assert.Nil(t, none, "failed jobs are terminal")
}

func TestFailThenSucceedCompletes(t *testing.T) {
	q, st := testQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, model.JobTypeWorkspaceInit, nil, WithMaxAttempts(3))
	require.NoError(t, err)

	claimBackdated(t, q, st, job.ID)
	require.NoError(t, q.Fail(ctx, job.ID, errors.New("flaky")))

	claimBackdated(t, q, st, job.ID)
	require.NoError(t, q.Complete(ctx, job.ID))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
}

func TestCleanupStaleRequeues(t *testing.T) {
	q, st := testQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, model.JobTypeSessionInit, nil)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, allTypes, "dead-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Nothing is stale yet.
	n, err := q.CleanupStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// With a negative threshold the just-claimed job counts as stale.
	n, err = q.CleanupStale(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	requeued, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, requeued.Status)
	assert.Nil(t, requeued.WorkerID)
}

func TestUnmarshalPayload(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	type payload struct {
		SessionID string `json:"sessionId"`
	}
	job, err := q.Enqueue(ctx, model.JobTypeSessionInit, payload{SessionID: "sess-1"})
	require.NoError(t, err)

	var got payload
	require.NoError(t, Unmarshal(job, &got))
	assert.Equal(t, "sess-1", got.SessionID)
}

// claimBackdated rewinds the job's scheduled_at to now and claims it.
func claimBackdated(t *testing.T, q *Queue, st *sqlstore.SQLStore, jobID string) *model.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.RescheduleJobNow(ctx, jobID))
	claimed, err := q.Claim(ctx, allTypes, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, jobID, claimed.ID)
	return claimed
}
