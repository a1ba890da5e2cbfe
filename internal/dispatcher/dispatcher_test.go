package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/jobqueue"
	"github.com/wskish/discobot/internal/store/sqlstore"
	"github.com/wskish/discobot/pkg/model"
)

func testDeps(t *testing.T) (*jobqueue.Queue, *sqlstore.SQLStore, *logger.Logger) {
	t.Helper()
	st, err := sqlstore.Open(filepath.Join(t.TempDir(), "dispatch.db"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return jobqueue.New(st, log), st, log
}

func fastConfig(serverID string) Config {
	return Config{
		ServerID:          serverID,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		StaleAfter:        time.Minute,
		WorkerPool:        4,
	}
}

func TestDispatcherRunsHandlerToCompletion(t *testing.T) {
	q, st, log := testDeps(t)
	d := New(q, st, nil, log, fastConfig("d1"))

	var ran atomic.Int64
	d.Register(model.JobTypeSessionInit, func(_ context.Context, job *model.Job) error {
		ran.Add(1)
		return nil
	})

	job, err := q.Enqueue(context.Background(), model.JobTypeSessionInit, map[string]string{"sessionId": "s1"})
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == model.JobStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), ran.Load())
}

func TestDispatcherRetriesFailingHandler(t *testing.T) {
	q, st, log := testDeps(t)
	d := New(q, st, nil, log, fastConfig("d1"))

	var calls atomic.Int64
	d.Register(model.JobTypeWorkspaceInit, func(_ context.Context, job *model.Job) error {
		if calls.Add(1) == 1 {
			// Rescheduled with backoff; rewind it so the test doesn't wait.
			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = st.RescheduleJobNow(context.Background(), job.ID)
			}()
			return errors.New("transient")
		}
		return nil
	})

	job, err := q.Enqueue(context.Background(), model.JobTypeWorkspaceInit, nil, jobqueue.WithMaxAttempts(3))
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == model.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(2), calls.Load())
}

func TestDispatcherIgnoresUnregisteredTypes(t *testing.T) {
	q, st, log := testDeps(t)
	d := New(q, st, nil, log, fastConfig("d1"))
	d.Register(model.JobTypeSessionInit, func(context.Context, *model.Job) error { return nil })

	job, err := q.Enqueue(context.Background(), model.JobTypeContainerDestroy, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	time.Sleep(150 * time.Millisecond)
	j, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, j.Status)
}

// Only one of two dispatchers over the same store becomes leader; the
// follower takes over once the leader releases.
func TestDispatcherLeadershipFailover(t *testing.T) {
	q, st, log := testDeps(t)

	d1 := New(q, st, nil, log, fastConfig("d1"))
	d2 := New(q, st, nil, log, fastConfig("d2"))

	require.NoError(t, d1.Start(context.Background()))
	require.Eventually(t, d1.IsLeader, time.Second, 10*time.Millisecond)

	require.NoError(t, d2.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, d1.IsLeader())
	assert.False(t, d2.IsLeader(), "follower idles while the lease is fresh")

	// Graceful stop releases the lease; the follower wins on its next
	// heartbeat.
	require.NoError(t, d1.Stop())
	require.Eventually(t, d2.IsLeader, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, d2.Stop())
}

func TestDispatcherInFlightVisibility(t *testing.T) {
	q, st, log := testDeps(t)
	d := New(q, st, nil, log, fastConfig("d1"))

	release := make(chan struct{})
	started := make(chan struct{})
	d.Register(model.JobTypeSessionCommit, func(ctx context.Context, job *model.Job) error {
		close(started)
		<-release
		return nil
	})

	_, err := q.Enqueue(context.Background(), model.JobTypeSessionCommit, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))

	<-started
	inflight := d.InFlight()
	require.Len(t, inflight, 1)
	assert.Equal(t, model.JobTypeSessionCommit, inflight[0].Type)

	close(release)
	require.Eventually(t, func() bool { return len(d.InFlight()) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Stop())
}
