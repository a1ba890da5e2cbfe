// Package constants provides application-wide timeout and concurrency
// defaults, overridable per-deployment via config.
package constants

import "time"

const (
	// StartTimeout bounds how long Provider.Start waits for the in-sandbox
	// agent-api to report healthy before failing with start_timeout.
	StartTimeout = 60 * time.Second

	// JobHeartbeatTimeout is how stale a DispatcherLeader's heartbeat must
	// be before another server is allowed to take over leadership.
	JobHeartbeatTimeout = 30 * time.Second

	// JobStaleAfter bounds how long a job may sit in "running" before
	// CleanupStaleJobs resets it back to "pending".
	JobStaleAfter = 5 * time.Minute

	// LeaderHeartbeatInterval is how often the dispatcher renews its lease.
	LeaderHeartbeatInterval = 10 * time.Second

	// EventPollInterval is how often the event broker polls for rows
	// written by other processes.
	EventPollInterval = 250 * time.Millisecond

	// SSEClientBuffer bounds each SSE subscriber's channel; on overflow the
	// broker drops the oldest queued event for that subscriber.
	SSEClientBuffer = 128

	// JobWorkerPool bounds total concurrent job executions per dispatcher.
	JobWorkerPool = 8

	// JobRetryBackoffUnit scales a job's retry delay by its attempt count:
	// scheduled_at = now + attempts * JobRetryBackoffUnit.
	JobRetryBackoffUnit = 30 * time.Second

	// SessionCommitTimeout bounds how long a session_commit job waits for
	// the agent to emit a terminal chunk, rather than polling
	// indefinitely.
	SessionCommitTimeout = 10 * time.Minute

	// DispatcherPollInterval is how often the leader polls for claimable
	// jobs when none were found on the last pass.
	DispatcherPollInterval = 500 * time.Millisecond
)

// PerTypeConcurrency bounds how many jobs of a given type may run at once,
// on top of the overall JobWorkerPool bound.
var PerTypeConcurrency = map[string]int{
	"container_create":  4,
	"container_destroy": 2,
}
