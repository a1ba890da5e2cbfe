// Package store defines the transactional persistence contract
// over users, projects, workspaces, sessions, messages, agents,
// credentials, jobs, project events, the dispatcher leader lease, and user
// preferences. Implementations live in internal/store/sqlstore and must
// support both PostgreSQL and an embedded SQL engine (SQLite).
//
// Every method accepts a context and returns either the requested object,
// an apperror with Kind KindNotFound, or a wrapped KindIOError/
// KindBackendUnavailable on failure.
package store

import (
	"context"
	"time"

	"github.com/wskish/discobot/pkg/model"
)

// Store is the full persistence contract. A single implementation backs
// both the HTTP API and the dispatcher's job handlers; every mutation that
// must be atomic (cascading deletes, default-agent swaps, event sequence
// assignment) is documented as running inside one transaction.
type Store interface {
	UserStore
	ProjectStore
	WorkspaceStore
	SessionStore
	MessageStore
	AgentStore
	CredentialStore
	JobStore
	EventStore
	LeaderStore
	PreferenceStore
	TerminalHistoryStore

	// Close releases the underlying connection pool(s).
	Close() error
}

// UserStore manages User and UserSession rows.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, provider, providerID, email, name string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateUserSession(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (*model.UserSession, error)
	GetUserSessionByTokenHash(ctx context.Context, tokenHash string) (*model.UserSession, error)
	DeleteExpiredUserSessions(ctx context.Context, now time.Time) error
	DeleteUserSession(ctx context.Context, tokenHash string) error
}

// ProjectStore manages Project, ProjectMember, and Invitation rows.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*model.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]*model.Project, error)
	// DeleteProject removes, in one transaction: messages, terminal
	// history, sessions, workspaces, agent MCP servers, agents,
	// invitations, credentials, members, the project row.
	DeleteProject(ctx context.Context, id string) error

	AddProjectMember(ctx context.Context, m *model.ProjectMember) error
	GetProjectMember(ctx context.Context, projectID, userID string) (*model.ProjectMember, error)
	ListProjectMembers(ctx context.Context, projectID string) ([]*model.ProjectMember, error)

	CreateInvitation(ctx context.Context, inv *model.Invitation) error
	GetInvitationByToken(ctx context.Context, token string) (*model.Invitation, error)
}

// WorkspaceStore manages Workspace rows.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, w *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	ListWorkspaces(ctx context.Context, projectID string) ([]*model.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, commit, errorMessage *string) error
	// DeleteWorkspace removes, in one transaction: messages and terminal
	// history for all its sessions, the sessions, the workspace.
	DeleteWorkspace(ctx context.Context, id string) error
	// CountUndestroyedSessions reports sessions of this workspace that are
	// not yet closed, for the cascade-opt-in delete guard.
	CountUndestroyedSessions(ctx context.Context, workspaceID string) (int, error)
}

// SessionStore manages Session rows.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, projectID string, workspaceID string, includeClosed bool) ([]*model.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errorMessage *string) error
	UpdateSessionCommitStatus(ctx context.Context, id string, status model.CommitStatus) error
	// DeleteSession removes, in one transaction: the session's messages,
	// terminal history, and the session row. Deletion is the only way out
	// of the error state.
	DeleteSession(ctx context.Context, id string) error
}

// MessageStore manages Message rows.
type MessageStore interface {
	// CreateMessage assigns Seq as (max existing seq for the session) + 1
	// and inserts the row; messages are never mutated after insert.
	CreateMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error)
}

// AgentStore manages Agent rows.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error)
	ListAgents(ctx context.Context, projectID string) ([]*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	// SetDefaultAgent clears all existing defaults in the project then
	// sets the chosen agent's flag, in one transaction.
	SetDefaultAgent(ctx context.Context, projectID, agentID string) error
}

// CredentialStore manages Credential rows. Secret plaintext never crosses
// this interface; callers pass/receive ciphertext+nonce already produced
// by internal/secrets.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *model.Credential) error
	GetCredential(ctx context.Context, id string) (*model.Credential, error)
	GetCredentialByProvider(ctx context.Context, projectID, provider string) (*model.Credential, error)
	ListCredentials(ctx context.Context, projectID string) ([]*model.Credential, error)
	DeleteCredential(ctx context.Context, id string) error
}

// JobStore manages Job rows; internal/jobqueue is the higher-level
// durable-queue API built on top of it.
type JobStore interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// ClaimJobOfTypes claims the next runnable job of the given types in one
	// transaction and returns the claimed job, or nil if none available.
	ClaimJobOfTypes(ctx context.Context, types []model.JobType, workerID string) (*model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string, maxAttemptsBackoff time.Duration) error
	CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)
	CountRunningJobsForResource(ctx context.Context, resourceType, resourceID, excludeJobID string) (int, error)
}

// EventStore manages ProjectEvent rows.
type EventStore interface {
	// CreateProjectEvent assigns Seq from a global, strictly-increasing
	// sequence and inserts the row.
	CreateProjectEvent(ctx context.Context, e *model.ProjectEvent) error
	ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]*model.ProjectEvent, error)
	// MaxEventSeq returns the highest assigned seq, or 0 when the log is
	// empty; the broker tails from here on startup.
	MaxEventSeq(ctx context.Context) (int64, error)
	ListProjectEventsAfterID(ctx context.Context, projectID, afterID string, limit int) ([]*model.ProjectEvent, error)
	GarbageCollectEvents(ctx context.Context, olderThan time.Time) (int, error)
}

// LeaderStore manages the one-row DispatcherLeader singleton.
type LeaderStore interface {
	// TryAcquireLeadership runs the acquire-or-heartbeat-
	// or-takeover transaction: inserts the row if absent, renews the
	// heartbeat if serverID already holds it, takes over if the held
	// lease has expired, or returns (false, nil) otherwise.
	TryAcquireLeadership(ctx context.Context, serverID string, timeout time.Duration) (bool, error)
	ReleaseLeadership(ctx context.Context, serverID string) error
	GetLeader(ctx context.Context) (*model.DispatcherLeader, error)
}

// TerminalHistoryStore manages the append-only per-session terminal
// event log (shell open/resize/exit records feeding the terminal view).
type TerminalHistoryStore interface {
	// AppendTerminalEvent assigns Seq as (max existing seq for the
	// session) + 1 and inserts the row.
	AppendTerminalEvent(ctx context.Context, e *model.TerminalHistoryEntry) error
	ListTerminalEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*model.TerminalHistoryEntry, error)
}

// PreferenceStore manages per-user key/value preferences.
type PreferenceStore interface {
	SetUserPreference(ctx context.Context, userID, key, value string) error
	GetUserPreference(ctx context.Context, userID, key string) (string, error)
	ListUserPreferences(ctx context.Context, userID string) ([]*model.UserPreference, error)
}
