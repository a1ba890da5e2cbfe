// Package model defines the core domain entities shared across the
// control plane: users, projects, workspaces, sessions, messages,
// agents, credentials, jobs, and project events.
package model

import "time"

// User is an authenticated principal, unique by (Provider, ProviderID).
type User struct {
	ID         string    `json:"id" db:"id"`
	Provider   string    `json:"provider" db:"provider"`
	ProviderID string    `json:"provider_id" db:"provider_id"`
	Email      string    `json:"email" db:"email"`
	Name       string    `json:"name" db:"name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// AnonymousUserID is the reserved principal used in no-auth mode.
const AnonymousUserID = "user_anonymous"

// AnonymousProjectID is the reserved project used in no-auth mode.
const AnonymousProjectID = "project_anonymous"

// UserSession is an opaque token presented via cookie.
type UserSession struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	TokenHash string    `json:"-" db:"token_hash"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ProjectRole is a ProjectMember's role within a project.
type ProjectRole string

const (
	ProjectRoleOwner  ProjectRole = "owner"
	ProjectRoleMember ProjectRole = "member"
)

// Valid reports whether r is one of the known project roles.
func (r ProjectRole) Valid() bool {
	switch r {
	case ProjectRoleOwner, ProjectRoleMember:
		return true
	}
	return false
}

// Project is the tenant boundary; every other scoped entity hangs off one.
type Project struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ProjectMember grants a user authorization over a project.
type ProjectMember struct {
	ProjectID string      `json:"project_id" db:"project_id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Role      ProjectRole `json:"role" db:"role"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Invitation is a pending project invite (§4.2 DeleteProject cascade).
type Invitation struct {
	ID        string      `json:"id" db:"id"`
	ProjectID string      `json:"project_id" db:"project_id"`
	Email     string      `json:"email" db:"email"`
	Role      ProjectRole `json:"role" db:"role"`
	Token     string      `json:"-" db:"token"`
	ExpiresAt time.Time   `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// WorkspaceSourceType is how a workspace's working tree was provisioned.
type WorkspaceSourceType string

const (
	WorkspaceSourceLocal WorkspaceSourceType = "local"
	WorkspaceSourceGit   WorkspaceSourceType = "git"
)

// WorkspaceStatus is the lifecycle state of a Workspace.
type WorkspaceStatus string

const (
	WorkspaceStatusInitializing WorkspaceStatus = "initializing"
	WorkspaceStatusCloning      WorkspaceStatus = "cloning"
	WorkspaceStatusReady        WorkspaceStatus = "ready"
	WorkspaceStatusError        WorkspaceStatus = "error"
)

// Workspace is a project-scoped working tree source shared by sessions.
type Workspace struct {
	ID           string              `json:"id" db:"id"`
	ProjectID    string              `json:"project_id" db:"project_id"`
	Path         string              `json:"path" db:"path"`
	SourceType   WorkspaceSourceType `json:"source_type" db:"source_type"`
	GitURL       string              `json:"git_url,omitempty" db:"git_url"`
	Status       WorkspaceStatus     `json:"status" db:"status"`
	Commit       *string             `json:"commit,omitempty" db:"commit"`
	ErrorMessage *string             `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at" db:"updated_at"`
}

// SessionStatus is the lifecycle state of a Session's state machine.
type SessionStatus string

const (
	SessionStatusInitializing   SessionStatus = "initializing"
	SessionStatusCloning        SessionStatus = "cloning"
	SessionStatusCreatingSandbox SessionStatus = "creating_sandbox"
	SessionStatusStartingAgent  SessionStatus = "starting_agent"
	SessionStatusRunning        SessionStatus = "running"
	SessionStatusError          SessionStatus = "error"
	SessionStatusClosed         SessionStatus = "closed"
)

// Terminal reports whether status has no further automatic transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusError || s == SessionStatusClosed
}

// CommitStatus tracks whether a session's opt-in commit has run.
type CommitStatus string

const (
	CommitStatusNone      CommitStatus = "none"
	CommitStatusPending   CommitStatus = "pending"
	CommitStatusCompleted CommitStatus = "completed"
)

// Session is a chat thread bound to one workspace, backed by one sandbox.
type Session struct {
	ID           string        `json:"id" db:"id"`
	ProjectID    string        `json:"project_id" db:"project_id"`
	WorkspaceID  string        `json:"workspace_id" db:"workspace_id"`
	AgentID      *string       `json:"agent_id,omitempty" db:"agent_id"`
	Name         string        `json:"name" db:"name"`
	Description  *string       `json:"description,omitempty" db:"description"`
	Status       SessionStatus `json:"status" db:"status"`
	ErrorMessage *string       `json:"error_message,omitempty" db:"error_message"`
	CommitStatus CommitStatus  `json:"commit_status" db:"commit_status"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// MessageRole is who authored a Message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is an immutable, session-scoped, ordered chat message.
// Body is stored as the JSON encoding of []chatproto.Part.
type Message struct {
	ID        string      `json:"id" db:"id"`
	SessionID string      `json:"session_id" db:"session_id"`
	Role      MessageRole `json:"role" db:"role"`
	Body      string      `json:"body" db:"body"` // JSON-encoded []chatproto.Part
	Seq       int64       `json:"seq" db:"seq"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// MCPServerType is the transport an Agent's MCP server uses.
type MCPServerType string

const (
	MCPServerStdio MCPServerType = "stdio"
	MCPServerHTTP  MCPServerType = "http"
)

// MCPServerConfig is opaque tool-provider configuration for an Agent.
type MCPServerConfig struct {
	Name    string        `json:"name"`
	Type    MCPServerType `json:"type"`
	Command string        `json:"command,omitempty"`
	Args    []string      `json:"args,omitempty"`
	URL     string        `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Agent is an AI agent configuration that can be bound to a session.
type Agent struct {
	ID           string            `json:"id" db:"id"`
	ProjectID    string            `json:"project_id" db:"project_id"`
	Name         string            `json:"name" db:"name"`
	AgentType    string            `json:"agent_type" db:"agent_type"`
	SystemPrompt *string           `json:"system_prompt,omitempty" db:"system_prompt"`
	MCPServers   []MCPServerConfig `json:"mcp_servers" db:"-"`
	MCPServersJSON string          `json:"-" db:"mcp_servers"` // JSON-encoded MCPServers
	IsDefault    bool              `json:"is_default" db:"is_default"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// CredentialAuthType is how a Credential's secret material is presented.
type CredentialAuthType string

const (
	CredentialAuthAPIKey CredentialAuthType = "api_key"
	CredentialAuthOAuth  CredentialAuthType = "oauth"
)

// Credential is a project-scoped secret for a provider. SecretCiphertext
// and SecretNonce hold the AES-256-GCM encrypted secret; plaintext is
// never stored or returned in API responses.
type Credential struct {
	ID               string             `json:"id" db:"id"`
	ProjectID        string             `json:"project_id" db:"project_id"`
	Provider         string             `json:"provider" db:"provider"`
	AuthType         CredentialAuthType `json:"auth_type" db:"auth_type"`
	SecretCiphertext []byte             `json:"-" db:"secret_ciphertext"`
	SecretNonce      []byte             `json:"-" db:"secret_nonce"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}

// JobType is the closed enumeration of async work kinds.
type JobType string

const (
	JobTypeContainerCreate  JobType = "container_create"
	JobTypeContainerDestroy JobType = "container_destroy"
	JobTypeWorkspaceInit    JobType = "workspace_init"
	JobTypeSessionInit      JobType = "session_init"
	JobTypeSessionCommit    JobType = "session_commit"
)

// JobStatus is a Job's lifecycle state.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a unit of async work driving the dispatcher.
type Job struct {
	ID           string    `json:"id" db:"id"`
	Type         JobType   `json:"type" db:"type"`
	Payload      string    `json:"payload" db:"payload"` // opaque JSON
	Status       JobStatus `json:"status" db:"status"`
	Priority     int       `json:"priority" db:"priority"`
	Attempts     int       `json:"attempts" db:"attempts"`
	MaxAttempts  int       `json:"max_attempts" db:"max_attempts"`
	Error        *string   `json:"error,omitempty" db:"error"`
	WorkerID     *string   `json:"worker_id,omitempty" db:"worker_id"`
	ResourceType *string   `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   *string   `json:"resource_id,omitempty" db:"resource_id"`
	ScheduledAt  time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// DispatcherLeader is the one-row singleton tracking dispatcher leadership.
type DispatcherLeader struct {
	ServerID    string    `json:"server_id" db:"server_id"`
	HeartbeatAt time.Time `json:"heartbeat_at" db:"heartbeat_at"`
	AcquiredAt  time.Time `json:"acquired_at" db:"acquired_at"`
}

// ProjectEvent is an append-only, globally-sequenced log row.
type ProjectEvent struct {
	ID        string    `json:"id" db:"id"`
	Seq       int64     `json:"seq" db:"seq"`
	ProjectID string    `json:"project_id" db:"project_id"`
	Type      string    `json:"type" db:"type"`
	Data      string    `json:"data" db:"data"` // opaque JSON
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Recognized (non-exhaustive) ProjectEvent types.
const (
	EventTypeSessionUpdated     = "session_updated"
	EventTypeWorkspaceUpdated   = "workspace_updated"
	EventTypeStartupTaskUpdated = "startup_task_updated"
)

// TerminalHistoryEntry is an append-only per-session terminal record.
type TerminalHistoryEntry struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Seq       int64     `json:"seq" db:"seq"`
	Kind      string    `json:"kind" db:"kind"`
	Data      []byte    `json:"data" db:"data"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserPreference is an arbitrary per-user key/value setting.
type UserPreference struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
