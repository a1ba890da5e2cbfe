package session

// Job payloads carried by the dispatcher's closed job-type enumeration.
// Every payload includes the project scope so the dispatcher can surface
// job progress as startup_task_updated events.

// InitPayload drives a session_init job through the session state
// machine.
type InitPayload struct {
	ProjectID   string `json:"projectId"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	AgentID     string `json:"agentId,omitempty"`
}

// WorkspaceInitPayload drives a workspace_init job.
type WorkspaceInitPayload struct {
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
}

// ContainerCreatePayload ensures a session's sandbox exists and runs.
type ContainerCreatePayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// ContainerDestroyPayload tears a session's sandbox down.
type ContainerDestroyPayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// CommitPayload drives a session_commit job.
type CommitPayload struct {
	ProjectID  string `json:"projectId"`
	SessionID  string `json:"sessionId"`
	BaseCommit string `json:"baseCommit,omitempty"`
}
