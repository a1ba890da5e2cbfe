// Package events implements the project event broker (persist-then-publish
// with a database poller for cross-process fan-out) and the payload shapes
// of the recognized event types.
package events

// SessionUpdatedData is the payload of a session_updated event.
type SessionUpdatedData struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	CommitStatus string `json:"commitStatus,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// WorkspaceUpdatedData is the payload of a workspace_updated event.
type WorkspaceUpdatedData struct {
	WorkspaceID  string `json:"workspaceId"`
	Status       string `json:"status"`
	Commit       string `json:"commit,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// StartupTaskUpdatedData is the payload of a startup_task_updated event,
// surfacing in-flight dispatcher jobs to the UI's system status view.
type StartupTaskUpdatedData struct {
	JobID   string `json:"jobId"`
	JobType string `json:"jobType"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}
