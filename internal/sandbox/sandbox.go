// Package sandbox defines the backend-neutral Provider contract for
// per-session containers: lifecycle, exec, PTY attach, byte streams, and
// the HTTP reverse-proxy hook into the in-sandbox agent-api. Backends
// (docker, mock) are discrete implementations selected by config at
// startup.
package sandbox

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/wskish/discobot/internal/common/apperror"
)

// Status is a sandbox's lifecycle state.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusDestroyed Status = "destroyed"
)

// AgentAPIPort is the fixed port the in-sandbox agent-api listens on.
const AgentAPIPort = 8080

// HealthPath is the agent-api endpoint polled until it reports 200.
const HealthPath = "/health"

// CreateOpts parameterizes Create. Re-creating an existing session's
// sandbox with identical opts is a no-op; differing opts fail with
// already_exists.
type CreateOpts struct {
	Image         string
	Env           map[string]string
	CPUQuota      int64 // microseconds per 100ms period; 0 = unlimited
	MemoryBytes   int64 // 0 = unlimited
	WorkspacePath string
	DataVolume    string
}

// Info describes a sandbox's current state and network coordinates.
type Info struct {
	SessionID string
	Status    Status
	// Address is the host:port the agent-api is reachable at from this
	// process, empty until the sandbox is running.
	Address string
}

// ExecOpts parameterizes a buffered Exec.
type ExecOpts struct {
	Env   map[string]string
	Stdin []byte
	// User is "uid:gid"; empty runs as the sandbox's default user.
	User string
}

// ExecResult is a completed Exec's output.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// StreamOpts parameterizes ExecStream.
type StreamOpts struct {
	Env  map[string]string
	User string
}

// Stream is a bidirectional byte stream to a process in the sandbox,
// required for SFTP bridging and TCP tunneling.
type Stream interface {
	io.ReadWriteCloser
	// CloseWrite half-closes the stream so the remote process sees EOF on
	// stdin while its output continues to drain.
	CloseWrite() error
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// PTYOpts parameterizes Attach.
type PTYOpts struct {
	Env  map[string]string
	Rows uint16
	Cols uint16
	User string
}

// PTY is an attached pseudo-terminal running in the sandbox.
type PTY interface {
	io.ReadWriteCloser
	Resize(rows, cols uint16) error
	Wait(ctx context.Context) (int, error)
}

// UserInfo identifies the default in-sandbox user.
type UserInfo struct {
	Username string
	UID      int
	GID      int
}

// Provider is the backend-agnostic sandbox contract (one capability set;
// every operation takes a cancellable context). Operations fail with a
// typed apperror from {not_found, already_exists, not_running,
// start_timeout, exec_failed, io_error, backend_unavailable}.
type Provider interface {
	Create(ctx context.Context, sessionID string, opts CreateOpts) (*Info, error)
	// Start runs the container and returns only once the in-sandbox
	// agent-api reports healthy, or fails with start_timeout.
	Start(ctx context.Context, sessionID string) error
	Get(ctx context.Context, sessionID string) (*Info, error)
	Stop(ctx context.Context, sessionID string, timeout time.Duration) error
	// Destroy removes the container and its state; a no-op for stopped or
	// unknown sessions.
	Destroy(ctx context.Context, sessionID string) error
	Exec(ctx context.Context, sessionID string, argv []string, opts ExecOpts) (*ExecResult, error)
	ExecStream(ctx context.Context, sessionID string, argv []string, opts StreamOpts) (Stream, error)
	Attach(ctx context.Context, sessionID string, opts PTYOpts) (PTY, error)
	// HTTPProxy forwards req to the sandbox's agent-api and returns the
	// response with its body left open for streaming; the caller closes it.
	HTTPProxy(ctx context.Context, sessionID string, req *http.Request) (*http.Response, error)
	UserInfo(ctx context.Context, sessionID string) (*UserInfo, error)
	Close() error
}

// ErrNotFound builds the typed not_found failure for a session's sandbox.
func ErrNotFound(sessionID string) error {
	return apperror.New(apperror.KindNotFound, "", "sandbox for session "+sessionID+" not found")
}

// ErrNotRunning builds the typed not_running failure.
func ErrNotRunning(sessionID string) error {
	return apperror.New(apperror.KindNotRunning, "", "sandbox for session "+sessionID+" is not running")
}

// ErrAlreadyExists builds the typed already_exists failure for a Create
// whose parameters differ from the existing sandbox's.
func ErrAlreadyExists(sessionID string) error {
	return apperror.New(apperror.KindAlreadyExists, "", "sandbox for session "+sessionID+" exists with different parameters")
}

// ErrStartTimeout builds the typed start_timeout failure.
func ErrStartTimeout(sessionID string) error {
	return apperror.New(apperror.KindStartTimeout, "", "timed out waiting for agent")
}
