// Package mock implements sandbox.Provider without a container runtime:
// an in-memory status machine, real subprocesses for Exec/ExecStream, a
// real PTY for Attach, and a per-sandbox loopback HTTP listener standing
// in for the agent-api. It backs the test suite and the SANDBOX_BACKEND=
// mock configuration.
package mock

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"reflect"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/sandbox"
)

// Provider implements sandbox.Provider in-process.
type Provider struct {
	logger *logger.Logger

	mu        sync.Mutex
	sandboxes map[string]*mockSandbox
}

type mockSandbox struct {
	sessionID string
	status    sandbox.Status
	opts      sandbox.CreateOpts
	workDir   string
	agent     *Agent
	server    *httptest.Server
}

// New creates an empty mock Provider.
func New(log *logger.Logger) *Provider {
	return &Provider{
		logger:    log.WithFields(zap.String("component", "mock_provider")),
		sandboxes: make(map[string]*mockSandbox),
	}
}

// Close destroys every sandbox.
func (p *Provider) Close() error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sandboxes))
	for id := range p.sandboxes {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		_ = p.Destroy(context.Background(), id)
	}
	return nil
}

// Create registers an in-memory sandbox and a scratch working directory.
func (p *Provider) Create(_ context.Context, sessionID string, opts sandbox.CreateOpts) (*sandbox.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.sandboxes[sessionID]; ok {
		if reflect.DeepEqual(existing.opts, opts) {
			return existing.info(), nil
		}
		return nil, sandbox.ErrAlreadyExists(sessionID)
	}

	workDir := opts.WorkspacePath
	if workDir == "" {
		dir, err := os.MkdirTemp("", "discobot-mock-"+sessionID)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		workDir = dir
	}

	sb := &mockSandbox{
		sessionID: sessionID,
		status:    sandbox.StatusCreating,
		opts:      opts,
		workDir:   workDir,
	}
	p.sandboxes[sessionID] = sb
	return sb.info(), nil
}

func (sb *mockSandbox) info() *sandbox.Info {
	info := &sandbox.Info{SessionID: sb.sessionID, Status: sb.status}
	if sb.status == sandbox.StatusRunning && sb.server != nil {
		info.Address = sb.server.Listener.Addr().String()
	}
	return info
}

// Start spins up the loopback agent-api and marks the sandbox running.
func (p *Provider) Start(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[sessionID]
	if !ok {
		return sandbox.ErrNotFound(sessionID)
	}
	if sb.status == sandbox.StatusRunning {
		return nil
	}
	agent := NewAgent()
	sb.agent = agent
	sb.server = httptest.NewServer(agent)
	sb.status = sandbox.StatusRunning
	p.logger.Debug("mock sandbox started",
		zap.String("session_id", sessionID),
		zap.String("addr", sb.server.Listener.Addr().String()))
	return nil
}

func (p *Provider) get(sessionID string) (*mockSandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sessionID]
	if !ok {
		return nil, sandbox.ErrNotFound(sessionID)
	}
	return sb, nil
}

// Get returns status and the loopback agent-api address.
func (p *Provider) Get(_ context.Context, sessionID string) (*sandbox.Info, error) {
	sb, err := p.get(sessionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return sb.info(), nil
}

// Stop shuts the agent-api down and marks the sandbox stopped.
func (p *Provider) Stop(_ context.Context, sessionID string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sessionID]
	if !ok {
		return sandbox.ErrNotFound(sessionID)
	}
	if sb.server != nil {
		sb.server.Close()
		sb.server = nil
	}
	sb.status = sandbox.StatusStopped
	return nil
}

// Destroy removes all sandbox state; a no-op for unknown sessions.
func (p *Provider) Destroy(_ context.Context, sessionID string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[sessionID]
	delete(p.sandboxes, sessionID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if sb.server != nil {
		sb.server.Close()
	}
	if sb.opts.WorkspacePath == "" && sb.workDir != "" {
		os.RemoveAll(sb.workDir)
	}
	return nil
}

func (p *Provider) running(sessionID string) (*mockSandbox, error) {
	sb, err := p.get(sessionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sb.status != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning(sessionID)
	}
	return sb, nil
}

func envSlice(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Exec runs argv as a real subprocess in the sandbox's working directory.
func (p *Provider) Exec(ctx context.Context, sessionID string, argv []string, opts sandbox.ExecOpts) (*sandbox.ExecResult, error) {
	sb, err := p.running(sessionID)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, apperror.New(apperror.KindExecFailed, "", "empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sb.workDir
	cmd.Env = envSlice(opts.Env)
	if len(opts.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
		}
	}
	return &sandbox.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
}

// procStream bridges a subprocess's pipes into a sandbox.Stream.
type procStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func (s *procStream) Read(b []byte) (int, error)  { return s.stdout.Read(b) }
func (s *procStream) Write(b []byte) (int, error) { return s.stdin.Write(b) }
func (s *procStream) CloseWrite() error           { return s.stdin.Close() }

func (s *procStream) Close() error {
	s.stdin.Close()
	s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

func (s *procStream) Wait(ctx context.Context) (int, error) {
	done := make(chan struct{})
	go func() {
		s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
		close(done)
	}()
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-done:
	}
	if s.waitErr != nil {
		if exitErr, ok := s.waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, apperror.Wrap(apperror.KindExecFailed, "", s.waitErr)
	}
	return 0, nil
}

// ExecStream starts argv with piped stdin/stdout; stderr merges into the
// read side to mirror the docker backend's single ordered stream.
func (p *Provider) ExecStream(ctx context.Context, sessionID string, argv []string, opts sandbox.StreamOpts) (sandbox.Stream, error) {
	sb, err := p.running(sessionID)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, apperror.New(apperror.KindExecFailed, "", "empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sb.workDir
	cmd.Env = envSlice(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}
	return &procStream{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// ptyHandle wraps a PTY master running /bin/sh.
type ptyHandle struct {
	f   *os.File
	cmd *exec.Cmd

	waitOnce sync.Once
	waitErr  error
}

func (h *ptyHandle) Read(b []byte) (int, error)  { return h.f.Read(b) }
func (h *ptyHandle) Write(b []byte) (int, error) { return h.f.Write(b) }

func (h *ptyHandle) Close() error {
	err := h.f.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	return err
}

func (h *ptyHandle) Resize(rows, cols uint16) error {
	return pty.Setsize(h.f, &pty.Winsize{Rows: rows, Cols: cols})
}

func (h *ptyHandle) Wait(ctx context.Context) (int, error) {
	done := make(chan struct{})
	go func() {
		h.waitOnce.Do(func() { h.waitErr = h.cmd.Wait() })
		close(done)
	}()
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-done:
	}
	if h.waitErr != nil {
		if exitErr, ok := h.waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, apperror.Wrap(apperror.KindExecFailed, "", h.waitErr)
	}
	return 0, nil
}

// Attach allocates a real PTY running /bin/sh in the working directory.
func (p *Provider) Attach(_ context.Context, sessionID string, opts sandbox.PTYOpts) (sandbox.PTY, error) {
	sb, err := p.running(sessionID)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh")
	cmd.Dir = sb.workDir
	cmd.Env = envSlice(opts.Env)

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}
	return &ptyHandle{f: f, cmd: cmd}, nil
}

// HTTPProxy forwards req to the sandbox's loopback agent-api.
func (p *Provider) HTTPProxy(ctx context.Context, sessionID string, req *http.Request) (*http.Response, error) {
	sb, err := p.running(sessionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	addr := sb.server.Listener.Addr().String()
	p.mu.Unlock()

	out := req.Clone(ctx)
	out.URL.Scheme = "http"
	out.URL.Host = addr
	out.Host = addr
	out.RequestURI = ""

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(out)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	return resp, nil
}

// UserInfo reports the current process's identity as the sandbox user.
func (p *Provider) UserInfo(_ context.Context, sessionID string) (*sandbox.UserInfo, error) {
	if _, err := p.get(sessionID); err != nil {
		return nil, err
	}
	return &sandbox.UserInfo{Username: "sandbox", UID: os.Getuid(), GID: os.Getgid()}, nil
}

// AgentFor returns the sandbox's scripted agent so tests can seed chat
// chunk sequences and inspect received requests.
func (p *Provider) AgentFor(sessionID string) *Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sb, ok := p.sandboxes[sessionID]; ok {
		return sb.agent
	}
	return nil
}
