// Package docker implements sandbox.Provider over the Docker SDK: one
// container per session, named after the session ID, with the workspace
// bind-mounted and a named volume for persistent session data.
package docker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/common/constants"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/sandbox"
)

const (
	labelSessionID = "discobot.session_id"
	labelOptsHash  = "discobot.opts_hash"

	workspaceMount = "/workspace"
	dataMount      = "/data"
)

// Provider implements sandbox.Provider against a Docker daemon.
type Provider struct {
	cli    *client.Client
	logger *logger.Logger
	http   *http.Client
}

// New connects to the Docker daemon using the environment's settings and
// verifies it responds.
func New(log *logger.Logger) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	return &Provider{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker_provider")),
		http: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}, nil
}

// Close releases the Docker client.
func (p *Provider) Close() error { return p.cli.Close() }

func containerName(sessionID string) string { return "discobot-" + sessionID }

// optsHash fingerprints CreateOpts so a repeated Create can distinguish
// the idempotent no-op case from a conflicting re-create.
func optsHash(opts sandbox.CreateOpts) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s|%s|", opts.Image, opts.CPUQuota, opts.MemoryBytes, opts.WorkspacePath, opts.DataVolume)
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s|", k, opts.Env[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Create creates the session's container. Idempotent for identical opts;
// fails with already_exists when a container for the session exists with
// different parameters.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOpts) (*sandbox.Info, error) {
	hash := optsHash(opts)

	if existing, err := p.cli.ContainerInspect(ctx, containerName(sessionID)); err == nil {
		if existing.Config != nil && existing.Config.Labels[labelOptsHash] == hash {
			return p.infoFromInspect(sessionID, existing), nil
		}
		return nil, sandbox.ErrAlreadyExists(sessionID)
	} else if !errdefs.IsNotFound(err) {
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}

	if err := p.ensureImage(ctx, opts.Image); err != nil {
		return nil, err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	mounts := []mount.Mount{}
	if opts.WorkspacePath != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: opts.WorkspacePath, Target: workspaceMount})
	}
	if opts.DataVolume != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: opts.DataVolume, Target: dataMount})
	}

	containerCfg := &container.Config{
		Image:      opts.Image,
		Env:        env,
		WorkingDir: workspaceMount,
		Labels: map[string]string{
			labelSessionID: sessionID,
			labelOptsHash:  hash,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   opts.MemoryBytes,
			CPUQuota: opts.CPUQuota,
		},
	}

	p.logger.Info("creating sandbox container",
		zap.String("session_id", sessionID),
		zap.String("image", opts.Image))

	if _, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(sessionID)); err != nil {
		if errdefs.IsConflict(err) {
			return nil, sandbox.ErrAlreadyExists(sessionID)
		}
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	return &sandbox.Info{SessionID: sessionID, Status: sandbox.StatusCreating}, nil
}

func (p *Provider) ensureImage(ctx context.Context, ref string) error {
	if _, err := p.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return apperror.Wrap(apperror.KindBackendUnavailable, "", fmt.Errorf("pull %s: %w", ref, err))
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

// Start runs the container and blocks until the agent-api answers its
// health endpoint, or fails with start_timeout after constants.StartTimeout.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	name := containerName(sessionID)
	if err := p.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return sandbox.ErrNotFound(sessionID)
		}
		return apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}

	addr, err := p.agentAddr(ctx, sessionID)
	if err != nil {
		return err
	}
	return p.waitHealthy(ctx, sessionID, addr)
}

func (p *Provider) waitHealthy(ctx context.Context, sessionID, addr string) error {
	deadline := time.Now().Add(constants.StartTimeout)
	url := "http://" + addr + sandbox.HealthPath
	for {
		if time.Now().After(deadline) {
			return sandbox.ErrStartTimeout(sessionID)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "", err)
		}
		resp, err := p.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// agentAddr resolves the container's agent-api host:port.
func (p *Provider) agentAddr(ctx context.Context, sessionID string) (string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerName(sessionID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", sandbox.ErrNotFound(sessionID)
		}
		return "", apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	ip := ""
	if inspect.NetworkSettings != nil {
		ip = inspect.NetworkSettings.IPAddress
		if ip == "" {
			for _, netSettings := range inspect.NetworkSettings.Networks {
				if netSettings.IPAddress != "" {
					ip = netSettings.IPAddress
					break
				}
			}
		}
	}
	if ip == "" {
		return "", sandbox.ErrNotRunning(sessionID)
	}
	return fmt.Sprintf("%s:%d", ip, sandbox.AgentAPIPort), nil
}

// Get returns current status and network coordinates.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Info, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerName(sessionID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, sandbox.ErrNotFound(sessionID)
		}
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	return p.infoFromInspect(sessionID, inspect), nil
}

func (p *Provider) infoFromInspect(sessionID string, inspect container.InspectResponse) *sandbox.Info {
	info := &sandbox.Info{SessionID: sessionID, Status: sandbox.StatusCreating}
	if inspect.State != nil {
		switch inspect.State.Status {
		case "running", "restarting":
			info.Status = sandbox.StatusRunning
		case "created":
			info.Status = sandbox.StatusCreating
		case "removing":
			info.Status = sandbox.StatusDestroyed
		default: // paused, exited, dead
			info.Status = sandbox.StatusStopped
		}
	}
	if info.Status == sandbox.StatusRunning && inspect.NetworkSettings != nil {
		ip := inspect.NetworkSettings.IPAddress
		if ip == "" {
			for _, netSettings := range inspect.NetworkSettings.Networks {
				if netSettings.IPAddress != "" {
					ip = netSettings.IPAddress
					break
				}
			}
		}
		if ip != "" {
			info.Address = fmt.Sprintf("%s:%d", ip, sandbox.AgentAPIPort)
		}
	}
	return info
}

// Stop sends a graceful stop, escalating to kill after timeout.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := p.cli.ContainerStop(ctx, containerName(sessionID), container.StopOptions{Timeout: &seconds})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return sandbox.ErrNotFound(sessionID)
		}
		return apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	return nil
}

// Destroy force-removes the container and its anonymous volumes. Unknown
// sessions are a no-op.
func (p *Provider) Destroy(ctx context.Context, sessionID string) error {
	err := p.cli.ContainerRemove(ctx, containerName(sessionID), container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	return nil
}

// Exec runs argv to completion and returns its buffered output.
func (p *Provider) Exec(ctx context.Context, sessionID string, argv []string, opts sandbox.ExecOpts) (*sandbox.ExecResult, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	execResp, err := p.cli.ContainerExecCreate(ctx, containerName(sessionID), container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		User:         opts.User,
		AttachStdin:  len(opts.Stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, sandbox.ErrNotFound(sessionID)
		}
		if errdefs.IsConflict(err) {
			return nil, sandbox.ErrNotRunning(sessionID)
		}
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}
	defer attach.Close()

	if len(opts.Stdin) > 0 {
		if _, err := attach.Conn.Write(opts.Stdin); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
	}
	attach.CloseWrite()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}
	return &sandbox.ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// execStream is a hijacked exec connection implementing sandbox.Stream.
// Output is demultiplexed through a pipe since the exec runs without a
// TTY.
type execStream struct {
	p          *Provider
	execID     string
	conn       io.Writer
	closeWrite func() error
	stdout     *io.PipeReader
	closer     func() error
}

func (s *execStream) Read(b []byte) (int, error)  { return s.stdout.Read(b) }
func (s *execStream) Write(b []byte) (int, error) { return s.conn.Write(b) }
func (s *execStream) CloseWrite() error           { return s.closeWrite() }
func (s *execStream) Close() error                { return s.closer() }

func (s *execStream) Wait(ctx context.Context) (int, error) {
	for {
		inspect, err := s.p.cli.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return -1, apperror.Wrap(apperror.KindExecFailed, "", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// ExecStream starts argv with a bidirectional byte stream attached,
// merging stdout and stderr into the read side (SFTP and socat bridges
// want one ordered byte stream).
func (p *Provider) ExecStream(ctx context.Context, sessionID string, argv []string, opts sandbox.StreamOpts) (sandbox.Stream, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	execResp, err := p.cli.ContainerExecCreate(ctx, containerName(sessionID), container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		User:         opts.User,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, sandbox.ErrNotFound(sessionID)
		}
		if errdefs.IsConflict(err) {
			return nil, sandbox.ErrNotRunning(sessionID)
		}
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(err)
	}()

	return &execStream{
		p:          p,
		execID:     execResp.ID,
		conn:       attach.Conn,
		closeWrite: attach.CloseWrite,
		stdout:     pr,
		closer: func() error {
			attach.Close()
			return pr.Close()
		},
	}, nil
}

// execPTY is a TTY exec implementing sandbox.PTY.
type execPTY struct {
	p      *Provider
	execID string
	conn   io.ReadWriteCloser
	reader io.Reader
}

func (t *execPTY) Read(b []byte) (int, error)  { return t.reader.Read(b) }
func (t *execPTY) Write(b []byte) (int, error) { return t.conn.Write(b) }
func (t *execPTY) Close() error                { return t.conn.Close() }

func (t *execPTY) Resize(rows, cols uint16) error {
	return t.p.cli.ContainerExecResize(context.Background(), t.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (t *execPTY) Wait(ctx context.Context) (int, error) {
	for {
		inspect, err := t.p.cli.ContainerExecInspect(ctx, t.execID)
		if err != nil {
			return -1, apperror.Wrap(apperror.KindExecFailed, "", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Attach opens an interactive login shell in a PTY.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.PTYOpts) (sandbox.PTY, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	execResp, err := p.cli.ContainerExecCreate(ctx, containerName(sessionID), container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-l"},
		Env:          env,
		User:         opts.User,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, sandbox.ErrNotFound(sessionID)
		}
		if errdefs.IsConflict(err) {
			return nil, sandbox.ErrNotRunning(sessionID)
		}
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}

	if opts.Rows > 0 && opts.Cols > 0 {
		_ = p.cli.ContainerExecResize(ctx, execResp.ID, container.ResizeOptions{
			Height: uint(opts.Rows),
			Width:  uint(opts.Cols),
		})
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}

	return &execPTY{p: p, execID: execResp.ID, conn: attach.Conn, reader: attach.Reader}, nil
}

// HTTPProxy forwards req to the sandbox's agent-api, returning the
// response with its body streaming.
func (p *Provider) HTTPProxy(ctx context.Context, sessionID string, req *http.Request) (*http.Response, error) {
	addr, err := p.agentAddr(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := req.Clone(ctx)
	out.URL.Scheme = "http"
	out.URL.Host = addr
	out.Host = addr
	out.RequestURI = ""

	resp, err := p.http.Do(out)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, "", err)
	}
	return resp, nil
}

// UserInfo resolves the container's default user by running id(1).
func (p *Provider) UserInfo(ctx context.Context, sessionID string) (*sandbox.UserInfo, error) {
	res, err := p.Exec(ctx, sessionID, []string{"sh", "-c", "id -u && id -g && id -un"}, sandbox.ExecOpts{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, apperror.New(apperror.KindExecFailed, "", "id lookup failed: "+string(res.Stderr))
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	if len(lines) < 3 {
		return nil, apperror.New(apperror.KindExecFailed, "", "unexpected id output")
	}
	uid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}
	gid, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, apperror.Wrap(apperror.KindExecFailed, "", err)
	}
	return &sandbox.UserInfo{Username: strings.TrimSpace(lines[2]), UID: uid, GID: gid}, nil
}
