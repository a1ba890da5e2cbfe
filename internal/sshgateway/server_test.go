package sshgateway

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/sandbox"
	sandboxmock "github.com/wskish/discobot/internal/sandbox/mock"
	"github.com/wskish/discobot/internal/store/sqlstore"
	"github.com/wskish/discobot/pkg/model"
)

func testGateway(t *testing.T) (addr string, st *sqlstore.SQLStore, provider *sandboxmock.Provider) {
	t.Helper()
	st, err := sqlstore.Open(filepath.Join(t.TempDir(), "ssh.db"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	provider = sandboxmock.New(log)
	t.Cleanup(func() { provider.Close() })

	srv, err := NewServer(st, provider, filepath.Join(t.TempDir(), "host_key"), log)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, l)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return l.Addr().String(), st, provider
}

func seedRunningSession(t *testing.T, st *sqlstore.SQLStore, provider *sandboxmock.Provider, sessionID string) {
	t.Helper()
	ctx := context.Background()

	p := &model.Project{Slug: "ssh-" + sessionID, Name: "P"}
	require.NoError(t, st.CreateProject(ctx, p))
	ws := &model.Workspace{ProjectID: p.ID, Path: t.TempDir(), SourceType: model.WorkspaceSourceLocal, Status: model.WorkspaceStatusReady}
	require.NoError(t, st.CreateWorkspace(ctx, ws))
	sess := &model.Session{ID: sessionID, ProjectID: p.ID, WorkspaceID: ws.ID, Status: model.SessionStatusRunning}
	require.NoError(t, st.CreateSession(ctx, sess))

	_, err := provider.Create(ctx, sessionID, sandbox.CreateOpts{Image: "test"})
	require.NoError(t, err)
	require.NoError(t, provider.Start(ctx, sessionID))
}

func dial(t *testing.T, addr, user string) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

// Exec against a running sandbox returns the command's output and exit
// status 0 (S6).
func TestExecRoutesBySessionID(t *testing.T) {
	addr, st, provider := testGateway(t)
	seedRunningSession(t, st, provider, "sess-abc")

	client, err := dial(t, addr, "sess-abc")
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	out, err := sess.Output("echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestExecNonzeroExitStatus(t *testing.T) {
	addr, st, provider := testGateway(t)
	seedRunningSession(t, st, provider, "sess-exit")

	client, err := dial(t, addr, "sess-exit")
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	err = sess.Run("exit 3")
	var exitErr *ssh.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitStatus())
}

// An unknown session ID closes the connection right after the handshake
// (S6).
func TestUnknownSessionClosesConnection(t *testing.T) {
	addr, _, _ := testGateway(t)

	client, err := dial(t, addr, "no-such-session")
	if err != nil {
		// Some handshakes observe the close before Dial returns.
		return
	}
	defer client.Close()

	_, err = client.NewSession()
	assert.Error(t, err, "connection is closed before any channel opens")
}

func TestNotRunningSandboxClosesConnection(t *testing.T) {
	addr, st, provider := testGateway(t)
	seedRunningSession(t, st, provider, "sess-stopped")
	require.NoError(t, provider.Stop(context.Background(), "sess-stopped", time.Second))

	client, err := dial(t, addr, "sess-stopped")
	if err != nil {
		return
	}
	defer client.Close()

	_, err = client.NewSession()
	assert.Error(t, err)
}

func TestShellOverPTY(t *testing.T) {
	addr, st, provider := testGateway(t)
	seedRunningSession(t, st, provider, "sess-shell")

	client, err := dial(t, addr, "sess-shell")
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.RequestPty("xterm", 24, 80, ssh.TerminalModes{}))

	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)

	require.NoError(t, sess.Shell())

	_, err = stdin.Write([]byte("echo shell-works\nexit\n"))
	require.NoError(t, err)

	outCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		collected := []byte{}
		for {
			n, readErr := stdout.Read(buf)
			collected = append(collected, buf[:n]...)
			if readErr != nil {
				outCh <- collected
				return
			}
		}
	}()

	select {
	case out := <-outCh:
		assert.Contains(t, string(out), "shell-works")
	case <-time.After(5 * time.Second):
		t.Fatal("shell output never arrived")
	}
}

func TestHostKeyPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")

	first, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)
	second, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)

	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal(),
		"the generated key is reloaded, not regenerated")
}
