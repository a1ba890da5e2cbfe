package mock

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/sandbox"
)

func testProvider(t *testing.T) *Provider {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	p := New(log)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCreateIdempotency(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()
	opts := sandbox.CreateOpts{Image: "img:1"}

	info, err := p.Create(ctx, "s1", opts)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusCreating, info.Status)

	// Identical opts: no-op.
	again, err := p.Create(ctx, "s1", opts)
	require.NoError(t, err)
	assert.Equal(t, info.SessionID, again.SessionID)

	// Different opts: already_exists.
	_, err = p.Create(ctx, "s1", sandbox.CreateOpts{Image: "img:2"})
	assert.Equal(t, apperror.KindAlreadyExists, apperror.KindOf(err))
}

func TestLifecycleAndHealth(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "s1", sandbox.CreateOpts{Image: "img"})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx, "s1"))

	info, err := p.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, info.Status)
	assert.NotEmpty(t, info.Address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sandbox.HealthPath, nil)
	require.NoError(t, err)
	resp, err := p.HTTPProxy(ctx, "s1", req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, p.Stop(ctx, "s1", time.Second))
	info, err = p.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusStopped, info.Status)

	require.NoError(t, p.Destroy(ctx, "s1"))
	_, err = p.Get(ctx, "s1")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))

	// Destroying an unknown session is a no-op.
	assert.NoError(t, p.Destroy(ctx, "s1"))
}

func TestExecRunsSubprocess(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "s1", sandbox.CreateOpts{Image: "img"})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx, "s1"))

	res, err := p.Exec(ctx, "s1", []string{"sh", "-c", "echo out; echo err >&2; exit 4"}, sandbox.ExecOpts{})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Equal(t, 4, res.ExitCode)

	res, err = p.Exec(ctx, "s1", []string{"cat"}, sandbox.ExecOpts{Stdin: []byte("piped")})
	require.NoError(t, err)
	assert.Equal(t, "piped", string(res.Stdout))
}

func TestExecRequiresRunning(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "s1", sandbox.CreateOpts{Image: "img"})
	require.NoError(t, err)

	_, err = p.Exec(ctx, "s1", []string{"true"}, sandbox.ExecOpts{})
	assert.Equal(t, apperror.KindNotRunning, apperror.KindOf(err))
}

func TestExecStreamBidirectional(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "s1", sandbox.CreateOpts{Image: "img"})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx, "s1"))

	stream, err := p.ExecStream(ctx, "s1", []string{"cat"}, sandbox.StreamOpts{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("round trip"))
	require.NoError(t, err)
	require.NoError(t, stream.CloseWrite())

	out, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "round trip", string(out))

	code, err := stream.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestUserInfo(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "s1", sandbox.CreateOpts{Image: "img"})
	require.NoError(t, err)

	info, err := p.UserInfo(ctx, "s1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.UID, 0)
	assert.NotEmpty(t, info.Username)
}
