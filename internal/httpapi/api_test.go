package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot/internal/common/config"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/completion"
	"github.com/wskish/discobot/internal/events"
	"github.com/wskish/discobot/internal/jobqueue"
	sandboxmock "github.com/wskish/discobot/internal/sandbox/mock"
	"github.com/wskish/discobot/internal/secrets"
	"github.com/wskish/discobot/internal/session"
	"github.com/wskish/discobot/internal/store/sqlstore"
	"github.com/wskish/discobot/pkg/model"
)

type apiFixture struct {
	server *httptest.Server
	store  *sqlstore.SQLStore
	broker *events.Broker
	deps   Deps
}

func newAPIFixture(t *testing.T, authEnabled bool) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := sqlstore.Open(filepath.Join(t.TempDir(), "api.db"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	broker := events.NewBroker(st, nil, log)
	require.NoError(t, broker.Start(context.Background()))
	t.Cleanup(broker.Stop)

	provider := sandboxmock.New(log)
	t.Cleanup(func() { provider.Close() })

	keys, err := secrets.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	secretSvc := secrets.NewService(keys, st)

	queue := jobqueue.New(st, log)
	sessions := session.NewService(st, provider, queue, broker, secretSvc, log, session.Config{Image: "test"})
	completions := completion.NewService(st, provider, broker, sessions, log)
	t.Cleanup(completions.Shutdown)

	cfg := &config.Config{}
	cfg.Auth.Enabled = authEnabled
	cfg.Auth.SharedSecretSalt = "test-salt"

	deps := Deps{
		Store:       st,
		Broker:      broker,
		Sessions:    sessions,
		Completions: completions,
		Provider:    provider,
		Secrets:     secretSvc,
		Config:      cfg,
		Logger:      log,
	}

	router := gin.New()
	SetupRoutes(router, deps)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiFixture{server: server, store: st, broker: broker, deps: deps}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	f := newAPIFixture(t, true)

	resp := f.do(t, http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestCookieSessionAuth(t *testing.T) {
	f := newAPIFixture(t, true)
	ctx := context.Background()

	user, err := f.store.GetOrCreateUser(ctx, "github", "7", "u@x.y", "U")
	require.NoError(t, err)
	token := "tok-123"
	_, err = f.store.CreateUserSession(ctx, user.ID, HashToken("test-salt", token), time.Now().Add(time.Hour))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[model.User](t, resp)
	assert.Equal(t, user.ID, me.ID)
}

func TestAnonymousModeAndProjectLifecycle(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.do(t, http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/projects", map[string]string{"slug": "demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	project := decode[model.Project](t, resp)
	assert.Equal(t, "demo", project.Slug)

	resp = f.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projects := decode[[]model.Project](t, resp)
	require.Len(t, projects, 1)
}

// Project-scoped routes require membership (403 otherwise).
func TestMembershipEnforced(t *testing.T) {
	f := newAPIFixture(t, false)
	ctx := context.Background()

	// A project the anonymous user is not a member of.
	foreign := &model.Project{Slug: "foreign", Name: "F"}
	require.NoError(t, f.store.CreateProject(ctx, foreign))

	resp := f.do(t, http.MethodGet, "/api/projects/"+foreign.ID+"/workspaces", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "forbidden", body["error"])
}

func TestErrorEnvelopeNotFound(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.do(t, http.MethodGet, "/api/projects/nope/workspaces", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "not_found", body["error"])
}

func TestWorkspaceCreateAndList(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.do(t, http.MethodPost, "/api/projects", map[string]string{"slug": "ws-test"})
	project := decode[model.Project](t, resp)

	resp = f.do(t, http.MethodPost, "/api/projects/"+project.ID+"/workspaces", map[string]string{
		"path": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ws := decode[model.Workspace](t, resp)
	assert.Equal(t, model.WorkspaceStatusInitializing, ws.Status)

	resp = f.do(t, http.MethodGet, "/api/projects/"+project.ID+"/workspaces", nil)
	workspaces := decode[[]model.Workspace](t, resp)
	require.Len(t, workspaces, 1)
}

func TestCredentialSecretNeverReturned(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.do(t, http.MethodPost, "/api/projects", map[string]string{"slug": "cred-test"})
	project := decode[model.Project](t, resp)

	resp = f.do(t, http.MethodPost, "/api/projects/"+project.ID+"/credentials", map[string]string{
		"provider": "anthropic", "authType": "api_key", "secret": "sk-very-secret",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-very-secret")

	resp = f.do(t, http.MethodGet, "/api/projects/"+project.ID+"/credentials", nil)
	raw, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-very-secret")
}

func TestSystemStatus(t *testing.T) {
	f := newAPIFixture(t, false)

	resp := f.do(t, http.MethodPost, "/api/projects", map[string]string{"slug": "status-test"})
	project := decode[model.Project](t, resp)

	resp = f.do(t, http.MethodGet, "/api/projects/"+project.ID+"/system/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[map[string]any](t, resp)
	assert.Equal(t, true, status["ok"])
	assert.NotNil(t, status["startupTasks"])
}

// The events stream opens with a connected event and replays from
// afterId.
func TestEventsStream(t *testing.T) {
	f := newAPIFixture(t, false)
	ctx := context.Background()

	resp := f.do(t, http.MethodPost, "/api/projects", map[string]string{"slug": "events-test"})
	project := decode[model.Project](t, resp)

	first, err := f.broker.Publish(ctx, project.ID, model.EventTypeSessionUpdated, events.SessionUpdatedData{SessionID: "s1"})
	require.NoError(t, err)
	second, err := f.broker.Publish(ctx, project.ID, model.EventTypeSessionUpdated, events.SessionUpdatedData{SessionID: "s2"})
	require.NoError(t, err)

	streamCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		fmt.Sprintf("%s/api/projects/%s/events?afterId=%s", f.server.URL, project.ID, first.ID), nil)
	require.NoError(t, err)

	streamResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(streamResp.Body)
	var sawConnected, sawReplay bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: connected") {
			sawConnected = true
		}
		if strings.HasPrefix(line, "id: "+second.ID) {
			sawReplay = true
			break
		}
	}
	assert.True(t, sawConnected, "initial connected event")
	assert.True(t, sawReplay, "replay resumed after afterId")
}
