package completion

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/dispatcher"
	"github.com/wskish/discobot/internal/events"
	"github.com/wskish/discobot/internal/jobqueue"
	"github.com/wskish/discobot/internal/sandbox"
	sandboxmock "github.com/wskish/discobot/internal/sandbox/mock"
	"github.com/wskish/discobot/internal/secrets"
	"github.com/wskish/discobot/internal/session"
	"github.com/wskish/discobot/internal/store/sqlstore"
	"github.com/wskish/discobot/pkg/chatproto"
	"github.com/wskish/discobot/pkg/model"
)

type fixture struct {
	store    *sqlstore.SQLStore
	provider *sandboxmock.Provider
	broker   *events.Broker
	queue    *jobqueue.Queue
	sessions *session.Service
	svc      *Service
	log      *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlstore.Open(filepath.Join(t.TempDir(), "completion.db"), 0, 0)
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

	queue := jobqueue.New(st, log)
	sessions := session.NewService(st, provider, queue, broker, secrets.NewService(keys, st), log, session.Config{
		Image:         "discobot/sandbox:test",
		CommitTimeout: 2 * time.Second,
	})
	svc := NewService(st, provider, broker, sessions, log)
	t.Cleanup(svc.Shutdown)
	sessions.SetCommitRunner(svc)

	return &fixture{store: st, provider: provider, broker: broker, queue: queue, sessions: sessions, svc: svc, log: log}
}

func (f *fixture) seedProject(t *testing.T) *model.Project {
	t.Helper()
	p := &model.Project{Slug: "p-" + strings.ReplaceAll(t.Name(), "/", "-"), Name: "P"}
	require.NoError(t, f.store.CreateProject(context.Background(), p))
	return p
}

func (f *fixture) seedWorkspace(t *testing.T, projectID string) *model.Workspace {
	t.Helper()
	ws := &model.Workspace{
		ProjectID:  projectID,
		Path:       t.TempDir(),
		SourceType: model.WorkspaceSourceLocal,
		Status:     model.WorkspaceStatusReady,
	}
	require.NoError(t, f.store.CreateWorkspace(context.Background(), ws))
	return ws
}

// seedRunningSession creates a session already at running with its mock
// sandbox up, bypassing the init job.
func (f *fixture) seedRunningSession(t *testing.T, projectID, workspaceID string) *model.Session {
	t.Helper()
	ctx := context.Background()
	sess := &model.Session{
		ProjectID:   projectID,
		WorkspaceID: workspaceID,
		Name:        "chat",
		Status:      model.SessionStatusRunning,
	}
	require.NoError(t, f.store.CreateSession(ctx, sess))
	_, err := f.provider.Create(ctx, sess.ID, sandbox.CreateOpts{Image: "discobot/sandbox:test"})
	require.NoError(t, err)
	require.NoError(t, f.provider.Start(ctx, sess.ID))
	return sess
}

func userChat(sessionID, text string) ChatRequest {
	return ChatRequest{
		ID: sessionID,
		Messages: []chatproto.UIMessage{{
			ID:    "msg_u1",
			Role:  "user",
			Parts: []chatproto.Part{{Type: chatproto.PartTypeText, Text: text}},
		}},
	}
}

func sseChunks(t *testing.T, body string) []chatproto.Chunk {
	t.Helper()
	var out []chatproto.Chunk
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.TrimPrefix(line, "data: ") == chatproto.DoneSentinel {
			continue
		}
		c, err := chatproto.ParseChunk([]byte(strings.TrimPrefix(line, "data: ")))
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestChatHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	ws := f.seedWorkspace(t, p.ID)
	sess := f.seedRunningSession(t, p.ID, ws.ID)

	sub := f.broker.Subscribe(p.ID)
	defer sub.Close()

	rec := httptest.NewRecorder()
	require.NoError(t, f.svc.Chat(ctx, p.ID, userChat(sess.ID, "hi"), rec))

	assert.Equal(t, chatproto.StreamMessageHeaderValue, rec.Header().Get(chatproto.StreamMessageHeader))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: "+chatproto.DoneSentinel))

	chunks := sseChunks(t, body)
	var sawDelta, sawFinish bool
	for _, c := range chunks {
		if c.Type == chatproto.ChunkTextDelta {
			sawDelta = true
		}
		if c.Type == chatproto.ChunkFinish {
			sawFinish = true
			assert.Equal(t, "stop", c.FinishReason)
		}
	}
	assert.True(t, sawDelta, "at least one text-delta")
	assert.True(t, sawFinish, "terminated by finish")

	// Both the user and the assembled assistant message were persisted.
	require.Eventually(t, func() bool {
		messages, err := f.store.ListMessages(ctx, sess.ID)
		return err == nil && len(messages) == 2
	}, 2*time.Second, 20*time.Millisecond)

	messages, err := f.store.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageRoleUser, messages[0].Role)
	assert.Equal(t, model.MessageRoleAssistant, messages[1].Role)

	var parts []chatproto.Part
	require.NoError(t, json.Unmarshal([]byte(messages[1].Body), &parts))
	require.Len(t, parts, 1)
	assert.Equal(t, chatproto.PartTypeText, parts[0].Type)
	assert.Equal(t, "hello from the sandbox", parts[0].Text)

	// A session_updated event followed the completion.
	select {
	case e := <-sub.Events():
		assert.Equal(t, model.EventTypeSessionUpdated, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no session_updated event after completion")
	}
}

// A fresh chat id creates the session and drives it to running through
// the dispatcher before streaming (S1).
func TestChatCreatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	ws := f.seedWorkspace(t, p.ID)

	d := dispatcher.New(f.queue, f.store, f.broker, f.log, dispatcher.Config{
		ServerID:          "test",
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  time.Second,
		PollInterval:      10 * time.Millisecond,
		StaleAfter:        time.Minute,
		WorkerPool:        4,
	})
	f.sessions.RegisterHandlers(d)
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() { d.Stop() })

	req := userChat("", "start a new session")
	req.WorkspaceID = ws.ID

	rec := httptest.NewRecorder()
	require.NoError(t, f.svc.Chat(ctx, p.ID, req, rec))

	sessions, err := f.store.ListSessions(ctx, p.ID, ws.ID, false)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionStatusRunning, sessions[0].Status)
	assert.Equal(t, "start a new session", sessions[0].Name)
	assert.Contains(t, rec.Body.String(), chatproto.DoneSentinel)
}

// A second chat against a streaming session conflicts (S2 / I5).
func TestChatConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	ws := f.seedWorkspace(t, p.ID)
	sess := f.seedRunningSession(t, p.ID, ws.ID)

	agent := f.provider.AgentFor(sess.ID)
	agent.ChunkDelay = 30 * time.Millisecond
	agent.Script(slowScript())

	done := make(chan error, 1)
	go func() {
		done <- f.svc.Chat(ctx, p.ID, userChat(sess.ID, "first"), httptest.NewRecorder())
	}()

	require.Eventually(t, func() bool { return len(agent.ChatRequests()) == 1 }, 2*time.Second, 10*time.Millisecond)

	err := f.svc.Chat(ctx, p.ID, userChat(sess.ID, "second"), httptest.NewRecorder())
	require.Error(t, err)
	e, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, "completion_in_progress", e.Code)
	assert.NotEmpty(t, e.Details["completionId"])

	require.NoError(t, <-done)
}

// A disconnected client's completion keeps running; a later stream call
// replays it from the beginning and tails through [DONE] (S3 / P5).
func TestStreamReplayAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	ws := f.seedWorkspace(t, p.ID)
	sess := f.seedRunningSession(t, p.ID, ws.ID)

	agent := f.provider.AgentFor(sess.ID)
	agent.ChunkDelay = 20 * time.Millisecond
	agent.Script(slowScript())

	clientCtx, disconnect := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- f.svc.Chat(clientCtx, p.ID, userChat(sess.ID, "hi"), httptest.NewRecorder())
	}()

	require.Eventually(t, func() bool { return len(agent.ChatRequests()) == 1 }, 2*time.Second, 10*time.Millisecond)
	disconnect()
	require.NoError(t, <-done)

	rec := httptest.NewRecorder()
	require.NoError(t, f.svc.Stream(ctx, p.ID, sess.ID, rec))

	chunks := sseChunks(t, rec.Body.String())
	require.NotEmpty(t, chunks)
	assert.Equal(t, chatproto.ChunkStart, chunks[0].Type, "replay starts from the first chunk")
	assert.Equal(t, chatproto.ChunkFinish, chunks[len(chunks)-1].Type)
	assert.True(t, strings.Contains(rec.Body.String(), chatproto.DoneSentinel))

	// The full text made it into the store despite the disconnect.
	require.Eventually(t, func() bool {
		messages, err := f.store.ListMessages(ctx, sess.ID)
		return err == nil && len(messages) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStreamNoActiveCompletion(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t)
	ws := f.seedWorkspace(t, p.ID)
	sess := f.seedRunningSession(t, p.ID, ws.ID)

	err := f.svc.Stream(context.Background(), p.ID, sess.ID, httptest.NewRecorder())
	assert.Equal(t, ErrNoActiveStream, err)
}

// Cross-project stream access is forbidden (S4).
func TestStreamForbiddenAcrossProjects(t *testing.T) {
	f := newFixture(t)
	p1 := f.seedProject(t)
	ws := f.seedWorkspace(t, p1.ID)
	sess := f.seedRunningSession(t, p1.ID, ws.ID)

	p2 := &model.Project{Slug: "other", Name: "Other"}
	require.NoError(t, f.store.CreateProject(context.Background(), p2))

	err := f.svc.Stream(context.Background(), p2.ID, sess.ID, httptest.NewRecorder())
	require.Error(t, err)
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))
}

func TestCancelActiveCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	ws := f.seedWorkspace(t, p.ID)
	sess := f.seedRunningSession(t, p.ID, ws.ID)

	agent := f.provider.AgentFor(sess.ID)
	agent.ChunkDelay = 50 * time.Millisecond
	agent.Script(slowScript())

	done := make(chan error, 1)
	rec := httptest.NewRecorder()
	go func() {
		done <- f.svc.Chat(ctx, p.ID, userChat(sess.ID, "hi"), rec)
	}()

	require.Eventually(t, func() bool { return len(agent.ChatRequests()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.svc.Cancel(ctx, p.ID, sess.ID))
	require.NoError(t, <-done)

	assert.Equal(t, 1, agent.CancelCount(), "cancel reached the in-sandbox agent")

	chunks := sseChunks(t, rec.Body.String())
	last := chunks[len(chunks)-1]
	assert.Equal(t, chatproto.ChunkFinish, last.Type)
	assert.Equal(t, "stop", last.FinishReason)

	// With nothing running, cancel now conflicts.
	err := f.svc.Cancel(ctx, p.ID, sess.ID)
	require.Error(t, err)
	e, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, "no_active_completion", e.Code)
}

func TestChatRequiresTrailingUserMessage(t *testing.T) {
	f := newFixture(t)
	p := f.seedProject(t)

	err := f.svc.Chat(context.Background(), p.ID, ChatRequest{}, httptest.NewRecorder())
	assert.Equal(t, apperror.KindInvalidRequest, apperror.KindOf(err))

	err = f.svc.Chat(context.Background(), p.ID, ChatRequest{
		Messages: []chatproto.UIMessage{{ID: "m", Role: "assistant"}},
	}, httptest.NewRecorder())
	assert.Equal(t, apperror.KindInvalidRequest, apperror.KindOf(err))
}

// slowScript is a multi-chunk response long enough to interleave with
// conflict/cancel/replay checks.
func slowScript() []chatproto.Chunk {
	chunks := []chatproto.Chunk{
		{Type: chatproto.ChunkStart, MessageID: "msg_slow"},
		{Type: chatproto.ChunkTextStart, ID: "t1"},
	}
	for i := 0; i < 10; i++ {
		chunks = append(chunks, chatproto.Chunk{Type: chatproto.ChunkTextDelta, ID: "t1", Delta: "chunk "})
	}
	chunks = append(chunks,
		chatproto.Chunk{Type: chatproto.ChunkTextEnd, ID: "t1"},
		chatproto.Chunk{Type: chatproto.ChunkFinish, FinishReason: "stop"},
	)
	return chunks
}

