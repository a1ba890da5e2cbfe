package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/common/appctx"
	"github.com/wskish/discobot/internal/common/constants"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/common/stringutil"
	"github.com/wskish/discobot/internal/events"
	"github.com/wskish/discobot/internal/sandbox"
	"github.com/wskish/discobot/internal/session"
	"github.com/wskish/discobot/internal/store"
	"github.com/wskish/discobot/pkg/chatproto"
	"github.com/wskish/discobot/pkg/model"
)

// ErrNoActiveStream signals the stream endpoint's 204 case: the session
// exists but has neither an active completion nor buffered chunks.
var ErrNoActiveStream = errors.New("no active completion and no buffered events")

// pumpTimeout bounds a detached agent-side reader's lifetime; the slot,
// not any single HTTP request, owns the stream.
const pumpTimeout = 30 * time.Minute

// ChatRequest mirrors the UI SDK's chat POST shape.
type ChatRequest struct {
	ID          string                `json:"id"`
	Messages    []chatproto.UIMessage `json:"messages"`
	WorkspaceID string                `json:"workspaceId"`
	AgentID     string                `json:"agentId"`
}

// Service is the completion proxy.
type Service struct {
	store    store.Store
	provider sandbox.Provider
	broker   *events.Broker
	sessions *session.Service
	registry *Registry
	logger   *logger.Logger

	started atomic.Int64
	failed  atomic.Int64

	stopCh chan struct{}
}

// NewService creates the completion proxy.
func NewService(s store.Store, p sandbox.Provider, b *events.Broker, sess *session.Service, log *logger.Logger) *Service {
	return &Service{
		store:    s,
		provider: p,
		broker:   b,
		sessions: sess,
		registry: NewRegistry(),
		logger:   log.WithFields(zap.String("component", "completion_proxy")),
		stopCh:   make(chan struct{}),
	}
}

// Shutdown aborts every detached pump.
func (s *Service) Shutdown() { close(s.stopCh) }

// Metrics reports the running counters surfaced on system status.
func (s *Service) Metrics() (started, failed int64) {
	return s.started.Load(), s.failed.Load()
}

// Forget drops a session's completion state (on session delete).
func (s *Service) Forget(sessionID string) { s.registry.remove(sessionID) }

// Chat implements POST /chat: resolve (or create) the session, claim its
// completion slot, forward the request into the sandbox agent, and
// mirror the SSE stream to w. Once streaming begins errors surface as
// in-stream error chunks, never as HTTP errors.
func (s *Service) Chat(ctx context.Context, projectID string, req ChatRequest, w http.ResponseWriter) error {
	userMsg, err := lastUserMessage(req.Messages)
	if err != nil {
		return err
	}

	sess, err := s.resolveSession(ctx, projectID, req)
	if err != nil {
		return err
	}

	e, err := s.begin(ctx, sess, req.Messages, userMsg)
	if err != nil {
		return err
	}

	s.mirror(ctx, e, w)
	return nil
}

// Stream implements GET /chat/{sessionId}/stream: replay everything
// buffered for the current (or last) completion, then tail live chunks
// through [DONE].
func (s *Service) Stream(ctx context.Context, projectID, sessionID string, w http.ResponseWriter) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ProjectID != projectID {
		return apperror.Forbidden("session belongs to a different project")
	}

	e := s.registry.lookup(sessionID)
	if e == nil {
		return ErrNoActiveStream
	}
	running, _, buffered, _ := e.state()
	if !running && buffered == 0 {
		return ErrNoActiveStream
	}

	s.mirror(ctx, e, w)
	return nil
}

// Cancel implements POST /chat/{sessionId}/cancel: abort the in-sandbox
// agent and the in-flight reader, and emit a synthetic finish so
// rejoined clients terminate cleanly.
func (s *Service) Cancel(ctx context.Context, projectID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ProjectID != projectID {
		return apperror.Forbidden("session belongs to a different project")
	}

	e := s.registry.lookup(sessionID)
	if e == nil {
		return apperror.Conflict("no_active_completion", "no completion is running for this session")
	}
	running, _, _, _ := e.state()
	if !running {
		return apperror.Conflict("no_active_completion", "no completion is running for this session")
	}

	cancelReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/chat/cancel", nil)
	if err == nil {
		if resp, proxyErr := s.provider.HTTPProxy(ctx, sessionID, cancelReq); proxyErr == nil {
			resp.Body.Close()
		} else {
			s.logger.Warn("agent cancel failed", zap.String("session_id", sessionID), zap.Error(proxyErr))
		}
	}

	e.append(chatproto.Chunk{Type: chatproto.ChunkFinish, FinishReason: "stop"})
	e.abort()
	e.finish()
	return nil
}

// RunCommit implements session.CommitRunner: drive one completion with
// the commit command as the user message and block until the agent's
// terminal chunk or the timeout.
func (s *Service) RunCommit(ctx context.Context, sessionID, text string, timeout time.Duration) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	userMsg := chatproto.UIMessage{
		ID:    "msg_" + uuid.NewString(),
		Role:  "user",
		Parts: []chatproto.Part{{Type: chatproto.PartTypeText, Text: text}},
	}

	e, err := s.begin(ctx, sess, []chatproto.UIMessage{userMsg}, userMsg)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for idx := 0; ; {
		c, more, err := e.next(waitCtx, idx)
		if err != nil {
			e.abort()
			return fmt.Errorf("commit completion: %w", err)
		}
		if !more {
			return nil
		}
		idx++
		if c.Type == chatproto.ChunkError {
			return fmt.Errorf("commit completion failed: %s", c.ErrorText)
		}
	}
}

// resolveSession reuses the session matching the chat id, or creates one
// bound to the request's workspace/agent and waits for it to come up.
func (s *Service) resolveSession(ctx context.Context, projectID string, req ChatRequest) (*model.Session, error) {
	if req.ID != "" {
		sess, err := s.store.GetSession(ctx, req.ID)
		if err == nil {
			if sess.ProjectID != projectID {
				return nil, apperror.Forbidden("session belongs to a different project")
			}
			return sess, nil
		}
		if apperror.KindOf(err) != apperror.KindNotFound {
			return nil, err
		}
	}

	if req.WorkspaceID == "" {
		return nil, apperror.Invalid("workspaceId is required to start a new session")
	}

	name := sessionName(req.Messages)
	sess, err := s.sessions.Create(ctx, projectID, req.WorkspaceID, req.AgentID, name, req.ID)
	if err != nil {
		return nil, err
	}
	return s.awaitRunning(ctx, sess.ID)
}

// awaitRunning polls the new session until the init job brings it to
// running, so the agent stream can open immediately afterward.
func (s *Service) awaitRunning(ctx context.Context, sessionID string) (*model.Session, error) {
	deadline := time.Now().Add(constants.StartTimeout)
	for {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		switch sess.Status {
		case model.SessionStatusRunning:
			return sess, nil
		case model.SessionStatusError:
			msg := "session failed to start"
			if sess.ErrorMessage != nil {
				msg = *sess.ErrorMessage
			}
			return nil, apperror.New(apperror.KindBackendUnavailable, "", msg)
		case model.SessionStatusClosed:
			return nil, apperror.Conflict("session_closed", "session is closed")
		}
		if time.Now().After(deadline) {
			return nil, apperror.New(apperror.KindStartTimeout, "", "timed out waiting for session to start")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// begin claims the slot, persists the user message, opens the agent SSE
// stream, and launches the detached pump. Callers consume the entry's
// buffer.
func (s *Service) begin(ctx context.Context, sess *model.Session, messages []chatproto.UIMessage, userMsg chatproto.UIMessage) (*entry, error) {
	e := s.registry.get(sess.ID)

	pumpCtx, cancelPump := appctx.Detached(ctx, s.stopCh, pumpTimeout)

	completionID := "cmpl_" + uuid.NewString()
	claimed, holder := e.tryClaim(completionID, cancelPump)
	if !claimed {
		cancelPump()
		return nil, apperror.Conflict("completion_in_progress", "a completion is already running").
			WithDetails(map[string]any{"completionId": holder})
	}

	if err := s.persistMessage(ctx, sess.ID, model.MessageRoleUser, userMsg.ID, userMsg.Parts); err != nil {
		cancelPump()
		e.finish()
		return nil, err
	}

	resp, err := s.openAgentStream(pumpCtx, sess.ID, messages)
	if err != nil {
		cancelPump()
		e.finish()
		// A running session whose container vanished (host restart, manual
		// docker rm) gets its sandbox re-provisioned in the background; the
		// client retries once the container_create job lands.
		switch apperror.KindOf(err) {
		case apperror.KindNotFound, apperror.KindNotRunning:
			if ensureErr := s.sessions.EnsureSandbox(ctx, sess.ProjectID, sess.ID); ensureErr != nil {
				s.logger.Warn("sandbox re-provision enqueue failed",
					zap.String("session_id", sess.ID), zap.Error(ensureErr))
			}
			return nil, apperror.New(apperror.KindBackendUnavailable, "", "session sandbox is being re-provisioned; retry shortly")
		}
		return nil, err
	}

	s.started.Add(1)
	go s.pump(pumpCtx, cancelPump, sess, e, resp)
	return e, nil
}

// openAgentStream POSTs the chat into the sandbox agent and returns its
// SSE response.
func (s *Service) openAgentStream(ctx context.Context, sessionID string, messages []chatproto.UIMessage) (*http.Response, error) {
	body, err := json.Marshal(map[string]any{"id": sessionID, "messages": messages})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.provider.HTTPProxy(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, apperror.New(apperror.KindBackendUnavailable, "",
			fmt.Sprintf("agent chat returned %d: %s", resp.StatusCode, out))
	}
	return resp, nil
}

// pump consumes the agent's SSE stream into the session's buffer and
// assembles the assistant message. It runs detached from the initiating
// request: a client disconnect never stops agent-side work.
func (s *Service) pump(ctx context.Context, cancel context.CancelFunc, sess *model.Session, e *entry, resp *http.Response) {
	defer cancel()
	defer resp.Body.Close()

	log := s.logger.WithSessionID(sess.ID)
	asm := chatproto.NewAssembler()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawTerminal := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == chatproto.DoneSentinel {
			break
		}
		c, err := chatproto.ParseChunk([]byte(payload))
		if err != nil {
			log.Warn("unparseable chunk from agent", zap.Error(err))
			continue
		}
		e.append(c)
		asm.Feed(c)
		if c.IsTerminal() {
			sawTerminal = true
		}
	}

	if err := scanner.Err(); err != nil && !sawTerminal {
		log.Warn("agent stream ended abnormally", zap.Error(err))
		s.failed.Add(1)
		e.append(chatproto.Chunk{Type: chatproto.ChunkError, ErrorText: "agent stream interrupted"})
	} else if !sawTerminal {
		s.failed.Add(1)
		e.append(chatproto.Chunk{Type: chatproto.ChunkError, ErrorText: "agent stream ended without finish"})
	}

	// Persist and publish with the cancel-insulated context so a cancel
	// racing the terminal chunk can't lose the assembled message.
	persistCtx := context.WithoutCancel(ctx)

	if asm.PartCount() > 0 {
		msgID := asm.MessageID()
		if msgID == "" {
			msgID = "msg_" + uuid.NewString()
		}
		assistant := asm.Message(msgID, "assistant")
		if err := s.persistMessage(persistCtx, sess.ID, model.MessageRoleAssistant, assistant.ID, assistant.Parts); err != nil {
			log.Error("failed to persist assistant message", zap.Error(err))
		}
	}

	e.finish()

	ctx = persistCtx
	cur, err := s.store.GetSession(ctx, sess.ID)
	if err != nil {
		cur = sess
	}
	_, err = s.broker.Publish(ctx, sess.ProjectID, model.EventTypeSessionUpdated, events.SessionUpdatedData{
		SessionID:    sess.ID,
		Status:       string(cur.Status),
		CommitStatus: string(cur.CommitStatus),
	})
	if err != nil {
		log.Warn("session event publish failed", zap.Error(err))
	}
}

// mirror streams the entry's buffer to w from the beginning, then tails
// live chunks and terminates with [DONE]. A write failure (client gone)
// just stops mirroring; the pump carries on.
func (s *Service) mirror(ctx context.Context, e *entry, w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(chatproto.StreamMessageHeader, chatproto.StreamMessageHeaderValue)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	for idx := 0; ; idx++ {
		c, more, err := e.next(ctx, idx)
		if err != nil || !more {
			break
		}
		frame, err := c.MarshalSSE()
		if err != nil {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flush()
	}

	if _, err := w.Write([]byte("data: " + chatproto.DoneSentinel + "\n\n")); err == nil {
		flush()
	}
}

func (s *Service) persistMessage(ctx context.Context, sessionID string, role model.MessageRole, id string, parts []chatproto.Part) error {
	body, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	return s.store.CreateMessage(ctx, &model.Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Body:      string(body),
	})
}

// lastUserMessage validates that the request ends with exactly one user
// message and returns it.
func lastUserMessage(messages []chatproto.UIMessage) (chatproto.UIMessage, error) {
	if len(messages) == 0 {
		return chatproto.UIMessage{}, apperror.Invalid("messages must not be empty")
	}
	last := messages[len(messages)-1]
	if last.Role != "user" {
		return chatproto.UIMessage{}, apperror.Invalid("last message must have role user")
	}
	return last, nil
}

// sessionName derives a human-readable session name from the first text
// part of the last user message.
func sessionName(messages []chatproto.UIMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		for _, p := range messages[i].Parts {
			if p.Type == chatproto.PartTypeText && p.Text != "" {
				return stringutil.TruncateStringWithEllipsis(strings.TrimSpace(p.Text), 48)
			}
		}
	}
	return "New session"
}
