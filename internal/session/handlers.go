package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/dispatcher"
	"github.com/wskish/discobot/internal/jobqueue"
	"github.com/wskish/discobot/internal/sandbox"
	"github.com/wskish/discobot/pkg/model"
)

// RegisterHandlers installs every session-lifecycle job handler on d.
func (s *Service) RegisterHandlers(d *dispatcher.Dispatcher) {
	d.Register(model.JobTypeSessionInit, s.HandleSessionInit)
	d.Register(model.JobTypeWorkspaceInit, s.HandleWorkspaceInit)
	d.Register(model.JobTypeContainerCreate, s.HandleContainerCreate)
	d.Register(model.JobTypeContainerDestroy, s.HandleContainerDestroy)
	d.Register(model.JobTypeSessionCommit, s.HandleSessionCommit)
}

// HandleSessionInit drives one session through initializing →
// creating_sandbox → starting_agent → running. Idempotent: a session
// already running (or deleted, or closed) is left alone, and sandbox
// creation is a no-op when the container already exists with the same
// parameters.
func (s *Service) HandleSessionInit(ctx context.Context, job *model.Job) error {
	var p InitPayload
	if err := jobqueue.Unmarshal(job, &p); err != nil {
		return err
	}

	sess, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil // deleted while queued
		}
		return err
	}
	switch sess.Status {
	case model.SessionStatusRunning, model.SessionStatusClosed:
		return nil
	}

	ws, err := s.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return err
	}
	if ws.Status != model.WorkspaceStatusReady {
		if ws.Status == model.WorkspaceStatusError {
			return s.failSession(ctx, sess, fmt.Errorf("workspace is in error state"))
		}
		return s.deferUntilWorkspaceReady(ctx, sess, p)
	}

	if err := s.transition(ctx, sess, model.SessionStatusCreatingSandbox); err != nil {
		return err
	}
	if err := s.ensureSandboxRunning(ctx, sess, ws); err != nil {
		return s.failSession(ctx, sess, err)
	}

	if err := s.transition(ctx, sess, model.SessionStatusStartingAgent); err != nil {
		return err
	}
	if err := s.startAgent(ctx, sess, p.AgentID); err != nil {
		return s.failSession(ctx, sess, err)
	}

	return s.transition(ctx, sess, model.SessionStatusRunning)
}

// deferUntilWorkspaceReady drives workspace init first at higher
// priority, then reschedules this session's init instead of burning a
// retry attempt while the clone runs.
func (s *Service) deferUntilWorkspaceReady(ctx context.Context, sess *model.Session, p InitPayload) error {
	if ws, err := s.store.GetWorkspace(ctx, sess.WorkspaceID); err == nil && ws.Status == model.WorkspaceStatusInitializing {
		_, err := s.queue.Enqueue(ctx, model.JobTypeWorkspaceInit, WorkspaceInitPayload{
			ProjectID:   sess.ProjectID,
			WorkspaceID: sess.WorkspaceID,
		}, jobqueue.WithResource(resourceWorkspace, sess.WorkspaceID), jobqueue.WithPriority(10))
		if err != nil {
			return err
		}
	}
	_, err := s.queue.Enqueue(ctx, model.JobTypeSessionInit, p,
		jobqueue.WithResource(resourceSession, sess.ID),
		jobqueue.WithScheduledAt(time.Now().UTC().Add(2*time.Second)))
	return err
}

func (s *Service) transition(ctx context.Context, sess *model.Session, status model.SessionStatus) error {
	if err := s.store.UpdateSessionStatus(ctx, sess.ID, status, nil); err != nil {
		return err
	}
	sess.Status = status
	s.logger.Info("session transition",
		zap.String("session_id", sess.ID),
		zap.String("status", string(status)))
	s.publishSessionEvent(ctx, sess.ProjectID, sess.ID, status, sess.CommitStatus, "")
	return nil
}

// failSession records the failure on the session and returns cause so
// FailJob schedules a retry until attempts are exhausted.
func (s *Service) failSession(ctx context.Context, sess *model.Session, cause error) error {
	msg := cause.Error()
	if apperror.KindOf(cause) == apperror.KindStartTimeout {
		msg = "timed out waiting for agent"
	}
	if err := s.store.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusError, &msg); err != nil {
		s.logger.Error("failed to record session error", zap.Error(err))
	}
	s.publishSessionEvent(ctx, sess.ProjectID, sess.ID, model.SessionStatusError, sess.CommitStatus, msg)
	return cause
}

func (s *Service) ensureSandboxRunning(ctx context.Context, sess *model.Session, ws *model.Workspace) error {
	_, err := s.provider.Create(ctx, sess.ID, sandbox.CreateOpts{
		Image:         s.config.Image,
		WorkspacePath: ws.Path,
		DataVolume:    "discobot-data-" + sess.ID,
	})
	if err != nil {
		return err
	}
	return s.provider.Start(ctx, sess.ID)
}

// agentStartRequest is the body POSTed to the in-sandbox agent-api.
type agentStartRequest struct {
	AgentType    string                  `json:"agentType"`
	SystemPrompt string                  `json:"systemPrompt,omitempty"`
	MCPServers   []model.MCPServerConfig `json:"mcpServers,omitempty"`
	Env          map[string]string       `json:"env,omitempty"`
}

// startAgent issues the agent start command inside the sandbox with the
// resolved credential env map.
func (s *Service) startAgent(ctx context.Context, sess *model.Session, agentID string) error {
	start := agentStartRequest{AgentType: "default"}

	var agent *model.Agent
	var err error
	if agentID != "" {
		agent, err = s.store.GetAgent(ctx, agentID)
	} else {
		agent, err = s.store.GetDefaultAgent(ctx, sess.ProjectID)
		if apperror.KindOf(err) == apperror.KindNotFound {
			agent, err = nil, nil
		}
	}
	if err != nil {
		return err
	}
	if agent != nil {
		start.AgentType = agent.AgentType
		if agent.SystemPrompt != nil {
			start.SystemPrompt = *agent.SystemPrompt
		}
		start.MCPServers = agent.MCPServers
	}

	env, err := s.secrets.ResolveEnv(ctx, sess.ProjectID)
	if err != nil {
		return err
	}
	start.Env = env

	body, err := json.Marshal(start)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/agent/start", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.provider.HTTPProxy(ctx, sess.ID, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperror.New(apperror.KindExecFailed, "", fmt.Sprintf("agent start returned %d: %s", resp.StatusCode, out))
	}
	return nil
}

// HandleWorkspaceInit drives a workspace to ready (or error). The git
// operations themselves happen inside the workspace tooling; this
// handler owns only the status sequencing.
func (s *Service) HandleWorkspaceInit(ctx context.Context, job *model.Job) error {
	var p WorkspaceInitPayload
	if err := jobqueue.Unmarshal(job, &p); err != nil {
		return err
	}

	ws, err := s.store.GetWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil
		}
		return err
	}
	if ws.Status == model.WorkspaceStatusReady {
		return nil
	}

	if ws.SourceType == model.WorkspaceSourceGit && ws.Status == model.WorkspaceStatusInitializing {
		if err := s.store.UpdateWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatusCloning, nil, nil); err != nil {
			return err
		}
		s.publishWorkspaceEvent(ctx, ws.ProjectID, ws.ID, model.WorkspaceStatusCloning, "", "")
	}

	if ws.SourceType == model.WorkspaceSourceLocal {
		if info, statErr := os.Stat(ws.Path); statErr != nil || !info.IsDir() {
			msg := fmt.Sprintf("workspace path %s is not a directory", ws.Path)
			if err := s.store.UpdateWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatusError, nil, &msg); err != nil {
				return err
			}
			s.publishWorkspaceEvent(ctx, ws.ProjectID, ws.ID, model.WorkspaceStatusError, "", msg)
			return fmt.Errorf("%s", msg)
		}
	}

	if err := s.store.UpdateWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatusReady, ws.Commit, nil); err != nil {
		return err
	}
	commit := ""
	if ws.Commit != nil {
		commit = *ws.Commit
	}
	s.publishWorkspaceEvent(ctx, ws.ProjectID, ws.ID, model.WorkspaceStatusReady, commit, "")
	return nil
}

// HandleContainerCreate ensures the session's sandbox exists and runs,
// for sessions whose container went missing after the fact.
func (s *Service) HandleContainerCreate(ctx context.Context, job *model.Job) error {
	var p ContainerCreatePayload
	if err := jobqueue.Unmarshal(job, &p); err != nil {
		return err
	}

	sess, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil
		}
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	ws, err := s.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return err
	}
	if err := s.ensureSandboxRunning(ctx, sess, ws); err != nil {
		return err
	}
	s.publishSessionEvent(ctx, sess.ProjectID, sess.ID, sess.Status, sess.CommitStatus, "")
	return nil
}

// HandleContainerDestroy tears the session's sandbox down. Destroy is a
// no-op for unknown sandboxes, making the handler trivially idempotent.
func (s *Service) HandleContainerDestroy(ctx context.Context, job *model.Job) error {
	var p ContainerDestroyPayload
	if err := jobqueue.Unmarshal(job, &p); err != nil {
		return err
	}
	return s.provider.Destroy(ctx, p.SessionID)
}

// HandleSessionCommit sends the commit command into the agent, waits for
// its terminal chunk, then closes the session — the only transition to
// closed.
func (s *Service) HandleSessionCommit(ctx context.Context, job *model.Job) error {
	var p CommitPayload
	if err := jobqueue.Unmarshal(job, &p); err != nil {
		return err
	}

	sess, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil
		}
		return err
	}
	if sess.Status == model.SessionStatusClosed {
		return nil
	}
	if s.commits == nil {
		return fmt.Errorf("commit runner not configured")
	}

	text := strings.TrimSpace("/discobot-commit " + p.BaseCommit)
	if err := s.commits.RunCommit(ctx, p.SessionID, text, s.config.CommitTimeout); err != nil {
		return err
	}

	if err := s.store.UpdateSessionCommitStatus(ctx, p.SessionID, model.CommitStatusCompleted); err != nil {
		return err
	}
	if err := s.store.UpdateSessionStatus(ctx, p.SessionID, model.SessionStatusClosed, nil); err != nil {
		return err
	}
	s.publishSessionEvent(ctx, sess.ProjectID, sess.ID, model.SessionStatusClosed, model.CommitStatusCompleted, "")
	return nil
}
