// Package session owns the session state machine: creation,
// workspace provisioning, sandbox create/start, agent start, commit, and
// teardown, driven through durable jobs so every transition survives a
// process crash.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/events"
	"github.com/wskish/discobot/internal/jobqueue"
	"github.com/wskish/discobot/internal/sandbox"
	"github.com/wskish/discobot/internal/secrets"
	"github.com/wskish/discobot/internal/store"
	"github.com/wskish/discobot/pkg/model"
)

// resourceSession serializes all jobs touching one session.
const resourceSession = "session"

// resourceWorkspace serializes workspace init jobs per workspace.
const resourceWorkspace = "workspace"

// CommitRunner drives one commit completion through the chat pipeline:
// send text as a user message into the session's agent and block until
// the agent emits a terminal chunk or the timeout lapses. Implemented by
// the completion service; injected to keep this package free of a
// dependency cycle.
type CommitRunner interface {
	RunCommit(ctx context.Context, sessionID, text string, timeout time.Duration) error
}

// Config holds the session service's sandbox parameters.
type Config struct {
	Image         string
	CommitTimeout time.Duration
}

// Service composes workspace prep, sandbox provisioning, and agent start.
type Service struct {
	store    store.Store
	provider sandbox.Provider
	queue    *jobqueue.Queue
	broker   *events.Broker
	secrets  *secrets.Service
	logger   *logger.Logger
	config   Config

	commits CommitRunner
}

// NewService creates the session service.
func NewService(s store.Store, p sandbox.Provider, q *jobqueue.Queue, b *events.Broker, sec *secrets.Service, log *logger.Logger, cfg Config) *Service {
	return &Service{
		store:    s,
		provider: p,
		queue:    q,
		broker:   b,
		secrets:  sec,
		logger:   log.WithFields(zap.String("component", "session_service")),
		config:   cfg,
	}
}

// SetCommitRunner injects the completion pipeline used by commit jobs.
func (s *Service) SetCommitRunner(r CommitRunner) { s.commits = r }

// Create inserts a session in initializing and enqueues its session_init
// job. The job serializes on the session resource so no other lifecycle
// work can interleave. id may be empty (one is generated) or supplied by
// the caller — the chat surface reuses the UI SDK's chat id as the
// session id.
func (s *Service) Create(ctx context.Context, projectID, workspaceID, agentID, name, id string) (*model.Session, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.ProjectID != projectID {
		return nil, apperror.NotFound("workspace")
	}
	if ws.Status == model.WorkspaceStatusError {
		return nil, apperror.Conflict("workspace_error", "workspace is in error state; delete and recreate it")
	}

	sess := &model.Session{
		ID:          id,
		ProjectID:   projectID,
		WorkspaceID: workspaceID,
		Name:        name,
		Status:      model.SessionStatusInitializing,
	}
	if agentID != "" {
		sess.AgentID = &agentID
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	_, err = s.queue.Enqueue(ctx, model.JobTypeSessionInit, InitPayload{
		ProjectID:   projectID,
		SessionID:   sess.ID,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
	}, jobqueue.WithResource(resourceSession, sess.ID))
	if err != nil {
		return nil, err
	}

	s.publishSessionEvent(ctx, sess.ProjectID, sess.ID, sess.Status, sess.CommitStatus, "")
	return sess, nil
}

// Delete tears the session down: its sandbox is destroyed through a
// container_destroy job (serialized with any in-flight lifecycle work)
// and the rows are removed. This is the only way out of the error state.
func (s *Service) Delete(ctx context.Context, projectID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ProjectID != projectID {
		return apperror.NotFound("session")
	}

	if _, err := s.queue.Enqueue(ctx, model.JobTypeContainerDestroy, ContainerDestroyPayload{
		ProjectID: projectID,
		SessionID: sessionID,
	}, jobqueue.WithResource(resourceSession, sessionID)); err != nil {
		return err
	}

	return s.store.DeleteSession(ctx, sessionID)
}

// Commit begins the opt-in commit flow: commit_status flips to pending
// and a session_commit job drives the agent-side commit conversation.
func (s *Service) Commit(ctx context.Context, projectID, sessionID, baseCommit string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ProjectID != projectID {
		return apperror.NotFound("session")
	}
	if sess.Status != model.SessionStatusRunning {
		return apperror.Conflict("session_not_running", "session must be running to commit")
	}
	if sess.CommitStatus == model.CommitStatusPending {
		return apperror.Conflict("commit_in_progress", "a commit is already in progress")
	}

	if err := s.store.UpdateSessionCommitStatus(ctx, sessionID, model.CommitStatusPending); err != nil {
		return err
	}

	_, err = s.queue.Enqueue(ctx, model.JobTypeSessionCommit, CommitPayload{
		ProjectID:  projectID,
		SessionID:  sessionID,
		BaseCommit: baseCommit,
	}, jobqueue.WithResource(resourceSession, sessionID))
	if err != nil {
		return err
	}

	s.publishSessionEvent(ctx, projectID, sessionID, sess.Status, model.CommitStatusPending, "")
	return nil
}

// CreateWorkspace inserts a workspace in initializing and enqueues its
// init job.
func (s *Service) CreateWorkspace(ctx context.Context, ws *model.Workspace) (*model.Workspace, error) {
	ws.Status = model.WorkspaceStatusInitializing
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	_, err := s.queue.Enqueue(ctx, model.JobTypeWorkspaceInit, WorkspaceInitPayload{
		ProjectID:   ws.ProjectID,
		WorkspaceID: ws.ID,
	}, jobqueue.WithResource(resourceWorkspace, ws.ID))
	if err != nil {
		return nil, err
	}
	s.publishWorkspaceEvent(ctx, ws.ProjectID, ws.ID, ws.Status, "", "")
	return ws, nil
}

// DeleteWorkspace removes the workspace. Undestroyed sessions block the
// delete unless cascade is set, in which case their sandboxes are torn
// down first.
func (s *Service) DeleteWorkspace(ctx context.Context, projectID, workspaceID string, cascade bool) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.ProjectID != projectID {
		return apperror.NotFound("workspace")
	}

	n, err := s.store.CountUndestroyedSessions(ctx, workspaceID)
	if err != nil {
		return err
	}
	if n > 0 && !cascade {
		return apperror.Conflict("workspace_has_sessions", "workspace has active sessions; pass deleteFiles to cascade")
	}
	if n > 0 {
		sessions, err := s.store.ListSessions(ctx, projectID, workspaceID, true)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if _, err := s.queue.Enqueue(ctx, model.JobTypeContainerDestroy, ContainerDestroyPayload{
				ProjectID: projectID,
				SessionID: sess.ID,
			}, jobqueue.WithResource(resourceSession, sess.ID)); err != nil {
				return err
			}
		}
	}
	return s.store.DeleteWorkspace(ctx, workspaceID)
}

// EnsureSandboxDestroyed enqueues a container_destroy job for a session
// whose rows are about to be removed.
func (s *Service) EnsureSandboxDestroyed(ctx context.Context, projectID, sessionID string) error {
	_, err := s.queue.Enqueue(ctx, model.JobTypeContainerDestroy, ContainerDestroyPayload{
		ProjectID: projectID,
		SessionID: sessionID,
	}, jobqueue.WithResource(resourceSession, sessionID))
	return err
}

// EnsureSandbox enqueues a container_create job for a session whose
// sandbox went missing (e.g. a chat arriving after a host restart).
func (s *Service) EnsureSandbox(ctx context.Context, projectID, sessionID string) error {
	_, err := s.queue.Enqueue(ctx, model.JobTypeContainerCreate, ContainerCreatePayload{
		ProjectID: projectID,
		SessionID: sessionID,
	}, jobqueue.WithResource(resourceSession, sessionID))
	return err
}

func (s *Service) publishSessionEvent(ctx context.Context, projectID, sessionID string, status model.SessionStatus, commitStatus model.CommitStatus, errMsg string) {
	_, err := s.broker.Publish(ctx, projectID, model.EventTypeSessionUpdated, events.SessionUpdatedData{
		SessionID:    sessionID,
		Status:       string(status),
		CommitStatus: string(commitStatus),
		ErrorMessage: errMsg,
	})
	if err != nil {
		s.logger.Warn("session event publish failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Service) publishWorkspaceEvent(ctx context.Context, projectID, workspaceID string, status model.WorkspaceStatus, commit, errMsg string) {
	_, err := s.broker.Publish(ctx, projectID, model.EventTypeWorkspaceUpdated, events.WorkspaceUpdatedData{
		WorkspaceID:  workspaceID,
		Status:       string(status),
		Commit:       commit,
		ErrorMessage: errMsg,
	})
	if err != nil {
		s.logger.Warn("workspace event publish failed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
}
