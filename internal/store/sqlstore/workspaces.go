package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// workspace columns are selected explicitly (rather than via sqlx struct
// binding) because model.Workspace.Commit carries db:"commit", a reserved
// word in both backends; the schema's column is commit_sha.
const workspaceColumns = `id, project_id, path, source_type, git_url, status, commit_sha, error_message, created_at, updated_at`

func scanWorkspace(row interface{ Scan(...any) error }, w *model.Workspace) error {
	return row.Scan(&w.ID, &w.ProjectID, &w.Path, &w.SourceType, &w.GitURL, &w.Status, &w.Commit, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt)
}

func (s *SQLStore) CreateWorkspace(ctx context.Context, w *model.Workspace) error {
	if w.ID == "" {
		w.ID = "workspace_" + uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO workspaces (id, project_id, path, source_type, git_url, status, commit_sha, error_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		w.ID, w.ProjectID, w.Path, w.SourceType, w.GitURL, w.Status, w.Commit, w.ErrorMessage, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var w model.Workspace
	row := s.r().QueryRowContext(ctx, s.bind(`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`), id)
	if err := scanWorkspace(row, &w); err == sql.ErrNoRows {
		return nil, apperror.NotFound("workspace")
	} else if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &w, nil
}

func (s *SQLStore) ListWorkspaces(ctx context.Context, projectID string) ([]*model.Workspace, error) {
	rows, err := s.r().QueryContext(ctx,
		s.bind(`SELECT `+workspaceColumns+` FROM workspaces WHERE project_id = ? ORDER BY created_at ASC`), projectID,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.Workspace
	for rows.Next() {
		var w model.Workspace
		if err := scanWorkspace(rows, &w); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, commit, errorMessage *string) error {
	_, err := s.w().ExecContext(ctx,
		s.bind(`UPDATE workspaces SET status = ?, commit_sha = ?, error_message = ?, updated_at = ? WHERE id = ?`),
		status, commit, errorMessage, time.Now().UTC(), id,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

// DeleteWorkspace cascades messages and terminal history for all of the
// workspace's sessions, then the sessions, then the workspace row, in one
// transaction.
func (s *SQLStore) DeleteWorkspace(ctx context.Context, id string) error {
	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	stmts := []string{
		s.bind(`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE workspace_id = ?)`),
		s.bind(`DELETE FROM terminal_history WHERE session_id IN (SELECT id FROM sessions WHERE workspace_id = ?)`),
		s.bind(`DELETE FROM sessions WHERE workspace_id = ?`),
		s.bind(`DELETE FROM workspaces WHERE id = ?`),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return apperror.Wrap(apperror.KindIOError, "", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) CountUndestroyedSessions(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT COUNT(*) FROM sessions WHERE workspace_id = ? AND status != ?`),
		workspaceID, model.SessionStatusClosed,
	).Scan(&n)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return n, nil
}
