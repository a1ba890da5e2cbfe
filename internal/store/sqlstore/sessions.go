package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

const sessionColumns = `id, project_id, workspace_id, agent_id, name, description, status, error_message, commit_status, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }, sess *model.Session) error {
	return row.Scan(&sess.ID, &sess.ProjectID, &sess.WorkspaceID, &sess.AgentID, &sess.Name, &sess.Description,
		&sess.Status, &sess.ErrorMessage, &sess.CommitStatus, &sess.CreatedAt, &sess.UpdatedAt)
}

func (s *SQLStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = "session_" + uuid.NewString()
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	if sess.CommitStatus == "" {
		sess.CommitStatus = model.CommitStatusNone
	}
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO sessions (id, project_id, workspace_id, agent_id, name, description, status, error_message, commit_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.ProjectID, sess.WorkspaceID, sess.AgentID, sess.Name, sess.Description,
		sess.Status, sess.ErrorMessage, sess.CommitStatus, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	row := s.r().QueryRowContext(ctx, s.bind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	if err := scanSession(row, &sess); err == sql.ErrNoRows {
		return nil, apperror.NotFound("session")
	} else if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &sess, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, projectID string, workspaceID string, includeClosed bool) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id = ?`
	args := []any{projectID}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	if !includeClosed {
		query += ` AND status != ?`
		args = append(args, model.SessionStatusClosed)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.r().QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var sess model.Session
		if err := scanSession(rows, &sess); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errorMessage *string) error {
	_, err := s.w().ExecContext(ctx,
		s.bind(`UPDATE sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`),
		status, errorMessage, time.Now().UTC(), id,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

// DeleteSession removes the session's messages, terminal history, and
// row in one transaction.
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM terminal_history WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.bind(stmt), id); err != nil {
			return apperror.Wrap(apperror.KindIOError, "", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) UpdateSessionCommitStatus(ctx context.Context, id string, status model.CommitStatus) error {
	_, err := s.w().ExecContext(ctx,
		s.bind(`UPDATE sessions SET commit_status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}
