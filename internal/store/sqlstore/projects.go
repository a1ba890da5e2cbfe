package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

func (s *SQLStore) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ID == "" {
		p.ID = "project_" + uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO projects (id, slug, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		p.ID, p.Slug, p.Name, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT id, slug, name, created_at, updated_at FROM projects WHERE id = ?`), id,
	).Scan(&p.ID, &p.Slug, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("project")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &p, nil
}

func (s *SQLStore) GetProjectBySlug(ctx context.Context, slug string) (*model.Project, error) {
	var p model.Project
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT id, slug, name, created_at, updated_at FROM projects WHERE slug = ?`), slug,
	).Scan(&p.ID, &p.Slug, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("project")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &p, nil
}

func (s *SQLStore) ListProjectsForUser(ctx context.Context, userID string) ([]*model.Project, error) {
	rows, err := s.r().QueryContext(ctx, s.bind(`
		SELECT p.id, p.slug, p.name, p.created_at, p.updated_at
		FROM projects p
		JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = ?
		ORDER BY p.created_at ASC
	`), userID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProject cascades through every project-scoped table inside one
// transaction, deepest-dependent first, per store.ProjectStore.
func (s *SQLStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	stmts := []string{
		s.bind(`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE project_id = ?)`),
		s.bind(`DELETE FROM terminal_history WHERE session_id IN (SELECT id FROM sessions WHERE project_id = ?)`),
		s.bind(`DELETE FROM sessions WHERE project_id = ?`),
		s.bind(`DELETE FROM workspaces WHERE project_id = ?`),
		s.bind(`DELETE FROM agents WHERE project_id = ?`),
		s.bind(`DELETE FROM invitations WHERE project_id = ?`),
		s.bind(`DELETE FROM credentials WHERE project_id = ?`),
		s.bind(`DELETE FROM project_members WHERE project_id = ?`),
		s.bind(`DELETE FROM projects WHERE id = ?`),
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

func (s *SQLStore) AddProjectMember(ctx context.Context, m *model.ProjectMember) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO project_members (project_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`),
		m.ProjectID, m.UserID, m.Role, m.CreatedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetProjectMember(ctx context.Context, projectID, userID string) (*model.ProjectMember, error) {
	var m model.ProjectMember
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT project_id, user_id, role, created_at FROM project_members WHERE project_id = ? AND user_id = ?`),
		projectID, userID,
	).Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("project_member")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &m, nil
}

func (s *SQLStore) ListProjectMembers(ctx context.Context, projectID string) ([]*model.ProjectMember, error) {
	rows, err := s.r().QueryContext(ctx,
		s.bind(`SELECT project_id, user_id, role, created_at FROM project_members WHERE project_id = ? ORDER BY created_at ASC`),
		projectID,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.ProjectMember
	for rows.Next() {
		var m model.ProjectMember
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateInvitation(ctx context.Context, inv *model.Invitation) error {
	if inv.ID == "" {
		inv.ID = "invite_" + uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO invitations (id, project_id, email, role, token, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		inv.ID, inv.ProjectID, inv.Email, inv.Role, inv.Token, inv.ExpiresAt, inv.CreatedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetInvitationByToken(ctx context.Context, token string) (*model.Invitation, error) {
	var inv model.Invitation
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT id, project_id, email, role, token, expires_at, created_at FROM invitations WHERE token = ?`), token,
	).Scan(&inv.ID, &inv.ProjectID, &inv.Email, &inv.Role, &inv.Token, &inv.ExpiresAt, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("invitation")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &inv, nil
}
