package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/db/dialect"
	"github.com/wskish/discobot/pkg/model"
)

const agentColumns = `id, project_id, name, agent_type, system_prompt, mcp_servers, is_default, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }, a *model.Agent) error {
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.AgentType, &a.SystemPrompt, &a.MCPServersJSON, &a.IsDefault, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return err
	}
	return unmarshalMCPServers(a)
}

func unmarshalMCPServers(a *model.Agent) error {
	if a.MCPServersJSON == "" {
		a.MCPServers = nil
		return nil
	}
	return json.Unmarshal([]byte(a.MCPServersJSON), &a.MCPServers)
}

func (s *SQLStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	if a.ID == "" {
		a.ID = "agent_" + uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.MCPServersJSON == "" {
		raw, err := json.Marshal(a.MCPServers)
		if err != nil {
			return apperror.Wrap(apperror.KindInvalidRequest, "", err)
		}
		a.MCPServersJSON = string(raw)
	}
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO agents (id, project_id, name, agent_type, system_prompt, mcp_servers, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.ProjectID, a.Name, a.AgentType, a.SystemPrompt, a.MCPServersJSON, dialect.BoolToInt(a.IsDefault), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	row := s.r().QueryRowContext(ctx, s.bind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if err := scanAgent(row, &a); err == sql.ErrNoRows {
		return nil, apperror.NotFound("agent")
	} else if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &a, nil
}

func (s *SQLStore) GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error) {
	var a model.Agent
	row := s.r().QueryRowContext(ctx,
		s.bind(`SELECT `+agentColumns+` FROM agents WHERE project_id = ? AND is_default = ?`),
		projectID, dialect.BoolToInt(true),
	)
	if err := scanAgent(row, &a); err == sql.ErrNoRows {
		return nil, apperror.NotFound("agent")
	} else if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context, projectID string) ([]*model.Agent, error) {
	rows, err := s.r().QueryContext(ctx, s.bind(`SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY created_at ASC`), projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		var a model.Agent
		if err := scanAgent(rows, &a); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateAgent(ctx context.Context, a *model.Agent) error {
	raw, err := json.Marshal(a.MCPServers)
	if err != nil {
		return apperror.Wrap(apperror.KindInvalidRequest, "", err)
	}
	a.MCPServersJSON = string(raw)
	a.UpdatedAt = time.Now().UTC()
	_, err = s.w().ExecContext(ctx,
		s.bind(`UPDATE agents SET name = ?, agent_type = ?, system_prompt = ?, mcp_servers = ?, updated_at = ? WHERE id = ?`),
		a.Name, a.AgentType, a.SystemPrompt, a.MCPServersJSON, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.w().ExecContext(ctx, s.bind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

// SetDefaultAgent clears every existing default in the project then sets
// the chosen agent's flag, in one transaction (at most one default
// agent per project).
func (s *SQLStore) SetDefaultAgent(ctx context.Context, projectID, agentID string) error {
	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		s.bind(`UPDATE agents SET is_default = ?, updated_at = ? WHERE project_id = ?`), dialect.BoolToInt(false), now, projectID,
	); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	res, err := tx.ExecContext(ctx,
		s.bind(`UPDATE agents SET is_default = ?, updated_at = ? WHERE id = ? AND project_id = ?`), dialect.BoolToInt(true), now, agentID, projectID,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("agent")
	}
	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}
