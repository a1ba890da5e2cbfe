package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

const credentialColumns = `id, project_id, provider, auth_type, secret_ciphertext, secret_nonce, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }, c *model.Credential) error {
	return row.Scan(&c.ID, &c.ProjectID, &c.Provider, &c.AuthType, &c.SecretCiphertext, &c.SecretNonce, &c.CreatedAt, &c.UpdatedAt)
}

func (s *SQLStore) CreateCredential(ctx context.Context, c *model.Credential) error {
	if c.ID == "" {
		c.ID = "credential_" + uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO credentials (id, project_id, provider, auth_type, secret_ciphertext, secret_nonce, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.ProjectID, c.Provider, c.AuthType, c.SecretCiphertext, c.SecretNonce, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	var c model.Credential
	row := s.r().QueryRowContext(ctx, s.bind(`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`), id)
	if err := scanCredential(row, &c); err == sql.ErrNoRows {
		return nil, apperror.NotFound("credential")
	} else if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &c, nil
}

func (s *SQLStore) GetCredentialByProvider(ctx context.Context, projectID, provider string) (*model.Credential, error) {
	var c model.Credential
	row := s.r().QueryRowContext(ctx,
		s.bind(`SELECT `+credentialColumns+` FROM credentials WHERE project_id = ? AND provider = ?`), projectID, provider,
	)
	if err := scanCredential(row, &c); err == sql.ErrNoRows {
		return nil, apperror.NotFound("credential")
	} else if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &c, nil
}

func (s *SQLStore) ListCredentials(ctx context.Context, projectID string) ([]*model.Credential, error) {
	rows, err := s.r().QueryContext(ctx, s.bind(`SELECT `+credentialColumns+` FROM credentials WHERE project_id = ? ORDER BY created_at ASC`), projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.Credential
	for rows.Next() {
		var c model.Credential
		if err := scanCredential(rows, &c); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteCredential(ctx context.Context, id string) error {
	_, err := s.w().ExecContext(ctx, s.bind(`DELETE FROM credentials WHERE id = ?`), id)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}
