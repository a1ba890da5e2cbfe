package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// bind rewrites ?-style placeholders to the driver's native style.
func (s *SQLStore) bind(query string) string { return s.w().Rebind(query) }

func (s *SQLStore) GetOrCreateUser(ctx context.Context, provider, providerID, email, name string) (*model.User, error) {
	var u model.User
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT id, provider, provider_id, email, name, created_at FROM users WHERE provider = ? AND provider_id = ?`),
		provider, providerID,
	).Scan(&u.ID, &u.Provider, &u.ProviderID, &u.Email, &u.Name, &u.CreatedAt)
	if err == nil {
		return &u, nil
	}
	if err != sql.ErrNoRows {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}

	u = model.User{
		ID:         "user_" + uuid.NewString(),
		Provider:   provider,
		ProviderID: providerID,
		Email:      email,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.w().ExecContext(ctx,
		s.bind(`INSERT INTO users (id, provider, provider_id, email, name, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID, u.Provider, u.ProviderID, u.Email, u.Name, u.CreatedAt,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &u, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT id, provider, provider_id, email, name, created_at FROM users WHERE id = ?`), id,
	).Scan(&u.ID, &u.Provider, &u.ProviderID, &u.Email, &u.Name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("user")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &u, nil
}

func (s *SQLStore) CreateUserSession(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (*model.UserSession, error) {
	us := &model.UserSession{
		ID:        "usess_" + uuid.NewString(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO user_sessions (id, user_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`),
		us.ID, us.UserID, us.TokenHash, us.ExpiresAt, us.CreatedAt,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return us, nil
}

func (s *SQLStore) GetUserSessionByTokenHash(ctx context.Context, tokenHash string) (*model.UserSession, error) {
	var us model.UserSession
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT id, user_id, token_hash, expires_at, created_at FROM user_sessions WHERE token_hash = ?`), tokenHash,
	).Scan(&us.ID, &us.UserID, &us.TokenHash, &us.ExpiresAt, &us.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("user_session")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &us, nil
}

func (s *SQLStore) DeleteExpiredUserSessions(ctx context.Context, now time.Time) error {
	_, err := s.w().ExecContext(ctx, s.bind(`DELETE FROM user_sessions WHERE expires_at < ?`), now)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) DeleteUserSession(ctx context.Context, tokenHash string) error {
	_, err := s.w().ExecContext(ctx, s.bind(`DELETE FROM user_sessions WHERE token_hash = ?`), tokenHash)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

