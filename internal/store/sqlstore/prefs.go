package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/db/dialect"
	"github.com/wskish/discobot/pkg/model"
)

// SetUserPreference upserts via dialect-appropriate conflict handling so
// callers never need to know whether the row already exists.
func (s *SQLStore) SetUserPreference(ctx context.Context, userID, key, value string) error {
	now := time.Now().UTC()
	if dialect.IsPostgres(s.driver) {
		_, err := s.w().ExecContext(ctx,
			s.bind(`INSERT INTO user_preferences (user_id, pref_key, value, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (user_id, pref_key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`),
			userID, key, value, now,
		)
		if err != nil {
			return apperror.Wrap(apperror.KindIOError, "", err)
		}
		return nil
	}
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO user_preferences (user_id, pref_key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, pref_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		userID, key, value, now,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetUserPreference(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT value FROM user_preferences WHERE user_id = ? AND pref_key = ?`), userID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", apperror.NotFound("user_preference")
	}
	if err != nil {
		return "", apperror.Wrap(apperror.KindIOError, "", err)
	}
	return value, nil
}

func (s *SQLStore) ListUserPreferences(ctx context.Context, userID string) ([]*model.UserPreference, error) {
	rows, err := s.r().QueryContext(ctx,
		s.bind(`SELECT user_id, pref_key, value, updated_at FROM user_preferences WHERE user_id = ? ORDER BY pref_key ASC`), userID,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.UserPreference
	for rows.Next() {
		var p model.UserPreference
		if err := rows.Scan(&p.UserID, &p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
