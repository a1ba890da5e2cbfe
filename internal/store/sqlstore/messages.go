package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// CreateMessage assigns Seq as (max existing seq for the session) + 1 and
// inserts the row inside one transaction, so concurrent appends to the
// same session never collide on Seq.
func (s *SQLStore) CreateMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = "msg_" + uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		s.bind(`SELECT MAX(seq) FROM messages WHERE session_id = ?`), m.SessionID,
	).Scan(&maxSeq); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	m.Seq = maxSeq.Int64 + 1

	if _, err := tx.ExecContext(ctx,
		s.bind(`INSERT INTO messages (id, session_id, role, body, seq, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		m.ID, m.SessionID, m.Role, m.Body, m.Seq, m.CreatedAt,
	); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}

	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	rows, err := s.r().QueryContext(ctx,
		s.bind(`SELECT id, session_id, role, body, seq, created_at FROM messages WHERE session_id = ? ORDER BY seq ASC`),
		sessionID,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Body, &m.Seq, &m.CreatedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
