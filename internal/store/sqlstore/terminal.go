package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// AppendTerminalEvent assigns a per-session seq and inserts the row in
// one transaction, mirroring CreateMessage's ordering scheme.
func (s *SQLStore) AppendTerminalEvent(ctx context.Context, e *model.TerminalHistoryEntry) error {
	if e.ID == "" {
		e.ID = "term_" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		s.bind(`SELECT MAX(seq) FROM terminal_history WHERE session_id = ?`), e.SessionID,
	).Scan(&maxSeq); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	e.Seq = maxSeq.Int64 + 1

	if _, err := tx.ExecContext(ctx,
		s.bind(`INSERT INTO terminal_history (id, session_id, seq, kind, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.SessionID, e.Seq, e.Kind, e.Data, e.CreatedAt,
	); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}

	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) ListTerminalEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*model.TerminalHistoryEntry, error) {
	rows, err := s.r().QueryContext(ctx,
		s.bind(`SELECT id, session_id, seq, kind, data, created_at FROM terminal_history WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`),
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.TerminalHistoryEntry
	for rows.Next() {
		var e model.TerminalHistoryEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Kind, &e.Data, &e.CreatedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
