package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

const eventColumns = `id, seq, project_id, type, data, created_at`

func scanEvent(row interface{ Scan(...any) error }, e *model.ProjectEvent) error {
	return row.Scan(&e.ID, &e.Seq, &e.ProjectID, &e.Type, &e.Data, &e.CreatedAt)
}

// CreateProjectEvent assigns Seq from the global event_seq_counter
// and inserts the row in one transaction, so seq is strictly increasing
// and gap-free regardless of backend autoincrement semantics.
func (s *SQLStore) CreateProjectEvent(ctx context.Context, e *model.ProjectEvent) error {
	if e.ID == "" {
		e.ID = "event_" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, s.bind(`SELECT next_seq FROM event_seq_counter WHERE id = 1`)).Scan(&next); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	if _, err := tx.ExecContext(ctx, s.bind(`UPDATE event_seq_counter SET next_seq = ? WHERE id = 1`), next+1); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	e.Seq = next

	if _, err := tx.ExecContext(ctx,
		s.bind(`INSERT INTO project_events (id, seq, project_id, type, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.Seq, e.ProjectID, e.Type, e.Data, e.CreatedAt,
	); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}

	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

// ListEventsAfterSeq powers the broker's cross-process poller: it scans
// every project, not just one, so a single poll can fan events out to all
// subscribed projects.
func (s *SQLStore) ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]*model.ProjectEvent, error) {
	rows, err := s.r().QueryContext(ctx,
		s.bind(`SELECT `+eventColumns+` FROM project_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`), afterSeq, limit,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.ProjectEvent
	for rows.Next() {
		var e model.ProjectEvent
		if err := scanEvent(rows, &e); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListProjectEventsAfterID resolves afterID's seq (0 if empty/unknown)
// then returns events for projectID with a higher seq, for HTTP clients
// resuming an SSE stream from Last-Event-ID.
func (s *SQLStore) ListProjectEventsAfterID(ctx context.Context, projectID, afterID string, limit int) ([]*model.ProjectEvent, error) {
	var afterSeq int64
	if afterID != "" {
		err := s.r().QueryRowContext(ctx, s.bind(`SELECT seq FROM project_events WHERE id = ?`), afterID).Scan(&afterSeq)
		if err != nil && err != sql.ErrNoRows {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
	}

	rows, err := s.r().QueryContext(ctx,
		s.bind(`SELECT `+eventColumns+` FROM project_events WHERE project_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`),
		projectID, afterSeq, limit,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer rows.Close()

	var out []*model.ProjectEvent
	for rows.Next() {
		var e model.ProjectEvent
		if err := scanEvent(rows, &e); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MaxEventSeq reads the counter rather than MAX(seq) over the rows so the
// answer stays correct after garbage collection deletes the newest rows.
func (s *SQLStore) MaxEventSeq(ctx context.Context) (int64, error) {
	var next int64
	err := s.r().QueryRowContext(ctx, s.bind(`SELECT next_seq FROM event_seq_counter WHERE id = 1`)).Scan(&next)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return next - 1, nil
}

// GarbageCollectEvents deletes rows older than olderThan. It never reuses
// seq values: event_seq_counter is independent of the rows deleted here.
func (s *SQLStore) GarbageCollectEvents(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.w().ExecContext(ctx, s.bind(`DELETE FROM project_events WHERE created_at < ?`), olderThan)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindIOError, "", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
