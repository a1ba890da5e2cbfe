package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/db/dialect"
	"github.com/wskish/discobot/pkg/model"
)

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts, error, worker_id, resource_type, resource_id, scheduled_at, started_at, completed_at, created_at`

func scanJob(row interface{ Scan(...any) error }, j *model.Job) error {
	return row.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.Error, &j.WorkerID,
		&j.ResourceType, &j.ResourceID, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
}

func (s *SQLStore) CreateJob(ctx context.Context, j *model.Job) error {
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	if j.Status == "" {
		j.Status = model.JobStatusPending
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	_, err := s.w().ExecContext(ctx,
		s.bind(`INSERT INTO jobs (id, type, payload, status, priority, attempts, max_attempts, error, worker_id, resource_type, resource_id, scheduled_at, started_at, completed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, j.Type, j.Payload, j.Status, j.Priority, j.Attempts, j.MaxAttempts, j.Error, j.WorkerID,
		j.ResourceType, j.ResourceID, j.ScheduledAt, j.StartedAt, j.CompletedAt, j.CreatedAt,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	row := s.r().QueryRowContext(ctx, s.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if err := scanJob(row, &j); err == sql.ErrNoRows {
		return nil, apperror.NotFound("job")
	} else if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &j, nil
}

type jobCandidate struct {
	ID           string
	ResourceType sql.NullString
	ResourceID   sql.NullString
}

// ClaimJobOfTypes claims the next runnable job as one transaction:
// candidates of the requested types are considered in priority DESC,
// scheduled_at ASC, created_at ASC order; a candidate bound to a
// (resource_type, resource_id) pair is skipped while another job for
// that same pair is running. The candidate SELECT takes row locks on
// Postgres (dialect.LockRows) so two claimers block on the shared head
// candidate and re-evaluate after the winner commits — the running-count
// check then sees the winner's claim; SQLite's single writer connection
// serializes the transaction already.
func (s *SQLStore) ClaimJobOfTypes(ctx context.Context, types []model.JobType, workerID string) (*model.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	query, args, err := sqlx.In(
		`SELECT id, resource_type, resource_id FROM jobs
		 WHERE status = ? AND type IN (?) AND scheduled_at <= ?
		 ORDER BY priority DESC, scheduled_at ASC, created_at ASC
		 LIMIT 10`+dialect.LockRows(s.driver),
		model.JobStatusPending, types, now,
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}

	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	var candidates []jobCandidate
	for rows.Next() {
		var c jobCandidate
		if err := rows.Scan(&c.ID, &c.ResourceType, &c.ResourceID); err != nil {
			rows.Close()
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}

	for _, c := range candidates {
		if c.ResourceType.Valid && c.ResourceID.Valid {
			var running int
			err := tx.QueryRowContext(ctx,
				s.bind(`SELECT COUNT(*) FROM jobs WHERE resource_type = ? AND resource_id = ? AND status = ? AND id != ?`),
				c.ResourceType.String, c.ResourceID.String, model.JobStatusRunning, c.ID,
			).Scan(&running)
			if err != nil {
				return nil, apperror.Wrap(apperror.KindIOError, "", err)
			}
			if running > 0 {
				continue
			}
		}

		res, err := tx.ExecContext(ctx,
			s.bind(`UPDATE jobs SET status = ?, worker_id = ?, started_at = ?, attempts = attempts + 1 WHERE id = ? AND status = ?`),
			model.JobStatusRunning, workerID, now, c.ID, model.JobStatusPending,
		)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue // re-evaluated away after a lock wait; try the next candidate
		}
		if err := tx.Commit(); err != nil {
			return nil, apperror.Wrap(apperror.KindIOError, "", err)
		}
		return s.GetJob(ctx, c.ID)
	}
	return nil, tx.Commit()
}

func (s *SQLStore) CompleteJob(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.w().ExecContext(ctx,
		s.bind(`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`), model.JobStatusCompleted, now, id,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

// FailJob records errMsg against the job. If attempts remain below
// max_attempts, the job is rescheduled pending after a backoff of
// attempts*backoffUnit; otherwise it is marked failed
// terminally.
func (s *SQLStore) FailJob(ctx context.Context, id string, errMsg string, backoffUnit time.Duration) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if j.Attempts < j.MaxAttempts {
		delay := time.Duration(j.Attempts) * backoffUnit
		_, err := s.w().ExecContext(ctx,
			s.bind(`UPDATE jobs SET status = ?, error = ?, worker_id = NULL, scheduled_at = ? WHERE id = ?`),
			model.JobStatusPending, errMsg, now.Add(delay), id,
		)
		if err != nil {
			return apperror.Wrap(apperror.KindIOError, "", err)
		}
		return nil
	}
	_, err = s.w().ExecContext(ctx,
		s.bind(`UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?`),
		model.JobStatusFailed, errMsg, now, id,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

// CleanupStaleJobs requeues jobs stuck in status=running whose started_at
// is older than staleAfter, treating them as worker-crash orphans.
func (s *SQLStore) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	res, err := s.w().ExecContext(ctx,
		s.bind(`UPDATE jobs SET status = ?, worker_id = NULL, error = ? WHERE status = ? AND started_at < ?`),
		model.JobStatusPending, "stale job recovered", model.JobStatusRunning, cutoff,
	)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindIOError, "", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RescheduleJobNow clears a pending job's backoff delay so it becomes
// claimable immediately.
func (s *SQLStore) RescheduleJobNow(ctx context.Context, id string) error {
	_, err := s.w().ExecContext(ctx,
		s.bind(`UPDATE jobs SET scheduled_at = ? WHERE id = ?`), time.Now().UTC(), id,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

// CountJobsByStatus powers discobotctl's queue-status view.
func (s *SQLStore) CountJobsByStatus(ctx context.Context, status model.JobStatus) (int, error) {
	var n int
	err := s.r().QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM jobs WHERE status = ?`), status).Scan(&n)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return n, nil
}

func (s *SQLStore) CountRunningJobsForResource(ctx context.Context, resourceType, resourceID, excludeJobID string) (int, error) {
	var n int
	err := s.r().QueryRowContext(ctx,
		s.bind(`SELECT COUNT(*) FROM jobs WHERE resource_type = ? AND resource_id = ? AND status = ? AND id != ?`),
		resourceType, resourceID, model.JobStatusRunning, excludeJobID,
	).Scan(&n)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return n, nil
}
