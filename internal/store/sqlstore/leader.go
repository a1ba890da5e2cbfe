package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// TryAcquireLeadership runs the acquire-or-heartbeat-or-
// takeover transaction for the one-row dispatcher_leader singleton: the
// row is created if absent, the heartbeat is renewed if serverID already
// holds the lease, the lease is taken over if the current holder's
// heartbeat is older than timeout, and the call otherwise reports that
// another server still holds a live lease.
func (s *SQLStore) TryAcquireLeadership(ctx context.Context, serverID string, timeout time.Duration) (bool, error) {
	tx, err := s.w().BeginTxx(ctx, nil)
	if err != nil {
		return false, apperror.Wrap(apperror.KindIOError, "", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var holder string
	var heartbeatAt time.Time
	err = tx.QueryRowContext(ctx, s.bind(`SELECT server_id, heartbeat_at FROM dispatcher_leader WHERE id = 1`)).Scan(&holder, &heartbeatAt)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			s.bind(`INSERT INTO dispatcher_leader (id, server_id, heartbeat_at, acquired_at) VALUES (1, ?, ?, ?)`),
			serverID, now, now,
		); err != nil {
			return false, apperror.Wrap(apperror.KindIOError, "", err)
		}
	case err != nil:
		return false, apperror.Wrap(apperror.KindIOError, "", err)
	case holder == serverID:
		if _, err := tx.ExecContext(ctx, s.bind(`UPDATE dispatcher_leader SET heartbeat_at = ? WHERE id = 1`), now); err != nil {
			return false, apperror.Wrap(apperror.KindIOError, "", err)
		}
	case now.Sub(heartbeatAt) > timeout:
		if _, err := tx.ExecContext(ctx,
			s.bind(`UPDATE dispatcher_leader SET server_id = ?, heartbeat_at = ?, acquired_at = ? WHERE id = 1`),
			serverID, now, now,
		); err != nil {
			return false, apperror.Wrap(apperror.KindIOError, "", err)
		}
	default:
		return false, tx.Commit()
	}

	if err := tx.Commit(); err != nil {
		return false, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return true, nil
}

// ReleaseLeadership gives up the lease early (graceful shutdown) so the
// next instance need not wait out the full heartbeat timeout.
func (s *SQLStore) ReleaseLeadership(ctx context.Context, serverID string) error {
	_, err := s.w().ExecContext(ctx,
		s.bind(`DELETE FROM dispatcher_leader WHERE id = 1 AND server_id = ?`), serverID,
	)
	if err != nil {
		return apperror.Wrap(apperror.KindIOError, "", err)
	}
	return nil
}

func (s *SQLStore) GetLeader(ctx context.Context) (*model.DispatcherLeader, error) {
	var l model.DispatcherLeader
	err := s.r().QueryRowContext(ctx, s.bind(`SELECT server_id, heartbeat_at, acquired_at FROM dispatcher_leader WHERE id = 1`)).
		Scan(&l.ServerID, &l.HeartbeatAt, &l.AcquiredAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("dispatcher_leader")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindIOError, "", err)
	}
	return &l, nil
}
