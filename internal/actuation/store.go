package actuation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parklens/parklens-platform/pkg/postgres"
)

// pgUniqueViolation is raised by the pending-dedup partial unique index when
// two recomputations race to enqueue the same conclusion
const pgUniqueViolation = "23505"

// errDuplicatePending signals that an identical unresolved command already
// exists; the caller treats it as a successful no-op
var errDuplicatePending = errors.New("duplicate pending command")

// Store persists actuation commands in Postgres
type Store struct {
	pg postgres.Client
}

// NewStore creates a command store
func NewStore(pg postgres.Client) *Store {
	return &Store{pg: pg}
}

// Latest returns the most recent command for a device, or nil when the
// device has never been commanded
func (s *Store) Latest(ctx context.Context, deviceID string) (*Command, error) {
	const q = `
		SELECT id, space_id, display_device_id, payload, content_hash, status,
		       retry_count, next_attempt_at, COALESCE(last_error, ''),
		       created_at, sent_at, acknowledged_at, failed_at
		FROM actuation_commands
		WHERE display_device_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var c Command
	err := s.pg.QueryRow(ctx, q, deviceID).Scan(
		&c.ID, &c.SpaceID, &c.DisplayDeviceID, &c.Payload, &c.ContentHash, &c.Status,
		&c.RetryCount, &c.NextAttemptAt, &c.LastError,
		&c.CreatedAt, &c.SentAt, &c.AcknowledgedAt, &c.FailedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest command for %s: %w", deviceID, err)
	}
	return &c, nil
}

// Insert persists a new pending command and supersedes any older pending
// command for the same device: the newest decision is the only one worth
// delivering. Returns errDuplicatePending when the dedup index rejects an
// identical unresolved command.
func (s *Store) Insert(ctx context.Context, cmd *Command) error {
	return s.pg.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE actuation_commands
			SET status = 'failed', last_error = 'superseded by newer decision', failed_at = now()
			WHERE display_device_id = $1 AND status = 'pending' AND content_hash <> $2`,
			cmd.DisplayDeviceID, cmd.ContentHash)
		if err != nil {
			return fmt.Errorf("failed to supersede stale commands: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO actuation_commands (id, space_id, display_device_id, payload, content_hash, status, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', now())
			RETURNING created_at, next_attempt_at`,
			cmd.ID, cmd.SpaceID, cmd.DisplayDeviceID, cmd.Payload, cmd.ContentHash,
		).Scan(&cmd.CreatedAt, &cmd.NextAttemptAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
				return errDuplicatePending
			}
			return fmt.Errorf("failed to insert command: %w", err)
		}
		cmd.Status = StatusPending
		return nil
	})
}

// Due returns pending commands whose next attempt time has passed
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT id, space_id, display_device_id, payload, content_hash, status,
		       retry_count, next_attempt_at, COALESCE(last_error, ''),
		       created_at, sent_at, acknowledged_at, failed_at
		FROM actuation_commands
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due commands: %w", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(
			&c.ID, &c.SpaceID, &c.DisplayDeviceID, &c.Payload, &c.ContentHash, &c.Status,
			&c.RetryCount, &c.NextAttemptAt, &c.LastError,
			&c.CreatedAt, &c.SentAt, &c.AcknowledgedAt, &c.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading due commands: %w", err)
	}
	return cmds, nil
}

// MarkSent records a successful handoff to the gateway
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.pg.Exec(ctx, `
		UPDATE actuation_commands
		SET status = 'sent', sent_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark command %s sent: %w", id, err)
	}
	return nil
}

// MarkAcknowledged records the device's delivery confirmation
func (s *Store) MarkAcknowledged(ctx context.Context, id uuid.UUID) error {
	_, err := s.pg.Exec(ctx, `
		UPDATE actuation_commands
		SET status = 'acknowledged', acknowledged_at = now()
		WHERE id = $1 AND status IN ('pending', 'sent')`, id)
	if err != nil {
		return fmt.Errorf("failed to mark command %s acknowledged: %w", id, err)
	}
	return nil
}

// ScheduleRetry bumps the retry counter and pushes the next attempt out
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, attemptErr string, nextAttempt time.Time) error {
	_, err := s.pg.Exec(ctx, `
		UPDATE actuation_commands
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    next_attempt_at = $3,
		    status = 'pending',
		    sent_at = NULL
		WHERE id = $1 AND status IN ('pending', 'sent')`,
		id, attemptErr, nextAttempt)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for command %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a terminal delivery failure
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, attemptErr string) error {
	_, err := s.pg.Exec(ctx, `
		UPDATE actuation_commands
		SET status = 'failed', last_error = $2, failed_at = now()
		WHERE id = $1 AND status IN ('pending', 'sent')`,
		id, attemptErr)
	if err != nil {
		return fmt.Errorf("failed to mark command %s failed: %w", id, err)
	}
	return nil
}

// Counts returns commands per status for the monitoring dashboard
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT status, count(*) FROM actuation_commands GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query command counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan command count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading command counts: %w", err)
	}
	return counts, nil
}
