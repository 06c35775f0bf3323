package space

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/pkg/postgres"
)

// ErrNotFound is returned when a space does not exist or is archived
var ErrNotFound = errors.New("space not found")

// Space is one monitored physical unit. SensorDeviceID and DisplayDeviceID
// are optional: a space can be display-only or sensor-only.
// LastDisplayState is an informational cache of the most recent dispatched
// state, not an authoritative input.
type Space struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	Label            string
	SensorDeviceID   string
	DisplayDeviceID  string
	LastDisplayState string
	ArchivedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store persists spaces in Postgres
type Store struct {
	pg     postgres.Client
	logger *slog.Logger
}

// NewStore creates a space store
func NewStore(pg postgres.Client, logger *slog.Logger) *Store {
	return &Store{pg: pg, logger: logger}
}

// Provision creates or updates a space record. Called by the provisioning
// layer when devices are registered.
func (s *Store) Provision(ctx context.Context, sp Space) (Space, error) {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	if sp.TenantID == uuid.Nil {
		return Space{}, fmt.Errorf("space tenant is required")
	}

	_, err := s.pg.Exec(ctx, `
		INSERT INTO spaces (id, tenant_id, label, sensor_device_id, display_device_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			sensor_device_id = EXCLUDED.sensor_device_id,
			display_device_id = EXCLUDED.display_device_id,
			updated_at = now()`,
		sp.ID, sp.TenantID, sp.Label, sp.SensorDeviceID, sp.DisplayDeviceID)
	if err != nil {
		return Space{}, fmt.Errorf("failed to provision space: %w", err)
	}

	s.logger.Info("Provisioned space",
		"space_id", sp.ID,
		"tenant_id", sp.TenantID,
		"label", sp.Label)

	return sp, nil
}

// Get returns a space by id, archived or not
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Space, error) {
	const q = `
		SELECT id, tenant_id, label, COALESCE(sensor_device_id, ''), COALESCE(display_device_id, ''),
		       COALESCE(last_display_state, ''), archived_at, created_at, updated_at
		FROM spaces WHERE id = $1`

	var sp Space
	err := s.pg.QueryRow(ctx, q, id).Scan(
		&sp.ID, &sp.TenantID, &sp.Label, &sp.SensorDeviceID, &sp.DisplayDeviceID,
		&sp.LastDisplayState, &sp.ArchivedAt, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query space %s: %w", id, err)
	}
	return &sp, nil
}

// GetBySensorDevice maps an uplink's device id to its space. Archived spaces
// do not receive uplinks.
func (s *Store) GetBySensorDevice(ctx context.Context, deviceID string) (*Space, error) {
	const q = `
		SELECT id, tenant_id, label, COALESCE(sensor_device_id, ''), COALESCE(display_device_id, ''),
		       COALESCE(last_display_state, ''), archived_at, created_at, updated_at
		FROM spaces
		WHERE sensor_device_id = $1 AND archived_at IS NULL`

	var sp Space
	err := s.pg.QueryRow(ctx, q, deviceID).Scan(
		&sp.ID, &sp.TenantID, &sp.Label, &sp.SensorDeviceID, &sp.DisplayDeviceID,
		&sp.LastDisplayState, &sp.ArchivedAt, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query space for sensor %s: %w", deviceID, err)
	}
	return &sp, nil
}

// ListActive returns all non-archived spaces, used by the periodic
// re-evaluation sweep
func (s *Store) ListActive(ctx context.Context) ([]Space, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT id, tenant_id, label, COALESCE(sensor_device_id, ''), COALESCE(display_device_id, ''),
		       COALESCE(last_display_state, ''), archived_at, created_at, updated_at
		FROM spaces
		WHERE archived_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []Space
	for rows.Next() {
		var sp Space
		if err := rows.Scan(
			&sp.ID, &sp.TenantID, &sp.Label, &sp.SensorDeviceID, &sp.DisplayDeviceID,
			&sp.LastDisplayState, &sp.ArchivedAt, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan space: %w", err)
		}
		spaces = append(spaces, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading spaces: %w", err)
	}
	return spaces, nil
}

// Archive soft-deletes a space. History referencing it stays intact.
func (s *Store) Archive(ctx context.Context, id uuid.UUID) error {
	res, err := s.pg.Exec(ctx, `
		UPDATE spaces SET archived_at = now(), updated_at = now()
		WHERE id = $1 AND archived_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to archive space %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return ErrNotFound
	}

	s.logger.Info("Archived space", "space_id", id)
	return nil
}

// SetLastDisplayState updates the informational cache of what the display
// last showed
func (s *Store) SetLastDisplayState(ctx context.Context, id uuid.UUID, state string) error {
	_, err := s.pg.Exec(ctx, `
		UPDATE spaces SET last_display_state = $2, updated_at = now()
		WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("failed to update display state cache for space %s: %w", id, err)
	}
	return nil
}
