package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/pkg/postgres"
)

// Store persists display policies in Postgres
type Store struct {
	pg     postgres.Client
	logger *slog.Logger
}

// NewStore creates a new policy store
func NewStore(pg postgres.Client, logger *slog.Logger) *Store {
	return &Store{pg: pg, logger: logger}
}

// GetActive returns the tenant's active policy. The second return value is
// false when the tenant has none; that is the only case in which callers may
// fall back to the defaults.
func (s *Store) GetActive(ctx context.Context, tenantID uuid.UUID) (Policy, bool, error) {
	const q = `
		SELECT id, tenant_id, name, reserved_soon_minutes, sensor_unknown_timeout_sec,
		       debounce_window_sec, sensor_overrides_reservation, night_dim_enabled, colors
		FROM display_policies
		WHERE tenant_id = $1 AND is_active`

	var (
		p          Policy
		soonMin    int
		timeoutSec int
		windowSec  int
		colorsJSON []byte
	)

	err := s.pg.QueryRow(ctx, q, tenantID).Scan(
		&p.ID, &p.TenantID, &p.Name, &soonMin, &timeoutSec,
		&windowSec, &p.SensorOverridesReservation, &p.NightDimEnabled, &colorsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, false, nil
	}
	if err != nil {
		return Policy{}, false, fmt.Errorf("failed to query active policy for tenant %s: %w", tenantID, err)
	}

	p.Active = true
	p.ReservedSoonThreshold = time.Duration(soonMin) * time.Minute
	p.SensorUnknownTimeout = time.Duration(timeoutSec) * time.Second
	p.DebounceWindow = time.Duration(windowSec) * time.Second

	if len(colorsJSON) > 0 {
		if err := json.Unmarshal(colorsJSON, &p.Colors); err != nil {
			return Policy{}, false, fmt.Errorf("failed to parse policy colors for tenant %s: %w", tenantID, err)
		}
	}
	p.Colors = fillColorDefaults(p.Colors)

	return p, true, nil
}

// Activate stores a policy and makes it the tenant's active one. Any
// previously active policy is deactivated in the same transaction, enforcing
// the one-active-per-tenant invariant at write time.
func (s *Store) Activate(ctx context.Context, p Policy) (Policy, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Colors = fillColorDefaults(p.Colors)
	p.Active = true

	colorsJSON, err := json.Marshal(p.Colors)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to marshal policy colors: %w", err)
	}

	err = s.pg.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE display_policies SET is_active = false, updated_at = now()
			WHERE tenant_id = $1 AND is_active`, p.TenantID); err != nil {
			return fmt.Errorf("failed to deactivate prior policy: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO display_policies (
				id, tenant_id, name, is_active, reserved_soon_minutes,
				sensor_unknown_timeout_sec, debounce_window_sec,
				sensor_overrides_reservation, night_dim_enabled, colors
			) VALUES ($1, $2, $3, true, $4, $5, $6, $7, $8, $9)`,
			p.ID, p.TenantID, p.Name,
			int(p.ReservedSoonThreshold/time.Minute),
			int(p.SensorUnknownTimeout/time.Second),
			int(p.DebounceWindow/time.Second),
			p.SensorOverridesReservation, p.NightDimEnabled, colorsJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert policy: %w", err)
		}
		return nil
	})
	if err != nil {
		return Policy{}, err
	}

	s.logger.Info("Activated display policy",
		"tenant_id", p.TenantID,
		"policy_id", p.ID,
		"name", p.Name)

	return p, nil
}
