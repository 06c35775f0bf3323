package override

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

// Override kinds, in descending decision priority
const (
	KindOutOfService = "out_of_service"
	KindBlocked      = "blocked"
)

// Override is a time-bounded administrative hold on a space. Overrides are
// append-only: clearing one flips its active flag and stamps an end time,
// never deletes, so the audit trail stays intact.
type Override struct {
	ID       uuid.UUID
	SpaceID  uuid.UUID
	TenantID uuid.UUID
	Kind     string
	StartsAt time.Time
	// EndsAt nil means indefinite
	EndsAt *time.Time
	Active  bool
	Note    string
}

// Registry persists overrides in Postgres
type Registry struct {
	pg     postgres.Client
	logger *slog.Logger
}

// NewRegistry creates an override registry
func NewRegistry(pg postgres.Client, logger *slog.Logger) *Registry {
	return &Registry{pg: pg, logger: logger}
}

// Create records a new override
func (r *Registry) Create(ctx context.Context, o Override) (Override, error) {
	if o.Kind != KindBlocked && o.Kind != KindOutOfService {
		return Override{}, fmt.Errorf("invalid override kind %q", o.Kind)
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.StartsAt.IsZero() {
		o.StartsAt = time.Now().UTC()
	}
	o.Active = true

	_, err := r.pg.Exec(ctx, `
		INSERT INTO admin_overrides (id, space_id, tenant_id, kind, starts_at, ends_at, is_active, note)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)`,
		o.ID, o.SpaceID, o.TenantID, o.Kind, o.StartsAt, o.EndsAt, o.Note)
	if err != nil {
		return Override{}, fmt.Errorf("failed to insert override: %w", err)
	}

	r.logger.Info("Created admin override",
		"override_id", o.ID,
		"space_id", o.SpaceID,
		"kind", o.Kind,
		"starts_at", o.StartsAt)

	return o, nil
}

// GetActive returns the override governing the space at the given instant,
// or nil when there is none. out_of_service outranks blocked; among equals
// the most recently started wins. A query failure is returned as an error;
// the caller must not treat it as "no override", since that could silently
// clear a safety hold.
func (r *Registry) GetActive(ctx context.Context, spaceID uuid.UUID, now time.Time) (*Override, error) {
	const q = `
		SELECT id, space_id, tenant_id, kind, starts_at, ends_at, is_active, COALESCE(note, '')
		FROM admin_overrides
		WHERE space_id = $1
		  AND is_active
		  AND starts_at <= $2
		  AND (ends_at IS NULL OR ends_at > $2)
		ORDER BY CASE WHEN kind = 'out_of_service' THEN 0 ELSE 1 END, starts_at DESC
		LIMIT 1`

	var o Override
	err := r.pg.QueryRow(ctx, q, spaceID, now).Scan(
		&o.ID, &o.SpaceID, &o.TenantID, &o.Kind, &o.StartsAt, &o.EndsAt, &o.Active, &o.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active override for space %s: %w", spaceID, err)
	}

	return &o, nil
}

// Deactivate clears an override: active flag off, end time stamped
func (r *Registry) Deactivate(ctx context.Context, overrideID uuid.UUID, now time.Time) error {
	res, err := r.pg.Exec(ctx, `
		UPDATE admin_overrides
		SET is_active = false,
		    ends_at = COALESCE(ends_at, $2),
		    updated_at = now()
		WHERE id = $1 AND is_active`,
		overrideID, now)
	if err != nil {
		return fmt.Errorf("failed to deactivate override %s: %w", overrideID, err)
	}

	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("override %s not found or already inactive", overrideID)
	}

	r.logger.Info("Deactivated admin override", "override_id", overrideID)
	return nil
}
