package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parklens/parklens-platform/pkg/postgres"
)

// Postgres error codes surfaced by the reservations table constraints
const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// Controller admits reservation requests against a space's timeline. The
// overlap guarantee is not checked in application code: the insert either
// commits or is rejected by the storage-level range-exclusion constraint, so
// two concurrent requests for intersecting windows can never both succeed.
type Controller struct {
	pg          postgres.Client
	maxDuration time.Duration
	logger      *slog.Logger
}

// NewController creates an admission controller
func NewController(pg postgres.Client, maxDuration time.Duration, logger *slog.Logger) *Controller {
	return &Controller{pg: pg, maxDuration: maxDuration, logger: logger}
}

// CreateParams carries one admission request
type CreateParams struct {
	SpaceID  uuid.UUID
	TenantID uuid.UUID
	StartsAt time.Time
	EndsAt   time.Time
	// RequestID is the caller-supplied idempotency key, scoped per tenant
	RequestID string
	// Pending admits the reservation as a hold awaiting confirmation
	Pending bool
}

// Create admits a reservation. A repeated (tenant, request_id) returns the
// original record unchanged, so callers retrying after a timeout are safe.
// Returns *ValidationError for malformed input and *OverlapError when the
// window is taken.
func (c *Controller) Create(ctx context.Context, p CreateParams) (*Reservation, error) {
	if p.SpaceID == uuid.Nil {
		return nil, &ValidationError{Field: "space_id", Detail: "is required"}
	}
	if p.TenantID == uuid.Nil {
		return nil, &ValidationError{Field: "tenant_id", Detail: "is required"}
	}
	if p.RequestID == "" {
		return nil, &ValidationError{Field: "request_id", Detail: "is required"}
	}
	if !p.EndsAt.After(p.StartsAt) {
		return nil, &ValidationError{Field: "time_range", Detail: "end must be after start"}
	}
	if p.EndsAt.Sub(p.StartsAt) > c.maxDuration {
		return nil, &ValidationError{
			Field:  "time_range",
			Detail: fmt.Sprintf("duration exceeds maximum of %s", c.maxDuration),
		}
	}

	// Idempotency replay: a prior success for this key is returned as-is,
	// with no new row and no new conflict check
	if existing, err := c.GetByRequestID(ctx, p.TenantID, p.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		c.logger.Debug("Idempotent reservation replay",
			"tenant_id", p.TenantID,
			"request_id", p.RequestID,
			"reservation_id", existing.ID)
		return existing, nil
	}

	status := StatusConfirmed
	if p.Pending {
		status = StatusPending
	}

	res := &Reservation{
		ID:        uuid.New(),
		SpaceID:   p.SpaceID,
		TenantID:  p.TenantID,
		StartsAt:  p.StartsAt.UTC(),
		EndsAt:    p.EndsAt.UTC(),
		Status:    status,
		RequestID: p.RequestID,
	}

	err := c.pg.QueryRow(ctx, `
		INSERT INTO reservations (id, space_id, tenant_id, starts_at, ends_at, status, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		res.ID, res.SpaceID, res.TenantID, res.StartsAt, res.EndsAt, res.Status, res.RequestID,
	).Scan(&res.CreatedAt, &res.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pgExclusionViolation:
				c.logger.Info("Reservation rejected by overlap exclusion",
					"space_id", p.SpaceID,
					"starts_at", res.StartsAt,
					"ends_at", res.EndsAt)
				return nil, &OverlapError{SpaceID: p.SpaceID, Start: res.StartsAt, End: res.EndsAt}
			case pgUniqueViolation:
				// A concurrent retry with the same key won the insert race;
				// return what it created
				if existing, lookupErr := c.GetByRequestID(ctx, p.TenantID, p.RequestID); lookupErr == nil && existing != nil {
					return existing, nil
				}
			}
		}
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	c.logger.Info("Reservation admitted",
		"reservation_id", res.ID,
		"space_id", res.SpaceID,
		"starts_at", res.StartsAt,
		"ends_at", res.EndsAt,
		"status", res.Status)

	return res, nil
}

// GetByRequestID looks up a reservation by its tenant-scoped idempotency key
func (c *Controller) GetByRequestID(ctx context.Context, tenantID uuid.UUID, requestID string) (*Reservation, error) {
	const q = `
		SELECT id, space_id, tenant_id, starts_at, ends_at, status, request_id, created_at, updated_at
		FROM reservations
		WHERE tenant_id = $1 AND request_id = $2`

	var res Reservation
	err := c.pg.QueryRow(ctx, q, tenantID, requestID).Scan(
		&res.ID, &res.SpaceID, &res.TenantID, &res.StartsAt, &res.EndsAt,
		&res.Status, &res.RequestID, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up reservation by request id: %w", err)
	}
	return &res, nil
}

// Confirm transitions a pending reservation to confirmed
func (c *Controller) Confirm(ctx context.Context, reservationID, tenantID uuid.UUID) (uuid.UUID, error) {
	var spaceID uuid.UUID
	err := c.pg.QueryRow(ctx, `
		UPDATE reservations
		SET status = 'confirmed', updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending'
		RETURNING space_id`,
		reservationID, tenantID,
	).Scan(&spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("reservation %s not found or not pending", reservationID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to confirm reservation: %w", err)
	}
	return spaceID, nil
}

// Cancel transitions a pending or confirmed reservation to cancelled. The
// row stays for history; it just stops counting toward the overlap guarantee
// and the display decision. Returns the affected space so the caller can
// recompute its display.
func (c *Controller) Cancel(ctx context.Context, reservationID, tenantID uuid.UUID) (uuid.UUID, error) {
	var spaceID uuid.UUID
	err := c.pg.QueryRow(ctx, `
		UPDATE reservations
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status IN ('pending', 'confirmed')
		RETURNING space_id`,
		reservationID, tenantID,
	).Scan(&spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("reservation %s not found or already resolved", reservationID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to cancel reservation: %w", err)
	}

	c.logger.Info("Reservation cancelled", "reservation_id", reservationID, "space_id", spaceID)
	return spaceID, nil
}

// ExpireDue transitions every pending or confirmed reservation whose end has
// passed to expired, freeing their windows for future bookings. Returns the
// spaces whose displays need recomputation.
func (c *Controller) ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := c.pg.Query(ctx, `
		UPDATE reservations
		SET status = 'expired', updated_at = now()
		WHERE ends_at <= $1 AND status IN ('pending', 'confirmed')
		RETURNING space_id`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire reservations: %w", err)
	}
	defer rows.Close()

	var spaceIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired reservation: %w", err)
		}
		spaceIDs = append(spaceIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading expired reservations: %w", err)
	}

	if len(spaceIDs) > 0 {
		c.logger.Info("Expired reservations", "count", len(spaceIDs))
	}

	return spaceIDs, nil
}

// Window returns the reservation covering now (if any) and the earliest one
// starting after now (if any) for a space. Both feed the decision engine.
func (c *Controller) Window(ctx context.Context, spaceID uuid.UUID, now time.Time) (active, upcoming *Reservation, err error) {
	const activeQ = `
		SELECT id, space_id, tenant_id, starts_at, ends_at, status, request_id, created_at, updated_at
		FROM reservations
		WHERE space_id = $1 AND status IN ('pending', 'confirmed')
		  AND starts_at <= $2 AND ends_at > $2
		LIMIT 1`

	var a Reservation
	scanErr := c.pg.QueryRow(ctx, activeQ, spaceID, now).Scan(
		&a.ID, &a.SpaceID, &a.TenantID, &a.StartsAt, &a.EndsAt,
		&a.Status, &a.RequestID, &a.CreatedAt, &a.UpdatedAt)
	switch {
	case scanErr == nil:
		active = &a
	case errors.Is(scanErr, sql.ErrNoRows):
		// no active reservation
	default:
		return nil, nil, fmt.Errorf("failed to query active reservation: %w", scanErr)
	}

	const upcomingQ = `
		SELECT id, space_id, tenant_id, starts_at, ends_at, status, request_id, created_at, updated_at
		FROM reservations
		WHERE space_id = $1 AND status IN ('pending', 'confirmed')
		  AND starts_at > $2
		ORDER BY starts_at ASC
		LIMIT 1`

	var u Reservation
	scanErr = c.pg.QueryRow(ctx, upcomingQ, spaceID, now).Scan(
		&u.ID, &u.SpaceID, &u.TenantID, &u.StartsAt, &u.EndsAt,
		&u.Status, &u.RequestID, &u.CreatedAt, &u.UpdatedAt)
	switch {
	case scanErr == nil:
		upcoming = &u
	case errors.Is(scanErr, sql.ErrNoRows):
		// no upcoming reservation
	default:
		return nil, nil, fmt.Errorf("failed to query upcoming reservation: %w", scanErr)
	}

	return active, upcoming, nil
}
