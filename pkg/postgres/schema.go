package postgres

import (
	"context"
	"fmt"
)

// schemaStatements bootstraps the engine schema. Statements are idempotent so
// the agent can run them on every start.
//
// The reservations exclusion constraint is the storage-level overlap guarantee:
// two concurrent inserts for intersecting [starts_at, ends_at) ranges on the
// same space cannot both commit while in a blocking status. btree_gist is
// needed to mix the equality column into the GiST index.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS btree_gist`,

	`CREATE TABLE IF NOT EXISTS spaces (
		id                uuid PRIMARY KEY,
		tenant_id         uuid NOT NULL,
		label             text NOT NULL,
		sensor_device_id  text,
		display_device_id text,
		last_display_state text,
		archived_at       timestamptz,
		created_at        timestamptz NOT NULL DEFAULT now(),
		updated_at        timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_spaces_tenant ON spaces (tenant_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_spaces_sensor_device
		ON spaces (sensor_device_id)
		WHERE sensor_device_id IS NOT NULL AND archived_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS reservations (
		id         uuid PRIMARY KEY,
		space_id   uuid NOT NULL REFERENCES spaces (id),
		tenant_id  uuid NOT NULL,
		starts_at  timestamptz NOT NULL,
		ends_at    timestamptz NOT NULL,
		status     text NOT NULL DEFAULT 'confirmed'
			CHECK (status IN ('pending', 'confirmed', 'cancelled', 'expired')),
		request_id text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT reservations_valid_range CHECK (ends_at > starts_at),
		CONSTRAINT reservations_request_key UNIQUE (tenant_id, request_id),
		CONSTRAINT reservations_no_overlap EXCLUDE USING gist (
			space_id WITH =,
			tstzrange(starts_at, ends_at, '[)') WITH &&
		) WHERE (status IN ('pending', 'confirmed'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_space_window
		ON reservations (space_id, ends_at)
		WHERE status IN ('pending', 'confirmed')`,

	`CREATE TABLE IF NOT EXISTS admin_overrides (
		id         uuid PRIMARY KEY,
		space_id   uuid NOT NULL REFERENCES spaces (id),
		tenant_id  uuid NOT NULL,
		kind       text NOT NULL CHECK (kind IN ('blocked', 'out_of_service')),
		starts_at  timestamptz NOT NULL,
		ends_at    timestamptz,
		is_active  boolean NOT NULL DEFAULT true,
		note       text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_overrides_space_active
		ON admin_overrides (space_id, starts_at DESC)
		WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS display_policies (
		id                           uuid PRIMARY KEY,
		tenant_id                    uuid NOT NULL,
		name                         text NOT NULL,
		is_active                    boolean NOT NULL DEFAULT false,
		reserved_soon_minutes        int NOT NULL DEFAULT 15,
		sensor_unknown_timeout_sec   int NOT NULL DEFAULT 60,
		debounce_window_sec          int NOT NULL DEFAULT 10,
		sensor_overrides_reservation boolean NOT NULL DEFAULT false,
		night_dim_enabled            boolean NOT NULL DEFAULT false,
		colors                       jsonb NOT NULL DEFAULT '{}',
		created_at                   timestamptz NOT NULL DEFAULT now(),
		updated_at                   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_one_active_per_tenant
		ON display_policies (tenant_id)
		WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS actuation_commands (
		id                uuid PRIMARY KEY,
		space_id          uuid NOT NULL REFERENCES spaces (id),
		display_device_id text NOT NULL,
		payload           jsonb NOT NULL,
		content_hash      text NOT NULL,
		status            text NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'sent', 'acknowledged', 'failed')),
		retry_count       int NOT NULL DEFAULT 0,
		next_attempt_at   timestamptz NOT NULL DEFAULT now(),
		last_error        text,
		created_at        timestamptz NOT NULL DEFAULT now(),
		sent_at           timestamptz,
		acknowledged_at   timestamptz,
		failed_at         timestamptz
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_pending_dedup
		ON actuation_commands (display_device_id, content_hash)
		WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_commands_due
		ON actuation_commands (next_attempt_at)
		WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_commands_device_latest
		ON actuation_commands (display_device_id, created_at DESC)`,
}

// Migrate applies the engine schema
func (c *PostgresClient) Migrate(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("postgres client not connected")
	}

	c.logger.Info("Applying database schema", "statements", len(schemaStatements))

	for _, stmt := range schemaStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	c.logger.Info("Database schema up to date")
	return nil
}
