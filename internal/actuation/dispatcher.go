package actuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/internal/decision"
	"github.com/parklens/parklens-platform/pkg/config"
	"github.com/parklens/parklens-platform/pkg/mqtt"
)

// Dispatcher turns decisions into display commands. Identical consecutive
// conclusions collapse into one command; delivery failures retry with
// exponential backoff and never propagate back into decision-making.
type Dispatcher struct {
	store  *Store
	mqtt   mqtt.Client
	cfg    *config.Config
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store *Store, mqttClient mqtt.Client, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		mqtt:   mqttClient,
		cfg:    cfg,
		logger: logger,
	}
}

// commandPayload is the downlink message consumed by the gateway bridge
type commandPayload struct {
	CommandID string `json:"command_id"`
	SpaceID   string `json:"space_id"`
	State     string `json:"state"`
	Color     string `json:"color"`
	Blink     bool   `json:"blink"`
	Dim       bool   `json:"dim"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Dispatch enqueues and attempts delivery of a decision for a space's
// display. Returns whether a new command was created; reaching the same
// conclusion as the last unresolved or acknowledged command is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, spaceID uuid.UUID, deviceID string, dec decision.Decision, dim bool) (bool, error) {
	if deviceID == "" {
		// Sensor-only space, nothing to actuate
		return false, nil
	}

	hash := ContentHash(deviceID, dec.ColorToken, dec.Blink, dim)

	latest, err := d.store.Latest(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if latest != nil && latest.ContentHash == hash && latest.Status != StatusFailed {
		d.logger.Debug("Skipping duplicate command",
			"space_id", spaceID,
			"device_id", deviceID,
			"content_hash", hash,
			"existing_status", latest.Status)
		return false, nil
	}

	cmd := &Command{
		ID:              uuid.New(),
		SpaceID:         spaceID,
		DisplayDeviceID: deviceID,
		ContentHash:     hash,
	}

	payload := commandPayload{
		CommandID: cmd.ID.String(),
		SpaceID:   spaceID.String(),
		State:     string(dec.State),
		Color:     dec.ColorToken,
		Blink:     dec.Blink,
		Dim:       dim,
		Reason:    dec.Reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	cmd.Payload, err = json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal command payload: %w", err)
	}

	if err := d.store.Insert(ctx, cmd); err != nil {
		if errors.Is(err, errDuplicatePending) {
			// A concurrent recomputation reached the same conclusion first
			return false, nil
		}
		return false, err
	}

	d.logger.Info("Dispatching display command",
		"command_id", cmd.ID,
		"space_id", spaceID,
		"device_id", deviceID,
		"state", dec.State,
		"color", dec.ColorToken,
		"blink", dec.Blink,
		"dim", dim)

	// First delivery attempt. A failure here is handled through the retry
	// schedule, not returned: display trouble must not block the event that
	// triggered recomputation.
	if err := d.deliver(ctx, cmd); err != nil {
		d.logger.Warn("Initial delivery attempt failed",
			"command_id", cmd.ID,
			"device_id", deviceID,
			"error", err)
		d.handleFailure(ctx, cmd, err)
		return true, nil
	}

	if err := d.store.MarkSent(ctx, cmd.ID); err != nil {
		d.logger.Error("Failed to record sent status", "command_id", cmd.ID, "error", err)
	}

	return true, nil
}

// deliver publishes the command downlink with a bounded timeout
func (d *Dispatcher) deliver(ctx context.Context, cmd *Command) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout())
	defer cancel()

	topic := mqtt.DownlinkTopic(cmd.DisplayDeviceID)

	done := make(chan error, 1)
	go func() {
		done <- d.mqtt.Publish(topic, 1, false, cmd.Payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("downlink publish failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("downlink delivery timed out: %w", ctx.Err())
	}
}

// handleFailure schedules a retry or, once attempts are exhausted, marks the
// command failed for operational visibility
func (d *Dispatcher) handleFailure(ctx context.Context, cmd *Command, attemptErr error) {
	attempts := cmd.RetryCount + 1
	if attempts >= d.cfg.DispatchMaxRetries {
		d.logger.Error("Command delivery exhausted retries",
			"command_id", cmd.ID,
			"device_id", cmd.DisplayDeviceID,
			"attempts", attempts,
			"error", attemptErr)
		if err := d.store.MarkFailed(ctx, cmd.ID, attemptErr.Error()); err != nil {
			d.logger.Error("Failed to record terminal failure", "command_id", cmd.ID, "error", err)
		}
		return
	}

	// Exponential backoff: base * 2^retries
	backoff := time.Duration(d.cfg.DispatchBackoffSec) * time.Second << cmd.RetryCount
	next := time.Now().UTC().Add(backoff)

	if err := d.store.ScheduleRetry(ctx, cmd.ID, attemptErr.Error(), next); err != nil {
		d.logger.Error("Failed to schedule retry", "command_id", cmd.ID, "error", err)
		return
	}

	d.logger.Info("Scheduled command retry",
		"command_id", cmd.ID,
		"attempt", attempts,
		"next_attempt_at", next)
}

// ProcessRetries re-attempts due pending commands. Called from the periodic
// sweep; superseded commands never show up here because inserting a newer
// decision fails them out.
func (d *Dispatcher) ProcessRetries(ctx context.Context, now time.Time) error {
	due, err := d.store.Due(ctx, now, 100)
	if err != nil {
		return err
	}

	for i := range due {
		cmd := &due[i]
		if err := d.deliver(ctx, cmd); err != nil {
			d.handleFailure(ctx, cmd, err)
			continue
		}
		if err := d.store.MarkSent(ctx, cmd.ID); err != nil {
			d.logger.Error("Failed to record sent status", "command_id", cmd.ID, "error", err)
		}
	}

	return nil
}

// HandleAck processes a gateway delivery report for a device
func (d *Dispatcher) HandleAck(ctx context.Context, deviceID string, delivered bool, detail string) {
	cmd, err := d.store.Latest(ctx, deviceID)
	if err != nil {
		d.logger.Error("Failed to look up command for ack", "device_id", deviceID, "error", err)
		return
	}
	if cmd == nil || (cmd.Status != StatusSent && cmd.Status != StatusPending) {
		d.logger.Debug("Ignoring ack with no unresolved command", "device_id", deviceID)
		return
	}

	if delivered {
		if err := d.store.MarkAcknowledged(ctx, cmd.ID); err != nil {
			d.logger.Error("Failed to record acknowledgement", "command_id", cmd.ID, "error", err)
			return
		}
		d.logger.Debug("Command acknowledged", "command_id", cmd.ID, "device_id", deviceID)
		return
	}

	if detail == "" {
		detail = "gateway reported delivery failure"
	}
	d.handleFailure(ctx, cmd, errors.New(detail))
}

// Counts exposes per-status command totals for monitoring
func (d *Dispatcher) Counts(ctx context.Context) (map[string]int, error) {
	return d.store.Counts(ctx)
}
