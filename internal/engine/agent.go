package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/internal/actuation"
	"github.com/parklens/parklens-platform/internal/daylight"
	"github.com/parklens/parklens-platform/internal/debounce"
	"github.com/parklens/parklens-platform/internal/decision"
	"github.com/parklens/parklens-platform/internal/override"
	"github.com/parklens/parklens-platform/internal/policy"
	"github.com/parklens/parklens-platform/internal/reservation"
	"github.com/parklens/parklens-platform/internal/space"
	"github.com/parklens/parklens-platform/pkg/config"
	"github.com/parklens/parklens-platform/pkg/mqtt"
	"github.com/parklens/parklens-platform/pkg/postgres"
	"github.com/parklens/parklens-platform/pkg/redis"
)

// Agent fuses sensor uplinks, reservations and admin overrides into display
// decisions and drives command dispatch. One instance serves all spaces;
// per-space state transitions are serialized through keyed locks.
type Agent struct {
	mqtt   mqtt.Client
	redis  redis.Client
	cfg    *config.Config
	logger *slog.Logger

	spaces       *space.Store
	debounce     *debounce.Engine
	reservations *reservation.Controller
	overrides    *override.Registry
	policyStore  *policy.Store
	policies     *policy.Resolver
	dispatcher   *actuation.Dispatcher
	daylight     *daylight.Estimator

	locks *spaceLocks

	ticker   *time.Ticker
	stopChan chan struct{}
}

// NewAgent creates the decision agent and wires its components
func NewAgent(mqttClient mqtt.Client, redisClient redis.Client, pgClient postgres.Client, cfg *config.Config, logger *slog.Logger) *Agent {
	policyStore := policy.NewStore(pgClient, logger)

	return &Agent{
		mqtt:   mqttClient,
		redis:  redisClient,
		cfg:    cfg,
		logger: logger,

		spaces:       space.NewStore(pgClient, logger),
		debounce:     debounce.NewEngine(redisClient, logger),
		reservations: reservation.NewController(pgClient, cfg.MaxReservationDuration(), logger),
		overrides:    override.NewRegistry(pgClient, logger),
		policyStore:  policyStore,
		policies:     policy.NewResolver(policyStore, time.Duration(cfg.PolicyCacheTTLSec)*time.Second, logger),
		dispatcher:   actuation.NewDispatcher(actuation.NewStore(pgClient), mqttClient, cfg, logger),
		daylight:     daylight.NewEstimator(cfg.Latitude, cfg.Longitude),

		locks:    newSpaceLocks(),
		stopChan: make(chan struct{}),
	}
}

// Start connects the agent and begins processing
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting decision agent",
		"service_name", a.cfg.ServiceName,
		"sweep_interval_sec", a.cfg.SweepIntervalSec,
		"debounce_window_sec", a.cfg.DebounceWindowSec,
		"sensor_unknown_timeout_sec", a.cfg.SensorUnknownTimeoutSec)

	// Connect to MQTT broker
	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	// Verify Redis connection
	if err := a.redis.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	// Subscribe to decoded sensor uplinks
	if err := a.mqtt.Subscribe(mqtt.TopicUplinks, 1, a.handleUplinkMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", mqtt.TopicUplinks, err)
	}
	a.logger.Info("Subscribed to sensor uplinks", "topic", mqtt.TopicUplinks)

	// Subscribe to gateway delivery reports
	if err := a.mqtt.Subscribe(mqtt.TopicAcks, 1, a.handleAckMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", mqtt.TopicAcks, err)
	}
	a.logger.Info("Subscribed to delivery reports", "topic", mqtt.TopicAcks)

	// Start periodic sweep loop
	a.startSweepLoop()

	a.logger.Info("Decision agent started and ready")

	// Block until context is cancelled
	<-ctx.Done()
	a.logger.Info("Decision agent stopping")

	return nil
}

// Stop gracefully stops the agent
func (a *Agent) Stop() error {
	a.logger.Info("Stopping decision agent")

	if a.ticker != nil {
		a.ticker.Stop()
	}
	close(a.stopChan)

	a.mqtt.Disconnect()

	if err := a.redis.Close(); err != nil {
		a.logger.Error("Error closing Redis connection", "error", err)
		return err
	}

	a.logger.Info("Decision agent stopped")
	return nil
}

// startSweepLoop starts the expiry/retry/re-evaluation loop
func (a *Agent) startSweepLoop() {
	interval := time.Duration(a.cfg.SweepIntervalSec) * time.Second
	a.ticker = time.NewTicker(interval)

	go func() {
		a.logger.Info("Starting sweep loop", "interval_sec", a.cfg.SweepIntervalSec)
		for {
			select {
			case <-a.ticker.C:
				a.performSweep()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// performSweep expires due reservations, retries pending commands and
// re-evaluates every active space. Re-evaluation is cheap to repeat: the
// decision is a pure function and the dispatcher absorbs unchanged
// conclusions, but it is what catches soon-to-active reservation
// transitions and sensor staleness without any new event arriving.
func (a *Agent) performSweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	expired, err := a.reservations.ExpireDue(ctx, now)
	if err != nil {
		a.logger.Error("Reservation expiry sweep failed", "error", err)
	}
	for _, spaceID := range expired {
		if err := a.Recompute(ctx, spaceID); err != nil {
			a.logger.Error("Recompute after expiry failed", "space_id", spaceID, "error", err)
		}
	}

	if err := a.dispatcher.ProcessRetries(ctx, now); err != nil {
		a.logger.Error("Command retry sweep failed", "error", err)
	}

	spaces, err := a.spaces.ListActive(ctx)
	if err != nil {
		a.logger.Error("Failed to list spaces for re-evaluation", "error", err)
		return
	}
	for i := range spaces {
		if err := a.Recompute(ctx, spaces[i].ID); err != nil {
			a.logger.Error("Periodic recompute failed", "space_id", spaces[i].ID, "error", err)
		}
	}
}

// uplinkMessage is a decoded sensor reading from the LoRaWAN bridge
type uplinkMessage struct {
	State        string  `json:"state"`
	Timestamp    string  `json:"timestamp"`
	RadioQuality float64 `json:"radio_quality"`
	FrameCounter int64   `json:"frame_counter"`
}

// handleUplinkMessage ingests one decoded sensor uplink
func (a *Agent) handleUplinkMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	// Extract device id from topic: parking/uplink/{device_id}
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		a.logger.Warn("Invalid uplink topic format", "topic", topic)
		return
	}
	deviceID := parts[2]

	var uplink uplinkMessage
	if err := json.Unmarshal(payload, &uplink); err != nil {
		a.logger.Error("Failed to parse uplink message",
			"device_id", deviceID,
			"error", err)
		return
	}

	readingAt, err := time.Parse(time.RFC3339, uplink.Timestamp)
	if err != nil {
		a.logger.Warn("Uplink with unparseable timestamp, using receive time",
			"device_id", deviceID,
			"timestamp", uplink.Timestamp)
		readingAt = time.Now()
	}
	readingAt = readingAt.UTC()

	a.logger.Debug("Received sensor uplink",
		"device_id", deviceID,
		"state", uplink.State,
		"reading_at", readingAt,
		"radio_quality", uplink.RadioQuality,
		"frame_counter", uplink.FrameCounter)

	ctx := context.Background()

	sp, err := a.spaces.GetBySensorDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, space.ErrNotFound) {
			a.logger.Warn("Uplink from unprovisioned sensor", "device_id", deviceID)
		} else {
			a.logger.Error("Space lookup failed for uplink", "device_id", deviceID, "error", err)
		}
		return
	}

	unlock := a.locks.acquire(sp.ID)
	defer unlock()

	pol, err := a.policies.Active(ctx, sp.TenantID)
	if err != nil {
		a.logger.Error("Policy lookup failed, dropping uplink",
			"space_id", sp.ID,
			"error", err)
		return
	}

	stable, changed, err := a.debounce.Ingest(ctx, sp.ID, uplink.State, readingAt, uplink.RadioQuality, pol.DebounceWindow)
	if err != nil {
		a.logger.Error("Debounce ingest failed", "space_id", sp.ID, "error", err)
		return
	}

	if !changed {
		// Confirmation still pending, or reading agreed with the stable
		// state. The sweep re-evaluates periodically either way.
		return
	}

	a.logger.Info("Stable occupancy changed, recomputing display",
		"space_id", sp.ID,
		"stable", stable)

	if err := a.recomputeLocked(ctx, sp); err != nil {
		a.logger.Error("Recompute after uplink failed", "space_id", sp.ID, "error", err)
	}
}

// ackMessage is a gateway delivery report
type ackMessage struct {
	Delivered bool   `json:"delivered"`
	Detail    string `json:"detail"`
}

// handleAckMessage processes a gateway delivery report
func (a *Agent) handleAckMessage(msg mqtt.Message) {
	topic := msg.Topic()

	// Extract device id from topic: parking/ack/{device_id}
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		a.logger.Warn("Invalid ack topic format", "topic", topic)
		return
	}
	deviceID := parts[2]

	var ack ackMessage
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		a.logger.Error("Failed to parse ack message", "device_id", deviceID, "error", err)
		return
	}

	a.dispatcher.HandleAck(context.Background(), deviceID, ack.Delivered, ack.Detail)
}

// Recompute re-evaluates one space's display under its lock
func (a *Agent) Recompute(ctx context.Context, spaceID uuid.UUID) error {
	sp, err := a.spaces.Get(ctx, spaceID)
	if err != nil {
		return err
	}
	if sp.ArchivedAt != nil {
		return nil
	}

	unlock := a.locks.acquire(sp.ID)
	defer unlock()

	return a.recomputeLocked(ctx, sp)
}

// recomputeLocked gathers the current facts for a space, computes the
// decision, records it and hands it to the dispatcher. Caller holds the
// space lock.
func (a *Agent) recomputeLocked(ctx context.Context, sp *space.Space) error {
	now := time.Now().UTC()

	pol, err := a.policies.Active(ctx, sp.TenantID)
	if err != nil {
		return err
	}

	// Any ambiguous failure here aborts the recomputation: falling back to
	// "no override" on a transient error could silently clear a safety hold
	ov, err := a.overrides.GetActive(ctx, sp.ID, now)
	if err != nil {
		return err
	}

	active, upcoming, err := a.reservations.Window(ctx, sp.ID, now)
	if err != nil {
		return err
	}

	deb, err := a.debounce.Load(ctx, sp.ID)
	if err != nil {
		return err
	}

	last, err := a.loadLastDecision(ctx, sp.ID)
	if err != nil {
		return err
	}

	facts := decision.Facts{
		Sensor: decision.SensorSnapshot{
			HasSensor:     sp.SensorDeviceID != "",
			Stable:        deb.Stable,
			StableSince:   deb.StableSince,
			LastReadingAt: deb.LastReadingAt,
		},
		LastDecision: last,
	}
	if ov != nil {
		facts.OverrideKind = ov.Kind
	}
	if active != nil {
		facts.ActiveReservation = &decision.ReservationWindow{
			ID: active.ID, Start: active.StartsAt, End: active.EndsAt,
		}
	}
	if upcoming != nil {
		facts.UpcomingReservation = &decision.ReservationWindow{
			ID: upcoming.ID, Start: upcoming.StartsAt, End: upcoming.EndsAt,
		}
	}

	dec := decision.Compute(facts, pol, now)
	dim := pol.NightDimEnabled && a.daylight.IsNight(now)

	if err := a.storeLastDecision(ctx, sp.ID, dec); err != nil {
		return err
	}

	a.publishDecisionContext(sp, dec, dim, now)

	dispatched, err := a.dispatcher.Dispatch(ctx, sp.ID, sp.DisplayDeviceID, dec, dim)
	if err != nil {
		return err
	}
	if dispatched {
		if err := a.spaces.SetLastDisplayState(ctx, sp.ID, string(dec.State)); err != nil {
			a.logger.Warn("Failed to update display state cache", "space_id", sp.ID, "error", err)
		}
	}

	a.logger.Debug("Recomputed display decision",
		"space_id", sp.ID,
		"state", dec.State,
		"color", dec.ColorToken,
		"blink", dec.Blink,
		"priority", dec.Priority,
		"reason", dec.Reason,
		"dispatched", dispatched)

	return nil
}

// loadLastDecision reads the previously computed decision for a space
func (a *Agent) loadLastDecision(ctx context.Context, spaceID uuid.UUID) (*decision.Decision, error) {
	raw, err := a.redis.Get(ctx, redis.LastDecisionKey(spaceID.String()))
	if errors.Is(err, redis.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dec decision.Decision
	if err := json.Unmarshal([]byte(raw), &dec); err != nil {
		a.logger.Warn("Discarding unparseable cached decision", "space_id", spaceID, "error", err)
		return nil, nil
	}
	return &dec, nil
}

// storeLastDecision caches the computed decision for the stale-sensor hold
func (a *Agent) storeLastDecision(ctx context.Context, spaceID uuid.UUID, dec decision.Decision) error {
	data, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	return a.redis.Set(ctx, redis.LastDecisionKey(spaceID.String()), data, 0)
}

// publishDecisionContext appends one entry to the audit log topic. Each
// recomputation publishes, whether or not a new command resulted.
func (a *Agent) publishDecisionContext(sp *space.Space, dec decision.Decision, dim bool, now time.Time) {
	contextMsg := map[string]interface{}{
		"source":    a.cfg.ServiceName,
		"space_id":  sp.ID.String(),
		"tenant_id": sp.TenantID.String(),
		"state":     dec.State,
		"color":     dec.ColorToken,
		"blink":     dec.Blink,
		"dim":       dim,
		"priority":  dec.Priority,
		"reason":    dec.Reason,
		"timestamp": now.Format(time.RFC3339),
	}

	payload, err := json.Marshal(contextMsg)
	if err != nil {
		a.logger.Error("Failed to marshal decision context", "space_id", sp.ID, "error", err)
		return
	}

	topic := mqtt.DecisionContextTopic(sp.ID.String())
	if err := a.mqtt.Publish(topic, 0, false, payload); err != nil {
		a.logger.Error("Failed to publish decision context", "topic", topic, "error", err)
	}
}

// CreateReservation admits a reservation and recomputes the space's display.
// Admission errors pass through synchronously to the booking caller.
func (a *Agent) CreateReservation(ctx context.Context, p reservation.CreateParams) (*reservation.Reservation, error) {
	unlock := a.locks.acquire(p.SpaceID)
	defer unlock()

	res, err := a.reservations.Create(ctx, p)
	if err != nil {
		return nil, err
	}

	sp, err := a.spaces.Get(ctx, p.SpaceID)
	if err != nil {
		return res, err
	}
	if err := a.recomputeLocked(ctx, sp); err != nil {
		a.logger.Error("Recompute after reservation create failed", "space_id", p.SpaceID, "error", err)
	}

	return res, nil
}

// CancelReservation cancels a reservation and recomputes the space's display
func (a *Agent) CancelReservation(ctx context.Context, reservationID, tenantID uuid.UUID) error {
	spaceID, err := a.reservations.Cancel(ctx, reservationID, tenantID)
	if err != nil {
		return err
	}
	return a.Recompute(ctx, spaceID)
}

// ConfirmReservation confirms a pending reservation and recomputes
func (a *Agent) ConfirmReservation(ctx context.Context, reservationID, tenantID uuid.UUID) error {
	spaceID, err := a.reservations.Confirm(ctx, reservationID, tenantID)
	if err != nil {
		return err
	}
	return a.Recompute(ctx, spaceID)
}

// SetOverride records an admin override and recomputes the space's display
func (a *Agent) SetOverride(ctx context.Context, o override.Override) (override.Override, error) {
	unlock := a.locks.acquire(o.SpaceID)
	defer unlock()

	created, err := a.overrides.Create(ctx, o)
	if err != nil {
		return override.Override{}, err
	}

	sp, err := a.spaces.Get(ctx, o.SpaceID)
	if err != nil {
		return created, err
	}
	if err := a.recomputeLocked(ctx, sp); err != nil {
		a.logger.Error("Recompute after override create failed", "space_id", o.SpaceID, "error", err)
	}

	return created, nil
}

// ClearOverride deactivates an override and recomputes the space's display
func (a *Agent) ClearOverride(ctx context.Context, overrideID, spaceID uuid.UUID) error {
	unlock := a.locks.acquire(spaceID)
	defer unlock()

	if err := a.overrides.Deactivate(ctx, overrideID, time.Now().UTC()); err != nil {
		return err
	}

	sp, err := a.spaces.Get(ctx, spaceID)
	if err != nil {
		return err
	}
	return a.recomputeLocked(ctx, sp)
}

// ActivatePolicy makes a policy the tenant's active one and recomputes all
// of the tenant's spaces under the new thresholds
func (a *Agent) ActivatePolicy(ctx context.Context, p policy.Policy) (policy.Policy, error) {
	activated, err := a.policyStore.Activate(ctx, p)
	if err != nil {
		return policy.Policy{}, err
	}
	a.policies.Invalidate(p.TenantID)

	spaces, err := a.spaces.ListActive(ctx)
	if err != nil {
		return activated, err
	}
	for i := range spaces {
		if spaces[i].TenantID != p.TenantID {
			continue
		}
		if err := a.Recompute(ctx, spaces[i].ID); err != nil {
			a.logger.Error("Recompute after policy change failed", "space_id", spaces[i].ID, "error", err)
		}
	}

	return activated, nil
}

// ProvisionSpace creates or updates a space record
func (a *Agent) ProvisionSpace(ctx context.Context, sp space.Space) (space.Space, error) {
	return a.spaces.Provision(ctx, sp)
}

// ArchiveSpace soft-deletes a space
func (a *Agent) ArchiveSpace(ctx context.Context, spaceID uuid.UUID) error {
	return a.spaces.Archive(ctx, spaceID)
}

// CommandCounts exposes dispatcher status totals for monitoring
func (a *Agent) CommandCounts(ctx context.Context) (map[string]int, error) {
	return a.dispatcher.Counts(ctx)
}
