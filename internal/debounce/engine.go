package debounce

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/pkg/redis"
)

// Engine converts raw occupancy readings into a stable per-space signal.
// State lives in a Redis hash per space; callers serialize Ingest per space.
type Engine struct {
	redis  redis.Client
	logger *slog.Logger
}

// NewEngine creates a debounce engine
func NewEngine(redisClient redis.Client, logger *slog.Logger) *Engine {
	return &Engine{redis: redisClient, logger: logger}
}

// Ingest folds one reading into the space's debounce state and persists the
// result. Returns the stable state ("", "occupied" or "vacant") and whether
// it changed with this reading. Out-of-order readings are ignored.
func (e *Engine) Ingest(ctx context.Context, spaceID uuid.UUID, raw string, ts time.Time, quality float64, window time.Duration) (string, bool, error) {
	if raw != RawOccupied && raw != RawVacant {
		return "", false, fmt.Errorf("invalid raw state %q", raw)
	}

	st, err := e.Load(ctx, spaceID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load debounce state: %w", err)
	}

	next, res := apply(st, raw, ts, quality, window)
	if res.Rejected {
		e.logger.Debug("Rejected out-of-order reading",
			"space_id", spaceID,
			"reading_ts", ts,
			"stable_since", st.StableSince)
		return st.Stable, false, nil
	}

	if err := e.save(ctx, spaceID, next); err != nil {
		return "", false, fmt.Errorf("failed to save debounce state: %w", err)
	}

	if res.Changed {
		e.logger.Info("Stable occupancy changed",
			"space_id", spaceID,
			"stable", res.Stable,
			"stable_since", next.StableSince)
	}

	return res.Stable, res.Changed, nil
}

// Load reads a space's debounce state. A space never seen before returns the
// zero state.
func (e *Engine) Load(ctx context.Context, spaceID uuid.UUID) (State, error) {
	key := redis.DebounceKey(spaceID.String())

	fields, err := e.redis.HGetAll(ctx, key)
	if err != nil {
		return State{}, err
	}

	var st State
	st.LastRaw = fields["last_raw"]
	st.PendingState = fields["pending_state"]
	st.Stable = fields["stable"]

	if v, ok := fields["last_reading_ms"]; ok && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.LastReadingAt = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := fields["pending_first_ms"]; ok && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.PendingFirstSeen = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := fields["stable_since_ms"]; ok && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.StableSince = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := fields["pending_count"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st.PendingCount = n
		}
	}
	if v, ok := fields["radio_quality"]; ok && v != "" {
		if q, err := strconv.ParseFloat(v, 64); err == nil {
			st.RadioQuality = q
		}
	}

	return st, nil
}

// save writes the full state back to the space's hash in one call, so a
// failure never leaves the hash half-updated
func (e *Engine) save(ctx context.Context, spaceID uuid.UUID, st State) error {
	key := redis.DebounceKey(spaceID.String())

	writes := map[string]string{
		"last_raw":         st.LastRaw,
		"last_reading_ms":  strconv.FormatInt(st.LastReadingAt.UnixMilli(), 10),
		"radio_quality":    strconv.FormatFloat(st.RadioQuality, 'f', -1, 64),
		"pending_state":    st.PendingState,
		"pending_first_ms": msOrEmpty(st.PendingFirstSeen),
		"pending_count":    strconv.Itoa(st.PendingCount),
		"stable":           st.Stable,
		"stable_since_ms":  msOrEmpty(st.StableSince),
	}

	return e.redis.HSetMap(ctx, key, writes)
}

func msOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
