package debounce

import "time"

// Raw occupancy states reported by sensors
const (
	RawOccupied = "occupied"
	RawVacant   = "vacant"
)

// State is the per-space debounce record. A raw reading first becomes a
// pending candidate; only a second matching reading inside the debounce
// window promotes it to the stable state. A single noisy bounce therefore
// never flips the display.
type State struct {
	LastRaw       string    `json:"last_raw"`
	LastReadingAt time.Time `json:"last_reading_at"`
	RadioQuality  float64   `json:"radio_quality"`

	PendingState     string    `json:"pending_state"`
	PendingFirstSeen time.Time `json:"pending_first_seen"`
	PendingCount     int       `json:"pending_count"`

	Stable      string    `json:"stable"`
	StableSince time.Time `json:"stable_since"`
}

// Result describes what a reading did to the state
type Result struct {
	Stable   string
	Changed  bool
	Rejected bool
}

// apply folds one reading into the state. Pure so the transition rules are
// testable without Redis.
//
// Rules:
//   - readings older than stable_since are out of order and rejected
//   - a reading equal to the last one at the same timestamp is a duplicate
//     delivery and a no-op
//   - a reading matching the stable state discards any pending candidate
//   - a reading matching the pending candidate within the window of the
//     previous matching reading confirms it; outside the window it restarts
//     the candidate
//   - any other reading replaces the pending candidate
func apply(st State, raw string, ts time.Time, quality float64, window time.Duration) (State, Result) {
	// Out-of-order: accepting this would rewrite confirmed history
	if !st.StableSince.IsZero() && ts.Before(st.StableSince) {
		return st, Result{Stable: st.Stable, Rejected: true}
	}

	// Duplicate uplink delivery
	if raw == st.LastRaw && ts.Equal(st.LastReadingAt) {
		return st, Result{Stable: st.Stable}
	}

	prevReadingAt := st.LastReadingAt
	st.LastRaw = raw
	st.LastReadingAt = ts
	st.RadioQuality = quality

	// Agreeing with the confirmed state clears any candidate
	if raw == st.Stable && st.Stable != "" {
		st.PendingState = ""
		st.PendingFirstSeen = time.Time{}
		st.PendingCount = 0
		return st, Result{Stable: st.Stable}
	}

	if raw == st.PendingState {
		if ts.Sub(prevReadingAt) <= window {
			// Confirmed: stable_since is the second reading's timestamp
			st.Stable = raw
			st.StableSince = ts
			st.PendingState = ""
			st.PendingFirstSeen = time.Time{}
			st.PendingCount = 0
			return st, Result{Stable: st.Stable, Changed: true}
		}
		// Too far apart, start the confirmation over from this reading
		st.PendingFirstSeen = ts
		st.PendingCount = 1
		return st, Result{Stable: st.Stable}
	}

	// New candidate
	st.PendingState = raw
	st.PendingFirstSeen = ts
	st.PendingCount = 1
	return st, Result{Stable: st.Stable}
}
