package decision

import (
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/internal/policy"
)

// DisplayState is the coarse outcome shown on a space's indicator
type DisplayState string

const (
	StateMaintenance DisplayState = "maintenance"
	StateReserved    DisplayState = "reserved"
	StateOccupied    DisplayState = "occupied"
	StateFree        DisplayState = "free"
)

// Decision reason codes
const (
	ReasonOverrideOutOfService = "override_out_of_service"
	ReasonOverrideBlocked      = "override_blocked"
	ReasonReservedActive       = "reserved_active"
	ReasonReservedSoon         = "reserved_soon"
	ReasonSensorOccupied       = "sensor_occupied"
	ReasonSensorVacant         = "sensor_vacant"
	ReasonOccupiedOverReserved = "occupied_overrides_reservation"
	ReasonHeldStaleSensor      = "held_stale_sensor"
	ReasonNoSignalDefault      = "no_signal_default_free"
)

// Decision is one authoritative display conclusion for a space. It carries
// the device-relevant fields (color, blink) and a human-readable reason; the
// dispatcher consumes the whole decision, not just the state label, because
// color and blink can change while the label stays the same.
type Decision struct {
	State      DisplayState `json:"state"`
	ColorToken string       `json:"color_token"`
	Blink      bool         `json:"blink"`
	Priority   int          `json:"priority"`
	Reason     string       `json:"reason"`
}

// ReservationWindow is the slice of a reservation the engine cares about
type ReservationWindow struct {
	ID    uuid.UUID
	Start time.Time
	End   time.Time
}

// SensorSnapshot is the debounced occupancy view of a space
type SensorSnapshot struct {
	// HasSensor is false for display-only spaces
	HasSensor bool
	// Stable is "occupied" or "vacant" once a state has been confirmed, "" before
	Stable string
	// StableSince is when Stable was confirmed
	StableSince time.Time
	// LastReadingAt is the timestamp of the most recent accepted reading
	LastReadingAt time.Time
}

// Facts is everything Compute looks at. Gathering facts is the caller's job;
// Compute itself is a pure function so identical facts always produce an
// identical decision.
type Facts struct {
	// OverrideKind is "", "blocked" or "out_of_service"
	OverrideKind string
	// ActiveReservation covers now: start <= now < end
	ActiveReservation *ReservationWindow
	// UpcomingReservation is the earliest one with start > now, if any
	UpcomingReservation *ReservationWindow
	Sensor              SensorSnapshot
	// LastDecision is the previously dispatched conclusion, used for the
	// stale-sensor hold
	LastDecision *Decision
}

// Compute evaluates the priority chain top-down and stops at the first match.
// Administrative intent dominates, then reservations, then fresh sensor
// truth, then the stale hold, then the default.
func Compute(facts Facts, pol policy.Policy, now time.Time) Decision {
	// 1. Out-of-service override
	if facts.OverrideKind == "out_of_service" {
		return Decision{
			State:      StateMaintenance,
			ColorToken: pol.Colors.OutOfService,
			Blink:      false,
			Priority:   1,
			Reason:     ReasonOverrideOutOfService,
		}
	}

	// 2. Blocked override
	if facts.OverrideKind == "blocked" {
		return Decision{
			State:      StateMaintenance,
			ColorToken: pol.Colors.Blocked,
			Blink:      false,
			Priority:   2,
			Reason:     ReasonOverrideBlocked,
		}
	}

	sensorFresh := facts.Sensor.HasSensor &&
		facts.Sensor.Stable != "" &&
		now.Sub(facts.Sensor.LastReadingAt) <= pol.SensorUnknownTimeout

	// 3. Active reservation. When the policy allows it, a fresh confirmed
	// occupied reading wins over the reservation: the car is already in the
	// space and showing "reserved" would mislead.
	if facts.ActiveReservation != nil {
		if pol.SensorOverridesReservation && sensorFresh && facts.Sensor.Stable == "occupied" {
			return Decision{
				State:      StateOccupied,
				ColorToken: pol.Colors.Occupied,
				Blink:      false,
				Priority:   3,
				Reason:     ReasonOccupiedOverReserved,
			}
		}
		return Decision{
			State:      StateReserved,
			ColorToken: pol.Colors.ReservedActive,
			Blink:      false,
			Priority:   3,
			Reason:     ReasonReservedActive,
		}
	}

	// 4. Reservation starting within the pre-announce window
	if facts.UpcomingReservation != nil &&
		facts.UpcomingReservation.Start.After(now) &&
		!facts.UpcomingReservation.Start.After(now.Add(pol.ReservedSoonThreshold)) {
		return Decision{
			State:      StateReserved,
			ColorToken: pol.Colors.ReservedSoon,
			Blink:      true,
			Priority:   4,
			Reason:     ReasonReservedSoon,
		}
	}

	// 5. Fresh debounced sensor state
	if sensorFresh {
		if facts.Sensor.Stable == "occupied" {
			return Decision{
				State:      StateOccupied,
				ColorToken: pol.Colors.Occupied,
				Blink:      false,
				Priority:   5,
				Reason:     ReasonSensorOccupied,
			}
		}
		return Decision{
			State:      StateFree,
			ColorToken: pol.Colors.Free,
			Blink:      false,
			Priority:   5,
			Reason:     ReasonSensorVacant,
		}
	}

	// 6. Stale sensor: repeat the previous conclusion rather than flipping
	// to a default that may contradict recent reality. Only a space that has
	// a sensor can go stale; a display-only space has nothing to hold and
	// falls through to the default.
	if facts.Sensor.HasSensor && facts.LastDecision != nil {
		return Decision{
			State:      facts.LastDecision.State,
			ColorToken: facts.LastDecision.ColorToken,
			Blink:      facts.LastDecision.Blink,
			Priority:   6,
			Reason:     ReasonHeldStaleSensor,
		}
	}

	// 7. Nothing usable at all
	return Decision{
		State:      StateFree,
		ColorToken: pol.Colors.Free,
		Blink:      false,
		Priority:   7,
		Reason:     ReasonNoSignalDefault,
	}
}
