package policy

import (
	"time"

	"github.com/google/uuid"
)

// Colors maps each decision outcome to a display color token
type Colors struct {
	Free           string `json:"free"`
	Occupied       string `json:"occupied"`
	ReservedActive string `json:"reserved_active"`
	ReservedSoon   string `json:"reserved_soon"`
	Blocked        string `json:"blocked"`
	OutOfService   string `json:"out_of_service"`
}

// Policy is the per-tenant display configuration. Exactly one policy is
// active per tenant at a time; a tenant without one gets Default().
type Policy struct {
	ID                         uuid.UUID
	TenantID                   uuid.UUID
	Name                       string
	Active                     bool
	ReservedSoonThreshold      time.Duration
	SensorUnknownTimeout       time.Duration
	DebounceWindow             time.Duration
	SensorOverridesReservation bool
	NightDimEnabled            bool
	Colors                     Colors
}

// DefaultColors returns the documented default color mapping
func DefaultColors() Colors {
	return Colors{
		Free:           "green",
		Occupied:       "red",
		ReservedActive: "blue",
		ReservedSoon:   "blue",
		Blocked:        "orange",
		OutOfService:   "purple",
	}
}

// Default returns the documented fallback policy used when a tenant has no
// active policy of its own
func Default() Policy {
	return Policy{
		Name:                       "default",
		ReservedSoonThreshold:      15 * time.Minute,
		SensorUnknownTimeout:       60 * time.Second,
		DebounceWindow:             10 * time.Second,
		SensorOverridesReservation: false,
		NightDimEnabled:            false,
		Colors:                     DefaultColors(),
	}
}

// fillColorDefaults replaces empty tokens with the documented defaults so a
// partially configured policy never produces a colorless command
func fillColorDefaults(c Colors) Colors {
	d := DefaultColors()
	if c.Free == "" {
		c.Free = d.Free
	}
	if c.Occupied == "" {
		c.Occupied = d.Occupied
	}
	if c.ReservedActive == "" {
		c.ReservedActive = d.ReservedActive
	}
	if c.ReservedSoon == "" {
		c.ReservedSoon = d.ReservedSoon
	}
	if c.Blocked == "" {
		c.Blocked = d.Blocked
	}
	if c.OutOfService == "" {
		c.OutOfService = d.OutOfService
	}
	return c
}
