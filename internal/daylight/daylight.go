package daylight

import (
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// Estimator answers whether displays at the configured site should run in
// night brightness. Based on sun altitude rather than clock hours so it
// tracks the seasons without per-site schedules.
type Estimator struct {
	latitude  float64
	longitude float64
}

// NewEstimator creates an estimator for the site coordinates
func NewEstimator(latitude, longitude float64) *Estimator {
	return &Estimator{latitude: latitude, longitude: longitude}
}

// IsNight reports whether the sun is below the horizon at the given time.
// Civil twilight (altitude > -6 degrees) still counts as day so displays
// don't dim during dusk traffic.
func (e *Estimator) IsNight(at time.Time) bool {
	position := suncalc.GetPosition(at, e.latitude, e.longitude)
	altitudeDegrees := position.Altitude * (180.0 / math.Pi)
	return altitudeDegrees < -6.0
}
