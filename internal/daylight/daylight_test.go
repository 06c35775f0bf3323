package daylight

import (
	"testing"
	"time"
)

// Helsinki city center
const (
	testLat = 60.1695
	testLon = 24.9354
)

func TestIsNight_SummerNoonIsDay(t *testing.T) {
	e := NewEstimator(testLat, testLon)
	noon := time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC)

	if e.IsNight(noon) {
		t.Error("Midsummer noon must not count as night")
	}
}

func TestIsNight_WinterMidnightIsNight(t *testing.T) {
	e := NewEstimator(testLat, testLon)
	midnight := time.Date(2026, 12, 21, 0, 0, 0, 0, time.UTC)

	if !e.IsNight(midnight) {
		t.Error("Midwinter midnight must count as night")
	}
}

func TestIsNight_WinterNoonIsDay(t *testing.T) {
	// Even at 60N the midwinter sun clears the twilight threshold at noon
	e := NewEstimator(testLat, testLon)
	noon := time.Date(2026, 12, 21, 10, 0, 0, 0, time.UTC)

	if e.IsNight(noon) {
		t.Error("Midwinter solar noon must not count as night")
	}
}
