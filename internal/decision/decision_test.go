package decision

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/internal/policy"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// freshSensor returns a snapshot with a reading well inside the staleness window
func freshSensor(stable string) SensorSnapshot {
	return SensorSnapshot{
		HasSensor:     true,
		Stable:        stable,
		StableSince:   testNow.Add(-5 * time.Minute),
		LastReadingAt: testNow.Add(-10 * time.Second),
	}
}

func activeWindow() *ReservationWindow {
	return &ReservationWindow{
		ID:    uuid.New(),
		Start: testNow.Add(-30 * time.Minute),
		End:   testNow.Add(30 * time.Minute),
	}
}

func TestCompute_Priority1_OutOfServiceBeatsEverything(t *testing.T) {
	facts := Facts{
		OverrideKind:        "out_of_service",
		ActiveReservation:   activeWindow(),
		UpcomingReservation: &ReservationWindow{ID: uuid.New(), Start: testNow.Add(5 * time.Minute), End: testNow.Add(time.Hour)},
		Sensor:              freshSensor("occupied"),
	}

	dec := Compute(facts, policy.Default(), testNow)

	if dec.State != StateMaintenance {
		t.Errorf("Expected state 'maintenance', got '%s'", dec.State)
	}
	if dec.ColorToken != "purple" {
		t.Errorf("Expected color 'purple', got '%s'", dec.ColorToken)
	}
	if dec.Priority != 1 {
		t.Errorf("Expected priority 1, got %d", dec.Priority)
	}
	if dec.Reason != ReasonOverrideOutOfService {
		t.Errorf("Expected reason '%s', got '%s'", ReasonOverrideOutOfService, dec.Reason)
	}
}

func TestCompute_Priority2_BlockedBeatsReservation(t *testing.T) {
	facts := Facts{
		OverrideKind:      "blocked",
		ActiveReservation: activeWindow(),
		Sensor:            freshSensor("vacant"),
	}

	dec := Compute(facts, policy.Default(), testNow)

	if dec.State != StateMaintenance {
		t.Errorf("Expected state 'maintenance', got '%s'", dec.State)
	}
	if dec.ColorToken != "orange" {
		t.Errorf("Expected color 'orange', got '%s'", dec.ColorToken)
	}
	if dec.Priority != 2 {
		t.Errorf("Expected priority 2, got %d", dec.Priority)
	}
}

func TestCompute_Priority3_ActiveReservation(t *testing.T) {
	facts := Facts{
		ActiveReservation: activeWindow(),
		Sensor:            freshSensor("vacant"),
	}

	dec := Compute(facts, policy.Default(), testNow)

	if dec.State != StateReserved {
		t.Errorf("Expected state 'reserved', got '%s'", dec.State)
	}
	if dec.Blink {
		t.Error("Active reservation should display solid, not blinking")
	}
	if dec.Reason != ReasonReservedActive {
		t.Errorf("Expected reason '%s', got '%s'", ReasonReservedActive, dec.Reason)
	}
}

func TestCompute_OccupiedOverReservation_PolicyGated(t *testing.T) {
	facts := Facts{
		ActiveReservation: activeWindow(),
		Sensor:            freshSensor("occupied"),
	}

	// Default policy: reservation wins even against a fresh occupied reading
	dec := Compute(facts, policy.Default(), testNow)
	if dec.State != StateReserved {
		t.Errorf("Expected state 'reserved' with default policy, got '%s'", dec.State)
	}

	// With the flag set, the occupied reading wins
	pol := policy.Default()
	pol.SensorOverridesReservation = true
	dec = Compute(facts, pol, testNow)
	if dec.State != StateOccupied {
		t.Errorf("Expected state 'occupied' with override flag, got '%s'", dec.State)
	}
	if dec.Reason != ReasonOccupiedOverReserved {
		t.Errorf("Expected reason '%s', got '%s'", ReasonOccupiedOverReserved, dec.Reason)
	}
	if dec.Priority != 3 {
		t.Errorf("Expected priority 3, got %d", dec.Priority)
	}
}

func TestCompute_Priority4_ReservedSoonBlinks(t *testing.T) {
	facts := Facts{
		UpcomingReservation: &ReservationWindow{
			ID:    uuid.New(),
			Start: testNow.Add(10 * time.Minute),
			End:   testNow.Add(2 * time.Hour),
		},
		Sensor: freshSensor("vacant"),
	}

	dec := Compute(facts, policy.Default(), testNow)

	if dec.State != StateReserved {
		t.Errorf("Expected state 'reserved', got '%s'", dec.State)
	}
	if !dec.Blink {
		t.Error("Upcoming reservation inside the pre-announce window should blink")
	}
	if dec.Reason != ReasonReservedSoon {
		t.Errorf("Expected reason '%s', got '%s'", ReasonReservedSoon, dec.Reason)
	}
}

func TestCompute_UpcomingOutsideWindow_Ignored(t *testing.T) {
	facts := Facts{
		UpcomingReservation: &ReservationWindow{
			ID:    uuid.New(),
			Start: testNow.Add(16 * time.Minute),
			End:   testNow.Add(2 * time.Hour),
		},
		Sensor: freshSensor("vacant"),
	}

	dec := Compute(facts, policy.Default(), testNow)

	if dec.State != StateFree {
		t.Errorf("Expected state 'free' outside the pre-announce window, got '%s'", dec.State)
	}
	if dec.Reason != ReasonSensorVacant {
		t.Errorf("Expected reason '%s', got '%s'", ReasonSensorVacant, dec.Reason)
	}
}

func TestCompute_Priority5_FreshSensor(t *testing.T) {
	testCases := []struct {
		stable        string
		expectedState DisplayState
		expectedColor string
	}{
		{"occupied", StateOccupied, "red"},
		{"vacant", StateFree, "green"},
	}

	for _, tc := range testCases {
		dec := Compute(Facts{Sensor: freshSensor(tc.stable)}, policy.Default(), testNow)

		if dec.State != tc.expectedState {
			t.Errorf("Stable '%s': expected state '%s', got '%s'", tc.stable, tc.expectedState, dec.State)
		}
		if dec.ColorToken != tc.expectedColor {
			t.Errorf("Stable '%s': expected color '%s', got '%s'", tc.stable, tc.expectedColor, dec.ColorToken)
		}
		if dec.Priority != 5 {
			t.Errorf("Stable '%s': expected priority 5, got %d", tc.stable, dec.Priority)
		}
	}
}

func TestCompute_Priority6_StaleSensorHoldsLastDecision(t *testing.T) {
	stale := freshSensor("occupied")
	stale.LastReadingAt = testNow.Add(-5 * time.Minute)

	facts := Facts{
		Sensor: stale,
		LastDecision: &Decision{
			State:      StateOccupied,
			ColorToken: "red",
			Blink:      false,
			Priority:   5,
			Reason:     ReasonSensorOccupied,
		},
	}

	dec := Compute(facts, policy.Default(), testNow)

	if dec.State != StateOccupied {
		t.Errorf("Expected held state 'occupied', got '%s'", dec.State)
	}
	if dec.ColorToken != "red" {
		t.Errorf("Expected held color 'red', got '%s'", dec.ColorToken)
	}
	if dec.Priority != 6 {
		t.Errorf("Expected priority 6, got %d", dec.Priority)
	}
	if dec.Reason != ReasonHeldStaleSensor {
		t.Errorf("Expected reason '%s', got '%s'", ReasonHeldStaleSensor, dec.Reason)
	}
}

func TestCompute_Priority7_NoSignalDefaultsFree(t *testing.T) {
	// Display-only space, no history at all
	dec := Compute(Facts{}, policy.Default(), testNow)

	if dec.State != StateFree {
		t.Errorf("Expected default state 'free', got '%s'", dec.State)
	}
	if dec.ColorToken != "green" {
		t.Errorf("Expected default color 'green', got '%s'", dec.ColorToken)
	}
	if dec.Priority != 7 {
		t.Errorf("Expected priority 7, got %d", dec.Priority)
	}
	if dec.Reason != ReasonNoSignalDefault {
		t.Errorf("Expected reason '%s', got '%s'", ReasonNoSignalDefault, dec.Reason)
	}
}

func TestCompute_DisplayOnlySpace_FreeAfterReservationEnds(t *testing.T) {
	// A display-only space showed RESERVED while its reservation ran. Once
	// the window ends there is no sensor to go stale, so the old conclusion
	// must not be held; the space falls to the default FREE.
	facts := Facts{
		Sensor: SensorSnapshot{HasSensor: false},
		LastDecision: &Decision{
			State:      StateReserved,
			ColorToken: "blue",
			Blink:      false,
			Priority:   3,
			Reason:     ReasonReservedActive,
		},
	}

	dec := Compute(facts, policy.Default(), testNow)

	if dec.State != StateFree {
		t.Errorf("Expected state 'free', got '%s'", dec.State)
	}
	if dec.Reason != ReasonNoSignalDefault {
		t.Errorf("Expected reason '%s', got '%s'", ReasonNoSignalDefault, dec.Reason)
	}
	if dec.Priority != 7 {
		t.Errorf("Expected priority 7, got %d", dec.Priority)
	}
}

func TestCompute_DisplayOnlySpace_ReservationStillApplies(t *testing.T) {
	facts := Facts{
		ActiveReservation: activeWindow(),
		Sensor:            SensorSnapshot{HasSensor: false},
	}

	dec := Compute(facts, policy.Default(), testNow)

	if dec.State != StateReserved {
		t.Errorf("Expected state 'reserved', got '%s'", dec.State)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	facts := Facts{
		ActiveReservation: activeWindow(),
		Sensor:            freshSensor("occupied"),
	}
	pol := policy.Default()
	pol.SensorOverridesReservation = true

	first := Compute(facts, pol, testNow)
	for i := 0; i < 10; i++ {
		if got := Compute(facts, pol, testNow); got != first {
			t.Fatalf("Identical facts produced differing decisions: %+v vs %+v", first, got)
		}
	}
}

func TestCompute_StalenessBoundary(t *testing.T) {
	pol := policy.Default()

	// Exactly at the timeout the reading still counts as fresh
	atBoundary := freshSensor("occupied")
	atBoundary.LastReadingAt = testNow.Add(-pol.SensorUnknownTimeout)
	dec := Compute(Facts{Sensor: atBoundary}, pol, testNow)
	if dec.Reason != ReasonSensorOccupied {
		t.Errorf("Reading at the timeout boundary should be fresh, got reason '%s'", dec.Reason)
	}

	// One second past the timeout it is stale
	past := freshSensor("occupied")
	past.LastReadingAt = testNow.Add(-pol.SensorUnknownTimeout - time.Second)
	dec = Compute(Facts{Sensor: past}, pol, testNow)
	if dec.Reason != ReasonNoSignalDefault {
		t.Errorf("Reading past the timeout should be stale, got reason '%s'", dec.Reason)
	}
}
