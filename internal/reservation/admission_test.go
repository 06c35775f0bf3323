package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/internal/space"
	"github.com/parklens/parklens-platform/pkg/config"
	"github.com/parklens/parklens-platform/pkg/postgres"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testController() *Controller {
	// Validation happens before any storage access, so no client is needed
	return NewController(nil, 24*time.Hour, testLogger())
}

// setupTestDB connects to a disposable Postgres instance and applies the
// schema. Skipped unless PARKLENS_TEST_POSTGRES_HOST points at one.
func setupTestDB(t *testing.T) postgres.Client {
	host := os.Getenv("PARKLENS_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("Integration test - requires PostgreSQL (set PARKLENS_TEST_POSTGRES_HOST)")
	}

	cfg := config.NewConfig()
	cfg.PostgresHost = host

	client := postgres.NewClient(cfg, testLogger())
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}
	return client
}

// provisionTestSpace creates the space row reservations reference
func provisionTestSpace(t *testing.T, client postgres.Client, tenantID uuid.UUID) uuid.UUID {
	t.Helper()

	sp, err := space.NewStore(client, testLogger()).Provision(context.Background(), space.Space{
		TenantID: tenantID,
		Label:    "test space",
	})
	if err != nil {
		t.Fatalf("Failed to provision space: %v", err)
	}
	return sp.ID
}

func validParams() CreateParams {
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return CreateParams{
		SpaceID:   uuid.New(),
		TenantID:  uuid.New(),
		StartsAt:  start,
		EndsAt:    start.Add(2 * time.Hour),
		RequestID: "req-abc-123",
	}
}

func TestCreate_ValidationRejections(t *testing.T) {
	c := testController()

	testCases := []struct {
		name          string
		mutate        func(*CreateParams)
		expectedField string
	}{
		{"missing space", func(p *CreateParams) { p.SpaceID = uuid.Nil }, "space_id"},
		{"missing tenant", func(p *CreateParams) { p.TenantID = uuid.Nil }, "tenant_id"},
		{"missing request id", func(p *CreateParams) { p.RequestID = "" }, "request_id"},
		{"end equals start", func(p *CreateParams) { p.EndsAt = p.StartsAt }, "time_range"},
		{"end before start", func(p *CreateParams) { p.EndsAt = p.StartsAt.Add(-time.Hour) }, "time_range"},
		{"exceeds max duration", func(p *CreateParams) { p.EndsAt = p.StartsAt.Add(25 * time.Hour) }, "time_range"},
	}

	for _, tc := range testCases {
		p := validParams()
		tc.mutate(&p)

		_, err := c.Create(context.Background(), p)

		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
			continue
		}
		if verr.Field != tc.expectedField {
			t.Errorf("%s: expected field '%s', got '%s'", tc.name, tc.expectedField, verr.Field)
		}
	}
}

func TestCreate_MaxDurationBoundary(t *testing.T) {
	c := testController()

	// Exactly the maximum is allowed; validation must pass. The nil client
	// then panics on the idempotency lookup, which proves validation was
	// cleared, so recover and accept it.
	defer func() { _ = recover() }()

	p := validParams()
	p.EndsAt = p.StartsAt.Add(24 * time.Hour)

	_, err := c.Create(context.Background(), p)

	var verr *ValidationError
	if errors.As(err, &verr) {
		t.Errorf("Duration exactly at the maximum must validate, got %v", verr)
	}
}

func TestOverlapError_Message(t *testing.T) {
	spaceID := uuid.New()
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	err := &OverlapError{SpaceID: spaceID, Start: start, End: start.Add(time.Hour)}

	msg := err.Error()
	if msg == "" {
		t.Fatal("Expected a non-empty message")
	}
	// The half-open convention is part of the contract callers see
	if want := "[2026-03-14T12:00:00Z, 2026-03-14T13:00:00Z)"; !strings.Contains(msg, want) {
		t.Errorf("Expected message to contain '%s', got '%s'", want, msg)
	}
}

func TestBlocking(t *testing.T) {
	testCases := []struct {
		status   string
		blocking bool
	}{
		{StatusPending, true},
		{StatusConfirmed, true},
		{StatusCancelled, false},
		{StatusExpired, false},
	}

	for _, tc := range testCases {
		r := &Reservation{Status: tc.status}
		if r.Blocking() != tc.blocking {
			t.Errorf("Status '%s': expected blocking=%v", tc.status, tc.blocking)
		}
	}
}

func TestCreate_ConcurrentOverlap_SingleWinner(t *testing.T) {
	client := setupTestDB(t)
	defer client.Disconnect()

	c := NewController(client, 24*time.Hour, testLogger())
	tenantID := uuid.New()
	spaceID := provisionTestSpace(t, client, tenantID)
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	// Two callers race for the same window with distinct request ids. The
	// range-exclusion constraint must admit exactly one; the loser gets a
	// typed overlap error, never a second row.
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.Create(context.Background(), CreateParams{
				SpaceID:   spaceID,
				TenantID:  tenantID,
				StartsAt:  start,
				EndsAt:    start.Add(2 * time.Hour),
				RequestID: fmt.Sprintf("req-race-%d", n),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var admitted, overlapped int
	for err := range results {
		var oerr *OverlapError
		switch {
		case err == nil:
			admitted++
		case errors.As(err, &oerr):
			overlapped++
			if oerr.SpaceID != spaceID {
				t.Errorf("Overlap error names space %s, expected %s", oerr.SpaceID, spaceID)
			}
		default:
			t.Fatalf("Unexpected error kind: %v", err)
		}
	}

	if admitted != 1 || overlapped != 1 {
		t.Errorf("Expected exactly one winner and one overlap rejection, got %d/%d", admitted, overlapped)
	}
}

func TestCreate_ConcurrentSameRequestID_OneRow(t *testing.T) {
	client := setupTestDB(t)
	defer client.Disconnect()

	c := NewController(client, 24*time.Hour, testLogger())
	tenantID := uuid.New()
	spaceID := provisionTestSpace(t, client, tenantID)
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	params := CreateParams{
		SpaceID:   spaceID,
		TenantID:  tenantID,
		StartsAt:  start,
		EndsAt:    start.Add(2 * time.Hour),
		RequestID: "req-idem-race",
	}

	// Both callers carry the same idempotency key; both must succeed and
	// see the single admitted reservation.
	type outcome struct {
		res *Reservation
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Create(context.Background(), params)
			results <- outcome{res, err}
		}()
	}
	wg.Wait()
	close(results)

	ids := make(map[uuid.UUID]bool)
	for o := range results {
		if o.err != nil {
			t.Fatalf("Idempotent create must not fail: %v", o.err)
		}
		ids[o.res.ID] = true
	}
	if len(ids) != 1 {
		t.Errorf("Expected both callers to see the same reservation, got %d distinct ids", len(ids))
	}

	stored, err := c.GetByRequestID(context.Background(), tenantID, "req-idem-race")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if stored == nil {
		t.Fatal("Expected the admitted reservation to be stored")
	}
	if !ids[stored.ID] {
		t.Errorf("Stored reservation %s does not match what the callers saw", stored.ID)
	}
}

func TestCreate_SequentialReplayReturnsOriginal(t *testing.T) {
	client := setupTestDB(t)
	defer client.Disconnect()

	c := NewController(client, 24*time.Hour, testLogger())
	tenantID := uuid.New()
	spaceID := provisionTestSpace(t, client, tenantID)
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	params := CreateParams{
		SpaceID:   spaceID,
		TenantID:  tenantID,
		StartsAt:  start,
		EndsAt:    start.Add(time.Hour),
		RequestID: "req-replay",
	}

	first, err := c.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("First create failed: %v", err)
	}

	second, err := c.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Replay must not fail: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Replay returned %s, expected the original %s", second.ID, first.ID)
	}
}
