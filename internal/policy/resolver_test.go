package policy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeLookup counts store hits and serves a scripted response
type fakeLookup struct {
	policy Policy
	found  bool
	err    error
	calls  int
}

func (f *fakeLookup) GetActive(ctx context.Context, tenantID uuid.UUID) (Policy, bool, error) {
	f.calls++
	return f.policy, f.found, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestResolver_MissingPolicyFallsBackToDefaults(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeLookup{found: false}
	r := NewResolver(store, time.Minute, testLogger())

	p, err := r.Active(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if p.TenantID != tenantID {
		t.Errorf("Default policy should carry the tenant id, got %s", p.TenantID)
	}
	if p.ReservedSoonThreshold != 15*time.Minute {
		t.Errorf("Expected default pre-announce 15m, got %v", p.ReservedSoonThreshold)
	}
	if p.Colors.Free != "green" || p.Colors.Occupied != "red" {
		t.Errorf("Expected default colors, got %+v", p.Colors)
	}
}

func TestResolver_LookupErrorPropagates(t *testing.T) {
	store := &fakeLookup{err: errors.New("connection refused")}
	r := NewResolver(store, time.Minute, testLogger())

	if _, err := r.Active(context.Background(), uuid.New()); err == nil {
		t.Fatal("A store failure must propagate, not fall back to defaults")
	}
}

func TestResolver_CachesWithinTTL(t *testing.T) {
	tenantID := uuid.New()
	pol := Default()
	pol.TenantID = tenantID
	pol.Name = "night-ops"
	store := &fakeLookup{policy: pol, found: true}
	r := NewResolver(store, time.Minute, testLogger())

	for i := 0; i < 5; i++ {
		p, err := r.Active(context.Background(), tenantID)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if p.Name != "night-ops" {
			t.Errorf("Expected policy 'night-ops', got '%s'", p.Name)
		}
	}

	if store.calls != 1 {
		t.Errorf("Expected one store hit under the cache TTL, got %d", store.calls)
	}
}

func TestResolver_InvalidateForcesRefetch(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeLookup{policy: Default(), found: true}
	r := NewResolver(store, time.Minute, testLogger())

	if _, err := r.Active(context.Background(), tenantID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	r.Invalidate(tenantID)
	if _, err := r.Active(context.Background(), tenantID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if store.calls != 2 {
		t.Errorf("Expected a refetch after invalidation, got %d store hits", store.calls)
	}
}

func TestFillColorDefaults_PartialConfig(t *testing.T) {
	c := fillColorDefaults(Colors{Occupied: "amber"})

	if c.Occupied != "amber" {
		t.Errorf("Configured token should survive, got '%s'", c.Occupied)
	}
	if c.Free != "green" || c.OutOfService != "purple" {
		t.Errorf("Missing tokens should take defaults, got %+v", c)
	}
}
