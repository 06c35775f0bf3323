package debounce

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parklens/parklens-platform/pkg/redis"
)

// fakeRedis holds hashes in memory and counts write calls
type fakeRedis struct {
	hashes      map[string]map[string]string
	hsetCalls   int
	hsetMapCall int
	failNext    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: make(map[string]map[string]string)}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	return "", redis.ErrNotFound
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) error { return nil }

func (f *fakeRedis) HSet(ctx context.Context, key string, field string, value interface{}) error {
	f.hsetCalls++
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = fmt.Sprintf("%v", value)
	return nil
}

func (f *fakeRedis) HSetMap(ctx context.Context, key string, fields map[string]string) error {
	f.hsetMapCall++
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("connection reset")
	}
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	for field, value := range fields {
		f.hashes[key][field] = value
	}
	return nil
}

func (f *fakeRedis) HGet(ctx context.Context, key string, field string) (string, error) {
	v, ok := f.hashes[key][field]
	if !ok {
		return "", redis.ErrNotFound
	}
	return v, nil
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string, len(f.hashes[key]))
	for field, value := range f.hashes[key] {
		out[field] = value
	}
	return out, nil
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) error { return nil }

func (f *fakeRedis) Keys(ctx context.Context, pattern string) ([]string, error) { return nil, nil }

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (f *fakeRedis) Ping(ctx context.Context) error { return nil }

func (f *fakeRedis) Close() error { return nil }

func testEngine() (*Engine, *fakeRedis) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	fake := newFakeRedis()
	return NewEngine(fake, logger), fake
}

func TestIngest_PersistsStateInOneWrite(t *testing.T) {
	engine, fake := testEngine()
	spaceID := uuid.New()
	ctx := context.Background()

	_, _, err := engine.Ingest(ctx, spaceID, RawOccupied, base, 0.9, window)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if fake.hsetMapCall != 1 {
		t.Errorf("Expected one atomic hash write, got %d", fake.hsetMapCall)
	}
	if fake.hsetCalls != 0 {
		t.Errorf("Expected no per-field writes, got %d", fake.hsetCalls)
	}
}

func TestIngest_RoundTripsThroughStorage(t *testing.T) {
	engine, _ := testEngine()
	spaceID := uuid.New()
	ctx := context.Background()

	_, changed, err := engine.Ingest(ctx, spaceID, RawOccupied, base, 0.9, window)
	if err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	if changed {
		t.Fatal("First reading must not confirm on its own")
	}

	stable, changed, err := engine.Ingest(ctx, spaceID, RawOccupied, base.Add(3*time.Second), 0.85, window)
	if err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if !changed || stable != RawOccupied {
		t.Errorf("Expected confirmed 'occupied', got '%s' changed=%v", stable, changed)
	}

	st, err := engine.Load(ctx, spaceID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st.Stable != RawOccupied {
		t.Errorf("Expected stored stable 'occupied', got '%s'", st.Stable)
	}
	if !st.StableSince.Equal(base.Add(3 * time.Second)) {
		t.Errorf("Expected stable_since at the confirming reading, got %v", st.StableSince)
	}
	if st.RadioQuality != 0.85 {
		t.Errorf("Expected radio quality of the last reading, got %f", st.RadioQuality)
	}
}

func TestIngest_SaveFailureSurfacesAndLeavesStateIntact(t *testing.T) {
	engine, fake := testEngine()
	spaceID := uuid.New()
	ctx := context.Background()

	if _, _, err := engine.Ingest(ctx, spaceID, RawVacant, base, 0.9, window); err != nil {
		t.Fatalf("Setup ingest failed: %v", err)
	}

	fake.failNext = true
	if _, _, err := engine.Ingest(ctx, spaceID, RawOccupied, base.Add(5*time.Second), 0.9, window); err == nil {
		t.Fatal("A failed write must surface as an error")
	}

	// The stored state still reflects only the first reading
	st, err := engine.Load(ctx, spaceID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st.LastRaw != RawVacant {
		t.Errorf("Expected stored last_raw 'vacant', got '%s'", st.LastRaw)
	}
	if st.PendingState != RawVacant {
		t.Errorf("Expected stored candidate 'vacant', got '%s'", st.PendingState)
	}
}

func TestIngest_RejectsInvalidRawState(t *testing.T) {
	engine, fake := testEngine()

	_, _, err := engine.Ingest(context.Background(), uuid.New(), "maybe", base, 0.9, window)
	if err == nil {
		t.Fatal("Expected an error for an unknown raw state")
	}
	if fake.hsetMapCall != 0 {
		t.Errorf("Invalid reading must not be persisted, got %d writes", fake.hsetMapCall)
	}
}
