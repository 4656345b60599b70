package store

import (
	"context"
	"testing"
	"time"
)

func TestTrialGetOrCreate(t *testing.T) {
	ts := NewTrialStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	ta, err := ts.GetOrCreate(ctx, "dev-1", 1, now)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if ta.DeviceID != "dev-1" {
		t.Errorf("device_id = %q, want %q", ta.DeviceID, "dev-1")
	}
	if ta.UsesRemaining != 1 {
		t.Errorf("uses_remaining = %d, want 1", ta.UsesRemaining)
	}
	if !ta.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", ta.CreatedAt, now)
	}
}

func TestTrialGetOrCreateDoesNotReset(t *testing.T) {
	ts := NewTrialStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	ts.GetOrCreate(ctx, "dev-1", 1, now)
	if _, ok, err := ts.Decrement(ctx, "dev-1"); err != nil || !ok {
		t.Fatalf("decrement: ok=%v err=%v", ok, err)
	}

	ta, err := ts.GetOrCreate(ctx, "dev-1", 5, now)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if ta.UsesRemaining != 0 {
		t.Errorf("uses_remaining = %d, want 0 (existing account must not be reset)", ta.UsesRemaining)
	}
}

func TestTrialGetNotFound(t *testing.T) {
	ts := NewTrialStore(setupTestDB(t))

	ta, err := ts.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ta != nil {
		t.Error("expected nil for unknown device")
	}
}

func TestTrialDecrement(t *testing.T) {
	ts := NewTrialStore(setupTestDB(t))
	ctx := context.Background()
	ts.GetOrCreate(ctx, "dev-1", 2, time.Now())

	for _, want := range []int{1, 0} {
		got, ok, err := ts.Decrement(ctx, "dev-1")
		if err != nil {
			t.Fatalf("decrement: %v", err)
		}
		if !ok {
			t.Fatalf("decrement to %d: expected ok", want)
		}
		if got != want {
			t.Errorf("remaining = %d, want %d", got, want)
		}
	}

	_, ok, err := ts.Decrement(ctx, "dev-1")
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if ok {
		t.Error("expected decrement to fail with no uses left")
	}

	ta, _ := ts.Get(ctx, "dev-1")
	if ta.UsesRemaining != 0 {
		t.Errorf("uses_remaining = %d, want 0", ta.UsesRemaining)
	}
}

func TestTrialDecrementUnknownDevice(t *testing.T) {
	ts := NewTrialStore(setupTestDB(t))

	_, ok, err := ts.Decrement(context.Background(), "missing")
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if ok {
		t.Error("expected decrement of unknown device to fail")
	}
}
