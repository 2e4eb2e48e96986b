package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestProfile(t *testing.T, s *Store, userID int64) int64 {
	t.Helper()
	id, err := s.CreateProfile(context.Background(), userID, "test baby")
	if err != nil {
		t.Fatalf("Failed to create profile: %v", err)
	}
	return id
}

func TestSlotConnection(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	profileID := createTestProfile(t, s, 1)

	if err := s.SetSlotConnection(ctx, profileID, HeadCamera, "10.0.0.5", true); err != nil {
		t.Fatalf("Failed to set slot connection: %v", err)
	}

	slot, err := s.GetSlot(ctx, profileID, HeadCamera)
	if err != nil {
		t.Fatalf("Failed to get slot: %v", err)
	}
	if slot.IP != "10.0.0.5" || !slot.Connected {
		t.Errorf("Expected connected slot with IP 10.0.0.5, got ip=%q connected=%v", slot.IP, slot.Connected)
	}

	// The other slot must be untouched
	static, err := s.GetSlot(ctx, profileID, StaticCamera)
	if err != nil {
		t.Fatalf("Failed to get static slot: %v", err)
	}
	if static.IP != "" || static.Connected {
		t.Errorf("Static slot unexpectedly mutated: %+v", static)
	}

	if err := s.ClearSlot(ctx, profileID, HeadCamera); err != nil {
		t.Fatalf("Failed to clear slot: %v", err)
	}
	slot, _ = s.GetSlot(ctx, profileID, HeadCamera)
	if slot.IP != "" || slot.Connected || slot.InDetection {
		t.Errorf("Expected cleared slot, got %+v", slot)
	}
}

func TestSlotConnectionUnknownProfile(t *testing.T) {
	s := setupTestStore(t)

	err := s.SetSlotConnection(context.Background(), 999, HeadCamera, "10.0.0.5", true)
	if !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}
}

func TestResetAllSlotsForUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p1 := createTestProfile(t, s, 7)
	p2 := createTestProfile(t, s, 7)
	other := createTestProfile(t, s, 8)

	for _, id := range []int64{p1, p2, other} {
		if err := s.SetSlotConnection(ctx, id, HeadCamera, "10.0.0.1", true); err != nil {
			t.Fatalf("Failed to connect slot: %v", err)
		}
	}

	n, err := s.ResetAllSlotsForUser(ctx, 7)
	if err != nil {
		t.Fatalf("Failed to reset slots: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 profiles reset, got %d", n)
	}

	slot, _ := s.GetSlot(ctx, other, HeadCamera)
	if !slot.Connected {
		t.Error("Other user's slot should not have been reset")
	}
}

func TestModelUpdatedAt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	profileID := createTestProfile(t, s, 1)

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.SetModelUpdatedAt(ctx, profileID, StaticCamera, now); err != nil {
		t.Fatalf("Failed to set model timestamp: %v", err)
	}

	slot, _ := s.GetSlot(ctx, profileID, StaticCamera)
	if slot.ModelUpdatedAt == nil || !slot.ModelUpdatedAt.Equal(now) {
		t.Errorf("Expected model timestamp %v, got %v", now, slot.ModelUpdatedAt)
	}

	if err := s.ClearModelUpdatedAt(ctx, profileID, StaticCamera); err != nil {
		t.Fatalf("Failed to clear model timestamp: %v", err)
	}
	slot, _ = s.GetSlot(ctx, profileID, StaticCamera)
	if slot.ModelUpdatedAt != nil {
		t.Errorf("Expected cleared model timestamp, got %v", slot.ModelUpdatedAt)
	}
}
