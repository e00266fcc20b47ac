package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(s.Close)
		return s
	})
}

// Read paths degrade to empty results when storage dies; write paths surface
// ErrStorageUnavailable. A closed handle stands in for an unreachable
// database.
func TestSQLiteStoreDegradesWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	ids := enqueueN(t, s, "c1", 1)
	s.Close()

	if got := s.CountPending(ctx, "c1"); got != 0 {
		t.Fatalf("CountPending on closed store = %d, want 0", got)
	}
	if taken := s.Take(ctx, TakeOptions{ConnectionID: "c1"}); taken == nil || len(taken) != 0 {
		t.Fatalf("Take on closed store = %v, want empty slice", taken)
	}

	_, err = s.Enqueue(ctx, EnqueueOptions{ConnectionID: "c1", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Enqueue on closed store = %v, want ErrStorageUnavailable", err)
	}
	if err := s.Remove(ctx, "c1", ids); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Remove on closed store = %v, want ErrStorageUnavailable", err)
	}
	if _, err := s.ResetInFlight(ctx, "c1"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("ResetInFlight on closed store = %v, want ErrStorageUnavailable", err)
	}
}
