package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/animo/animo-mediator/internal/models"
)

func liveSessionFixture(sessionID, connectionID, instanceID string) models.LiveSession {
	return models.LiveSession{
		SessionID:       sessionID,
		ConnectionID:    connectionID,
		ProtocolVersion: "v2",
		Role:            "mediator",
		InstanceID:      instanceID,
	}
}

// runStoreContract exercises the queue and session-directory contract every
// backend must satisfy. Each backend's own test file wires it up against a
// fresh store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("EnqueueAndCount", func(t *testing.T) {
		testEnqueueAndCount(t, newStore(t))
	})
	t.Run("TakeFIFO", func(t *testing.T) {
		testTakeFIFO(t, newStore(t))
	})
	t.Run("TakeLimitBoundary", func(t *testing.T) {
		testTakeLimitBoundary(t, newStore(t))
	})
	t.Run("TakeByRecipientKey", func(t *testing.T) {
		testTakeByRecipientKey(t, newStore(t))
	})
	t.Run("TakeMatchesOnce", func(t *testing.T) {
		testTakeMatchesOnce(t, newStore(t))
	})
	t.Run("ReserveAndRecover", func(t *testing.T) {
		testReserveAndRecover(t, newStore(t))
	})
	t.Run("RemoveIdempotent", func(t *testing.T) {
		testRemoveIdempotent(t, newStore(t))
	})
	t.Run("RemoveScopedToConnection", func(t *testing.T) {
		testRemoveScopedToConnection(t, newStore(t))
	})
	t.Run("SessionLastWriterWins", func(t *testing.T) {
		testSessionLastWriterWins(t, newStore(t))
	})
	t.Run("SessionRemoveIdempotent", func(t *testing.T) {
		testSessionRemoveIdempotent(t, newStore(t))
	})
	t.Run("DeviceRegistration", func(t *testing.T) {
		testDeviceRegistration(t, newStore(t))
	})
	t.Run("ScenarioPartialDrain", func(t *testing.T) {
		testScenarioPartialDrain(t, newStore(t))
	})
}

func enqueueN(t *testing.T, s Store, connectionID string, n int) []string {
	t.Helper()
	ctx := context.Background()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.Enqueue(ctx, EnqueueOptions{
			ConnectionID: connectionID,
			Payload:      json.RawMessage(fmt.Sprintf(`{"protected":"msg-%d"}`, i)),
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}
	return ids
}

func testEnqueueAndCount(t *testing.T, s Store) {
	ctx := context.Background()

	if got := s.CountPending(ctx, "c1"); got != 0 {
		t.Fatalf("CountPending on empty queue = %d, want 0", got)
	}

	msg, err := s.Enqueue(ctx, EnqueueOptions{
		ConnectionID:  "c1",
		RecipientKeys: []string{"did:key:abc"},
		Payload:       json.RawMessage(`{"protected":"x"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("Enqueue returned empty id")
	}
	if msg.CreatedAt.IsZero() {
		t.Fatal("Enqueue returned zero CreatedAt")
	}
	if msg.State != models.StatePending {
		t.Fatalf("Enqueue state = %q, want pending", msg.State)
	}

	if got := s.CountPending(ctx, "c1"); got != 1 {
		t.Fatalf("CountPending = %d, want 1", got)
	}
	if got := s.CountPending(ctx, "c2"); got != 0 {
		t.Fatalf("CountPending for other connection = %d, want 0", got)
	}
}

func testTakeFIFO(t *testing.T, s Store) {
	ctx := context.Background()
	ids := enqueueN(t, s, "c1", 5)

	taken := s.Take(ctx, TakeOptions{ConnectionID: "c1", DeleteImmediately: true})
	if len(taken) != 5 {
		t.Fatalf("Take returned %d messages, want 5", len(taken))
	}
	for i, msg := range taken {
		if msg.ID != ids[i] {
			t.Fatalf("Take order mismatch at %d: got %s, want %s", i, msg.ID, ids[i])
		}
	}

	// Deleted as part of the take: nothing left.
	if again := s.Take(ctx, TakeOptions{ConnectionID: "c1", DeleteImmediately: true}); len(again) != 0 {
		t.Fatalf("second Take returned %d messages, want 0", len(again))
	}
}

func testTakeLimitBoundary(t *testing.T, s Store) {
	ctx := context.Background()
	enqueueN(t, s, "c1", 3)

	// Limit 0 is the documented "no limit" sentinel.
	all := s.Take(ctx, TakeOptions{ConnectionID: "c1", Limit: 0, DeleteImmediately: true})
	if len(all) != 3 {
		t.Fatalf("Take with limit 0 returned %d messages, want all 3", len(all))
	}

	ids := enqueueN(t, s, "c1", 3)
	two := s.Take(ctx, TakeOptions{ConnectionID: "c1", Limit: 2, DeleteImmediately: true})
	if len(two) != 2 {
		t.Fatalf("Take with limit 2 returned %d messages, want 2", len(two))
	}
	if two[0].ID != ids[0] || two[1].ID != ids[1] {
		t.Fatal("Take with limit did not return the oldest messages")
	}

	// Limit larger than the queue returns what's there.
	rest := s.Take(ctx, TakeOptions{ConnectionID: "c1", Limit: 100, DeleteImmediately: true})
	if len(rest) != 1 {
		t.Fatalf("Take with limit 100 returned %d messages, want 1", len(rest))
	}
}

func testTakeByRecipientKey(t *testing.T, s Store) {
	ctx := context.Background()

	msg, err := s.Enqueue(ctx, EnqueueOptions{
		ConnectionID:  "c1",
		RecipientKeys: []string{"did:key:alpha", "did:key:beta"},
		Payload:       json.RawMessage(`{"protected":"x"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Different connection id, but a matching recipient key.
	taken := s.Take(ctx, TakeOptions{ConnectionID: "other", RecipientKey: "did:key:beta"})
	if len(taken) != 1 || taken[0].ID != msg.ID {
		t.Fatalf("Take by recipient key returned %v, want [%s]", taken, msg.ID)
	}

	// No clause matches.
	if none := s.Take(ctx, TakeOptions{ConnectionID: "other", RecipientKey: "did:key:gamma"}); len(none) != 0 {
		t.Fatalf("Take with no matching clause returned %d messages, want 0", len(none))
	}
}

func testTakeMatchesOnce(t *testing.T, s Store) {
	ctx := context.Background()

	// Matches both by connection id and by recipient key; must come back
	// exactly once.
	if _, err := s.Enqueue(ctx, EnqueueOptions{
		ConnectionID:  "c1",
		RecipientKeys: []string{"did:key:alpha"},
		Payload:       json.RawMessage(`{"protected":"x"}`),
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	taken := s.Take(ctx, TakeOptions{ConnectionID: "c1", RecipientKey: "did:key:alpha", DeleteImmediately: true})
	if len(taken) != 1 {
		t.Fatalf("Take returned %d rows for a doubly-matching message, want 1", len(taken))
	}
}

func testReserveAndRecover(t *testing.T, s Store) {
	ctx := context.Background()
	ids := enqueueN(t, s, "c1", 3)

	// Reserve without deleting: rows go in_flight.
	reserved := s.Take(ctx, TakeOptions{ConnectionID: "c1", Limit: 2})
	if len(reserved) != 2 {
		t.Fatalf("Take reserved %d messages, want 2", len(reserved))
	}
	for _, msg := range reserved {
		if msg.State != models.StateInFlight {
			t.Fatalf("reserved message state = %q, want in_flight", msg.State)
		}
	}

	// In-flight messages are not available and not counted.
	if got := s.CountPending(ctx, "c1"); got != 1 {
		t.Fatalf("CountPending after reserve = %d, want 1", got)
	}
	if visible := s.Take(ctx, TakeOptions{ConnectionID: "c1"}); len(visible) != 1 || visible[0].ID != ids[2] {
		t.Fatalf("Take after reserve saw %d messages, want only the unreserved one", len(visible))
	}

	// The owning session dies without acknowledging: everything returns to
	// pending and a later take sees the full set again, oldest first.
	reset, err := s.ResetInFlight(ctx, "c1")
	if err != nil {
		t.Fatalf("ResetInFlight: %v", err)
	}
	if reset != 3 {
		t.Fatalf("ResetInFlight reset %d messages, want 3", reset)
	}
	if again, err := s.ResetInFlight(ctx, "c1"); err != nil || again != 0 {
		t.Fatalf("second ResetInFlight = (%d, %v), want (0, nil)", again, err)
	}

	all := s.Take(ctx, TakeOptions{ConnectionID: "c1"})
	if len(all) != 3 {
		t.Fatalf("Take after recovery returned %d messages, want 3", len(all))
	}
	for i, msg := range all {
		if msg.ID != ids[i] {
			t.Fatalf("recovered order mismatch at %d: got %s, want %s", i, msg.ID, ids[i])
		}
	}
}

func testRemoveIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	ids := enqueueN(t, s, "c1", 2)

	// Empty id list is a no-op.
	if err := s.Remove(ctx, "c1", nil); err != nil {
		t.Fatalf("Remove with empty ids: %v", err)
	}
	if got := s.CountPending(ctx, "c1"); got != 2 {
		t.Fatalf("CountPending after empty Remove = %d, want 2", got)
	}

	if err := s.Remove(ctx, "c1", []string{ids[0]}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Removing the same id again is fine.
	if err := s.Remove(ctx, "c1", []string{ids[0]}); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if got := s.CountPending(ctx, "c1"); got != 1 {
		t.Fatalf("CountPending after Remove = %d, want 1", got)
	}
}

func testRemoveScopedToConnection(t *testing.T, s Store) {
	ctx := context.Background()
	c1IDs := enqueueN(t, s, "c1", 1)
	enqueueN(t, s, "c2", 1)

	// A guessed id with the wrong connection must not delete anything.
	if err := s.Remove(ctx, "c2", c1IDs); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := s.CountPending(ctx, "c1"); got != 1 {
		t.Fatalf("cross-connection Remove deleted a message: CountPending = %d, want 1", got)
	}
	if got := s.CountPending(ctx, "c2"); got != 1 {
		t.Fatalf("CountPending(c2) = %d, want 1", got)
	}
}

func testSessionLastWriterWins(t *testing.T, s Store) {
	ctx := context.Background()

	first := models.LiveSession{SessionID: "s1", ConnectionID: "c1", ProtocolVersion: "v2", Role: "mediator", InstanceID: "instance-a"}
	if err := s.RegisterSession(ctx, first); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}

	// The same connection reconnects elsewhere: the new registration
	// replaces the old, no error, no second row.
	second := models.LiveSession{SessionID: "s2", ConnectionID: "c1", ProtocolVersion: "v2", Role: "mediator", InstanceID: "instance-b"}
	if err := s.RegisterSession(ctx, second); err != nil {
		t.Fatalf("re-RegisterSession: %v", err)
	}

	found, err := s.FindSession(ctx, "c1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if found == nil {
		t.Fatal("FindSession returned nil after registration")
	}
	if found.SessionID != "s2" || found.InstanceID != "instance-b" {
		t.Fatalf("FindSession = %+v, want the later registration", found)
	}
}

func testSessionRemoveIdempotent(t *testing.T, s Store) {
	ctx := context.Background()

	if err := s.RegisterSession(ctx, models.LiveSession{SessionID: "s1", ConnectionID: "c1", InstanceID: "i1"}); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if err := s.RemoveSession(ctx, "c1"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if err := s.RemoveSession(ctx, "c1"); err != nil {
		t.Fatalf("second RemoveSession: %v", err)
	}

	found, err := s.FindSession(ctx, "c1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if found != nil {
		t.Fatalf("FindSession after remove = %+v, want nil", found)
	}
}

func testDeviceRegistration(t *testing.T, s Store) {
	ctx := context.Background()

	if device, err := s.FindDevice(ctx, "c1"); err != nil || device != nil {
		t.Fatalf("FindDevice on empty store = (%+v, %v), want (nil, nil)", device, err)
	}

	if err := s.RegisterDevice(ctx, models.DeviceRegistration{ConnectionID: "c1", DeviceToken: "tok-1", ClientCode: "demo"}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	// Re-registration replaces the token.
	if err := s.RegisterDevice(ctx, models.DeviceRegistration{ConnectionID: "c1", DeviceToken: "tok-2", ClientCode: "demo"}); err != nil {
		t.Fatalf("re-RegisterDevice: %v", err)
	}

	device, err := s.FindDevice(ctx, "c1")
	if err != nil {
		t.Fatalf("FindDevice: %v", err)
	}
	if device == nil || device.DeviceToken != "tok-2" {
		t.Fatalf("FindDevice = %+v, want token tok-2", device)
	}

	if err := s.RemoveDevice(ctx, "c1"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if device, err := s.FindDevice(ctx, "c1"); err != nil || device != nil {
		t.Fatalf("FindDevice after remove = (%+v, %v), want (nil, nil)", device, err)
	}
}

// testScenarioPartialDrain: three messages queued, a reader reserves two,
// one stays pending.
func testScenarioPartialDrain(t *testing.T, s Store) {
	ctx := context.Background()
	ids := enqueueN(t, s, "c1", 3)

	if got := s.CountPending(ctx, "c1"); got != 3 {
		t.Fatalf("CountPending = %d, want 3", got)
	}

	taken := s.Take(ctx, TakeOptions{ConnectionID: "c1", Limit: 2})
	if len(taken) != 2 {
		t.Fatalf("Take returned %d messages, want 2", len(taken))
	}
	if taken[0].ID != ids[0] || taken[1].ID != ids[1] {
		t.Fatal("Take did not return the two oldest messages in order")
	}

	if got := s.CountPending(ctx, "c1"); got != 1 {
		t.Fatalf("CountPending after partial drain = %d, want 1", got)
	}
}
