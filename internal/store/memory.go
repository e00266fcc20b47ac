package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/animo/animo-mediator/internal/models"
)

// MemoryStore keeps the queue and session directory in process memory.
// It exists for tests and for development runs without a database; it
// implements the same contract as the durable stores, including the
// at-most-one-session-per-connection upsert.
type MemoryStore struct {
	mu       sync.Mutex
	messages []models.QueuedMessage
	sessions map[string]models.LiveSession
	devices  map[string]models.DeviceRegistration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.LiveSession),
		devices:  make(map[string]models.DeviceRegistration),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Enqueue adds one message to the queue.
func (s *MemoryStore) Enqueue(ctx context.Context, opts EnqueueOptions) (*models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := models.QueuedMessage{
		ID:            ulid.Make().String(),
		ConnectionID:  opts.ConnectionID,
		RecipientKeys: append([]string(nil), opts.RecipientKeys...),
		Payload:       append([]byte(nil), opts.Payload...),
		State:         models.StatePending,
		CreatedAt:     clampCreatedAt(time.Now()),
	}
	if opts.Reserve {
		msg.State = models.StateInFlight
	}

	s.messages = append(s.messages, msg)
	out := msg
	return &out, nil
}

// CountPending counts pending messages for a connection.
func (s *MemoryStore) CountPending(ctx context.Context, connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for i := range s.messages {
		if s.messages[i].ConnectionID == connectionID && s.messages[i].State == models.StatePending {
			count++
		}
	}
	return count
}

// Take selects pending messages for a recipient in creation order.
func (s *MemoryStore) Take(ctx context.Context, opts TakeOptions) []models.QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []int
	for i := range s.messages {
		m := &s.messages[i]
		if m.State != models.StatePending {
			continue
		}
		if m.MatchesRecipient(opts.ConnectionID, opts.RecipientKey) {
			matched = append(matched, i)
		}
	}

	sort.Slice(matched, func(a, b int) bool {
		ma, mb := &s.messages[matched[a]], &s.messages[matched[b]]
		if ma.CreatedAt.Equal(mb.CreatedAt) {
			return ma.ID < mb.ID
		}
		return ma.CreatedAt.Before(mb.CreatedAt)
	})

	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	taken := make([]models.QueuedMessage, 0, len(matched))
	drop := make(map[int]bool, len(matched))
	for _, i := range matched {
		if opts.DeleteImmediately {
			drop[i] = true
		} else {
			s.messages[i].State = models.StateInFlight
		}
		taken = append(taken, s.messages[i])
	}

	if len(drop) > 0 {
		kept := s.messages[:0]
		for i := range s.messages {
			if !drop[i] {
				kept = append(kept, s.messages[i])
			}
		}
		s.messages = kept
	}

	return taken
}

// Remove deletes acknowledged messages, scoped to the connection.
func (s *MemoryStore) Remove(ctx context.Context, connectionID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	for i := range s.messages {
		m := &s.messages[i]
		if m.ConnectionID == connectionID && ids[m.ID] {
			continue
		}
		kept = append(kept, *m)
	}
	s.messages = kept
	return nil
}

// ResetInFlight voids reservations left behind by a dead session.
func (s *MemoryStore) ResetInFlight(ctx context.Context, connectionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.ConnectionID == connectionID && m.State == models.StateInFlight {
			m.State = models.StatePending
			reset++
		}
	}
	return reset, nil
}

// RegisterSession upserts the session keyed by connection id.
func (s *MemoryStore) RegisterSession(ctx context.Context, session models.LiveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.CreatedAt.IsZero() {
		session.CreatedAt = clampCreatedAt(time.Now())
	}
	s.sessions[session.ConnectionID] = session
	return nil
}

// FindSession returns the registered session for a connection, or (nil, nil).
func (s *MemoryStore) FindSession(ctx context.Context, connectionID string) (*models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[connectionID]
	if !ok {
		return nil, nil
	}
	out := session
	return &out, nil
}

// RemoveSession deletes the directory row for a connection. Idempotent.
func (s *MemoryStore) RemoveSession(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, connectionID)
	return nil
}

// RegisterDevice upserts the push device registration for a connection.
func (s *MemoryStore) RegisterDevice(ctx context.Context, device models.DeviceRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device.UpdatedAt = clampCreatedAt(time.Now())
	s.devices[device.ConnectionID] = device
	return nil
}

// FindDevice returns the device registration for a connection, or (nil, nil).
func (s *MemoryStore) FindDevice(ctx context.Context, connectionID string) (*models.DeviceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[connectionID]
	if !ok {
		return nil, nil
	}
	out := device
	return &out, nil
}

// RemoveDevice drops the registration for a connection. Idempotent.
func (s *MemoryStore) RemoveDevice(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.devices, connectionID)
	return nil
}

// CleanupInstance drops live-session rows owned by this instance.
func (s *MemoryStore) CleanupInstance(ctx context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for connectionID, session := range s.sessions {
		if session.InstanceID == instanceID {
			delete(s.sessions, connectionID)
			removed++
		}
	}
	return removed, nil
}
