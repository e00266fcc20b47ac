package pickup

import (
	"sync"

	"github.com/animo/animo-mediator/internal/models"
)

// SessionRegistry is the in-process table of live pickup sessions owned by
// this instance. It is constructed once per server process and injected
// into everything that needs connection-to-session lookups; there is no
// package-level instance, so tests get isolated registries.
//
// The durable cross-instance directory is store.SessionStore; this registry
// answers only "can *this* process deliver right now".
type SessionRegistry struct {
	mu           sync.RWMutex
	byConnection map[string]models.LiveSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byConnection: make(map[string]models.LiveSession)}
}

// Add records a live session. A session already registered for the same
// connection is replaced: the newest channel wins, mirroring the durable
// directory's upsert.
func (r *SessionRegistry) Add(session models.LiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConnection[session.ConnectionID] = session
}

// Remove drops the session for a connection. Idempotent.
func (r *SessionRegistry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConnection, connectionID)
}

// Find returns the live session for a connection, or nil.
func (r *SessionRegistry) Find(connectionID string) *models.LiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.byConnection[connectionID]
	if !ok {
		return nil
	}
	out := session
	return &out
}

// Count reports how many live sessions this instance currently owns.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConnection)
}
