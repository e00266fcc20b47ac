package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/animo/animo-mediator/internal/models"
)

// ErrStorageUnavailable wraps driver errors on write paths. Read paths
// (CountPending, Take) degrade to empty results instead and log the cause,
// so a transient storage blip shows up as a missed poll, not a crash.
var ErrStorageUnavailable = errors.New("storage unavailable")

// EnqueueOptions describes a message to add to the queue.
type EnqueueOptions struct {
	ConnectionID  string
	RecipientKeys []string
	Payload       json.RawMessage

	// Reserve inserts the row directly in the in_flight state. Used when the
	// message is being pushed through a local live session at the same time:
	// it is never visible as pending but survives a crash before the ack.
	Reserve bool
}

// TakeOptions selects pending messages for a recipient.
type TakeOptions struct {
	ConnectionID string
	// RecipientKey optionally widens the match: a message is selected when
	// its connection id equals ConnectionID OR its recipient-key set
	// contains RecipientKey. Each row matches at most once.
	RecipientKey string
	// Limit caps the number of returned messages. Limit <= 0 means no limit.
	Limit int
	// DeleteImmediately removes matched rows in the same operation. When
	// false, rows move to in_flight and the caller must Remove them once
	// delivery is acknowledged.
	DeleteImmediately bool
}

// QueueStore is the durable table of pending and in-flight messages.
type QueueStore interface {
	// Enqueue adds one message and returns it with id and created_at set.
	Enqueue(ctx context.Context, opts EnqueueOptions) (*models.QueuedMessage, error)

	// CountPending counts pending messages for a connection. It never
	// returns an error: on storage failure it logs and reports 0.
	CountPending(ctx context.Context, connectionID string) int

	// Take returns pending messages matching opts in created_at order.
	// It returns an empty slice both when nothing matches and on storage
	// failure (logged by the implementation).
	Take(ctx context.Context, opts TakeOptions) []models.QueuedMessage

	// Remove deletes messages by id, scoped to the connection so a guessed
	// id can never delete another recipient's mail. Empty ids is a no-op.
	Remove(ctx context.Context, connectionID string, messageIDs []string) error

	// ResetInFlight moves all in_flight messages for a connection back to
	// pending and returns how many were reset.
	ResetInFlight(ctx context.Context, connectionID string) (int, error)
}

// SessionStore is the durable cross-instance live-session directory. It
// answers "which instance, if any, can deliver to this connection right
// now". The local in-process table lives in pickup.SessionRegistry.
type SessionStore interface {
	// RegisterSession upserts the session keyed by connection id. Last
	// writer wins: there is no distributed lock, so two instances can
	// briefly both believe they own a connection. Duplicate delivery is
	// tolerated; blocking is not.
	RegisterSession(ctx context.Context, session models.LiveSession) error

	// FindSession returns the session for a connection, or (nil, nil) when
	// none is registered.
	FindSession(ctx context.Context, connectionID string) (*models.LiveSession, error)

	// RemoveSession deletes the directory row. Idempotent.
	RemoveSession(ctx context.Context, connectionID string) error
}

// DeviceStore holds push-notification device registrations.
type DeviceStore interface {
	// RegisterDevice upserts the device registration for a connection.
	RegisterDevice(ctx context.Context, device models.DeviceRegistration) error

	// FindDevice returns the registration for a connection, or (nil, nil).
	FindDevice(ctx context.Context, connectionID string) (*models.DeviceRegistration, error)

	// RemoveDevice drops the registration. Idempotent.
	RemoveDevice(ctx context.Context, connectionID string) error
}

// Store is the full durable surface a backend provides.
type Store interface {
	QueueStore
	SessionStore
	DeviceStore

	Ping(ctx context.Context) error
	Close()
}

// clampCreatedAt truncates to microseconds so round-trips through Postgres
// timestamp columns compare equal.
func clampCreatedAt(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
