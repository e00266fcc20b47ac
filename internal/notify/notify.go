// Package notify is the cross-instance "new message" broadcast. Every
// instance publishes the connection id of each message it queues for a
// recipient whose live session lives elsewhere, and every instance
// subscribes once at startup. Receivers self-select: a handler checks its
// own local session table and ignores connections it does not own, so no
// registry of "which instance owns which connection" is needed.
package notify

import "context"

// Channel is the broadcast channel name shared by all instances.
const Channel = "newMessage"

// Handler is called with the connection id carried by each notification.
// Delivery is at-least-once and duplicates are possible; handlers must be
// idempotent.
type Handler func(ctx context.Context, connectionID string)

// Notifier is the publish/subscribe fan-out between mediator instances.
type Notifier interface {
	// Publish announces a new queued message for a connection to all
	// subscribed instances, including this one.
	Publish(ctx context.Context, connectionID string) error

	// Subscribe registers the handler and blocks until ctx is done.
	// Instances call this once, in its own goroutine, at startup.
	Subscribe(ctx context.Context, handler Handler) error

	Close() error
}
