// Package push wakes intermittently connected recipients. The relay only
// decides *when* to notify; the actual transport is a webhook POST to a
// notification service that owns the FCM/APNs credentials.
package push

import "context"

// DeviceInfo is what the engine knows about a recipient's registered
// device. Token registration itself (the didcomm push-notifications
// protocol) lives with the engine's wallet, outside this core.
type DeviceInfo struct {
	Token      string
	ClientCode string
}

// TokenLookup resolves a connection id to its registered device, or
// (nil, nil) when the recipient never registered one.
type TokenLookup func(ctx context.Context, connectionID string) (*DeviceInfo, error)

// Nop is used when no push mechanism is configured: messages simply wait
// for the recipient's next poll.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(ctx context.Context, connectionID, messageID string) error { return nil }
