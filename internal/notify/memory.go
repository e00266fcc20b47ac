package notify

import (
	"context"
	"sync"
)

// MemoryNotifier is an in-process fan-out. It stands in for the durable
// notifiers in tests and in single-instance runs, where "all instances"
// means this one. Several subscribers can share one MemoryNotifier, which
// is how tests simulate a multi-instance deployment.
type MemoryNotifier struct {
	mu       sync.Mutex
	handlers []Handler
}

// NewMemoryNotifier creates an in-process notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// Publish invokes every subscribed handler synchronously, in subscription
// order.
func (n *MemoryNotifier) Publish(ctx context.Context, connectionID string) error {
	n.mu.Lock()
	handlers := append([]Handler(nil), n.handlers...)
	n.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, connectionID)
	}
	return nil
}

// Subscribe registers the handler and blocks until ctx is done, matching
// the durable notifiers' shape.
func (n *MemoryNotifier) Subscribe(ctx context.Context, handler Handler) error {
	n.mu.Lock()
	n.handlers = append(n.handlers, handler)
	n.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

// Subscribers reports how many handlers are registered. Tests use it to
// wait for a subscription goroutine to attach before publishing.
func (n *MemoryNotifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handlers)
}

// Close drops all handlers.
func (n *MemoryNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = nil
	return nil
}
