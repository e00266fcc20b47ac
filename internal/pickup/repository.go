// Package pickup is the store-and-forward core of the mediator: the
// engine-facing message queue contract, the routing decision for each new
// message, and the recovery path for sessions that die mid-delivery.
package pickup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/animo/animo-mediator/internal/metrics"
	"github.com/animo/animo-mediator/internal/models"
	"github.com/animo/animo-mediator/internal/notify"
	"github.com/animo/animo-mediator/internal/store"
)

// MessageDeliverer is the outbound boundary into the DIDComm engine: push
// messages through a live channel this instance owns.
type MessageDeliverer interface {
	// DeliverMessages pushes specific messages through the session. The
	// engine acknowledges by calling RemoveMessages once the recipient
	// confirms.
	DeliverMessages(ctx context.Context, sessionID string, messages []models.QueuedMessage) error

	// DeliverFromQueue tells the engine to drain the queue for the
	// session's connection.
	DeliverFromQueue(ctx context.Context, sessionID string) error
}

// PushNotifier is the wake-the-recipient boundary. Implementations resolve
// the connection to a device token and send a mobile push or webhook call.
type PushNotifier interface {
	Notify(ctx context.Context, connectionID, messageID string) error
}

// AddMessageOptions describes a message handed to the relay by the engine.
type AddMessageOptions struct {
	ConnectionID  string
	RecipientKeys []string
	Payload       json.RawMessage
}

// AddMessageResult reports the stored message's identity back to the
// engine.
type AddMessageResult struct {
	MessageID  string    `json:"messageId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// TakeFromQueueOptions selects messages for pickup.
type TakeFromQueueOptions struct {
	ConnectionID string
	RecipientKey string
	// Limit caps the number of messages. Limit <= 0 means no limit.
	Limit int
	// DeleteMessages removes the messages as they are taken instead of
	// reserving them for a later acknowledgement.
	DeleteMessages bool
}

// Repository implements the message pickup contract the DIDComm engine
// consumes: count, take, add, remove, plus the live-session event hooks.
// All instances of the mediator share one logical queue through the store;
// the repository decides per message whether it can be delivered here,
// elsewhere, or not at all right now.
type Repository struct {
	queue      store.QueueStore
	sessions   store.SessionStore
	local      *SessionRegistry
	notifier   notify.Notifier
	deliverer  MessageDeliverer
	push       PushNotifier
	sweeper    *Sweeper
	instanceID string
	logger     zerolog.Logger
}

// Config wires a Repository. Queue, Sessions, Registry and Notifier are
// required. Push may be nil when no push mechanism is configured.
// Deliverer may be nil at construction and attached later, because the
// DIDComm engine that delivers is typically built around the repository.
type Config struct {
	Queue      store.QueueStore
	Sessions   store.SessionStore
	Registry   *SessionRegistry
	Notifier   notify.Notifier
	Deliverer  MessageDeliverer
	Push       PushNotifier
	InstanceID string
	Logger     zerolog.Logger
}

// NewRepository creates the repository and its recovery sweeper.
func NewRepository(cfg Config) *Repository {
	logger := cfg.Logger.With().Str("component", "pickup").Str("instance_id", cfg.InstanceID).Logger()

	return &Repository{
		queue:      cfg.Queue,
		sessions:   cfg.Sessions,
		local:      cfg.Registry,
		notifier:   cfg.Notifier,
		deliverer:  cfg.Deliverer,
		push:       cfg.Push,
		sweeper:    NewSweeper(cfg.Queue, cfg.Sessions, logger),
		instanceID: cfg.InstanceID,
		logger:     logger,
	}
}

// AttachDeliverer sets the engine's delivery callback. Must be called
// before Start and before any live session is registered.
func (r *Repository) AttachDeliverer(d MessageDeliverer) {
	r.deliverer = d
}

// Start subscribes to the cross-instance notifier. It returns immediately;
// the subscription runs until ctx is cancelled.
func (r *Repository) Start(ctx context.Context) {
	go func() {
		if err := r.notifier.Subscribe(ctx, r.handleNewMessage); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("notification subscription ended")
		}
	}()
}

// handleNewMessage is the fan-out-and-filter half of cross-instance
// routing: every instance receives every "new message" event and acts only
// on connections whose live session it owns. Duplicate events are harmless
// because draining an empty queue is a no-op.
func (r *Repository) handleNewMessage(ctx context.Context, connectionID string) {
	session := r.local.Find(connectionID)
	if session == nil || r.deliverer == nil {
		metrics.NotificationsReceivedTotal.WithLabelValues("ignored").Inc()
		return
	}

	metrics.NotificationsReceivedTotal.WithLabelValues("drained").Inc()
	r.logger.Debug().Str("connection_id", connectionID).Msg("notification matches local session, draining")

	if err := r.deliverer.DeliverFromQueue(ctx, session.SessionID); err != nil {
		r.logger.Error().Err(err).Str("connection_id", connectionID).Msg("drain after notification failed")
	}
}

// GetAvailableMessageCount returns how many messages are waiting for the
// connection. Storage failures degrade to 0; the recipient's next poll
// self-heals.
func (r *Repository) GetAvailableMessageCount(ctx context.Context, connectionID string) int {
	return r.queue.CountPending(ctx, connectionID)
}

// TakeFromQueue returns queued messages for a recipient in arrival order.
// Unless DeleteMessages is set, the messages are reserved (in_flight) until
// RemoveMessages acknowledges them or the session dies and the sweeper
// returns them to pending.
func (r *Repository) TakeFromQueue(ctx context.Context, opts TakeFromQueueOptions) []models.QueuedMessage {
	messages := r.queue.Take(ctx, store.TakeOptions{
		ConnectionID:      opts.ConnectionID,
		RecipientKey:      opts.RecipientKey,
		Limit:             opts.Limit,
		DeleteImmediately: opts.DeleteMessages,
	})

	mode := "reserve"
	if opts.DeleteMessages {
		mode = "delete"
	}
	metrics.MessagesTakenTotal.WithLabelValues(mode).Add(float64(len(messages)))

	r.logger.Debug().
		Str("connection_id", opts.ConnectionID).
		Int("count", len(messages)).
		Str("mode", mode).
		Msg("messages taken from queue")

	return messages
}

// AddMessage queues one message and routes it: straight through a local
// live session, announced to the instance that owns the session, or left
// pending with a push notification to wake the recipient.
func (r *Repository) AddMessage(ctx context.Context, opts AddMessageOptions) (*AddMessageResult, error) {
	localSession := r.local.Find(opts.ConnectionID)

	msg, err := r.queue.Enqueue(ctx, store.EnqueueOptions{
		ConnectionID:  opts.ConnectionID,
		RecipientKeys: opts.RecipientKeys,
		Payload:       opts.Payload,
		// A message going out over a local channel is stored as a
		// reservation, never as pending: it survives a crash before the
		// ack but is invisible to concurrent takers. Without a deliverer
		// nothing will push it, so it must stay a pollable pending row.
		Reserve: localSession != nil && r.deliverer != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("add message for %s: %w", opts.ConnectionID, err)
	}

	r.route(ctx, msg, localSession)

	return &AddMessageResult{MessageID: msg.ID, ReceivedAt: msg.CreatedAt}, nil
}

// RemoveMessages deletes messages whose delivery the recipient confirmed.
func (r *Repository) RemoveMessages(ctx context.Context, connectionID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	if err := r.queue.Remove(ctx, connectionID, messageIDs); err != nil {
		return err
	}

	metrics.MessagesRemovedTotal.Add(float64(len(messageIDs)))
	r.logger.Debug().
		Str("connection_id", connectionID).
		Int("count", len(messageIDs)).
		Msg("acknowledged messages removed")
	return nil
}

// OnSessionSaved records a newly opened live session locally and in the
// shared directory, then drains anything that queued up while the
// recipient was away.
func (r *Repository) OnSessionSaved(ctx context.Context, session models.LiveSession) {
	session.InstanceID = r.instanceID
	r.local.Add(session)
	metrics.LiveSessionsGauge.Set(float64(r.local.Count()))

	if err := r.sessions.RegisterSession(ctx, session); err != nil {
		// The session still works locally; the directory row only affects
		// cross-instance routing, and publish-side misses fall back to push.
		r.logger.Error().Err(err).Str("connection_id", session.ConnectionID).Msg("session directory registration failed")
	}

	r.logger.Info().
		Str("connection_id", session.ConnectionID).
		Str("session_id", session.SessionID).
		Msg("live session registered")

	if r.deliverer == nil {
		r.logger.Error().Str("connection_id", session.ConnectionID).Msg("no deliverer attached, cannot drain")
		return
	}
	if err := r.deliverer.DeliverFromQueue(ctx, session.SessionID); err != nil {
		r.logger.Error().Err(err).Str("connection_id", session.ConnectionID).Msg("initial drain failed")
	}
}

// OnSessionRemoved tears down a closed live session: local registry,
// stranded reservations, directory row.
func (r *Repository) OnSessionRemoved(ctx context.Context, connectionID string) {
	r.local.Remove(connectionID)
	metrics.LiveSessionsGauge.Set(float64(r.local.Count()))

	r.logger.Info().Str("connection_id", connectionID).Msg("live session removed")

	if err := r.sweeper.Sweep(ctx, connectionID); err != nil {
		r.logger.Error().Err(err).Str("connection_id", connectionID).Msg("session sweep failed")
	}
}

// route implements the delivery decision tree for one new message.
func (r *Repository) route(ctx context.Context, msg *models.QueuedMessage, localSession *models.LiveSession) {
	// 1. Local live session: push straight through the open channel.
	if localSession != nil && r.deliverer != nil {
		metrics.MessagesQueuedTotal.WithLabelValues("local").Inc()
		if err := r.deliverer.DeliverMessages(ctx, localSession.SessionID, []models.QueuedMessage{*msg}); err != nil {
			// The reservation stays in_flight; the sweeper will return it
			// to pending when the broken session is torn down.
			r.logger.Error().Err(err).Str("connection_id", msg.ConnectionID).Msg("local delivery failed")
		}
		return
	}

	// 2. Session on another instance: announce, let the owner drain.
	remoteSession, err := r.sessions.FindSession(ctx, msg.ConnectionID)
	if err != nil {
		r.logger.Error().Err(err).Str("connection_id", msg.ConnectionID).Msg("session directory lookup failed")
	}
	if remoteSession != nil {
		metrics.MessagesQueuedTotal.WithLabelValues("remote").Inc()
		metrics.NotificationsPublishedTotal.Inc()
		if err := r.notifier.Publish(ctx, msg.ConnectionID); err != nil {
			// The message is durably pending; the recipient's next poll
			// picks it up even if the owning instance never hears about it.
			r.logger.Error().Err(err).Str("connection_id", msg.ConnectionID).Msg("notification publish failed")
		}
		return
	}

	// 3. Nobody is connected: wake the recipient if we can.
	if r.push == nil {
		metrics.MessagesQueuedTotal.WithLabelValues("queued").Inc()
		r.logger.Debug().Str("connection_id", msg.ConnectionID).Msg("no session anywhere, message waits for next poll")
		return
	}

	metrics.MessagesQueuedTotal.WithLabelValues("push").Inc()
	if err := r.push.Notify(ctx, msg.ConnectionID, msg.ID); err != nil {
		// Never propagated: the message is already queued and polling
		// still works without the wake-up.
		metrics.PushNotificationsTotal.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Str("connection_id", msg.ConnectionID).Msg("push notification failed")
		return
	}
	metrics.PushNotificationsTotal.WithLabelValues("ok").Inc()
}
