package pickup

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/animo/animo-mediator/internal/metrics"
	"github.com/animo/animo-mediator/internal/store"
)

// Sweeper reconciles messages stranded by a dead session. A consumer that
// reserves messages with a non-deleting take and disconnects before
// acknowledging must not lose them: its reservations go back to pending and
// its directory row disappears.
type Sweeper struct {
	queue    store.QueueStore
	sessions store.SessionStore
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper over the shared stores.
func NewSweeper(queue store.QueueStore, sessions store.SessionStore, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		queue:    queue,
		sessions: sessions,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Sweep resets the connection's in-flight messages to pending and removes
// its session directory row. Both halves run even if one fails; the
// returned error joins whatever went wrong.
func (s *Sweeper) Sweep(ctx context.Context, connectionID string) error {
	reset, resetErr := s.queue.ResetInFlight(ctx, connectionID)
	if resetErr == nil && reset > 0 {
		metrics.InFlightResetTotal.Add(float64(reset))
		s.logger.Info().
			Str("connection_id", connectionID).
			Int("count", reset).
			Msg("in-flight messages returned to pending")
	}

	removeErr := s.sessions.RemoveSession(ctx, connectionID)

	return errors.Join(resetErr, removeErr)
}
