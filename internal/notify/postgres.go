package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresNotifier fans notifications out over LISTEN/NOTIFY, so
// deployments whose only shared infrastructure is the queue database need
// nothing else. Publish goes through the shared pool; the subscription
// holds one dedicated connection because LISTEN binds to a session.
type PostgresNotifier struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresNotifier wraps the store's pool. The notifier does not own the
// pool and Close does not touch it.
func NewPostgresNotifier(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresNotifier {
	return &PostgresNotifier{
		pool:   pool,
		logger: logger.With().Str("component", "pg-notifier").Logger(),
	}
}

// Publish sends the connection id to every listening instance.
func (n *PostgresNotifier) Publish(ctx context.Context, connectionID string) error {
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, connectionID); err != nil {
		return fmt.Errorf("publish %s: %w", Channel, err)
	}
	return nil
}

// Subscribe listens on the channel until ctx is done. A dropped connection
// is re-acquired with backoff; notifications sent while disconnected are
// lost, which is acceptable because recipients also poll.
func (n *PostgresNotifier) Subscribe(ctx context.Context, handler Handler) error {
	for {
		if err := n.listen(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Error().Err(err).Msg("listener lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (n *PostgresNotifier) listen(ctx context.Context, handler Handler) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN "`+Channel+`"`); err != nil {
		return fmt.Errorf("listen %s: %w", Channel, err)
	}
	n.logger.Info().Str("channel", Channel).Msg("listening for queue notifications")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		n.logger.Debug().Str("connection_id", notification.Payload).Msg("queue notification received")
		handler(ctx, notification.Payload)
	}
}

// Close is a no-op; the pool is owned by the store.
func (n *PostgresNotifier) Close() error { return nil }
