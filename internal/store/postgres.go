package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/animo/animo-mediator/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS queued_message (
	id VARCHAR(26) PRIMARY KEY,
	connection_id VARCHAR(255) NOT NULL,
	recipient_keys TEXT[] NOT NULL DEFAULT '{}',
	payload JSONB NOT NULL,
	state VARCHAR(20) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS queued_message_connection_id_idx ON queued_message (connection_id);
CREATE INDEX IF NOT EXISTS queued_message_recipient_keys_idx ON queued_message USING GIN (recipient_keys);

CREATE TABLE IF NOT EXISTS live_session (
	session_id VARCHAR(255) PRIMARY KEY,
	connection_id VARCHAR(255) NOT NULL UNIQUE,
	protocol_version VARCHAR(50),
	role VARCHAR(50),
	instance_id VARCHAR(255) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS live_session_connection_id_idx ON live_session (connection_id);

CREATE TABLE IF NOT EXISTS push_device (
	connection_id VARCHAR(255) PRIMARY KEY,
	device_token TEXT NOT NULL,
	client_code VARCHAR(255) NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore backs the message queue and the live-session directory with
// PostgreSQL. All instances of the mediator share the same tables; this is
// what makes the queue a single logical queue.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects, verifies the connection and bootstraps the
// schema.
func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger.With().Str("component", "postgres-store").Logger()}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool so the LISTEN/NOTIFY notifier can share
// connection configuration.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Enqueue adds one message to the queue.
func (s *PostgresStore) Enqueue(ctx context.Context, opts EnqueueOptions) (*models.QueuedMessage, error) {
	msg := &models.QueuedMessage{
		ID:            ulid.Make().String(),
		ConnectionID:  opts.ConnectionID,
		RecipientKeys: opts.RecipientKeys,
		Payload:       opts.Payload,
		State:         models.StatePending,
	}
	if opts.Reserve {
		msg.State = models.StateInFlight
	}

	keys := opts.RecipientKeys
	if keys == nil {
		keys = []string{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO queued_message (id, connection_id, recipient_keys, payload, state)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, msg.ID, msg.ConnectionID, keys, string(msg.Payload), string(msg.State)).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue: %v", ErrStorageUnavailable, err)
	}

	msg.CreatedAt = clampCreatedAt(msg.CreatedAt)
	return msg, nil
}

// CountPending counts pending messages for a connection. In-flight messages
// are reserved by a live delivery and do not count as available.
func (s *PostgresStore) CountPending(ctx context.Context, connectionID string) int {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queued_message
		WHERE connection_id = $1 AND state = 'pending'
	`, connectionID).Scan(&count)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("count pending failed, reporting 0")
		return 0
	}
	return count
}

// Take selects pending messages for a recipient in creation order. The
// select and the state transition (or delete) happen in one statement so
// concurrent takers never hand the same message to two channels.
func (s *PostgresStore) Take(ctx context.Context, opts TakeOptions) []models.QueuedMessage {
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}

	var query string
	if opts.DeleteImmediately {
		query = `
			WITH picked AS (
				SELECT id FROM queued_message
				WHERE (connection_id = $1 OR ($2 != '' AND $2 = ANY (recipient_keys))) AND state = 'pending'
				ORDER BY created_at, id
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			DELETE FROM queued_message m
			USING picked
			WHERE m.id = picked.id
			RETURNING m.id, m.connection_id, m.recipient_keys, m.payload, m.state, m.created_at`
	} else {
		query = `
			WITH picked AS (
				SELECT id FROM queued_message
				WHERE (connection_id = $1 OR ($2 != '' AND $2 = ANY (recipient_keys))) AND state = 'pending'
				ORDER BY created_at, id
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			UPDATE queued_message m
			SET state = 'in_flight'
			FROM picked
			WHERE m.id = picked.id
			RETURNING m.id, m.connection_id, m.recipient_keys, m.payload, m.state, m.created_at`
	}

	rows, err := s.pool.Query(ctx, query, opts.ConnectionID, opts.RecipientKey, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", opts.ConnectionID).Msg("take failed, returning empty")
		return []models.QueuedMessage{}
	}
	defer rows.Close()

	messages := []models.QueuedMessage{}
	for rows.Next() {
		var msg models.QueuedMessage
		var state string
		if err := rows.Scan(&msg.ID, &msg.ConnectionID, &msg.RecipientKeys, &msg.Payload, &state, &msg.CreatedAt); err != nil {
			s.logger.Error().Err(err).Msg("take scan failed, returning empty")
			return []models.QueuedMessage{}
		}
		msg.State = models.MessageState(state)
		msg.CreatedAt = clampCreatedAt(msg.CreatedAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("take rows failed, returning empty")
		return []models.QueuedMessage{}
	}

	// RETURNING from UPDATE/DELETE does not preserve the CTE order.
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages
}

// Remove deletes acknowledged messages. The connection id scope means a
// guessed message id cannot remove another recipient's mail.
func (s *PostgresStore) Remove(ctx context.Context, connectionID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		DELETE FROM queued_message
		WHERE connection_id = $1 AND id = ANY ($2)
	`, connectionID, messageIDs)
	if err != nil {
		return fmt.Errorf("%w: remove: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// ResetInFlight voids reservations left behind by a dead session.
func (s *PostgresStore) ResetInFlight(ctx context.Context, connectionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_message SET state = 'pending'
		WHERE connection_id = $1 AND state = 'in_flight'
	`, connectionID)
	if err != nil {
		return 0, fmt.Errorf("%w: reset in-flight: %v", ErrStorageUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

// RegisterSession upserts the live-session row for a connection. Last
// writer wins; the UNIQUE constraint on connection_id keeps the "at most
// one session per connection" invariant without a distributed lock.
func (s *PostgresStore) RegisterSession(ctx context.Context, session models.LiveSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO live_session (session_id, connection_id, protocol_version, role, instance_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			protocol_version = EXCLUDED.protocol_version,
			role = EXCLUDED.role,
			instance_id = EXCLUDED.instance_id,
			created_at = NOW()
	`, session.SessionID, session.ConnectionID, session.ProtocolVersion, session.Role, session.InstanceID)
	if err != nil {
		return fmt.Errorf("%w: register session: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// FindSession returns the registered session for a connection, or (nil, nil).
func (s *PostgresStore) FindSession(ctx context.Context, connectionID string) (*models.LiveSession, error) {
	session := &models.LiveSession{}
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, connection_id, protocol_version, role, instance_id, created_at
		FROM live_session WHERE connection_id = $1
	`, connectionID).Scan(
		&session.SessionID,
		&session.ConnectionID,
		&session.ProtocolVersion,
		&session.Role,
		&session.InstanceID,
		&session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find session: %v", ErrStorageUnavailable, err)
	}
	return session, nil
}

// RemoveSession deletes the directory row for a connection. Idempotent.
func (s *PostgresStore) RemoveSession(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM live_session WHERE connection_id = $1
	`, connectionID)
	if err != nil {
		return fmt.Errorf("%w: remove session: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// RegisterDevice upserts the push device registration for a connection.
func (s *PostgresStore) RegisterDevice(ctx context.Context, device models.DeviceRegistration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_device (connection_id, device_token, client_code, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (connection_id) DO UPDATE SET
			device_token = EXCLUDED.device_token,
			client_code = EXCLUDED.client_code,
			updated_at = NOW()
	`, device.ConnectionID, device.DeviceToken, device.ClientCode)
	if err != nil {
		return fmt.Errorf("%w: register device: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// FindDevice returns the device registration for a connection, or (nil, nil).
func (s *PostgresStore) FindDevice(ctx context.Context, connectionID string) (*models.DeviceRegistration, error) {
	device := &models.DeviceRegistration{}
	err := s.pool.QueryRow(ctx, `
		SELECT connection_id, device_token, client_code, updated_at
		FROM push_device WHERE connection_id = $1
	`, connectionID).Scan(&device.ConnectionID, &device.DeviceToken, &device.ClientCode, &device.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find device: %v", ErrStorageUnavailable, err)
	}
	return device, nil
}

// RemoveDevice drops the registration for a connection. Idempotent.
func (s *PostgresStore) RemoveDevice(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM push_device WHERE connection_id = $1
	`, connectionID)
	if err != nil {
		return fmt.Errorf("%w: remove device: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// CleanupInstance drops live-session rows owned by this instance. Called at
// startup: any row left from a previous run of the same instance is stale
// because its channels died with the process.
func (s *PostgresStore) CleanupInstance(ctx context.Context, instanceID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM live_session WHERE instance_id = $1
	`, instanceID)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup instance sessions: %v", ErrStorageUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}
