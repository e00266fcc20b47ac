package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/animo/animo-mediator/internal/models"
)

// SQLiteStore backs the queue and the session directory with an embedded
// database. Useful for single-instance deployments and development; the
// session directory then only ever points at this process.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and creates, if needed) the database file.
// If dbPath is empty, defaults to "./data/mediator.db".
func NewSQLiteStore(ctx context.Context, dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/mediator.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db, logger: logger.With().Str("component", "sqlite-store").Logger()}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist. Recipient keys live in a
// side table because SQLite has no array columns.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queued_message (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queued_message_key (
		message_id TEXT NOT NULL REFERENCES queued_message(id) ON DELETE CASCADE,
		recipient_key TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS live_session (
		session_id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL UNIQUE,
		protocol_version TEXT,
		role TEXT,
		instance_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_device (
		connection_id TEXT PRIMARY KEY,
		device_token TEXT NOT NULL,
		client_code TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queued_message_connection ON queued_message(connection_id);
	CREATE INDEX IF NOT EXISTS idx_queued_message_key ON queued_message_key(recipient_key);
	CREATE INDEX IF NOT EXISTS idx_live_session_connection ON live_session(connection_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Enqueue adds one message to the queue.
func (s *SQLiteStore) Enqueue(ctx context.Context, opts EnqueueOptions) (*models.QueuedMessage, error) {
	msg := &models.QueuedMessage{
		ID:            ulid.Make().String(),
		ConnectionID:  opts.ConnectionID,
		RecipientKeys: opts.RecipientKeys,
		Payload:       opts.Payload,
		State:         models.StatePending,
		CreatedAt:     clampCreatedAt(time.Now()),
	}
	if opts.Reserve {
		msg.State = models.StateInFlight
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queued_message (id, connection_id, payload, state, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConnectionID, string(msg.Payload), string(msg.State), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue: %v", ErrStorageUnavailable, err)
	}

	for _, key := range opts.RecipientKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queued_message_key (message_id, recipient_key) VALUES (?, ?)
		`, msg.ID, key); err != nil {
			return nil, fmt.Errorf("%w: enqueue keys: %v", ErrStorageUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: enqueue: %v", ErrStorageUnavailable, err)
	}
	return msg, nil
}

// CountPending counts pending messages for a connection.
func (s *SQLiteStore) CountPending(ctx context.Context, connectionID string) int {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queued_message
		WHERE connection_id = ? AND state = 'pending'
	`, connectionID).Scan(&count)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("count pending failed, reporting 0")
		return 0
	}
	return count
}

// Take selects pending messages for a recipient in creation order, inside a
// transaction so concurrent takers never double-reserve. DISTINCT collapses
// rows matching both the connection id and a recipient key.
func (s *SQLiteStore) Take(ctx context.Context, opts TakeOptions) []models.QueuedMessage {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("take begin failed, returning empty")
		return []models.QueuedMessage{}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT m.id, m.connection_id, m.payload, m.state, m.created_at
		FROM queued_message m
		LEFT JOIN queued_message_key k ON k.message_id = m.id
		WHERE (m.connection_id = ? OR (? != '' AND k.recipient_key = ?)) AND m.state = 'pending'
		ORDER BY m.created_at, m.id
		LIMIT ?
	`, opts.ConnectionID, opts.RecipientKey, opts.RecipientKey, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", opts.ConnectionID).Msg("take failed, returning empty")
		return []models.QueuedMessage{}
	}

	messages := []models.QueuedMessage{}
	for rows.Next() {
		var msg models.QueuedMessage
		var payload, state string
		if err := rows.Scan(&msg.ID, &msg.ConnectionID, &payload, &state, &msg.CreatedAt); err != nil {
			rows.Close()
			s.logger.Error().Err(err).Msg("take scan failed, returning empty")
			return []models.QueuedMessage{}
		}
		msg.Payload = []byte(payload)
		msg.State = models.MessageState(state)
		msg.CreatedAt = clampCreatedAt(msg.CreatedAt)
		messages = append(messages, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("take rows failed, returning empty")
		return []models.QueuedMessage{}
	}

	if len(messages) == 0 {
		return messages
	}

	ids := make([]string, len(messages))
	args := make([]any, len(messages))
	for i, msg := range messages {
		ids[i] = "?"
		args[i] = msg.ID
	}
	placeholders := strings.Join(ids, ", ")

	if opts.DeleteImmediately {
		_, err = tx.ExecContext(ctx, `DELETE FROM queued_message WHERE id IN (`+placeholders+`)`, args...)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE queued_message SET state = 'in_flight' WHERE id IN (`+placeholders+`)`, args...)
		for i := range messages {
			messages[i].State = models.StateInFlight
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("take transition failed, returning empty")
		return []models.QueuedMessage{}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error().Err(err).Msg("take commit failed, returning empty")
		return []models.QueuedMessage{}
	}

	s.loadRecipientKeys(ctx, messages)
	return messages
}

// loadRecipientKeys fills in the key sets after a take. Best effort: the
// keys are routing metadata, not required for delivery of already-matched
// messages.
func (s *SQLiteStore) loadRecipientKeys(ctx context.Context, messages []models.QueuedMessage) {
	for i := range messages {
		rows, err := s.db.QueryContext(ctx, `
			SELECT recipient_key FROM queued_message_key WHERE message_id = ?
		`, messages[i].ID)
		if err != nil {
			return
		}
		var keys []string
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				break
			}
			keys = append(keys, key)
		}
		rows.Close()
		messages[i].RecipientKeys = keys
	}
}

// Remove deletes acknowledged messages, scoped to the connection.
func (s *SQLiteStore) Remove(ctx context.Context, connectionID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?, ", len(messageIDs)-1) + "?"
	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, connectionID)
	for _, id := range messageIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM queued_message WHERE connection_id = ? AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("%w: remove: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// ResetInFlight voids reservations left behind by a dead session.
func (s *SQLiteStore) ResetInFlight(ctx context.Context, connectionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_message SET state = 'pending'
		WHERE connection_id = ? AND state = 'in_flight'
	`, connectionID)
	if err != nil {
		return 0, fmt.Errorf("%w: reset in-flight: %v", ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RegisterSession upserts the live-session row for a connection.
func (s *SQLiteStore) RegisterSession(ctx context.Context, session models.LiveSession) error {
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = clampCreatedAt(time.Now())
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_session (session_id, connection_id, protocol_version, role, instance_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			session_id = excluded.session_id,
			protocol_version = excluded.protocol_version,
			role = excluded.role,
			instance_id = excluded.instance_id,
			created_at = excluded.created_at
	`, session.SessionID, session.ConnectionID, session.ProtocolVersion, session.Role, session.InstanceID, createdAt)
	if err != nil {
		return fmt.Errorf("%w: register session: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// FindSession returns the registered session for a connection, or (nil, nil).
func (s *SQLiteStore) FindSession(ctx context.Context, connectionID string) (*models.LiveSession, error) {
	session := &models.LiveSession{}
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, connection_id, protocol_version, role, instance_id, created_at
		FROM live_session WHERE connection_id = ?
	`, connectionID).Scan(
		&session.SessionID,
		&session.ConnectionID,
		&session.ProtocolVersion,
		&session.Role,
		&session.InstanceID,
		&session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find session: %v", ErrStorageUnavailable, err)
	}
	return session, nil
}

// RemoveSession deletes the directory row for a connection. Idempotent.
func (s *SQLiteStore) RemoveSession(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM live_session WHERE connection_id = ?
	`, connectionID)
	if err != nil {
		return fmt.Errorf("%w: remove session: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// RegisterDevice upserts the push device registration for a connection.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, device models.DeviceRegistration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_device (connection_id, device_token, client_code, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			device_token = excluded.device_token,
			client_code = excluded.client_code,
			updated_at = excluded.updated_at
	`, device.ConnectionID, device.DeviceToken, device.ClientCode, clampCreatedAt(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: register device: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// FindDevice returns the device registration for a connection, or (nil, nil).
func (s *SQLiteStore) FindDevice(ctx context.Context, connectionID string) (*models.DeviceRegistration, error) {
	device := &models.DeviceRegistration{}
	err := s.db.QueryRowContext(ctx, `
		SELECT connection_id, device_token, client_code, updated_at
		FROM push_device WHERE connection_id = ?
	`, connectionID).Scan(&device.ConnectionID, &device.DeviceToken, &device.ClientCode, &device.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find device: %v", ErrStorageUnavailable, err)
	}
	return device, nil
}

// RemoveDevice drops the registration for a connection. Idempotent.
func (s *SQLiteStore) RemoveDevice(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM push_device WHERE connection_id = ?
	`, connectionID)
	if err != nil {
		return fmt.Errorf("%w: remove device: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// CleanupInstance drops live-session rows owned by this instance.
func (s *SQLiteStore) CleanupInstance(ctx context.Context, instanceID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM live_session WHERE instance_id = ?
	`, instanceID)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup instance sessions: %v", ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
