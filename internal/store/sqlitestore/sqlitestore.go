// Package sqlitestore implements the message store on SQLite. It is the
// default backend: a single file, WAL mode, no external service to run.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/studentconnect/relay/internal/store"
)

//go:embed schema/schema.sql
var schemaSQL string

const (
	maxRetries   = 5
	initialWait  = 100 * time.Millisecond
	maxOpenConns = 10
	maxIdleConns = 5
	busyTimeout  = 5000 // milliseconds
)

// SQLiteStore is a store.Store backed by a SQLite database file.
type SQLiteStore struct {
	conn *sql.DB
}

var _ store.Store = (*SQLiteStore)(nil)

// Open creates the database file under dataDir, applies the schema, and
// verifies connectivity with a short retry loop.
func Open(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "relay.db")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", dbPath, busyTimeout)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(0)

	s := &SQLiteStore{conn: conn}

	if err := s.pingWithRetry(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if _, err := conn.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) pingWithRetry(ctx context.Context) error {
	wait := initialWait
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = s.conn.PingContext(ctx); err == nil {
			return nil
		}
		time.Sleep(wait)
		wait *= 2
	}
	return err
}

// Append implements store.Store. The sequence number is read and assigned
// inside a single transaction, so appends for a channel never collide even
// when two server processes share the file.
func (s *SQLiteStore) Append(ctx context.Context, channelID string, msg store.Message) (store.StoredMessage, error) {
	if channelID == "" {
		return store.StoredMessage{}, store.ErrEmptyChannel
	}
	if err := msg.Validate(); err != nil {
		return store.StoredMessage{}, err
	}

	stored := store.StoredMessage{
		ChannelID: channelID,
		User:      msg.User,
		Text:      msg.Text,
		Timestamp: time.Now().UTC(),
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.StoredMessage{}, fmt.Errorf("%w: begin append: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE channel_id = ?`, channelID)
	if err := row.Scan(&stored.Seq); err != nil {
		return store.StoredMessage{}, fmt.Errorf("%w: next seq for %s: %v", store.ErrUnavailable, channelID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (channel_id, seq, user, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		stored.ChannelID, stored.Seq, stored.User, stored.Text, stored.Timestamp.UnixNano())
	if err != nil {
		return store.StoredMessage{}, fmt.Errorf("%w: insert into %s: %v", store.ErrUnavailable, channelID, err)
	}

	if err := tx.Commit(); err != nil {
		return store.StoredMessage{}, fmt.Errorf("%w: commit append to %s: %v", store.ErrUnavailable, channelID, err)
	}
	return stored, nil
}

// FetchHistory implements store.Store.
func (s *SQLiteStore) FetchHistory(ctx context.Context, channelID string, limit int) ([]store.StoredMessage, error) {
	if channelID == "" {
		return nil, store.ErrEmptyChannel
	}

	query := `SELECT channel_id, seq, user, body, created_at
	          FROM messages WHERE channel_id = ? ORDER BY seq ASC`
	args := []any{channelID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch history for %s: %v", store.ErrUnavailable, channelID, err)
	}
	defer func() { _ = rows.Close() }()

	messages := []store.StoredMessage{}
	for rows.Next() {
		var m store.StoredMessage
		var createdAt int64
		if err := rows.Scan(&m.ChannelID, &m.Seq, &m.User, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", store.ErrUnavailable, err)
		}
		m.Timestamp = time.Unix(0, createdAt).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fetch history for %s: %v", store.ErrUnavailable, channelID, err)
	}
	return messages, nil
}

// Close implements store.Store.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
