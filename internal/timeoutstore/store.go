// Package timeoutstore holds deferred messages until they come due. The
// timeout manager polls GetDueMessages and forwards each message to its
// real recipient, completing it only after the forward succeeds.
package timeoutstore

import (
	"context"
	"fmt"
	"time"

	"github.com/sqlbus/sqlbus/internal/dbconn"
)

// Options configures a Store.
type Options struct {
	// TableName defaults to "bus_timeouts".
	TableName string
	// EnsureTableIsCreated creates the table on startup.
	EnsureTableIsCreated bool
	// BatchSize caps one GetDueMessages call. Default 100.
	BatchSize int
}

// DueMessage is one timeout that has come due. Complete marks it consumed
// within the batch's transaction; uncompleted messages come back on the
// next poll.
type DueMessage struct {
	ID       int64
	DueTime  time.Time
	Headers  []byte
	Body     []byte
	complete func(ctx context.Context) error
}

// Complete removes the timeout. Call only after the message has been
// forwarded.
func (d *DueMessage) Complete(ctx context.Context) error {
	return d.complete(ctx)
}

// Batch is the result of one due-message poll. All deletions ride the
// batch transaction: Close without Commit returns every message, completed
// or not, to the store.
type Batch struct {
	Messages []*DueMessage
	conn     *dbconn.Connection
}

// Commit makes the batch's completions durable.
func (b *Batch) Commit(ctx context.Context) error {
	return b.conn.Complete(ctx)
}

// Close releases the batch, rolling back uncommitted completions.
func (b *Batch) Close() {
	b.conn.Close()
}

// Store reads and writes timeouts.
type Store struct {
	provider  *dbconn.Provider
	table     dbconn.TableName
	batchSize int
}

// New creates a timeout store and, when configured, its table.
func New(ctx context.Context, provider *dbconn.Provider, opts Options) (*Store, error) {
	if opts.TableName == "" {
		opts.TableName = "bus_timeouts"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	table, err := dbconn.ParseTableName(opts.TableName)
	if err != nil {
		return nil, fmt.Errorf("timeouts table name: %w", err)
	}
	s := &Store{provider: provider, table: table, batchSize: opts.BatchSize}
	if opts.EnsureTableIsCreated {
		if err := s.ensureTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	due_time DATETIME(6) NOT NULL,
	headers LONGBLOB NOT NULL,
	body LONGBLOB NOT NULL,
	PRIMARY KEY (id)
)`, s.table.Qualified())); err != nil {
		return fmt.Errorf("create timeouts table: %w", err)
	}
	if err := conn.CreateIndexIfNotExists(ctx, s.table, "idx_due_time", "(`due_time`)"); err != nil {
		return err
	}
	return conn.Complete(ctx)
}

// Defer stores a message for delivery at dueTime.
func (s *Store) Defer(ctx context.Context, dueTime time.Time, headers, body []byte) error {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (due_time, headers, body) VALUES (?, ?, ?)", s.table.Qualified()),
		dueTime.UTC(), headers, body); err != nil {
		return fmt.Errorf("defer message: %w", err)
	}
	return conn.Complete(ctx)
}

// GetDueMessages returns the batch of timeouts due now, locked FOR UPDATE
// so concurrent pollers never double-deliver. The caller must Commit or
// Close the batch.
func (s *Store) GetDueMessages(ctx context.Context) (*Batch, error) {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, due_time, headers, body
		FROM %s
		WHERE due_time <= NOW(6)
		ORDER BY due_time ASC
		LIMIT %d
		FOR UPDATE`, s.table.Qualified(), s.batchSize))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("select due timeouts: %w", err)
	}

	batch := &Batch{conn: conn}
	for rows.Next() {
		var m DueMessage
		if err := rows.Scan(&m.ID, &m.DueTime, &m.Headers, &m.Body); err != nil {
			rows.Close()
			conn.Close()
			return nil, err
		}
		id := m.ID
		m.complete = func(ctx context.Context) error {
			_, err := conn.ExecContext(ctx, fmt.Sprintf(
				"DELETE FROM %s WHERE id = ?", s.table.Qualified()), id)
			return err
		}
		batch.Messages = append(batch.Messages, &m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		conn.Close()
		return nil, err
	}
	rows.Close()
	return batch, nil
}
