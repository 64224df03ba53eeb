// Package databus stores large binary attachments out of band. Messages
// carry only an attachment ID; readers stream the payload back in chunks
// so reading an attachment never holds it whole in memory. Save reads the
// entire payload into memory before inserting it.
package databus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sqlbus/sqlbus/internal/dbconn"
)

// readChunkSize is how much of the blob one SUBSTRING round-trip fetches.
const readChunkSize = 256 * 1024

// ErrNotFound indicates no attachment with the given ID.
var ErrNotFound = errors.New("attachment not found")

// Options configures a Store.
type Options struct {
	// TableName defaults to "bus_databus".
	TableName string
	// EnsureTableIsCreated creates the table on startup.
	EnsureTableIsCreated bool
}

// Store reads and writes attachments.
type Store struct {
	provider *dbconn.Provider
	table    dbconn.TableName
}

// New creates a data-bus store and, when configured, its table.
func New(ctx context.Context, provider *dbconn.Provider, opts Options) (*Store, error) {
	if opts.TableName == "" {
		opts.TableName = "bus_databus"
	}
	table, err := dbconn.ParseTableName(opts.TableName)
	if err != nil {
		return nil, fmt.Errorf("databus table name: %w", err)
	}
	s := &Store{provider: provider, table: table}
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
	id VARCHAR(200) NOT NULL,
	meta LONGBLOB NULL,
	data LONGBLOB NOT NULL,
	creation_time DATETIME(6) NOT NULL,
	last_read_time DATETIME(6) NULL,
	PRIMARY KEY (id)
)`, s.table.Qualified())); err != nil {
		return fmt.Errorf("create databus table: %w", err)
	}
	return conn.Complete(ctx)
}

// Save stores the attachment read from r under a fresh ID and returns it.
func (s *Store) Save(ctx context.Context, meta map[string]string, r io.Reader) (string, error) {
	id := uuid.NewString()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	var metaBytes []byte
	if meta != nil {
		metaBytes, err = json.Marshal(meta)
		if err != nil {
			return "", fmt.Errorf("encode attachment meta: %w", err)
		}
	}

	conn, err := s.provider.Open(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, meta, data, creation_time, last_read_time) VALUES (?, ?, ?, NOW(6), NULL)",
		s.table.Qualified()),
		id, metaBytes, data); err != nil {
		return "", fmt.Errorf("save attachment %s: %w", id, err)
	}
	if err := conn.Complete(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// ReadMeta returns the attachment's metadata and timestamps.
func (s *Store) ReadMeta(ctx context.Context, id string) (map[string]string, time.Time, *time.Time, error) {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return nil, time.Time{}, nil, err
	}
	defer conn.Close()

	var metaBytes []byte
	var created time.Time
	var lastRead sql.NullTime
	err = conn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT meta, creation_time, last_read_time FROM %s WHERE id = ?", s.table.Qualified()),
		id).Scan(&metaBytes, &created, &lastRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("read attachment meta %s: %w", id, err)
	}

	meta := map[string]string{}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return nil, time.Time{}, nil, fmt.Errorf("decode attachment meta %s: %w", id, err)
		}
	}
	var lastReadPtr *time.Time
	if lastRead.Valid {
		lastReadPtr = &lastRead.Time
	}
	return meta, created, lastReadPtr, conn.Complete(ctx)
}

// Read opens the attachment for streaming. The read stamps
// last_read_time; the payload is paged out of the row in chunks as the
// caller consumes it.
func (s *Store) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}

	res, err := conn.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET last_read_time = NOW(6) WHERE id = ?", s.table.Qualified()), id)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("touch attachment %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		conn.Close()
		return nil, ErrNotFound
	}

	return &chunkReader{ctx: ctx, store: s, conn: conn, id: id, pos: 1}, nil
}

// chunkReader pages the blob with SUBSTRING(data, pos, n). Positions are
// 1-based in SQL. The underlying connection stays open (and its
// transaction pinned) until Close, so the reader observes one consistent
// version of the row.
type chunkReader struct {
	ctx   context.Context
	store *Store
	conn  *dbconn.Connection
	id    string
	pos   int64
	buf   []byte
	eof   bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 && !r.eof {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) fill() error {
	var chunk []byte
	err := r.conn.QueryRowContext(r.ctx, fmt.Sprintf(
		"SELECT SUBSTRING(data, ?, %d) FROM %s WHERE id = ?", readChunkSize, r.store.table.Qualified()),
		r.pos, r.id).Scan(&chunk)
	if errors.Is(err, sql.ErrNoRows) {
		r.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read attachment chunk %s@%d: %w", r.id, r.pos, err)
	}
	if len(chunk) == 0 {
		r.eof = true
		return nil
	}
	r.pos += int64(len(chunk))
	r.buf = chunk
	if len(chunk) < readChunkSize {
		r.eof = true
	}
	return nil
}

// Close commits the read transaction (stamping last_read_time) and
// releases the connection.
func (r *chunkReader) Close() error {
	err := r.conn.Complete(r.ctx)
	r.conn.Close()
	return err
}

// Delete removes an attachment.
func (s *Store) Delete(ctx context.Context, id string) error {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id = ?", s.table.Qualified()), id); err != nil {
		return fmt.Errorf("delete attachment %s: %w", id, err)
	}
	return conn.Complete(ctx)
}
