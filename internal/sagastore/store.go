// Package sagastore persists long-running workflow state with optimistic
// concurrency and indexed correlation lookup.
//
// Two tables: the data table holds one opaque blob per saga instance with
// a revision counter; the index table holds (type, property, value) rows
// pointing back at instances, so handlers can find the saga correlated
// with an incoming message without deserializing anything.
package sagastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/mysqlerr"
)

// Column width caps. The compound index key must stay under MySQL's
// index size limit, so every component is bounded.
const (
	maxSagaTypeLength = 40
	maxKeyLength      = 200
	maxValueLength    = 200
)

// ErrNotFound indicates no saga matched the lookup.
var ErrNotFound = errors.New("saga not found")

// Correlation is one indexed property of a saga instance.
type Correlation struct {
	Key   string
	Value string
}

// Saga is a stored instance.
type Saga struct {
	ID       uuid.UUID
	Revision int
	Data     []byte
}

// Options configures a Store.
type Options struct {
	// DataTableName defaults to "saga_data".
	DataTableName string
	// IndexTableName defaults to "saga_index".
	IndexTableName string
	// EnsureTablesAreCreated creates both tables on startup.
	EnsureTablesAreCreated bool
}

// Store reads and writes saga instances.
type Store struct {
	provider *dbconn.Provider
	data     dbconn.TableName
	index    dbconn.TableName
}

// New creates a saga store and, when configured, its tables.
func New(ctx context.Context, provider *dbconn.Provider, opts Options) (*Store, error) {
	if opts.DataTableName == "" {
		opts.DataTableName = "saga_data"
	}
	if opts.IndexTableName == "" {
		opts.IndexTableName = "saga_index"
	}
	data, err := dbconn.ParseTableName(opts.DataTableName)
	if err != nil {
		return nil, fmt.Errorf("saga data table name: %w", err)
	}
	index, err := dbconn.ParseTableName(opts.IndexTableName)
	if err != nil {
		return nil, fmt.Errorf("saga index table name: %w", err)
	}

	s := &Store{provider: provider, data: data, index: index}
	if opts.EnsureTablesAreCreated {
		if err := s.ensureTables(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id CHAR(36) NOT NULL,
	revision INT NOT NULL,
	data LONGBLOB NOT NULL,
	PRIMARY KEY (id)
)`, s.data.Qualified())); err != nil {
		return fmt.Errorf("create saga data table: %w", err)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	saga_type VARCHAR(%d) NOT NULL,
	`+"`key`"+` VARCHAR(%d) NOT NULL,
	value VARCHAR(%d) NOT NULL,
	saga_id CHAR(36) NOT NULL,
	PRIMARY KEY (saga_type, `+"`key`"+`, value, saga_id)
)`, s.index.Qualified(), maxSagaTypeLength, maxKeyLength, maxValueLength)); err != nil {
		return fmt.Errorf("create saga index table: %w", err)
	}
	if err := conn.CreateIndexIfNotExists(ctx, s.index, "idx_saga_id", "(`saga_id`)"); err != nil {
		return err
	}
	return conn.Complete(ctx)
}

// Insert stores a new saga at revision 0 with its correlation index rows.
// A duplicate ID, or the same correlation listed twice for this instance,
// surfaces as mysqlerr.ErrConcurrency. The index key includes the saga ID,
// so another instance with the same correlation value is not rejected.
func (s *Store) Insert(ctx context.Context, sagaType string, saga *Saga, correlations []Correlation) error {
	if err := validateLengths(sagaType, correlations); err != nil {
		return err
	}

	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, revision, data) VALUES (?, 0, ?)", s.data.Qualified()),
		saga.ID.String(), saga.Data)
	if err != nil {
		if mysqlerr.IsDuplicateKey(err) {
			return fmt.Errorf("saga %s already exists: %w", saga.ID, mysqlerr.ErrConcurrency)
		}
		return fmt.Errorf("insert saga %s: %w", saga.ID, err)
	}

	if err := s.writeIndex(ctx, conn, sagaType, saga.ID, correlations); err != nil {
		return err
	}
	return conn.Complete(ctx)
}

// Update replaces the saga's data, advancing the revision only when the
// caller saw the latest one. A stale revision surfaces as
// mysqlerr.ErrConcurrency. Correlation rows are rewritten.
func (s *Store) Update(ctx context.Context, sagaType string, saga *Saga, correlations []Correlation) error {
	if err := validateLengths(sagaType, correlations); err != nil {
		return err
	}

	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET data = ?, revision = revision + 1 WHERE id = ? AND revision = ?",
		s.data.Qualified()),
		saga.Data, saga.ID.String(), saga.Revision)
	if err != nil {
		return fmt.Errorf("update saga %s: %w", saga.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("saga %s revision %d is stale: %w", saga.ID, saga.Revision, mysqlerr.ErrConcurrency)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE saga_id = ?", s.index.Qualified()), saga.ID.String()); err != nil {
		return fmt.Errorf("clear saga index %s: %w", saga.ID, err)
	}
	if err := s.writeIndex(ctx, conn, sagaType, saga.ID, correlations); err != nil {
		return err
	}
	if err := conn.Complete(ctx); err != nil {
		return err
	}
	saga.Revision++
	return nil
}

func (s *Store) writeIndex(ctx context.Context, conn *dbconn.Connection, sagaType string, id uuid.UUID, correlations []Correlation) error {
	for _, c := range correlations {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (saga_type, `key`, value, saga_id) VALUES (?, ?, ?, ?)",
			s.index.Qualified()),
			sagaType, c.Key, c.Value, id.String())
		if err != nil {
			if mysqlerr.IsDuplicateKey(err) {
				return fmt.Errorf("correlation (%s, %s=%s) already indexed: %w",
					sagaType, c.Key, c.Value, mysqlerr.ErrConcurrency)
			}
			return fmt.Errorf("index saga %s: %w", id, err)
		}
	}
	return nil
}

// Find returns the saga of the given type correlated with key=value, or
// ErrNotFound.
func (s *Store) Find(ctx context.Context, sagaType, key, value string) (*Saga, error) {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var saga Saga
	var id string
	err = conn.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.revision, d.data
		FROM %s d
		JOIN %s i ON i.saga_id = d.id
		WHERE i.saga_type = ? AND i.`+"`key`"+` = ? AND i.value = ?
		LIMIT 1`, s.data.Qualified(), s.index.Qualified()),
		sagaType, key, value).Scan(&id, &saga.Revision, &saga.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find saga (%s, %s=%s): %w", sagaType, key, value, err)
	}
	saga.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("stored saga id %q: %w", id, err)
	}
	if err := conn.Complete(ctx); err != nil {
		return nil, err
	}
	return &saga, nil
}

// Delete removes the saga and its index rows, honoring the revision the
// caller holds.
func (s *Store) Delete(ctx context.Context, saga *Saga) error {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id = ? AND revision = ?", s.data.Qualified()),
		saga.ID.String(), saga.Revision)
	if err != nil {
		return fmt.Errorf("delete saga %s: %w", saga.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("saga %s revision %d is stale: %w", saga.ID, saga.Revision, mysqlerr.ErrConcurrency)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE saga_id = ?", s.index.Qualified()), saga.ID.String()); err != nil {
		return fmt.Errorf("clear saga index %s: %w", saga.ID, err)
	}
	return conn.Complete(ctx)
}

func validateLengths(sagaType string, correlations []Correlation) error {
	if len(sagaType) > maxSagaTypeLength {
		return fmt.Errorf("saga type longer than %d chars", maxSagaTypeLength)
	}
	for _, c := range correlations {
		if len(c.Key) > maxKeyLength {
			return fmt.Errorf("correlation key %q longer than %d chars", c.Key, maxKeyLength)
		}
		if len(c.Value) > maxValueLength {
			return fmt.Errorf("correlation value for %q longer than %d chars", c.Key, maxValueLength)
		}
	}
	return nil
}
