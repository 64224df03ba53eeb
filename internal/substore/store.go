// Package substore is the topic→subscriber registry: which queue
// addresses want copies of messages published to a topic.
package substore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/mysqlerr"
)

// Options configures a Store.
type Options struct {
	// TableName defaults to "bus_subscriptions".
	TableName string
	// EnsureTableIsCreated creates the table on startup.
	EnsureTableIsCreated bool
}

// Store reads and writes subscriptions.
type Store struct {
	provider *dbconn.Provider
	table    dbconn.TableName

	// widths holds the discovered column capacities, loaded lazily once.
	widthsOnce sync.Once
	widthsErr  error
	topicWidth int
	addrWidth  int
}

// New creates a subscription store and, when configured, its table.
func New(ctx context.Context, provider *dbconn.Provider, opts Options) (*Store, error) {
	if opts.TableName == "" {
		opts.TableName = "bus_subscriptions"
	}
	table, err := dbconn.ParseTableName(opts.TableName)
	if err != nil {
		return nil, fmt.Errorf("subscriptions table name: %w", err)
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
	topic VARCHAR(200) NOT NULL,
	address VARCHAR(200) NOT NULL,
	PRIMARY KEY (topic, address)
)`, s.table.Qualified())); err != nil {
		return fmt.Errorf("create subscriptions table: %w", err)
	}
	return conn.Complete(ctx)
}

// loadWidths discovers the actual column widths once, so values written
// by this process fit whatever the deployed table declares.
func (s *Store) loadWidths(ctx context.Context) error {
	s.widthsOnce.Do(func() {
		conn, err := s.provider.Open(ctx)
		if err != nil {
			s.widthsErr = err
			return
		}
		defer conn.Close()

		widths, err := s.columnWidths(ctx, conn)
		if err != nil {
			s.widthsErr = err
			return
		}
		s.topicWidth = widths["topic"]
		s.addrWidth = widths["address"]
		s.widthsErr = conn.Complete(ctx)
	})
	return s.widthsErr
}

func (s *Store) columnWidths(ctx context.Context, conn *dbconn.Connection) (map[string]int, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT COLUMN_NAME, CHARACTER_MAXIMUM_LENGTH
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
		  AND TABLE_NAME = ?
		  AND CHARACTER_MAXIMUM_LENGTH IS NOT NULL`,
		s.table.Schema, s.table.Name)
	if err != nil {
		return nil, fmt.Errorf("discover column widths: %w", err)
	}
	defer rows.Close()

	widths := make(map[string]int)
	for rows.Next() {
		var name string
		var width int
		if err := rows.Scan(&name, &width); err != nil {
			return nil, err
		}
		widths[strings.ToLower(name)] = width
	}
	return widths, rows.Err()
}

func (s *Store) checkWidths(topic, address string) error {
	if s.topicWidth > 0 && len(topic) > s.topicWidth {
		return fmt.Errorf("topic %q longer than column width %d", topic, s.topicWidth)
	}
	if s.addrWidth > 0 && len(address) > s.addrWidth {
		return fmt.Errorf("address %q longer than column width %d", address, s.addrWidth)
	}
	return nil
}

// RegisterSubscriber records that address wants messages of topic.
// Idempotent: re-registering an existing pair succeeds.
func (s *Store) RegisterSubscriber(ctx context.Context, topic, address string) error {
	if err := s.loadWidths(ctx); err != nil {
		return err
	}
	if err := s.checkWidths(topic, address); err != nil {
		return err
	}

	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (topic, address) VALUES (?, ?)", s.table.Qualified()),
		topic, address)
	if err != nil && !mysqlerr.IsDuplicateKey(err) {
		return fmt.Errorf("register %s -> %s: %w", topic, address, err)
	}
	return conn.Complete(ctx)
}

// UnregisterSubscriber removes the pair if present.
func (s *Store) UnregisterSubscriber(ctx context.Context, topic, address string) error {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE topic = ? AND address = ?", s.table.Qualified()),
		topic, address); err != nil {
		return fmt.Errorf("unregister %s -> %s: %w", topic, address, err)
	}
	return conn.Complete(ctx)
}

// GetSubscriberAddresses lists the addresses subscribed to topic.
func (s *Store) GetSubscriberAddresses(ctx context.Context, topic string) ([]string, error) {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT address FROM %s WHERE topic = ?", s.table.Qualified()), topic)
	if err != nil {
		return nil, fmt.Errorf("subscribers of %s: %w", topic, err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addresses = append(addresses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return addresses, conn.Complete(ctx)
}
