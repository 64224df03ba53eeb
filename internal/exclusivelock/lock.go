// Package exclusivelock implements a disposable distributed lock on a
// MySQL table: INSERT-or-fail acquisition, explicit release, TTL-based
// reclamation by a background sweeper.
//
// The lock is advisory. A holder must not assume mutual exclusion beyond
// the configured TTL; the TTL exists so a crashed holder cannot wedge a
// key forever.
package exclusivelock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/logging"
	"github.com/sqlbus/sqlbus/internal/mysqlerr"
)

const (
	// DefaultLockTTL is the auto-release safety net. The normal path
	// releases explicitly; the TTL only matters after a crash.
	DefaultLockTTL = 24 * time.Hour

	// DefaultSweepInterval is how often expired locks are reaped.
	DefaultSweepInterval = 5 * time.Minute

	// sweepBatchSize caps one sweeper pass.
	sweepBatchSize = 100

	// maxKeyLength matches the lock_key column width.
	maxKeyLength = 255
)

var lockMetrics struct {
	acquired  metric.Int64Counter
	contended metric.Int64Counter
	swept     metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/sqlbus/sqlbus/exclusivelock")
	lockMetrics.acquired, _ = m.Int64Counter("sqlbus.lock_acquired_count",
		metric.WithDescription("Successful lock acquisitions"),
		metric.WithUnit("{lock}"),
	)
	lockMetrics.contended, _ = m.Int64Counter("sqlbus.lock_contended_count",
		metric.WithDescription("Acquisitions lost to an existing holder"),
		metric.WithUnit("{attempt}"),
	)
	lockMetrics.swept, _ = m.Int64Counter("sqlbus.lock_swept_count",
		metric.WithDescription("Expired locks reaped by the sweeper"),
		metric.WithUnit("{lock}"),
	)
}

// Options configures a lock Service.
type Options struct {
	// TableName is the locks table, optionally schema-qualified.
	// Default "bus_locks".
	TableName string
	// LockTTL is the auto-release deadline stamped on each acquisition.
	LockTTL time.Duration
	// SweepInterval is the expired-lock reaper period.
	SweepInterval time.Duration
	// EnsureTableIsCreated creates the locks table on startup.
	EnsureTableIsCreated bool
	// Logger for sweeper errors. Defaults to the process logger.
	Logger *log.Logger
}

// Service is a lock service over one locks table.
type Service struct {
	provider *dbconn.Provider
	table    dbconn.TableName
	ttl      time.Duration
	interval time.Duration
	log      *log.Logger

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closeOnce   sync.Once
}

// New creates a lock service and, when configured, its table.
func New(ctx context.Context, provider *dbconn.Provider, opts Options) (*Service, error) {
	if opts.TableName == "" {
		opts.TableName = "bus_locks"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	table, err := dbconn.ParseTableName(opts.TableName)
	if err != nil {
		return nil, fmt.Errorf("locks table name: %w", err)
	}

	s := &Service{
		provider: provider,
		table:    table,
		ttl:      opts.LockTTL,
		interval: opts.SweepInterval,
		log:      opts.Logger.WithPrefix("lock"),
	}

	if opts.EnsureTableIsCreated {
		if err := s.ensureTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) ensureTable(ctx context.Context) error {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	lock_key VARCHAR(255) NOT NULL,
	expiration DATETIME(6) NOT NULL,
	PRIMARY KEY (lock_key)
)`, s.table.Qualified())
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create locks table: %w", err)
	}
	if err := conn.CreateIndexIfNotExists(ctx, s.table, "idx_expiration", "(`expiration`)"); err != nil {
		return err
	}
	return conn.Complete(ctx)
}

// Start launches the expired-lock sweeper.
func (s *Service) Start() {
	if s.sweepDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone = make(chan struct{})
	go s.sweepLoop(ctx)
}

// Close stops the sweeper.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		if s.sweepCancel != nil {
			s.sweepCancel()
			<-s.sweepDone
		}
	})
	return nil
}

// Acquire attempts to take the lock. Returns false when someone else
// holds it; true when this caller now does. Committed per call.
func (s *Service) Acquire(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	conn, err := s.provider.Open(ctx)
	if err != nil {
		return false, mysqlerr.WrapCancelled(ctx, err)
	}
	defer conn.Close()

	// Cheap existence probe first: the common contended case costs one
	// indexed SELECT instead of a failed INSERT.
	held, err := s.isHeldOn(ctx, conn, key)
	if err != nil {
		return false, mysqlerr.WrapCancelled(ctx, err)
	}
	if held {
		lockMetrics.contended.Add(ctx, 1)
		return false, conn.Complete(ctx)
	}

	_, err = conn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (lock_key, expiration) VALUES (?, DATE_ADD(NOW(6), INTERVAL ? MICROSECOND))",
		s.table.Qualified()),
		key, s.ttl.Microseconds())
	if err != nil {
		if mysqlerr.IsDuplicateKey(err) {
			// Raced another acquirer between probe and insert.
			lockMetrics.contended.Add(ctx, 1)
			return false, nil
		}
		return false, mysqlerr.WrapCancelled(ctx, fmt.Errorf("acquire %q: %w", key, err))
	}
	if err := conn.Complete(ctx); err != nil {
		return false, err
	}
	lockMetrics.acquired.Add(ctx, 1)
	return true, nil
}

// IsHeld reports whether any holder currently has the key.
func (s *Service) IsHeld(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	held, err := s.isHeldOn(ctx, conn, key)
	if err != nil {
		return false, err
	}
	return held, conn.Complete(ctx)
}

func (s *Service) isHeldOn(ctx context.Context, conn *dbconn.Connection, key string) (bool, error) {
	var found string
	err := conn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT lock_key FROM %s WHERE lock_key = ?", s.table.Qualified()), key).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("probe %q: %w", key, err)
}

// Release drops the lock. Returns true when a row was actually removed.
func (s *Service) Release(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE lock_key = ?", s.table.Qualified()), key)
	if err != nil {
		return false, fmt.Errorf("release %q: %w", key, err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, conn.Complete(ctx)
}

// SweepExpired reaps up to one batch of expired locks and reports how
// many were removed. The background loop calls this; it is exported so
// operators can force a pass.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT lock_key FROM %s WHERE expiration < NOW(6) LIMIT %d",
		s.table.Qualified(), sweepBatchSize))
	if err != nil {
		return 0, err
	}
	var keys []any
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(keys) == 0 {
		return 0, conn.Complete(ctx)
	}

	markers := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	res, err := conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE lock_key IN (%s)", s.table.Qualified(), markers), keys...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := conn.Complete(ctx); err != nil {
		return 0, err
	}
	lockMetrics.swept.Add(ctx, n)
	return n, nil
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep reaping batches while there is backlog.
			for {
				n, err := s.SweepExpired(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.log.Error("expired lock sweep failed", "table", s.table, "err", err)
					}
					break
				}
				if n > 0 {
					s.log.Debug("reaped expired locks", "table", s.table, "count", n)
				}
				if n < sweepBatchSize {
					break
				}
			}
		}
	}
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty lock key")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("lock key longer than %d bytes", maxKeyLength)
	}
	return nil
}
