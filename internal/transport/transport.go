package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/logging"
)

// Defaults for Options fields left zero.
const (
	DefaultLeaseInterval    = 5 * time.Minute
	DefaultLeaseTolerance   = 30 * time.Second
	DefaultCleanupInterval  = 20 * time.Second
	DefaultMaxParallelism   = 20
	DefaultLeasedByFallback = "unknown"
)

// Options configures a Transport.
type Options struct {
	// InputQueueName is the queue this transport receives from. Empty
	// makes the transport send-only.
	InputQueueName string

	// AutoDeleteQueue drops the input queue table on Close.
	AutoDeleteQueue bool

	// LeaseInterval is how long a received row stays claimed before other
	// workers may reclaim it. Default 5m.
	LeaseInterval time.Duration

	// LeaseTolerance is the grace period beyond LeaseInterval before a
	// lease counts as abandoned. Default 30s.
	LeaseTolerance time.Duration

	// LeaseAutoRenewInterval, when positive, renews held leases on this
	// period until the handler's scope finishes. Typically half of
	// LeaseInterval.
	LeaseAutoRenewInterval time.Duration

	// LeasedByFactory names this worker in the leased_by column. Defaults
	// to os.Hostname.
	LeasedByFactory func() string

	// MessageAckTimeout, when positive, enables the sweeper's reclaim
	// pass: leases on rows visible for longer than this are cleared.
	// Leave zero in lease mode; the receive predicate's tolerance clause
	// already reclaims crashed workers' rows.
	MessageAckTimeout time.Duration

	// ExpiredMessagesCleanupInterval is the sweeper period. Default 20s.
	ExpiredMessagesCleanupInterval time.Duration

	// EnsureTablesAreCreated creates the input queue table on startup.
	EnsureTablesAreCreated bool

	// OrderingKeyEnabled adds the ordering_key column and the
	// single-flight-per-key receive predicate.
	OrderingKeyEnabled bool

	// MaxParallelism caps concurrent Receive calls. Default 20.
	MaxParallelism int

	// Logger for background errors. Defaults to the process logger.
	Logger *log.Logger
}

func (o *Options) applyDefaults() {
	if o.LeaseInterval <= 0 {
		o.LeaseInterval = DefaultLeaseInterval
	}
	if o.LeaseTolerance <= 0 {
		o.LeaseTolerance = DefaultLeaseTolerance
	}
	if o.ExpiredMessagesCleanupInterval <= 0 {
		o.ExpiredMessagesCleanupInterval = DefaultCleanupInterval
	}
	if o.MaxParallelism <= 0 {
		o.MaxParallelism = DefaultMaxParallelism
	}
	if o.LeasedByFactory == nil {
		o.LeasedByFactory = func() string {
			host, err := os.Hostname()
			if err != nil || host == "" {
				return DefaultLeasedByFallback
			}
			return host
		}
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Transport is a MySQL-backed queue transport. One Transport instance
// serves one input queue (or none, send-only) and any number of outbound
// destinations.
type Transport struct {
	provider *dbconn.Provider
	opts     Options
	input    dbconn.TableName // zero when send-only
	log      *log.Logger

	// receiveSem is the process-wide bottleneck on simultaneous receives.
	receiveSem *semaphore.Weighted

	renewers renewerRegistry

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New creates a Transport on the given provider. Call Start to begin
// background sweeping.
func New(ctx context.Context, provider *dbconn.Provider, opts Options) (*Transport, error) {
	opts.applyDefaults()

	t := &Transport{
		provider:   provider,
		opts:       opts,
		log:        opts.Logger.WithPrefix("transport"),
		receiveSem: semaphore.NewWeighted(int64(opts.MaxParallelism)),
	}
	t.renewers.init()

	if opts.InputQueueName != "" {
		input, err := dbconn.ParseTableName(opts.InputQueueName)
		if err != nil {
			return nil, fmt.Errorf("input queue name: %w", err)
		}
		t.input = input
		if opts.EnsureTablesAreCreated {
			if err := t.EnsureTableIsCreated(ctx, input); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// Address returns the input queue name, or "" for a send-only transport.
func (t *Transport) Address() string {
	if t.input.Name == "" {
		return ""
	}
	return t.input.String()
}

// Start launches the expiration/reclaim sweeper. No-op for send-only
// transports.
func (t *Transport) Start() {
	if t.input.Name == "" || t.sweepDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.sweepCancel = cancel
	t.sweepDone = make(chan struct{})
	go t.sweepLoop(ctx)
}

// Close stops background work and, when configured, drops the input queue
// table.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.sweepCancel != nil {
			t.sweepCancel()
			<-t.sweepDone
		}
		t.renewers.stopAll()

		if t.opts.AutoDeleteQueue && t.input.Name != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			t.closeErr = t.dropQueue(ctx, t.input)
		}
	})
	return t.closeErr
}

// CreateQueue creates the table for a queue address if it is absent.
func (t *Transport) CreateQueue(ctx context.Context, address string) error {
	table, err := dbconn.ParseTableName(address)
	if err != nil {
		return fmt.Errorf("queue address: %w", err)
	}
	return t.EnsureTableIsCreated(ctx, table)
}

// EnsureTableIsCreated creates the queue table and its indexes. Safe to
// call concurrently from multiple processes: the DDL is idempotent and the
// whole operation retries once to absorb create races.
func (t *Transport) EnsureTableIsCreated(ctx context.Context, table dbconn.TableName) error {
	err := t.createQueueObjects(ctx, table)
	if err == nil {
		return nil
	}
	// Two processes creating the same queue race inside information_schema
	// checks; by the second attempt the winner's objects exist and every
	// step no-ops.
	t.log.Debug("queue create failed, retrying once", "queue", table, "err", err)
	if err := t.createQueueObjects(ctx, table); err != nil {
		return fmt.Errorf("create queue %s: %w", table, err)
	}
	return nil
}

func (t *Transport) createQueueObjects(ctx context.Context, table dbconn.TableName) error {
	conn, err := t.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	priority INT NOT NULL DEFAULT 0,
	visible DATETIME(6) NOT NULL,
	expiration DATETIME(6) NOT NULL,
	headers LONGBLOB NOT NULL,
	body LONGBLOB NOT NULL,
	leased_until DATETIME(6) NULL,
	leased_by VARCHAR(200) NULL,
	leased_at DATETIME(6) NULL,
	PRIMARY KEY (id)
)`, table.Qualified())
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	// Receive-path index: covers the deliverability predicate and the
	// ORDER BY in one traversal.
	if err := conn.CreateIndexIfNotExists(ctx, table, "idx_receive",
		"(`priority` DESC, `visible` ASC, `id` ASC, `expiration` ASC, `leased_until` DESC)"); err != nil {
		return err
	}
	if err := conn.CreateIndexIfNotExists(ctx, table, "idx_expiration", "(`expiration`)"); err != nil {
		return err
	}

	if t.opts.OrderingKeyEnabled {
		if err := conn.CreateColumnIfNotExists(ctx, table, "ordering_key", "VARCHAR(200) NULL"); err != nil {
			return err
		}
		if err := conn.CreateIndexIfNotExists(ctx, table, "idx_ordering_key",
			"(`ordering_key`, `leased_until`)"); err != nil {
			return err
		}
	}

	return conn.Complete(ctx)
}

// dropQueue removes the queue table, retrying once like creation.
func (t *Transport) dropQueue(ctx context.Context, table dbconn.TableName) error {
	drop := func() error {
		conn, err := t.provider.Open(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+table.Qualified()); err != nil {
			return err
		}
		return conn.Complete(ctx)
	}
	if err := drop(); err != nil {
		t.log.Debug("queue drop failed, retrying once", "queue", table, "err", err)
		if err := drop(); err != nil {
			return fmt.Errorf("drop queue %s: %w", table, err)
		}
	}
	return nil
}
