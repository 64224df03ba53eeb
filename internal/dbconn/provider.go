// Package dbconn provides the shared MySQL connection plumbing: a pooled
// provider that hands out per-operation connections with their own
// transaction, schema discovery via information_schema, and idempotent DDL
// primitives.
//
// Every operation in the system runs on exactly one Connection for its
// duration. MySQL client connections are not concurrency-safe across
// statements, so Connections are never shared between goroutines.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/sqlbus/sqlbus/internal/txscope"
)

// scopeConnectionKey is the scope item under which an ambient shared
// connection is stashed when enlistment is enabled.
const scopeConnectionKey = "sqlbus-ambient-connection"

// Options configures a Provider.
type Options struct {
	// DSN is the go-sql-driver/mysql connection string.
	DSN string
	// Isolation is the transaction isolation level for connections the
	// provider begins itself. Defaults to repeatable read.
	Isolation sql.IsolationLevel
	// EnlistInAmbientTransaction makes OpenScoped share one connection and
	// transaction per scope, committed when the scope completes, instead
	// of one transaction per operation.
	EnlistInAmbientTransaction bool
	// MaxOpenConns caps the pool. Zero means the driver default.
	MaxOpenConns int
}

// Provider opens Connections against one MySQL database.
type Provider struct {
	db     *sql.DB
	opts   Options
	schema string // default schema from the DSN
}

// NewProvider validates the DSN, opens the pool, and pings it.
func NewProvider(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Isolation == sql.LevelDefault {
		opts.Isolation = sql.LevelRepeatableRead
	}

	cfg, err := mysql.ParseDSN(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	// Timestamps round-trip as time.Time, and the conditional-DDL helpers
	// need real server-side prepares for their session variables.
	cfg.ParseTime = true
	cfg.InterpolateParams = false

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql pool: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns / 2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	return &Provider{db: db, opts: opts, schema: cfg.DBName}, nil
}

// DefaultSchema returns the schema selected by the DSN.
func (p *Provider) DefaultSchema() string {
	return p.schema
}

// Close closes the underlying pool.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Open returns a Connection with its own transaction begun at the
// configured isolation level.
func (p *Provider) Open(ctx context.Context) (*Connection, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: p.opts.Isolation})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Connection{provider: p, conn: conn, tx: tx}, nil
}

// OpenScoped returns the connection to use for work belonging to scope.
//
// Without ambient enlistment this is identical to Open, except the
// returned connection is also disposed when the scope is. With enlistment,
// all operations of one scope share a single connection and transaction:
// the first call creates it and wires commit to scope completion; later
// calls get an external view whose Complete and Close are no-ops.
func (p *Provider) OpenScoped(ctx context.Context, scope *txscope.Scope) (*Connection, error) {
	if scope == nil {
		return p.Open(ctx)
	}

	if !p.opts.EnlistInAmbientTransaction {
		c, err := p.Open(ctx)
		if err != nil {
			return nil, err
		}
		scope.OnDisposed(func(ctx context.Context) error {
			c.Close()
			return nil
		})
		return c, nil
	}

	var openErr error
	item := scope.GetOrAdd(scopeConnectionKey, func() any {
		c, err := p.Open(ctx)
		if err != nil {
			openErr = err
			return (*Connection)(nil)
		}
		scope.OnCommitted(func(ctx context.Context) error {
			return c.complete(ctx)
		})
		scope.OnDisposed(func(ctx context.Context) error {
			c.Close()
			return nil
		})
		return c
	})
	if openErr != nil {
		return nil, openErr
	}
	shared := item.(*Connection)
	return shared.external(), nil
}

// Connection wraps one pooled connection with an open transaction.
// Complete commits; Close without Complete rolls back.
type Connection struct {
	provider *Provider
	conn     *sql.Conn
	tx       *sql.Tx
	done     bool
	// isExternal marks a view onto a transaction owned elsewhere (ambient
	// enlistment). Complete and Close are no-ops on such views.
	isExternal bool
}

// external returns a non-owning view of c.
func (c *Connection) external() *Connection {
	return &Connection{provider: c.provider, conn: c.conn, tx: c.tx, isExternal: true}
}

// ExecContext runs a statement inside the transaction.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.tx.QueryRowContext(ctx, query, args...)
}

// commandSeparator splits multi-command scripts passed to ExecMulti.
const commandSeparator = "----"

// SplitCommands splits a script into statements on lines consisting of the
// `----` sentinel. Statements keep their internal semicolons; blank
// commands are dropped.
func SplitCommands(script string) []string {
	var out []string
	for _, part := range strings.Split(script, "\n"+commandSeparator+"\n") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ExecMulti executes each `----`-separated command of script sequentially
// within this connection's transaction.
func (c *Connection) ExecMulti(ctx context.Context, script string) error {
	for _, stmt := range SplitCommands(script) {
		if _, err := c.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", truncateSQL(stmt), err)
		}
	}
	return nil
}

// Complete commits the transaction. On an externally-owned view this is a
// no-op: the owner commits when its scope completes.
func (c *Connection) Complete(ctx context.Context) error {
	if c.isExternal {
		return nil
	}
	return c.complete(ctx)
}

func (c *Connection) complete(_ context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the connection. If the transaction was not completed it
// is rolled back. Safe to call multiple times; no-op on external views.
func (c *Connection) Close() {
	if c.isExternal {
		return
	}
	if !c.done {
		c.done = true
		_ = c.tx.Rollback()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func truncateSQL(s string) string {
	if len(s) > 120 {
		return s[:120] + "…"
	}
	return s
}
