package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/txscope"
)

// outboundBuffer accumulates the messages of one scope, in enqueue order.
// Single-producer per scope by contract; the mutex covers the flush racing
// a late Send (a bug upstream, but a cheap one to be safe against).
type outboundBuffer struct {
	mu   sync.Mutex
	rows []*outgoingRow
}

func (b *outboundBuffer) add(row *outgoingRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, row)
}

func (b *outboundBuffer) drain() []*outgoingRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.rows
	b.rows = nil
	return rows
}

func (t *Transport) bufferKey() string {
	return fmt.Sprintf("sqlbus-outgoing:%p", t)
}

// Send buffers msg for destination on the scope. Nothing touches the
// database until the scope completes; then every buffered message of the
// scope is inserted over one connection, in enqueue order, atomically.
//
// Header interpretation errors (bad priority, deferral without recipient)
// surface here, before the message enters the buffer.
func (t *Transport) Send(ctx context.Context, destination string, msg *Message, scope *txscope.Scope) error {
	if scope == nil {
		return fmt.Errorf("send requires a transaction scope")
	}

	row, err := resolveOutgoing(destination, msg, time.Now())
	if err != nil {
		return err
	}
	if _, err := dbconn.ParseTableName(row.destination); err != nil {
		return fmt.Errorf("destination %q: %w", row.destination, err)
	}

	item := scope.GetOrAdd(t.bufferKey(), func() any {
		buf := &outboundBuffer{}
		scope.OnCommitted(func(ctx context.Context) error {
			return t.flush(ctx, buf)
		})
		return buf
	})
	item.(*outboundBuffer).add(row)
	return nil
}

// flush inserts all buffered rows over a single connection and commits.
// Runs as a scope-committed callback: either every row of the scope is
// inserted or, if the connection's transaction fails, none are.
func (t *Transport) flush(ctx context.Context, buf *outboundBuffer) (retErr error) {
	rows := buf.drain()
	if len(rows) == 0 {
		return nil
	}

	ctx, span := busTracer.Start(ctx, "transport.flush",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("sqlbus.batch_size", len(rows))),
	)
	defer func() { endSpan(span, retErr) }()

	conn, err := t.provider.Open(ctx)
	if err != nil {
		return fmt.Errorf("flush outgoing: %w", err)
	}
	defer conn.Close()

	for _, row := range rows {
		if err := t.insertRow(ctx, conn, row); err != nil {
			return err
		}
	}
	if err := conn.Complete(ctx); err != nil {
		return fmt.Errorf("flush outgoing: %w", err)
	}
	busMetrics.sends.Add(ctx, int64(len(rows)))
	return nil
}

func (t *Transport) insertRow(ctx context.Context, conn *dbconn.Connection, row *outgoingRow) error {
	table, err := dbconn.ParseTableName(row.destination)
	if err != nil {
		return fmt.Errorf("destination %q: %w", row.destination, err)
	}

	if t.opts.OrderingKeyEnabled {
		var key any
		if row.orderingKey != "" {
			key = row.orderingKey
		}
		_, err = conn.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (headers, body, priority, visible, expiration, leased_until, leased_by, leased_at, ordering_key)
			VALUES (?, ?, ?, DATE_ADD(NOW(6), INTERVAL ? MICROSECOND), DATE_ADD(NOW(6), INTERVAL ? MICROSECOND), NULL, NULL, NULL, ?)`,
			table.Qualified()),
			row.headers, row.body, row.priority,
			row.visibilityDelay.Microseconds(), row.ttl.Microseconds(), key)
	} else {
		_, err = conn.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (headers, body, priority, visible, expiration, leased_until, leased_by, leased_at)
			VALUES (?, ?, ?, DATE_ADD(NOW(6), INTERVAL ? MICROSECOND), DATE_ADD(NOW(6), INTERVAL ? MICROSECOND), NULL, NULL, NULL)`,
			table.Qualified()),
			row.headers, row.body, row.priority,
			row.visibilityDelay.Microseconds(), row.ttl.Microseconds())
	}
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}
