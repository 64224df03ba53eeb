package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/mysqlerr"
	"github.com/sqlbus/sqlbus/internal/txscope"
)

// Receive leases the next deliverable message from the input queue, or
// returns (nil, nil) when the queue has nothing to deliver right now.
//
// A successful receive registers the row's fate on the scope: commit
// deletes it, abort clears its lease so another worker picks it up. The
// lease itself is committed before Receive returns, making the claim
// visible to the rest of the fleet.
//
// Losing a lock race surfaces as MySQL deadlock 1213; that also returns
// (nil, nil) so the worker loop backs off instead of busy-spinning.
func (t *Transport) Receive(ctx context.Context, scope *txscope.Scope) (msg *Message, retErr error) {
	if t.input.Name == "" {
		return nil, fmt.Errorf("transport is send-only: no input queue configured")
	}
	if scope == nil {
		return nil, fmt.Errorf("receive requires a transaction scope")
	}

	if err := t.receiveSem.Acquire(ctx, 1); err != nil {
		return nil, mysqlerr.WrapCancelled(ctx, err)
	}
	defer t.receiveSem.Release(1)

	start := time.Now()
	ctx, span := busTracer.Start(ctx, "transport.receive",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("sqlbus.queue", t.input.String())),
	)
	defer func() {
		busMetrics.receiveLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds()))
		endSpan(span, retErr)
	}()

	conn, err := t.provider.Open(ctx)
	if err != nil {
		return nil, mysqlerr.WrapCancelled(ctx, err)
	}
	defer conn.Close()

	row, err := t.selectForLease(ctx, conn)
	if err != nil {
		if mysqlerr.IsDeadlock(err) {
			// Lost the row race to a concurrent receiver.
			busMetrics.emptyReceives.Add(ctx, 1)
			span.SetAttributes(attribute.Bool("sqlbus.deadlock", true))
			return nil, nil
		}
		return nil, mysqlerr.WrapCancelled(ctx, err)
	}
	if row == nil {
		busMetrics.emptyReceives.Add(ctx, 1)
		return nil, conn.Complete(ctx)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET leased_until = DATE_ADD(NOW(6), INTERVAL ? MICROSECOND),
		    leased_at = NOW(6),
		    leased_by = ?
		WHERE id = ?`, t.input.Qualified()),
		t.opts.LeaseInterval.Microseconds(), t.leasedBy(), row.id); err != nil {
		return nil, mysqlerr.WrapCancelled(ctx, fmt.Errorf("lease row %d: %w", row.id, err))
	}

	// Commit so the lease is visible to other receivers before the
	// handler starts.
	if err := conn.Complete(ctx); err != nil {
		return nil, mysqlerr.WrapCancelled(ctx, err)
	}

	t.registerRowFate(scope, row.id)
	if t.opts.LeaseAutoRenewInterval > 0 {
		t.startRenewer(scope, row.id)
	}

	headers, err := decodeHeaders(row.headers)
	if err != nil {
		return nil, err
	}
	busMetrics.receives.Add(ctx, 1)
	span.SetAttributes(attribute.Int64("sqlbus.row_id", row.id))
	return &Message{Headers: headers, Body: row.body}, nil
}

type leasedRow struct {
	id      int64
	headers []byte
	body    []byte
}

// selectForLease picks the highest-priority, oldest-visible deliverable
// row and locks it. Returns (nil, nil) when no row qualifies.
func (t *Transport) selectForLease(ctx context.Context, conn *dbconn.Connection) (*leasedRow, error) {
	q := t.input.Qualified()
	predicate := `
		m.visible < NOW(6)
		AND m.expiration > NOW(6)
		AND (m.leased_until IS NULL OR DATE_ADD(m.leased_until, INTERVAL ? MICROSECOND) < NOW(6))`
	args := []any{t.opts.LeaseTolerance.Microseconds()}

	if t.opts.OrderingKeyEnabled {
		// At most one in-flight row per ordering key across the fleet.
		// NULL keys never match the correlated subquery, so untagged
		// messages stay unconstrained.
		predicate += fmt.Sprintf(`
		AND NOT EXISTS (
			SELECT 1 FROM %s q2
			WHERE q2.ordering_key = m.ordering_key
			  AND q2.leased_until > NOW(6)
			  AND q2.id <> m.id
		)`, q)
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.headers, m.body
		FROM %s m
		WHERE %s
		ORDER BY m.priority DESC, m.visible ASC, m.id ASC
		LIMIT 1
		FOR UPDATE`, q, predicate)

	var row leasedRow
	err := conn.QueryRowContext(ctx, query, args...).Scan(&row.id, &row.headers, &row.body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (t *Transport) leasedBy() string {
	name := t.opts.LeasedByFactory()
	if len(name) > 200 {
		name = name[:200]
	}
	return name
}

// registerRowFate wires ack and nack for a leased row: scope commit
// deletes it, scope abort clears the lease. Both retry forever on
// deadlock; any other error is logged and swallowed so the callback never
// masks the handler's own outcome.
func (t *Transport) registerRowFate(scope *txscope.Scope, rowID int64) {
	q := t.input.Qualified()

	scope.OnCommitted(func(ctx context.Context) error {
		t.execRowStatement(ctx, "ack delete", rowID,
			fmt.Sprintf("DELETE FROM %s WHERE id = ?", q), rowID)
		return nil
	})
	scope.OnAborted(func(ctx context.Context) error {
		t.execRowStatement(ctx, "nack release", rowID,
			fmt.Sprintf(`
				UPDATE %s
				SET leased_until = NULL, leased_by = NULL, leased_at = NULL
				WHERE id = ?`, q), rowID)
		return nil
	})
}

// execRowStatement runs a single-row lease statement on a fresh
// connection, retrying forever on deadlock 1213. The handler's context
// may already be cancelled when the scope settles, so cancellation is
// stripped: a row's fate must be recorded regardless.
func (t *Transport) execRowStatement(ctx context.Context, what string, rowID int64, query string, args ...any) {
	ctx = context.WithoutCancel(ctx)

	op := func() error {
		conn, err := t.provider.Open(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			if mysqlerr.IsDeadlock(err) {
				busMetrics.deadlockRetries.Add(ctx, 1)
				return err
			}
			return backoff.Permanent(err)
		}
		return conn.Complete(ctx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // deadlocks retry until they clear
	if err := backoff.Retry(op, bo); err != nil {
		t.log.Error("row statement failed", "op", what, "row", rowID, "err", err)
	}
}
