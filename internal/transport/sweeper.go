package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sweepBatchSize caps each sweeper pass. ID-targeted deletes on small
// batches never lock-scan the table, so the sweeper cannot deadlock
// concurrent receivers.
const sweepBatchSize = 100

// sweepLoop runs the periodic expiration/reclaim task until ctx is
// cancelled. All errors are logged and swallowed: the sweeper must outlive
// any individual bad cycle.
func (t *Transport) sweepLoop(ctx context.Context) {
	defer close(t.sweepDone)

	ticker := time.NewTicker(t.opts.ExpiredMessagesCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := t.deleteExpired(ctx); err != nil {
				t.logSweepErr("delete expired", err)
			} else if n > 0 {
				t.log.Debug("deleted expired messages", "queue", t.input, "count", n)
			}
			if t.opts.MessageAckTimeout > 0 {
				if n, err := t.reclaimAbandoned(ctx); err != nil {
					t.logSweepErr("reclaim leases", err)
				} else if n > 0 {
					t.log.Debug("reclaimed abandoned leases", "queue", t.input, "count", n)
				}
			}
		}
	}
}

func (t *Transport) logSweepErr(what string, err error) {
	if errors.Is(err, context.Canceled) {
		// Shutdown racing a pass in flight.
		return
	}
	t.log.Error("sweeper pass failed", "op", what, "queue", t.input, "err", err)
}

// deleteExpired removes TTL-expired rows in ID-bounded batches, repeating
// until a pass affects no rows.
func (t *Transport) deleteExpired(ctx context.Context) (int64, error) {
	var total int64
	for {
		ids, err := t.collectIDs(ctx, fmt.Sprintf(
			"SELECT id FROM %s WHERE expiration < NOW(6) LIMIT %d",
			t.input.Qualified(), sweepBatchSize))
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		n, err := t.execIDBatch(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE id IN (%s)",
			t.input.Qualified(), placeholders(len(ids))), ids)
		if err != nil {
			return total, err
		}
		total += n
		busMetrics.expiredDeleted.Add(ctx, n)
		if n == 0 {
			return total, nil
		}
	}
}

// reclaimAbandoned clears leases on rows that have been visible for longer
// than the ack timeout, repeating until a pass affects no rows.
func (t *Transport) reclaimAbandoned(ctx context.Context) (int64, error) {
	var total int64
	for {
		ids, err := t.collectIDs(ctx, fmt.Sprintf(
			"SELECT id FROM %s WHERE visible < DATE_SUB(NOW(6), INTERVAL %d MICROSECOND) AND leased_until IS NOT NULL LIMIT %d",
			t.input.Qualified(), t.opts.MessageAckTimeout.Microseconds(), sweepBatchSize))
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		n, err := t.execIDBatch(ctx, fmt.Sprintf(
			"UPDATE %s SET leased_until = NULL, leased_by = NULL, leased_at = NULL WHERE id IN (%s)",
			t.input.Qualified(), placeholders(len(ids))), ids)
		if err != nil {
			return total, err
		}
		total += n
		busMetrics.leasesReclaimed.Add(ctx, n)
		if n == 0 {
			return total, nil
		}
	}
}

func (t *Transport) collectIDs(ctx context.Context, query string) ([]int64, error) {
	conn, err := t.provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, conn.Complete(ctx)
}

func (t *Transport) execIDBatch(ctx context.Context, query string, ids []int64) (int64, error) {
	conn, err := t.provider.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, conn.Complete(ctx)
}

// placeholders returns n comma-joined ? markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
