package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sqlbus/sqlbus/internal/txscope"
)

// renewerRegistry tracks the auto-renew goroutine of each leased row so
// Close can stop stragglers whose scopes never settled.
type renewerRegistry struct {
	mu     sync.Mutex
	cancel map[int64]context.CancelFunc
}

func (r *renewerRegistry) init() {
	r.cancel = make(map[int64]context.CancelFunc)
}

func (r *renewerRegistry) add(rowID int64, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel[rowID] = cancel
}

func (r *renewerRegistry) stop(rowID int64) {
	r.mu.Lock()
	cancel := r.cancel[rowID]
	delete(r.cancel, rowID)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *renewerRegistry) stopAll() {
	r.mu.Lock()
	cancels := r.cancel
	r.cancel = make(map[int64]context.CancelFunc)
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// startRenewer keeps extending the lease on rowID every
// LeaseAutoRenewInterval until the scope settles. Renewal failures are
// logged and the next tick tries again; a handler is never interrupted
// over a missed renewal.
func (t *Transport) startRenewer(scope *txscope.Scope, rowID int64) {
	ctx, cancel := context.WithCancel(context.Background())
	t.renewers.add(rowID, cancel)

	stop := func(context.Context) error {
		t.renewers.stop(rowID)
		return nil
	}
	scope.OnCommitted(stop)
	scope.OnAborted(stop)

	go func() {
		ticker := time.NewTicker(t.opts.LeaseAutoRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.renewLease(ctx, rowID)
			}
		}
	}()
}

func (t *Transport) renewLease(ctx context.Context, rowID int64) {
	conn, err := t.provider.Open(ctx)
	if err != nil {
		t.log.Warn("lease renewal: open failed", "row", rowID, "err", err)
		return
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET leased_until = DATE_ADD(NOW(6), INTERVAL ? MICROSECOND)
		WHERE id = ?`, t.input.Qualified()),
		t.opts.LeaseInterval.Microseconds(), rowID)
	if err != nil {
		t.log.Warn("lease renewal failed", "row", rowID, "err", err)
		return
	}
	if err := conn.Complete(ctx); err != nil {
		t.log.Warn("lease renewal commit failed", "row", rowID, "err", err)
	}
}
