package transport_test

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sqlbus/sqlbus/internal/dbtest"
	"github.com/sqlbus/sqlbus/internal/transport"
	"github.com/sqlbus/sqlbus/internal/txscope"
)

// setupTransport creates a transport on its own freshly-created queue.
func setupTransport(t *testing.T, opts transport.Options) (*transport.Transport, string) {
	t.Helper()
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	queue := dbtest.UniqueName(t, "q")
	opts.InputQueueName = queue
	opts.EnsureTablesAreCreated = true
	opts.AutoDeleteQueue = true

	tr, err := transport.New(ctx, provider, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, queue
}

// sendOne sends a message in its own scope and completes it.
func sendOne(t *testing.T, ctx context.Context, tr *transport.Transport, queue string, msg *transport.Message) {
	t.Helper()
	scope := txscope.New()
	require.NoError(t, tr.Send(ctx, queue, msg, scope))
	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))
}

// receiveAck receives one message and acks it. Returns nil when the queue
// was empty.
func receiveAck(t *testing.T, ctx context.Context, tr *transport.Transport) *transport.Message {
	t.Helper()
	scope := txscope.New()
	msg, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	if msg == nil {
		require.NoError(t, scope.Dispose(ctx))
		return nil
	}
	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))
	return msg
}

func body(s string) *transport.Message {
	return &transport.Message{Headers: map[string]string{}, Body: []byte(s)}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	msg := body("hello")
	msg.Headers["custom"] = "value"
	sendOne(t, ctx, tr, queue, msg)

	got := receiveAck(t, ctx, tr)
	require.NotNil(t, got)
	assert.Equal(t, []byte("hello"), got.Body)
	assert.Equal(t, "value", got.Headers["custom"])

	// Acked means gone.
	assert.Nil(t, receiveAck(t, ctx, tr))
}

func TestSendBuffersUntilScopeCompletes(t *testing.T) {
	// Transaction isolation scenario: a message sent in an uncompleted
	// scope is invisible; completion publishes it.
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	scope := txscope.New()
	require.NoError(t, tr.Send(ctx, queue, body("m"), scope))

	assert.Nil(t, receiveAck(t, ctx, tr), "uncommitted send must be invisible")

	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))

	got := receiveAck(t, ctx, tr)
	require.NotNil(t, got)
	assert.Equal(t, []byte("m"), got.Body)
}

func TestAbortedScopeSendsNothing(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	scope := txscope.New()
	require.NoError(t, tr.Send(ctx, queue, body("a"), scope))
	require.NoError(t, tr.Send(ctx, queue, body("b"), scope))
	require.NoError(t, scope.Abort(ctx))
	require.NoError(t, scope.Dispose(ctx))

	assert.Nil(t, receiveAck(t, ctx, tr))
}

func TestDeferOrdering(t *testing.T) {
	// M1 (no defer), M2 (defer to now-1min), M3 (defer to now-2min):
	// ascending visible time means M3, M2, M1.
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)
	now := time.Now()

	m1 := body("M1")
	m2 := body("M2")
	m2.Headers[transport.HeaderDeferredUntil] = now.Add(-time.Minute).Format(time.RFC3339Nano)
	m3 := body("M3")
	m3.Headers[transport.HeaderDeferredUntil] = now.Add(-2 * time.Minute).Format(time.RFC3339Nano)

	sendOne(t, ctx, tr, queue, m1)
	sendOne(t, ctx, tr, queue, m2)
	sendOne(t, ctx, tr, queue, m3)

	var got []string
	for i := 0; i < 3; i++ {
		msg := receiveAck(t, ctx, tr)
		require.NotNil(t, msg)
		got = append(got, string(msg.Body))
		_, present := msg.Headers[transport.HeaderDeferredUntil]
		assert.False(t, present, "deferred-until header must be stripped")
	}
	assert.Equal(t, []string{"M3", "M2", "M1"}, got)
}

func TestDeferredMessageIsInvisibleUntilDue(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	m := body("later")
	m.Headers[transport.HeaderDeferredUntil] = time.Now().Add(2 * time.Second).Format(time.RFC3339Nano)
	sendOne(t, ctx, tr, queue, m)

	assert.Nil(t, receiveAck(t, ctx, tr), "deferred message delivered early")

	require.Eventually(t, func() bool {
		return receiveAck(t, ctx, tr) != nil
	}, 10*time.Second, 250*time.Millisecond)
}

func TestPriorityOrder(t *testing.T) {
	// 20 messages, priorities 0..19 inserted in random order, received
	// strictly priority-descending.
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	priorities := rand.Perm(20)
	for _, p := range priorities {
		m := body(strconv.Itoa(p))
		m.Headers[transport.HeaderPriority] = strconv.Itoa(p)
		sendOne(t, ctx, tr, queue, m)
	}

	for want := 19; want >= 0; want-- {
		msg := receiveAck(t, ctx, tr)
		require.NotNil(t, msg, "queue ran dry at priority %d", want)
		assert.Equal(t, strconv.Itoa(want), string(msg.Body))
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	for i := 0; i < 5; i++ {
		sendOne(t, ctx, tr, queue, body(strconv.Itoa(i)))
	}
	for i := 0; i < 5; i++ {
		msg := receiveAck(t, ctx, tr)
		require.NotNil(t, msg)
		assert.Equal(t, strconv.Itoa(i), string(msg.Body))
	}
}

func TestSendOrderWithinScopePreserved(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	scope := txscope.New()
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Send(ctx, queue, body(strconv.Itoa(i)), scope))
	}
	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))

	for i := 0; i < 10; i++ {
		msg := receiveAck(t, ctx, tr)
		require.NotNil(t, msg)
		assert.Equal(t, strconv.Itoa(i), string(msg.Body))
	}
}

func TestNackReleasesForRedelivery(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	m := body("retry-me")
	m.Headers[transport.HeaderMessageID] = "msg-1"
	sendOne(t, ctx, tr, queue, m)

	scope := txscope.New()
	got, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, scope.Abort(ctx))
	require.NoError(t, scope.Dispose(ctx))

	// The nack cleared the lease; the message comes straight back.
	require.Eventually(t, func() bool {
		again := receiveAck(t, ctx, tr)
		return again != nil && again.Headers[transport.HeaderMessageID] == "msg-1"
	}, 10*time.Second, 250*time.Millisecond)
}

func TestLeasedMessageInvisibleToOthers(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	sendOne(t, ctx, tr, queue, body("one"))

	scope := txscope.New()
	got, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, got)

	// While leased, nobody else sees it.
	assert.Nil(t, receiveAck(t, ctx, tr))

	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))
	assert.Nil(t, receiveAck(t, ctx, tr), "acked message must never come back")
}

func TestLeaseReplayAfterAckTimeout(t *testing.T) {
	// Lease replay scenario: ackTimeout 2s, handler sits on the message
	// without renewing; after the reclaim pass it is redelivered with the
	// same message id.
	tr, queue := setupTransport(t, transport.Options{
		MessageAckTimeout:              2 * time.Second,
		ExpiredMessagesCleanupInterval: 500 * time.Millisecond,
	})
	tr.Start()
	ctx := dbtest.Context(t)

	m := body("replay")
	m.Headers[transport.HeaderMessageID] = "replay-1"
	sendOne(t, ctx, tr, queue, m)

	scope := txscope.New()
	first, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Handler "hangs": no ack, no renewal. The sweeper reclaims the lease
	// once the row has been visible longer than the ack timeout.
	var second *transport.Message
	require.Eventually(t, func() bool {
		second = receiveAck(t, ctx, tr)
		return second != nil
	}, 15*time.Second, 500*time.Millisecond)

	assert.Equal(t,
		first.Headers[transport.HeaderMessageID],
		second.Headers[transport.HeaderMessageID])

	_ = scope.Dispose(ctx)
}

func TestExpiredMessagesAreSweptNotDelivered(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{
		ExpiredMessagesCleanupInterval: 500 * time.Millisecond,
	})
	tr.Start()
	ctx := dbtest.Context(t)

	m := body("short-lived")
	m.Headers[transport.HeaderTimeToBeReceived] = "1s"
	sendOne(t, ctx, tr, queue, m)

	time.Sleep(1500 * time.Millisecond)
	assert.Nil(t, receiveAck(t, ctx, tr), "TTL-expired message must not be delivered")

	// The sweeper removes the expired row itself.
	provider := dbtest.Provider(t)
	require.Eventually(t, func() bool {
		conn, err := provider.Open(ctx)
		if err != nil {
			return false
		}
		defer conn.Close()
		var count int
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM `"+queue+"`").Scan(&count); err != nil {
			return false
		}
		return count == 0
	}, 5*time.Second, 250*time.Millisecond, "sweeper must delete the expired row")
}

func TestConcurrentReceiversNeverShareARow(t *testing.T) {
	// Invariant: two concurrent receivers never return the same message.
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	const total = 40
	scope := txscope.New()
	for i := 0; i < total; i++ {
		require.NoError(t, tr.Send(ctx, queue, body(fmt.Sprintf("m-%d", i)), scope))
	}
	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))

	var mu sync.Mutex
	seen := make(map[string]int)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for {
				s := txscope.New()
				msg, err := tr.Receive(gctx, s)
				if err != nil {
					return err
				}
				if msg == nil {
					_ = s.Dispose(gctx)
					mu.Lock()
					done := len(seen) == total
					mu.Unlock()
					if done {
						return nil
					}
					time.Sleep(50 * time.Millisecond)
					continue
				}
				if err := s.Complete(gctx); err != nil {
					return err
				}
				_ = s.Dispose(gctx)
				mu.Lock()
				seen[string(msg.Body)]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
}

func TestOrderingKeyExclusivity(t *testing.T) {
	// [(k=A,1), (k=A,2), (none,3), (k=B,4)] received inside one scope
	// yields 1, 3, 4, nil; after commit the next receive yields 2.
	tr, queue := setupTransport(t, transport.Options{OrderingKeyEnabled: true})
	ctx := dbtest.Context(t)

	send := func(key, payload string) {
		m := body(payload)
		if key != "" {
			m.Headers[transport.HeaderOrderingKey] = key
		}
		sendOne(t, ctx, tr, queue, m)
	}
	send("A", "1")
	send("A", "2")
	send("", "3")
	send("B", "4")

	scope := txscope.New()
	var got []string
	for i := 0; i < 3; i++ {
		msg, err := tr.Receive(ctx, scope)
		require.NoError(t, err)
		require.NotNil(t, msg)
		got = append(got, string(msg.Body))
	}
	assert.Equal(t, []string{"1", "3", "4"}, got)

	// Message 2 is suppressed while another A is in flight.
	msg, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	assert.Nil(t, msg)

	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))

	next := receiveAck(t, ctx, tr)
	require.NotNil(t, next)
	assert.Equal(t, "2", string(next.Body))
}

func TestLeaseAutoRenewKeepsMessageClaimed(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{
		LeaseInterval:          2 * time.Second,
		LeaseTolerance:         500 * time.Millisecond,
		LeaseAutoRenewInterval: 500 * time.Millisecond,
	})
	ctx := dbtest.Context(t)

	sendOne(t, ctx, tr, queue, body("long-job"))

	scope := txscope.New()
	msg, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Hold well past the bare lease interval; renewal must keep the row
	// claimed the whole time.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		assert.Nil(t, receiveAck(t, ctx, tr), "renewed lease lost to another receiver")
		time.Sleep(500 * time.Millisecond)
	}

	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))
	assert.Nil(t, receiveAck(t, ctx, tr))
}

func TestSendOnlyTransportRejectsReceive(t *testing.T) {
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	tr, err := transport.New(ctx, provider, transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	assert.Empty(t, tr.Address())
	_, err = tr.Receive(ctx, txscope.New())
	assert.Error(t, err)
}

func TestDeferredSentinelRewritesDestination(t *testing.T) {
	tr, queue := setupTransport(t, transport.Options{})
	ctx := dbtest.Context(t)

	m := body("routed")
	m.Headers[transport.HeaderDeferredRecipient] = queue
	sendOne(t, ctx, tr, transport.MagicExternalTimeoutManagerAddress, m)

	got := receiveAck(t, ctx, tr)
	require.NotNil(t, got)
	assert.Equal(t, []byte("routed"), got.Body)
}
