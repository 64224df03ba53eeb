// Package transport implements the MySQL-backed queue transport: one
// table per logical queue, buffered transactional send, lease-based
// receive with priority and visibility ordering, and background
// expiration/reclaim sweeping.
package transport

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sqlbus/sqlbus/internal/mysqlerr"
)

// Reserved header keys.
const (
	// HeaderMessageID carries an opaque message identifier.
	HeaderMessageID = "rbs2-msg-id"
	// HeaderPriority is an integer; higher is delivered first.
	HeaderPriority = "rbs2-msg-priority"
	// HeaderDeferredUntil is an ISO-8601 instant before which the message
	// is invisible. Stripped before the row is written.
	HeaderDeferredUntil = "rbs2-deferred-until"
	// HeaderDeferredRecipient names the real destination of a message sent
	// to the timeout-manager sentinel address.
	HeaderDeferredRecipient = "rbs2-deferred-recipient"
	// HeaderTimeToBeReceived is a duration after which the message is
	// garbage ("48h", "1h30m").
	HeaderTimeToBeReceived = "rbs2-time-to-be-received"
	// HeaderOrderingKey tags messages that must be processed serially per
	// key across the fleet. Always removed from the serialized headers; the
	// value is written to the ordering_key column only when the sending
	// transport has the feature enabled.
	HeaderOrderingKey = "rbs2-ordering-key"
)

// MagicExternalTimeoutManagerAddress is the sentinel destination used for
// deferred messages routed through an external timeout manager. Matched
// case-insensitively.
const MagicExternalTimeoutManagerAddress = "##### MagicExternalTimeoutManagerAddress #####"

// defaultTTL applies when a message carries no time-to-be-received header.
const defaultTTL = time.Duration(math.MaxInt32) * time.Second

// Message is a transport message: a flat header map plus an opaque body.
type Message struct {
	Headers map[string]string
	Body    []byte
}

// Clone returns a deep copy; mutating the copy's headers leaves m intact.
func (m *Message) Clone() *Message {
	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return &Message{Headers: headers, Body: body}
}

// encodeHeaders serializes the header map. The wire form is opaque to the
// database and to recipients; both ends use this codec.
func encodeHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return b, nil
}

func decodeHeaders(b []byte) (map[string]string, error) {
	headers := make(map[string]string)
	if len(b) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(b, &headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return headers, nil
}

// outgoingRow is a message resolved for insertion: destination rewriting
// done, reserved headers interpreted and stripped.
type outgoingRow struct {
	destination     string
	headers         []byte
	body            []byte
	priority        int
	visibilityDelay time.Duration
	ttl             time.Duration
	orderingKey     string // empty means NULL
}

// resolveOutgoing validates msg against the reserved headers and produces
// the row to insert. now anchors deferral arithmetic.
func resolveOutgoing(destination string, msg *Message, now time.Time) (*outgoingRow, error) {
	m := msg.Clone()

	row := &outgoingRow{ttl: defaultTTL}

	if raw, ok := m.Headers[HeaderPriority]; ok {
		p, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, mysqlerr.Malformedf("priority header %q is not an integer", raw)
		}
		row.priority = p
	}

	if raw, ok := m.Headers[HeaderTimeToBeReceived]; ok {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return nil, mysqlerr.Malformedf("time-to-be-received header %q is not a positive duration", raw)
		}
		row.ttl = ttl
	}

	if raw, ok := m.Headers[HeaderDeferredUntil]; ok {
		until, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, mysqlerr.Malformedf("deferred-until header %q is not an ISO-8601 instant", raw)
		}
		row.visibilityDelay = until.Sub(now)
		// The deferral is realized by the visible column; recipients never
		// see the header.
		delete(m.Headers, HeaderDeferredUntil)
	}

	if strings.EqualFold(destination, MagicExternalTimeoutManagerAddress) {
		recipient, ok := m.Headers[HeaderDeferredRecipient]
		if !ok || recipient == "" {
			return nil, mysqlerr.Malformedf("deferred message carries no %s header", HeaderDeferredRecipient)
		}
		destination = recipient
	}
	row.destination = destination

	if key, ok := m.Headers[HeaderOrderingKey]; ok {
		row.orderingKey = key
		delete(m.Headers, HeaderOrderingKey)
	}

	headers, err := encodeHeaders(m.Headers)
	if err != nil {
		return nil, err
	}
	row.headers = headers
	row.body = m.Body
	return row, nil
}
