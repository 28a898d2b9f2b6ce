package healthschool

import (
	"strconv"
	"strings"
)

const (
	// MinLedgerWindow is the smallest accepted dedupe window.
	MinLedgerWindow = 16
	// DefaultLedgerWindow is used when no window size is configured.
	DefaultLedgerWindow = 64
)

// DeliveryLedger tracks the resumption cursor and a bounded window of recently
// observed event ids. Redelivery only happens around the latest cursor, so a
// ring of the last N ids is enough to suppress duplicates.
//
// A DeliveryLedger is owned by one stream client and is not safe for
// concurrent use.
type DeliveryLedger struct {
	ring   []string
	pos    int
	count  int
	seen   map[string]struct{}
	cursor string
}

// NewDeliveryLedger returns a ledger remembering the last window ids.
// Windows below MinLedgerWindow are raised to it.
func NewDeliveryLedger(window int) *DeliveryLedger {
	if window <= 0 {
		window = DefaultLedgerWindow
	}
	if window < MinLedgerWindow {
		window = MinLedgerWindow
	}
	return &DeliveryLedger{
		ring: make([]string, window),
		seen: make(map[string]struct{}, window),
	}
}

// Observe reports whether ev should be delivered. It returns false only for an
// id already present in the recent window. Heartbeats and id-less events are
// always accepted and never recorded.
func (l *DeliveryLedger) Observe(ev StreamEvent) bool {
	if ev.IsHeartbeat() || ev.ID == "" {
		return true
	}
	if _, dup := l.seen[ev.ID]; dup {
		return false
	}

	if l.count == len(l.ring) {
		delete(l.seen, l.ring[l.pos])
	} else {
		l.count++
	}
	l.ring[l.pos] = ev.ID
	l.seen[ev.ID] = struct{}{}
	l.pos = (l.pos + 1) % len(l.ring)

	if l.cursor == "" || CompareCursors(ev.ID, l.cursor) > 0 {
		l.cursor = ev.ID
	}
	return true
}

// Cursor returns the highest id observed so far.
func (l *DeliveryLedger) Cursor() (string, bool) {
	return l.cursor, l.cursor != ""
}

// Seen reports whether id is still inside the dedupe window.
func (l *DeliveryLedger) Seen(id string) bool {
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of ids currently remembered.
func (l *DeliveryLedger) Len() int { return l.count }

// CompareCursors orders two server ids. Ids are opaque, but the alarm server
// emits either plain sequence numbers or "<seq>_<millis>" tokens, so when both
// ids carry a numeric part the numbers decide. Anything else falls back to
// byte order. Returns -1, 0 or +1.
func CompareCursors(a, b string) int {
	if a == b {
		return 0
	}
	na, oka := cursorNumber(a)
	nb, okb := cursorNumber(b)
	if oka && okb {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
	}
	return strings.Compare(a, b)
}

// cursorNumber extracts the numeric part of an id: the whole id, or the
// component after the last '_'.
func cursorNumber(id string) (uint64, bool) {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return n, true
	}
	if i := strings.LastIndexByte(id, '_'); i >= 0 && i < len(id)-1 {
		if n, err := strconv.ParseUint(id[i+1:], 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
