package healthschool

import (
	"sort"
	"sync"
)

// timelineEntry is anything stored in an orderedLog. Key identifies the entry
// and SortKey positions it. An empty Key is allowed and never indexed.
type timelineEntry interface {
	Key() string
	SortKey() string
}

type logSlot[T timelineEntry] struct {
	val  T
	dead bool
}

// orderedLog is an id-indexed sequence with tombstoned deletes. Dead slots are
// compacted once they outnumber live ones, keeping Remove O(1) amortized.
type orderedLog[T timelineEntry] struct {
	slots []logSlot[T]
	index map[string]int
	dead  int
}

const compactThreshold = 32

func newOrderedLog[T timelineEntry]() *orderedLog[T] {
	return &orderedLog[T]{index: make(map[string]int)}
}

func (l *orderedLog[T]) has(key string) bool {
	if key == "" {
		return false
	}
	_, ok := l.index[key]
	return ok
}

func (l *orderedLog[T]) get(key string) (T, bool) {
	i, ok := l.index[key]
	if !ok {
		var zero T
		return zero, false
	}
	return l.slots[i].val, true
}

// update applies fn to the live entry stored under key.
func (l *orderedLog[T]) update(key string, fn func(*T)) bool {
	i, ok := l.index[key]
	if !ok {
		return false
	}
	fn(&l.slots[i].val)
	return true
}

// append adds v at the tail. Duplicate keys are rejected.
func (l *orderedLog[T]) append(v T) bool {
	k := v.Key()
	if l.has(k) {
		return false
	}
	l.slots = append(l.slots, logSlot[T]{val: v})
	if k != "" {
		l.index[k] = len(l.slots) - 1
	}
	return true
}

// insertOrdered places v by SortKey. The log is assumed sorted, which holds
// as long as every insert goes through here.
func (l *orderedLog[T]) insertOrdered(v T) bool {
	k := v.Key()
	if k == "" {
		return l.append(v)
	}
	if l.has(k) {
		return false
	}
	sk := v.SortKey()
	n := len(l.slots)
	if n == 0 || CompareCursors(l.slots[n-1].val.SortKey(), sk) <= 0 {
		return l.append(v)
	}
	pos := sort.Search(n, func(i int) bool {
		return CompareCursors(l.slots[i].val.SortKey(), sk) > 0
	})
	l.slots = append(l.slots, logSlot[T]{})
	copy(l.slots[pos+1:], l.slots[pos:])
	l.slots[pos] = logSlot[T]{val: v}
	l.reindexFrom(pos)
	return true
}

// prepend places vs, in order, ahead of every existing entry. Keys already
// present are skipped. Returns how many were added.
func (l *orderedLog[T]) prepend(vs []T) int {
	fresh := make([]logSlot[T], 0, len(vs))
	added := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		k := v.Key()
		if k != "" {
			if l.has(k) {
				continue
			}
			if _, ok := added[k]; ok {
				continue
			}
			added[k] = struct{}{}
		}
		fresh = append(fresh, logSlot[T]{val: v})
	}
	if len(fresh) == 0 {
		return 0
	}
	l.slots = append(fresh, l.slots...)
	l.reindexFrom(0)
	return len(fresh)
}

func (l *orderedLog[T]) remove(key string) (T, bool) {
	i, ok := l.index[key]
	if !ok {
		var zero T
		return zero, false
	}
	v := l.slots[i].val
	l.slots[i].dead = true
	delete(l.index, key)
	l.dead++
	if l.dead >= compactThreshold && l.dead*2 > len(l.slots) {
		l.compact()
	}
	return v, true
}

func (l *orderedLog[T]) compact() {
	live := l.slots[:0]
	for _, s := range l.slots {
		if !s.dead {
			live = append(live, s)
		}
	}
	var zero logSlot[T]
	for i := len(live); i < len(l.slots); i++ {
		l.slots[i] = zero
	}
	l.slots = live
	l.dead = 0
	l.reindexFrom(0)
}

func (l *orderedLog[T]) reindexFrom(pos int) {
	for i := pos; i < len(l.slots); i++ {
		if l.slots[i].dead {
			continue
		}
		if k := l.slots[i].val.Key(); k != "" {
			l.index[k] = i
		}
	}
}

func (l *orderedLog[T]) len() int { return len(l.slots) - l.dead }

func (l *orderedLog[T]) snapshot() []T {
	out := make([]T, 0, l.len())
	for _, s := range l.slots {
		if !s.dead {
			out = append(out, s.val)
		}
	}
	return out
}

// ============================================================================
// NotificationTimeline
// ============================================================================

// NotificationTimeline is the ordered alarm list with its unread bookkeeping.
// AlarmStream is its only writer; readers take snapshots.
type NotificationTimeline struct {
	mu     sync.RWMutex
	log    *orderedLog[NotificationItem]
	unread *UnreadLedger
}

// NewNotificationTimeline returns an empty timeline.
func NewNotificationTimeline() *NotificationTimeline {
	return &NotificationTimeline{
		log:    newOrderedLog[NotificationItem](),
		unread: NewUnreadLedger(),
	}
}

// Insert adds item in cursor order. Returns false for a duplicate id.
func (t *NotificationTimeline) Insert(item NotificationItem) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.log.insertOrdered(item) {
		return false
	}
	t.unread.Track(item.ID, item.Read)
	return true
}

// MarkRead flags id as read. It reports whether the item was unread before,
// so the unread count dropped by exactly one. Unknown ids report false.
func (t *NotificationTimeline) MarkRead(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setRead(id, true, false)
}

// Remove deletes id from the timeline and the unread tally.
func (t *NotificationTimeline) Remove(id string) (NotificationItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.log.remove(id)
	if ok {
		t.unread.Forget(id)
	}
	return item, ok
}

// Get returns the item stored under id.
func (t *NotificationTimeline) Get(id string) (NotificationItem, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.log.get(id)
}

// Snapshot returns the visible items in order.
func (t *NotificationTimeline) Snapshot() []NotificationItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.log.snapshot()
}

// Len returns the number of visible items.
func (t *NotificationTimeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.log.len()
}

// UnreadCount returns the number of unread items.
func (t *NotificationTimeline) UnreadCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unread.Count()
}

// IsUnread reports whether id is present and unread.
func (t *NotificationTimeline) IsUnread(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unread.IsUnread(id)
}

func (t *NotificationTimeline) setRead(id string, read, pending bool) bool {
	wasUnread := false
	ok := t.log.update(id, func(n *NotificationItem) {
		wasUnread = !n.Read
		n.Read = read
		n.Pending = pending
	})
	if !ok {
		return false
	}
	t.unread.SetRead(id, read)
	return wasUnread
}

// beginMarkRead applies an optimistic read flag. prevRead is the value to
// restore on rollback.
func (t *NotificationTimeline) beginMarkRead(id string) (prevRead, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.log.get(id)
	if !ok {
		return false, false
	}
	t.setRead(id, true, true)
	return item.Read, true
}

// confirm settles a read the server accepted. It wins over any rollback of an
// overlapping request for the same id.
func (t *NotificationTimeline) confirm(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setRead(id, true, false)
}

// rollbackRead reverts a rejected read unless another request already
// settled the item.
func (t *NotificationTimeline) rollbackRead(id string, prevRead bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.log.get(id); !ok || !item.Pending {
		return
	}
	t.setRead(id, prevRead, false)
}

// restore puts back an item removed by an optimistic delete.
func (t *NotificationTimeline) restore(item NotificationItem) {
	item.Pending = false
	t.Insert(item)
}

// ============================================================================
// ChatTranscript
// ============================================================================

// ChatTranscript is a room's message list in arrival order. Chat and
// membership topics are merged as they arrive.
type ChatTranscript struct {
	mu  sync.RWMutex
	log *orderedLog[ChatEntry]
}

// NewChatTranscript returns an empty transcript.
func NewChatTranscript() *ChatTranscript {
	return &ChatTranscript{log: newOrderedLog[ChatEntry]()}
}

// Append adds e at the tail. Returns false when e.ID is already present.
func (c *ChatTranscript) Append(e ChatEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.append(e)
}

// Backfill places older history ahead of the live messages, skipping ids
// already present. Returns how many entries were added.
func (c *ChatTranscript) Backfill(entries []ChatEntry) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.prepend(entries)
}

// Snapshot returns the transcript in order.
func (c *ChatTranscript) Snapshot() []ChatEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.log.snapshot()
}

// Len returns the number of entries.
func (c *ChatTranscript) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.log.len()
}
