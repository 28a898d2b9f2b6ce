package healthschool

// UnreadLedger keeps the unread set of a notification timeline. The count is
// adjusted in the same call that changes an item's read flag, so it is never
// derived from a stale snapshot.
type UnreadLedger struct {
	unread map[string]struct{}
}

// NewUnreadLedger returns an empty ledger.
func NewUnreadLedger() *UnreadLedger {
	return &UnreadLedger{unread: make(map[string]struct{})}
}

// Track registers a new item with its initial read flag.
func (u *UnreadLedger) Track(id string, read bool) {
	u.SetRead(id, read)
}

// SetRead records the read flag of id and returns the change in the unread
// count (-1, 0 or +1).
func (u *UnreadLedger) SetRead(id string, read bool) int {
	_, was := u.unread[id]
	switch {
	case read && was:
		delete(u.unread, id)
		return -1
	case !read && !was:
		u.unread[id] = struct{}{}
		return 1
	}
	return 0
}

// Forget drops id, e.g. after a delete.
func (u *UnreadLedger) Forget(id string) {
	delete(u.unread, id)
}

// IsUnread reports whether id is tracked as unread.
func (u *UnreadLedger) IsUnread(id string) bool {
	_, ok := u.unread[id]
	return ok
}

// Count returns the number of unread items.
func (u *UnreadLedger) Count() int { return len(u.unread) }
