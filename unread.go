package ronin

import "strconv"

// badgeCap is the largest count shown literally on the app badge.
const badgeCap = 99

// UnreadTracker keeps per-conversation unread counts and the running total.
// It is not safe for concurrent use on its own: the Store owns one and only
// touches it from its run loop.
type UnreadTracker struct {
	counts map[string]int
	total  int
}

// NewUnreadTracker returns an empty tracker.
func NewUnreadTracker() *UnreadTracker {
	return &UnreadTracker{counts: make(map[string]int)}
}

// Count returns the unread count for one conversation.
func (t *UnreadTracker) Count(id string) int {
	return t.counts[id]
}

// Total returns the sum of all per-conversation counts.
func (t *UnreadTracker) Total() int {
	return t.total
}

// Increment adds one unread message to a conversation.
func (t *UnreadTracker) Increment(id string) {
	t.counts[id]++
	t.total++
}

// Set forces a conversation's count to n, adjusting the total by the delta.
func (t *UnreadTracker) Set(id string, n int) {
	if n < 0 {
		n = 0
	}
	t.total += n - t.counts[id]
	if n == 0 {
		delete(t.counts, id)
		return
	}
	t.counts[id] = n
}

// Reset clears a conversation's count, typically when it is opened.
func (t *UnreadTracker) Reset(id string) {
	t.Set(id, 0)
}

// Forget drops a conversation from the tracker entirely.
func (t *UnreadTracker) Forget(id string) {
	t.Set(id, 0)
}

// Badge renders the total for an app badge: empty when zero (the badge is
// hidden), the literal count through 99, "99+" beyond.
func (t *UnreadTracker) Badge() string {
	return FormatBadge(t.total)
}

// FormatBadge renders one unread count the way Badge does.
func FormatBadge(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > badgeCap:
		return strconv.Itoa(badgeCap) + "+"
	default:
		return strconv.Itoa(n)
	}
}
