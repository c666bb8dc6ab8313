package frontier

import (
	"time"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

type item struct {
	entry   crawler.FrontierEntry
	index   int
	delayed bool
}

// byKey orders entries by (-priority, discovered_at, seq).
func byKey(a, b *item) bool {
	if a.entry.Priority != b.entry.Priority {
		return a.entry.Priority > b.entry.Priority
	}
	if !a.entry.DiscoveredAt.Equal(b.entry.DiscoveredAt) {
		return a.entry.DiscoveredAt.Before(b.entry.DiscoveredAt)
	}
	return a.entry.Seq < b.entry.Seq
}

// byEligible orders delayed retries by when they may run.
func byEligible(a, b *item) bool {
	if !a.entry.NextEligibleAt.Equal(b.entry.NextEligibleAt) {
		return a.entry.NextEligibleAt.Before(b.entry.NextEligibleAt)
	}
	return byKey(a, b)
}

// itemHeap implements heap.Interface over items with a pluggable order.
type itemHeap struct {
	items []*item
	less  func(a, b *item) bool
}

func (h *itemHeap) Len() int           { return len(h.items) }
func (h *itemHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item) //nolint:forcetypeassert
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	return it
}

func (h *itemHeap) peek() *item {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

type placement int

const (
	placedNone placement = iota
	placedReady
	placedWaiting
)

// hostQueue holds one host's pending entries. Entries whose own retry delay
// has not passed sit in delayed until promoted.
type hostQueue struct {
	host    string
	ready   itemHeap
	delayed itemHeap
	where   placement
	index   int
	wakeAt  time.Time
}

func newHostQueue(host string) *hostQueue {
	return &hostQueue{
		host:    host,
		ready:   itemHeap{less: byKey},
		delayed: itemHeap{less: byEligible},
		index:   -1,
	}
}

func (q *hostQueue) size() int { return q.ready.Len() + q.delayed.Len() }

// hostHeap orders host queues with a pluggable comparison.
type hostHeap struct {
	queues []*hostQueue
	less   func(a, b *hostQueue) bool
}

func (h *hostHeap) Len() int           { return len(h.queues) }
func (h *hostHeap) Less(i, j int) bool { return h.less(h.queues[i], h.queues[j]) }
func (h *hostHeap) Swap(i, j int) {
	h.queues[i], h.queues[j] = h.queues[j], h.queues[i]
	h.queues[i].index = i
	h.queues[j].index = j
}

func (h *hostHeap) Push(x any) {
	q := x.(*hostQueue) //nolint:forcetypeassert
	q.index = len(h.queues)
	h.queues = append(h.queues, q)
}

func (h *hostHeap) Pop() any {
	old := h.queues
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.index = -1
	h.queues = old[:n-1]
	return q
}

// byHead orders eligible hosts by their best ready entry.
func byHead(a, b *hostQueue) bool {
	return byKey(a.ready.peek(), b.ready.peek())
}

func byWake(a, b *hostQueue) bool {
	if !a.wakeAt.Equal(b.wakeAt) {
		return a.wakeAt.Before(b.wakeAt)
	}
	return a.host < b.host
}
