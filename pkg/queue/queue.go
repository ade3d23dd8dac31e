// Package queue implements ChangeQueue, QueueItem, BuildSet, and Bundle:
// the ordered, windowed sequence of items a PipelineManager drives through
// its per-item state machine.
package queue

import (
	"github.com/ridgeback/gatekeeper/pkg/change"
)

// Default window step sizes; per-queue configuration overrides them.
const (
	DefaultWindowFloor           = 1
	DefaultWindowIncrease        = 1
	DefaultWindowDecreaseFactor  = 0.5
)

// ChangeQueue is an ordered sequence of QueueItems, optionally windowed.
// A queue may be static (precomputed from configuration) or dynamic
// (created on first enqueue, destroyed by its owning pipeline when empty).
type ChangeQueue struct {
	Name                      string
	Dynamic                   bool
	AllowCircularDependencies bool

	Window              int
	WindowFloor         int
	WindowIncrease      int
	WindowDecreaseFactor float64

	items []*Item
}

// NewChangeQueue creates a queue with the given window (0 means
// unwindowed / unlimited).
func NewChangeQueue(name string, dynamic bool, window int) *ChangeQueue {
	return &ChangeQueue{
		Name:                 name,
		Dynamic:              dynamic,
		Window:               window,
		WindowFloor:          DefaultWindowFloor,
		WindowIncrease:       DefaultWindowIncrease,
		WindowDecreaseFactor: DefaultWindowDecreaseFactor,
	}
}

// Items returns the queue's items in head-to-tail order. The returned
// slice must not be mutated by the caller.
func (q *ChangeQueue) Items() []*Item {
	return q.items
}

// Len reports the number of items currently in the queue.
func (q *ChangeQueue) Len() int {
	return len(q.items)
}

// Empty reports whether the queue holds no items.
func (q *ChangeQueue) Empty() bool {
	return len(q.items) == 0
}

// EnqueueChange appends a new item for ch at the tail of the queue.
func (q *ChangeQueue) EnqueueChange(ch change.Change, live bool) *Item {
	item := NewItem(q, ch, live)
	if len(q.items) > 0 {
		tail := q.items[len(q.items)-1]
		item.ItemAhead = tail
		tail.ItemsBehind = append(tail.ItemsBehind, item)
	}
	q.items = append(q.items, item)
	return item
}

// MoveItem relocates item so its new item-ahead is targetAhead (nil makes
// it a head item with nothing ahead). The ahead/behind chain forms a
// forest: several items may simultaneously have no item ahead (e.g. a
// failing head plus an item just moved past it), and each reports
// independently once its own chain is clear.
func (q *ChangeQueue) MoveItem(item *Item, targetAhead *Item) {
	q.unlinkFromChain(item)

	item.ItemAhead = targetAhead
	if targetAhead != nil {
		targetAhead.ItemsBehind = append(targetAhead.ItemsBehind, item)
	}

	idx := q.indexOf(item)
	if idx >= 0 {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}
	if targetAhead == nil {
		q.items = append([]*Item{item}, q.items...)
	} else {
		pos := q.indexOf(targetAhead)
		rest := append([]*Item{}, q.items[pos+1:]...)
		q.items = append(q.items[:pos+1:pos+1], item)
		q.items = append(q.items, rest...)
	}
}

func (q *ChangeQueue) unlinkFromChain(item *Item) {
	if item.ItemAhead != nil {
		ahead := item.ItemAhead
		for i, behind := range ahead.ItemsBehind {
			if behind == item {
				ahead.ItemsBehind = append(ahead.ItemsBehind[:i], ahead.ItemsBehind[i+1:]...)
				break
			}
		}
	}
}

func (q *ChangeQueue) indexOf(item *Item) int {
	for i, it := range q.items {
		if it == item {
			return i
		}
	}
	return -1
}

// DequeueItem unlinks item from the queue; items behind it inherit its
// item-ahead so their chains stay intact. Returns true if the queue is
// now empty and dynamic (the owning pipeline then destroys it).
func (q *ChangeQueue) DequeueItem(item *Item) (emptyDynamic bool) {
	q.unlinkFromChain(item)
	for _, behind := range item.ItemsBehind {
		behind.ItemAhead = item.ItemAhead
		if item.ItemAhead != nil {
			item.ItemAhead.ItemsBehind = append(item.ItemAhead.ItemsBehind, behind)
		}
	}
	item.ItemsBehind = nil
	idx := q.indexOf(item)
	if idx >= 0 {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}
	return q.Dynamic && len(q.items) == 0
}

// IsActionable reports whether item is within the active window: the
// sliding cap used by dependent pipelines to limit speculative depth.
// A window of 0 means unlimited (always actionable).
func (q *ChangeQueue) IsActionable(item *Item) bool {
	if q.Window <= 0 {
		return true
	}
	for i, it := range q.items {
		if it == item {
			return i < q.Window
		}
	}
	return false
}

// IncreaseWindowSize grows the window additively on success.
func (q *ChangeQueue) IncreaseWindowSize() {
	if q.Window <= 0 {
		return
	}
	q.Window += q.WindowIncrease
}

// DecreaseWindowSize shrinks the window multiplicatively on merge failure,
// never below WindowFloor.
func (q *ChangeQueue) DecreaseWindowSize() {
	if q.Window <= 0 {
		return
	}
	next := int(float64(q.Window) * q.WindowDecreaseFactor)
	if next < q.WindowFloor {
		next = q.WindowFloor
	}
	q.Window = next
}
