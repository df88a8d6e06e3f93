package delivery

import "sync"

// tracker orders batch completions. Batches are tracked in submission
// order and may resolve in any order; the checkpoint only moves when the
// oldest unresolved batch resolves, and then jumps to the newest batch of
// the resolved run behind it.
//
// Resolved nodes fold their payload into their predecessor, so the list
// only ever holds unresolved batches.
type node[T any] struct {
	payload    T
	prev, next *node[T]
}

type tracker[T any] struct {
	mu         sync.Mutex
	cp         T
	advanced   bool
	start, end *node[T]
	pending    int
}

func newTracker[T any]() *tracker[T] { return &tracker[T]{} }

// Track appends p. The returned resolve func must be called exactly once;
// it reports the new checkpoint when this resolution advanced it.
func (t *tracker[T]) Track(p T) (resolve func() (T, bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &node[T]{payload: p}
	if t.start == nil {
		t.start = n
	}
	if t.end != nil {
		n.prev = t.end
		t.end.next = n
	}
	t.end = n
	t.pending++

	return func() (T, bool) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.pending--
		moved := false
		if n.prev != nil {
			// the predecessor now stands for everything up to n
			n.prev.payload = n.payload
			n.prev.next = n.next
		} else {
			t.cp, t.advanced, moved = n.payload, true, true
			t.start = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			t.end = n.prev
		}
		return t.cp, moved
	}
}

// Pending is the number of unresolved batches.
func (t *tracker[T]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Checkpoint is the payload of the newest batch in the resolved prefix.
func (t *tracker[T]) Checkpoint() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp, t.advanced
}
