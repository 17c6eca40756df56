package queue

// Ring is a fixed-capacity circular FIFO of items.
// When full, Push evicts the oldest item to admit the new one, so memory stays
// bounded and producers are never refused.
//
// Ring has no locking: it must be owned by a single goroutine.
type Ring struct {
	items []*Item
	head  int // next write position
	tail  int // oldest item
	count int
}

// New creates a ring holding at most capacity items. Capacities below 1 are raised to 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	queueCapacity.Set(float64(capacity))
	return &Ring{items: make([]*Item, capacity)}
}

// Push admits item at the newest end. If the ring is full the oldest item is
// evicted first and returned; otherwise evicted is nil.
func (r *Ring) Push(item *Item) (evicted *Item) {
	if r.count == len(r.items) {
		evicted = r.items[r.tail]
		r.items[r.tail] = nil
		r.tail = (r.tail + 1) % len(r.items)
		r.count--
		queueEvictionsTotal.Inc()
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.count++

	queuePushTotal.Inc()
	queueSize.Set(float64(r.count))
	return evicted
}

// Pop removes and returns the oldest item. ok is false when the ring is empty.
func (r *Ring) Pop() (item *Item, ok bool) {
	if r.count == 0 {
		return nil, false
	}
	item = r.items[r.tail]
	r.items[r.tail] = nil // allow GC to collect the item
	r.tail = (r.tail + 1) % len(r.items)
	r.count--

	queueSize.Set(float64(r.count))
	return item, true
}

// Drain removes every item, oldest first.
func (r *Ring) Drain() []*Item {
	out := make([]*Item, 0, r.count)
	for {
		item, ok := r.Pop()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

// Len returns the number of items currently held.
func (r *Ring) Len() int {
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.items)
}
