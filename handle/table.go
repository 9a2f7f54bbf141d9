package handle

// Table maps handles of one kind to live objects.
//
// Tables are not safe for concurrent use. Every table of a bridge is owned
// by the event loop goroutine.
type Table[T any] struct {
	counter   *Counter
	entries   map[Handle]T
	kind      Kind
	observers []subscription
	nextSub   uint64
}

type subscription struct {
	id uint64
	o  Observer
}

// NewTable creates a table drawing handles from c.
func NewTable[T any](kind Kind, c *Counter) *Table[T] {
	return &Table[T]{
		counter: c,
		entries: make(map[Handle]T),
		kind:    kind,
	}
}

// Kind returns the object family of this table.
func (t *Table[T]) Kind() Kind {
	return t.kind
}

// Register stores v under a fresh handle.
func (t *Table[T]) Register(v T) Handle {
	h := t.counter.Next()
	t.entries[h] = v
	t.notify(Event{Kind: t.kind, Handle: h, Type: EventRegistered})
	return h
}

// Lookup retrieves the object for h.
func (t *Table[T]) Lookup(h Handle) (T, bool) {
	v, ok := t.entries[h]
	return v, ok
}

// Remove detaches h and returns its object.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	v, ok := t.entries[h]
	if !ok {
		return v, false
	}
	delete(t.entries, h)
	t.notify(Event{Kind: t.kind, Handle: h, Type: EventRemoved})
	return v, true
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	return len(t.entries)
}

// Each calls fn for every live entry until fn returns false.
// Order is unspecified. fn must not register or remove entries.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	for h, v := range t.entries {
		if !fn(h, v) {
			return
		}
	}
}

// Handles returns a snapshot of the live handles.
func (t *Table[T]) Handles() []Handle {
	out := make([]Handle, 0, len(t.entries))
	for h := range t.entries {
		out = append(out, h)
	}
	return out
}

// Subscribe adds an observer for lifecycle events and returns a function
// that removes it. Observers need not be comparable; the same observer may
// be subscribed more than once, and each cancel removes its own entry.
func (t *Table[T]) Subscribe(o Observer) (cancel func()) {
	t.nextSub++
	id := t.nextSub
	t.observers = append(t.observers, subscription{id: id, o: o})
	return func() {
		for i, sub := range t.observers {
			if sub.id == id {
				t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

func (t *Table[T]) notify(e Event) {
	for _, sub := range t.observers {
		sub.o.OnHandleEvent(e)
	}
}
