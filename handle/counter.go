package handle

// Counter hands out handles shared by every table of one bridge.
// Values start at 1, strictly increase and are never reused.
type Counter struct {
	next Handle
}

// NewCounter creates a counter whose first handle is 1.
func NewCounter() *Counter {
	return &Counter{}
}

// Next returns a fresh handle.
func (c *Counter) Next() Handle {
	c.next++
	if c.next == 0 {
		// Wrapping would reuse handles still held by the guest.
		panic("handle: counter exhausted")
	}
	return c.next
}

// Last returns the most recently allocated handle, or 0.
func (c *Counter) Last() Handle {
	return c.next
}
