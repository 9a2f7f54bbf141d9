package eventloop

// Chain runs asynchronous operations of one object strictly one after the
// other, in the order they were enqueued.
//
// An operation receives a next function that it must call, on the loop,
// when it has finished. A Chain is owned by the loop goroutine.
type Chain struct {
	ops     []func(next func())
	running bool
	closed  bool
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Enqueue appends op and starts it if the chain is idle.
func (c *Chain) Enqueue(op func(next func())) {
	if c.closed {
		return
	}
	c.ops = append(c.ops, op)
	if !c.running {
		c.advance()
	}
}

// Len returns the number of operations waiting or running.
func (c *Chain) Len() int {
	n := len(c.ops)
	if c.running {
		n++
	}
	return n
}

// Close discards queued operations. The running operation, if any, is left
// to finish but nothing starts after it.
func (c *Chain) Close() {
	c.closed = true
	c.ops = nil
}

func (c *Chain) advance() {
	if c.closed || len(c.ops) == 0 {
		c.running = false
		return
	}
	op := c.ops[0]
	c.ops[0] = nil
	c.ops = c.ops[1:]
	c.running = true

	called := false
	op(func() {
		if called {
			return
		}
		called = true
		c.advance()
	})
}
