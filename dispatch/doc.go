// Package dispatch invokes guest callbacks.
//
// Guests register callbacks as function-table indices. The Dispatcher wraps
// each index in a typed Go closure that encodes its arguments as i32 values
// and calls the matching dynCall export through an Invoker:
//
//	onMessage := d.Message(fn)
//	onMessage(ptr, n, userCtx) // dynCall_viii(fn, ptr, n, userCtx)
//
// The bridge itself only sees the closure types, so native embeddings can
// supply plain Go functions instead.
package dispatch
