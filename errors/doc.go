// Package errors provides structured error types for the bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Error type carries the bridge handle involved, a detail
// message and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseHTTP, errors.KindTransport).
//		Handle(7).
//		Detail("fetch %s", url).
//		Cause(err).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.InvalidHandle(errors.PhaseWebRTC, h)
//	err := errors.OutOfBounds(errors.PhaseMemory, ptr, n)
//
// The bridge core never returns these errors to the guest. They appear on
// setup paths (configuration, loading, instantiation) and in logs.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
