// Package buffer converts between host byte slices and guest memory blocks.
//
// Outbound payloads (response bodies, socket and channel messages, SDP
// strings, error messages) are materialized into blocks from the guest
// allocator and ownership passes to the callback that receives them.
// Inbound pointers are only borrowed for the duration of the call that
// passed them in; anything kept longer is copied.
package buffer
