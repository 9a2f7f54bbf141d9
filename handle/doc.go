// Package handle provides the integer handle tables shared by the bridge.
//
// A Counter is owned by one bridge instance and shared by all of its tables,
// so a handle identifies at most one object across every kind:
//
//	c := handle.NewCounter()
//	sockets := handle.NewTable[*socket](handle.KindWebSocket, c)
//	peers := handle.NewTable[*peer](handle.KindPeerConnection, c)
//
// Handles are never recycled. A late completion that names a removed handle
// can only miss, never hit a newer object.
package handle
