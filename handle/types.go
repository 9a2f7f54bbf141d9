package handle

// Handle is an opaque reference to a bridged object.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Kind names the object family stored in a table.
type Kind string

const (
	KindHTTPRequest    Kind = "http_request"
	KindWebSocket      Kind = "websocket"
	KindPeerConnection Kind = "peer_connection"
	KindDataChannel    Kind = "data_channel"
)

// EventType identifies a table lifecycle notification.
type EventType uint8

const (
	EventRegistered EventType = iota
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event represents a handle lifecycle event.
type Event struct {
	Kind   Kind
	Handle Handle
	Type   EventType
}

// Observer receives notifications about handle lifecycle events.
type Observer interface {
	OnHandleEvent(Event)
}
