package core

// ConnID is the opaque handle the transport assigns to a connection.
type ConnID string

// Transport delivers relay events to connections.
// Implementations must not block: slow receivers lose events.
type Transport interface {
	// Send delivers e to a single connection.
	Send(to ConnID, e *Event)
	// Subscribe adds conn to the broadcast group of roomID.
	Subscribe(conn ConnID, roomID string)
	// Unsubscribe removes conn from the broadcast group of roomID.
	Unsubscribe(conn ConnID, roomID string)
	// BroadcastToRoom delivers e to every subscriber of roomID except the excluded connections.
	BroadcastToRoom(roomID string, e *Event, exclude ...ConnID)
}
