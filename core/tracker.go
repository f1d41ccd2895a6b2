package core

// Tracker maps each joined connection to the room it occupies.
// It is not safe for concurrent use; the Relay serializes access to it.
type Tracker struct {
	rooms map[ConnID]string
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[ConnID]string)}
}

// Bind records the room of conn, replacing any previous binding.
func (t *Tracker) Bind(conn ConnID, roomID string) {
	t.rooms[conn] = roomID
}

func (t *Tracker) Lookup(conn ConnID) (string, bool) {
	roomID, ok := t.rooms[conn]
	return roomID, ok
}

// Unbind removes the binding of conn, if any.
func (t *Tracker) Unbind(conn ConnID) {
	delete(t.rooms, conn)
}

func (t *Tracker) Len() int {
	return len(t.rooms)
}
