package core

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RoomInfo is a point-in-time copy of a room's state.
type RoomInfo struct {
	ID        string
	CreatedAt time.Time
	Members   []ConnID
	History   []MessageRecord
}

// Stats reports the size of the relay state.
type Stats struct {
	Rooms       int
	Connections int
}

// Relay owns the rooms and the connection index and applies every
// state transition under a single lock.
type Relay struct {
	mu        sync.Mutex
	rooms     *Registry
	tracker   *Tracker
	transport Transport
	logger    *slog.Logger
	now       func() time.Time
	genID     RoomIDGenerator
}

type RelayOption func(*Relay)

func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithClock replaces the clock used to timestamp messages.
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		r.now = now
	}
}

func WithRoomIDGenerator(g RoomIDGenerator) RelayOption {
	return func(r *Relay) {
		r.genID = g
	}
}

func NewRelay(transport Transport, opts ...RelayOption) (*Relay, error) {
	r := &Relay{
		tracker:   NewTracker(),
		transport: transport,
		logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.genID == nil {
		gen, err := NewRoomIDGenerator()
		if err != nil {
			return nil, err
		}
		r.genID = gen
	}
	r.rooms = NewRegistry(r.genID)
	return r, nil
}

// CreateRoom registers a new empty room.
func (r *Relay) CreateRoom() (RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, err := r.rooms.Create(r.now())
	if err != nil {
		return RoomInfo{}, err
	}
	r.logger.Info("room created", slog.String("room", room.ID), slog.Int("rooms", r.rooms.Len()))
	return snapshot(room), nil
}

// RoomExists reports whether roomID names an active room.
func (r *Relay) RoomExists(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms.Get(roomID)
	return ok
}

// Room returns a copy of the room's state.
func (r *Relay) Room(roomID string) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms.Get(roomID)
	if !ok {
		return RoomInfo{}, false
	}
	return snapshot(room), true
}

// RoomOf returns the room conn is currently joined to.
func (r *Relay) RoomOf(conn ConnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.Lookup(conn)
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Rooms: r.rooms.Len(), Connections: r.tracker.Len()}
}

// Join adds conn to the room. It returns ErrRoomNotFound or ErrRoomFull
// without changing any state when the room cannot take the connection.
// Joining again while already in a room is ignored.
func (r *Relay) Join(conn ConnID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, joined := r.tracker.Lookup(conn); joined {
		r.logger.Debug("ignoring join from joined connection",
			slog.String("connection", string(conn)),
			slog.String("room", current),
			slog.String("requested", roomID))
		return nil
	}

	room, ok := r.rooms.Get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	if room.IsFull() {
		return ErrRoomFull
	}

	room.addMember(conn)
	r.tracker.Bind(conn, room.ID)
	r.transport.Subscribe(conn, room.ID)

	history := room.History()
	if history == nil {
		history = []MessageRecord{}
	}
	r.send(conn, EventPreviousMessages, history)
	r.broadcast(room.ID, EventUserJoined, UserCountPayload{
		Message:   userJoinedMessage,
		UserCount: room.Len(),
	}, conn)
	r.send(conn, EventJoinedSuccessfully, JoinedPayload{
		RoomID:    room.ID,
		UserCount: room.Len(),
	})

	r.logger.Info("connection joined room",
		slog.String("connection", string(conn)),
		slog.String("room", room.ID),
		slog.Int("members", room.Len()))
	return nil
}

// SendMessage appends a text message to the room of conn and relays it to
// every member, the sender included. Messages from connections outside a
// room are dropped.
func (r *Relay) SendMessage(conn ConnID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.roomOf(conn)
	if !ok {
		r.logger.Debug("dropping message from unjoined connection", slog.String("connection", string(conn)))
		return
	}

	record := MessageRecord{
		Kind:      TextMessage,
		Text:      text,
		Sender:    conn,
		Timestamp: r.timestamp(room),
	}
	room.appendMessage(record)
	r.broadcast(room.ID, EventNewMessage, record)
}

// SetTyping relays a typing indicator to the other members of the room of conn.
func (r *Relay) SetTyping(conn ConnID, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.roomOf(conn)
	if !ok {
		return
	}
	t := EventUserStopTyping
	if typing {
		t = EventUserTyping
	}
	r.broadcast(room.ID, t, nil, conn)
}

// ShareFile announces an uploaded file to every member of the room.
// File records are relayed but not kept in the room history.
func (r *Relay) ShareFile(roomID string, file SharedFile) (MessageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms.Get(roomID)
	if !ok {
		return MessageRecord{}, ErrRoomNotFound
	}
	record := MessageRecord{
		Kind:      FileMessage,
		File:      &file,
		Timestamp: r.timestamp(room),
	}
	r.broadcast(room.ID, EventFileShared, record)
	return record, nil
}

// Disconnect removes conn from its room, notifies the remaining members and
// deletes the room once it is empty. It is a no-op for connections that never joined.
func (r *Relay) Disconnect(conn ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.tracker.Lookup(conn)
	r.tracker.Unbind(conn)
	if !ok {
		return
	}
	room, ok := r.rooms.Get(roomID)
	if !ok {
		return
	}

	room.removeMember(conn)
	r.transport.Unsubscribe(conn, room.ID)
	r.broadcast(room.ID, EventUserLeft, UserCountPayload{
		Message:   userLeftMessage,
		UserCount: room.Len(),
	}, conn)

	logger := r.logger.With(slog.String("connection", string(conn)), slog.String("room", room.ID))
	if room.IsEmpty() {
		r.rooms.Delete(room.ID)
		logger.Info("room deleted", slog.Int("rooms", r.rooms.Len()))
		return
	}
	logger.Info("connection left room", slog.Int("members", room.Len()))
}

// roomOf must be called with mu held.
func (r *Relay) roomOf(conn ConnID) (*Room, bool) {
	roomID, ok := r.tracker.Lookup(conn)
	if !ok {
		return nil, false
	}
	return r.rooms.Get(roomID)
}

// timestamp never goes backwards within a room, even if the wall clock does.
func (r *Relay) timestamp(room *Room) time.Time {
	now := r.now()
	if n := len(room.history); n > 0 {
		if last := room.history[n-1].Timestamp; now.Before(last) {
			return last
		}
	}
	return now
}

func (r *Relay) send(to ConnID, t EventType, payload any) {
	e, err := NewEvent(t, payload)
	if err != nil {
		r.logger.Error(fmt.Sprintf("send %s: %v", t, err))
		return
	}
	r.transport.Send(to, e)
}

func (r *Relay) broadcast(roomID string, t EventType, payload any, exclude ...ConnID) {
	e, err := NewEvent(t, payload)
	if err != nil {
		r.logger.Error(fmt.Sprintf("broadcast %s: %v", t, err))
		return
	}
	r.transport.BroadcastToRoom(roomID, e, exclude...)
}

func snapshot(room *Room) RoomInfo {
	return RoomInfo{
		ID:        room.ID,
		CreatedAt: room.CreatedAt,
		Members:   room.Members(),
		History:   room.History(),
	}
}
