package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jaevor/go-nanoid"
)

const (
	// MaxRoomMembers is the capacity of a room.
	MaxRoomMembers = 2

	roomIDAlphabet = "0123456789abcdef"
	roomIDLength   = 8
	// maxRoomIDAttempts bounds the retries on an id that is already taken.
	maxRoomIDAttempts = 5
)

var errRoomIDExhausted = errors.New("no free room id")

// MessageKind determines how a message record should be interpreted.
type MessageKind string

const (
	TextMessage MessageKind = "text"
	FileMessage MessageKind = "file"
)

// SharedFile is the metadata of an uploaded file announced to a room.
type SharedFile struct {
	Name        string
	Size        int64
	DownloadURL string
}

// MessageRecord is an immutable message accepted by the relay.
type MessageRecord struct {
	Kind      MessageKind
	Text      string
	File      *SharedFile
	Sender    ConnID
	Timestamp time.Time
}

type textRecordJSON struct {
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
	Sender    ConnID      `json:"sender"`
	Type      MessageKind `json:"type"`
}

func (m MessageRecord) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case TextMessage:
		return json.Marshal(textRecordJSON{
			Message:   m.Text,
			Timestamp: m.Timestamp,
			Sender:    m.Sender,
			Type:      m.Kind,
		})
	case FileMessage:
		if m.File == nil {
			return nil, errors.New("file record without file")
		}
		return json.Marshal(FileSharedPayload{
			Type:        m.Kind,
			FileName:    m.File.Name,
			FileSize:    m.File.Size,
			DownloadURL: m.File.DownloadURL,
			Timestamp:   m.Timestamp,
			Sender:      fileShareSender,
		})
	default:
		return nil, fmt.Errorf("unknown message kind %q", m.Kind)
	}
}

// Room is a chat session for at most MaxRoomMembers connections.
// Rooms are not safe for concurrent use; they are owned by the Relay.
type Room struct {
	ID        string
	CreatedAt time.Time
	members   []ConnID
	history   []MessageRecord
}

// Members returns the members in join order.
func (r *Room) Members() []ConnID {
	return slices.Clone(r.members)
}

// History returns the accepted messages in acceptance order.
func (r *Room) History() []MessageRecord {
	return slices.Clone(r.history)
}

func (r *Room) Len() int {
	return len(r.members)
}

func (r *Room) IsFull() bool {
	return len(r.members) >= MaxRoomMembers
}

func (r *Room) IsEmpty() bool {
	return len(r.members) == 0
}

func (r *Room) hasMember(conn ConnID) bool {
	return slices.Contains(r.members, conn)
}

func (r *Room) addMember(conn ConnID) {
	if r.hasMember(conn) {
		return
	}
	r.members = append(r.members, conn)
}

func (r *Room) removeMember(conn ConnID) bool {
	i := slices.Index(r.members, conn)
	if i < 0 {
		return false
	}
	r.members = slices.Delete(r.members, i, i+1)
	return true
}

func (r *Room) appendMessage(m MessageRecord) {
	r.history = append(r.history, m)
}

// RoomIDGenerator returns a new candidate room id on every call.
type RoomIDGenerator func() string

// NewRoomIDGenerator returns a generator of 8 character lowercase hex tokens.
func NewRoomIDGenerator() (RoomIDGenerator, error) {
	gen, err := nanoid.CustomASCII(roomIDAlphabet, roomIDLength)
	if err != nil {
		return nil, fmt.Errorf("room id generator: %w", err)
	}
	return gen, nil
}

// Registry is the table of active rooms.
// It is not safe for concurrent use; the Relay serializes access to it.
type Registry struct {
	rooms    map[string]*Room
	generate RoomIDGenerator
}

func NewRegistry(generate RoomIDGenerator) *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		generate: generate,
	}
}

// Create inserts an empty room under a fresh id.
func (reg *Registry) Create(now time.Time) (*Room, error) {
	for i := 0; i < maxRoomIDAttempts; i++ {
		id := reg.generate()
		if _, taken := reg.rooms[id]; taken {
			continue
		}
		room := &Room{ID: id, CreatedAt: now}
		reg.rooms[id] = room
		return room, nil
	}
	return nil, fmt.Errorf("create room after %d attempts: %w", maxRoomIDAttempts, errRoomIDExhausted)
}

// Get returns the room with the given id. A missing room is not an error.
func (reg *Registry) Get(id string) (*Room, bool) {
	room, ok := reg.rooms[id]
	return room, ok
}

// Delete removes the room. Deleting a missing room is a no-op.
func (reg *Registry) Delete(id string) {
	delete(reg.rooms, id)
}

func (reg *Registry) Len() int {
	return len(reg.rooms)
}
