package core

import "errors"

type Error struct {
	msg string
	// Sensitive marks errors that must not be reported to the client.
	// Insensitive errors are sent back to the dispatching connection as an error event.
	Sensitive bool
}

func NewSensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: true}
}

func NewInsensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: false}
}

func (e *Error) Error() string {
	return e.msg
}

var (
	// ErrRoomNotFound is returned when the room does not exist or has already been deleted.
	ErrRoomNotFound = NewInsensitiveError("Room not found")
	// ErrRoomFull is returned when the room already holds the maximum number of members.
	ErrRoomFull = NewInsensitiveError("Room is full")

	ErrSweeperRunning = errors.New("sweeper already running")
	ErrSweeperStopped = errors.New("sweeper not running")
)
