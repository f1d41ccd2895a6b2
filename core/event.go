package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
)

// Event is the envelope of every frame exchanged over a connection.
type Event struct {
	Dispatcher ConnID          `json:"-"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Dispatcher: %s, Type: %s, Payload.Size: %d}", e.Dispatcher, e.Type, len(e.Payload))
}

// NewEvent marshals payload into a new event of type t.
// A nil payload produces an event without a payload.
func NewEvent(t EventType, payload any) (*Event, error) {
	e := &Event{Type: t}
	if payload == nil {
		return e, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	e.Payload = b
	return e, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// EventSource delivers inbound events and lets the router answer the dispatcher directly.
type EventSource interface {
	Receive() <-chan *Event
	Send(to ConnID, e *Event)
}

type EventHandler func(context.Context, *Event) error

// EventRouter reads events from a source and dispatches them one at a time,
// in arrival order, to the handler registered for their type.
type EventRouter struct {
	listeners map[EventType]EventHandler
	source    EventSource
	logger    *slog.Logger
	exit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewEventRouter(source EventSource, logger *slog.Logger) *EventRouter {
	return &EventRouter{
		listeners: make(map[EventType]EventHandler),
		source:    source,
		logger:    logger,
		exit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// On registers the handler for an event type. Registering a type twice panics.
func (er *EventRouter) On(t EventType, handler EventHandler) {
	if _, ok := er.listeners[t]; ok {
		panic(fmt.Sprintf("handler for %q already registered", t))
	}
	er.listeners[t] = handler
}

// Listen blocks until ctx is cancelled or Close is called.
func (er *EventRouter) Listen(ctx context.Context) {
	defer close(er.done)
	for {
		select {
		case e := <-er.source.Receive():
			er.dispatch(ctx, e)
		case <-ctx.Done():
			return
		case <-er.exit:
			return
		}
	}
}

func (er *EventRouter) dispatch(ctx context.Context, e *Event) {
	handler, ok := er.listeners[e.Type]
	if !ok {
		er.logger.Debug("dropping event without handler", slog.String("event", e.String()))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			er.logger.Error(fmt.Sprintf("%s handler panicked: %v", e.Type, r))
		}
	}()

	err := handler(ctx, e)
	if err == nil {
		return
	}

	var relayErr *Error
	if errors.As(err, &relayErr) && !relayErr.Sensitive {
		er.logger.Debug(fmt.Sprintf("%s rejected: %v", e.Type, err), slog.String("connection", string(e.Dispatcher)))
		reply, encErr := NewEvent(EventError, relayErr.Error())
		if encErr != nil {
			er.logger.Error(encErr.Error())
			return
		}
		er.source.Send(e.Dispatcher, reply)
		return
	}

	handlerFn := runtime.FuncForPC(reflect.ValueOf(handler).Pointer())
	er.logger.Error(fmt.Sprintf("%s handler: %v", e.Type, err), slog.String("handler", handlerFn.Name()))
}

// Close stops the listen loop and waits for the in-flight event to finish.
func (er *EventRouter) Close(ctx context.Context) error {
	er.closeOnce.Do(func() { close(er.exit) })
	select {
	case <-er.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
