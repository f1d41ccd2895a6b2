package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 64 * 1024
)

type ConnIDGenerator interface {
	Generate(r *http.Request) (ConnID, error)
}

// UUIDConnIDGenerator hands out random uuid handles.
type UUIDConnIDGenerator struct{}

func (UUIDConnIDGenerator) Generate(_ *http.Request) (ConnID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return ConnID(id.String()), nil
}

// ConnManager accepts websocket connections, funnels their events into a
// single stream and delivers outbound events to connections and room groups.
type ConnManager struct {
	conns   *SyncMap[ConnID, *Conn]
	groups  map[string]map[ConnID]struct{}
	groupMu sync.RWMutex

	connWg  sync.WaitGroup
	context context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	idGenerator        ConnIDGenerator
	onConnectionOpened func(ConnID)

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	maxMessageSize  int64
	ReadStreamSize  int
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func WithConnIDGenerator(g ConnIDGenerator) ManagerOption {
	return func(m *ConnManager) {
		m.idGenerator = g
	}
}

func WithMaxMessageSize(n int64) ManagerOption {
	return func(m *ConnManager) {
		m.maxMessageSize = n
	}
}

// WithStreamSizes sets the capacity of the inbound event stream and of each
// connection's write queue.
func WithStreamSizes(read, write int) ManagerOption {
	return func(m *ConnManager) {
		m.ReadStreamSize = read
		m.WriteStreamSize = write
	}
}

func NewConnManager(ctx context.Context, opts ...ManagerOption) *ConnManager {
	ctx, cancel := context.WithCancel(ctx)
	m := &ConnManager{
		conns:           NewSyncMap[ConnID, *Conn](),
		groups:          make(map[string]map[ConnID]struct{}),
		context:         ctx,
		cancel:          cancel,
		logger:          slog.New(slog.NewTextHandler(os.Stderr, nil)),
		idGenerator:     UUIDConnIDGenerator{},
		upgrader:        defaultUpgrader,
		maxMessageSize:  defaultMaxMessageSize,
		ReadStreamSize:  100,
		WriteStreamSize: 100,
		onConnectionOpened: func(ConnID) {
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)

	return m
}

// Receive returns the stream of events read from every connection,
// including the synthesized disconnect events.
func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

func (m *ConnManager) OnConnectionOpened(f func(ConnID)) {
	m.onConnectionOpened = f
}

func (m *ConnManager) IsConnected(id ConnID) bool {
	_, ok := m.conns.Load(id)
	return ok
}

// Len returns the number of open connections.
func (m *ConnManager) Len() int {
	return m.conns.Len()
}

// Connect upgrades the request and starts serving the connection.
func (m *ConnManager) Connect(w http.ResponseWriter, r *http.Request) error {
	if m.context.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return m.context.Err()
	}

	id, err := m.idGenerator.Generate(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return err
	}

	// Upgrade replies with an HTTP error on failure.
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	conn.SetReadLimit(m.maxMessageSize)

	wsConn := &Conn{
		ID:          id,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("connection", string(id))),
		notifyDisconnect: func() {
			m.disconnect(id)
		},
	}
	m.conns.Store(id, wsConn)

	m.connWg.Add(2)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	wsConn.logger.Info("connection opened")
	m.onConnectionOpened(id)
	return nil
}

// ServeHTTP lets the manager be mounted directly as a websocket endpoint.
func (m *ConnManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := m.Connect(w, r); err != nil {
		m.logger.Debug(fmt.Sprintf("connect: %v", err))
	}
}

// disconnect removes the connection, drops its group subscriptions and
// emits a disconnect event for it. It runs when the read loop exits, after
// every event read from the connection has been queued. It is safe to call
// more than once.
func (m *ConnManager) disconnect(id ConnID) {
	conn, ok := m.conns.LoadAndDelete(id)
	if !ok {
		return
	}
	conn.close()

	m.groupMu.Lock()
	for roomID, members := range m.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(m.groups, roomID)
		}
	}
	m.groupMu.Unlock()

	conn.logger.Info("connection closed")

	select {
	case m.receivedEvent <- &Event{Type: EventDisconnect, Dispatcher: id}:
	case <-m.context.Done():
	}
}

func (m *ConnManager) Send(to ConnID, e *Event) {
	conn, ok := m.conns.Load(to)
	if !ok {
		return
	}
	m.sendOrDisconnect(conn, e)
}

func (m *ConnManager) Subscribe(id ConnID, roomID string) {
	m.groupMu.Lock()
	defer m.groupMu.Unlock()
	members, ok := m.groups[roomID]
	if !ok {
		members = make(map[ConnID]struct{})
		m.groups[roomID] = members
	}
	members[id] = struct{}{}
}

func (m *ConnManager) Unsubscribe(id ConnID, roomID string) {
	m.groupMu.Lock()
	defer m.groupMu.Unlock()
	members, ok := m.groups[roomID]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(m.groups, roomID)
	}
}

func (m *ConnManager) BroadcastToRoom(roomID string, e *Event, exclude ...ConnID) {
	m.groupMu.RLock()
	targets := make([]ConnID, 0, len(m.groups[roomID]))
	for id := range m.groups[roomID] {
		if !slices.Contains(exclude, id) {
			targets = append(targets, id)
		}
	}
	m.groupMu.RUnlock()

	for _, id := range targets {
		m.Send(id, e)
	}
}

// sendOrDisconnect drops connections that cannot keep up with their write queue.
// Only the socket is closed here. The disconnect event comes from the read
// loop once it stops, never ahead of an event the client already sent.
func (m *ConnManager) sendOrDisconnect(conn *Conn, e *Event) {
	if conn.trySend(e) {
		return
	}
	if conn.drop() {
		conn.logger.Warn("write queue full, disconnecting", slog.String("event", string(e.Type)))
	}
}

// Close closes every connection and waits for their loops to exit.
func (m *ConnManager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close connections: %w", ctx.Err())
	}
}
