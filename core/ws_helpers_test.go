package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

type wsState int64

const (
	wsOpening wsState = iota
	wsOpened
	wsClosing
	wsClosed
)

type wsFixture struct {
	server   *httptest.Server
	clients  []*testWSClient
	t        *testing.T
	clientWg sync.WaitGroup
	logger   *slog.Logger
	cm       *ConnManager
}

func setUpWSFixture(t *testing.T, nClients int, opts ...ManagerOption) *wsFixture {
	f := &wsFixture{
		t:      t,
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}

	opts = append([]ManagerOption{
		WithConnIDGenerator(&queryConnIDGenerator{}),
		WithLogger(f.logger.WithGroup("server")),
	}, opts...)
	f.cm = NewConnManager(context.Background(), opts...)
	f.server = httptest.NewServer(f.cm)

	clientLogger := f.logger.WithGroup("client")
	for i := 0; i < nClients; i++ {
		id := ConnID(fmt.Sprintf("client-%d", i))
		f.clients = append(f.clients, newTestWSClient(id, clientLogger.With(slog.String("id", string(id)))))
	}
	return f
}

func (f *wsFixture) connectClientsToServer() {
	url := getWSURLFromHTTPURL(f.server.URL)
	var connectWg sync.WaitGroup
	for _, client := range f.clients {
		connectWg.Add(1)
		go func(client *testWSClient) {
			defer connectWg.Done()
			err := client.Connect(url)
			require.NoErrorf(f.t, err, "client %s: failed to connect to server", client.id)
			f.clientWg.Add(1)
			go func() {
				defer f.clientWg.Done()
				client.readLoop()
			}()
		}(client)
	}

	waitOrTimeout(f.t, func() {
		connectWg.Wait()
	}, baseTimeout, "Timeout waiting for clients to open connection")
}

func (f *wsFixture) waitForAllClientsToConnect() {
	require.Eventually(f.t, func() bool {
		return f.cm.Len() == len(f.clients)
	}, baseTimeout, baseTimeout/20, "Timeout waiting for connection to be added to the manager")
}

// nextServerEvent reads the next event the manager received from any client.
func (f *wsFixture) nextServerEvent() *Event {
	select {
	case e := <-f.cm.Receive():
		return e
	case <-time.After(baseTimeout):
		require.FailNow(f.t, "timeout waiting for server to receive event")
		return nil
	}
}

func (f *wsFixture) tearDown() {
	for _, client := range f.clients {
		client.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	f.cm.Close(ctx)
	f.server.Close()
	waitOrTimeout(f.t, f.clientWg.Wait, baseTimeout, "Timeout waiting for client read loops to stop")
}

type testWSClient struct {
	conn   *websocket.Conn
	id     ConnID
	events chan *Event
	state  atomic.Int64
	logger *slog.Logger
}

func newTestWSClient(id ConnID, logger *slog.Logger) *testWSClient {
	return &testWSClient{
		id:     id,
		events: make(chan *Event, 100),
		logger: logger,
	}
}

func (c *testWSClient) UpdateState(state wsState) {
	c.state.Store(int64(state))
}

func (c *testWSClient) State() wsState {
	return wsState(c.state.Load())
}

func (c *testWSClient) Connect(_url string) error {
	c.UpdateState(wsOpening)
	url, err := url.Parse(_url)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	query := url.Query()
	query.Set("id", string(c.id))
	url.RawQuery = query.Encode()

	conn, res, err := websocket.DefaultDialer.Dial(url.String(), nil)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	c.conn = conn
	c.UpdateState(wsOpened)
	return nil
}

func (c *testWSClient) Emit(t EventType, payload any) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(e)
}

// SendRaw writes a text frame as is.
func (c *testWSClient) SendRaw(b []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *testWSClient) readLoop() {
	defer func() {
		c.conn.Close()
		c.UpdateState(wsClosed)
	}()
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && c.State() != wsClosing {
				c.logger.Debug(fmt.Sprintf("reading from connection: %v", err))
			}
			return
		}
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			c.logger.Error(fmt.Sprintf("decoding event: %v", err))
			continue
		}
		c.events <- &e
	}
}

// expectEvent returns the next event delivered to the client.
func (c *testWSClient) expectEvent(t *testing.T) *Event {
	t.Helper()
	select {
	case e := <-c.events:
		return e
	case <-time.After(baseTimeout):
		require.FailNowf(t, "timeout", "client %s did not receive an event", c.id)
		return nil
	}
}

func (c *testWSClient) expectNoEvent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case e := <-c.events:
		require.FailNowf(t, "unexpected event", "client %s received %s", c.id, e)
	case <-time.After(wait):
	}
}

// Close closes the websocket connection gracefully.
func (c *testWSClient) Close() error {
	if c.State() != wsOpened {
		return nil
	}
	c.UpdateState(wsClosing)
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return fmt.Errorf("send close message: %w", err)
	}
	return nil
}

func getWSURLFromHTTPURL(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

// waitOrTimeout waits for fn to return or fails the test after timeout.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}

// queryConnIDGenerator uses the id query parameter as the connection handle.
type queryConnIDGenerator struct{}

func (ig *queryConnIDGenerator) Generate(r *http.Request) (ConnID, error) {
	rawID := r.URL.Query().Get("id")
	if rawID == "" {
		return "", errors.New("id query is empty")
	}
	return ConnID(rawID), nil
}

// dialIdleClient connects a client that never reads from its socket, so the
// server's writes back up once the socket buffers are full.
func (f *wsFixture) dialIdleClient(id ConnID) *websocket.Conn {
	f.t.Helper()
	url := getWSURLFromHTTPURL(f.server.URL) + "?id=" + string(id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoErrorf(f.t, err, "client %s: failed to connect to server", id)
	f.t.Cleanup(func() { conn.Close() })
	require.Eventually(f.t, func() bool {
		return f.cm.IsConnected(id)
	}, baseTimeout, baseTimeout/20, "Timeout waiting for connection to be added to the manager")
	return conn
}

// overflowWriteQueue sends large events to id until its write queue has
// certainly overflowed, then waits for the manager to drop it.
func (f *wsFixture) overflowWriteQueue(id ConnID) {
	f.t.Helper()
	big, err := NewEvent(EventUserTyping, strings.Repeat("x", 4<<20))
	require.NoError(f.t, err)
	for i := 0; i < 100; i++ {
		f.cm.Send(id, big)
	}
	require.Eventuallyf(f.t, func() bool {
		return !f.cm.IsConnected(id)
	}, 5*baseTimeout, baseTimeout/20, "connection %s was not dropped", id)
}
