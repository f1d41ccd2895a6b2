package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConnectToServer(t *testing.T) {
	f := setUpWSFixture(t, 5)
	defer f.tearDown()

	var numOnConnectCalled atomic.Int64
	f.cm.OnConnectionOpened(func(ConnID) {
		numOnConnectCalled.Add(1)
	})

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()

	assert.Equal(t, int64(len(f.clients)), numOnConnectCalled.Load(), "OnConnectionOpened was not called for all clients.")
	for _, client := range f.clients {
		assert.Truef(t, f.cm.IsConnected(client.id), "client %s is not connected to the manager", client.id)
	}
}

func TestServerDisconnectFromClients(t *testing.T) {
	f := setUpWSFixture(t, 3)
	defer f.tearDown()

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()

	// disconnect one connection at a time then check the manager's state
	for _, client := range f.clients {
		f.cm.disconnect(client.id)

		e := f.nextServerEvent()
		assert.Equal(t, EventDisconnect, e.Type)
		assert.Equal(t, client.id, e.Dispatcher)
		assert.False(t, f.cm.IsConnected(client.id), "connection should be removed from manager")
	}

	for _, client := range f.clients {
		require.Eventuallyf(t, func() bool {
			return client.State() == wsClosed
		}, baseTimeout, baseTimeout/20, "client: %s has not been closed", client.id)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := setUpWSFixture(t, 1)
	defer f.tearDown()

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()

	id := f.clients[0].id
	f.cm.disconnect(id)
	f.cm.disconnect(id)

	assert.Equal(t, EventDisconnect, f.nextServerEvent().Type)
	select {
	case e := <-f.cm.Receive():
		require.FailNowf(t, "unexpected event", "received %s", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientSendEvents(t *testing.T) {
	nEventsPerConn := 5
	nClients := 3
	f := setUpWSFixture(t, nClients)
	defer f.tearDown()

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()

	sent := make(map[ConnID][]string)
	for _, client := range f.clients {
		for i := 0; i < nEventsPerConn; i++ {
			text := fmt.Sprintf("%s:%d", client.id, i)
			err := client.Emit(EventSendMessage, SendMessagePayload{Message: &text})
			require.NoError(t, err, "client failed to send event")
			sent[client.id] = append(sent[client.id], text)
		}
	}

	received := make(map[ConnID][]string)
	for i := 0; i < nEventsPerConn*nClients; i++ {
		e := f.nextServerEvent()
		require.Equal(t, EventSendMessage, e.Type)
		var payload SendMessagePayload
		require.NoError(t, json.Unmarshal(e.Payload, &payload))
		require.NotNil(t, payload.Message)
		received[e.Dispatcher] = append(received[e.Dispatcher], *payload.Message)
	}

	// events from one connection keep their order
	assert.Equal(t, sent, received)
}

func TestClientCannotSendDisconnect(t *testing.T) {
	f := setUpWSFixture(t, 1)
	defer f.tearDown()

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()

	client := f.clients[0]
	require.NoError(t, client.Emit(EventDisconnect, nil))
	require.NoError(t, client.SendRaw([]byte("not json")))
	require.NoError(t, client.Emit(EventTyping, nil))

	e := f.nextServerEvent()
	assert.Equal(t, EventTyping, e.Type)
	assert.Equal(t, client.id, e.Dispatcher)
	assert.True(t, f.cm.IsConnected(client.id))
}

func TestBroadcastToRoomSkipsExcludedAndOtherRooms(t *testing.T) {
	f := setUpWSFixture(t, 3)
	defer f.tearDown()

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()

	a, b, c := f.clients[0], f.clients[1], f.clients[2]
	f.cm.Subscribe(a.id, "room")
	f.cm.Subscribe(b.id, "room")
	f.cm.Subscribe(c.id, "other")

	e, err := NewEvent(EventUserTyping, nil)
	require.NoError(t, err)
	f.cm.BroadcastToRoom("room", e, a.id)

	got := b.expectEvent(t)
	assert.Equal(t, EventUserTyping, got.Type)
	a.expectNoEvent(t, 100*time.Millisecond)
	c.expectNoEvent(t, 0)

	f.cm.Unsubscribe(b.id, "room")
	f.cm.BroadcastToRoom("room", e)
	assert.Equal(t, EventUserTyping, a.expectEvent(t).Type)
	b.expectNoEvent(t, 100*time.Millisecond)
}

func TestClientCloseEmitsDisconnect(t *testing.T) {
	f := setUpWSFixture(t, 2)
	defer f.tearDown()

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()

	a, b := f.clients[0], f.clients[1]
	f.cm.Subscribe(a.id, "room")
	f.cm.Subscribe(b.id, "room")

	require.NoError(t, a.Close())

	e := f.nextServerEvent()
	assert.Equal(t, EventDisconnect, e.Type)
	assert.Equal(t, a.id, e.Dispatcher)

	f.cm.groupMu.RLock()
	assert.NotContains(t, f.cm.groups["room"], a.id, "closed connection should leave its groups")
	assert.Contains(t, f.cm.groups["room"], b.id)
	f.cm.groupMu.RUnlock()
}

func TestSendToUnknownConnectionIsDropped(t *testing.T) {
	f := setUpWSFixture(t, 1)
	defer f.tearDown()

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()

	e, err := NewEvent(EventUserTyping, nil)
	require.NoError(t, err)
	f.cm.Send("nobody", e)
	f.cm.Send(f.clients[0].id, e)

	assert.Equal(t, EventUserTyping, f.clients[0].expectEvent(t).Type)
}

func TestFullWriteQueueDropsConnection(t *testing.T) {
	f := setUpWSFixture(t, 0, WithStreamSizes(100, 8))
	defer f.tearDown()

	var id ConnID = "slow"
	f.dialIdleClient(id)
	f.cm.Subscribe(id, "room")

	f.overflowWriteQueue(id)

	e := f.nextServerEvent()
	assert.Equal(t, EventDisconnect, e.Type)
	assert.Equal(t, id, e.Dispatcher)
	select {
	case e := <-f.cm.Receive():
		require.FailNowf(t, "unexpected event", "received %s", e)
	case <-time.After(100 * time.Millisecond):
	}

	f.cm.groupMu.RLock()
	assert.NotContains(t, f.cm.groups, "room", "dropped connection should leave its groups")
	f.cm.groupMu.RUnlock()
}

func TestDroppedConnectionLeavesNoMember(t *testing.T) {
	f := setUpWSFixture(t, 1, WithStreamSizes(100, 8))
	defer f.tearDown()

	relay, err := NewRelay(f.cm, WithRelayLogger(discardLogger))
	require.NoError(t, err)
	router := NewEventRouter(f.cm, discardLogger)
	router.On(EventJoinRoom, func(_ context.Context, e *Event) error {
		var roomID JoinRoomPayload
		if err := json.Unmarshal(e.Payload, &roomID); err != nil {
			return err
		}
		return relay.Join(e.Dispatcher, string(roomID))
	})
	router.On(EventDisconnect, func(_ context.Context, e *Event) error {
		relay.Disconnect(e.Dispatcher)
		return nil
	})
	startRouter(t, router)

	f.connectClientsToServer()
	f.waitForAllClientsToConnect()
	peer := f.clients[0]

	first, err := relay.CreateRoom()
	require.NoError(t, err)
	second, err := relay.CreateRoom()
	require.NoError(t, err)

	var id ConnID = "slow"
	slow := f.dialIdleClient(id)
	join := func(roomID string) *Event {
		e, err := NewEvent(EventJoinRoom, JoinRoomPayload(roomID))
		require.NoError(t, err)
		return e
	}
	require.NoError(t, slow.WriteJSON(join(first.ID)))
	require.NoError(t, peer.Emit(EventJoinRoom, JoinRoomPayload(first.ID)))
	require.Eventually(t, func() bool {
		room, ok := relay.Room(first.ID)
		return ok && len(room.Members) == 2
	}, baseTimeout, baseTimeout/20)

	f.overflowWriteQueue(id)
	// the socket is already closed, a late join may or may not get through
	_ = slow.WriteJSON(join(second.ID))

	require.Eventually(t, func() bool {
		_, joined := relay.RoomOf(id)
		room, ok := relay.Room(first.ID)
		return !joined && ok && len(room.Members) == 1
	}, baseTimeout, baseTimeout/20)
	// give a late join the chance to be dispatched
	time.Sleep(100 * time.Millisecond)

	_, joined := relay.RoomOf(id)
	assert.False(t, joined, "dropped connection should not be tracked")
	room, ok := relay.Room(first.ID)
	require.True(t, ok)
	assert.Equal(t, []ConnID{peer.id}, room.Members)
	if room, ok := relay.Room(second.ID); ok {
		assert.NotContains(t, room.Members, id)
	}
	assert.Equal(t, 1, relay.Stats().Connections)
}
