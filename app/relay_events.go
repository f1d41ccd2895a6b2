package murmur

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/putto11262002/murmur/core"
)

func (app *App) registerEventHandlers() {
	app.eventRouter.On(core.EventJoinRoom, app.JoinRoomHandler)
	app.eventRouter.On(core.EventSendMessage, app.SendMessageHandler)
	app.eventRouter.On(core.EventTyping, app.TypingHandler)
	app.eventRouter.On(core.EventStopTyping, app.StopTypingHandler)
	app.eventRouter.On(core.EventDisconnect, app.DisconnectHandler)
}

// JoinRoomHandler admits the dispatcher into the room named by the payload.
// Room errors are returned so the router can report them to the client.
func (app *App) JoinRoomHandler(ctx context.Context, e *core.Event) error {
	var roomID core.JoinRoomPayload
	if err := json.Unmarshal(e.Payload, &roomID); err != nil {
		return fmt.Errorf("unmarshal join-room payload: %w", err)
	}
	return app.relay.Join(e.Dispatcher, string(roomID))
}

func (app *App) SendMessageHandler(ctx context.Context, e *core.Event) error {
	var msg core.SendMessagePayload
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return fmt.Errorf("unmarshal send-message payload: %w", err)
	}
	if msg.Message == nil {
		return nil
	}
	app.relay.SendMessage(e.Dispatcher, *msg.Message)
	return nil
}

func (app *App) TypingHandler(ctx context.Context, e *core.Event) error {
	app.relay.SetTyping(e.Dispatcher, true)
	return nil
}

func (app *App) StopTypingHandler(ctx context.Context, e *core.Event) error {
	app.relay.SetTyping(e.Dispatcher, false)
	return nil
}

func (app *App) DisconnectHandler(ctx context.Context, e *core.Event) error {
	app.relay.Disconnect(e.Dispatcher)
	return nil
}
