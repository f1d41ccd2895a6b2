package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single websocket connection managed by a ConnManager.
type Conn struct {
	ID               ConnID
	conn             *websocket.Conn
	context          context.Context
	writeStream      chan *Event
	readStream       chan<- *Event
	notifyDisconnect func()
	ticker           *time.Ticker
	logger           *slog.Logger

	mu     sync.Mutex
	closed bool
}

// trySend queues e without blocking. It reports false when the connection
// is closed or its write queue is full.
func (c *Conn) trySend(e *Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.writeStream <- e:
		return true
	default:
		return false
	}
}

// close stops the write loop after it has flushed the queued events.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.writeStream)
}

// drop closes the socket without flushing the write queue and reports
// whether the connection was still open. The read loop then exits and
// emits the disconnect, so it stays the last event received from c.
func (c *Conn) drop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.writeStream)
	c.conn.Close()
	return true
}

func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.notifyDisconnect()
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			}
			return
		}

		if format != websocket.TextMessage {
			c.logger.Debug(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Debug(err.Error())
			continue
		}
		// disconnect is reserved for the transport
		if event.Type == EventDisconnect {
			continue
		}
		event.Dispatcher = c.ID

		select {
		case c.readStream <- &event:
		case <-c.context.Done():
			return
		}
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	defer func() {
		c.ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e, ok := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug(fmt.Sprintf("getting next writer: %v", err))
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Debug(fmt.Sprintf("flushing frame: %v", err))
				return
			}
		case <-c.context.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
