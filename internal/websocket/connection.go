// Package websocket carries live connections: a single-writer wrapper around
// gorilla websockets and the HTTP handler that attaches connections to
// sessions.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cliproom/pkg/types"
)

// Connection wraps a websocket with a single writer goroutine so broadcasts
// from the session layer and pong replies never interleave writes.
// It implements session.Conn.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection starts the writer goroutine for an upgraded socket.
func NewConnection(conn *websocket.Conn, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, 64),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues an event for delivery. It fails fast when the connection is
// closed or the write buffer stays full past the write timeout; the caller
// (the fan-out) treats any error as a delivery failure for this connection
// only.
func (c *Connection) Send(event types.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close sends a close frame with the given code and reason, then tears the
// socket down. Safe to call more than once.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
