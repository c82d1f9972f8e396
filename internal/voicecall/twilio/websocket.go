package twilio

import (
	"context"
	"errors"
	"sync"
	"time"

	"call-relay/internal/observability"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Conn wraps the media stream websocket. Writes are serialized; reads must
// come from a single goroutine.
type Conn struct {
	conn       *websocket.Conn
	logger     *observability.Logger
	writeMutex sync.Mutex
	closeOnce  sync.Once
}

func NewConn(conn *websocket.Conn, logger *observability.Logger) *Conn {
	return &Conn{conn: conn, logger: logger}
}

// ReadMessage blocks for the next text frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

// WriteJSON sends v as one text frame.
func (c *Conn) WriteJSON(v interface{}) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Close sends a normal close frame and releases the socket. Only the first
// call has any effect.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info(context.Background(), "closing media stream websocket")

		c.writeMutex.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMutex.Unlock()

		err = c.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err is the peer hanging up cleanly.
func IsNormalClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}
