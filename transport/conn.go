// Package transport talks to the message server over a websocket carrying
// protobuf encoded frames.
package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn wraps a WebSocket connection with frame encoding.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Accept upgrades a server side request. Used by test servers.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return UnmarshalFrame(data)
}

func (c *Conn) WriteFrame(ctx context.Context, f *Frame) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, f.Marshal()); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
