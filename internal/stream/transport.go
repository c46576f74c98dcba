package stream

import (
	"context"
	"fmt"

	"github.com/coder/websocket"

	"github.com/ferrixlabs/mooring/errs"
)

const wsReadLimit = 2 * 1024 * 1024

// Conn is one established streaming connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens streaming connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct{}

// NewWebsocketDialer returns the production WebSocket dialer.
func NewWebsocketDialer() Dialer { return wsDialer{} }

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errs.New("stream/dial", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("dial %s", url)), errs.WithCause(err))
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, errs.New("stream/read", errs.CodeNetwork, errs.WithCause(err))
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errs.New("stream/write", errs.CodeNetwork, errs.WithCause(err))
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}
