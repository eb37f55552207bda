package conn

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is one open live channel.
type Transport interface {
	// Read blocks for the next frame. Any error means the channel closed.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials the live channel over websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps a single frame; zero keeps the library default.
	ReadLimit int64
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{c: c}, nil
}

type wsTransport struct {
	c *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	return t.c.Close(websocket.StatusNormalClosure, "")
}
