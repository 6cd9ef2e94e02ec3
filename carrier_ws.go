package wsmux

import (
	"bytes"
	"time"

	"github.com/gorilla/websocket"
)

// wsCarrier adapts a *websocket.Conn into a Carrier. Grounded in two
// independent example WebSocket multiplexers: taskcluster/wsmux's
// Session (conn.WriteMessage(websocket.BinaryMessage, ...),
// conn.SetCloseHandler) and jun041106-util/wsconn's Multiplexer, both of
// which build the same kind of system directly on gorilla/websocket.
type wsCarrier struct {
	conn *websocket.Conn

	writePingWait time.Duration
}

// NewWebSocketCarrier wraps an already-open *websocket.Conn as a Carrier.
// The connection is expected to be dedicated to this multiplexer: no
// other code should call its Read/Write/control methods concurrently.
func NewWebSocketCarrier(conn *websocket.Conn) Carrier {
	return &wsCarrier{conn: conn, writePingWait: 5 * time.Second}
}

// Send writes one complete binary message per spec §4.1's transmission
// policy: the header and any payload segments are concatenated and sent
// as a single WriteMessage call, the same way wsmux.Session.send and
// wsconn.Multiplexer each send one logical frame as one WS message.
func (c *wsCarrier) Send(segments ...[]byte) error {
	if len(segments) == 1 {
		return c.conn.WriteMessage(websocket.BinaryMessage, segments[0])
	}
	var buf bytes.Buffer
	for _, s := range segments {
		buf.Write(s)
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (c *wsCarrier) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writePingWait))
}

func (c *wsCarrier) SetPongHandler(h func()) {
	c.conn.SetPongHandler(func(string) error {
		h()
		return nil
	})
}

func (c *wsCarrier) SetCloseHandler(h func(error)) {
	c.conn.SetCloseHandler(func(code int, text string) error {
		h(&websocket.CloseError{Code: code, Text: text})
		return nil
	})
}

func (c *wsCarrier) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsCarrier) Close() error {
	return c.conn.Close()
}
