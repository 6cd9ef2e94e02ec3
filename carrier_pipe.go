package wsmux

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/sagernet/sing/common/bufio"
)

// streamCarrier adapts any length-prefixed io.ReadWriteCloser into a
// Carrier, for embedding this package over a plain byte-stream transport
// (or, in tests, a net.Pipe() pair) instead of a real WebSocket. This
// keeps smux.Session's own generality - it takes any io.ReadWriteCloser -
// available alongside the WebSocket binding in carrier_ws.go.
//
// Wire shape (carrier-level, beneath the wsmux protocol): a 4-byte
// big-endian length prefix, a 1-byte tag, then the tag's payload.
// tag 0 = data message (payload is one wsmux protocol message).
// tag 1 = ping (empty payload); answered automatically with a tag-2 pong.
// tag 2 = pong (empty payload); delivered to the installed pong handler.
type streamCarrier struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	pongHandler  func()
	closeHandler func(error)
	closeOnce    sync.Once
}

const (
	pipeTagData byte = 0
	pipeTagPing byte = 1
	pipeTagPong byte = 2
)

// NewPipeCarrier wraps conn (e.g. one end of a net.Pipe()) as a Carrier.
func NewPipeCarrier(conn io.ReadWriteCloser) Carrier {
	return &streamCarrier{conn: conn}
}

// writeFrame writes the 5-byte carrier header (4-byte length prefix over
// the tag+payload, then the tag itself) and the payload segments as one
// logical write. When the wrapped conn exposes scatter-gather I/O this
// is done without concatenating the segments first, the same
// bufio.CreateVectorisedWriter/bufio.WriteVectorised pairing
// smux.Session.sendLoop uses to avoid a copy on its own header+payload
// write; generalized here from the teacher's fixed two-element vector to
// a header-plus-N-segments vector since a DATA Send here can carry more
// than one payload segment.
func (c *streamCarrier) writeFrame(tag byte, segments ...[]byte) error {
	total := 1
	for _, s := range segments {
		total += len(s)
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(total))
	header[4] = tag

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if bw, ok := bufio.CreateVectorisedWriter(c.conn); ok {
		vec := make([][]byte, 0, 1+len(segments))
		vec = append(vec, header)
		vec = append(vec, segments...)
		_, err := bufio.WriteVectorised(bw, vec)
		return err
	}

	buf := make([]byte, 4+total)
	copy(buf, header)
	off := 5
	for _, s := range segments {
		off += copy(buf[off:], s)
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *streamCarrier) Send(segments ...[]byte) error {
	return c.writeFrame(pipeTagData, segments...)
}

func (c *streamCarrier) Ping() error {
	return c.writeFrame(pipeTagPing)
}

func (c *streamCarrier) SetPongHandler(h func()) {
	c.pongHandler = h
}

func (c *streamCarrier) SetCloseHandler(h func(error)) {
	c.closeHandler = h
}

func (c *streamCarrier) Close() error {
	return c.conn.Close()
}

// ReadMessage blocks for the next tag-0 data frame, transparently
// answering pings and delivering pongs to the installed handler along
// the way.
func (c *streamCarrier) ReadMessage() ([]byte, error) {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			c.notifyClosed(err)
			return nil, err
		}
		total := binary.BigEndian.Uint32(lenBuf[:])
		if total == 0 {
			c.notifyClosed(io.ErrUnexpectedEOF)
			return nil, fmt.Errorf("wsmux: empty carrier frame")
		}
		body := make([]byte, total)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.notifyClosed(err)
			return nil, err
		}

		tag, payload := body[0], body[1:]
		switch tag {
		case pipeTagPing:
			if err := c.writeFrame(pipeTagPong); err != nil {
				c.notifyClosed(err)
				return nil, err
			}
		case pipeTagPong:
			if c.pongHandler != nil {
				c.pongHandler()
			}
		default:
			return payload, nil
		}
	}
}

func (c *streamCarrier) notifyClosed(err error) {
	c.closeOnce.Do(func() {
		if c.closeHandler != nil {
			c.closeHandler(err)
		}
	})
}
