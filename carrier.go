package wsmux

import "io"

// Carrier is the preexisting full-duplex message-oriented transport this
// package multiplexes over (spec §1, §6). It is injected already open;
// negotiating it is out of scope. A Carrier must deliver binary messages
// in order and support a ping/pong liveness probe.
type Carrier interface {
	// Send writes one complete logical protocol message. segments are
	// concatenated in order to form the message payload; callers pass the
	// encoded header as segments[0] and, for DATA, the payload as
	// subsequent segments (spec §4.1's header-frame-then-payload-frames
	// policy is realized here as one carrier message, matching how every
	// WebSocket-multiplexer teacher in the pack sends a protocol frame as
	// a single underlying message).
	Send(segments ...[]byte) error

	// Ping requests a liveness probe from the peer (spec §4.5, §6).
	Ping() error

	// SetPongHandler installs the callback invoked whenever a pong is
	// observed.
	SetPongHandler(func())

	// SetCloseHandler installs the callback invoked when the carrier
	// terminates on its own, i.e. not via Close called by this package
	// (spec §4.5's "carrier close prior to an orderly destroy()").
	SetCloseHandler(func(error))

	// ReadMessage blocks until the next complete inbound binary message
	// is available, or returns an error (including on carrier close).
	ReadMessage() ([]byte, error)

	io.Closer
}
