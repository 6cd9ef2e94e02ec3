package wsmux

import (
	"io"
	"net"
	"testing"
	"time"
)

// TestStreamOpenThenEcho exercises the full adapter surface end to end: A
// dials with Open, B accepts the connection notification, and a write from
// one side is observed as a Read on the other.
func TestStreamOpenThenEcho(t *testing.T) {
	connA, connB := net.Pipe()
	handlerB := &capturingSessionHandler{errs: make(chan error, 1), closed: make(chan struct{})}
	a := NewSession(NewPipeCarrier(connA), nil, nil)
	b := NewSession(NewPipeCarrier(connB), nil, handlerB)
	t.Cleanup(func() {
		_ = a.Destroy()
		_ = b.Destroy()
	})

	st, err := Open(a, OpenOptions{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bStream, err := b.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if _, err := st.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := bStream.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want %q", buf[:n], "ping")
	}

	if _, err := bStream.Write([]byte("pong")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err = st.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("got %q, want %q", buf[:n], "pong")
	}
}

// Writes issued before the OPEN/ACK handshake completes must be buffered,
// not dropped, and flushed in order once the channel opens (spec §4.6,
// §9's "adapter buffering during opening"). The peer side is a raw carrier
// under direct test control so the ACK can be held back deliberately,
// removing any race with how fast a real peer session might reply.
func TestStreamWriteWhileOpeningIsBufferedAndFlushed(t *testing.T) {
	connA, connB := net.Pipe()
	a := NewSession(NewPipeCarrier(connA), nil, nil)
	t.Cleanup(func() { _ = a.Destroy() })
	bCarrier := NewPipeCarrier(connB)

	st := newStream(a)
	connectDone := make(chan error, 1)
	go func() { connectDone <- st.connect(OpenOptions{Timeout: time.Second}) }()

	// connect()'s OPEN send blocks on the pipe until read here, so this
	// must happen concurrently with connect rather than after it returns.
	msg, err := bCarrier.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage (OPEN): %v", err)
	}
	if err := <-connectDone; err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, _, err := decodeFrame(msg)
	if err != nil || h.typ != msgOpen {
		t.Fatalf("expected OPEN, got %+v err=%v", h, err)
	}

	st.mu.Lock()
	state := st.state
	st.mu.Unlock()
	if state != stateOpening {
		t.Fatalf("state = %v, want stateOpening", state)
	}

	if n, err := st.Write([]byte("buffered")); err != nil || n != len("buffered") {
		t.Fatalf("Write while opening = (%d, %v)", n, err)
	}

	ackHdr := encodeHeader(msgAck, h.src, 1, 0)
	if err := bCarrier.Send(ackHdr[:]); err != nil {
		t.Fatalf("send ACK: %v", err)
	}

	// Reading the flushed DATA frame first is required: onOpen's flush
	// blocks on the pipe until something reads it, and only resolves
	// st.ready once that flush returns.
	msg, err = bCarrier.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage (DATA): %v", err)
	}

	select {
	case err := <-st.ready:
		if err != nil {
			t.Fatalf("ready resolved with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream to open")
	}

	h, payload, err := decodeFrame(msg)
	if err != nil || h.typ != msgData {
		t.Fatalf("expected DATA, got %+v err=%v", h, err)
	}
	if string(payload) != "buffered" {
		t.Fatalf("got %q, want %q", payload, "buffered")
	}
}

// High-water-mark backpressure: once B's inbound queue exceeds its
// high-water mark, B asks A's channel to pause via PAUSE; A's raw callback
// sink observes exactly that signal (spec §4.6).
func TestStreamBackpressureTriggersFlowControl(t *testing.T) {
	a, b := newSessionPair(t, nil, nil, nil, nil)

	cbA := newRecordingCallbacks()
	aID, err := a.OpenChannel(OpenOptions{}, cbA)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	bStream, err := b.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitFor(t, cbA.opened, "on_open")

	bStream.mu.Lock()
	bStream.highWaterMark = 8
	bStream.mu.Unlock()

	chunk := make([]byte, 16) // exceeds the 8-byte high-water mark in one message
	if ok, err := a.Send(aID, chunk); err != nil || !ok {
		t.Fatalf("Send = (%v, %v)", ok, err)
	}

	if got := waitFor(t, cbA.flow, "PAUSE"); got != true {
		t.Fatalf("flow signal = %v, want true (PAUSE)", got)
	}

	// Draining below half the high-water mark must trigger a RESUME.
	buf := make([]byte, 16)
	if _, err := bStream.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := waitFor(t, cbA.flow, "RESUME"); got != false {
		t.Fatalf("flow signal = %v, want false (RESUME)", got)
	}
}

// A peer PAUSE corks the adapter's outbound path: writes are still accepted
// but held until the matching RESUME (spec §4.6).
func TestStreamCorkUncork(t *testing.T) {
	a, b := newSessionPair(t, nil, nil, nil, nil)

	st, err := Open(a, OpenOptions{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bStream, err := b.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if ok, err := b.SetFlowControl(bStream.ID(), true); err != nil || !ok {
		t.Fatalf("SetFlowControl(true) = (%v, %v)", ok, err)
	}
	// Give the PAUSE time to land and cork st before writing.
	time.Sleep(50 * time.Millisecond)

	if _, err := st.Write([]byte("corked")); err != nil {
		t.Fatalf("Write while corked: %v", err)
	}

	st.mu.Lock()
	buffered := len(st.corkBuf)
	st.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("corkBuf length = %d, want 1 (write held while corked)", buffered)
	}

	if ok, err := b.SetFlowControl(bStream.ID(), false); err != nil || !ok {
		t.Fatalf("SetFlowControl(false) = (%v, %v)", ok, err)
	}

	buf := make([]byte, 16)
	n, err := bStream.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "corked" {
		t.Fatalf("got %q, want %q", buf[:n], "corked")
	}
}

// Remote close ends the readable half gracefully (io.EOF), never as an
// error, per spec §4.6's "on_close callback" contract.
func TestStreamRemoteCloseYieldsEOF(t *testing.T) {
	a, b := newSessionPair(t, nil, nil, nil, nil)

	st, err := Open(a, OpenOptions{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bStream, err := b.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := bStream.Read(buf); err != io.EOF {
		t.Fatalf("Read after peer close = %v, want io.EOF", err)
	}

	select {
	case <-bStream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bStream never reached Done() after peer close")
	}
}

// Writing after Close must fail loudly with ErrClosedPipe rather than
// silently succeeding or panicking.
func TestStreamWriteAfterClose(t *testing.T) {
	connA, _ := net.Pipe()
	a := NewSession(NewPipeCarrier(connA), nil, nil)
	t.Cleanup(func() { _ = a.Destroy() })

	st := newStream(a)
	_ = st.destroy()

	if _, err := st.Write([]byte("x")); err != ErrClosedPipe {
		t.Fatalf("Write after destroy = %v, want ErrClosedPipe", err)
	}
}

// SetTimeout installs a sliding inactivity timer; reads/writes reset it,
// and expiry fires the timeout callback (spec §4.6).
func TestStreamTimeoutFiresOnInactivity(t *testing.T) {
	a, b := newSessionPair(t, nil, nil, nil, nil)

	st, err := Open(a, OpenOptions{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	fired := make(chan struct{})
	st.SetTimeout(30*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}
}

func TestStreamSetTimeoutZeroDisables(t *testing.T) {
	a, b := newSessionPair(t, nil, nil, nil, nil)

	st, err := Open(a, OpenOptions{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	fired := make(chan struct{})
	st.SetTimeout(20*time.Millisecond, func() { close(fired) })
	st.SetTimeout(0, nil) // disable before it ever fires

	select {
	case <-fired:
		t.Fatal("timeout fired after being disabled")
	case <-time.After(100 * time.Millisecond):
	}
}

// Ref-counting: Unref to zero must drop the adapter's own timeout timer.
func TestStreamRefUnref(t *testing.T) {
	connA, _ := net.Pipe()
	a := NewSession(NewPipeCarrier(connA), nil, nil)
	t.Cleanup(func() { _ = a.Destroy() })

	st := newStream(a)
	if got := st.Ref(); got != 2 {
		t.Fatalf("Ref() = %d, want 2", got)
	}
	fired := make(chan struct{})
	st.SetTimeout(20*time.Millisecond, func() { close(fired) })

	if got := st.Unref(); got != 1 {
		t.Fatalf("Unref() = %d, want 1", got)
	}
	if got := st.Unref(); got != 0 {
		t.Fatalf("Unref() = %d, want 0", got)
	}

	select {
	case <-fired:
		t.Fatal("timeout fired after Unref reached zero; timer should have been dropped")
	case <-time.After(100 * time.Millisecond):
	}
}
