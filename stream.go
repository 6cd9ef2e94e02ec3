package wsmux

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// defaultHighWaterMark bounds the inbound read queue before the adapter
// asks the peer to pause, per spec §4.6/glossary "High-water mark".
const defaultHighWaterMark = 256 * 1024

type streamState int

const (
	stateIdle streamState = iota
	stateOpening
	stateOpen
	stateDestroyed
)

// StreamHandler receives Stream-level notifications. Optional; a Stream
// works perfectly well with a nil handler, using only its io.ReadWriteCloser
// surface and blocking Read/Write/Open calls.
type StreamHandler interface {
	OnConnect(s *Stream)
	OnReady(s *Stream)
	OnError(s *Stream, err error)
	OnTimeout(s *Stream)
}

// Stream is the duplex adapter (C7): it presents one channel as a
// backpressured byte stream with timeouts and ref-counting. Modeled on
// the vendored xtaci/smux stream.go in simplified form - the buffers read
// queue, chReaderWakeup wakeup channel, die/destroyOnce close machinery
// with a finished flag for remote close, readDeadline/writeDeadline via
// atomic.Value - generalized from smux's
// byte-granular sliding window flow control to this spec's coarser
// boolean PAUSE/RESUME high-water-mark backpressure, and extended with
// the opening-state write buffer, cork/uncork, ref-count, and single-shot
// inactivity timeout spec §4.6/§4.9 call for.
type Stream struct {
	sess *Session
	id   uint32

	handler StreamHandler

	mu    sync.Mutex
	state streamState

	// outbound buffering while opening or corked by a peer PAUSE.
	writeBuf [][]byte
	corked   bool
	corkBuf  [][]byte

	// inbound read queue and backpressure bookkeeping.
	buffers      [][]byte
	queuedBytes  int
	highWaterMark int
	readPaused   bool

	finished     bool // set by onClose, whether or not an onError preceded it; Read then reports io.EOF
	chReaderWakeup chan struct{}

	readDeadline  atomic.Value // time.Time
	writeDeadline atomic.Value // time.Time

	readyOnce sync.Once
	ready     chan error

	destroyOnce sync.Once
	die         chan struct{}

	refCount int32

	timeoutMu    sync.Mutex
	timeoutDur   time.Duration
	timeoutTimer *time.Timer
	timeoutCb    func()
}

func newStream(sess *Session) *Stream {
	return &Stream{
		sess:          sess,
		state:         stateIdle,
		highWaterMark: defaultHighWaterMark,
		chReaderWakeup: make(chan struct{}, 1),
		ready:         make(chan error, 1),
		die:           make(chan struct{}),
		refCount:      1,
	}
}

// newAcceptStream builds a Stream for an inbound OPEN, per spec §4.4's
// "create a new duplex adapter and have it accept the channel".
func newAcceptStream(sess *Session) *Stream {
	return newStream(sess)
}

// Open dials a new channel and blocks until it is ready or fails,
// mirroring smux.Session.OpenStream's blocking accept-wait shape while
// preserving the async on_open/on_error dispatch of spec §4.4/§4.6
// underneath (see (*Stream).connect).
func Open(sess *Session, opts OpenOptions, handler StreamHandler) (*Stream, error) {
	st := newStream(sess)
	st.handler = handler
	if err := st.connect(opts); err != nil {
		return nil, err
	}
	select {
	case err := <-st.ready:
		if err != nil {
			return nil, err
		}
		return st, nil
	case <-sess.CloseChan():
		return nil, io.ErrClosedPipe
	}
}

// connect implements spec §4.6's connect(options): it transitions the
// adapter to opening and installs it as the channel's callback sink.
func (st *Stream) connect(opts OpenOptions) error {
	st.mu.Lock()
	st.state = stateOpening
	st.mu.Unlock()

	id, err := st.sess.OpenChannel(opts, st)
	if err != nil {
		st.mu.Lock()
		st.state = stateDestroyed
		st.mu.Unlock()
		if st.handler != nil {
			st.handler.OnError(st, err)
		}
		st.resolveReady(err)
		return err
	}
	st.id = id
	return nil
}

// ID returns the channel's local identifier.
func (st *Stream) ID() uint32 { return st.id }

func (st *Stream) resolveReady(err error) {
	st.readyOnce.Do(func() {
		st.ready <- err
	})
}

// ---- channelCallbacks -------------------------------------------------

func (st *Stream) onOpen(peerID uint32) {
	st.mu.Lock()
	st.state = stateOpen
	pending := st.writeBuf
	st.writeBuf = nil
	st.mu.Unlock()

	for _, seg := range pending {
		_, _ = st.sess.Send(st.id, seg)
	}
	st.resetTimeout()
	st.resolveReady(nil)

	if st.handler != nil {
		st.handler.OnConnect(st)
		st.handler.OnReady(st)
	}
}

func (st *Stream) onData(b []byte) {
	st.mu.Lock()
	st.buffers = append(st.buffers, b)
	st.queuedBytes += len(b)
	overHWM := st.queuedBytes > st.highWaterMark
	alreadyPaused := st.readPaused
	if overHWM && !alreadyPaused {
		st.readPaused = true
	}
	st.mu.Unlock()

	st.wakeupReader()
	st.resetTimeout()

	if overHWM && !alreadyPaused {
		_, _ = st.sess.SetFlowControl(st.id, true)
	}
}

// onFlowControl corks/uncorks the outbound path on a peer PAUSE/RESUME,
// per spec §4.6.
func (st *Stream) onFlowControl(stop bool) {
	st.mu.Lock()
	st.corked = stop
	var toFlush [][]byte
	if !stop {
		toFlush = st.corkBuf
		st.corkBuf = nil
	}
	st.mu.Unlock()

	for _, seg := range toFlush {
		_, _ = st.sess.Send(st.id, seg)
	}
}

func (st *Stream) onError(err error) {
	st.mu.Lock()
	destroyed := st.state == stateDestroyed
	st.mu.Unlock()
	if destroyed {
		return
	}
	st.resolveReady(err)
	if st.handler != nil {
		st.handler.OnError(st, err)
	}
}

// onClose is the session's notification that the channel is gone, either
// because the peer closed it or because our own CloseChannel call
// completed. Either way it converges on the same idempotent teardown as
// a local Close(); per spec §4.6's remote-close contract, any error has
// already been emitted by a preceding onError call in the same enqueued
// closure.
func (st *Stream) onClose() {
	st.mu.Lock()
	st.finished = true
	st.mu.Unlock()
	st.wakeupReader()
	_ = st.destroy()
}

// ---- io.ReadWriteCloser -------------------------------------------------

// Read blocks until data is available, the channel is gracefully closed
// (io.EOF), destroyed (ErrClosedPipe), or the read deadline elapses.
func (st *Stream) Read(b []byte) (int, error) {
	for {
		st.mu.Lock()
		if len(st.buffers) > 0 {
			n := copy(b, st.buffers[0])
			st.buffers[0] = st.buffers[0][n:]
			if len(st.buffers[0]) == 0 {
				st.buffers = st.buffers[1:]
			}
			st.queuedBytes -= n
			belowHWM := st.queuedBytes <= st.highWaterMark/2
			wasPaused := st.readPaused
			if wasPaused && belowHWM {
				st.readPaused = false
			}
			st.mu.Unlock()

			st.resetTimeout()
			if wasPaused && belowHWM {
				_, _ = st.sess.SetFlowControl(st.id, false)
			}
			return n, nil
		}

		finished := st.finished
		destroyed := st.state == stateDestroyed
		st.mu.Unlock()

		if finished {
			return 0, io.EOF
		}
		if destroyed {
			return 0, ErrClosedPipe
		}
		if err := st.waitReadable(); err != nil {
			return 0, err
		}
	}
}

func (st *Stream) waitReadable() error {
	var timer *time.Timer
	var deadline <-chan time.Time
	if d, ok := st.readDeadline.Load().(time.Time); ok && !d.IsZero() {
		timer = time.NewTimer(time.Until(d))
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-st.chReaderWakeup:
		return nil
	case <-st.die:
		return ErrClosedPipe
	case <-deadline:
		return ErrTimeout
	}
}

func (st *Stream) wakeupReader() {
	select {
	case st.chReaderWakeup <- struct{}{}:
	default:
	}
}

// Write sends b as one DATA message (spec §4.6): buffered while opening,
// coalesced while corked by a peer PAUSE, sent directly once open.
// Writing to a destroyed stream is a programming error per spec; unlike
// the source language this returns ErrClosedPipe rather than panicking,
// the Go-idiomatic way to fail loudly on misuse of a closed I/O object.
func (st *Stream) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	st.mu.Lock()
	switch st.state {
	case stateDestroyed:
		st.mu.Unlock()
		return 0, ErrClosedPipe
	case stateOpening:
		cp := append([]byte(nil), b...)
		st.writeBuf = append(st.writeBuf, cp)
		st.mu.Unlock()
		return len(b), nil
	}
	if st.corked {
		cp := append([]byte(nil), b...)
		st.corkBuf = append(st.corkBuf, cp)
		st.mu.Unlock()
		return len(b), nil
	}
	st.mu.Unlock()

	return st.sendNow(b)
}

// WriteVectored sends segments as a single DATA message with concatenated
// payload, the functional equivalent spec §4.6 requires of
// write_vectored.
func (st *Stream) WriteVectored(segments [][]byte) (int, error) {
	n := 0
	for _, s := range segments {
		n += len(s)
	}
	if n == 0 {
		return 0, nil
	}

	st.mu.Lock()
	switch st.state {
	case stateDestroyed:
		st.mu.Unlock()
		return 0, ErrClosedPipe
	case stateOpening:
		merged := make([]byte, 0, n)
		for _, s := range segments {
			merged = append(merged, s...)
		}
		st.writeBuf = append(st.writeBuf, merged)
		st.mu.Unlock()
		return n, nil
	}
	if st.corked {
		merged := make([]byte, 0, n)
		for _, s := range segments {
			merged = append(merged, s...)
		}
		st.corkBuf = append(st.corkBuf, merged)
		st.mu.Unlock()
		return n, nil
	}
	st.mu.Unlock()

	ok, err := st.sess.Send(st.id, segments...)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrClosedPipe
	}
	st.resetTimeout()
	return n, nil
}

func (st *Stream) sendNow(b []byte) (int, error) {
	ok, err := st.sess.Send(st.id, b)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrClosedPipe
	}
	st.resetTimeout()
	return len(b), nil
}

// Close implements the local destroy() of spec §4.6 with no error.
func (st *Stream) Close() error {
	return st.destroy()
}

// destroy is idempotent local teardown, reached either from Close() or
// from the onClose channel callback (a remote-initiated or
// already-completed local close).
func (st *Stream) destroy() error {
	var err error
	st.destroyOnce.Do(func() {
		st.mu.Lock()
		st.state = stateDestroyed
		st.mu.Unlock()

		close(st.die)
		st.stopTimeoutTimer()

		if ok, cerr := st.sess.CloseChannel(st.id); !ok && cerr != nil {
			// already gone server-side (remote close, mismatch, timeout,
			// rejection); nothing more to send.
			err = nil
		} else {
			err = cerr
		}

		if st.handler != nil {
			// OnClose is intentionally not part of StreamHandler: close
			// is always observable via Read returning io.EOF/ErrClosedPipe
			// or a select on Done(); only connect/ready/error/timeout
			// have a callback seam.
		}
	})
	return err
}

// Done returns a channel closed once the stream is destroyed.
func (st *Stream) Done() <-chan struct{} { return st.die }

// ---- timeouts, counters, ref-counting, net.Conn compatibility ---------

// SetDeadline implements net.Conn.
func (st *Stream) SetDeadline(t time.Time) error {
	if err := st.SetReadDeadline(t); err != nil {
		return err
	}
	return st.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (st *Stream) SetReadDeadline(t time.Time) error {
	st.readDeadline.Store(t)
	st.wakeupReader()
	return nil
}

// SetWriteDeadline implements net.Conn. The deadline is recorded but
// Write does not consult it.
func (st *Stream) SetWriteDeadline(t time.Time) error {
	st.writeDeadline.Store(t)
	return nil
}

// SetTimeout installs a sliding inactivity timer: any read, write, or
// open resets it; expiry invokes cb (or StreamHandler.OnTimeout if cb is
// nil). SetTimeout(0) disables it, per spec §4.6.
func (st *Stream) SetTimeout(d time.Duration, cb func()) {
	st.timeoutMu.Lock()
	defer st.timeoutMu.Unlock()
	st.stopTimeoutTimerLocked()
	st.timeoutDur = d
	st.timeoutCb = cb
	if d > 0 {
		st.timeoutTimer = time.AfterFunc(d, st.fireTimeout)
	}
}

// SetKeepAlive(true) is equivalent to SetTimeout(0, nil): it disables the
// adapter's own inactivity timeout, per spec §4.6.
func (st *Stream) SetKeepAlive(enable bool) error {
	if enable {
		st.SetTimeout(0, nil)
	}
	return nil
}

func (st *Stream) fireTimeout() {
	st.timeoutMu.Lock()
	cb := st.timeoutCb
	st.timeoutMu.Unlock()
	if cb != nil {
		cb()
	} else if st.handler != nil {
		st.handler.OnTimeout(st)
	}
}

func (st *Stream) resetTimeout() {
	st.timeoutMu.Lock()
	defer st.timeoutMu.Unlock()
	if st.timeoutDur > 0 && st.timeoutTimer != nil {
		st.timeoutTimer.Reset(st.timeoutDur)
	}
}

func (st *Stream) stopTimeoutTimer() {
	st.timeoutMu.Lock()
	defer st.timeoutMu.Unlock()
	st.stopTimeoutTimerLocked()
}

func (st *Stream) stopTimeoutTimerLocked() {
	if st.timeoutTimer != nil {
		st.timeoutTimer.Stop()
		st.timeoutTimer = nil
	}
}

// Ref/Unref implement spec §4.6's reference count. When the count reaches
// zero the adapter drops its own timeout timer so a pooled-but-idle
// adapter does not keep anything alive on its behalf.
func (st *Stream) Ref() int32 {
	return atomic.AddInt32(&st.refCount, 1)
}

func (st *Stream) Unref() int32 {
	n := atomic.AddInt32(&st.refCount, -1)
	if n <= 0 {
		st.stopTimeoutTimer()
	}
	return n
}

// BytesWritten and BytesRead mirror the channel context's counters
// (spec §4.6 "Counters").
func (st *Stream) BytesWritten() uint64 {
	w, _, _ := st.sess.ChannelInfo(st.id)
	return w
}

func (st *Stream) BytesRead() uint64 {
	_, r, _ := st.sess.ChannelInfo(st.id)
	return r
}

// LocalAddr and RemoteAddr are API-compatibility no-ops: per spec §9 the
// source's address accessor returns an empty record, not a real endpoint,
// because the carrier is an opaque injected transport, not a socket this
// adapter owns.
func (st *Stream) LocalAddr() net.Addr  { return stringAddr("") }
func (st *Stream) RemoteAddr() net.Addr { return stringAddr("") }

// SetNoDelay is a no-op kept for net.Conn-adjacent API compatibility, per
// spec §4.6.
func (st *Stream) SetNoDelay(bool) error { return nil }

// stringAddr is a minimal net.Addr implementation for the no-op address
// accessors above.
type stringAddr string

func (a stringAddr) Network() string { return "wsmux" }
func (a stringAddr) String() string  { return string(a) }
