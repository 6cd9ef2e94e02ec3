package wsmux

import (
	"container/heap"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the multiplexer core (C6): it owns the carrier, drives the
// channel state machine described in spec §4.4, and exposes the
// operation-oriented channel API (OpenChannel/CloseChannel/Send/
// SetFlowControl/ChannelInfo/Destroy/Accept). Modeled wholesale on
// smux.Session's goroutine fan-out (recvLoop/sendLoop/shaperLoop/
// keepalive), generalized from smux's six stream commands to this
// protocol's OPEN/ACK/CLOSE/DATA/PAUSE/RESUME and from its window-based
// flow control to this spec's PAUSE/RESUME signal.
type Session struct {
	carrier Carrier
	config  *Config
	handler SessionHandler

	table *table
	sup   *supervisor

	chAccepts chan *Stream

	die     chan struct{}
	dieOnce sync.Once

	terminalErr atomic.Pointer[Error]

	inbound      chan []byte
	ackTimeouts  chan uint32
	carrierGone  chan error
	goneOnce     sync.Once

	requestID uint32
	shaper    chan writeRequest
	writes    chan writeRequest

	cbQueue chan func()

	destroyOnce sync.Once
}

// NewSession builds a multiplexer over an already-open Carrier. handler
// may be nil if the caller does not need session-level notifications.
func NewSession(carrier Carrier, config *Config, handler SessionHandler) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.normalize()

	s := &Session{
		carrier:     carrier,
		config:      cfg,
		handler:     handler,
		table:       newTable(cfg.MaxChannels),
		chAccepts:   make(chan *Stream, defaultAcceptBacklog),
		die:         make(chan struct{}),
		inbound:     make(chan []byte, 64),
		ackTimeouts: make(chan uint32, 64),
		carrierGone: make(chan error, 1),
		shaper:      make(chan writeRequest),
		writes:      make(chan writeRequest),
		cbQueue:     make(chan func(), 256),
	}
	s.sup = newSupervisor(cfg, s.sendPing, s.terminateFatal)
	carrier.SetPongHandler(s.sup.onPong)
	carrier.SetCloseHandler(s.onCarrierClosed)

	go s.readerLoop()
	go s.dispatchLoop()
	go s.shaperLoop()
	go s.sendLoop()
	go s.callbackLoop()
	go s.sup.run()

	return s
}

// CloseChan is readable once the session has terminated, for callers that
// want to select on session death instead of polling IsClosed.
func (s *Session) CloseChan() <-chan struct{} { return s.die }

// IsClosed reports whether the session has terminated.
func (s *Session) IsClosed() bool {
	select {
	case <-s.die:
		return true
	default:
		return false
	}
}

// NumChannels reports the number of currently open or opening channels.
func (s *Session) NumChannels() int {
	if s.IsClosed() {
		return 0
	}
	return s.table.len()
}

// Accept blocks until the next peer-initiated channel is ready, mirroring
// smux.Session.AcceptStream.
func (s *Session) Accept() (*Stream, error) {
	select {
	case st := <-s.chAccepts:
		return st, nil
	case <-s.die:
		return nil, io.ErrClosedPipe
	}
}

// enqueueCallback schedules f to run on the session's single callback
// goroutine, in order, never reentrantly from the caller's stack. This is
// how on_open/on_data/on_close/on_error/on_flow_control are dispatched
// "on the next scheduling turn" per spec §5/§4.4.
func (s *Session) enqueueCallback(f func()) {
	select {
	case s.cbQueue <- f:
	case <-s.die:
	}
}

func (s *Session) callbackLoop() {
	for {
		select {
		case f := <-s.cbQueue:
			f()
		case <-s.die:
			// drain without blocking forever on a full queue
			for {
				select {
				case f := <-s.cbQueue:
					f()
				default:
					return
				}
			}
		}
	}
}

// ---- outbound channel API -------------------------------------------------

// OpenChannel installs a new channel context and either initiates a
// handshake (OPEN) or completes one on behalf of an inbound OPEN
// (when opts.DstChannel is set), per spec §4.4.
func (s *Session) OpenChannel(opts OpenOptions, cb channelCallbacks) (uint32, error) {
	if s.IsClosed() {
		return 0, newError(KindSocketClosed, "session closed")
	}

	if opts.DstChannel != 0 {
		if ownerID, exists := s.table.remoteOwner(opts.DstChannel); exists {
			s.closeForReuse(ownerID)
			return 0, newError(KindOpenChannelReuse, "remote channel already accepted")
		}
	}

	ctx, err := s.table.allocate(cb)
	if err != nil {
		return 0, err
	}

	if opts.DstChannel != 0 {
		s.table.bind(ctx, opts.DstChannel)
		if err := s.writeControl(ctx.dst, ctx.id, msgAck, nil); err != nil {
			s.table.remove(ctx.id)
			cb.onError(err)
			return 0, err
		}
		peerID := ctx.dst
		s.enqueueCallback(func() { cb.onOpen(peerID) })
		return ctx.id, nil
	}

	if err := s.writeControl(0, ctx.id, msgOpen, nil); err != nil {
		s.table.remove(ctx.id)
		cb.onError(err)
		return 0, err
	}

	timeout := opts.timeoutOrDefault()
	id := ctx.id
	timer := time.AfterFunc(timeout, func() {
		select {
		case s.ackTimeouts <- id:
		case <-s.die:
		}
	})
	s.table.mu.Lock()
	if cur, live := s.table.local[id]; live && cur == ctx && !ctx.isOpen() {
		ctx.ackTimer = timer
	} else {
		// the ACK (or a rejecting CLOSE) was handled while the OPEN
		// send was completing; there is nothing left to wait for.
		timer.Stop()
	}
	s.table.mu.Unlock()

	return ctx.id, nil
}

// closeForReuse implements spec §4.4's tie-break for an inbound OPEN that
// reuses a peer id already bound to a live local channel: the pre-existing
// channel is torn down locally with OpenChannelReuse and sent a CLOSE
// carrying that code, so the peer observes ChannelClosedByPeer wrapping
// OpenChannelReuse.
func (s *Session) closeForReuse(ownerID uint32) {
	ctx, ok := s.table.get(ownerID)
	if !ok {
		return
	}
	s.config.Log.Printf("wsmux: channel %d reused by inbound open, closing pre-existing owner", ctx.dst)
	_ = s.writeControl(ctx.dst, ctx.id, msgClose, []byte(KindOpenChannelReuse))
	s.table.remove(ownerID)
	s.enqueueCallback(func() {
		ctx.cb.onError(newError(KindOpenChannelReuse, ""))
		ctx.cb.onClose()
	})
}

// CloseChannel implements the local close operation of spec §4.4: sends
// CLOSE to the peer, unbinds the remote mapping, and tears down the
// local context. Succeeds only when the channel is open.
func (s *Session) CloseChannel(id uint32) (bool, error) {
	ctx, ok := s.table.get(id)
	if !ok || !ctx.isOpen() {
		return false, newError(KindChannelNotOpen, "")
	}

	err := s.writeControl(ctx.dst, ctx.id, msgClose, nil)
	s.table.remove(id)
	s.enqueueCallback(func() { ctx.cb.onClose() })
	if err != nil {
		return false, err
	}
	return true, nil
}

// Send implements spec §4.4's send operation. The boolean result mirrors
// the spec's success/failure contract; a non-nil error additionally
// surfaces the underlying carrier failure for callers that want it.
func (s *Session) Send(id uint32, segments ...[]byte) (bool, error) {
	ctx, ok := s.table.get(id)
	if !ok || !ctx.isOpen() {
		s.reportNotOpen(id, ctx)
		return false, nil
	}

	n := 0
	for _, seg := range segments {
		n += len(seg)
	}
	hdr := encodeHeader(msgData, ctx.dst, ctx.id, n)
	all := append([][]byte{hdr[:]}, segments...)
	if err := s.write(classData, all); err != nil {
		return false, err
	}

	// bookkeeping updates synchronously after the carrier accepts the
	// write, never before (spec §5: "success before callback").
	s.table.mu.Lock()
	ctx.addBytesWritten(n)
	s.table.mu.Unlock()
	return true, nil
}

// SetFlowControl implements spec §4.4's flow_control operation.
func (s *Session) SetFlowControl(id uint32, stop bool) (bool, error) {
	ctx, ok := s.table.get(id)
	if !ok || !ctx.isOpen() {
		s.reportNotOpen(id, ctx)
		return false, nil
	}
	typ := msgResume
	if stop {
		typ = msgPause
	}
	if err := s.writeControl(ctx.dst, ctx.id, typ, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) reportNotOpen(id uint32, ctx *channel) {
	if ctx == nil {
		return
	}
	s.enqueueCallback(func() { ctx.cb.onError(newError(KindChannelNotOpen, "")) })
}

// ChannelInfo returns the byte counters for id, or ok=false if unknown.
// Teardown removes the channel context from the table, so after a channel
// is closed ChannelInfo reports (0, 0, false); no snapshot of the last
// counter values is kept.
func (s *Session) ChannelInfo(id uint32) (written, read uint64, ok bool) {
	ctx, found := s.table.get(id)
	if !found {
		return 0, 0, false
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	return ctx.bytesWritten, ctx.bytesRead, true
}

// Destroy gracefully closes every open channel, detaches the carrier, and
// terminates the session. Subsequent calls are no-ops, per spec §4.4.
func (s *Session) Destroy() error {
	var err error
	s.destroyOnce.Do(func() {
		for _, ctx := range s.table.all() {
			if ctx.isOpen() {
				_, _ = s.CloseChannel(ctx.id)
			} else {
				s.table.remove(ctx.id)
			}
		}
		s.sup.stop()
		closedHere := false
		s.dieOnce.Do(func() {
			close(s.die)
			closedHere = true
		})
		err = s.carrier.Close()
		// after a fatal termination, terminateFatal has already emitted OnClose
		if s.handler != nil && closedHere {
			s.handler.OnClose()
		}
	})
	return err
}

// ---- inbound dispatch ------------------------------------------------

func (s *Session) readerLoop() {
	for {
		msg, err := s.carrier.ReadMessage()
		if err != nil {
			s.notifyCarrierGone(err)
			return
		}
		select {
		case s.inbound <- msg:
		case <-s.die:
			return
		}
	}
}

func (s *Session) notifyCarrierGone(err error) {
	s.goneOnce.Do(func() { s.carrierGone <- err })
}

func (s *Session) onCarrierClosed(err error) {
	s.notifyCarrierGone(err)
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.die:
			return
		case msg := <-s.inbound:
			s.handleMessage(msg)
		case id := <-s.ackTimeouts:
			s.handleAckTimeout(id)
		case err := <-s.carrierGone:
			if !s.IsClosed() {
				s.terminateFatal(wrapSocketError(err))
			}
			return
		}
	}
}

func wrapSocketError(err error) *Error {
	return newError(KindSocketClosedUnexpectedly, errString(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Session) handleAckTimeout(id uint32) {
	ctx, ok := s.table.get(id)
	if !ok {
		return // already resolved by a racing ACK/CLOSE
	}
	s.table.mu.Lock()
	pending := ctx.ackTimer != nil
	s.table.mu.Unlock()
	if !pending {
		return
	}
	s.table.remove(id)
	s.enqueueCallback(func() { ctx.cb.onError(newError(KindOpenChannelTimeout, "")) })
}

// handleMessage decodes and dispatches one inbound carrier message per
// spec §4.4. Malformed frames and unknown types are silently dropped,
// never surfaced to the application.
func (s *Session) handleMessage(msg []byte) {
	h, payload, err := decodeFrame(msg)
	if err != nil {
		return
	}
	if h.version != protoVersion {
		s.terminateFatal(newError(KindUnsupportedProtocolVersion, ""))
		return
	}

	switch h.typ {
	case msgData:
		s.handleData(h, payload)
	case msgOpen:
		s.handleOpen(h)
	case msgAck:
		s.handleAck(h)
	case msgClose:
		s.handleClose(h, payload)
	case msgPause:
		s.handleFlowControl(h, true)
	case msgResume:
		s.handleFlowControl(h, false)
	default:
		// unknown types are silently ignored, per spec §4.2.
	}
}

func (s *Session) handleData(h header, payload []byte) {
	ctx, ok := s.table.get(h.dst)
	if !ok {
		s.config.Log.Printf("wsmux: data for unknown channel %d", h.dst)
		s.sendCloseCode(h.src, 0, KindChannelNotOpen)
		return
	}

	s.table.mu.Lock()
	mismatch := ctx.dst != h.src
	s.table.mu.Unlock()
	if mismatch {
		s.closeMismatched(ctx, h)
		return
	}

	s.table.mu.Lock()
	ctx.addBytesRead(len(payload))
	s.table.mu.Unlock()

	cp := append([]byte(nil), payload...)
	s.enqueueCallback(func() { ctx.cb.onData(cp) })
}

// closeMismatched implements spec §4.4's DATA-mismatch handling: both the
// channel we hold under h.dst and, if it names a different live local
// channel, whatever channel the table actually has bound to h.src are
// closed locally with ChannelMismatch.
func (s *Session) closeMismatched(ctx *channel, h header) {
	s.config.Log.Printf("wsmux: channel mismatch on %d: expected peer %d, got %d", ctx.id, ctx.dst, h.src)
	s.table.remove(ctx.id)
	s.enqueueCallback(func() {
		ctx.cb.onError(newError(KindChannelMismatch, ""))
		ctx.cb.onClose()
	})

	if otherID, exists := s.table.remoteOwner(h.src); exists && otherID != ctx.id {
		other, ok := s.table.get(otherID)
		if ok {
			_ = s.writeControl(other.dst, other.id, msgClose, []byte(KindChannelMismatch))
			s.table.remove(otherID)
			s.enqueueCallback(func() {
				other.cb.onError(newError(KindChannelMismatch, ""))
				other.cb.onClose()
			})
			return
		}
	}
	s.sendCloseCode(h.src, 0, KindChannelNotOpen)
}

func (s *Session) handleOpen(h header) {
	st := newAcceptStream(s)
	if err := st.connect(OpenOptions{DstChannel: h.src}); err != nil {
		we, _ := err.(*Error)
		code := KindChannelNotOpen
		if we != nil {
			code = we.Kind
		}
		s.config.Log.Printf("wsmux: rejecting inbound open for peer channel %d: %v", h.src, err)
		s.sendCloseCode(h.src, 0, code)
		return
	}
	if s.handler != nil {
		s.handler.OnConnection(st)
	}
	select {
	case s.chAccepts <- st:
	case <-s.die:
	}
}

func (s *Session) handleAck(h header) {
	ctx, ok := s.table.get(h.dst)
	if !ok {
		s.config.Log.Printf("wsmux: ack for unknown channel %d", h.dst)
		s.sendCloseCode(h.src, 0, KindChannelNotOpen)
		return
	}

	s.table.mu.Lock()
	if ctx.ackTimer != nil {
		ctx.ackTimer.Stop()
		ctx.ackTimer = nil
	}
	s.table.mu.Unlock()
	s.table.bind(ctx, h.src)

	peerID := h.src
	s.enqueueCallback(func() { ctx.cb.onOpen(peerID) })
}

func (s *Session) handleClose(h header, payload []byte) {
	ctx, ok := s.table.get(h.dst)
	remote := decodeRemoteError(payload)

	var surfaced *Error
	if ok {
		s.table.mu.Lock()
		// a context that is not yet open can only be one we initiated and
		// that is still awaiting its ACK, even before its timer is stored.
		pendingAck := ctx.ackTimer != nil || !ctx.isOpen()
		s.table.mu.Unlock()
		switch {
		case pendingAck:
			surfaced = wrapRemote(KindOpenChannelRejected, remote)
		case remote != nil:
			surfaced = wrapRemote(KindChannelClosedByPeer, remote)
		}
		s.table.remove(ctx.id)
	}

	if !ok {
		return // a stray CLOSE is fine, per spec §4.4.
	}
	s.enqueueCallback(func() {
		if surfaced != nil {
			ctx.cb.onError(surfaced)
		}
		ctx.cb.onClose()
	})
}

func (s *Session) handleFlowControl(h header, stop bool) {
	ctx, ok := s.table.get(h.dst)
	if !ok {
		s.config.Log.Printf("wsmux: flow control for unknown channel %d", h.dst)
		s.sendCloseCode(h.src, 0, KindChannelNotOpen)
		return
	}
	s.enqueueCallback(func() { ctx.cb.onFlowControl(stop) })
}

// terminateFatal ends the whole session on a fatal error, per spec §7:
// PingTimeout, SocketClosedUnexpectedly, UnsupportedProtocolVersion.
// Emits error then close on the session handler, tears down every
// channel, and guarantees no further outbound frames after return, per
// spec §8's protocol-termination invariant.
func (s *Session) terminateFatal(err *Error) {
	s.config.Log.Printf("wsmux: session terminating: %v", err)
	s.dieOnce.Do(func() {
		s.terminalErr.Store(err)
		close(s.die)
	})
	s.sup.stop()

	for _, ctx := range s.table.all() {
		s.table.remove(ctx.id)
		cb := ctx.cb
		e := err
		s.enqueueCallback(func() {
			cb.onError(e)
			cb.onClose()
		})
	}

	if s.handler != nil {
		s.handler.OnError(err)
		s.handler.OnClose()
	}
	_ = s.carrier.Close()
}

// ---- outbound plumbing -------------------------------------------------

func (s *Session) sendPing() error {
	return s.carrier.Ping()
}

// sendCloseCode sends a CLOSE whose payload is the UTF-8 wire code for
// kind, used for the locally-recovered conditions of spec §4.4 (DATA/ACK/
// PAUSE/RESUME addressed to an absent channel).
func (s *Session) sendCloseCode(dst, src uint32, kind Kind) {
	_ = s.writeControl(dst, src, msgClose, []byte(kind))
}

func (s *Session) writeControl(dst, src uint32, typ msgType, payload []byte) error {
	hdr := encodeHeader(typ, dst, src, len(payload))
	segs := [][]byte{hdr[:]}
	if len(payload) > 0 {
		segs = append(segs, payload)
	}
	return s.write(classCtrl, segs)
}

// write round-trips a write request through the shaper and sendLoop,
// mirroring smux.Session.writeFrameInternal.
func (s *Session) write(class writeClass, segments [][]byte) error {
	req := writeRequest{
		class:    class,
		segments: segments,
		seq:      atomic.AddUint32(&s.requestID, 1),
		result:   make(chan error, 1),
	}
	select {
	case s.shaper <- req:
	case <-s.die:
		return io.ErrClosedPipe
	}
	select {
	case err := <-req.result:
		return err
	case <-s.die:
		return io.ErrClosedPipe
	}
}

// shaperLoop arbitrates between control-class and data-class writes using
// a priority heap, exactly as smux.Session.shaperLoop does for its
// CLSCTRL/CLSDATA classes.
func (s *Session) shaperLoop() {
	var reqs writeHeap
	for {
		var chWrite chan writeRequest
		var next writeRequest
		if len(reqs) > 0 {
			chWrite = s.writes
			next = reqs[0]
		}

		select {
		case <-s.die:
			return
		case r := <-s.shaper:
			heap.Push(&reqs, r)
		case chWrite <- next:
			heap.Pop(&reqs)
		}
	}
}

// sendLoop owns the carrier's write half, handing each queued request to
// the carrier in priority order, mirroring smux.Session.sendLoop's single
// writer goroutine. The header/payload scatter-gather optimization lives
// in the carrier implementation itself (see carrier_pipe.go, which wires
// sagernet/sing's vectorised writer the same way smux.Session.sendLoop
// does), since only the carrier knows its underlying transport's
// capabilities.
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.die:
			return
		case req := <-s.writes:
			err := s.carrier.Send(req.segments...)
			req.result <- err
			if err != nil {
				if !s.IsClosed() {
					s.terminateFatal(wrapSocketError(err))
				}
				return
			}
		}
	}
}
