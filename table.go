package wsmux

import (
	"sync"
	"time"
)

// channelCallbacks is the "five inbound callbacks" of spec §3's channel
// context, implemented as an interface so the multiplexer core (C6) stays
// decoupled from whatever presents the channel to the application (the
// duplex adapter, C7, or a test double). Every method is invoked from the
// session's single logical task; implementations must not block.
type channelCallbacks interface {
	onOpen(peerID uint32)
	onClose()
	onError(err error)
	onData(b []byte)
	onFlowControl(stop bool)
}

// channel is the per-local-id context described in spec §3.
type channel struct {
	id  uint32
	dst uint32 // 0 until acknowledged

	cb channelCallbacks

	bytesWritten uint64
	bytesRead    uint64

	ackTimer *time.Timer // non-nil only while opening and we initiated
}

func (c *channel) isOpen() bool {
	return c.dst > 0
}

// table is the channel table (C4): local_map and remote_map under one
// mutex, maintaining the bijection invariant of spec §3. Modeled on
// smux.Session's streams map + streamLock, generalized with the remote_map
// half this protocol's accept-by-remote-id handshake needs.
type table struct {
	mu     sync.Mutex
	local  map[uint32]*channel
	remote map[uint32]uint32 // peer src -> local id

	maxChannels int
}

func newTable(maxChannels int) *table {
	return &table{
		local:       make(map[uint32]*channel),
		remote:      make(map[uint32]uint32),
		maxChannels: maxChannels,
	}
}

// allocate reserves a new local id and installs ctx under it. Returns
// NoChannels per spec §4.3/§8 when the table is full or exhausted.
func (t *table) allocate(cb channelCallbacks) (*channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.local) >= t.maxChannels {
		return nil, newError(KindNoChannels, "table at capacity")
	}

	var maxID uint32
	for used := range t.local {
		if used > maxID {
			maxID = used
		}
	}
	id, err := allocateChannelID(maxID, func(id uint32) bool {
		_, ok := t.local[id]
		return ok
	}, t.maxChannels)
	if err != nil {
		return nil, err
	}

	ctx := &channel{id: id, cb: cb}
	t.local[id] = ctx
	return ctx, nil
}

// get returns the context for a local id, if any.
func (t *table) get(id uint32) (*channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.local[id]
	return c, ok
}

// remoteOwner returns the local id mapped to a given peer src id, if any.
func (t *table) remoteOwner(peerID uint32) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.remote[peerID]
	return id, ok
}

// bind completes the handshake for ctx: records the peer's id both on the
// context and in remote_map, maintaining the bijection invariant.
func (t *table) bind(ctx *channel, peerID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx.dst = peerID
	t.remote[peerID] = ctx.id
}

// remove deletes a channel from both maps. Safe to call more than once.
func (t *table) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx, ok := t.local[id]; ok {
		if ctx.dst > 0 {
			delete(t.remote, ctx.dst)
		}
		delete(t.local, id)
	}
}

// len reports the number of live channel contexts.
func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.local)
}

// all returns a snapshot slice of every live channel, used for teardown.
func (t *table) all() []*channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*channel, 0, len(t.local))
	for _, c := range t.local {
		out = append(out, c)
	}
	return out
}

// addBytesRead/addBytesWritten are small helpers kept here, next to the
// counters they touch, even though they are invoked from the session (C6).
// Counters are "monotone non-decreasing" per spec §5; the session updates
// them and ChannelInfo reads them while holding table.mu.
func (c *channel) addBytesRead(n int) {
	c.bytesRead += uint64(n)
}

func (c *channel) addBytesWritten(n int) {
	c.bytesWritten += uint64(n)
}
