package wsmux

// allocateChannelID picks the next free local channel id following spec
// §4.3: starting from (max(used) mod 2^32)+1, probe forward with the same
// wrap-around rule until a free id is found or maxChannels ids have been
// probed. used must report whether a candidate id is currently occupied.
//
// This generalizes smux.Session.OpenStream's id bump (nextStreamID += 2,
// with an overflow check producing ErrGoAway): that scheme works because
// smux partitions ids by client/server parity, so only one side ever
// allocates a given id. This protocol is symmetric - either peer may open -
// so ids are instead probed for vacancy one at a time, exactly as spec §4.3
// and its boundary scenario (fragmented table {1,2,4,max_u32} -> id 3)
// require.
func allocateChannelID(maxID uint32, used func(uint32) bool, maxChannels int) (uint32, error) {
	if maxChannels <= 0 {
		return 0, newError(KindNoChannels, "max_channels is zero")
	}

	start := wrapIncrement(maxID)
	id := start
	for i := 0; i < maxChannels; i++ {
		if !used(id) {
			return id, nil
		}
		id = wrapIncrement(id)
		if id == start && i > 0 {
			break
		}
	}
	return 0, newError(KindNoChannels, "channel table full")
}

// wrapIncrement returns id + 1, wrapping from math.MaxUint32 back to 1 so
// that ids stay within [1, 2^32-1] and never take the reserved value 0.
// Channel ids are uint32, so the wraparound comes from uint32 overflow
// (MaxUint32 + 1 == 0), which is then mapped to 1.
func wrapIncrement(id uint32) uint32 {
	next := id + 1 // uint32 overflow: math.MaxUint32 + 1 wraps to 0
	if next == 0 {
		return 1
	}
	return next
}
