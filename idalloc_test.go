package wsmux

import "testing"

func TestAllocateChannelID_StartsAtOne(t *testing.T) {
	used := map[uint32]bool{}
	id, err := allocateChannelID(0, func(id uint32) bool { return used[id] }, 10)
	if err != nil {
		t.Fatalf("allocateChannelID: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}
}

// Boundary behavior of spec §8: a fragmented table {1,2,4,max_u32} returns
// id 3, probing forward from max+1 (which wraps to 1, already used).
func TestAllocateChannelID_FragmentedTable(t *testing.T) {
	occupied := map[uint32]bool{1: true, 2: true, 4: true, 4294967295: true}
	id, err := allocateChannelID(4294967295, func(id uint32) bool { return occupied[id] }, 10)
	if err != nil {
		t.Fatalf("allocateChannelID: %v", err)
	}
	if id != 3 {
		t.Errorf("id = %d, want 3", id)
	}
}

// Boundary behavior of spec §8: max_channels = 0 immediately yields
// NoChannels.
func TestAllocateChannelID_ZeroMaxChannels(t *testing.T) {
	_, err := allocateChannelID(0, func(uint32) bool { return false }, 0)
	we, ok := err.(*Error)
	if !ok || we.Kind != KindNoChannels {
		t.Fatalf("err = %v, want *Error{Kind: NoChannels}", err)
	}
}

func TestAllocateChannelID_TableFull(t *testing.T) {
	_, err := allocateChannelID(5, func(uint32) bool { return true }, 3)
	we, ok := err.(*Error)
	if !ok || we.Kind != KindNoChannels {
		t.Fatalf("err = %v, want *Error{Kind: NoChannels}", err)
	}
}

func TestWrapIncrement(t *testing.T) {
	if got := wrapIncrement(0); got != 1 {
		t.Errorf("wrapIncrement(0) = %d, want 1", got)
	}
	if got := wrapIncrement(4294967295); got != 1 {
		t.Errorf("wrapIncrement(max_u32) = %d, want 1 (wrap-around)", got)
	}
	if got := wrapIncrement(41); got != 42 {
		t.Errorf("wrapIncrement(41) = %d, want 42", got)
	}
}
