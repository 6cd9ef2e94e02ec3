package wsmux

import "container/heap"

// writeClass prioritizes control-plane frames (OPEN/ACK/CLOSE/PAUSE/RESUME)
// ahead of DATA frames in the outbound queue, exactly as smux.session.go's
// CLASSID/CLSCTRL/CLSDATA does for its SYN/FIN/UPD vs PSH frames.
type writeClass int

const (
	classCtrl writeClass = iota
	classData
)

// writeRequest represents one queued outbound message, mirroring
// smux.writeRequest but carrying pre-built segments instead of a smux
// Frame, since this protocol's header/payload split is produced by
// frame.go rather than a single Frame type.
type writeRequest struct {
	class    writeClass
	segments [][]byte
	seq      uint32
	result   chan error
}

// writeHeap is a min-heap ordering by (class, seq), giving control frames
// strict priority while preserving FIFO order within a class - the same
// shape as smux's shaperHeap.
type writeHeap []writeRequest

func (h writeHeap) Len() int { return len(h) }
func (h writeHeap) Less(i, j int) bool {
	if h[i].class != h[j].class {
		return h[i].class < h[j].class
	}
	return h[i].seq < h[j].seq
}
func (h writeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *writeHeap) Push(x any) {
	*h = append(*h, x.(writeRequest))
}

func (h *writeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*writeHeap)(nil)
