package coordinator

import (
	"container/list"
	"net/netip"
)

// outstandingRequest is a sub-piece requested from a peer that has not yet
// been delivered, cancelled, or re-routed.
type outstandingRequest struct {
	PieceIndex int
	Begin      int
	Length     int
	Origin     netip.AddrPort
}

type timeoutKey struct {
	idx, begin, length int
}

// timeoutTable is the FIFO of stalled outstanding requests parked for
// opportunistic reassignment. At most one entry exists per
// (piece_index, begin_offset, length) triple.
type timeoutTable struct {
	order *list.List
	index map[timeoutKey]*list.Element
}

func newTimeoutTable() *timeoutTable {
	return &timeoutTable{
		order: list.New(),
		index: make(map[timeoutKey]*list.Element),
	}
}

// add inserts req if no entry for (idx, begin, length) exists, reporting
// whether the insertion happened.
func (t *timeoutTable) add(req outstandingRequest) bool {
	key := timeoutKey{req.PieceIndex, req.Begin, req.Length}
	if _, exists := t.index[key]; exists {
		return false
	}
	el := t.order.PushBack(req)
	t.index[key] = el
	return true
}

// addFront re-inserts req at the head of the FIFO if no entry for
// (idx, begin, length) exists yet, reporting whether the insertion
// happened. Used to put a popped entry back where it was found after a
// transient send failure, rather than sending it to the back of the queue.
func (t *timeoutTable) addFront(req outstandingRequest) bool {
	key := timeoutKey{req.PieceIndex, req.Begin, req.Length}
	if _, exists := t.index[key]; exists {
		return false
	}
	el := t.order.PushFront(req)
	t.index[key] = el
	return true
}

// remove deletes the entry matching (idx, begin, length), reporting whether
// an entry was removed.
func (t *timeoutTable) remove(idx, begin, length int) bool {
	key := timeoutKey{idx, begin, length}
	el, ok := t.index[key]
	if !ok {
		return false
	}
	t.order.Remove(el)
	delete(t.index, key)
	return true
}

// popFront removes and returns the oldest parked request, if any.
func (t *timeoutTable) popFront() (outstandingRequest, bool) {
	el := t.order.Front()
	if el == nil {
		return outstandingRequest{}, false
	}
	req := el.Value.(outstandingRequest)
	t.order.Remove(el)
	delete(t.index, timeoutKey{req.PieceIndex, req.Begin, req.Length})
	return req, true
}

// removeAllForPeer removes every entry whose Origin is addr, returning them
// in FIFO order. The coordinator's dispose path does not call it; onDispose
// removes only the entries matching the disposed peer's request buffer.
func (t *timeoutTable) removeAllForPeer(addr netip.AddrPort) []outstandingRequest {
	var removed []outstandingRequest

	var next *list.Element
	for el := t.order.Front(); el != nil; el = next {
		next = el.Next()
		req := el.Value.(outstandingRequest)
		if req.Origin != addr {
			continue
		}
		t.order.Remove(el)
		delete(t.index, timeoutKey{req.PieceIndex, req.Begin, req.Length})
		removed = append(removed, req)
	}
	return removed
}

func (t *timeoutTable) len() int { return t.order.Len() }
