package coordinator

import (
	"container/list"
	"net/netip"
)

// maxInFlightUploadsPerPeer caps how many pending read requests a single
// peer may have outstanding in the UploadQueue at once.
const maxInFlightUploadsPerPeer = 6

type uploadEntry struct {
	PieceIndex int
	Begin      int
	Peer       netip.AddrPort
}

// uploadQueue tracks pending disk-read requests issued on behalf of remote
// peers awaiting upload, plus a per-peer in-flight counter capped at
// maxInFlightUploadsPerPeer. inFlight[p] always equals the number of queue
// entries whose Peer is p.
type uploadQueue struct {
	order    *list.List
	inFlight map[netip.AddrPort]int
}

func newUploadQueue() *uploadQueue {
	return &uploadQueue{
		order:    list.New(),
		inFlight: make(map[netip.AddrPort]int),
	}
}

// inFlightCount returns the peer's current in-flight upload count.
func (q *uploadQueue) inFlightCount(p netip.AddrPort) int {
	return q.inFlight[p]
}

// enqueue appends a pending read request and increments the peer's
// in-flight count. Callers must have already checked inFlightCount against
// maxInFlightUploadsPerPeer — enqueue does not itself refuse.
func (q *uploadQueue) enqueue(idx, begin int, peer netip.AddrPort) {
	q.order.PushBack(uploadEntry{PieceIndex: idx, Begin: begin, Peer: peer})
	q.inFlight[peer]++
}

// complete scans from the head for the first entry matching (idx, begin)
// regardless of which peer it belongs to, decrements that peer's in-flight
// count, removes the entry, and returns it. A remote may have requested the
// same offset through more than one peer session; FIFO "first match" is
// sufficient disambiguation (documented upstream trade-off, not a bug).
func (q *uploadQueue) complete(idx, begin int) (netip.AddrPort, bool) {
	for el := q.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(uploadEntry)
		if e.PieceIndex != idx || e.Begin != begin {
			continue
		}
		q.order.Remove(el)
		q.inFlight[e.Peer]--
		if q.inFlight[e.Peer] <= 0 {
			delete(q.inFlight, e.Peer)
		}
		return e.Peer, true
	}
	return netip.AddrPort{}, false
}

// removeAllForPeer drops every queued entry belonging to addr and clears its
// in-flight counter, used on peer dispose.
func (q *uploadQueue) removeAllForPeer(addr netip.AddrPort) {
	var next *list.Element
	for el := q.order.Front(); el != nil; el = next {
		next = el.Next()
		if el.Value.(uploadEntry).Peer == addr {
			q.order.Remove(el)
		}
	}
	delete(q.inFlight, addr)
}

func (q *uploadQueue) len() int { return q.order.Len() }
