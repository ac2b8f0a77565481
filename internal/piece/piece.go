// Package piece implements the per-piece sub-piece bookkeeping the swarm
// coordinator drives requests from: the FIFO of sub-piece ordinals still to
// request, and the set of peers known to hold the piece.
package piece

import (
	"container/list"
)

// SubPieceLength is the fixed block size (DEFAULT_REQUEST_LENGTH) every
// sub-piece request uses, except the final, truncated sub-piece of a piece.
const SubPieceLength = 16 * 1024

// Piece tracks one piece's static length and the dynamic queue of
// sub-piece ordinals still available to request. It is not safe for
// concurrent use; callers serialize access the same way the coordinator
// serializes every other piece of shared state.
type Piece struct {
	index      int
	byteLength int

	queue   *list.List // of int sub-piece ordinal, oldest-request-first at Front
	inQueue map[int]*list.Element

	availablePeers map[string]struct{}
}

// New returns a Piece for index with byteLength bytes, its sub-piece queue
// seeded with every ordinal in ascending order.
func New(index, byteLength int) *Piece {
	p := &Piece{
		index:          index,
		byteLength:     byteLength,
		queue:          list.New(),
		inQueue:        make(map[int]*list.Element),
		availablePeers: make(map[string]struct{}),
	}

	for ord := 0; ord < SubPieceCount(byteLength); ord++ {
		el := p.queue.PushBack(ord)
		p.inQueue[ord] = el
	}

	return p
}

// Index returns the piece's index.
func (p *Piece) Index() int { return p.index }

// ByteLength returns the piece's total byte length.
func (p *Piece) ByteLength() int { return p.byteLength }

// SubPieceCount returns how many 16384-byte sub-pieces make up byteLength,
// the final one truncated to whatever remains.
func SubPieceCount(byteLength int) int {
	if byteLength <= 0 {
		return 0
	}
	return (byteLength + SubPieceLength - 1) / SubPieceLength
}

// SubPieceBounds returns the (begin, length) of sub-piece ordinal within a
// piece of byteLength bytes.
func SubPieceBounds(byteLength, ordinal int) (begin, length int) {
	begin = ordinal * SubPieceLength
	length = SubPieceLength
	if remaining := byteLength - begin; remaining < SubPieceLength {
		length = remaining
	}
	return begin, length
}

// PopSubPiece removes and returns the sub-piece ordinal at the head of the
// queue, or ok=false if nothing is left to request.
func (p *Piece) PopSubPiece() (ordinal int, ok bool) {
	front := p.queue.Front()
	if front == nil {
		return 0, false
	}

	ordinal = front.Value.(int)
	p.queue.Remove(front)
	delete(p.inQueue, ordinal)
	return ordinal, true
}

// PushSubPiece returns ordinal to the head of the queue — fast retry after
// transient send backpressure. A no-op if ordinal is already queued.
func (p *Piece) PushSubPiece(ordinal int) {
	if _, already := p.inQueue[ordinal]; already {
		return
	}
	p.inQueue[ordinal] = p.queue.PushFront(ordinal)
}

// PushSubPieceLast returns ordinal to the tail of the queue — deprioritize
// after a reject. A no-op if ordinal is already queued.
func (p *Piece) PushSubPieceLast(ordinal int) {
	if _, already := p.inQueue[ordinal]; already {
		return
	}
	p.inQueue[ordinal] = p.queue.PushBack(ordinal)
}

// HaveAvailableSubPiece reports whether any sub-piece is still queued.
func (p *Piece) HaveAvailableSubPiece() bool {
	return p.queue.Len() > 0
}

// AddAvailablePeer records that peerKey is known to hold this piece.
func (p *Piece) AddAvailablePeer(peerKey string) {
	p.availablePeers[peerKey] = struct{}{}
}

// RemoveAvailablePeer removes peerKey from the set of peers known to hold
// this piece. A no-op if peerKey wasn't recorded.
func (p *Piece) RemoveAvailablePeer(peerKey string) {
	delete(p.availablePeers, peerKey)
}

// AvailablePeerCount returns how many peers are currently known to hold
// this piece — used by rarest-first selection.
func (p *Piece) AvailablePeerCount() int {
	return len(p.availablePeers)
}

// HasAvailablePeer reports whether peerKey is known to hold this piece.
func (p *Piece) HasAvailablePeer(peerKey string) bool {
	_, ok := p.availablePeers[peerKey]
	return ok
}
