package coordinator

import (
	"log/slog"
	"testing"

	"github.com/moham96/swarmcore/internal/config"
	"github.com/moham96/swarmcore/internal/swarmpeer"
)

func newTestCoordinator(t *testing.T, pieceCount int, pieceLength int) (*Coordinator, *fakeSelector, *fakeFileManager, *fakeProvider) {
	t.Helper()
	sel := &fakeSelector{}
	files := newFakeFileManager(pieceCount)
	provider := newFakeProvider(pieceCount, pieceLength)
	cfg := config.WithDefaultConfig()
	c := New(cfg, slog.Default(), sel, files, provider, int64(pieceLength), pieceCount)
	t.Cleanup(func() {
		if c.keepAliveTimer != nil {
			c.keepAliveTimer.Stop()
		}
	})
	return c, sel, files, provider
}

// S1: a single 3-sub-piece piece is fully requested across three
// request_pieces passes, one sub-piece per pass, tail-truncated correctly.
func TestScenarioSingleThreeSubPieceDownload(t *testing.T) {
	pieceLength := 3 * config.SubPieceLength
	c, sel, _, provider := newTestCoordinator(t, 1, pieceLength)
	sel.nextPiece = provider.Piece(0)

	peer := newFakePeer("peerA", 1)
	if _, ok := c.HookPeer(peer); !ok {
		t.Fatalf("expected peer to hook")
	}

	for i := 0; i < 3; i++ {
		c.requestPieces(peer.addr, nil)
	}

	if len(peer.sentRequests) != 3 {
		t.Fatalf("expected 3 requests sent, got %d", len(peer.sentRequests))
	}
	for i, r := range peer.sentRequests {
		if r.Index != 0 {
			t.Fatalf("request %d: expected piece 0, got %d", i, r.Index)
		}
	}
	last := peer.sentRequests[2]
	if last.Length != config.SubPieceLength {
		t.Fatalf("expected final sub-piece still full length (3*16384 divides evenly), got %d", last.Length)
	}

	// a fourth pass finds nothing left to pop, and sends nothing further
	c.requestPieces(peer.addr, nil)
	if len(peer.sentRequests) != 3 {
		t.Fatalf("expected no further requests once the piece is fully outstanding, got %d", len(peer.sentRequests))
	}
}

// S2: a timed-out request is reassigned to a different peer, and the
// original peer's bookkeeping is cleared via RemoveRequest.
func TestScenarioTimeoutReassignment(t *testing.T) {
	pieceLength := config.SubPieceLength
	c, sel, _, _ := newTestCoordinator(t, 1, pieceLength)
	sel.nextPiece = nil // force resolvePiece to report nothing, driving the timeout-reassign path

	slow := newFakePeer("slow", 1)
	fast := newFakePeer("fast", 2)
	c.HookPeer(slow)
	c.HookPeer(fast)

	slow.requests = append(slow.requests, swarmpeer.OutstandingRequest{PieceIndex: 0, Begin: 0, Length: config.SubPieceLength})
	c.onRequestTimeout(slow.addr, 0, 0, config.SubPieceLength)

	c.requestPieces(fast.addr, nil)

	if len(fast.sentRequests) != 1 {
		t.Fatalf("expected the timed-out request reassigned to fast, got %d sends", len(fast.sentRequests))
	}
	if len(slow.requests) != 0 {
		t.Fatalf("expected slow's outstanding entry cleared on reassignment")
	}
}

// S3: a peer that keeps sending requests while paused is disposed once it
// exceeds the per-peer paused-request cap.
func TestScenarioAbusivePeerDisposedOnPausedFlood(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, 1, config.SubPieceLength)
	p := newFakePeer("floody", 1)
	c.HookPeer(p)
	c.pause()

	for i := 0; i < config.MaxPausedRequestsPerPeer; i++ {
		c.onRequest(p.addr, 0, 0, 100)
		if p.disposed {
			t.Fatalf("disposed too early, at request %d", i+1)
		}
	}

	c.onRequest(p.addr, 0, 0, 100)
	if !p.disposed {
		t.Fatalf("expected peer disposed after exceeding the paused-request cap")
	}
	if p.disposeReason == "" {
		t.Fatalf("expected a dispose reason to be recorded")
	}
}

// S4: a PEX tick with a membership change gossips added/dropped to every
// peer that negotiated ut_pex, and skips peers that didn't.
func TestScenarioPEXTickGossipsToNegotiatedPeersOnly(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, 1, config.SubPieceLength)

	withPEX := newFakePeer("withPEX", 1)
	c.HookPeer(withPEX) // HookPeer always calls RegisterExtension("ut_pex"), which our fake honors

	withoutPEX := newFakePeer("withoutPEX", 2)
	withoutPEX.negotiatedPEX = false
	c.mu.Lock()
	c.peers[withoutPEX.addr] = withoutPEX
	c.mu.Unlock()

	c.handlePEXTick()

	if len(withPEX.extended) != 1 {
		t.Fatalf("expected one ut_pex message to the negotiated peer, got %d", len(withPEX.extended))
	}
	if len(withoutPEX.extended) != 0 {
		t.Fatalf("expected no ut_pex message to the non-negotiated peer, got %d", len(withoutPEX.extended))
	}
}

// S5: a reject pushes the sub-piece back to the tail of its piece's queue,
// behind anything still queued, rather than to the head.
func TestScenarioRejectRequeuesToTail(t *testing.T) {
	_, _, _, provider := newTestCoordinator(t, 2, config.SubPieceLength*3)
	pc := provider.Piece(0)

	first, _ := pc.PopSubPiece()  // ordinal 0
	second, _ := pc.PopSubPiece() // ordinal 1
	if first != 0 || second != 1 {
		t.Fatalf("unexpected initial pop order: %d, %d", first, second)
	}

	pc.PushSubPieceLast(first) // reject of ordinal 0

	next, ok := pc.PopSubPiece()
	if !ok || next != 2 {
		t.Fatalf("expected ordinal 2 (never rejected) to pop before the rejected ordinal 0, got %d", next)
	}
	next, ok = pc.PopSubPiece()
	if !ok || next != 0 {
		t.Fatalf("expected rejected ordinal 0 last, got %d", next)
	}
}

// S6: while paused, request_pieces calls are buffered rather than sent, and
// resume replays them by re-posting onto the event queue.
func TestScenarioPauseBuffersAndResumeReplays(t *testing.T) {
	pieceLength := config.SubPieceLength
	c, sel, _, provider := newTestCoordinator(t, 1, pieceLength)
	sel.nextPiece = provider.Piece(0)

	peer := newFakePeer("peerA", 1)
	c.HookPeer(peer)

	c.pause()
	c.requestPieces(peer.addr, nil)

	if len(peer.sentRequests) != 0 {
		t.Fatalf("expected no requests sent while paused, got %d", len(peer.sentRequests))
	}
	if c.pausedOutgoing.Len() != 1 {
		t.Fatalf("expected the deferred call buffered, got %d entries", c.pausedOutgoing.Len())
	}

	c.resume()

	select {
	case e := <-c.events:
		ev, ok := e.(RequestPiecesEvent)
		if !ok {
			t.Fatalf("expected a RequestPiecesEvent replayed, got %T", e)
		}
		c.dispatch(ev)
	default:
		t.Fatalf("expected resume to repost the deferred request_pieces call")
	}

	if len(peer.sentRequests) != 1 {
		t.Fatalf("expected the replayed call to actually send a request, got %d", len(peer.sentRequests))
	}
}
