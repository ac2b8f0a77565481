package swarmpeer

import (
	"net/netip"
	"testing"

	"github.com/moham96/swarmcore/internal/bitfield"
	"github.com/moham96/swarmcore/internal/wire"
)

func newTestPeer(pieceCount int) *Peer {
	return newPeer(nil, netip.AddrPort{}, [20]byte{}, [20]byte{}, pieceCount, WithDefaultConfig(), nil)
}

func TestInitialStateChokedAndDisinterested(t *testing.T) {
	p := newTestPeer(4)

	if !p.AmChoking() || !p.PeerChoking() {
		t.Fatalf("expected both directions choked initially")
	}
	if p.AmInterested() || p.PeerInterested() {
		t.Fatalf("expected both directions disinterested initially")
	}
}

func TestStateTransitionsAreIndependent(t *testing.T) {
	p := newTestPeer(4)

	p.setState(maskAmInterested, true)
	if !p.AmInterested() {
		t.Fatalf("expected am_interested set")
	}
	if p.AmChoking() == false {
		t.Fatalf("expected am_choking to remain true, unaffected by am_interested")
	}

	p.setState(maskPeerChoking, false)
	if p.PeerChoking() {
		t.Fatalf("expected peer_choking cleared")
	}
	if !p.AmInterested() {
		t.Fatalf("am_interested should not have been disturbed")
	}
}

func TestRequestBufferAddRemove(t *testing.T) {
	p := newTestPeer(4)

	p.addRequest(0, 0, 16384)
	p.addRequest(0, 16384, 16384)

	got := p.Requests()
	if len(got) != 2 {
		t.Fatalf("expected 2 outstanding requests, got %d", len(got))
	}

	p.RemoveRequest(0, 0, 16384)
	got = p.Requests()
	if len(got) != 1 {
		t.Fatalf("expected 1 outstanding request after remove, got %d", len(got))
	}
	if got[0].Begin != 16384 {
		t.Fatalf("expected remaining request at begin=16384, got %+v", got[0])
	}
}

func TestHandleBitfieldMarksSeederWhenComplete(t *testing.T) {
	p := newTestPeer(8)

	full := bitfield.New(8)
	for i := 0; i < 8; i++ {
		full.Set(i)
	}

	msg := wire.MessageBitfield(full.Bytes())
	if err := p.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if !p.IsSeeder() {
		t.Fatalf("expected peer marked seeder after full bitfield")
	}
	if !p.RemoteBitfield().All() {
		t.Fatalf("expected remote bitfield fully set")
	}
}

func TestHandleAllowedFastTracksSuggested(t *testing.T) {
	p := newTestPeer(4)

	msg := wire.Message{ID: wire.MsgAllowedFast, Payload: []byte{0, 0, 0, 2}}
	if err := p.handleMessage(&msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	suggested := p.RemoteSuggested()
	if len(suggested) != 1 || suggested[0] != 2 {
		t.Fatalf("expected suggested=[2], got %v", suggested)
	}
}

func TestHandlePieceRemovesRequestAndCountsDownload(t *testing.T) {
	p := newTestPeer(4)
	p.addRequest(1, 0, 4)

	msg := wire.MessagePiece(1, 0, []byte{1, 2, 3, 4})
	if err := p.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if len(p.Requests()) != 0 {
		t.Fatalf("expected request removed on matching piece")
	}
	if p.stats.Downloaded.Load() != 4 {
		t.Fatalf("expected 4 bytes downloaded, got %d", p.stats.Downloaded.Load())
	}
}

func TestChokeUnchokeHandlerFires(t *testing.T) {
	var got []bool
	p := newPeer(nil, netip.AddrPort{}, [20]byte{}, [20]byte{}, 1, WithDefaultConfig(), nil)
	p.SetHandlers(Handlers{
		OnChokeChange: func(_ *Peer, choked bool) { got = append(got, choked) },
	})

	if err := p.handleMessage(wire.MessageUnchoke()); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if err := p.handleMessage(wire.MessageChoke()); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Fatalf("expected [false true], got %v", got)
	}
}

func TestHistoryBufferWrapsAtCapacity(t *testing.T) {
	h := newHistoryBuffer(2)
	h.Add(historyEvent{Type: "A"})
	h.Add(historyEvent{Type: "B"})
	h.Add(historyEvent{Type: "C"})

	got := h.Get(2)
	if len(got) != 2 || got[0].Type != "B" || got[1].Type != "C" {
		t.Fatalf("expected [B C], got %+v", got)
	}
}
