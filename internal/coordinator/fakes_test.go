package coordinator

import (
	"context"
	"net/netip"
	"sync"

	"github.com/moham96/swarmcore/internal/bitfield"
	"github.com/moham96/swarmcore/internal/piece"
	"github.com/moham96/swarmcore/internal/selector"
	"github.com/moham96/swarmcore/internal/swarmpeer"
)

// fakePeer is a PeerHandle test double recording every send so scenario
// tests can assert on outbound protocol traffic without a real socket.
type fakePeer struct {
	mu sync.Mutex

	id      string
	addr    netip.AddrPort
	remote  bitfield.Bitfield
	suggest []int

	amChoking, amInterested, peerChoking, peerInterested bool
	disposed, seeder, negotiatedPEX                      bool
	disposeReason                                        string

	requests []swarmpeer.OutstandingRequest

	sentRequests []sentRequest
	sentPieces   []sentPiece
	sentHaves    []int
	interestedCalls []bool
	chokeCalls      []bool
	extended        []sentExtended

	refuseSend bool
}

type sentRequest struct{ Index, Begin, Length int }
type sentPiece struct {
	Index, Begin int
	Block        []byte
}
type sentExtended struct {
	Name string
	Dict map[string]any
}

func newFakePeer(id string, port uint16) *fakePeer {
	return &fakePeer{id: id, addr: addr(port)}
}

func (f *fakePeer) ID() string                        { return f.id }
func (f *fakePeer) RemoteAddr() netip.AddrPort         { return f.addr }
func (f *fakePeer) RemoteBitfield() bitfield.Bitfield  { return f.remote }
func (f *fakePeer) RemoteSuggested() []int             { return f.suggest }
func (f *fakePeer) AmChoking() bool                    { return f.amChoking }
func (f *fakePeer) AmInterested() bool                 { return f.amInterested }
func (f *fakePeer) PeerChoking() bool                  { return f.peerChoking }
func (f *fakePeer) PeerInterested() bool               { return f.peerInterested }
func (f *fakePeer) IsDisposed() bool                   { return f.disposed }
func (f *fakePeer) IsSeeder() bool                     { return f.seeder }
func (f *fakePeer) HasNegotiatedPEX() bool              { return f.negotiatedPEX }

func (f *fakePeer) Requests() []swarmpeer.OutstandingRequest {
	out := make([]swarmpeer.OutstandingRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakePeer) RemoveRequest(idx, begin, length int) {
	for i, r := range f.requests {
		if r.PieceIndex == idx && r.Begin == begin && r.Length == length {
			f.requests = append(f.requests[:i], f.requests[i+1:]...)
			return
		}
	}
}

func (f *fakePeer) SendBitfield(bf bitfield.Bitfield) {}
func (f *fakePeer) SendChoke(choked bool)              { f.chokeCalls = append(f.chokeCalls, choked) }
func (f *fakePeer) SendInterested(interested bool) {
	f.interestedCalls = append(f.interestedCalls, interested)
}
func (f *fakePeer) SendHave(idx int) { f.sentHaves = append(f.sentHaves, idx) }

func (f *fakePeer) SendRequest(idx, begin, length int) bool {
	if f.refuseSend {
		return false
	}
	f.requests = append(f.requests, swarmpeer.OutstandingRequest{PieceIndex: idx, Begin: begin, Length: length})
	f.sentRequests = append(f.sentRequests, sentRequest{idx, begin, length})
	return true
}

func (f *fakePeer) SendPiece(idx, begin int, block []byte) bool {
	if f.refuseSend {
		return false
	}
	f.sentPieces = append(f.sentPieces, sentPiece{idx, begin, block})
	return true
}

func (f *fakePeer) SendKeepAlive() {}

func (f *fakePeer) SendExtendedMessage(name string, dict map[string]any) error {
	f.extended = append(f.extended, sentExtended{name, dict})
	return nil
}

func (f *fakePeer) RegisterExtension(name string) error {
	if name == "ut_pex" {
		f.negotiatedPEX = true
	}
	return nil
}

func (f *fakePeer) Dispose(reason string) {
	f.disposed = true
	f.disposeReason = reason
}

func (f *fakePeer) Stats() swarmpeer.PeerStatsSnapshot { return swarmpeer.PeerStatsSnapshot{} }

// fakeFileManager is a minimal storage.FileManager test double: writes are
// recorded, reads synchronously fire the read-complete callback so tests
// don't need to wait on goroutines.
type fakeFileManager struct {
	mu sync.Mutex

	local        bitfield.Bitfield
	allComplete  bool
	uploaded     int64
	writes       []sentPiece
	flushed      [][]int
	updatedHaves []int

	onRead  []func(idx, begin int, block []byte)
	onWrite []func(idx, begin, length int)

	readResponse []byte
}

func newFakeFileManager(pieceCount int) *fakeFileManager {
	return &fakeFileManager{local: bitfield.New(pieceCount)}
}

func (f *fakeFileManager) LocalBitfield() bitfield.Bitfield { return f.local }
func (f *fakeFileManager) LocalHave(idx int) bool           { return f.local.Has(idx) }
func (f *fakeFileManager) PieceCount() int                  { return f.local.Len() }

func (f *fakeFileManager) UpdateBitfield(ctx context.Context, idx int) error {
	f.local.Set(idx)
	f.updatedHaves = append(f.updatedHaves, idx)
	return nil
}

func (f *fakeFileManager) UpdateUpload(bytes int64) { f.uploaded = bytes }
func (f *fakeFileManager) IsAllComplete() bool       { return f.allComplete }

func (f *fakeFileManager) Write(idx, begin int, block []byte) {
	f.writes = append(f.writes, sentPiece{idx, begin, block})
}

func (f *fakeFileManager) Read(idx, begin, length int) {
	block := f.readResponse
	if block == nil {
		block = make([]byte, length)
	}
	for _, h := range f.onRead {
		h(idx, begin, block)
	}
}

func (f *fakeFileManager) Flush(ctx context.Context, indices []int) error {
	f.flushed = append(f.flushed, indices)
	return nil
}

func (f *fakeFileManager) OnSubPieceWriteComplete(handler func(idx, begin, length int)) {
	f.onWrite = append(f.onWrite, handler)
}

func (f *fakeFileManager) OnSubPieceReadComplete(handler func(idx, begin int, block []byte)) {
	f.onRead = append(f.onRead, handler)
}

// fakeProvider is a selector.PieceProvider test double over a fixed slice
// of pieces, all the same byte length.
type fakeProvider struct {
	pieces []*piece.Piece
}

func newFakeProvider(count int, pieceLength int) *fakeProvider {
	p := &fakeProvider{}
	for i := 0; i < count; i++ {
		p.pieces = append(p.pieces, piece.New(i, pieceLength))
	}
	return p
}

func (p *fakeProvider) Piece(index int) *piece.Piece {
	if index < 0 || index >= len(p.pieces) {
		return nil
	}
	return p.pieces[index]
}

func (p *fakeProvider) PieceCount() int { return len(p.pieces) }

// fakeSelector is a selector.Manager test double that always hands back a
// fixed next piece, recording what it was asked.
type fakeSelector struct {
	mu sync.Mutex

	nextPiece *piece.Piece
	onComplete []func(idx int)

	selectCalls int
}

func (s *fakeSelector) SelectPiece(peerID string, remote bitfield.Bitfield, provider selector.PieceProvider, suggested []int) (*piece.Piece, bool) {
	s.selectCalls++
	if s.nextPiece == nil {
		return nil, false
	}
	return s.nextPiece, true
}

func (s *fakeSelector) SelectPieceWhenReceiveData(peerID string, remote bitfield.Bitfield, provider selector.PieceProvider, idx, begin int) (int, bool) {
	if s.nextPiece != nil {
		return s.nextPiece.Index(), true
	}
	return 0, false
}

func (s *fakeSelector) ProcessSubPieceWriteComplete(idx, begin, length int) {}

func (s *fakeSelector) OnPieceComplete(handler func(idx int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, handler)
}

func (s *fakeSelector) notifyComplete(idx int) {
	s.mu.Lock()
	handlers := append([]func(idx int){}, s.onComplete...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(idx)
	}
}
