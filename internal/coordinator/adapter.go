package coordinator

import (
	"net/netip"

	"github.com/moham96/swarmcore/internal/bitfield"
	"github.com/moham96/swarmcore/internal/swarmpeer"
)

// PeerHandle is the Peer contract the Coordinator drives: the event set
// subscribed via Handlers, plus the send operations issued from event
// handlers and request_pieces. swarmpeer.Peer implements this in full;
// tests substitute a fake.
type PeerHandle interface {
	ID() string
	RemoteAddr() netip.AddrPort
	RemoteBitfield() bitfield.Bitfield
	RemoteSuggested() []int
	AmChoking() bool
	AmInterested() bool
	PeerChoking() bool
	PeerInterested() bool
	IsDisposed() bool
	IsSeeder() bool
	Requests() []swarmpeer.OutstandingRequest
	RemoveRequest(idx, begin, length int)

	SendBitfield(bf bitfield.Bitfield)
	SendChoke(choked bool)
	SendInterested(interested bool)
	SendHave(idx int)
	SendRequest(idx, begin, length int) bool
	SendPiece(idx, begin int, block []byte) bool
	SendKeepAlive()
	SendExtendedMessage(name string, dict map[string]any) error
	RegisterExtension(name string) error
	HasNegotiatedPEX() bool
	Dispose(reason string)
	Stats() swarmpeer.PeerStatsSnapshot
}

// HookPeer binds the full peer event set to posts onto the Coordinator's
// event channel, per the Peer Adapter component: if addr equals the known
// local external IP, or the peer is already active, hooking is a no-op
// (ok=false, zero-value Handlers). Otherwise the peer is admitted to the
// active set, ut_pex is requested, and the returned Handlers must be
// passed to p.SetHandlers before the caller starts the peer's I/O loops
// with Run — swarmpeer.Dial returns an unhandled Peer for exactly this
// reason, so HookPeer can see the constructed PeerHandle (RemoteAddr, ID)
// before any event has a chance to fire.
func (c *Coordinator) HookPeer(p PeerHandle) (handlers swarmpeer.Handlers, ok bool) {
	addr := p.RemoteAddr()

	c.mu.Lock()
	_, already := c.peers[addr]
	isSelf := c.localExternalIP.IsValid() && addr.Addr() == c.localExternalIP
	if already || isSelf {
		c.mu.Unlock()
		return swarmpeer.Handlers{}, false
	}
	c.peers[addr] = p
	c.mu.Unlock()

	p.RegisterExtension("ut_pex")

	return c.buildHandlers(addr), true
}

func (c *Coordinator) buildHandlers(addr netip.AddrPort) swarmpeer.Handlers {
	return swarmpeer.Handlers{
		OnConnect:          func(_ *swarmpeer.Peer) { c.post(ConnectEvent{Peer: addr}) },
		OnHandshake:        func(_ *swarmpeer.Peer) { c.post(HandshakeEvent{Peer: addr}) },
		OnDispose:          func(_ *swarmpeer.Peer, reason string) { c.post(DisposeEvent{Peer: addr, Data: disposeData{Reason: reason}}) },
		OnBitfield:         func(_ *swarmpeer.Peer, bf bitfield.Bitfield) { c.post(BitfieldEvent{Peer: addr, Data: bitfieldData{Bitfield: bf}}) },
		OnHaveAll:          func(_ *swarmpeer.Peer) { c.post(HaveAllEvent{Peer: addr}) },
		OnHaveNone:         func(_ *swarmpeer.Peer) { c.post(HaveNoneEvent{Peer: addr}) },
		OnHave:             func(_ *swarmpeer.Peer, idx int) { c.post(HaveEvent{Peer: addr, Data: haveData{Index: idx}}) },
		OnChokeChange:      func(_ *swarmpeer.Peer, choked bool) { c.post(ChokeChangeEvent{Peer: addr, Data: chokeChangeData{Choked: choked}}) },
		OnInterestedChange: func(_ *swarmpeer.Peer, interested bool) { c.post(InterestedChangeEvent{Peer: addr, Data: interestedChangeData{Interested: interested}}) },
		OnAllowFast:        func(_ *swarmpeer.Peer, idx int) { c.post(AllowFastEvent{Peer: addr, Data: allowFastData{Index: idx}}) },
		OnPiece:            func(_ *swarmpeer.Peer, idx, begin int, block []byte) { c.post(PieceEvent{Peer: addr, Data: pieceData{Index: idx, Begin: begin, Block: block}}) },
		OnRequest:          func(_ *swarmpeer.Peer, idx, begin, length int) { c.post(RequestEvent{Peer: addr, Data: requestData{Index: idx, Begin: begin, Length: length}}) },
		OnRequestTimeout:   func(_ *swarmpeer.Peer, idx, begin, length int) { c.post(RequestTimeoutEvent{Peer: addr, Data: requestTimeoutData{Index: idx, Begin: begin, Length: length}}) },
		OnRejectRequest:    func(_ *swarmpeer.Peer, idx, begin, length int) { c.post(RejectRequestEvent{Peer: addr, Data: rejectRequestData{Index: idx, Begin: begin, Length: length}}) },
		OnExtendedEvent:    func(_ *swarmpeer.Peer, name string, payload []byte) { c.post(ExtendedEvent{Peer: addr, Data: extendedData{Name: name, Payload: payload}}) },
		OnYourIP:           func(_ *swarmpeer.Peer, ip netip.Addr) { c.post(YourIPEvent{Peer: addr, Data: yourIPData{Addr: ip}}) },
	}
}

// unhookPeer detaches addr from the active set. The peer's own handler
// closures become no-ops naturally once nothing references them further,
// since dispose is the sole demotion path per the Coordinator's ownership
// model.
func (c *Coordinator) unhookPeer(addr netip.AddrPort) {
	c.mu.Lock()
	delete(c.peers, addr)
	c.mu.Unlock()
}
