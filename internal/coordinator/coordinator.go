// Package coordinator implements the Swarm Coordinator: the hub that owns
// the active peer set and routes peer events to piece selection, upload
// serving, storage, and peer exchange, while enforcing the swarm's global
// invariants (request caps, timeout recovery, pause/resume, completion).
package coordinator

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/moham96/swarmcore/internal/bitfield"
	"github.com/moham96/swarmcore/internal/config"
	"github.com/moham96/swarmcore/internal/piece"
	"github.com/moham96/swarmcore/internal/selector"
	"github.com/moham96/swarmcore/internal/storage"
)

// pausedOutgoing is a deferred request_pieces(peer, hint) call buffered
// while the Coordinator is paused.
type pausedOutgoing struct {
	Peer netip.AddrPort
	Hint *int
}

// Coordinator is the single-threaded actor owning the peer set and all
// shared swarm state. Every mutation happens on the goroutine running Run,
// except HookPeer's admission into the peer set, which may run on the
// caller's goroutine and is guarded by mu; everything else communicates by
// posting Events.
type Coordinator struct {
	cfg *config.Config
	log *slog.Logger

	selector selector.Manager
	files    storage.FileManager
	provider selector.PieceProvider

	pieceLength int64
	pieceCount  int

	mu    sync.RWMutex
	peers map[netip.AddrPort]PeerHandle

	timeouts *timeoutTable
	uploads  *uploadQueue
	pex      *pexEngine

	localExternalIP netip.Addr

	events chan Event

	paused          bool
	pausedOutgoing  *list.List
	pausedIncoming  map[netip.AddrPort]*list.List

	flushBuffer map[int]struct{}

	uploadedTotal        int64
	uploadedNotifyDelta  int64

	keepAliveTimer *time.Timer
	pexTicker      *time.Ticker

	onNewPeerFound []func(uri string)
	onAllComplete  []func()
	onNoActivePeer []func()

	cancel   context.CancelFunc
	disposed bool
}

// New constructs a Coordinator. provider must return every piece index
// selector.Manager may be asked to select over; files and sel are the
// external storage and piece-selection collaborators.
func New(cfg *config.Config, log *slog.Logger, sel selector.Manager, files storage.FileManager, provider selector.PieceProvider, pieceLength int64, pieceCount int) *Coordinator {
	if cfg == nil {
		cfg = config.WithDefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "coordinator")

	c := &Coordinator{
		cfg:            cfg,
		log:            log,
		selector:       sel,
		files:          files,
		provider:       provider,
		pieceLength:    pieceLength,
		pieceCount:     pieceCount,
		peers:          make(map[netip.AddrPort]PeerHandle),
		timeouts:       newTimeoutTable(),
		uploads:        newUploadQueue(),
		pex:            newPEXEngine(),
		events:         make(chan Event, cfg.EventQueueBacklog),
		pausedOutgoing: list.New(),
		pausedIncoming: make(map[netip.AddrPort]*list.List),
		flushBuffer:    make(map[int]struct{}),
	}

	sel.OnPieceComplete(func(idx int) { c.post(PieceCompleteEvent{Index: idx}) })
	files.OnSubPieceReadComplete(func(idx, begin int, block []byte) {
		c.post(SubPieceReadCompleteEvent{Index: idx, Begin: begin, Block: block})
	})
	files.OnSubPieceWriteComplete(sel.ProcessSubPieceWriteComplete)

	return c
}

// post enqueues an event for the actor loop, matching §5's re-entrancy
// requirement: callers (including handlers running on the actor goroutine
// itself, e.g. request_pieces scheduling) never invoke handler logic
// inline.
func (c *Coordinator) post(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn("event queue full, dropping event", "type", fmt.Sprintf("%T", e))
	}
}

// OnNewPeerFound registers a handler invoked when PEX discovers a candidate
// address to dial.
func (c *Coordinator) OnNewPeerFound(h func(uri string)) { c.onNewPeerFound = append(c.onNewPeerFound, h) }

// OnAllComplete registers a handler invoked once every piece is verified
// and flushed.
func (c *Coordinator) OnAllComplete(h func()) { c.onAllComplete = append(c.onAllComplete, h) }

// OnNoActivePeer registers a handler invoked when the active peer set
// becomes empty.
func (c *Coordinator) OnNoActivePeer(h func()) { c.onNoActivePeer = append(c.onNoActivePeer, h) }

// Pause suspends outgoing requests and defers incoming piece requests until
// Resume, per §4.G. Safe to call from any goroutine; the actual state
// change happens on the actor loop.
func (c *Coordinator) Pause() { c.post(PauseEvent{}) }

// Resume reverses Pause, replaying every deferred request_pieces hint and
// remote_request.
func (c *Coordinator) Resume() { c.post(ResumeEvent{}) }

// DisposeAllSeeders disposes every peer currently marked a seeder, e.g.
// once the local download is complete and only uploading remains.
func (c *Coordinator) DisposeAllSeeders(reason string) { c.post(DisposeAllSeedersEvent{Reason: reason}) }

// Dispose tears the Coordinator down: every active peer is disposed, queues
// are cleared, and dirty pieces are flushed. If Run is still driving the
// actor loop, Dispose cancels it so the teardown happens on the actor
// goroutine via Run's own ctx.Done() branch; otherwise it runs dispose()
// directly.
func (c *Coordinator) Dispose() {
	if c.cancel != nil {
		c.cancel()
		return
	}
	c.dispose()
}

// Run drives the actor loop until ctx is cancelled, processing the PEX
// ticker and every posted Event.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pexTicker = time.NewTicker(time.Duration(c.cfg.PEXInterval) * time.Second)
	defer c.pexTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.dispose()
			return nil
		case <-c.pexTicker.C:
			c.handlePEXTick()
		case e := <-c.events:
			c.dispatch(e)
		}
	}
}

func (c *Coordinator) dispatch(e Event) {
	switch ev := e.(type) {
	case ConnectEvent:
		c.onConnect(ev.Peer)
	case HandshakeEvent:
		c.onHandshake(ev.Peer)
	case BitfieldEvent:
		c.onBitfield(ev.Peer, ev.Data.Bitfield)
	case HaveAllEvent:
		c.onHaveAllOrNone(ev.Peer, true)
	case HaveNoneEvent:
		c.onHaveAllOrNone(ev.Peer, false)
	case HaveEvent:
		c.onHave(ev.Peer, ev.Data.Index)
	case ChokeChangeEvent:
		c.onChokeChange(ev.Peer, ev.Data.Choked)
	case InterestedChangeEvent:
		c.onInterestedChange(ev.Peer, ev.Data.Interested)
	case AllowFastEvent:
		c.onAllowFast(ev.Peer, ev.Data.Index)
	case RejectRequestEvent:
		c.onRejectRequest(ev.Peer, ev.Data.Index, ev.Data.Begin, ev.Data.Length)
	case RequestEvent:
		c.onRequest(ev.Peer, ev.Data.Index, ev.Data.Begin, ev.Data.Length)
	case PieceEvent:
		c.onPiece(ev.Peer, ev.Data.Index, ev.Data.Begin, ev.Data.Block)
	case RequestTimeoutEvent:
		c.onRequestTimeout(ev.Peer, ev.Data.Index, ev.Data.Begin, ev.Data.Length)
	case DisposeEvent:
		c.onDispose(ev.Peer, ev.Data.Reason)
	case ExtendedEvent:
		c.onExtended(ev.Peer, ev.Data.Name, ev.Data.Payload)
	case RequestPiecesEvent:
		c.requestPieces(ev.Peer, ev.Data.Hint)
	case PieceCompleteEvent:
		c.pieceComplete(ev.Index)
	case SubPieceReadCompleteEvent:
		c.subPieceReadComplete(ev.Index, ev.Begin, ev.Block)
	case pexTickEvent:
		c.handlePEXTick()
	case keepAliveTickEvent:
		c.broadcastKeepAlive()
	case YourIPEvent:
		c.onYourIP(ev.Data.Addr)
	case PauseEvent:
		c.pause()
	case ResumeEvent:
		c.resume()
	case DisposeAllSeedersEvent:
		c.disposeAllSeeders(ev.Reason)
	default:
		c.log.Warn("unhandled event", "type", fmt.Sprintf("%T", e))
	}
}

func (c *Coordinator) peer(addr netip.AddrPort) (PeerHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[addr]
	return p, ok
}

func (c *Coordinator) activePeers() []PeerHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PeerHandle, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

func (c *Coordinator) activeAddrs() []netip.AddrPort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]netip.AddrPort, 0, len(c.peers))
	for a := range c.peers {
		out = append(out, a)
	}
	return out
}

// --- §4.E Swarm Coordinator event handlers ---

// onConnect runs once a peer's transport-level connect has succeeded. The
// peer was already admitted to the active set by HookPeer, and the wire
// handshake itself is exchanged by the Peer collaborator before Run begins
// dispatching events (swarmpeer.Dial); this handler only logs a connect
// event for a peer that is not in the active set.
func (c *Coordinator) onConnect(addr netip.AddrPort) {
	_, ok := c.peer(addr)
	if !ok {
		c.log.Warn("connect event for unregistered peer", "peer", addr)
	}
}

func (c *Coordinator) onHandshake(addr netip.AddrPort) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}
	p.SendBitfield(c.files.LocalBitfield())
}

func (c *Coordinator) onBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	c.updateInterest(addr, bf)
}

// onYourIP records the first BEP 10 "yourip" observation a remote reports
// for us, per §4.C. Later reports are ignored: peers behind mismatched or
// stale NAT mappings would otherwise flap local_external_ip and break the
// self-filters that depend on it being stable.
func (c *Coordinator) onYourIP(ip netip.Addr) {
	if c.localExternalIP.IsValid() {
		return
	}
	c.localExternalIP = ip
}

func (c *Coordinator) onHaveAllOrNone(addr netip.AddrPort, haveAll bool) {
	full := bitfield.New(c.pieceCount)
	if haveAll {
		for i := 0; i < c.pieceCount; i++ {
			full.Set(i)
		}
	}
	c.updateInterest(addr, full)
}

// updateInterest sends interested=true if the remote holds any piece we
// lack (stopping at the first such index), interested=false otherwise.
func (c *Coordinator) updateInterest(addr netip.AddrPort, remote bitfield.Bitfield) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}

	local := c.files.LocalBitfield()
	interested := false
	remote.Iterate(func(idx int) bool {
		if !local.Has(idx) {
			interested = true
			return false
		}
		return true
	})

	p.SendInterested(interested)
}

func (c *Coordinator) onHave(addr netip.AddrPort, idx int) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}

	if !c.files.LocalHave(idx) {
		p.SendInterested(true)
		if piece := c.provider.Piece(idx); piece != nil {
			piece.AddAvailablePeer(p.ID())
		}
		c.post(RequestPiecesEvent{Peer: addr})
	}
}

func (c *Coordinator) onChokeChange(addr netip.AddrPort, choked bool) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}

	remote := p.RemoteBitfield()
	if !choked {
		remote.Iterate(func(idx int) bool {
			if piece := c.provider.Piece(idx); piece != nil {
				piece.AddAvailablePeer(p.ID())
			}
			return true
		})
		c.post(RequestPiecesEvent{Peer: addr})
		return
	}

	remote.Iterate(func(idx int) bool {
		if piece := c.provider.Piece(idx); piece != nil {
			piece.RemoveAvailablePeer(p.ID())
		}
		return true
	})
}

func (c *Coordinator) onInterestedChange(addr netip.AddrPort, interested bool) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}
	p.SendChoke(!interested)
}

func (c *Coordinator) onAllowFast(addr netip.AddrPort, idx int) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}
	piece := c.provider.Piece(idx)
	if piece == nil || !piece.HaveAvailableSubPiece() {
		return
	}
	piece.AddAvailablePeer(p.ID())
	c.post(RequestPiecesEvent{Peer: addr, Data: requestPiecesData{Hint: &idx}})
}

func (c *Coordinator) onRejectRequest(addr netip.AddrPort, idx, begin, length int) {
	piece := c.provider.Piece(idx)
	if piece == nil {
		return
	}
	ordinal := begin / config.SubPieceLength
	piece.PushSubPieceLast(ordinal)
}

func (c *Coordinator) onRequest(addr netip.AddrPort, idx, begin, length int) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}

	if length > config.MaxRequestLength {
		p.Dispose("request too large")
		return
	}

	if c.paused {
		q, ok := c.pausedIncoming[addr]
		if !ok {
			q = list.New()
			c.pausedIncoming[addr] = q
		}
		if q.Len() >= config.MaxPausedRequestsPerPeer {
			p.Dispose("too many requests")
			return
		}
		q.PushBack(requestData{Index: idx, Begin: begin, Length: length})
		return
	}

	if c.uploads.inFlightCount(addr) >= config.MaxInflightRequestsPerPeer {
		p.Dispose("too many requests")
		return
	}

	c.uploads.enqueue(idx, begin, addr)
	c.files.Read(idx, begin, length)
}

func (c *Coordinator) onPiece(addr netip.AddrPort, idx, begin int, block []byte) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}

	if el, parked := c.timeouts.index[timeoutKey{idx, begin, len(block)}]; parked {
		origin := el.Value.(outstandingRequest).Origin
		c.timeouts.remove(idx, begin, len(block))
		// the original requester (possibly a different peer than addr, if
		// reassigned) is asked to drop the now-superseded outstanding entry
		if o, found := c.peer(origin); found {
			o.RemoveRequest(idx, begin, len(block))
		}
	}
	p.RemoveRequest(idx, begin, len(block))

	c.files.Write(idx, begin, block)

	remote := p.RemoteBitfield()
	nextIdx, ok := c.selector.SelectPieceWhenReceiveData(p.ID(), remote, c.provider, idx, begin)
	if ok {
		c.post(RequestPiecesEvent{Peer: addr, Data: requestPiecesData{Hint: &nextIdx}})
	} else {
		c.post(RequestPiecesEvent{Peer: addr})
	}
}

func (c *Coordinator) onRequestTimeout(addr netip.AddrPort, idx, begin, length int) {
	c.timeouts.add(outstandingRequest{PieceIndex: idx, Begin: begin, Length: length, Origin: addr})
}

func (c *Coordinator) onDispose(addr netip.AddrPort, reason string) {
	p, ok := c.peer(addr)
	if !ok {
		return
	}

	for _, req := range p.Requests() {
		c.timeouts.remove(req.PieceIndex, req.Begin, req.Length)
		if piece := c.provider.Piece(req.PieceIndex); piece != nil {
			piece.PushSubPiece(req.Begin / config.SubPieceLength)
		}
	}

	remote := p.RemoteBitfield()
	remote.Iterate(func(idx int) bool {
		if piece := c.provider.Piece(idx); piece != nil {
			piece.RemoveAvailablePeer(p.ID())
		}
		return true
	})

	c.uploads.removeAllForPeer(addr)
	delete(c.pausedIncoming, addr)
	c.removePausedOutgoingForPeer(addr)

	c.unhookPeer(addr)

	c.log.Info("peer disposed", "peer", addr, "reason", reason)

	if len(c.activeAddrs()) == 0 {
		for _, h := range c.onNoActivePeer {
			h()
		}
	}
}

func (c *Coordinator) removePausedOutgoingForPeer(addr netip.AddrPort) {
	var next *list.Element
	for el := c.pausedOutgoing.Front(); el != nil; el = next {
		next = el.Next()
		if el.Value.(pausedOutgoing).Peer == addr {
			c.pausedOutgoing.Remove(el)
		}
	}
}

func (c *Coordinator) onExtended(addr netip.AddrPort, name string, payload []byte) {
	if name != "ut_pex" {
		return
	}
	c.handleIncomingPEX(payload)
}

// --- request_pieces, the request-issuing core (§4.E) ---

func (c *Coordinator) requestPieces(addr netip.AddrPort, hint *int) {
	if c.paused {
		c.pausedOutgoing.PushBack(pausedOutgoing{Peer: addr, Hint: hint})
		return
	}

	p, ok := c.peer(addr)
	if !ok {
		return
	}

	target := c.resolvePiece(p, hint)
	if target == nil {
		c.tryTimeoutReassign(p)
		return
	}

	sub, ok := target.PopSubPiece()
	if !ok {
		return
	}
	begin := sub * config.SubPieceLength
	length := target.ByteLength() - begin
	if length > config.SubPieceLength {
		length = config.SubPieceLength
	}

	if !p.SendRequest(target.Index(), begin, length) {
		target.PushSubPiece(sub)
	}
}

func (c *Coordinator) resolvePiece(p PeerHandle, hint *int) *piece.Piece {
	if hint != nil {
		return c.provider.Piece(*hint)
	}
	remote := p.RemoteBitfield()
	pc, ok := c.selector.SelectPiece(p.ID(), remote, c.provider, p.RemoteSuggested())
	if !ok {
		return nil
	}
	return pc
}

func (c *Coordinator) tryTimeoutReassign(p PeerHandle) {
	t, ok := c.timeouts.popFront()
	if !ok {
		return
	}

	if origin, ok := c.peer(t.Origin); ok {
		origin.RemoveRequest(t.PieceIndex, t.Begin, t.Length)
	}

	if !p.SendRequest(t.PieceIndex, t.Begin, t.Length) {
		c.timeouts.addFront(t)
	}
}
