// Package swarmpeer implements the Peer collaborator the swarm
// coordinator drives: a single peer-wire connection exposing the event
// set and send operations spec'd for a Peer handle, with its own request
// buffer, choke/interest flags, and rate accounting.
package swarmpeer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moham96/swarmcore/internal/bitfield"
	"github.com/moham96/swarmcore/internal/wire"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// OutstandingRequest is a sub-piece we have asked for but not yet
// received, keyed by (piece_index, begin_offset, length).
type OutstandingRequest struct {
	PieceIndex int
	Begin      int
	Length     int
}

func (r OutstandingRequest) key() [3]int { return [3]int{r.PieceIndex, r.Begin, r.Length} }

// Handlers is the full set of peer events the Swarm Coordinator subscribes
// to. Any nil handler is simply not invoked.
type Handlers struct {
	OnConnect          func(p *Peer)
	OnHandshake        func(p *Peer)
	OnDispose          func(p *Peer, reason string)
	OnBitfield         func(p *Peer, bf bitfield.Bitfield)
	OnHaveAll          func(p *Peer)
	OnHaveNone         func(p *Peer)
	OnHave             func(p *Peer, idx int)
	OnChokeChange      func(p *Peer, choked bool)
	OnInterestedChange func(p *Peer, interested bool)
	OnAllowFast        func(p *Peer, idx int)
	OnPiece            func(p *Peer, idx, begin int, block []byte)
	OnRequest          func(p *Peer, idx, begin, length int)
	OnRequestTimeout   func(p *Peer, idx, begin, length int)
	OnRejectRequest    func(p *Peer, idx, begin, length int)
	OnExtendedEvent    func(p *Peer, name string, payload []byte)
	OnYourIP           func(p *Peer, ip netip.Addr)
}

// Config configures connection timeouts and queue depths for a Peer.
type Config struct {
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	OutboxBacklog     int
	HistoryCapacity   int
	RequestTimeout    time.Duration
}

// WithDefaultConfig returns sensible connection defaults.
func WithDefaultConfig() *Config {
	return &Config{
		DialTimeout:       10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: 90 * time.Second,
		OutboxBacklog:     64,
		HistoryCapacity:   128,
		RequestTimeout:    60 * time.Second,
	}
}

// Peer is the default Peer-contract implementation, one TCP connection
// speaking the peer wire protocol.
type Peer struct {
	cfg *Config
	log *slog.Logger

	id       string
	addr     netip.AddrPort
	infoHash [sha1.Size]byte
	localID  [sha1.Size]byte

	conn   net.Conn
	outbox chan *wire.Message

	state uint32 // atomic bitmask: am_choking/am_interested/peer_choking/peer_interested

	disposed atomic.Bool
	seeder   atomic.Bool
	cancel   context.CancelFunc
	closeOnce sync.Once

	remoteMu        sync.RWMutex
	remoteBitfield  bitfield.Bitfield
	remoteSuggested []int

	reqMu    sync.Mutex
	requests map[[3]int]OutstandingRequest

	extMu         sync.Mutex
	extensions    map[string]byte // extension name -> local extended-message ID we advertise
	remoteExtByID map[byte]string
	remotePEXID   byte
	hasRemotePEX  bool

	history *historyBuffer

	stats        PeerStats
	lastActivity atomic.Int64

	handlers Handlers
}

// PeerStats holds atomic transfer counters, mirroring the rate-accounting
// discipline the coordinator's Rate & Progress Accounting component reads
// from every connected peer.
type PeerStats struct {
	Downloaded   atomic.Uint64
	Uploaded     atomic.Uint64
	DownloadRate atomic.Uint64
	UploadRate   atomic.Uint64
}

// Dial connects to addr, performs the BitTorrent handshake (verifying
// infoHash), and returns a ready Peer with no handlers attached. The
// caller must call SetHandlers before Run to receive any events — this
// two-phase construction lets a caller that needs the constructed Peer
// itself to build the handler set (e.g. one keyed by RemoteAddr/ID) do so
// without a circular dependency on Handlers existing first.
func Dial(ctx context.Context, addr netip.AddrPort, infoHash, localID [sha1.Size]byte, pieceCount int, cfg *Config, log *slog.Logger) (*Peer, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "swarmpeer", "addr", addr)

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("swarmpeer: dial %s: %w", addr, err)
	}

	hs := wire.NewHandshake(infoHash, localID)
	remote, err := hs.Exchange(conn, true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("swarmpeer: handshake %s: %w", addr, err)
	}

	p := newPeer(conn, addr, infoHash, localID, pieceCount, cfg, log)
	p.id = peerIDString(remote.PeerID)

	return p, nil
}

func newPeer(conn net.Conn, addr netip.AddrPort, infoHash, localID [sha1.Size]byte, pieceCount int, cfg *Config, log *slog.Logger) *Peer {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Peer{
		cfg:            cfg,
		log:            log,
		addr:           addr,
		infoHash:       infoHash,
		localID:        localID,
		conn:           conn,
		outbox:         make(chan *wire.Message, cfg.OutboxBacklog),
		remoteBitfield: bitfield.New(pieceCount),
		requests:       make(map[[3]int]OutstandingRequest),
		extensions:     make(map[string]byte),
		remoteExtByID:  make(map[byte]string),
		history:        newHistoryBuffer(cfg.HistoryCapacity),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActivity.Store(time.Now().UnixNano())
	return p
}

// SetHandlers attaches the event handler set. Must be called before Run;
// it is not safe to call concurrently with a running Peer.
func (p *Peer) SetHandlers(h Handlers) { p.handlers = h }

func peerIDString(id [sha1.Size]byte) string {
	return fmt.Sprintf("%x", id)
}

// ID returns the peer's BEP 20 peer-id as a hex string.
func (p *Peer) ID() string { return p.id }

// RemoteAddr returns the remote's network address.
func (p *Peer) RemoteAddr() netip.AddrPort { return p.addr }

// RemoteBitfield returns a snapshot of the peer's advertised piece set.
func (p *Peer) RemoteBitfield() bitfield.Bitfield {
	p.remoteMu.RLock()
	defer p.remoteMu.RUnlock()
	return p.remoteBitfield.Clone()
}

// RemoteSuggested returns the set of piece indices the remote has
// suggested (via allow-fast) we request, most recent last.
func (p *Peer) RemoteSuggested() []int {
	p.remoteMu.RLock()
	defer p.remoteMu.RUnlock()
	return append([]int(nil), p.remoteSuggested...)
}

func (p *Peer) addSuggested(idx int) {
	p.remoteMu.Lock()
	p.remoteSuggested = append(p.remoteSuggested, idx)
	p.remoteMu.Unlock()
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }
func (p *Peer) IsDisposed() bool     { return p.disposed.Load() }
func (p *Peer) IsSeeder() bool       { return p.seeder.Load() }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

// Requests returns a snapshot of the peer's outstanding-request buffer —
// sub-pieces asked for but not yet received.
func (p *Peer) Requests() []OutstandingRequest {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	out := make([]OutstandingRequest, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, r)
	}
	return out
}

// RemoveRequest drops idx/begin/length from the request buffer, a no-op if
// absent. Called both when a matching block arrives and when the
// coordinator asks the peer to cancel a stale request.
func (p *Peer) RemoveRequest(idx, begin, length int) {
	p.reqMu.Lock()
	delete(p.requests, OutstandingRequest{idx, begin, length}.key())
	p.reqMu.Unlock()
}

func (p *Peer) addRequest(idx, begin, length int) {
	p.reqMu.Lock()
	p.requests[OutstandingRequest{idx, begin, length}.key()] = OutstandingRequest{idx, begin, length}
	p.reqMu.Unlock()
}

// Run starts the read/write/rate-tracking loops until ctx is cancelled or
// the connection fails.
func (p *Peer) Run(ctx context.Context) error {
	defer p.closeConn()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	if p.handlers.OnConnect != nil {
		p.handlers.OnConnect(p)
	}

	return g.Wait()
}

func (p *Peer) closeConn() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.conn.Close()
	})
}

// Dispose marks the peer disposed, closes its connection, and invokes the
// registered OnDispose handler with reason. Idempotent.
func (p *Peer) Dispose(reason string) {
	if !p.disposed.CompareAndSwap(false, true) {
		return
	}
	p.closeConn()
	if p.handlers.OnDispose != nil {
		p.handlers.OnDispose(p, reason)
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		msg, err := wire.ReadMessage(p.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		p.lastActivity.Store(time.Now().UnixNano())

		if msg == nil {
			continue // keep-alive
		}

		if err := p.handleMessage(msg); err != nil {
			p.log.Warn("handle message failed", "error", err)
			return err
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	if p.handlers.OnHandshake != nil {
		p.handlers.OnHandshake(p)
	}

	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-p.outbox:
			if !ok {
				return nil
			}
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
			if err := wire.WriteMessage(p.conn, msg); err != nil {
				return err
			}
			p.onMessageWritten(msg)
		case <-ticker.C:
			last := time.Unix(0, p.lastActivity.Load())
			if time.Since(last) >= p.cfg.KeepAliveInterval {
				p.enqueue(nil)
			}
		}
	}
}

func (p *Peer) rateLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	const alpha = 0.2
	var upEMA, downEMA float64
	lastUp, lastDown := p.stats.Uploaded.Load(), p.stats.Downloaded.Load()
	inited := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			curUp, curDown := p.stats.Uploaded.Load(), p.stats.Downloaded.Load()
			instUp := float64(curUp - lastUp)
			instDown := float64(curDown - lastDown)

			if !inited {
				upEMA, downEMA = instUp, instDown
				inited = true
			} else {
				upEMA = alpha*instUp + (1-alpha)*upEMA
				downEMA = alpha*instDown + (1-alpha)*downEMA
			}

			p.stats.UploadRate.Store(uint64(upEMA))
			p.stats.DownloadRate.Store(uint64(downEMA))
			lastUp, lastDown = curUp, curDown
		}
	}
}

func (p *Peer) handleMessage(msg *wire.Message) error {
	p.history.Add(historyEvent{Direction: "received", Type: msg.ID.String(), Time: time.Now(), PayloadSize: len(msg.Payload)})

	switch msg.ID {
	case wire.MsgChoke:
		p.setState(maskPeerChoking, true)
		if p.handlers.OnChokeChange != nil {
			p.handlers.OnChokeChange(p, true)
		}
	case wire.MsgUnchoke:
		p.setState(maskPeerChoking, false)
		if p.handlers.OnChokeChange != nil {
			p.handlers.OnChokeChange(p, false)
		}
	case wire.MsgInterested:
		p.setState(maskPeerInterested, true)
		if p.handlers.OnInterestedChange != nil {
			p.handlers.OnInterestedChange(p, true)
		}
	case wire.MsgNotInterested:
		p.setState(maskPeerInterested, false)
		if p.handlers.OnInterestedChange != nil {
			p.handlers.OnInterestedChange(p, false)
		}
	case wire.MsgBitfield:
		bf := bitfield.FromBytes(msg.Payload, p.remoteBitfield.Len())
		p.remoteMu.Lock()
		p.remoteBitfield = bf
		p.remoteMu.Unlock()
		if bf.All() {
			p.seeder.Store(true)
		}
		if p.handlers.OnBitfield != nil {
			p.handlers.OnBitfield(p, bf)
		}
	case wire.MsgHave:
		idx, ok := msg.ParseHave()
		if !ok {
			return errors.New("swarmpeer: malformed have")
		}
		p.remoteMu.Lock()
		p.remoteBitfield.Set(int(idx))
		allHave := p.remoteBitfield.All()
		p.remoteMu.Unlock()
		if allHave {
			p.seeder.Store(true)
		}
		if p.handlers.OnHave != nil {
			p.handlers.OnHave(p, int(idx))
		}
	case wire.MsgRequest:
		idx, begin, length, ok := msg.ParseRequest()
		if !ok {
			return errors.New("swarmpeer: malformed request")
		}
		if p.handlers.OnRequest != nil {
			p.handlers.OnRequest(p, int(idx), int(begin), int(length))
		}
	case wire.MsgPiece:
		idx, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("swarmpeer: malformed piece")
		}
		p.stats.Downloaded.Add(uint64(len(block)))
		p.RemoveRequest(int(idx), int(begin), len(block))
		if p.handlers.OnPiece != nil {
			p.handlers.OnPiece(p, int(idx), int(begin), block)
		}
	case wire.MsgCancel:
		// symmetric to Request; no dedicated handler in this core
	case wire.MsgAllowedFast:
		idx, ok := msg.ParseAllowedFast()
		if !ok {
			return errors.New("swarmpeer: malformed allowed-fast")
		}
		p.addSuggested(int(idx))
		if p.handlers.OnAllowFast != nil {
			p.handlers.OnAllowFast(p, int(idx))
		}
	case wire.MsgExtended:
		return p.handleExtended(msg)
	default:
		return fmt.Errorf("swarmpeer: unknown message id %d", msg.ID)
	}

	return nil
}

func (p *Peer) handleExtended(msg *wire.Message) error {
	extID, dict, ok := msg.ParseExtended()
	if !ok {
		return errors.New("swarmpeer: malformed extended message")
	}

	if extID == wire.ExtendedHandshakeID {
		pexID, hasPEX, yourIP, err := wire.ParseExtendedHandshake(dict)
		if err != nil {
			return fmt.Errorf("swarmpeer: %w", err)
		}
		if hasPEX {
			p.extMu.Lock()
			p.remotePEXID = pexID
			p.hasRemotePEX = true
			p.extMu.Unlock()
		}
		if ip, ok := decodeYourIP(yourIP); ok && p.handlers.OnYourIP != nil {
			p.handlers.OnYourIP(p, ip)
		}
		return nil
	}

	// a remote addresses extension messages to the ID we advertised for it
	p.extMu.Lock()
	var name string
	known := false
	for n, id := range p.extensions {
		if id == extID {
			name, known = n, true
			break
		}
	}
	p.extMu.Unlock()
	if !known {
		return nil // unrecognized extension id, ignore
	}

	if p.handlers.OnExtendedEvent != nil {
		p.handlers.OnExtendedEvent(p, name, dict)
	}
	return nil
}

// decodeYourIP interprets the BEP 10 "yourip" field's raw 4- or 16-byte
// network-order address, reporting ok=false for any other length.
func decodeYourIP(raw []byte) (netip.Addr, bool) {
	switch len(raw) {
	case 4:
		return netip.AddrFrom4([4]byte(raw)), true
	case 16:
		return netip.AddrFrom16([16]byte(raw)), true
	default:
		return netip.Addr{}, false
	}
}

func (p *Peer) onMessageWritten(msg *wire.Message) {
	p.lastActivity.Store(time.Now().UnixNano())
	if msg == nil {
		p.history.Add(historyEvent{Direction: "sent", Type: "KeepAlive", Time: time.Now()})
		return
	}

	p.history.Add(historyEvent{Direction: "sent", Type: msg.ID.String(), Time: time.Now(), PayloadSize: len(msg.Payload)})

	switch msg.ID {
	case wire.MsgChoke:
		p.setState(maskAmChoking, true)
	case wire.MsgUnchoke:
		p.setState(maskAmChoking, false)
	case wire.MsgInterested:
		p.setState(maskAmInterested, true)
	case wire.MsgNotInterested:
		p.setState(maskAmInterested, false)
	case wire.MsgPiece:
		if _, _, block, ok := msg.ParsePiece(); ok {
			p.stats.Uploaded.Add(uint64(len(block)))
		}
	}
}

func (p *Peer) enqueue(msg *wire.Message) bool {
	if p.disposed.Load() {
		return false
	}
	select {
	case p.outbox <- msg:
		return true
	default:
		return false
	}
}

// --- Peer contract senders ---

func (p *Peer) SendBitfield(bf bitfield.Bitfield)   { p.enqueue(wire.MessageBitfield(bf.Bytes())) }
func (p *Peer) SendChoke(choke bool) {
	if choke {
		p.enqueue(wire.MessageChoke())
	} else {
		p.enqueue(wire.MessageUnchoke())
	}
}
func (p *Peer) SendInterested(interested bool) {
	if interested {
		p.enqueue(wire.MessageInterested())
	} else {
		p.enqueue(wire.MessageNotInterested())
	}
}
func (p *Peer) SendHave(idx int)       { p.enqueue(wire.MessageHave(idx)) }
func (p *Peer) SendKeepAlive()         { p.enqueue(nil) }

// SendRequest enqueues an outbound request, returning false on
// backpressure (outbox full) — the caller must return the sub-piece to
// the head of its piece queue in that case.
func (p *Peer) SendRequest(idx, begin, length int) bool {
	if !p.enqueue(wire.MessageRequest(idx, begin, length)) {
		return false
	}
	p.addRequest(idx, begin, length)
	return true
}

// SendPiece enqueues an upload response, returning false on backpressure.
func (p *Peer) SendPiece(idx, begin int, block []byte) bool {
	return p.enqueue(wire.MessagePiece(idx, begin, block))
}

// RegisterExtension reserves a local extended-message ID for name (only
// "ut_pex" is meaningful in this core) and enqueues the BEP 10 handshake
// advertising it.
func (p *Peer) RegisterExtension(name string) error {
	p.extMu.Lock()
	id, already := p.extensions[name]
	if !already {
		id = byte(len(p.extensions) + 1)
		p.extensions[name] = id
	}
	p.extMu.Unlock()

	msg, err := wire.MessageExtendedHandshake(id, 0, nil, "swarmcore")
	if err != nil {
		return err
	}
	p.enqueue(msg)
	return nil
}

// SendExtendedMessage sends an extension-specific dictionary to the
// remote's advertised extended-message ID for name. Returns an error if
// the remote has not negotiated that extension.
func (p *Peer) SendExtendedMessage(name string, dict map[string]any) error {
	if name != wire.ExtendedPEXName {
		return fmt.Errorf("swarmpeer: unsupported extension %q", name)
	}

	p.extMu.Lock()
	pexID, ok := p.remotePEXID, p.hasRemotePEX
	p.extMu.Unlock()
	if !ok {
		return errors.New("swarmpeer: remote has not negotiated ut_pex")
	}

	msg, err := wire.MessageExtendedPEX(pexID, dict)
	if err != nil {
		return err
	}
	p.enqueue(msg)
	return nil
}

// HasNegotiatedPEX reports whether the remote advertised ut_pex support.
func (p *Peer) HasNegotiatedPEX() bool {
	p.extMu.Lock()
	defer p.extMu.Unlock()
	return p.hasRemotePEX
}

// RecentEvents returns up to n of the most recent sent/received message
// events for this peer, oldest first.
func (p *Peer) RecentEvents(n int) []historyEvent {
	return p.history.Get(n)
}

// Stats returns a snapshot of transfer counters and smoothed rates.
func (p *Peer) Stats() PeerStatsSnapshot {
	return PeerStatsSnapshot{
		Downloaded:   p.stats.Downloaded.Load(),
		Uploaded:     p.stats.Uploaded.Load(),
		DownloadRate: p.stats.DownloadRate.Load(),
		UploadRate:   p.stats.UploadRate.Load(),
	}
}

// PeerStatsSnapshot is a point-in-time copy of PeerStats, safe to pass
// around and retain without races.
type PeerStatsSnapshot struct {
	Downloaded   uint64
	Uploaded     uint64
	DownloadRate uint64
	UploadRate   uint64
}
