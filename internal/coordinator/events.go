package coordinator

import (
	"net/netip"

	"github.com/moham96/swarmcore/internal/bitfield"
)

// Event is the envelope every occurrence posted to the Coordinator's event
// loop implements — one goroutine drains these, so no handler below ever
// runs concurrently with another.
type Event interface{ event() }

// PeerEvent carries a peer-scoped occurrence plus its typed payload,
// addressed by the peer's network address (the Coordinator's peer map key).
type PeerEvent[T any] struct {
	Peer netip.AddrPort
	Data T
}

func (e PeerEvent[T]) event() {}

type (
	ConnectEvent           = PeerEvent[connectData]
	HandshakeEvent         = PeerEvent[handshakeData]
	BitfieldEvent          = PeerEvent[bitfieldData]
	HaveAllEvent           = PeerEvent[haveAllData]
	HaveNoneEvent          = PeerEvent[haveNoneData]
	HaveEvent              = PeerEvent[haveData]
	ChokeChangeEvent       = PeerEvent[chokeChangeData]
	InterestedChangeEvent  = PeerEvent[interestedChangeData]
	AllowFastEvent         = PeerEvent[allowFastData]
	RejectRequestEvent     = PeerEvent[rejectRequestData]
	RequestEvent           = PeerEvent[requestData]
	PieceEvent             = PeerEvent[pieceData]
	RequestTimeoutEvent    = PeerEvent[requestTimeoutData]
	DisposeEvent           = PeerEvent[disposeData]
	ExtendedEvent          = PeerEvent[extendedData]
	RequestPiecesEvent     = PeerEvent[requestPiecesData]
	YourIPEvent            = PeerEvent[yourIPData]
)

type (
	connectData    struct{}
	handshakeData  struct{}
	haveAllData    struct{}
	haveNoneData   struct{}
	disposeData    struct{ Reason string }
)

type bitfieldData struct{ Bitfield bitfield.Bitfield }
type haveData struct{ Index int }
type chokeChangeData struct{ Choked bool }
type interestedChangeData struct{ Interested bool }
type allowFastData struct{ Index int }
type rejectRequestData struct{ Index, Begin, Length int }
type requestData struct{ Index, Begin, Length int }
type pieceData struct {
	Index, Begin int
	Block        []byte
}
type requestTimeoutData struct{ Index, Begin, Length int }
type extendedData struct {
	Name    string
	Payload []byte
}

// requestPiecesData carries an optional hint piece index; a nil Hint means
// "ask the selector," matching request_pieces(peer, hint = none).
type requestPiecesData struct{ Hint *int }

// yourIPData carries the remote's BEP 10 "yourip" observation of our own
// address.
type yourIPData struct{ Addr netip.Addr }

// SubPieceReadCompleteEvent is not peer-scoped at post time — the
// UploadQueue resolves which peer it belongs to via (Index, Begin).
type SubPieceReadCompleteEvent struct {
	Index, Begin int
	Block        []byte
}

func (SubPieceReadCompleteEvent) event() {}

// PieceCompleteEvent signals a piece has been verified and written; it
// carries no peer.
type PieceCompleteEvent struct{ Index int }

func (PieceCompleteEvent) event() {}

// pexTickEvent fires on the PEX engine's periodic timer.
type pexTickEvent struct{}

func (pexTickEvent) event() {}

// keepAliveTickEvent fires the 110s idle keep-alive broadcast.
type keepAliveTickEvent struct{}

func (keepAliveTickEvent) event() {}

// PauseEvent and ResumeEvent are not peer-scoped: they toggle the
// Coordinator's global paused state, queuing or replaying every peer's
// requests uniformly.
type PauseEvent struct{}

func (PauseEvent) event() {}

type ResumeEvent struct{}

func (ResumeEvent) event() {}

// DisposeAllSeedersEvent disposes every currently-active seeder, e.g. once
// local download has completed and uploading to other leechers is the only
// remaining interest.
type DisposeAllSeedersEvent struct{ Reason string }

func (DisposeAllSeedersEvent) event() {}
