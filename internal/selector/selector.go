// Package selector implements the PieceSelector/PieceManager collaborator
// the swarm coordinator asks for its next piece: which piece a peer should
// be asked for next, preferring suggested pieces, then falling back to a
// configurable strategy (rarest-first, sequential, or random).
package selector

import (
	"math/rand/v2"
	"sync"

	"github.com/samber/lo"

	"github.com/moham96/swarmcore/internal/bitfield"
	"github.com/moham96/swarmcore/internal/piece"
)

// Strategy picks which of the peer's needed pieces to work on next when no
// suggested piece applies.
type Strategy int

const (
	StrategyRarestFirst Strategy = iota
	StrategySequential
	StrategyRandom
)

// PieceProvider is an index-based accessor over the torrent's fixed piece
// set. It returns nil for unknown indices.
type PieceProvider interface {
	Piece(index int) *piece.Piece
	PieceCount() int
}

// Manager is the PieceSelector/PieceManager collaborator contract the
// coordinator drives: selecting the next piece for a peer, continuing work
// on the same piece after a block lands, and being told about write
// completion and overall piece completion.
type Manager interface {
	SelectPiece(peerID string, remoteComplete bitfield.Bitfield, provider PieceProvider, suggested []int) (*piece.Piece, bool)
	SelectPieceWhenReceiveData(peerID string, remoteComplete bitfield.Bitfield, provider PieceProvider, idx, begin int) (int, bool)
	ProcessSubPieceWriteComplete(idx, begin, length int)
	OnPieceComplete(handler func(idx int))
}

// Config configures the default Selector.
type Config struct {
	Strategy Strategy
}

// WithDefaultConfig returns a Selector configuration defaulting to
// rarest-first, the common BitTorrent default that improves swarm health by
// spreading copies of scarce pieces.
func WithDefaultConfig() *Config {
	return &Config{Strategy: StrategyRarestFirst}
}

// Selector is the default Manager implementation.
type Selector struct {
	cfg *Config

	mu       sync.Mutex
	local    bitfield.Bitfield // pieces we already have, kept in sync via NotifyPieceComplete
	sequence int               // next candidate index for StrategySequential

	onComplete []func(idx int)
}

// New returns a Selector tracking local as the locally-complete bitfield.
// local is not cloned; callers should pass an independent snapshot if they
// intend to keep mutating their own copy.
func New(cfg *Config, local bitfield.Bitfield) *Selector {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	return &Selector{cfg: cfg, local: local}
}

func (s *Selector) needed(idx int) bool {
	return !s.local.Has(idx)
}

// SelectPiece returns the next piece to request for peerID, preferring any
// suggested piece that is still needed and has a sub-piece to offer, then
// falling back to the configured strategy among pieces the peer's
// remoteComplete bitfield advertises.
func (s *Selector) SelectPiece(peerID string, remoteComplete bitfield.Bitfield, provider PieceProvider, suggested []int) (*piece.Piece, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, idx := range suggested {
		if !s.needed(idx) || !remoteComplete.Has(idx) {
			continue
		}
		if p := provider.Piece(idx); p != nil && p.HaveAvailableSubPiece() {
			return p, true
		}
	}

	switch s.cfg.Strategy {
	case StrategySequential:
		return s.selectSequential(remoteComplete, provider)
	case StrategyRandom:
		return s.selectRandom(remoteComplete, provider)
	default:
		return s.selectRarestFirst(remoteComplete, provider)
	}
}

func (s *Selector) selectSequential(remoteComplete bitfield.Bitfield, provider PieceProvider) (*piece.Piece, bool) {
	n := provider.PieceCount()
	for i := 0; i < n; i++ {
		idx := (s.sequence + i) % n
		if !s.needed(idx) || !remoteComplete.Has(idx) {
			continue
		}
		p := provider.Piece(idx)
		if p == nil || !p.HaveAvailableSubPiece() {
			continue
		}
		s.sequence = idx
		return p, true
	}
	return nil, false
}

func (s *Selector) selectRandom(remoteComplete bitfield.Bitfield, provider PieceProvider) (*piece.Piece, bool) {
	candidates := make([]int, 0, provider.PieceCount())
	for i := 0; i < provider.PieceCount(); i++ {
		if s.needed(i) && remoteComplete.Has(i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, idx := range candidates {
		if p := provider.Piece(idx); p != nil && p.HaveAvailableSubPiece() {
			return p, true
		}
	}
	return nil, false
}

func (s *Selector) selectRarestFirst(remoteComplete bitfield.Bitfield, provider PieceProvider) (*piece.Piece, bool) {
	type candidate struct {
		idx   int
		piece *piece.Piece
		rare  int
	}

	candidates := make([]candidate, 0, provider.PieceCount())
	for i := 0; i < provider.PieceCount(); i++ {
		if !s.needed(i) || !remoteComplete.Has(i) {
			continue
		}
		p := provider.Piece(i)
		if p == nil || !p.HaveAvailableSubPiece() {
			continue
		}
		candidates = append(candidates, candidate{idx: i, piece: p, rare: p.AvailablePeerCount()})
	}
	if len(candidates) == 0 {
		return nil, false
	}

	rarest := lo.MinBy(candidates, func(a, b candidate) bool { return a.rare < b.rare }).rare

	tied := lo.Filter(candidates, func(c candidate, _ int) bool { return c.rare == rarest })
	rand.Shuffle(len(tied), func(i, j int) { tied[i], tied[j] = tied[j], tied[i] })

	return tied[0].piece, true
}

// SelectPieceWhenReceiveData decides whether to keep requesting from the
// same piece a block just landed for, which keeps in-flight work
// concentrated on fewer pieces at a time: if idx still has a sub-piece
// available it is returned unchanged, otherwise the caller falls back to
// the full SelectPiece strategy among the peer's remaining needed pieces.
func (s *Selector) SelectPieceWhenReceiveData(peerID string, remoteComplete bitfield.Bitfield, provider PieceProvider, idx, begin int) (int, bool) {
	if p := provider.Piece(idx); p != nil && p.HaveAvailableSubPiece() {
		return idx, true
	}

	p, ok := s.SelectPiece(peerID, remoteComplete, provider, nil)
	if !ok {
		return 0, false
	}
	return p.Index(), true
}

// ProcessSubPieceWriteComplete is a no-op hook for now: the Selector does
// not need per-sub-piece write confirmation to make its next decision,
// since Piece's own queue already reflects in-flight state via pop/push.
func (s *Selector) ProcessSubPieceWriteComplete(idx, begin, length int) {}

// OnPieceComplete registers a handler invoked by NotifyPieceComplete.
func (s *Selector) OnPieceComplete(handler func(idx int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, handler)
}

// NotifyPieceComplete marks idx as locally complete and fires every
// registered OnPieceComplete handler. Callers invoke this once a piece has
// been verified and written; the coordinator's completion path is one of
// the handlers it fires (registered via OnPieceComplete), not a caller.
func (s *Selector) NotifyPieceComplete(idx int) {
	s.mu.Lock()
	s.local.Set(idx)
	handlers := append([]func(idx int){}, s.onComplete...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(idx)
	}
}
