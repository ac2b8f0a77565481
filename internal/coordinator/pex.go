package coordinator

import (
	"encoding/binary"
	"net/netip"

	"github.com/samber/lo"

	"github.com/moham96/swarmcore/internal/bencode"
)

// pexTickInterval is how often the PEX engine gossips peer-set deltas.
const pexTickInterval = 60

// pexEngine tracks the set of peer addresses included in the previous
// broadcast so each tick can compute a delta instead of resending the whole
// swarm view.
type pexEngine struct {
	lastAnnounced map[netip.AddrPort]struct{}
}

func newPEXEngine() *pexEngine {
	return &pexEngine{lastAnnounced: make(map[netip.AddrPort]struct{})}
}

// pexDelta is the outcome of one tick: which addresses to report added and
// dropped, already bucketed by address family for compact encoding.
type pexDelta struct {
	AddedV4   []byte
	DroppedV4 []byte
	AddedV6   []byte
	DroppedV6 []byte
	Empty     bool
}

// tick compares current against the previous broadcast's membership and
// returns the encoded delta, updating lastAnnounced to current regardless of
// whether anything changed.
func (e *pexEngine) tick(current []netip.AddrPort) pexDelta {
	currentSet := make(map[netip.AddrPort]struct{}, len(current))
	for _, a := range current {
		currentSet[a] = struct{}{}
	}

	lastSlice := make([]netip.AddrPort, 0, len(e.lastAnnounced))
	for a := range e.lastAnnounced {
		lastSlice = append(lastSlice, a)
	}

	added, dropped := lo.Difference(current, lastSlice)
	e.lastAnnounced = currentSet

	if len(added) == 0 && len(dropped) == 0 {
		return pexDelta{Empty: true}
	}

	addedV4, addedV6 := encodeCompactAddrs(added)
	droppedV4, droppedV6 := encodeCompactAddrs(dropped)

	return pexDelta{AddedV4: addedV4, DroppedV4: droppedV4, AddedV6: addedV6, DroppedV6: droppedV6}
}

// encodeCompactAddrs splits addrs by family and encodes each bucket into
// concatenated compact records (6 bytes per IPv4 entry, 18 per IPv6).
// Addresses that fail to report a recognizable family are silently skipped.
func encodeCompactAddrs(addrs []netip.AddrPort) (v4, v6 []byte) {
	for _, a := range addrs {
		ip := a.Addr()
		switch {
		case ip.Is4():
			b := ip.As4()
			rec := make([]byte, 6)
			copy(rec, b[:])
			binary.BigEndian.PutUint16(rec[4:], a.Port())
			v4 = append(v4, rec...)
		case ip.Is6():
			b := ip.As16()
			rec := make([]byte, 18)
			copy(rec, b[:])
			binary.BigEndian.PutUint16(rec[16:], a.Port())
			v6 = append(v6, rec...)
		}
	}
	return v4, v6
}

// decodeCompactV4 splits a concatenated blob of 6-byte records back into
// addresses, dropping any trailing partial record.
func decodeCompactV4(data []byte) []netip.AddrPort {
	var out []netip.AddrPort
	for i := 0; i+6 <= len(data); i += 6 {
		ip := netip.AddrFrom4([4]byte(data[i : i+4]))
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		out = append(out, netip.AddrPortFrom(ip, port))
	}
	return out
}

// decodeCompactV6 splits a concatenated blob of 18-byte records.
func decodeCompactV6(data []byte) []netip.AddrPort {
	var out []netip.AddrPort
	for i := 0; i+18 <= len(data); i += 18 {
		ip := netip.AddrFrom16([16]byte(data[i : i+16]))
		port := binary.BigEndian.Uint16(data[i+16 : i+18])
		out = append(out, netip.AddrPortFrom(ip, port))
	}
	return out
}

// filterSelf drops any address equal to localExternalIP (the IP the swarm
// reports seeing us as, via the extended handshake's "yourip" field) before
// surfacing newly-gossiped peers — otherwise a peer that sees our own
// listening address in its swarm view would hand it back to us.
func filterSelf(addrs []netip.AddrPort, localExternalIP netip.Addr) []netip.AddrPort {
	if !localExternalIP.IsValid() {
		return addrs
	}
	return lo.Filter(addrs, func(a netip.AddrPort, _ int) bool {
		return a.Addr() != localExternalIP
	})
}

// handlePEXTick computes this tick's membership delta and, if anything
// changed, gossips it to every peer that negotiated ut_pex.
func (c *Coordinator) handlePEXTick() {
	delta := c.pex.tick(c.activeAddrs())
	if delta.Empty {
		return
	}

	dict := map[string]any{
		"added":    string(delta.AddedV4),
		"dropped":  string(delta.DroppedV4),
		"added6":   string(delta.AddedV6),
		"dropped6": string(delta.DroppedV6),
	}

	for _, p := range c.activePeers() {
		if !p.HasNegotiatedPEX() {
			continue
		}
		if err := p.SendExtendedMessage("ut_pex", dict); err != nil {
			c.log.Warn("pex send failed", "peer", p.RemoteAddr(), "error", err)
		}
	}
}

// handleIncomingPEX decodes a remote ut_pex payload and surfaces any newly
// gossiped address, excluding our own, to OnNewPeerFound handlers.
func (c *Coordinator) handleIncomingPEX(payload []byte) {
	decoded, err := bencode.Unmarshal(payload)
	if err != nil {
		return
	}
	dict, ok := decoded.(map[string]any)
	if !ok {
		return
	}

	var found []netip.AddrPort
	if v, ok := dict["added"].(string); ok {
		found = append(found, decodeCompactV4([]byte(v))...)
	}
	if v, ok := dict["added6"].(string); ok {
		found = append(found, decodeCompactV6([]byte(v))...)
	}

	found = filterSelf(found, c.localExternalIP)

	for _, addr := range found {
		for _, h := range c.onNewPeerFound {
			h(addr.String())
		}
	}
}
