package coordinator

import (
	"github.com/samber/lo"

	"github.com/moham96/swarmcore/internal/config"
)

// subPieceReadComplete is the upload-side completion: a disk read the
// Coordinator issued on behalf of a remote peer has returned data. It
// resolves which peer the read belongs to via the UploadQueue, sends the
// block, and accounts the uploaded bytes on success.
func (c *Coordinator) subPieceReadComplete(idx, begin int, block []byte) {
	addr, ok := c.uploads.complete(idx, begin)
	if !ok {
		return
	}

	p, ok := c.peer(addr)
	if !ok || p.IsDisposed() {
		return
	}

	if !p.SendPiece(idx, begin, block) {
		return
	}

	c.uploadedTotal += int64(len(block))
	c.uploadedNotifyDelta += int64(len(block))

	if c.uploadedNotifyDelta >= config.UploadNotifyThresholdBytes {
		c.uploadedNotifyDelta = 0
		c.files.UpdateUpload(c.uploadedTotal)
	}
}

// DownloadRate returns the swarm-wide instantaneous download rate: the sum
// of every active peer's smoothed per-peer rate. Read-only statistics
// surfacing; never consulted by scheduling (no bandwidth shaping).
func (c *Coordinator) DownloadRate() uint64 {
	peers := c.activePeers()
	rates := lo.Map(peers, func(p PeerHandle, _ int) uint64 { return p.Stats().DownloadRate })
	return lo.Sum(rates)
}

// UploadRate returns the swarm-wide instantaneous upload rate, the same
// reduction as DownloadRate over the upload side.
func (c *Coordinator) UploadRate() uint64 {
	peers := c.activePeers()
	rates := lo.Map(peers, func(p PeerHandle, _ int) uint64 { return p.Stats().UploadRate })
	return lo.Sum(rates)
}

// UploadedTotal returns the monotonic total bytes uploaded this session.
func (c *Coordinator) UploadedTotal() int64 { return c.uploadedTotal }
