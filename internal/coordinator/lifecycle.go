package coordinator

import (
	"container/list"
	"context"
	"net/netip"
	"time"

	"github.com/moham96/swarmcore/internal/config"
)

// pieceComplete runs the Completion & Lifecycle Orchestrator's
// piece-verified path: update the bitfield, broadcast HAVE, add to the
// flush buffer, and drain it once the dirty-byte threshold or full
// completion is reached.
func (c *Coordinator) pieceComplete(idx int) {
	if c.files.LocalHave(idx) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.files.UpdateBitfield(ctx, idx); err != nil {
		c.log.Warn("update bitfield failed", "piece", idx, "error", err)
		return
	}

	for _, p := range c.activePeers() {
		p.SendHave(idx)
	}

	c.flushBuffer[idx] = struct{}{}

	shouldFlush := int64(len(c.flushBuffer))*c.pieceLength >= config.FlushThresholdBytes || c.files.IsAllComplete()
	if !shouldFlush {
		return
	}

	c.drainFlushBuffer(ctx)

	if c.files.IsAllComplete() && len(c.flushBuffer) == 0 {
		for _, h := range c.onAllComplete {
			h()
		}
	}
}

func (c *Coordinator) drainFlushBuffer(ctx context.Context) {
	if len(c.flushBuffer) == 0 {
		return
	}

	indices := make([]int, 0, len(c.flushBuffer))
	for idx := range c.flushBuffer {
		indices = append(indices, idx)
	}

	if err := c.files.Flush(ctx, indices); err != nil {
		c.log.Warn("flush failed", "indices", indices, "error", err)
		return
	}

	c.flushBuffer = make(map[int]struct{})
}

// pause sets the paused flag, cancels any existing keep-alive timer, and
// schedules a single 110-second keep-alive broadcast. Idempotent: a second
// call while already paused leaves exactly one timer scheduled.
func (c *Coordinator) pause() {
	c.paused = true
	if c.keepAliveTimer != nil {
		c.keepAliveTimer.Stop()
	}
	c.keepAliveTimer = time.AfterFunc(time.Duration(c.cfg.KeepAliveSeconds)*time.Second, func() {
		c.post(keepAliveTickEvent{})
	})
}

// resume clears the paused flag, cancels the keep-alive timer, and drains
// both deferred-request FIFOs.
func (c *Coordinator) resume() {
	c.paused = false
	if c.keepAliveTimer != nil {
		c.keepAliveTimer.Stop()
		c.keepAliveTimer = nil
	}

	for el := c.pausedOutgoing.Front(); el != nil; el = el.Next() {
		po := el.Value.(pausedOutgoing)
		if _, ok := c.peer(po.Peer); ok {
			c.post(RequestPiecesEvent{Peer: po.Peer, Data: requestPiecesData{Hint: po.Hint}})
		}
	}
	c.pausedOutgoing = list.New()

	for addr, q := range c.pausedIncoming {
		for el := q.Front(); el != nil; el = el.Next() {
			rd := el.Value.(requestData)
			c.post(RequestEvent{Peer: addr, Data: rd})
		}
	}
	c.pausedIncoming = make(map[netip.AddrPort]*list.List)
}

func (c *Coordinator) broadcastKeepAlive() {
	for _, p := range c.activePeers() {
		p.SendKeepAlive()
	}
}

// disposeAllSeeders disposes every peer whose bitfield is complete, used
// once the download finishes and seeders are no longer useful to us.
func (c *Coordinator) disposeAllSeeders(reason string) {
	for _, p := range c.activePeers() {
		if p.IsSeeder() {
			p.Dispose(reason)
		}
	}
}

// dispose is the idempotent teardown path: cancel the PEX timer, flush
// remaining dirty pieces, clear all queues and sets, and dispose every
// peer.
func (c *Coordinator) dispose() {
	if c.disposed {
		return
	}
	c.disposed = true

	if c.pexTicker != nil {
		c.pexTicker.Stop()
	}
	if c.keepAliveTimer != nil {
		c.keepAliveTimer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.drainFlushBuffer(ctx)

	for _, p := range c.activePeers() {
		p.Dispose("Peer Manager disposed")
	}

	c.timeouts = newTimeoutTable()
	c.uploads = newUploadQueue()
	c.pausedOutgoing = list.New()
	c.pausedIncoming = make(map[netip.AddrPort]*list.List)

	if c.cancel != nil {
		c.cancel()
	}
}
