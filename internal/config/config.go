// Package config holds the tunables for the peer-swarm coordination core.
// Each subsystem gets its own Config struct constructed via
// WithDefaultConfig(), rather than a single global settings object.
package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

const (
	// SubPieceLength is the fixed block size every sub-piece request uses,
	// except the final, truncated sub-piece of a piece.
	SubPieceLength = 16 * 1024

	// MaxInflightRequestsPerPeer caps outstanding remote read requests we
	// will service for a single peer at once.
	MaxInflightRequestsPerPeer = 6

	// MaxPausedRequestsPerPeer caps buffered incoming requests held while a
	// peer is paused, before the peer is disposed for abuse.
	MaxPausedRequestsPerPeer = 6

	// MaxRequestLength is the largest inbound request length this core will
	// service; a request exceeding it terminates the connection.
	MaxRequestLength = 131072

	// MaxActivePeers is the resource cap on concurrently active peers,
	// enforced by the collaborator that admits new connections.
	MaxActivePeers = 50

	// FlushThresholdBytes is the dirty-byte threshold that triggers a
	// flush of the pending piece set to storage.
	FlushThresholdBytes = 10 << 20

	// UploadNotifyThresholdBytes is the uploaded-byte delta that triggers
	// an upload-accounting notification.
	UploadNotifyThresholdBytes = 10 << 20
)

// Config holds the coordinator's tunable, non-protocol-mandated
// parameters — timer periods, queue depths, and default paths.
type Config struct {
	// DownloadDir is where a FileManager implementation should persist
	// completed data.
	DownloadDir string

	// PEXInterval is how often the PEX engine ticks.
	PEXInterval int // seconds; kept as int to avoid importing time here

	// KeepAliveSeconds is the idle broadcast period while otherwise silent:
	// 110s, just under BitTorrent's 120s idle timeout.
	KeepAliveSeconds int

	// EventQueueBacklog sizes the coordinator's event channel, mirroring
	// scheduler.PieceScheduler's buffered eventQueue.
	EventQueueBacklog int

	// PeerWorkQueueBacklog sizes each peer's outbound work queue.
	PeerWorkQueueBacklog int
}

// WithDefaultConfig returns sensible defaults for the coordination core.
func WithDefaultConfig() *Config {
	return &Config{
		DownloadDir:          defaultDownloadDir(),
		PEXInterval:          60,
		KeepAliveSeconds:     110,
		EventQueueBacklog:    1000,
		PeerWorkQueueBacklog: 256,
	}
}

// defaultDownloadDir picks a platform-appropriate download directory.
func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.Environment(context.Background()).Platform {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "swarmcore")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "swarmcore", "downloads")
	}
}
