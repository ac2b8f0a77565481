// Package storage implements the FileManager collaborator: multi-file
// piece storage, SHA-1 verification of completed pieces, and the
// asynchronous write/read submissions the swarm coordinator issues
// fire-and-forget, completions returning later as events. Flush is a
// blocking call the coordinator waits on.
package storage

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"golang.org/x/sync/errgroup"

	"github.com/moham96/swarmcore/internal/bitfield"
)

// FileManager is the storage collaborator contract the coordinator drives.
// Write/Read are fire-and-forget submissions; their results are delivered
// to the handlers registered via OnSubPieceWriteComplete/
// OnSubPieceReadComplete. UpdateBitfield and Flush are awaited by the
// coordinator at specific points in its single-threaded event loop
// (before a HAVE broadcast, and during piece completion/dispose).
type FileManager interface {
	LocalBitfield() bitfield.Bitfield
	LocalHave(idx int) bool
	PieceCount() int
	Write(idx, begin int, block []byte)
	Read(idx, begin, length int)
	UpdateBitfield(ctx context.Context, idx int) error
	Flush(ctx context.Context, indices []int) error
	UpdateUpload(bytes int64)
	IsAllComplete() bool
	OnSubPieceWriteComplete(handler func(idx, begin, length int))
	OnSubPieceReadComplete(handler func(idx, begin int, block []byte))
}

// FileSpec describes one file within the torrent's storage layout.
type FileSpec struct {
	Path   string // relative to Config.DownloadDir
	Length int64
}

// Config configures a Disk FileManager.
type Config struct {
	DownloadDir    string
	PieceLength    int64
	WriteQueueSize int
	ReadQueueSize  int
}

// WithDefaultConfig returns sensible defaults for a Disk FileManager.
func WithDefaultConfig() *Config {
	return &Config{
		DownloadDir:    defaultDownloadDir(),
		WriteQueueSize: 100,
		ReadQueueSize:  100,
	}
}

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
	default:
		return filepath.Join(home, ".local", "share", "swarmcore", "downloads")
	}
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

type writeJob struct {
	idx, begin int
	block      []byte
}

type readJob struct {
	idx, begin, length int
}

type pieceBuffer struct {
	mut      sync.Mutex
	blocks   map[int][]byte
	size     int
	received int
}

// Disk is the default FileManager: a multi-file, piece-buffered, SHA-1
// verifying local store.
type Disk struct {
	cfg *Config
	log *slog.Logger

	pieceHashes [][sha1.Size]byte
	pieceLength int64
	totalSize   int64
	files       []*datafile

	mu    sync.RWMutex
	local bitfield.Bitfield

	bufMu   sync.Mutex
	buffers map[int]*pieceBuffer

	writeQueue chan writeJob
	readQueue  chan readJob

	uploadedTotal int64

	handlerMu       sync.Mutex
	onWriteComplete []func(idx, begin, length int)
	onReadComplete  []func(idx, begin int, block []byte)
}

// NewDisk lays out files under cfg.DownloadDir and returns a ready Disk.
// pieceCount pieces are expected, each pieceLength bytes except the final
// one, verified against pieceHashes.
func NewDisk(files []FileSpec, pieceHashes [][sha1.Size]byte, pieceCount int, cfg *Config, log *slog.Logger) (*Disk, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	opened, totalSize, err := openFiles(files, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("storage: open files: %w", err)
	}

	d := &Disk{
		cfg:         cfg,
		log:         log,
		pieceHashes: pieceHashes,
		pieceLength: cfg.PieceLength,
		totalSize:   totalSize,
		files:       opened,
		local:       bitfield.New(pieceCount),
		buffers:     make(map[int]*pieceBuffer),
		writeQueue:  make(chan writeJob, cfg.WriteQueueSize),
		readQueue:   make(chan readJob, cfg.ReadQueueSize),
	}

	return d, nil
}

// Run drives the write and read worker loops until ctx is cancelled.
func (d *Disk) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.writeLoop(gctx) })
	g.Go(func() error { return d.readLoop(gctx) })

	d.log.Info("storage workers started")

	return g.Wait()
}

func (d *Disk) LocalBitfield() bitfield.Bitfield {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.local.Clone()
}

func (d *Disk) LocalHave(idx int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.local.Has(idx)
}

func (d *Disk) PieceCount() int { return d.local.Len() }

func (d *Disk) IsAllComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.local.All()
}

// Write submits a block for assembly into its piece, fire-and-forget. Every
// accepted block produces one OnSubPieceWriteComplete notification: blocks
// that leave the piece incomplete are reported as soon as they are
// buffered, and the block that completes the piece is reported after
// verification and the disk write (or after a hash-mismatch discard).
// Duplicate blocks produce no notification.
func (d *Disk) Write(idx, begin int, block []byte) {
	cp := append([]byte(nil), block...)
	select {
	case d.writeQueue <- writeJob{idx: idx, begin: begin, block: cp}:
	default:
		d.log.Warn("write queue full, dropping block", "piece", idx, "begin", begin)
	}
}

// Read submits an asynchronous disk read; OnSubPieceReadComplete delivers
// the result.
func (d *Disk) Read(idx, begin, length int) {
	select {
	case d.readQueue <- readJob{idx: idx, begin: begin, length: length}:
	default:
		d.log.Warn("read queue full, dropping request", "piece", idx, "begin", begin)
	}
}

func (d *Disk) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-d.writeQueue:
			if !ok {
				return nil
			}
			d.handleWriteJob(job)
		}
	}
}

func (d *Disk) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-d.readQueue:
			if !ok {
				return nil
			}
			d.handleReadJob(job)
		}
	}
}

func (d *Disk) handleWriteJob(job writeJob) {
	d.bufMu.Lock()
	buf, exists := d.buffers[job.idx]
	if !exists {
		buf = &pieceBuffer{blocks: make(map[int][]byte), size: d.pieceByteLength(job.idx)}
		d.buffers[job.idx] = buf
	}
	d.bufMu.Unlock()

	buf.mut.Lock()
	if _, dup := buf.blocks[job.begin]; dup {
		buf.mut.Unlock()
		d.log.Debug("duplicate block ignored", "piece", job.idx, "begin", job.begin)
		return
	}
	buf.blocks[job.begin] = job.block
	buf.received += len(job.block)

	if buf.received != buf.size {
		buf.mut.Unlock()
		d.notifyWriteComplete(job.idx, job.begin, len(job.block))
		return
	}

	complete := make([]byte, buf.size)
	for begin, block := range buf.blocks {
		copy(complete[begin:], block)
	}
	buf.mut.Unlock()

	if job.idx < len(d.pieceHashes) {
		if got := sha1.Sum(complete); got != d.pieceHashes[job.idx] {
			d.log.Warn("piece hash mismatch, discarding", "piece", job.idx)
			d.bufMu.Lock()
			delete(d.buffers, job.idx)
			d.bufMu.Unlock()
			d.notifyWriteComplete(job.idx, job.begin, len(job.block))
			return
		}
	}

	if err := d.writePieceToFiles(job.idx, complete); err != nil {
		d.log.Error("write piece to disk failed", "piece", job.idx, "error", err)
		d.notifyWriteComplete(job.idx, job.begin, len(job.block))
		return
	}

	d.bufMu.Lock()
	delete(d.buffers, job.idx)
	d.bufMu.Unlock()

	d.notifyWriteComplete(job.idx, job.begin, len(job.block))
}

func (d *Disk) handleReadJob(job readJob) {
	data := make([]byte, job.length)
	if err := d.readPieceFromFiles(job.idx, job.begin, data); err != nil {
		d.log.Error("read piece from disk failed", "piece", job.idx, "error", err)
		data = nil
	}
	d.notifyReadComplete(job.idx, job.begin, data)
}

func (d *Disk) pieceByteLength(idx int) int {
	if d.pieceLength == 0 {
		return 0
	}
	start := int64(idx) * d.pieceLength
	remaining := d.totalSize - start
	if remaining > d.pieceLength {
		return int(d.pieceLength)
	}
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

func (d *Disk) writePieceToFiles(idx int, data []byte) error {
	pieceStart := int64(idx) * d.pieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, file := range d.files {
		fileStart, fileEnd := file.offset, file.offset+file.length
		overlapStart, overlapEnd := max64(pieceStart, fileStart), min64(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - pieceStart

		n, err := file.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("write %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("short write to %s: wrote %d, want %d", file.path, n, writeLen)
		}
	}

	d.mu.Lock()
	d.local.Set(idx)
	d.mu.Unlock()

	return nil
}

func (d *Disk) readPieceFromFiles(idx, begin int, data []byte) error {
	absStart := int64(idx)*d.pieceLength + int64(begin)
	absEnd := absStart + int64(len(data))

	for _, file := range d.files {
		fileStart, fileEnd := file.offset, file.offset+file.length
		overlapStart, overlapEnd := max64(absStart, fileStart), min64(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - absStart

		n, err := file.f.ReadAt(data[offsetInData:offsetInData+readLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", file.path, err)
		}
		if int64(n) != readLen {
			return fmt.Errorf("short read from %s: read %d, want %d", file.path, n, readLen)
		}
	}

	return nil
}

// UpdateBitfield is awaited by the coordinator before broadcasting HAVE, so
// that a peer requesting the piece cannot race ahead of the on-disk
// bitmap; for this local store the bit is already set synchronously by
// writePieceToFiles and there is no separate on-disk bitmap, so this does
// nothing and returns nil.
func (d *Disk) UpdateBitfield(ctx context.Context, idx int) error {
	return nil
}

// Flush fsyncs every backing file (indices does not narrow the set),
// propagating the first
// error encountered — callers (piece_complete/dispose) must treat a
// non-nil error as "the bitfield update that preceded it may not be fully
// persisted."
func (d *Disk) Flush(ctx context.Context, indices []int) error {
	for _, file := range d.files {
		if err := file.f.Sync(); err != nil {
			return fmt.Errorf("storage: fsync %s: %w", file.path, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (d *Disk) UpdateUpload(bytes int64) {
	d.mu.Lock()
	d.uploadedTotal = bytes
	d.mu.Unlock()
}

func (d *Disk) OnSubPieceWriteComplete(handler func(idx, begin, length int)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onWriteComplete = append(d.onWriteComplete, handler)
}

func (d *Disk) OnSubPieceReadComplete(handler func(idx, begin int, block []byte)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onReadComplete = append(d.onReadComplete, handler)
}

func (d *Disk) notifyWriteComplete(idx, begin, length int) {
	d.handlerMu.Lock()
	handlers := append([]func(idx, begin, length int){}, d.onWriteComplete...)
	d.handlerMu.Unlock()
	for _, h := range handlers {
		h(idx, begin, length)
	}
}

func (d *Disk) notifyReadComplete(idx, begin int, block []byte) {
	d.handlerMu.Lock()
	handlers := append([]func(idx, begin int, block []byte){}, d.onReadComplete...)
	d.handlerMu.Unlock()
	for _, h := range handlers {
		h(idx, begin, block)
	}
}

func openFiles(specs []FileSpec, downloadDir string) ([]*datafile, int64, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, 0, err
	}

	var (
		offset int64
		files  []*datafile
	)

	for _, spec := range specs {
		path := filepath.Join(downloadDir, spec.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, 0, err
		}

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, 0, err
		}
		if err := f.Truncate(spec.Length); err != nil {
			f.Close()
			return nil, 0, err
		}

		files = append(files, &datafile{f: f, offset: offset, length: spec.Length, path: path})
		offset += spec.Length
	}

	return files, offset, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
