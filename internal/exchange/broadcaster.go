// Package exchange distributes a finite file over the broadcast channel:
// a broadcaster slices it into fixed-size indexed chunks and serves them on
// demand, viewers collect missing chunks and relay held ones to each other
// to take load off the original source.
package exchange

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

// Outbound sends an encoded payload as one logical frame.
type Outbound interface {
	BroadcastChunk(ctx context.Context, payload []byte, frame int64) error
}

// FrameAllocator hands out fresh frame numbers for control messages.
type FrameAllocator func() int64

// RequestObserver is notified of every inbound chunk request, for
// instrumentation only.
type RequestObserver func(peerID string, index int)

// Broadcaster serves a prepared file to the channel. Chunks stay in memory
// for the whole session so requests keep succeeding after the initial pass.
type Broadcaster struct {
	localID   string
	out       Outbound
	nextFrame FrameAllocator
	interval  time.Duration
	log       *logrus.Logger

	mu        sync.Mutex
	meta      protocol.Metadata
	chunks    [][]byte
	running   bool
	stop      chan struct{}
	onRequest RequestObserver
}

func NewBroadcaster(localID string, out Outbound, nextFrame FrameAllocator, interval time.Duration, log *logrus.Logger) *Broadcaster {
	if interval <= 0 {
		interval = protocol.DefaultBroadcastInterval
	}
	return &Broadcaster{
		localID:   localID,
		out:       out,
		nextFrame: nextFrame,
		interval:  interval,
		log:       log,
	}
}

// SetRequestObserver installs the instrumentation callback.
func (b *Broadcaster) SetRequestObserver(fn RequestObserver) {
	b.mu.Lock()
	b.onRequest = fn
	b.mu.Unlock()
}

// Prepare slices the file into fixed-size chunks and computes its metadata.
// Deterministic: the same input yields the same chunk boundaries and hash.
func (b *Broadcaster) Prepare(r io.Reader, fileName, mimeType string, duration float64) (protocol.Metadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return protocol.Metadata{}, fmt.Errorf("read %s: %w", fileName, err)
	}

	total := (len(data) + protocol.FileChunkSize - 1) / protocol.FileChunkSize
	chunks := make([][]byte, 0, total)
	for start := 0; start < len(data); start += protocol.FileChunkSize {
		end := start + protocol.FileChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}

	meta := protocol.Metadata{
		FileName:    fileName,
		FileSize:    int64(len(data)),
		MimeType:    mimeType,
		FileHash:    fmt.Sprintf("%x", sha256.Sum256(data)),
		TotalChunks: total,
		Duration:    duration,
	}

	b.mu.Lock()
	b.meta = meta
	b.chunks = chunks
	b.mu.Unlock()
	return meta, nil
}

// HashFile returns the sha256 hex digest of the file at path, the same
// identity Prepare computes for broadcast metadata.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// PrepareFile opens path and prepares it, guessing the MIME type from the
// file extension.
func (b *Broadcaster) PrepareFile(path string) (protocol.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.Metadata{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return b.Prepare(f, filepath.Base(path), mimeType, 0)
}

// StartBroadcast announces the metadata and begins the initial chunk pass,
// one chunk per interval. Idempotent: a second call while running is a no-op.
// After the pass completes the broadcaster keeps answering requests until
// StopBroadcast or session teardown.
func (b *Broadcaster) StartBroadcast(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	if b.meta.FileHash == "" {
		b.mu.Unlock()
		return fmt.Errorf("no prepared file to broadcast")
	}
	b.running = true
	b.stop = make(chan struct{})
	stop := b.stop
	total := b.meta.TotalChunks
	b.mu.Unlock()

	if err := b.BroadcastMetadata(ctx); err != nil {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		return err
	}

	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for index := 0; index < total; index++ {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := b.sendChunk(ctx, index); err != nil {
					b.log.Warnf("broadcast chunk %d: %v", index, err)
				}
			}
		}
		b.log.Infof("initial pass complete: %d chunks sent", total)
	}()
	return nil
}

// StopBroadcast halts the periodic emission. Already-sent chunks are not
// retracted and chunk requests keep being served from memory.
func (b *Broadcaster) StopBroadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stop)
}

// HandleMessage dispatches one inbound file-exchange message.
func (b *Broadcaster) HandleMessage(ctx context.Context, msg *protocol.VideoMessage) {
	if msg.From == b.localID {
		return
	}
	switch msg.Type {
	case protocol.MsgVideoRequestChunk:
		b.HandleChunkRequest(ctx, msg.From, msg.ChunkIndex)
	case protocol.MsgVideoRequestMetadata:
		if err := b.BroadcastMetadata(ctx); err != nil {
			b.log.Warnf("re-broadcast metadata: %v", err)
		}
	case protocol.MsgVideoHaveChunks:
		// Advisory; the broadcaster has everything already.
	default:
		b.log.Debugf("broadcaster ignoring %s from %s", msg.Type, msg.From)
	}
}

// HandleChunkRequest re-broadcasts the requested chunk. An out-of-range
// index is a no-op, not an error.
func (b *Broadcaster) HandleChunkRequest(ctx context.Context, peerID string, index int) {
	b.mu.Lock()
	inRange := index >= 0 && index < len(b.chunks)
	observer := b.onRequest
	b.mu.Unlock()

	if !inRange {
		b.log.Debugf("chunk request %d from %s out of range", index, peerID)
		return
	}
	if observer != nil {
		observer(peerID, index)
	}
	if err := b.sendChunk(ctx, index); err != nil {
		b.log.Warnf("serve chunk %d to %s: %v", index, peerID, err)
	}
}

// BroadcastMetadata announces the prepared file to all current and future
// listeners. Safe to call repeatedly; supports late joiners.
func (b *Broadcaster) BroadcastMetadata(ctx context.Context) error {
	b.mu.Lock()
	meta := b.meta
	b.mu.Unlock()
	if meta.FileHash == "" {
		return fmt.Errorf("no prepared file")
	}

	data, err := protocol.Encode(protocol.MetadataMessage(b.localID, meta))
	if err != nil {
		return err
	}
	return b.out.BroadcastChunk(ctx, data, b.nextFrame())
}

// Metadata returns the prepared file's metadata.
func (b *Broadcaster) Metadata() protocol.Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta
}

func (b *Broadcaster) sendChunk(ctx context.Context, index int) error {
	b.mu.Lock()
	if index < 0 || index >= len(b.chunks) {
		b.mu.Unlock()
		return fmt.Errorf("chunk %d out of range", index)
	}
	chunk := b.chunks[index]
	hash := b.meta.FileHash
	b.mu.Unlock()

	data, err := protocol.Encode(&protocol.VideoMessage{
		Type:       protocol.MsgVideoChunk,
		From:       b.localID,
		FileHash:   hash,
		ChunkIndex: index,
		ChunkData:  chunk,
	})
	if err != nil {
		return err
	}
	// The chunk index doubles as the frame number, keeping retransmissions
	// of the same chunk idempotent at the reassembly layer.
	return b.out.BroadcastChunk(ctx, data, int64(index))
}
