package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

// PlaybackHandler receives assembled data for the external player. complete
// is false for a best-effort streaming start from a contiguous prefix.
type PlaybackHandler func(data []byte, meta protocol.Metadata, complete bool)

// Ledger persists download progress so an interrupted session can resume.
// Optional; a nil ledger disables persistence.
type Ledger interface {
	RecordFile(meta protocol.Metadata) error
	MarkChunk(fileHash string, index int, data []byte) error
	LoadChunks(fileHash string) (map[int][]byte, error)
}

// Progress is the viewer's download state, exposed for the embedding UI.
type Progress struct {
	Received int
	Total    int
	Percent  float64
}

// ViewerConfig tunes the acquisition loop. Zero values take the protocol
// defaults.
type ViewerConfig struct {
	BatchSize       int
	RequestInterval time.Duration
	AnnounceEvery   int
	Playback        PlaybackPolicy
}

// Viewer collects a broadcast file chunk by chunk, relays held chunks to
// other peers, and hands assembled data to the player.
type Viewer struct {
	ctx       context.Context
	localID   string
	out       Outbound
	nextFrame FrameAllocator
	cfg       ViewerConfig
	ledger    Ledger
	log       *logrus.Logger

	onPlayback PlaybackHandler

	mu              sync.Mutex
	meta            *protocol.Metadata
	chunks          map[int][]byte
	requested       map[int]struct{}
	peerHave        map[string]map[int]struct{}
	sinceAnnounce   int
	playbackStarted bool
	completed       bool

	done chan struct{}
}

func NewViewer(ctx context.Context, localID string, out Outbound, nextFrame FrameAllocator, cfg ViewerConfig, ledger Ledger, onPlayback PlaybackHandler, log *logrus.Logger) *Viewer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = protocol.RequestBatchSize
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = protocol.RequestInterval
	}
	if cfg.AnnounceEvery <= 0 {
		cfg.AnnounceEvery = protocol.AnnounceEvery
	}
	if cfg.Playback.PrefixThreshold == 0 && cfg.Playback.StreamableTypes == nil {
		cfg.Playback = DefaultPlaybackPolicy()
	}
	v := &Viewer{
		ctx:        ctx,
		localID:    localID,
		out:        out,
		nextFrame:  nextFrame,
		cfg:        cfg,
		ledger:     ledger,
		log:        log,
		onPlayback: onPlayback,
		chunks:     make(map[int][]byte),
		requested:  make(map[int]struct{}),
		peerHave:   make(map[string]map[int]struct{}),
		done:       make(chan struct{}),
	}
	go v.metadataLoop()
	return v
}

// metadataLoop asks for the file metadata until the first announcement
// arrives. Late joiners miss the initial broadcast, so waiting passively
// would hang forever; the broadcaster answers with a rebroadcast.
func (v *Viewer) metadataLoop() {
	ticker := time.NewTicker(v.cfg.RequestInterval)
	defer ticker.Stop()
	for {
		if _, ok := v.Metadata(); ok {
			return
		}
		if err := v.RequestMetadata(v.ctx); err != nil {
			v.log.Debugf("request metadata: %v", err)
		}
		select {
		case <-v.ctx.Done():
			return
		case <-v.done:
			return
		case <-ticker.C:
		}
	}
}

// HandleMessage dispatches one inbound file-exchange message.
func (v *Viewer) HandleMessage(ctx context.Context, msg *protocol.VideoMessage) {
	if msg.From == v.localID {
		return
	}
	switch msg.Type {
	case protocol.MsgVideoMetadata:
		v.handleMetadata(msg)
	case protocol.MsgVideoChunk:
		v.handleChunk(ctx, msg)
	case protocol.MsgVideoRequestChunk:
		v.relayChunk(ctx, msg.From, msg.ChunkIndex)
	case protocol.MsgVideoHaveChunks:
		v.recordAvailability(msg.From, msg.AvailableChunks)
	case protocol.MsgVideoRequestMetadata:
		// Only the broadcaster serves metadata.
	default:
		v.log.Debugf("viewer ignoring %s from %s", msg.Type, msg.From)
	}
}

// handleMetadata caches the first metadata seen and starts the acquisition
// loop. Later metadata for the already-known file is ignored.
func (v *Viewer) handleMetadata(msg *protocol.VideoMessage) {
	v.mu.Lock()
	if v.meta != nil {
		v.mu.Unlock()
		return
	}
	meta := protocol.Metadata{
		FileName:    msg.FileName,
		FileSize:    msg.FileSize,
		MimeType:    msg.MimeType,
		FileHash:    msg.FileHash,
		TotalChunks: msg.TotalChunks,
		Duration:    msg.Duration,
	}
	v.meta = &meta
	v.mu.Unlock()

	v.log.Infof("receiving %s (%d bytes, %d chunks) from %s",
		meta.FileName, meta.FileSize, meta.TotalChunks, msg.From)

	if v.ledger != nil {
		if err := v.ledger.RecordFile(meta); err != nil {
			v.log.Warnf("record file in ledger: %v", err)
		}
		v.resumeFromLedger(meta)
	}

	if meta.TotalChunks == 0 {
		v.finish(nil, meta)
		return
	}
	v.evaluatePlayback(meta)
	v.mu.Lock()
	completed := v.completed
	v.mu.Unlock()
	if completed {
		return
	}
	go v.acquireLoop()
}

// resumeFromLedger seeds chunks persisted by an earlier, interrupted
// session so only the remainder is fetched from the network.
func (v *Viewer) resumeFromLedger(meta protocol.Metadata) {
	held, err := v.ledger.LoadChunks(meta.FileHash)
	if err != nil {
		v.log.Warnf("load persisted chunks: %v", err)
		return
	}
	if len(held) == 0 {
		return
	}

	v.mu.Lock()
	for index, data := range held {
		if index >= 0 && index < meta.TotalChunks {
			v.chunks[index] = data
		}
	}
	seeded := len(v.chunks)
	v.mu.Unlock()
	v.log.Infof("resumed %d persisted chunks of %s", seeded, meta.FileName)
}

// acquireLoop batch-requests the lowest missing chunks until the file is
// complete. A round that finds every missing chunk already requested clears
// the requested set, forcing a re-request of stale ones.
func (v *Viewer) acquireLoop() {
	ticker := time.NewTicker(v.cfg.RequestInterval)
	defer ticker.Stop()

	for {
		batch, remaining := v.nextBatch()
		if remaining == 0 {
			return
		}
		if len(batch) == 0 {
			// Everything missing is stuck in the requested set.
			v.mu.Lock()
			v.requested = make(map[int]struct{})
			v.mu.Unlock()
		}
		for _, index := range batch {
			if err := v.sendRequest(v.ctx, index); err != nil {
				v.log.Warnf("request chunk %d: %v", index, err)
			}
		}

		select {
		case <-v.ctx.Done():
			return
		case <-v.done:
			return
		case <-ticker.C:
		}
	}
}

// nextBatch picks up to BatchSize of the lowest-indexed chunks that are
// neither received nor in flight, and reports how many chunks are missing.
func (v *Viewer) nextBatch() ([]int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.meta == nil {
		return nil, 0
	}

	var batch []int
	remaining := 0
	for index := 0; index < v.meta.TotalChunks; index++ {
		if _, have := v.chunks[index]; have {
			continue
		}
		remaining++
		if _, inFlight := v.requested[index]; inFlight {
			continue
		}
		if len(batch) < v.cfg.BatchSize {
			batch = append(batch, index)
			v.requested[index] = struct{}{}
		}
	}
	return batch, remaining
}

func (v *Viewer) handleChunk(ctx context.Context, msg *protocol.VideoMessage) {
	v.mu.Lock()
	if v.meta == nil || v.completed {
		v.mu.Unlock()
		return
	}
	index := msg.ChunkIndex
	if index < 0 || index >= v.meta.TotalChunks {
		v.mu.Unlock()
		v.log.Debugf("chunk %d from %s out of range", index, msg.From)
		return
	}
	if _, have := v.chunks[index]; have {
		v.mu.Unlock()
		return
	}

	v.chunks[index] = msg.ChunkData
	delete(v.requested, index)
	v.sinceAnnounce++
	announce := v.sinceAnnounce >= v.cfg.AnnounceEvery
	if announce {
		v.sinceAnnounce = 0
	}
	meta := *v.meta
	received := len(v.chunks)
	v.mu.Unlock()

	if v.ledger != nil {
		if err := v.ledger.MarkChunk(meta.FileHash, index, msg.ChunkData); err != nil {
			v.log.Warnf("persist chunk %d: %v", index, err)
		}
	}

	v.log.Debugf("chunk %d/%d from %s", received, meta.TotalChunks, msg.From)

	v.evaluatePlayback(meta)

	if announce {
		v.announceAvailability(ctx)
	}
}

// evaluatePlayback counts the contiguous prefix from zero and either hands
// the complete file to the player or attempts a best-effort streaming start
// for allow-listed container formats.
func (v *Viewer) evaluatePlayback(meta protocol.Metadata) {
	v.mu.Lock()
	prefix := 0
	for {
		if _, ok := v.chunks[prefix]; !ok {
			break
		}
		prefix++
	}

	if prefix == meta.TotalChunks {
		if v.completed {
			v.mu.Unlock()
			return
		}
		v.completed = true
		data := v.assembleLocked(meta.TotalChunks)
		v.mu.Unlock()
		v.finish(data, meta)
		return
	}

	frac := float64(prefix) / float64(meta.TotalChunks)
	if !v.playbackStarted && v.cfg.Playback.Streamable(meta.MimeType) && frac > v.cfg.Playback.PrefixThreshold {
		v.playbackStarted = true
		data := v.assembleLocked(prefix)
		v.mu.Unlock()
		v.log.Infof("starting streaming playback from a %d-chunk prefix", prefix)
		if v.onPlayback != nil {
			v.onPlayback(data, meta, false)
		}
		return
	}
	v.mu.Unlock()
}

// assembleLocked concatenates chunks 0..n-1. Caller holds v.mu.
func (v *Viewer) assembleLocked(n int) []byte {
	size := 0
	for i := 0; i < n; i++ {
		size += len(v.chunks[i])
	}
	data := make([]byte, 0, size)
	for i := 0; i < n; i++ {
		data = append(data, v.chunks[i]...)
	}
	return data
}

func (v *Viewer) finish(data []byte, meta protocol.Metadata) {
	v.log.Infof("download complete: %s", meta.FileName)
	if v.onPlayback != nil {
		v.onPlayback(data, meta, true)
	}
	close(v.done)
}

// sendRequest broadcasts a request for one chunk index.
func (v *Viewer) sendRequest(ctx context.Context, index int) error {
	v.mu.Lock()
	var hash string
	if v.meta != nil {
		hash = v.meta.FileHash
	}
	v.mu.Unlock()

	data, err := protocol.Encode(&protocol.VideoMessage{
		Type:       protocol.MsgVideoRequestChunk,
		From:       v.localID,
		FileHash:   hash,
		ChunkIndex: index,
	})
	if err != nil {
		return err
	}
	return v.out.BroadcastChunk(ctx, data, v.nextFrame())
}

// RequestMetadata asks the broadcaster to rebroadcast the file metadata.
// Useful for peers that joined after the initial announcement.
func (v *Viewer) RequestMetadata(ctx context.Context) error {
	data, err := protocol.Encode(&protocol.VideoMessage{
		Type: protocol.MsgVideoRequestMetadata,
		From: v.localID,
	})
	if err != nil {
		return err
	}
	return v.out.BroadcastChunk(ctx, data, v.nextFrame())
}

// relayChunk serves a chunk this viewer already holds, acting as a secondary
// source. Relayed chunks use an offset frame-number range so they never
// collide with the broadcaster's numbering for the same index.
func (v *Viewer) relayChunk(ctx context.Context, peerID string, index int) {
	v.mu.Lock()
	chunk, have := v.chunks[index]
	var hash string
	if v.meta != nil {
		hash = v.meta.FileHash
	}
	v.mu.Unlock()
	if !have {
		return
	}

	v.log.Debugf("relaying chunk %d to %s", index, peerID)
	data, err := protocol.Encode(&protocol.VideoMessage{
		Type:       protocol.MsgVideoChunk,
		From:       v.localID,
		FileHash:   hash,
		ChunkIndex: index,
		ChunkData:  chunk,
	})
	if err != nil {
		v.log.Warnf("encode relay chunk %d: %v", index, err)
		return
	}
	if err := v.out.BroadcastChunk(ctx, data, protocol.RelayFrameOffset+int64(index)); err != nil {
		v.log.Warnf("relay chunk %d: %v", index, err)
	}
}

// announceAvailability broadcasts the full set of held indices as a
// peer-assist hint. Not an acknowledgment protocol.
func (v *Viewer) announceAvailability(ctx context.Context) {
	v.mu.Lock()
	held := make([]int, 0, len(v.chunks))
	for index := range v.chunks {
		held = append(held, index)
	}
	var hash string
	if v.meta != nil {
		hash = v.meta.FileHash
	}
	v.mu.Unlock()
	sort.Ints(held)

	data, err := protocol.Encode(&protocol.VideoMessage{
		Type:            protocol.MsgVideoHaveChunks,
		From:            v.localID,
		FileHash:        hash,
		AvailableChunks: held,
	})
	if err != nil {
		v.log.Warnf("encode availability: %v", err)
		return
	}
	if err := v.out.BroadcastChunk(ctx, data, v.nextFrame()); err != nil {
		v.log.Warnf("announce availability: %v", err)
	}
}

// recordAvailability stores another peer's announced chunk set. Advisory
// only: requests stay untargeted broadcasts, the hints inform future
// peer-selection work and the stats surface.
func (v *Viewer) recordAvailability(peerID string, indices []int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	have := make(map[int]struct{}, len(indices))
	for _, index := range indices {
		have[index] = struct{}{}
	}
	v.peerHave[peerID] = have
}

// PeerAvailability snapshots the advisory availability hints. Absence of a
// peer means unknown, not empty.
func (v *Viewer) PeerAvailability() map[string][]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string][]int, len(v.peerHave))
	for peer, have := range v.peerHave {
		indices := make([]int, 0, len(have))
		for index := range have {
			indices = append(indices, index)
		}
		sort.Ints(indices)
		out[peer] = indices
	}
	return out
}

// PeerLeft discards the availability hints for a departed peer.
func (v *Viewer) PeerLeft(peerID string) {
	v.mu.Lock()
	delete(v.peerHave, peerID)
	v.mu.Unlock()
}

// Progress reports the current download state.
func (v *Viewer) Progress() Progress {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := Progress{Received: len(v.chunks)}
	if v.meta != nil {
		p.Total = v.meta.TotalChunks
	}
	if p.Total > 0 {
		p.Percent = float64(p.Received) / float64(p.Total) * 100
	}
	return p
}

// Metadata returns the cached file metadata, or false before it arrived.
func (v *Viewer) Metadata() (protocol.Metadata, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.meta == nil {
		return protocol.Metadata{}, false
	}
	return *v.meta, true
}

// Done is closed once every chunk has been received and playback was
// attempted.
func (v *Viewer) Done() <-chan struct{} { return v.done }
