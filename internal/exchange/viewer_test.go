package exchange

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streamcast-p2p/streamcast/internal/logger"
	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

type playbackCall struct {
	data     []byte
	complete bool
}

type playbackRecorder struct {
	mu    sync.Mutex
	calls []playbackCall
}

func (r *playbackRecorder) handler() PlaybackHandler {
	return func(data []byte, _ protocol.Metadata, complete bool) {
		r.mu.Lock()
		r.calls = append(r.calls, playbackCall{data: data, complete: complete})
		r.mu.Unlock()
	}
}

func (r *playbackRecorder) snapshot() []playbackCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]playbackCall(nil), r.calls...)
}

func metadataMsg(from string, totalChunks int, mimeType string) *protocol.VideoMessage {
	return &protocol.VideoMessage{
		Type:        protocol.MsgVideoMetadata,
		From:        from,
		FileName:    "clip.webm",
		FileSize:    int64(totalChunks * protocol.FileChunkSize),
		MimeType:    mimeType,
		FileHash:    "deadbeef",
		TotalChunks: totalChunks,
	}
}

func chunkMsg(from string, index int, data []byte) *protocol.VideoMessage {
	return &protocol.VideoMessage{
		Type:       protocol.MsgVideoChunk,
		From:       from,
		FileHash:   "deadbeef",
		ChunkIndex: index,
		ChunkData:  data,
	}
}

// slowViewerCfg keeps the acquisition loop quiet so tests can drive message
// handling deterministically.
func slowViewerCfg() ViewerConfig {
	return ViewerConfig{RequestInterval: time.Hour}
}

func TestViewerFirstMetadataWins(t *testing.T) {
	out := &captureOut{}
	v := NewViewer(context.Background(), "me", out, testAllocator(), slowViewerCfg(), nil, nil, logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 4, "video/webm"))

	second := metadataMsg("other", 9, "video/mp4")
	second.FileHash = "feedface"
	v.HandleMessage(ctx, second)

	meta, ok := v.Metadata()
	if !ok {
		t.Fatal("metadata not cached")
	}
	if meta.FileHash != "deadbeef" || meta.TotalChunks != 4 {
		t.Errorf("later metadata overwrote the first: %+v", meta)
	}
}

func TestViewerRequestsMetadataUntilKnown(t *testing.T) {
	out := &captureOut{}
	cfg := ViewerConfig{RequestInterval: 2 * time.Millisecond}
	v := NewViewer(context.Background(), "me", out, testAllocator(), cfg, nil, nil, logger.NewLogger())

	// A joiner that missed the announcement keeps asking.
	out.waitFor(t, protocol.MsgVideoRequestMetadata, 3)

	v.HandleMessage(context.Background(), metadataMsg("host", 4, "application/octet-stream"))

	// Once metadata is known, the requests stop (allow one in flight).
	time.Sleep(20 * time.Millisecond)
	before := len(out.byType(protocol.MsgVideoRequestMetadata))
	time.Sleep(20 * time.Millisecond)
	after := len(out.byType(protocol.MsgVideoRequestMetadata))
	if after > before {
		t.Errorf("metadata requests kept flowing after metadata arrived: %d -> %d", before, after)
	}
}

func TestViewerOutOfOrderCompletion(t *testing.T) {
	out := &captureOut{}
	rec := &playbackRecorder{}
	v := NewViewer(context.Background(), "me", out, testAllocator(), slowViewerCfg(), nil, rec.handler(), logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 4, "application/octet-stream"))

	parts := [][]byte{
		bytes.Repeat([]byte{0}, 100),
		bytes.Repeat([]byte{1}, 100),
		bytes.Repeat([]byte{2}, 100),
		bytes.Repeat([]byte{3}, 100),
	}
	for _, index := range []int{2, 0, 3, 1} {
		v.HandleMessage(ctx, chunkMsg("host", index, parts[index]))
	}

	p := v.Progress()
	if p.Received != 4 || p.Percent != 100 {
		t.Fatalf("progress = %+v, want 4/100%%", p)
	}

	select {
	case <-v.Done():
	default:
		t.Fatal("Done not closed after full receipt")
	}

	calls := rec.snapshot()
	if len(calls) != 1 || !calls[0].complete {
		t.Fatalf("playback calls = %d, want exactly one complete call", len(calls))
	}
	want := bytes.Join(parts, nil)
	if !bytes.Equal(calls[0].data, want) {
		t.Error("assembled data does not match original order")
	}

	// Duplicate deliveries after completion must not replay.
	v.HandleMessage(ctx, chunkMsg("host", 1, parts[1]))
	if got := rec.snapshot(); len(got) != 1 {
		t.Errorf("duplicate chunk triggered %d playback calls", len(got))
	}
}

func TestViewerIgnoresOutOfRangeAndOwnChunks(t *testing.T) {
	out := &captureOut{}
	v := NewViewer(context.Background(), "me", out, testAllocator(), slowViewerCfg(), nil, nil, logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 2, "application/octet-stream"))
	v.HandleMessage(ctx, chunkMsg("host", 5, []byte("x")))
	v.HandleMessage(ctx, chunkMsg("me", 0, []byte("x")))

	if p := v.Progress(); p.Received != 0 {
		t.Errorf("received = %d, want 0", p.Received)
	}
}

func TestViewerRelaysHeldChunksWithOffsetFrames(t *testing.T) {
	out := &captureOut{}
	v := NewViewer(context.Background(), "me", out, testAllocator(), slowViewerCfg(), nil, nil, logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 3, "application/octet-stream"))
	v.HandleMessage(ctx, chunkMsg("host", 1, []byte("held")))

	v.HandleMessage(ctx, &protocol.VideoMessage{Type: protocol.MsgVideoRequestChunk, From: "peer-b", ChunkIndex: 1})
	v.HandleMessage(ctx, &protocol.VideoMessage{Type: protocol.MsgVideoRequestChunk, From: "peer-b", ChunkIndex: 2})

	relayed := out.byType(protocol.MsgVideoChunk)
	if len(relayed) != 1 {
		t.Fatalf("relayed %d chunks, want 1 (missing chunk must not be served)", len(relayed))
	}
	if want := int64(protocol.RelayFrameOffset + 1); relayed[0].frame != want {
		t.Errorf("relay frame = %d, want %d", relayed[0].frame, want)
	}
	if !bytes.Equal(videoMsg(relayed[0], t).ChunkData, []byte("held")) {
		t.Error("relayed wrong chunk data")
	}
}

func TestViewerAnnounceThrottle(t *testing.T) {
	out := &captureOut{}
	cfg := slowViewerCfg()
	cfg.AnnounceEvery = 2
	v := NewViewer(context.Background(), "me", out, testAllocator(), cfg, nil, nil, logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 10, "application/octet-stream"))
	for index := 0; index < 5; index++ {
		v.HandleMessage(ctx, chunkMsg("host", index, []byte{byte(index)}))
	}

	announces := out.byType(protocol.MsgVideoHaveChunks)
	if len(announces) != 2 {
		t.Fatalf("announcements = %d, want 2 (after chunks 2 and 4)", len(announces))
	}
	last := videoMsg(announces[1], t)
	if len(last.AvailableChunks) != 4 {
		t.Errorf("last announcement lists %d chunks, want 4", len(last.AvailableChunks))
	}
	for i, index := range last.AvailableChunks {
		if index != i {
			t.Errorf("AvailableChunks[%d] = %d, want sorted indices", i, index)
		}
	}
}

func TestViewerAcquisitionBatches(t *testing.T) {
	out := &captureOut{}
	cfg := ViewerConfig{RequestInterval: 5 * time.Millisecond}
	v := NewViewer(context.Background(), "me", out, testAllocator(), cfg, nil, nil, logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 8, "application/octet-stream"))

	// First round requests the 5 lowest missing indices.
	reqs := out.waitFor(t, protocol.MsgVideoRequestChunk, 5)
	for i, s := range reqs[:5] {
		if videoMsg(s, t).ChunkIndex != i {
			t.Errorf("request %d asked for index %d", i, videoMsg(s, t).ChunkIndex)
		}
	}

	// Unanswered requests go stale and get re-issued.
	out.waitFor(t, protocol.MsgVideoRequestChunk, 9)

	for index := 0; index < 8; index++ {
		v.HandleMessage(ctx, chunkMsg("host", index, []byte{byte(index)}))
	}
	select {
	case <-v.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("viewer never completed")
	}
}

func TestViewerStreamingPrefixPlayback(t *testing.T) {
	out := &captureOut{}
	rec := &playbackRecorder{}
	v := NewViewer(context.Background(), "me", out, testAllocator(), slowViewerCfg(), nil, rec.handler(), logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 10, "video/webm"))

	v.HandleMessage(ctx, chunkMsg("host", 0, []byte("aa")))
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("playback started at exactly the threshold, want strictly above")
	}

	v.HandleMessage(ctx, chunkMsg("host", 1, []byte("bb")))
	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].complete {
		t.Fatalf("expected one streaming start, got %+v", calls)
	}
	if !bytes.Equal(calls[0].data, []byte("aabb")) {
		t.Error("streaming start did not hand over the contiguous prefix")
	}

	// A gap must not restart streaming.
	v.HandleMessage(ctx, chunkMsg("host", 5, []byte("ff")))
	if calls := rec.snapshot(); len(calls) != 1 {
		t.Fatalf("gap chunk triggered extra playback: %d calls", len(calls))
	}

	for _, index := range []int{2, 3, 4, 6, 7, 8, 9} {
		v.HandleMessage(ctx, chunkMsg("host", index, []byte{byte(index), byte(index)}))
	}
	calls = rec.snapshot()
	if len(calls) != 2 || !calls[1].complete {
		t.Fatalf("expected streaming start then completion, got %d calls", len(calls))
	}
}

func TestViewerNonStreamableWaitsForCompletion(t *testing.T) {
	out := &captureOut{}
	rec := &playbackRecorder{}
	v := NewViewer(context.Background(), "me", out, testAllocator(), slowViewerCfg(), nil, rec.handler(), logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 4, "application/pdf"))
	for index := 0; index < 3; index++ {
		v.HandleMessage(ctx, chunkMsg("host", index, []byte{1}))
	}
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("non-streamable type started playback early: %d calls", len(calls))
	}
	v.HandleMessage(ctx, chunkMsg("host", 3, []byte{1}))
	calls := rec.snapshot()
	if len(calls) != 1 || !calls[0].complete {
		t.Fatalf("want exactly one complete playback, got %+v", calls)
	}
}

type fakeLedger struct {
	mu     sync.Mutex
	files  []protocol.Metadata
	chunks map[string]map[int][]byte
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{chunks: make(map[string]map[int][]byte)}
}

func (l *fakeLedger) RecordFile(meta protocol.Metadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files = append(l.files, meta)
	return nil
}

func (l *fakeLedger) MarkChunk(hash string, index int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chunks[hash] == nil {
		l.chunks[hash] = make(map[int][]byte)
	}
	l.chunks[hash][index] = data
	return nil
}

func (l *fakeLedger) LoadChunks(hash string) (map[int][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int][]byte, len(l.chunks[hash]))
	for i, d := range l.chunks[hash] {
		out[i] = d
	}
	return out, nil
}

func TestViewerResumesFromLedger(t *testing.T) {
	ledger := newFakeLedger()
	if err := ledger.MarkChunk("deadbeef", 0, []byte("aa")); err != nil {
		t.Fatalf("MarkChunk: %v", err)
	}
	if err := ledger.MarkChunk("deadbeef", 2, []byte("cc")); err != nil {
		t.Fatalf("MarkChunk: %v", err)
	}

	out := &captureOut{}
	rec := &playbackRecorder{}
	v := NewViewer(context.Background(), "me", out, testAllocator(), slowViewerCfg(), ledger, rec.handler(), logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, metadataMsg("host", 3, "application/octet-stream"))

	if p := v.Progress(); p.Received != 2 {
		t.Fatalf("received = %d after resume, want 2", p.Received)
	}

	v.HandleMessage(ctx, chunkMsg("host", 1, []byte("bb")))
	calls := rec.snapshot()
	if len(calls) != 1 || !calls[0].complete {
		t.Fatalf("expected one complete playback, got %d calls", len(calls))
	}
	if !bytes.Equal(calls[0].data, []byte("aabbcc")) {
		t.Errorf("assembled = %q", calls[0].data)
	}
	// The freshly received chunk was persisted too.
	held, _ := ledger.LoadChunks("deadbeef")
	if len(held) != 3 {
		t.Errorf("ledger holds %d chunks, want 3", len(held))
	}
}

func TestViewerPeerAvailability(t *testing.T) {
	out := &captureOut{}
	v := NewViewer(context.Background(), "me", out, testAllocator(), slowViewerCfg(), nil, nil, logger.NewLogger())

	ctx := context.Background()
	v.HandleMessage(ctx, &protocol.VideoMessage{
		Type:            protocol.MsgVideoHaveChunks,
		From:            "peer-a",
		AvailableChunks: []int{4, 1, 2},
	})

	avail := v.PeerAvailability()
	got, ok := avail["peer-a"]
	if !ok || len(got) != 3 || got[0] != 1 || got[2] != 4 {
		t.Fatalf("availability = %v", avail)
	}

	v.PeerLeft("peer-a")
	if avail := v.PeerAvailability(); len(avail) != 0 {
		t.Errorf("availability after departure = %v, want empty", avail)
	}
}
