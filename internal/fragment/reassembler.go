package fragment

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

// pendingFrame is the reassembly state for one in-flight frame.
type pendingFrame struct {
	parts   map[int][]byte
	total   int
	sender  string
	created time.Time
}

// Reassembler accumulates sub-chunks per frame number and emits the original
// payload once a frame is complete. It is owned by a session's single
// inbound-processing goroutine and needs no locking, except for the pending
// counter, which other goroutines read through PendingFrames.
type Reassembler struct {
	pending map[int64]*pendingFrame
	// completed remembers recently dispatched multi-part frames so a
	// duplicate delivery of the whole part set is ignored, not re-dispatched.
	completed    map[int64]time.Time
	pendingCount atomic.Int64
	ttl          time.Duration
	log          *logrus.Logger
}

func NewReassembler(log *logrus.Logger) *Reassembler {
	return &Reassembler{
		pending:   make(map[int64]*pendingFrame),
		completed: make(map[int64]time.Time),
		ttl:       protocol.PendingFrameTTL,
		log:       log,
	}
}

// Feed processes one inbound sub-chunk and returns the reassembled payload
// with its sender when a frame completes. Malformed tags and incomplete
// frames are dropped here; delivery is best-effort so nothing propagates to
// the caller. at is the arrival timestamp of the sub-chunk.
func (r *Reassembler) Feed(from string, tag int64, data []byte, at time.Time) ([]byte, string, bool) {
	ft, err := protocol.DecodeTag(tag)
	if err != nil {
		r.log.Debugf("dropping chunk with malformed tag %d from %s: %v", tag, from, err)
		return nil, "", false
	}

	r.sweep(at)

	// Single-part frames dispatch immediately, no state retained.
	if ft.Total <= 1 {
		return data, from, true
	}

	if _, done := r.completed[ft.Frame]; done {
		return nil, "", false
	}

	pf, ok := r.pending[ft.Frame]
	if !ok {
		pf = &pendingFrame{
			parts:   make(map[int][]byte),
			total:   ft.Total,
			sender:  from,
			created: at,
		}
		r.pending[ft.Frame] = pf
		r.pendingCount.Add(1)
	}
	// The first parts seen may under-declare the count; the max observed
	// total is authoritative.
	if ft.Total > pf.total {
		pf.total = ft.Total
	}
	pf.parts[ft.Part] = data

	if len(pf.parts) < pf.total {
		return nil, "", false
	}

	delete(r.pending, ft.Frame)
	r.pendingCount.Add(-1)
	r.completed[ft.Frame] = at

	size := 0
	for i := 0; i < pf.total; i++ {
		part, ok := pf.parts[i]
		if !ok {
			r.log.Warnf("frame %d from %s incomplete at assembly: missing part %d of %d",
				ft.Frame, pf.sender, i, pf.total)
			return nil, "", false
		}
		size += len(part)
	}

	payload := make([]byte, 0, size)
	for i := 0; i < pf.total; i++ {
		payload = append(payload, pf.parts[i]...)
	}
	return payload, pf.sender, true
}

// PendingFrames reports how many incomplete frames are currently held. Safe
// to call from any goroutine; everything else on the reassembler belongs to
// the inbound dispatch goroutine.
func (r *Reassembler) PendingFrames() int {
	return int(r.pendingCount.Load())
}

// sweep drops pending frames older than the staleness window so memory stays
// bounded when a sender disappears mid-frame.
func (r *Reassembler) sweep(at time.Time) {
	for frame, pf := range r.pending {
		if at.Sub(pf.created) > r.ttl {
			r.log.Debugf("dropping stale frame %d from %s (%d/%d parts after %v)",
				frame, pf.sender, len(pf.parts), pf.total, r.ttl)
			delete(r.pending, frame)
			r.pendingCount.Add(-1)
		}
	}
	for frame, done := range r.completed {
		if at.Sub(done) > r.ttl {
			delete(r.completed, frame)
		}
	}
}
