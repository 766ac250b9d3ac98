// Package fragment makes unbounded logical payloads transportable over a
// broadcast channel with a hard per-message size ceiling, and inverts the
// process on receipt. Frames tolerate out-of-order and partial delivery;
// incomplete frames are dropped after a staleness window.
package fragment

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

// Channel is the sending half of the broadcast transport the fragmenter
// writes to.
type Channel interface {
	Send(ctx context.Context, data []byte, tag int64) error
}

// Sender splits outbound payloads into tagged sub-chunks.
type Sender struct {
	ch  Channel
	max int
	log *logrus.Logger
}

func NewSender(ch Channel, log *logrus.Logger) *Sender {
	return &Sender{ch: ch, max: protocol.MaxSubChunkSize, log: log}
}

// BroadcastChunk transmits payload under the given frame number. Payloads at
// or under the sub-chunk ceiling go out as a single part; larger payloads are
// split into consecutive slices, preserving byte order. All parts of one
// frame are sent sequentially before returning. A failed send surfaces to
// the caller; parts already sent are not rolled back, the channel has no
// frame-abort concept.
func (s *Sender) BroadcastChunk(ctx context.Context, payload []byte, frame int64) error {
	if len(payload) <= s.max {
		tag, err := protocol.PackTag(frame, 0, 1)
		if err != nil {
			return err
		}
		return s.ch.Send(ctx, payload, tag)
	}

	total := (len(payload) + s.max - 1) / s.max
	if total > protocol.MaxFrameParts {
		return fmt.Errorf("payload of %d bytes needs %d parts, max is %d",
			len(payload), total, protocol.MaxFrameParts)
	}

	for part := 0; part < total; part++ {
		tag, err := protocol.PackTag(frame, part, total)
		if err != nil {
			return err
		}
		start := part * s.max
		end := start + s.max
		if end > len(payload) {
			end = len(payload)
		}
		if err := s.ch.Send(ctx, payload[start:end], tag); err != nil {
			return fmt.Errorf("send part %d/%d of frame %d: %w", part, total, frame, err)
		}
	}
	return nil
}
