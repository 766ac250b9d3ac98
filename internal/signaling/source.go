package signaling

import (
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// StaticSource gates offer responses without contributing media tracks.
// File-only broadcasts use it: the payload travels over the chunk exchange,
// signaling just needs to know whether this peer is serving.
type StaticSource struct {
	live atomic.Bool
}

func NewStaticSource(live bool) *StaticSource {
	s := &StaticSource{}
	s.live.Store(live)
	return s
}

func (s *StaticSource) SetLive(live bool) { s.live.Store(live) }

func (s *StaticSource) Live() bool { return s.live.Load() }

func (s *StaticSource) Attach(*webrtc.PeerConnection) error { return nil }
