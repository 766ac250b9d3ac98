package exchange

// PlaybackPolicy decides when a partially downloaded file may be handed to
// the player. The allow-list and threshold are policy, not protocol: formats
// whose structural metadata lives at the end of the file only play reliably
// once complete, so the streaming start is best-effort for listed types only.
type PlaybackPolicy struct {
	// StreamableTypes lists MIME types verified to tolerate playback from a
	// contiguous prefix.
	StreamableTypes map[string]bool
	// PrefixThreshold is the fraction of contiguous chunks from index zero
	// required before a streaming start is attempted.
	PrefixThreshold float64
}

func DefaultPlaybackPolicy() PlaybackPolicy {
	return PlaybackPolicy{
		StreamableTypes: map[string]bool{
			"video/webm":       true,
			"video/x-matroska": true,
			"video/mp2t":       true,
		},
		PrefixThreshold: 0.10,
	}
}

// Streamable reports whether mimeType is on the verified allow-list.
func (p PlaybackPolicy) Streamable(mimeType string) bool {
	return p.StreamableTypes[mimeType]
}
