package protocol

import "time"

// Wire-compatibility constants. Changing any of these breaks interop with
// deployed peers, so they are centralized here and referenced everywhere else.
const (
	// MaxSubChunkSize is the largest payload the fragmenter puts in a single
	// wire sub-chunk. Chosen to stay safely under the transport's hard
	// 64 KiB message limit after envelope overhead.
	MaxSubChunkSize = 55 * 1024

	// TagFrameBase and TagPartsMultiplier define the frame-tag packing:
	// tag = frame*TagFrameBase + part + total*TagPartsMultiplier.
	TagFrameBase       = 10000
	TagPartsMultiplier = 100

	// MaxFrameParts caps a frame at 99 sub-chunks; the packing cannot
	// represent more.
	MaxFrameParts = 99

	// MaxFrameNumber keeps frame*TagFrameBase inside int64 range.
	MaxFrameNumber = (1<<63 - 1) / TagFrameBase

	// FileChunkSize is the fixed slice size for file distribution.
	FileChunkSize = 64 * 1024

	// RelayFrameOffset shifts frame numbers of chunks relayed by viewers so
	// they never collide with the broadcaster's numbering for the same index.
	RelayFrameOffset = 1_000_000

	// ControlFrameBase is the first frame number handed out for control
	// messages (metadata, requests, announcements), clear of both the chunk
	// index range and the relay range.
	ControlFrameBase = 2_000_000

	// PendingFrameTTL bounds how long an incomplete frame is kept before the
	// reassembler drops it.
	PendingFrameTTL = 5 * time.Second

	// DefaultBroadcastInterval is the delay between chunks on the initial
	// broadcast pass.
	DefaultBroadcastInterval = 75 * time.Millisecond

	// RequestBatchSize and RequestInterval drive the viewer's acquisition loop.
	RequestBatchSize = 5
	RequestInterval  = 500 * time.Millisecond

	// OfferRetryInterval and OfferRetryLimit bound request-offer retries.
	OfferRetryInterval = 2 * time.Second
	OfferRetryLimit    = 10

	// AnnounceEvery throttles availability announcements to one per this many
	// newly received chunks.
	AnnounceEvery = 10
)

// Out-of-band signal tags. These bypass fragmentation entirely and occupy a
// reserved negative band (-10..-1) that packed frame tags can never produce.
const (
	TagPresence int64 = -1

	ReservedTagMin int64 = -10
	ReservedTagMax int64 = -1
)
