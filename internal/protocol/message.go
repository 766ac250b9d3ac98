package protocol

// MessageType is the explicit discriminant carried by every wire message.
type MessageType string

const (
	// Connection negotiation signals.
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice-candidate"
	MsgRequestOffer MessageType = "request-offer"

	// File-chunk exchange messages.
	MsgVideoMetadata        MessageType = "video-metadata"
	MsgVideoChunk           MessageType = "video-chunk"
	MsgVideoRequestChunk    MessageType = "video-request-chunk"
	MsgVideoHaveChunks      MessageType = "video-have-chunks"
	MsgVideoRequestMetadata MessageType = "video-request-metadata"
)

// Message is any decoded wire message.
type Message interface {
	Kind() MessageType
	Sender() string
}

// ICECandidateInit mirrors the descriptor produced by the negotiation engine.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalMessage carries one step of the offer/answer/ICE exchange. An empty
// To means the message is addressed to everyone on the channel.
type SignalMessage struct {
	Type      MessageType       `json:"type"`
	From      string            `json:"from"`
	To        string            `json:"to,omitempty"`
	SDP       string            `json:"sdp,omitempty"`
	Candidate *ICECandidateInit `json:"candidate,omitempty"`
}

func (m *SignalMessage) Kind() MessageType { return m.Type }
func (m *SignalMessage) Sender() string    { return m.From }

// VideoMessage carries one step of the file-chunk exchange protocol. Which
// fields are populated depends on Type.
type VideoMessage struct {
	Type            MessageType `json:"type"`
	From            string      `json:"from"`
	FileName        string      `json:"fileName,omitempty"`
	FileSize        int64       `json:"fileSize,omitempty"`
	MimeType        string      `json:"mimeType,omitempty"`
	FileHash        string      `json:"fileHash,omitempty"`
	TotalChunks     int         `json:"totalChunks,omitempty"`
	Duration        float64     `json:"duration,omitempty"`
	ChunkIndex      int         `json:"chunkIndex"`
	ChunkData       []byte      `json:"chunkData,omitempty"`
	AvailableChunks []int       `json:"availableChunks,omitempty"`
}

func (m *VideoMessage) Kind() MessageType { return m.Type }
func (m *VideoMessage) Sender() string    { return m.From }

// Metadata describes a prepared file. Immutable once computed by the
// broadcaster; cached once by each viewer.
type Metadata struct {
	FileName    string
	FileSize    int64
	MimeType    string
	FileHash    string
	TotalChunks int
	Duration    float64
}

// MetadataMessage builds the video-metadata announcement for meta.
func MetadataMessage(from string, meta Metadata) *VideoMessage {
	return &VideoMessage{
		Type:        MsgVideoMetadata,
		From:        from,
		FileName:    meta.FileName,
		FileSize:    meta.FileSize,
		MimeType:    meta.MimeType,
		FileHash:    meta.FileHash,
		TotalChunks: meta.TotalChunks,
		Duration:    meta.Duration,
	}
}

// Presence is the out-of-band presence heartbeat. It rides the reserved
// TagPresence tag and never passes through the fragmenter.
type Presence struct {
	From          string `json:"from"`
	Name          string `json:"name"`
	SentTimestamp int64  `json:"sentTimestamp"`
}
