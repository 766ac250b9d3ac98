package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType marks a wire message whose discriminant is not part of the
// protocol. Callers drop such messages without surfacing an error upward.
var ErrUnknownType = errors.New("unknown message type")

// Encode serializes a wire message to its JSON form.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %v", msg.Kind(), err)
	}
	return data, nil
}

// Decode parses a wire message by dispatching once on its explicit
// discriminant. No speculative parsing: an unrecognized discriminant returns
// ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode discriminant: %v", err)
	}

	switch head.Type {
	case MsgOffer, MsgAnswer, MsgICECandidate, MsgRequestOffer:
		msg := &SignalMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("decode %s: %v", head.Type, err)
		}
		return msg, nil

	case MsgVideoMetadata, MsgVideoChunk, MsgVideoRequestChunk,
		MsgVideoHaveChunks, MsgVideoRequestMetadata:
		msg := &VideoMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("decode %s: %v", head.Type, err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}
