// Package feed receives pushed message snapshots and rename events over a
// WebSocket connection and hands them to a Sink.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
)

const (
	TypeSnapshot = "snapshot"
	TypeRename   = "rename"
)

var (
	// ErrInvalidFrameType indicates the frame type is missing or unknown.
	ErrInvalidFrameType = errors.New("feed: invalid frame type")
)

// Frame is one decoded push.
type Frame struct {
	Type           string
	ConversationID string
	Messages       []models.Message
	Rename         *models.RenameEvent
	// Skipped holds decode errors for individual messages left out of Messages.
	Skipped []error
}

type wireFrame struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Messages       []json.RawMessage   `json:"messages,omitempty"`
	Rename         *models.RenameEvent `json:"rename,omitempty"`
}

// DecodeFrame parses one frame. Malformed messages inside a snapshot are
// skipped and reported in Frame.Skipped rather than failing the frame.
func DecodeFrame(data []byte) (Frame, error) {
	var wire wireFrame
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	frame := Frame{Type: wire.Type, ConversationID: wire.ConversationID}
	switch wire.Type {
	case TypeSnapshot:
		frame.Messages, frame.Skipped = models.DecodeMessageElements(wire.Messages)
		for i := range frame.Messages {
			if frame.Messages[i].ConversationID == "" {
				frame.Messages[i].ConversationID = wire.ConversationID
			}
		}
	case TypeRename:
		if wire.Rename == nil {
			return Frame{}, errors.New("rename frame payload is required")
		}
		frame.Rename = wire.Rename
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrInvalidFrameType, wire.Type)
	}
	return frame, nil
}

// EncodeSnapshot builds a snapshot frame.
func EncodeSnapshot(conversationID string, messages []models.Message) ([]byte, error) {
	elements := make([]json.RawMessage, 0, len(messages))
	for _, message := range messages {
		raw, err := json.Marshal(message)
		if err != nil {
			return nil, fmt.Errorf("encode message %q: %w", message.ID, err)
		}
		elements = append(elements, raw)
	}
	return json.Marshal(wireFrame{Type: TypeSnapshot, ConversationID: conversationID, Messages: elements})
}

// EncodeRename builds a rename frame.
func EncodeRename(event models.RenameEvent) ([]byte, error) {
	return json.Marshal(wireFrame{Type: TypeRename, Rename: &event})
}
