package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the wire representation of one conversation message.
//
// Wire values are never mutated by the client; client-only state lives in
// Decoration and is held in a side table keyed by ID.
type Message struct {
	ID             string `json:"id"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	SendTime       int64  `json:"sendTime"`
	IsDeleted      bool   `json:"isDeleted"`
	IsEdited       bool   `json:"isEdited"`
	EditTime       *int64 `json:"editTime,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// SameWire reports whether two messages carry identical wire fields.
func (m Message) SameWire(other Message) bool {
	if m.ID != other.ID ||
		m.Sender != other.Sender ||
		m.Content != other.Content ||
		m.SendTime != other.SendTime ||
		m.IsDeleted != other.IsDeleted ||
		m.IsEdited != other.IsEdited ||
		m.ConversationID != other.ConversationID {
		return false
	}
	switch {
	case m.EditTime == nil && other.EditTime == nil:
		return true
	case m.EditTime == nil || other.EditTime == nil:
		return false
	default:
		return *m.EditTime == *other.EditTime
	}
}

// Decoration is client-only state attached to a message. It is never sent upstream.
type Decoration struct {
	Decrypted        bool
	Decrypting       bool
	DecryptionFailed bool
	Version          uint64
	// OldSender is set for one reconcile cycle after a rename.
	OldSender   string
	SenderImage string
}

// Item pairs a wire message with its local decoration.
type Item struct {
	Message    Message
	Decoration Decoration
}

// DecodeMessages decodes a JSON array of messages one element at a time.
//
// A malformed element is skipped and reported in the returned error slice; it
// never prevents the rest of the batch from decoding.
func DecodeMessages(raw []byte) ([]Message, []error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, []error{fmt.Errorf("decode message batch: %w", err)}
	}
	return DecodeMessageElements(elements)
}

// DecodeError reports one snapshot element that could not be decoded. ID is
// set when the element still carried a readable id.
type DecodeError struct {
	Index int
	ID    string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("decode message %d (%q): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("decode message %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeMessageElements decodes pre-split message elements, skipping malformed
// ones. Every returned error is a *DecodeError.
func DecodeMessageElements(elements []json.RawMessage) ([]Message, []error) {
	messages := make([]Message, 0, len(elements))
	var errs []error
	for i, element := range elements {
		var message Message
		if err := json.Unmarshal(element, &message); err != nil {
			errs = append(errs, &DecodeError{Index: i, ID: elementID(element), Err: err})
			continue
		}
		if message.ID == "" {
			errs = append(errs, &DecodeError{Index: i, Err: errors.New("id is required")})
			continue
		}
		messages = append(messages, message)
	}
	return messages, errs
}

// SkippedIDs returns the ids named by decode errors, in order.
func SkippedIDs(errs []error) []string {
	var ids []string
	for _, err := range errs {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) && decodeErr.ID != "" {
			ids = append(ids, decodeErr.ID)
		}
	}
	return ids
}

func elementID(element json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(element, &head); err != nil {
		return ""
	}
	return head.ID
}

// Cursor is a position in a conversation's history, ordered by send time and
// then by message id.
type Cursor struct {
	SendTime int64
	ID       string
}

// CursorOf returns the position of m.
func CursorOf(m Message) Cursor {
	return Cursor{SendTime: m.SendTime, ID: m.ID}
}

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if c.SendTime != other.SendTime {
		return c.SendTime < other.SendTime
	}
	return c.ID < other.ID
}
