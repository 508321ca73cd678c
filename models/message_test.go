package models

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestDecodeMessageElementsReportsSkippedIDs(t *testing.T) {
	elements := []json.RawMessage{
		json.RawMessage(`{"id":"1","sender":"Bob","content":"hi","sendTime":1}`),
		json.RawMessage(`{"id":"2","sendTime":"yesterday"}`),
		json.RawMessage(`{"sender":"Bob","sendTime":3}`),
		json.RawMessage(`not json`),
	}

	messages, errs := DecodeMessageElements(elements)
	if len(messages) != 1 || messages[0].ID != "1" {
		t.Fatalf("unexpected decoded messages %+v", messages)
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 decode errors, got %d", len(errs))
	}

	var decodeErr *DecodeError
	if !errors.As(errs[0], &decodeErr) || decodeErr.Index != 1 || decodeErr.ID != "2" {
		t.Fatalf("unexpected first decode error %v", errs[0])
	}
	if got := SkippedIDs(errs); !reflect.DeepEqual(got, []string{"2"}) {
		t.Fatalf("expected skipped ids [2], got %v", got)
	}
}

func TestCursorBefore(t *testing.T) {
	a := CursorOf(Message{ID: "a", SendTime: 5})
	b := CursorOf(Message{ID: "b", SendTime: 5})
	c := CursorOf(Message{ID: "a", SendTime: 6})

	if !a.Before(b) || b.Before(a) {
		t.Fatalf("expected id to break send time ties")
	}
	if !b.Before(c) || c.Before(a) {
		t.Fatalf("expected send time to order cursors")
	}
	if a.Before(a) {
		t.Fatalf("cursor must not sort before itself")
	}
}
