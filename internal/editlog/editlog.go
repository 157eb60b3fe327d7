// Package editlog defines the editing events captured while a document is
// composed and the helpers used to read them back.
//
// Events arrive from an upstream capture pipeline. Each event carries full
// field snapshots (not diffs) of the text before and after the change. The
// snapshots are kept as raw JSON so a single malformed event can be skipped
// by consumers without rejecting the whole log.
//
// Precondition: events for one document are ordered by Timestamp ascending.
// Consumers that compute durations or attribution rely on it; CheckOrdered
// reports violations instead of silently re-sorting.
package editlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Errors
var (
	ErrUnordered        = errors.New("editlog: events are not in chronological order")
	ErrUnknownEventType = errors.New("editlog: unknown event type")
)

// EventType is the kind of editing event recorded by the capture pipeline.
type EventType string

const (
	KeyDown EventType = "keydown"
	KeyUp   EventType = "keyup"
	Input   EventType = "input"
	Paste   EventType = "paste"
	Copy    EventType = "copy"
	Cut     EventType = "cut"
	Focus   EventType = "focus"
	Blur    EventType = "blur"
)

// IsTyping reports whether the event belongs to the keystroke/input class.
func (t EventType) IsTyping() bool {
	switch t {
	case KeyDown, KeyUp, Input:
		return true
	default:
		return false
	}
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case KeyDown, KeyUp, Input, Paste, Copy, Cut, Focus, Blur:
		return true
	default:
		return false
	}
}

// ParseEventType parses a wire event type name.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// Event is a single captured editing event. Immutable once stored.
type Event struct {
	ID         int64     `json:"id,omitempty"`
	DocumentID string    `json:"documentId"`
	ClientID   string    `json:"clientId,omitempty"`
	Type       EventType `json:"eventType"`
	Timestamp  time.Time `json:"timestamp"`

	// Full-field snapshots. Expected to hold JSON strings.
	TextBefore json.RawMessage `json:"textBefore,omitempty"`
	TextAfter  json.RawMessage `json:"textAfter,omitempty"`

	// Structured editor state after the event, when the capture side sent it.
	EditorStateAfter json.RawMessage `json:"editorStateAfter,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text encodes s as a raw JSON snapshot value.
func Text(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// After decodes TextAfter. ok is false when the snapshot is absent, null,
// not a JSON string, or not valid UTF-8.
func (e *Event) After() (string, bool) {
	return decodeText(e.TextAfter)
}

// Before decodes TextBefore, treating anything unusable as the empty string.
func (e *Event) Before() string {
	s, _ := decodeText(e.TextBefore)
	return s
}

func decodeText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	if !utf8.ValidString(s) {
		return "", false
	}
	return s, true
}

// CheckOrdered returns ErrUnordered if any event precedes its predecessor.
func CheckOrdered(events []Event) error {
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			return fmt.Errorf("%w: event %d at %s precedes event %d at %s",
				ErrUnordered, i, events[i].Timestamp.Format(time.RFC3339Nano),
				i-1, events[i-1].Timestamp.Format(time.RFC3339Nano))
		}
	}
	return nil
}

// Summary is the disclosure-safe view of one event used in edit histories.
type Summary struct {
	Type      EventType `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Delta     int       `json:"delta"`
}

// Summarize reduces events to their type, time and character delta.
// Events with an unusable TextAfter report a delta of zero.
func Summarize(events []Event) []Summary {
	out := make([]Summary, 0, len(events))
	for i := range events {
		e := &events[i]
		s := Summary{Type: e.Type, Timestamp: e.Timestamp}
		if after, ok := e.After(); ok {
			s.Delta = utf8.RuneCountInString(after) - utf8.RuneCountInString(e.Before())
		}
		out = append(out, s)
	}
	return out
}
