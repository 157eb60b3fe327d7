package editlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxLineBytes bounds a single JSON-lines record (full-field snapshots can be large).
const maxLineBytes = 8 * 1024 * 1024

// wireEvent is the ingest representation of an event.
type wireEvent struct {
	ClientID         string          `json:"clientId"`
	EventType        string          `json:"eventType"`
	Timestamp        json.RawMessage `json:"timestamp"`
	TextBefore       json.RawMessage `json:"textBefore"`
	TextAfter        json.RawMessage `json:"textAfter"`
	EditorStateAfter json.RawMessage `json:"editorStateAfter"`
	Metadata         map[string]any  `json:"metadata"`
}

// DecodeJSONLines reads one JSON event object per line and assigns every
// event to documentID. Blank lines are ignored. Text snapshots are stored
// as-is; malformed snapshots are left for consumers to skip.
func DecodeJSONLines(r io.Reader, documentID string) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var events []Event
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		var w wireEvent
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("line %d: decode event: %w", line, err)
		}

		ev, err := w.toEvent(documentID)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

func (w *wireEvent) toEvent(documentID string) (Event, error) {
	t, err := ParseEventType(strings.ToLower(strings.TrimSpace(w.EventType)))
	if err != nil {
		return Event{}, err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Event{}, err
	}
	return Event{
		DocumentID:       documentID,
		ClientID:         w.ClientID,
		Type:             t,
		Timestamp:        ts,
		TextBefore:       nullToEmpty(w.TextBefore),
		TextAfter:        nullToEmpty(w.TextAfter),
		EditorStateAfter: nullToEmpty(w.EditorStateAfter),
		Metadata:         w.Metadata,
	}, nil
}

// parseTimestamp accepts an RFC 3339 string or a unix epoch in milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("decode timestamp: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		return ts.UTC(), nil
	}
	if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return fractionalMillis(string(raw))
}

// fractionalMillis parses epoch milliseconds with a fraction, such as
// Date.now() plus a performance.now() offset. The fraction is rounded to
// the microsecond, the finest a double holds at present-day epochs.
func fractionalMillis(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %s: %w", s, err)
	}
	if math.IsNaN(f) || math.Abs(f) >= 1<<53 {
		return time.Time{}, fmt.Errorf("parse timestamp %s: out of range", s)
	}
	whole := math.Floor(f)
	us := math.Round((f - whole) * 1e3)
	return time.UnixMilli(int64(whole)).Add(time.Duration(us) * time.Microsecond).UTC(), nil
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}
