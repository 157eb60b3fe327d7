// Package authorship derives typed-versus-pasted attribution and timing
// metrics from an ordered editing event log.
//
// Attribution uses the length delta between each event's full-field
// snapshots. Growth is credited to the paste bucket for paste events and to
// the typed bucket for keystroke/input events; deletions credit nothing, so
// the totals measure gross contribution rather than surviving text. A single
// event cannot distinguish "typed five then deleted three", and a paste that
// replaces text of equal length credits nothing. The heuristic is kept as is
// for compatibility with previously issued certificates.
//
// Input must be ordered by timestamp ascending (see editlog.CheckOrdered).
// Calculate does not re-sort.
package authorship

import (
	"time"
	"unicode/utf8"

	"provcert/internal/editlog"
)

// EventMetrics holds event counts and the editing window.
type EventMetrics struct {
	TotalEvents            int64     `json:"totalEvents"`
	TypingEvents           int64     `json:"typingEvents"`
	PasteEvents            int64     `json:"pasteEvents"`
	CopyEvents             int64     `json:"copyEvents"`
	CutEvents              int64     `json:"cutEvents"`
	FirstEvent             time.Time `json:"firstEvent,omitempty"`
	LastEvent              time.Time `json:"lastEvent,omitempty"`
	EditingDurationSeconds int64     `json:"editingDurationSeconds"`
}

// Attribution holds the character buckets.
type Attribution struct {
	TypedCharacters  int64 `json:"typedCharacters"`
	PastedCharacters int64 `json:"pastedCharacters"`

	// SkippedEvents counts events whose TextAfter could not be read as text.
	SkippedEvents int64 `json:"skippedEvents"`
}

// Result is the full output of Calculate.
type Result struct {
	EventMetrics
	Attribution
}

// Calculate walks events once. It never fails: an empty log yields zero
// metrics and malformed events are skipped for attribution only.
func Calculate(events []editlog.Event) Result {
	var r Result
	if len(events) == 0 {
		return r
	}

	r.TotalEvents = int64(len(events))
	first, last := events[0].Timestamp, events[0].Timestamp

	for i := range events {
		e := &events[i]

		switch {
		case e.Type.IsTyping():
			r.TypingEvents++
		case e.Type == editlog.Paste:
			r.PasteEvents++
		case e.Type == editlog.Copy:
			r.CopyEvents++
		case e.Type == editlog.Cut:
			r.CutEvents++
		}

		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}

		r.attribute(e)
	}

	r.FirstEvent = first
	r.LastEvent = last
	if len(events) >= 2 {
		r.EditingDurationSeconds = int64(last.Sub(first) / time.Second)
	}
	return r
}

// attribute credits the positive length delta of one event.
func (r *Result) attribute(e *editlog.Event) {
	if e.TextAfter == nil {
		return
	}
	after, ok := e.After()
	if !ok {
		r.SkippedEvents++
		return
	}

	delta := int64(utf8.RuneCountInString(after) - utf8.RuneCountInString(e.Before()))
	if delta <= 0 {
		return
	}

	switch {
	case e.Type == editlog.Paste:
		r.PastedCharacters += delta
	case e.Type.IsTyping():
		r.TypedCharacters += delta
	}
}

// TypedRatio returns typed/(typed+pasted), or 0 when nothing was attributed.
func (a Attribution) TypedRatio() float64 {
	return a.share(a.TypedCharacters)
}

// PastedRatio returns pasted/(typed+pasted), or 0 when nothing was
// attributed.
func (a Attribution) PastedRatio() float64 {
	return a.share(a.PastedCharacters)
}

func (a Attribution) share(n int64) float64 {
	total := a.TypedCharacters + a.PastedCharacters
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}
