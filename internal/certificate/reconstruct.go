package certificate

import (
	"encoding/json"

	"provcert/internal/contenthash"
	"provcert/internal/editlog"
)

// DefaultWindow is how many trailing events are searched for editor state.
const DefaultWindow = 50

// Reconstructor recovers a best-effort document state from the event log
// when a certificate was issued without a snapshot.
type Reconstructor struct {
	window int
}

// NewReconstructor creates a reconstructor scanning the last window events.
// A non-positive window selects DefaultWindow.
func NewReconstructor(window int) *Reconstructor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reconstructor{window: window}
}

// Reconstruct returns snapshot unchanged unless it is empty. Otherwise it
// returns the newest editor state with substantive content among the last
// window events, or snapshot when there is none. events are in
// chronological order.
func (r *Reconstructor) Reconstruct(snapshot json.RawMessage, events []editlog.Event) json.RawMessage {
	if !contenthash.IsEmpty(snapshot) {
		return snapshot
	}

	start := len(events) - r.window
	if start < 0 {
		start = 0
	}
	for i := len(events) - 1; i >= start; i-- {
		state := events[i].EditorStateAfter
		if contenthash.HasSubstantiveContent(state) {
			return state
		}
	}
	return snapshot
}
