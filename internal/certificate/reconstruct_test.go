package certificate

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"provcert/internal/editlog"
)

func stateWith(text string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":%q}]}]}`, text))
}

func withStates(states ...json.RawMessage) []editlog.Event {
	events := make([]editlog.Event, len(states))
	for i, s := range states {
		events[i] = editlog.Event{
			Type:             editlog.Input,
			Timestamp:        t0.Add(time.Duration(i) * time.Second),
			EditorStateAfter: s,
		}
	}
	return events
}

func TestReconstructKeepsNonEmptySnapshot(t *testing.T) {
	r := NewReconstructor(0)
	snap := stateWith("stored")

	got := r.Reconstruct(snap, withStates(stateWith("newer")))
	assert.Equal(t, snap, got)
}

func TestReconstructNewestSubstantive(t *testing.T) {
	r := NewReconstructor(DefaultWindow)
	emptyPara := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph"}]}`)

	events := withStates(stateWith("first"), stateWith("second"), emptyPara, nil)
	got := r.Reconstruct(nil, events)
	assert.JSONEq(t, string(stateWith("second")), string(got))
}

func TestReconstructNothingFound(t *testing.T) {
	r := NewReconstructor(DefaultWindow)
	empty := json.RawMessage(`{}`)

	assert.Equal(t, empty, r.Reconstruct(empty, nil))
	assert.Equal(t, empty, r.Reconstruct(empty, withStates(nil, json.RawMessage(`null`), json.RawMessage(`{"type":`))))
}

func TestReconstructWindow(t *testing.T) {
	r := NewReconstructor(2)

	// the only substantive state is outside the last two events
	events := withStates(stateWith("old"), nil, nil)
	assert.Nil(t, r.Reconstruct(nil, events))

	events = withStates(stateWith("old"), stateWith("recent"), nil)
	assert.JSONEq(t, string(stateWith("recent")), string(r.Reconstruct(nil, events)))
}

func TestNewReconstructorDefault(t *testing.T) {
	assert.Equal(t, DefaultWindow, NewReconstructor(-3).window)
	assert.Equal(t, DefaultWindow, NewReconstructor(0).window)
}
