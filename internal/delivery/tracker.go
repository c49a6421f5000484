// Package delivery tracks the per-message delivery lifecycle for
// outbound chat messages: Sending at optimistic insert, Sent when the
// persistence call succeeds, Failed when it errors. Failed records stay
// in the thread until the user retries, which re-enters Sending with
// the same message id and content. The legal transitions are enforced
// here so a late callback can never move a message Sent -> Failed.
package delivery

import "fmt"

// State is a delivery lifecycle state.
type State string

const (
	StateSending State = "sending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Tracker holds delivery state for the messages the local actor sent.
// Messages it has never seen (incoming, or loaded from the server) are
// reported Sent: only an in-flight local send is ever anything else.
// Not safe for concurrent use; the sync store serializes access.
type Tracker struct {
	states map[string]State
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]State)}
}

// State returns the delivery state for id.
func (t *Tracker) State(id string) State {
	if s, ok := t.states[id]; ok {
		return s
	}
	return StateSent
}

// Begin marks a brand-new outbound message Sending. The id must not be
// mid-flight already; re-sending a failed message goes through Retry.
func (t *Tracker) Begin(id string) error {
	if s, ok := t.states[id]; ok {
		return fmt.Errorf("delivery: message %s already tracked (%s)", id, s)
	}
	t.states[id] = StateSending
	return nil
}

// MarkSent records persistence success. Only legal from Sending.
func (t *Tracker) MarkSent(id string) error {
	if err := t.require(id, StateSending); err != nil {
		return err
	}
	// Terminal: drop the record so the map does not grow with history.
	delete(t.states, id)
	return nil
}

// MarkFailed records persistence failure. Only legal from Sending; a
// message that already reached Sent stays Sent.
func (t *Tracker) MarkFailed(id string) error {
	if err := t.require(id, StateSending); err != nil {
		return err
	}
	t.states[id] = StateFailed
	return nil
}

// Retry re-enters Sending from Failed.
func (t *Tracker) Retry(id string) error {
	if err := t.require(id, StateFailed); err != nil {
		return err
	}
	t.states[id] = StateSending
	return nil
}

// Forget drops tracking for id (message deleted remotely).
func (t *Tracker) Forget(id string) {
	delete(t.states, id)
}

// Failed returns the ids currently in Failed state.
func (t *Tracker) Failed() []string {
	var out []string
	for id, s := range t.states {
		if s == StateFailed {
			out = append(out, id)
		}
	}
	return out
}

func (t *Tracker) require(id string, want State) error {
	got, ok := t.states[id]
	if !ok {
		return fmt.Errorf("delivery: message %s not tracked", id)
	}
	if got != want {
		return fmt.Errorf("delivery: message %s is %s, want %s", id, got, want)
	}
	return nil
}
