// Package lifecycle validates and records teach-back session state
// transitions. The state graph is fixed: a session teaches, may be
// interrupted for corrections any number of times, then moves to an
// examination phase and completes.
package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

type State string

const (
	StateTeaching    State = "teaching"
	StateInterrupted State = "interrupted"
	StateExamining   State = "examining"
	StateCompleted   State = "completed"
)

// Initial is the state every new session starts in.
const Initial = StateTeaching

func (s State) Valid() bool {
	switch s {
	case StateTeaching, StateInterrupted, StateExamining, StateCompleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateCompleted }

// InvalidTransitionError is returned for any (from, to) pair outside
// the allowed edge set.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

var allowedEdges = map[State][]State{
	StateTeaching:    {StateInterrupted, StateExamining},
	StateInterrupted: {StateTeaching, StateExamining},
	StateExamining:   {StateCompleted},
}

// CanTransition is a pure predicate over the allowed edge set.
func CanTransition(from, to State) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
}

// Sink receives every successful transition. Implementations must not
// reject entries; the log is append-only.
type Sink interface {
	AppendTransition(t Transition)
}

// Machine validates transitions and records every successful one.
// Validation is stateless; the machine only carries the sink and an
// in-process tail of recent transitions for inspection.
type Machine struct {
	mu   sync.Mutex
	sink Sink
	log  []Transition
}

func NewMachine(sink Sink) *Machine {
	return &Machine{sink: sink}
}

// Transition applies from -> to for the given session. It returns the
// recorded transition on success, or *InvalidTransitionError without
// side effects when the edge is not allowed.
func (m *Machine) Transition(sessionID string, from, to State) (Transition, error) {
	if !CanTransition(from, to) {
		return Transition{}, &InvalidTransitionError{From: from, To: to}
	}
	t := Transition{
		SessionID: sessionID,
		From:      from,
		To:        to,
		At:        time.Now().UTC(),
	}

	m.mu.Lock()
	m.log = append(m.log, t)
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.AppendTransition(t)
	}
	return t, nil
}

// Log returns a snapshot of all transitions recorded by this machine,
// oldest first.
func (m *Machine) Log() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.log))
	copy(out, m.log)
	return out
}
