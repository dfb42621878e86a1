package bench

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when the loop attempts a transition the
// state machine does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

// State is a phase of a benchmark run.
type State int

const (
	Setup State = iota
	Warmup
	Measuring
	Draining
	Reporting
	Teardown
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Setup:
		return "setup"
	case Warmup:
		return "warmup"
	case Measuring:
		return "measuring"
	case Draining:
		return "draining"
	case Reporting:
		return "reporting"
	case Teardown:
		return "teardown"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Setup goes straight to Teardown on the passive side, which never issues
// operations. Teardown returns to Setup for the next sweep point.
var transitions = map[State][]State{
	Setup:     {Warmup, Teardown},
	Warmup:    {Measuring},
	Measuring: {Draining},
	Draining:  {Reporting},
	Reporting: {Teardown},
	Teardown:  {Setup, Done},
}

// Machine enforces the order of benchmark phases.
type Machine struct {
	state     State
	observers []func(from, to State)
}

// NewMachine returns a machine in Setup.
func NewMachine() *Machine {
	return &Machine{state: Setup}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// OnTransition registers fn to be called after every transition.
func (m *Machine) OnTransition(fn func(from, to State)) {
	m.observers = append(m.observers, fn)
}

// To moves to next.
func (m *Machine) To(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.move(next)
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
}

// Fail moves to Failed from any non-terminal state.
func (m *Machine) Fail() {
	if m.state.Terminal() {
		return
	}

	m.move(Failed)
}

func (m *Machine) move(next State) {
	from := m.state
	m.state = next

	for _, fn := range m.observers {
		fn(from, next)
	}
}
