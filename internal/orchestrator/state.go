package orchestrator

import "fmt"

// Phase is a named state of the run pipeline.
type Phase string

const (
	PhaseInit          Phase = "INIT"
	PhaseContextLoaded Phase = "CONTEXT_LOADED"
	PhaseGated         Phase = "GATED"
	PhaseBucketed      Phase = "BUCKETED"
	PhaseJudged        Phase = "JUDGED"
	PhaseCoalesced     Phase = "COALESCED"
	PhaseEmitted       Phase = "EMITTED"
	PhaseDone          Phase = "DONE"
	PhaseFailed        Phase = "FAILED"
)

// transitions lists the legal successors of each phase. FAILED is reachable
// from every non-terminal phase and is not listed. A tick run walks
// GATED..EMITTED once per candidate, so EMITTED may return to GATED.
var transitions = map[Phase][]Phase{
	PhaseInit:          {PhaseContextLoaded},
	PhaseContextLoaded: {PhaseGated, PhaseCoalesced, PhaseDone},
	PhaseGated:         {PhaseBucketed, PhaseEmitted},
	PhaseBucketed:      {PhaseJudged, PhaseCoalesced, PhaseEmitted},
	PhaseJudged:        {PhaseCoalesced, PhaseEmitted},
	PhaseCoalesced:     {PhaseEmitted},
	PhaseEmitted:       {PhaseGated, PhaseDone},
}

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// Machine tracks a run's phase and the path it took.
type Machine struct {
	phase Phase
	path  []Phase
}

// NewMachine returns a machine in INIT.
func NewMachine() *Machine {
	return &Machine{phase: PhaseInit, path: []Phase{PhaseInit}}
}

// At returns a machine positioned at p, as replay uses to resume from a
// loaded context.
func At(p Phase) *Machine {
	return &Machine{phase: p, path: []Phase{p}}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Advance moves to next, rejecting transitions the pipeline does not define.
func (m *Machine) Advance(next Phase) error {
	if m.phase.Terminal() {
		return fmt.Errorf("orchestrator: run already %s", m.phase)
	}
	if next != PhaseFailed {
		legal := false
		for _, p := range transitions[m.phase] {
			if p == next {
				legal = true
				break
			}
		}
		if !legal {
			return fmt.Errorf("orchestrator: illegal transition %s -> %s", m.phase, next)
		}
	}
	m.phase = next
	m.path = append(m.path, next)
	return nil
}

// Fail moves to FAILED unless the run already ended.
func (m *Machine) Fail() {
	if !m.phase.Terminal() {
		m.phase = PhaseFailed
		m.path = append(m.path, PhaseFailed)
	}
}

// Path returns the phases visited, in order, as strings.
func (m *Machine) Path() []string {
	out := make([]string, len(m.path))
	for i, p := range m.path {
		out[i] = string(p)
	}
	return out
}
