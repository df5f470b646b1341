package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Result is the result of a single transition command.
type Result string

const (
	// Succeeded means the provider accepted the command.
	Succeeded Result = "succeeded"
	// Failed means the provider rejected the command or it could not be issued.
	Failed Result = "failed"
)

// TransitionOutcome records what happened to one instance during an invocation.
type TransitionOutcome struct {
	Instance InstanceRef `json:"instance"`
	Action   Action      `json:"action"`
	Result   Result      `json:"result"`
	Reason   string      `json:"reason,omitempty"`
	// NoOp is set when the provider reported the instance was already in the target state.
	NoOp bool `json:"noop,omitempty"`
}

func (o TransitionOutcome) String() string {
	switch {
	case o.Result == Failed:
		return fmt.Sprintf("%s %s: failed (%s)", o.Action, o.Instance, o.Reason)
	case o.NoOp:
		return fmt.Sprintf("%s %s: already done", o.Action, o.Instance)
	default:
		return fmt.Sprintf("%s %s: ok", o.Action, o.Instance)
	}
}

// PhaseError is a phase-level failure: the phase's instance listing could not be taken.
type PhaseError struct {
	Phase Phase
	Err   error
}

// MarshalJSON renders the error as a string.
func (e PhaseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Phase Phase  `json:"phase"`
		Error string `json:"error"`
	}{e.Phase, e.Err.Error()})
}

// InvocationSummary is the report of a single invocation.
type InvocationSummary struct {
	InvocationID string              `json:"invocation_id"`
	Region       string              `json:"region"`
	TagName      string              `json:"tag_name"`
	TagValues    []string            `json:"tag_values"`
	DryRun       bool                `json:"dry_run,omitempty"`
	Stopped      int                 `json:"stopped"`
	Started      int                 `json:"started"`
	Failed       int                 `json:"failed"`
	Outcomes     []TransitionOutcome `json:"outcomes"`
	PhaseErrors  []PhaseError        `json:"phase_errors,omitempty"`
	StartTime    time.Time           `json:"start_time"`
	Duration     time.Duration       `json:"duration_ns"`
}

// HasFailures reports whether any phase or instance failed.
func (s *InvocationSummary) HasFailures() bool {
	return s.Failed > 0 || len(s.PhaseErrors) > 0
}

// PhaseError returns the error recorded for phase, if any.
func (s *InvocationSummary) PhaseError(phase Phase) error {
	for _, pe := range s.PhaseErrors {
		if pe.Phase == phase {
			return pe.Err
		}
	}
	return nil
}

// Outcome returns the outcome recorded for id, if any.
func (s *InvocationSummary) Outcome(id InstanceRef) (TransitionOutcome, bool) {
	for _, o := range s.Outcomes {
		if o.Instance == id {
			return o, true
		}
	}
	return TransitionOutcome{}, false
}

func (s *InvocationSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stopped %d, started %d, failed %d", s.Stopped, s.Started, s.Failed)
	for _, pe := range s.PhaseErrors {
		fmt.Fprintf(&b, "; %s phase error: %v", pe.Phase, pe.Err)
	}
	return b.String()
}

// accumulator collects outcomes from concurrent dispatchers.
type accumulator struct {
	mu       sync.Mutex
	outcomes []TransitionOutcome
}

func (a *accumulator) add(o TransitionOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
}

// fill copies the collected outcomes into s in a deterministic order and computes counts.
func (a *accumulator) fill(s *InvocationSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()

	order := map[Action]int{Stop: 0, Start: 1}
	sort.SliceStable(a.outcomes, func(i, j int) bool {
		oi, oj := a.outcomes[i], a.outcomes[j]
		if oi.Action != oj.Action {
			return order[oi.Action] < order[oj.Action]
		}
		return oi.Instance < oj.Instance
	})

	s.Outcomes = append([]TransitionOutcome{}, a.outcomes...)
	for _, o := range s.Outcomes {
		switch {
		case o.Result == Failed:
			s.Failed++
		case o.Action == Stop:
			s.Stopped++
		case o.Action == Start:
			s.Started++
		}
	}
}
