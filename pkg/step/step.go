// pkg/step/step.go
package step

import "fmt"

// EndOfStream is the step number a writer announces when it closes.
const EndOfStream int64 = -1

// Status is the outcome of a reader's BeginStep.
type Status int

const (
	StatusOK Status = iota
	StatusEndOfStream
	// StatusNotReady means the group gave up on this round; call BeginStep
	// again to keep waiting for the same step.
	StatusNotReady
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEndOfStream:
		return "end-of-stream"
	case StatusNotReady:
		return "not-ready"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Mode selects which step BeginStep waits for.
type Mode int

const (
	NextAvailable Mode = iota
	LatestAvailable
)

func (m Mode) String() string {
	if m == NextAvailable {
		return "next-available"
	}
	return "latest-available"
}

// State is the synchronizer state.
type State int

const (
	StateIdle State = iota
	StateAwaitingStep
	StateHaveStep
	StateDraining
	StateEndOfStream
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStep:
		return "awaiting-step"
	case StateHaveStep:
		return "have-step"
	case StateDraining:
		return "draining"
	case StateEndOfStream:
		return "end-of-stream"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
