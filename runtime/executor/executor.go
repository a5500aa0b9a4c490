// Package executor defines the boundary between the agent runtime and the
// component that decides what an agent does next. The runtime assembles a
// Request from the agent's inbox batch, call stack and variables, and the
// executor returns a RunResult: an ordered list of effects plus the waiting
// mode the agent enters afterwards.
//
// Executors are pluggable. The runtime only depends on the interface; an
// implementation may call a model provider, interpret a compiled program, or
// be a scripted fake in tests.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/message"
)

type (
	// Executor produces the next batch of effects for an agent.
	Executor interface {
		// Run executes one turn. The returned effects are applied by the
		// runtime in order, stopping at the first failure. Run must honor
		// ctx cancellation.
		Run(ctx context.Context, req *Request) (*RunResult, error)
	}

	// Request is the input to one executor turn.
	Request struct {
		// AgentID identifies the agent taking the turn.
		AgentID string
		// AgentKlass is the agent's klass.
		AgentKlass string
		// SessionID identifies the program run.
		SessionID string
		// Messages is the inbox batch that triggered the turn, in delivery
		// order.
		Messages []*message.Message
		// Variables is a snapshot of the agent's variable store.
		Variables map[string]any
		// CallStack is the agent's current stack, bottom first.
		CallStack []bus.FrameRef
		// Turn counts executor turns for the agent, starting at 1.
		Turn int
	}

	// RunResult is the output of one executor turn.
	RunResult struct {
		// Effects are applied in order by the runtime.
		Effects []Effect
		// Waiting is the mode the agent enters after the effects apply.
		Waiting WaitingMode
		// EndsProgram requests program termination once the effects apply.
		EndsProgram bool
		// ExitCode is the program exit code when EndsProgram is set.
		ExitCode int
	}

	// WaitKind discriminates waiting modes.
	WaitKind int

	// WaitingMode describes what an agent blocks on between turns. The
	// runtime derives the inbox predicate from it.
	WaitingMode struct {
		// Kind discriminates the mode.
		Kind WaitKind
		// AgentID is the awaited agent for WaitForAgent.
		AgentID string
		// MeetingID is the awaited meeting for WaitForMeeting.
		MeetingID string
	}

	// TransientError marks a failure worth retrying, such as a provider
	// timeout or an overloaded dependency.
	TransientError struct {
		// Err is the underlying failure.
		Err error
	}

	// TurnStats summarizes one completed turn for telemetry.
	TurnStats struct {
		// AgentID identifies the agent.
		AgentID string
		// Messages is the size of the triggering batch.
		Messages int
		// Effects is the number of effects produced.
		Effects int
		// Duration is the wall time of the executor call.
		Duration time.Duration
	}
)

const (
	// NotWaiting means the agent processes whatever arrives next.
	NotWaiting WaitKind = iota
	// WaitForAgent blocks on a reply from a specific agent.
	WaitForAgent
	// WaitForMeeting blocks on traffic from a specific meeting.
	WaitForMeeting
	// WaitForUser blocks on input from the human.
	WaitForUser
)

// ErrRateLimited is returned by executors when the underlying provider
// sheds load. The rate limiting middleware reacts to it by shrinking its
// budget.
var ErrRateLimited = errors.New("executor rate limited")

// Error implements error.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// Retryable marks the error for the retry layer.
func (e *TransientError) Retryable() bool { return true }

// Transient wraps err as a TransientError. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// String returns the lower-case kind name.
func (k WaitKind) String() string {
	switch k {
	case NotWaiting:
		return "not_waiting"
	case WaitForAgent:
		return "wait_for_agent"
	case WaitForMeeting:
		return "wait_for_meeting"
	case WaitForUser:
		return "wait_for_user"
	default:
		return "unknown"
	}
}

// IsWaiting reports whether the mode blocks the agent.
func (w WaitingMode) IsWaiting() bool { return w.Kind != NotWaiting }
