// Package agent implements agents and their runtime loop. An agent owns an
// inbox, a call stack and a variable store; its runtime loop blocks on the
// inbox with a predicate derived from the agent's waiting mode, hands each
// batch to the executor, and applies the resulting effects through the host.
package agent

import (
	"sync"
	"time"

	"playbooks.ai/playbooks/runtime/callstack"
	"playbooks.ai/playbooks/runtime/inbox"
)

type (
	// Kind discriminates AI agents from humans.
	Kind int

	// NotificationMode selects which coalesced meeting messages a human
	// receives.
	NotificationMode string

	// ChannelType selects how agent output reaches a human: streamed
	// incrementally or buffered into complete messages.
	ChannelType string

	// DeliveryPreferences control how output reaches a human.
	DeliveryPreferences struct {
		// Channel selects the delivery channel type. An empty value means
		// buffered.
		Channel ChannelType
		// MeetingNotifications selects which meeting messages land in the
		// human's inbox: every message, only messages targeting the human,
		// or none.
		MeetingNotifications NotificationMode
		// StreamingEnabled streams in-progress output instead of buffering.
		// Left unset, it follows the channel type.
		StreamingEnabled bool
		// StreamingChunkSize is the preferred fragment size in bytes for
		// streamed output. Zero selects the sender's default.
		StreamingChunkSize int
		// BufferTimeout caps how long buffered output may accumulate before
		// delivery. Zero selects the host's default.
		BufferTimeout time.Duration
		// BufferMessages caps how many messages may accumulate in a buffered
		// delivery. Zero selects the host's default.
		BufferMessages int
		// SuppressFinalOnNone extends NotifyNone to stream completions, so
		// the human receives no meeting output at all.
		SuppressFinalOnNone bool
	}

	// Agent is one participant in a program: an AI agent or a human proxy.
	// The identity fields are immutable after construction; the mutable
	// state map is guarded internally.
	Agent struct {
		id    string
		klass string
		kind  Kind
		prefs DeliveryPreferences

		inbox *inbox.Inbox
		stack *callstack.Stack
		vars  *callstack.Variables

		mu    sync.Mutex
		state map[string]any
	}

	// Option configures an Agent.
	Option func(*Agent)
)

const (
	// KindAI is a model-driven agent.
	KindAI Kind = iota
	// KindHuman is a human participant proxied through the program.
	KindHuman
)

const (
	// NotifyAll delivers every meeting message.
	NotifyAll NotificationMode = "all"
	// NotifyTargeted delivers only messages addressed to the human by name,
	// klass or target set.
	NotifyTargeted NotificationMode = "targeted"
	// NotifyNone delivers no coalesced meeting messages.
	NotifyNone NotificationMode = "none"
)

const (
	// ChannelStreaming delivers in-progress output incrementally.
	ChannelStreaming ChannelType = "streaming"
	// ChannelBuffered delivers complete messages only.
	ChannelBuffered ChannelType = "buffered"
)

// State map keys maintained by the runtime loop.
const (
	// StateBusy is true while the agent is inside an executor turn.
	StateBusy = "_busy"
	// StateErrors accumulates turn failure descriptions.
	StateErrors = "errors"
	// StateLastActive records the wall time of the last completed turn.
	StateLastActive = "last_active"
)

// WithKind sets the agent kind. The default is KindAI.
func WithKind(k Kind) Option {
	return func(a *Agent) { a.kind = k }
}

// WithPreferences sets the delivery preferences.
func WithPreferences(p DeliveryPreferences) Option {
	return func(a *Agent) { a.prefs = p }
}

// WithInboxCap bounds the agent's inbox.
func WithInboxCap(n int) Option {
	return func(a *Agent) { a.inbox = inbox.New(a.id, inbox.WithCap(n)) }
}

// WithArtifactThreshold overrides the variable store promotion threshold.
func WithArtifactThreshold(n int) Option {
	return func(a *Agent) { a.vars = callstack.NewVariables(n) }
}

// New constructs an agent with an empty inbox, call stack and variable
// store.
func New(id, klass string, opts ...Option) *Agent {
	a := &Agent{
		id:    id,
		klass: klass,
		prefs: DeliveryPreferences{MeetingNotifications: NotifyAll},
		inbox: inbox.New(id),
		stack: callstack.New(),
		vars:  callstack.NewVariables(0),
		state: make(map[string]any),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.prefs = a.prefs.normalized()
	return a
}

// normalized applies the channel-type rule: a streaming channel enables
// streaming when the flag is left unset.
func (p DeliveryPreferences) normalized() DeliveryPreferences {
	if p.Channel == ChannelStreaming && !p.StreamingEnabled {
		p.StreamingEnabled = true
	}
	return p
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Klass returns the agent klass.
func (a *Agent) Klass() string { return a.klass }

// Kind returns the agent kind.
func (a *Agent) Kind() Kind { return a.kind }

// IsHuman reports whether the agent proxies a human.
func (a *Agent) IsHuman() bool { return a.kind == KindHuman }

// Preferences returns the delivery preferences.
func (a *Agent) Preferences() DeliveryPreferences { return a.prefs }

// Inbox returns the agent's inbox.
func (a *Agent) Inbox() *inbox.Inbox { return a.inbox }

// Stack returns the agent's call stack. The stack is owned by the runtime
// loop and must not be touched while the loop runs.
func (a *Agent) Stack() *callstack.Stack { return a.stack }

// Variables returns the agent's variable store.
func (a *Agent) Variables() *callstack.Variables { return a.vars }

// SetBusy flips the busy flag, and stamps the last-active time when the
// agent goes idle.
func (a *Agent) SetBusy(busy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[StateBusy] = busy
	if !busy {
		a.state[StateLastActive] = time.Now().UTC()
	}
}

// IsBusy reports whether the agent is inside an executor turn.
func (a *Agent) IsBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	busy, _ := a.state[StateBusy].(bool)
	return busy
}

// RecordError appends a turn failure to the agent's error list.
func (a *Agent) RecordError(desc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	errs, _ := a.state[StateErrors].([]string)
	a.state[StateErrors] = append(errs, desc)
}

// Errors returns the recorded turn failures.
func (a *Agent) Errors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	errs, _ := a.state[StateErrors].([]string)
	out := make([]string, len(errs))
	copy(out, errs)
	return out
}

// SetState writes an arbitrary key in the agent state map.
func (a *Agent) SetState(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[key] = value
}

// State returns a copy of the agent state map, used by checkpoints.
func (a *Agent) State() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.state))
	for k, v := range a.state {
		out[k] = v
	}
	return out
}

// RestoreState replaces the agent state map, used by checkpoint recovery.
func (a *Agent) RestoreState(state map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = make(map[string]any, len(state))
	for k, v := range state {
		a.state[k] = v
	}
}
