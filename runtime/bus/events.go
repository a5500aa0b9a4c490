package bus

import (
	"time"
)

type (
	// Event is the interface all runtime events implement. The runtime
	// publishes events through the Bus and subscribers receive them via
	// HandleEvent. Concrete event types carry typed payloads for each
	// lifecycle phase.
	//
	// Subscribers use type switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt bus.Event) error {
	//	    switch e := evt.(type) {
	//	    case *bus.AgentStartedEvent:
	//	        log.Printf("agent %s started", e.Name)
	//	    case *bus.StreamChunkEvent:
	//	        log.Printf("chunk %d: %s", e.Seq, e.Chunk)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant (e.g., AgentStarted).
		Type() EventType
		// SessionID returns the program session that produced the event.
		SessionID() string
		// AgentID returns the agent the event concerns, empty for
		// program-level events.
		AgentID() string
		// Timestamp returns when the event occurred. Events are timestamped
		// at creation, not delivery.
		Timestamp() time.Time
	}

	// EventType enumerates the runtime event kinds.
	EventType string

	// FrameRef is a lightweight reference to a call frame, used by call-stack
	// and instruction-pointer events and by checkpoint metadata.
	FrameRef struct {
		// Playbook names the playbook executing in the frame.
		Playbook string `json:"playbook"`
		// LineNumber is the compiled line number of the instruction pointer.
		LineNumber int `json:"lineNumber"`
		// SourceLineNumber is the markdown source line number.
		SourceLineNumber int `json:"sourceLineNumber"`
	}

	// Base provides the Event metadata shared by all concrete events.
	// Concrete event types embed it and construct it via NewBase.
	Base struct {
		t  EventType
		s  string
		a  string
		ts time.Time
	}

	// AgentStartedEvent fires when an agent's runtime loop starts.
	AgentStartedEvent struct {
		Base
		// Klass is the agent type name.
		Klass string
		// Name is the display name of the agent instance.
		Name string
	}

	// AgentStoppedEvent fires when an agent's runtime loop exits.
	AgentStoppedEvent struct {
		Base
		// Reason explains why the agent stopped ("finished", "shutdown",
		// "error").
		Reason string
	}

	// AgentPausedEvent fires when an agent run is intentionally paused.
	AgentPausedEvent struct {
		Base
		// Reason provides a human-readable explanation for the pause.
		Reason string
		// Line is the compiled line number where execution paused.
		Line int
		// Step identifies the step within the line.
		Step string
	}

	// AgentResumedEvent fires when a paused agent resumes.
	AgentResumedEvent struct {
		Base
	}

	// AgentStepEvent fires on each scheduling step of an agent runtime.
	AgentStepEvent struct {
		Base
		// Mode describes the step ("turn", "timeout", "idle").
		Mode string
	}

	// CallStackPushEvent fires when a frame is pushed onto an agent's stack.
	CallStackPushEvent struct {
		Base
		// Frame is the pushed frame.
		Frame FrameRef
		// Stack is the full stack after the push, bottom first.
		Stack []FrameRef
	}

	// CallStackPopEvent fires when a frame is popped from an agent's stack.
	CallStackPopEvent struct {
		Base
		// Frame is the popped frame.
		Frame FrameRef
		// Stack is the full stack after the pop, bottom first.
		Stack []FrameRef
	}

	// InstructionPointerEvent fires when an agent's instruction pointer moves.
	InstructionPointerEvent struct {
		Base
		// Pointer is the new instruction pointer position.
		Pointer FrameRef
		// Stack is the full stack at the time of the move, bottom first.
		Stack []FrameRef
	}

	// PlaybookStartEvent fires when a playbook invocation begins.
	PlaybookStartEvent struct {
		Base
		// Name is the playbook name.
		Name string
	}

	// PlaybookEndEvent fires when a playbook invocation returns.
	PlaybookEndEvent struct {
		Base
		// Name is the playbook name.
		Name string
		// ReturnValue is the playbook's return value, nil when none.
		ReturnValue any
		// Depth is the call depth the playbook ran at.
		Depth int
	}

	// VariableUpdateEvent fires when an agent variable is written.
	VariableUpdateEvent struct {
		Base
		// Name is the variable name without the leading sigil.
		Name string
		// Value is the stored value; large values are stored as artifacts
		// and the artifact record is carried here.
		Value any
	}

	// ChannelCreatedEvent fires when a new channel is created.
	ChannelCreatedEvent struct {
		Base
		// ChannelID is the identifier of the new channel.
		ChannelID string
		// IsMeeting reports whether the channel backs a meeting.
		IsMeeting bool
		// ParticipantIDs lists the initial participants.
		ParticipantIDs []string
	}

	// AttendeeJoinedEvent fires when an invited attendee joins a meeting.
	AttendeeJoinedEvent struct {
		Base
		// MeetingID identifies the meeting joined.
		MeetingID string
	}

	// MeetingEndedEvent fires when a meeting transitions to the ended state.
	MeetingEndedEvent struct {
		Base
		// MeetingID identifies the ended meeting.
		MeetingID string
		// Reason explains the transition ("owner", "timeout", "shutdown").
		Reason string
	}

	// StreamStartedEvent fires when a stream is opened on a channel.
	StreamStartedEvent struct {
		Base
		// StreamID identifies the stream within its channel.
		StreamID string
		// ChannelID identifies the carrying channel.
		ChannelID string
		// SenderID is the participant producing the stream.
		SenderID string
		// RecipientID is the targeted participant, empty for broadcast.
		RecipientID string
	}

	// StreamChunkEvent fires for each fragment of an open stream.
	StreamChunkEvent struct {
		Base
		// StreamID identifies the stream within its channel.
		StreamID string
		// Seq is the zero-based monotonically increasing fragment index.
		Seq int
		// Chunk is the fragment content.
		Chunk string
		// RecipientID is the targeted participant, empty for broadcast.
		RecipientID string
	}

	// StreamCompletedEvent fires when a stream completes with a final message.
	StreamCompletedEvent struct {
		Base
		// StreamID identifies the stream within its channel.
		StreamID string
		// FinalMessage is the complete assembled message content.
		FinalMessage string
		// RecipientID is the targeted participant, empty for broadcast.
		RecipientID string
	}

	// BreakpointHitEvent fires when execution reaches a debugger breakpoint.
	BreakpointHitEvent struct {
		Base
		// FilePath is the compiled program path.
		FilePath string
		// LineNumber is the compiled line number.
		LineNumber int
		// SourceLineNumber is the markdown source line number.
		SourceLineNumber int
	}

	// LineExecutedEvent fires after each executed program line.
	LineExecutedEvent struct {
		Base
		// Step identifies the step within the line.
		Step string
		// SourceLineNumber is the markdown source line number.
		SourceLineNumber int
		// Text is the executed line text.
		Text string
		// FilePath is the compiled program path.
		FilePath string
		// LineNumber is the compiled line number.
		LineNumber int
	}

	// CompiledProgramEvent fires once the compiled program is available.
	CompiledProgramEvent struct {
		Base
		// CompiledFilePath is the path of the compiled program.
		CompiledFilePath string
		// Content is the compiled program content.
		Content string
		// OriginalFilePaths lists the markdown sources.
		OriginalFilePaths []string
	}

	// ProgramTerminatedEvent fires when the program stops.
	ProgramTerminatedEvent struct {
		Base
		// Reason explains the termination.
		Reason string
		// ExitCode is the process exit code the host should use.
		ExitCode int
	}
)

const (
	// AgentStarted identifies AgentStartedEvent.
	AgentStarted EventType = "agent_started"
	// AgentStopped identifies AgentStoppedEvent.
	AgentStopped EventType = "agent_stopped"
	// AgentPaused identifies AgentPausedEvent.
	AgentPaused EventType = "agent_paused"
	// AgentResumed identifies AgentResumedEvent.
	AgentResumed EventType = "agent_resumed"
	// AgentStep identifies AgentStepEvent.
	AgentStep EventType = "agent_step"
	// CallStackPush identifies CallStackPushEvent.
	CallStackPush EventType = "call_stack_push"
	// CallStackPop identifies CallStackPopEvent.
	CallStackPop EventType = "call_stack_pop"
	// InstructionPointer identifies InstructionPointerEvent.
	InstructionPointer EventType = "instruction_pointer"
	// PlaybookStart identifies PlaybookStartEvent.
	PlaybookStart EventType = "playbook_start"
	// PlaybookEnd identifies PlaybookEndEvent.
	PlaybookEnd EventType = "playbook_end"
	// VariableUpdate identifies VariableUpdateEvent.
	VariableUpdate EventType = "variable_update"
	// ChannelCreated identifies ChannelCreatedEvent.
	ChannelCreated EventType = "channel_created"
	// AttendeeJoined identifies AttendeeJoinedEvent.
	AttendeeJoined EventType = "attendee_joined"
	// MeetingEnded identifies MeetingEndedEvent.
	MeetingEnded EventType = "meeting_ended"
	// StreamStarted identifies StreamStartedEvent.
	StreamStarted EventType = "stream_started"
	// StreamChunk identifies StreamChunkEvent.
	StreamChunk EventType = "stream_chunk"
	// StreamCompleted identifies StreamCompletedEvent.
	StreamCompleted EventType = "stream_completed"
	// BreakpointHit identifies BreakpointHitEvent.
	BreakpointHit EventType = "breakpoint_hit"
	// LineExecuted identifies LineExecutedEvent.
	LineExecuted EventType = "line_executed"
	// CompiledProgram identifies CompiledProgramEvent.
	CompiledProgram EventType = "compiled_program"
	// ProgramTerminated identifies ProgramTerminatedEvent.
	ProgramTerminated EventType = "program_terminated"
)

// NewBase constructs the shared event metadata. Concrete events embed the
// result; the timestamp is taken at construction time.
func NewBase(t EventType, sessionID, agentID string) Base {
	return Base{t: t, s: sessionID, a: agentID, ts: time.Now().UTC()}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// SessionID implements Event.SessionID.
func (e Base) SessionID() string { return e.s }

// AgentID implements Event.AgentID.
func (e Base) AgentID() string { return e.a }

// Timestamp implements Event.Timestamp.
func (e Base) Timestamp() time.Time { return e.ts }
