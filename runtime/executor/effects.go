package executor

type (
	// Effect is one side effect requested by an executor turn. The runtime
	// applies effects in order and stops at the first failure.
	Effect interface {
		isEffect()
	}

	// SayEffect sends a message to the targets named by Target, a routing
	// spec such as "human" or "agent 1001, agent 1002".
	SayEffect struct {
		// Target is the routing spec.
		Target string
		// Content is the message body.
		Content string
		// Interrupt marks the message high priority.
		Interrupt bool
	}

	// StartStreamEffect opens a stream toward Target before chunked output.
	StartStreamEffect struct {
		// Target is the routing spec for the stream recipient.
		Target string
		// StreamID identifies the stream; empty means generate one.
		StreamID string
	}

	// StreamChunkEffect appends one fragment to an open stream.
	StreamChunkEffect struct {
		// StreamID identifies the stream.
		StreamID string
		// Chunk is the fragment content.
		Chunk string
	}

	// CompleteStreamEffect closes a stream with its assembled content.
	CompleteStreamEffect struct {
		// StreamID identifies the stream.
		StreamID string
		// Content is the full assembled message body.
		Content string
	}

	// CreateMeetingEffect creates a meeting owned by the acting agent and
	// invites the named attendees.
	CreateMeetingEffect struct {
		// Attendees are routing specs for the invitees.
		Attendees []string
		// Topic seeds the first broadcast; empty means no kickoff message.
		Topic string
	}

	// JoinMeetingEffect accepts an invitation to the named meeting.
	JoinMeetingEffect struct {
		// MeetingID identifies the meeting.
		MeetingID string
	}

	// EndMeetingEffect ends a meeting the acting agent owns.
	EndMeetingEffect struct {
		// MeetingID identifies the meeting.
		MeetingID string
		// Reason is recorded on the end notice.
		Reason string
	}

	// SetVariableEffect writes a variable in the agent's store. Oversized
	// values are promoted to artifacts by the store.
	SetVariableEffect struct {
		// Name is the variable name without the leading sigil.
		Name string
		// Value is the value to store.
		Value any
	}

	// PushFrameEffect enters a playbook invocation.
	PushFrameEffect struct {
		// Playbook names the invoked playbook.
		Playbook string
	}

	// PopFrameEffect returns from the current playbook invocation.
	PopFrameEffect struct {
		// ReturnValue is stored in the caller's implicit result variable.
		ReturnValue any
	}

	// AdvanceEffect moves the instruction pointer within the top frame.
	AdvanceEffect struct {
		// Playbook names the executing playbook.
		Playbook string
		// Line is the compiled line number.
		Line int
		// SourceLine is the source line number.
		SourceLine int
	}

	// CheckpointEffect persists a recovery checkpoint for the agent.
	CheckpointEffect struct {
		// Statement describes the step the checkpoint precedes.
		Statement string
	}
)

func (SayEffect) isEffect()            {}
func (StartStreamEffect) isEffect()    {}
func (StreamChunkEffect) isEffect()    {}
func (CompleteStreamEffect) isEffect() {}
func (CreateMeetingEffect) isEffect()  {}
func (JoinMeetingEffect) isEffect()    {}
func (EndMeetingEffect) isEffect()     {}
func (SetVariableEffect) isEffect()    {}
func (PushFrameEffect) isEffect()      {}
func (PopFrameEffect) isEffect()       {}
func (AdvanceEffect) isEffect()        {}
func (CheckpointEffect) isEffect()     {}
