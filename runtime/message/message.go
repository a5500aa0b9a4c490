// Package message defines the message record exchanged between agents and the
// receiver specification grammar used to designate message targets. Messages
// are immutable after construction: the runtime never mutates a message once
// it has been enqueued into an inbox.
package message

import (
	"time"
)

type (
	// Type classifies a message by its delivery semantics. The router selects
	// the type from the resolved receiver specification; agent runtimes use it
	// to drive waiting-mode predicates.
	Type string

	// Priority orders messages within an inbox. High-priority messages are
	// consumed before normal ones regardless of arrival order.
	Priority int

	// Message is a single unit of communication between participants. A
	// message is addressed either to a specific recipient (direct messages)
	// or to a meeting (broadcasts), optionally narrowed to a target set of
	// agents within the meeting.
	Message struct {
		// ID uniquely identifies the message within the program.
		ID string
		// SenderID is the agent identifier of the sender.
		SenderID string
		// SenderKlass is the klass of the sending agent.
		SenderKlass string
		// RecipientID is the agent identifier of the recipient for direct
		// messages. Empty for meeting broadcasts.
		RecipientID string
		// RecipientKlass is the klass of the recipient when known.
		RecipientKlass string
		// Content is the message body.
		Content string
		// Type classifies the message (direct, meeting invite, ...).
		Type Type
		// MeetingID identifies the meeting for meeting-scoped messages.
		MeetingID string
		// TargetAgentIDs narrows a meeting broadcast to specific attendees.
		// Nil or empty means the broadcast addresses every attendee.
		TargetAgentIDs []string
		// Timestamp records when the message was created.
		Timestamp time.Time
		// Priority orders the message relative to others in an inbox.
		Priority Priority
	}
)

const (
	// TypeDirect is a point-to-point message between two participants.
	TypeDirect Type = "direct"
	// TypeMeetingInvite asks the recipient to join a meeting.
	TypeMeetingInvite Type = "meeting_invite"
	// TypeMeetingBroadcast is a message sent to all attendees of a meeting.
	TypeMeetingBroadcast Type = "meeting_broadcast"
	// TypeMeetingEnd notifies attendees that a meeting has ended.
	TypeMeetingEnd Type = "meeting_end"
	// TypeSystem is a runtime-generated notification (timeouts, shutdown).
	TypeSystem Type = "system"
)

const (
	// PriorityNormal is the default message priority.
	PriorityNormal Priority = iota
	// PriorityHigh places the message ahead of all normal-priority messages.
	PriorityHigh
)

// HumanID is the reserved identifier of the default human agent.
const HumanID = "human"

// Targets reports whether the message addresses the given agent, either as
// its direct recipient or through its meeting target set. Messages with no
// recipient and no target set address every attendee and match any agent.
func (m *Message) Targets(agentID string) bool {
	if m.RecipientID != "" {
		return m.RecipientID == agentID
	}
	if len(m.TargetAgentIDs) == 0 {
		return true
	}
	for _, id := range m.TargetAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// IsInterrupt reports whether the message should pierce an agent's waiting
// mode: high-priority messages and direct messages from the human always do.
func (m *Message) IsInterrupt() bool {
	return m.Priority == PriorityHigh || (m.Type == TypeDirect && m.SenderID == HumanID)
}
