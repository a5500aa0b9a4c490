package agent

import (
	"playbooks.ai/playbooks/runtime/executor"
	"playbooks.ai/playbooks/runtime/inbox"
	"playbooks.ai/playbooks/runtime/message"
)

// PredicateFor derives the inbox predicate for a waiting mode.
//
// An agent blocked on a peer still reacts to meeting invitations and to
// interrupts; an agent blocked on a meeting still reacts to direct messages
// addressed to it. selfID is the waiting agent's identifier.
func PredicateFor(w executor.WaitingMode, selfID string) inbox.Predicate {
	switch w.Kind {
	case executor.WaitForAgent:
		awaited := w.AgentID
		return func(m *message.Message) bool {
			return (m.Type == message.TypeDirect && m.SenderID == awaited) ||
				m.Type == message.TypeMeetingInvite ||
				m.IsInterrupt()
		}
	case executor.WaitForMeeting:
		meetingID := w.MeetingID
		return func(m *message.Message) bool {
			if m.Type == message.TypeDirect && m.Targets(selfID) {
				return true
			}
			return m.MeetingID == meetingID || m.IsInterrupt()
		}
	case executor.WaitForUser:
		return func(m *message.Message) bool {
			return m.SenderID == message.HumanID || m.IsInterrupt()
		}
	default:
		return nil
	}
}

// InterruptOnly matches only interrupt messages.
func InterruptOnly(m *message.Message) bool {
	return m.IsInterrupt()
}

// PendingAtTimeout matches the messages folded into a progressive timeout
// notification: direct messages from any other agent plus interrupts that
// arrived while the agent was blocked on its awaited peer.
func PendingAtTimeout(m *message.Message) bool {
	return m.Type == message.TypeDirect || InterruptOnly(m)
}
