package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"playbooks.ai/playbooks/runtime/executor"
	"playbooks.ai/playbooks/runtime/message"
)

func TestPredicateForAgent(t *testing.T) {
	t.Parallel()

	pred := PredicateFor(executor.WaitingMode{Kind: executor.WaitForAgent, AgentID: "1001"}, "1000")

	require.True(t, pred(&message.Message{SenderID: "1001", Type: message.TypeDirect}))
	require.False(t, pred(&message.Message{SenderID: "1002", Type: message.TypeDirect}))

	// Only a direct message from the awaited agent satisfies the wait; its
	// meeting traffic does not.
	require.False(t, pred(&message.Message{SenderID: "1001", Type: message.TypeMeetingBroadcast, MeetingID: "m1"}))

	// Meeting invitations pierce the wait.
	require.True(t, pred(&message.Message{SenderID: "1002", Type: message.TypeMeetingInvite}))

	// Interrupts always pierce the wait.
	require.True(t, pred(&message.Message{SenderID: "1002", Priority: message.PriorityHigh}))
	require.True(t, pred(&message.Message{SenderID: message.HumanID, Type: message.TypeDirect}))
}

func TestPredicateForMeeting(t *testing.T) {
	t.Parallel()

	pred := PredicateFor(executor.WaitingMode{Kind: executor.WaitForMeeting, MeetingID: "m1"}, "1000")

	require.True(t, pred(&message.Message{Type: message.TypeMeetingBroadcast, MeetingID: "m1"}))
	require.False(t, pred(&message.Message{Type: message.TypeMeetingBroadcast, MeetingID: "m2"}))

	// Direct messages addressed to the waiting agent still land.
	require.True(t, pred(&message.Message{Type: message.TypeDirect, RecipientID: "1000", SenderID: "1002"}))
	require.False(t, pred(&message.Message{Type: message.TypeDirect, RecipientID: "1001", SenderID: "1002"}))

	require.True(t, pred(&message.Message{Type: message.TypeMeetingBroadcast, MeetingID: "m2", Priority: message.PriorityHigh}))
}

func TestPredicateForUser(t *testing.T) {
	t.Parallel()

	pred := PredicateFor(executor.WaitingMode{Kind: executor.WaitForUser}, "1000")

	require.True(t, pred(&message.Message{SenderID: message.HumanID, Type: message.TypeDirect}))
	require.False(t, pred(&message.Message{SenderID: "1001", Type: message.TypeDirect}))
	require.True(t, pred(&message.Message{SenderID: "1001", Priority: message.PriorityHigh}))
}

func TestPredicateForNotWaiting(t *testing.T) {
	t.Parallel()

	require.Nil(t, PredicateFor(executor.WaitingMode{}, "1000"))
}

func TestInterruptOnly(t *testing.T) {
	t.Parallel()

	require.True(t, InterruptOnly(&message.Message{Priority: message.PriorityHigh}))
	require.True(t, InterruptOnly(&message.Message{Type: message.TypeDirect, SenderID: message.HumanID}))
	require.False(t, InterruptOnly(&message.Message{Type: message.TypeDirect, SenderID: "1001"}))
}

func TestPendingAtTimeout(t *testing.T) {
	t.Parallel()

	// Normal-priority direct traffic from any agent counts.
	require.True(t, PendingAtTimeout(&message.Message{Type: message.TypeDirect, SenderID: "1002"}))
	require.True(t, PendingAtTimeout(&message.Message{Type: message.TypeDirect, SenderID: message.HumanID}))
	require.True(t, PendingAtTimeout(&message.Message{Type: message.TypeMeetingBroadcast, Priority: message.PriorityHigh}))

	require.False(t, PendingAtTimeout(&message.Message{Type: message.TypeMeetingBroadcast, SenderID: "1002"}))
	require.False(t, PendingAtTimeout(&message.Message{Type: message.TypeSystem, SenderID: "system"}))
}
