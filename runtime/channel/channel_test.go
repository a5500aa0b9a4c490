package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"playbooks.ai/playbooks/runtime/message"
)

type delivered struct {
	agentID string
	msg     *message.Message
}

type fakeDelivery struct {
	mu    sync.Mutex
	calls []delivered
}

func (d *fakeDelivery) Deliver(_ context.Context, agentID string, msg *message.Message, _ message.Priority) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, delivered{agentID: agentID, msg: msg})
	return nil
}

func (d *fakeDelivery) recipients() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.agentID
	}
	return out
}

func newMsg(sender, content string) *message.Message {
	return &message.Message{
		ID:        content,
		SenderID:  sender,
		Content:   content,
		Type:      message.TypeDirect,
		Timestamp: time.Now().UTC(),
	}
}

func TestPairIDSymmetric(t *testing.T) {
	t.Parallel()

	require.Equal(t, PairID("1000", "human"), PairID("human", "1000"))
	require.NotEqual(t, PairID("1000", "human"), PairID("1000", "1001"))
	require.Len(t, PairID("a", "b"), 32)
}

func TestPairIDProperty(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identifier depends only on the unordered pair", prop.ForAll(
		func(a, b string) bool {
			return PairID(a, b) == PairID(b, a)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestBroadcastSkipsSender(t *testing.T) {
	t.Parallel()

	d := &fakeDelivery{}
	c := New("ch1", "s1", d, nil)
	c.AddParticipant(AgentParticipant{ID: "1000", Klass: "Greeter"})
	c.AddParticipant(AgentParticipant{ID: "1001", Klass: "Responder"})
	c.AddParticipant(HumanParticipant{ID: "human", Klass: "User"})

	require.NoError(t, c.Broadcast(context.Background(), newMsg("1000", "hi")))
	require.ElementsMatch(t, []string{"1001", "human"}, d.recipients())
}

func TestAddParticipantReplacesByID(t *testing.T) {
	t.Parallel()

	c := New("ch1", "s1", &fakeDelivery{}, nil)
	c.AddParticipant(HumanParticipant{ID: "human", StreamingEnabled: false})
	c.AddParticipant(HumanParticipant{ID: "human", StreamingEnabled: true})

	parts := c.Participants()
	require.Len(t, parts, 1)
	require.True(t, parts[0].(HumanParticipant).StreamingEnabled)
}

func TestIsMeeting(t *testing.T) {
	t.Parallel()

	c := New("ch1", "s1", &fakeDelivery{}, nil)
	c.AddParticipant(AgentParticipant{ID: "1000"})
	c.AddParticipant(AgentParticipant{ID: "1001"})
	require.False(t, c.IsMeeting())
	require.True(t, c.IsDirect())

	c.AddParticipant(AgentParticipant{ID: "1002"})
	require.True(t, c.IsMeeting())

	m := New("ch2", "s1", &fakeDelivery{}, nil, AsMeeting())
	require.True(t, m.IsMeeting())
	require.False(t, m.IsDirect())
}

func TestDeliverBatchOrderAndFilter(t *testing.T) {
	t.Parallel()

	d := &fakeDelivery{}
	c := New("ch1", "s1", d, nil)
	c.AddParticipant(AgentParticipant{ID: "1000"})
	c.AddParticipant(HumanParticipant{ID: "human"})

	batch := []*message.Message{
		newMsg("1000", "first"),
		newMsg("1001", "second"),
	}
	noHumans := func(p Participant, _ *message.Message) bool {
		_, isHuman := p.(HumanParticipant)
		return !isHuman
	}
	require.NoError(t, c.DeliverBatch(context.Background(), batch, noHumans))

	// The sender of "first" receives only "second"; the human is filtered out.
	require.Len(t, d.calls, 1)
	require.Equal(t, "1000", d.calls[0].agentID)
	require.Equal(t, "second", d.calls[0].msg.Content)
}

func TestStreamChunkSequenceMonotonic(t *testing.T) {
	t.Parallel()

	c := New("ch1", "s1", &fakeDelivery{}, nil)
	c.AddParticipant(AgentParticipant{ID: "1000"})
	c.AddParticipant(HumanParticipant{ID: "human", StreamingEnabled: true})

	var (
		mu   sync.Mutex
		seqs []int
	)
	c.AddStreamObserver(&ObserverFunc{Fn: func(_ context.Context, e StreamEvent) error {
		if e.Kind == StreamEventChunk {
			mu.Lock()
			seqs = append(seqs, e.Seq)
			mu.Unlock()
		}
		return nil
	}})

	ctx := context.Background()
	require.NoError(t, c.StartStream(ctx, "1000", "human", "st1"))
	for _, chunk := range []string{"a", "b", "c"} {
		require.NoError(t, c.StreamChunk(ctx, "st1", chunk))
	}
	require.Equal(t, []int{0, 1, 2}, seqs)

	info, ok := c.StreamInfo("st1")
	require.True(t, ok)
	require.Equal(t, 3, info.TotalBytes)
}

func TestStreamLifecycleErrors(t *testing.T) {
	t.Parallel()

	c := New("ch1", "s1", &fakeDelivery{}, nil)
	c.AddParticipant(AgentParticipant{ID: "1000"})
	c.AddParticipant(HumanParticipant{ID: "human"})
	ctx := context.Background()

	require.ErrorIs(t, c.StreamChunk(ctx, "missing", "x"), ErrUnknownStream)

	require.NoError(t, c.StartStream(ctx, "1000", "human", "st1"))
	require.ErrorIs(t, c.StartStream(ctx, "1000", "human", "st1"), ErrDuplicateStream)

	require.NoError(t, c.CompleteStream(ctx, "st1", newMsg("1000", "done")))
	require.ErrorIs(t, c.StreamChunk(ctx, "st1", "late"), ErrBadStreamState)
	require.ErrorIs(t, c.CompleteStream(ctx, "st1", newMsg("1000", "again")), ErrBadStreamState)
}

func TestCompleteStreamDeliversToBufferedRecipients(t *testing.T) {
	t.Parallel()

	d := &fakeDelivery{}
	c := New("ch1", "s1", d, nil)
	c.AddParticipant(AgentParticipant{ID: "1000"})
	c.AddParticipant(AgentParticipant{ID: "1001"})
	c.AddParticipant(HumanParticipant{ID: "human", StreamingEnabled: true})
	c.AddParticipant(HumanParticipant{ID: "human2", StreamingEnabled: false})

	ctx := context.Background()
	require.NoError(t, c.StartStream(ctx, "1000", "human", "st1"))
	require.NoError(t, c.CompleteStream(ctx, "st1", newMsg("1000", "final")))

	// The streaming human already saw the content; the others get the final
	// message delivered.
	require.ElementsMatch(t, []string{"1001", "human2"}, d.recipients())
}

func TestCompleteStreamHonorsSuppressFinal(t *testing.T) {
	t.Parallel()

	d := &fakeDelivery{}
	c := New("ch1", "s1", d, nil)
	c.AddParticipant(AgentParticipant{ID: "1000"})
	c.AddParticipant(AgentParticipant{ID: "1001"})
	c.AddParticipant(HumanParticipant{ID: "human", SuppressFinal: true})

	ctx := context.Background()
	require.NoError(t, c.StartStream(ctx, "1000", "", "st1"))
	require.NoError(t, c.CompleteStream(ctx, "st1", newMsg("1000", "final")))

	// The suppressing human receives nothing, streamed or buffered.
	require.ElementsMatch(t, []string{"1001"}, d.recipients())
}

func TestObserverTargetFiltering(t *testing.T) {
	t.Parallel()

	c := New("ch1", "s1", &fakeDelivery{}, nil)
	c.AddParticipant(AgentParticipant{ID: "1000"})
	c.AddParticipant(HumanParticipant{ID: "human", StreamingEnabled: true})
	c.AddParticipant(HumanParticipant{ID: "human2", StreamingEnabled: true})

	count := func(target string) *int {
		n := new(int)
		var mu sync.Mutex
		c.AddStreamObserver(&ObserverFunc{Target: target, Fn: func(_ context.Context, _ StreamEvent) error {
			mu.Lock()
			*n++
			mu.Unlock()
			return nil
		}})
		return n
	}
	all := count("")
	forHuman := count("human")
	forOther := count("human2")

	ctx := context.Background()
	require.NoError(t, c.StartStream(ctx, "1000", "human", "st1"))
	require.NoError(t, c.StreamChunk(ctx, "st1", "x"))

	require.Equal(t, 2, *all)
	require.Equal(t, 2, *forHuman)
	require.Equal(t, 0, *forOther)

	// Broadcast streams are visible to every observer.
	require.NoError(t, c.StartStream(ctx, "1000", "", "st2"))
	require.Equal(t, 3, *all)
	require.Equal(t, 3, *forHuman)
	require.Equal(t, 1, *forOther)
}

func TestRemoveParticipantAbortsStreams(t *testing.T) {
	t.Parallel()

	c := New("ch1", "s1", &fakeDelivery{}, nil)
	c.AddParticipant(AgentParticipant{ID: "1000"})
	c.AddParticipant(HumanParticipant{ID: "human", StreamingEnabled: true})

	var (
		mu     sync.Mutex
		reason string
	)
	c.AddStreamObserver(&ObserverFunc{Fn: func(_ context.Context, e StreamEvent) error {
		if e.Kind == StreamEventAborted {
			mu.Lock()
			reason = e.Reason
			mu.Unlock()
		}
		return nil
	}})

	ctx := context.Background()
	require.NoError(t, c.StartStream(ctx, "1000", "human", "st1"))
	c.RemoveParticipant(ctx, "human")

	require.Equal(t, "participant_left", reason)
	info, ok := c.StreamInfo("st1")
	require.True(t, ok)
	require.Equal(t, StreamAborted, info.State)
	require.Len(t, c.Participants(), 1)
}
