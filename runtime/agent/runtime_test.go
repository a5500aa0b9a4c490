package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/executor"
	"playbooks.ai/playbooks/runtime/message"
)

type hostCall struct {
	op   string
	args []string
}

// fakeHost records every host operation the runtime loop applies.
type fakeHost struct {
	mu        sync.Mutex
	calls     []hostCall
	events    []bus.Event
	exitCode  int
	exited    bool
	routeErr  error
	meetingID string
}

func (h *fakeHost) record(op string, args ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hostCall{op: op, args: args})
}

func (h *fakeHost) ops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	for i, c := range h.calls {
		out[i] = c.op
	}
	return out
}

func (h *fakeHost) Route(_ context.Context, senderID, target, content string, interrupt bool) (string, []string, error) {
	h.record("route", senderID, target, content, fmt.Sprint(interrupt))
	return "ch1", []string{target}, h.routeErr
}

func (h *fakeHost) StartStream(_ context.Context, senderID, target, streamID string) (string, error) {
	h.record("start_stream", senderID, target, streamID)
	return streamID, nil
}

func (h *fakeHost) StreamChunk(_ context.Context, senderID, streamID, chunk string) error {
	h.record("stream_chunk", senderID, streamID, chunk)
	return nil
}

func (h *fakeHost) CompleteStream(_ context.Context, senderID, streamID, content string) error {
	h.record("complete_stream", senderID, streamID, content)
	return nil
}

func (h *fakeHost) CreateMeeting(_ context.Context, ownerID string, attendees []string, topic string) (string, error) {
	h.record("create_meeting", append([]string{ownerID, topic}, attendees...)...)
	return h.meetingID, nil
}

func (h *fakeHost) JoinMeeting(_ context.Context, agentID, meetingID string) error {
	h.record("join_meeting", agentID, meetingID)
	return nil
}

func (h *fakeHost) EndMeeting(_ context.Context, agentID, meetingID, reason string) error {
	h.record("end_meeting", agentID, meetingID, reason)
	return nil
}

func (h *fakeHost) SaveCheckpoint(_ context.Context, agentID, statement string) error {
	h.record("checkpoint", agentID, statement)
	return nil
}

func (h *fakeHost) Publish(_ context.Context, event bus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *fakeHost) RequestExit(_ string, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exited = true
	h.exitCode = code
}

// scriptedExecutor returns one pre-built result per turn, recording the
// requests it saw.
type scriptedExecutor struct {
	mu       sync.Mutex
	script   []func(req *executor.Request) (*executor.RunResult, error)
	requests []*executor.Request
}

func (e *scriptedExecutor) Run(_ context.Context, req *executor.Request) (*executor.RunResult, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	turn := len(e.requests)
	e.mu.Unlock()
	if turn > len(e.script) {
		return &executor.RunResult{EndsProgram: true}, nil
	}
	return e.script[turn-1](req)
}

func (e *scriptedExecutor) seen() []*executor.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*executor.Request(nil), e.requests...)
}

// executorFunc adapts a function to the Executor interface.
type executorFunc func(req *executor.Request) (*executor.RunResult, error)

func (f executorFunc) Run(_ context.Context, req *executor.Request) (*executor.RunResult, error) {
	return f(req)
}

func deliver(t *testing.T, a *Agent, sender, content string, prio message.Priority) {
	t.Helper()
	require.NoError(t, a.Inbox().Put(&message.Message{
		ID: content, SenderID: sender, Content: content,
		Type: message.TypeDirect, Timestamp: time.Now().UTC(), Priority: prio,
	}, prio))
}

func TestLoopAppliesEffectsInOrder(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{meetingID: "m1"}
	exec := &scriptedExecutor{script: []func(*executor.Request) (*executor.RunResult, error){
		func(*executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{
				Effects: []executor.Effect{
					executor.SayEffect{Target: "agent 1001", Content: "hi"},
					executor.SetVariableEffect{Name: "topic", Value: "golang"},
					executor.CreateMeetingEffect{Attendees: []string{"1001"}, Topic: "sync"},
				},
				EndsProgram: true,
			}, nil
		},
	}}

	r := NewRuntime(a, exec, host, "s1")
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	require.ErrorIs(t, r.Loop(context.Background()), ErrStopped)

	require.Equal(t, []string{"route", "create_meeting"}, host.ops())
	val, ok := a.Variables().Get("topic")
	require.True(t, ok)
	require.Equal(t, "golang", val)
	require.True(t, host.exited)
	require.Equal(t, 0, host.exitCode)
}

func TestLoopStacksFramesAndMessages(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{script: []func(*executor.Request) (*executor.RunResult, error){
		func(*executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{
				Effects: []executor.Effect{
					executor.PushFrameEffect{Playbook: "Main"},
					executor.AdvanceEffect{Playbook: "Main", Line: 3, SourceLine: 12},
					executor.PopFrameEffect{ReturnValue: "done"},
				},
				EndsProgram: true,
			}, nil
		},
	}}

	r := NewRuntime(a, exec, host, "s1")
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)
	require.ErrorIs(t, r.Loop(context.Background()), ErrStopped)

	require.Equal(t, 0, a.Stack().Depth())
	val, ok := a.Variables().Get("_")
	require.True(t, ok)
	require.Equal(t, "done", val)

	// The triggering message landed on the top-level list before any frame
	// was pushed.
	require.Len(t, a.Stack().TopLevelMessages(), 1)
}

func TestLoopPopOnEmptyStackFails(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{script: []func(*executor.Request) (*executor.RunResult, error){
		func(*executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{
				Effects: []executor.Effect{executor.PopFrameEffect{}},
			}, nil
		},
	}}

	r := NewRuntime(a, exec, host, "s1")
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	err := r.Loop(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty call stack")
	require.NotEmpty(t, a.Errors())
}

func TestLoopExecutorPanicBecomesError(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{script: []func(*executor.Request) (*executor.RunResult, error){
		func(*executor.Request) (*executor.RunResult, error) { panic("model blew up") },
	}}

	r := NewRuntime(a, exec, host, "s1")
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	err := r.Loop(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "model blew up")
	require.False(t, a.IsBusy())
}

func TestLoopRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	attempts := 0
	exec := executorFunc(func(*executor.Request) (*executor.RunResult, error) {
		attempts++
		if attempts < 2 {
			return nil, executor.Transient(errors.New("overloaded"))
		}
		return &executor.RunResult{EndsProgram: true}, nil
	})

	r := NewRuntime(a, exec, host, "s1")
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	require.ErrorIs(t, r.Loop(context.Background()), ErrStopped)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestLoopStopsWhenInboxCloses(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{}
	r := NewRuntime(a, exec, host, "s1")

	done := make(chan error, 1)
	go func() { done <- r.Loop(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	a.Inbox().Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("loop never stopped")
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	r := NewRuntime(a, &scriptedExecutor{}, host, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Loop(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop never stopped")
	}
}

func TestProgressiveWaitInjectsTimeoutNotice(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{script: []func(*executor.Request) (*executor.RunResult, error){
		// Turn 1: start waiting on agent 1001.
		func(*executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{
				Waiting: executor.WaitingMode{Kind: executor.WaitForAgent, AgentID: "1001"},
			}, nil
		},
		// Turn 2 receives the synthetic timeout notification.
		func(req *executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{EndsProgram: true}, nil
		},
	}}

	r := NewRuntime(a, exec, host, "s1", WithWaitTimeout(30*time.Millisecond))
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	require.ErrorIs(t, r.Loop(context.Background()), ErrStopped)

	reqs := exec.seen()
	require.Len(t, reqs, 2)
	notice := reqs[1].Messages[0]
	require.Equal(t, "system", notice.SenderID)
	require.Equal(t, message.TypeSystem, notice.Type)
	require.Contains(t, notice.Content, "Agent 1001 hasn't replied in 0 seconds")
	require.Contains(t, notice.Content, "Yield(1001)")
}

func TestProgressiveWaitInterruptPiercesImmediately(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{script: []func(*executor.Request) (*executor.RunResult, error){
		func(*executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{
				Waiting: executor.WaitingMode{Kind: executor.WaitForAgent, AgentID: "1001"},
			}, nil
		},
		func(req *executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{EndsProgram: true}, nil
		},
	}}

	r := NewRuntime(a, exec, host, "s1", WithWaitTimeout(40*time.Millisecond))
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	// Queue an interrupt while the agent waits on 1001. The sender is not
	// human and not the awaited agent, so only the priority makes it visible,
	// and it wakes the agent without waiting out the window.
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = a.Inbox().Put(&message.Message{
			ID: "urgent", SenderID: "1002", Content: "urgent",
			Type: message.TypeDirect, Priority: message.PriorityHigh,
			Timestamp: time.Now().UTC(),
		}, message.PriorityHigh)
	}()

	require.ErrorIs(t, r.Loop(context.Background()), ErrStopped)

	reqs := exec.seen()
	require.Len(t, reqs, 2)
	require.Equal(t, "urgent", reqs[1].Messages[0].Content)
}

func TestProgressiveWaitCollectsPendingDirectMessages(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{script: []func(*executor.Request) (*executor.RunResult, error){
		func(*executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{
				Waiting: executor.WaitingMode{Kind: executor.WaitForAgent, AgentID: "1001"},
			}, nil
		},
		func(req *executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{EndsProgram: true}, nil
		},
	}}

	r := NewRuntime(a, exec, host, "s1", WithWaitTimeout(40*time.Millisecond))
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	// A normal-priority direct message from a third agent does not satisfy
	// the wait, but it must not sit queued past the timeout either.
	go func() {
		time.Sleep(10 * time.Millisecond)
		deliver(t, a, "1002", "by the way", message.PriorityNormal)
	}()

	require.ErrorIs(t, r.Loop(context.Background()), ErrStopped)

	reqs := exec.seen()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 2)
	require.Equal(t, "by the way", reqs[1].Messages[0].Content)
	require.Equal(t, message.TypeSystem, reqs[1].Messages[1].Type)
	require.Contains(t, reqs[1].Messages[1].Content, "Yield(1001)")
}

func TestLateReplyStillMatchesAfterTimeoutTurn(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{script: []func(*executor.Request) (*executor.RunResult, error){
		func(*executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{
				Waiting: executor.WaitingMode{Kind: executor.WaitForAgent, AgentID: "1001"},
			}, nil
		},
		// Timeout notification turn: keep waiting on the same peer.
		func(*executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{
				Waiting: executor.WaitingMode{Kind: executor.WaitForAgent, AgentID: "1001"},
			}, nil
		},
		func(req *executor.Request) (*executor.RunResult, error) {
			return &executor.RunResult{EndsProgram: true}, nil
		},
	}}

	r := NewRuntime(a, exec, host, "s1", WithWaitTimeout(25*time.Millisecond))
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	// The awaited reply arrives after the first timeout window.
	go func() {
		time.Sleep(40 * time.Millisecond)
		deliver(t, a, "1001", "late reply", message.PriorityNormal)
	}()

	require.ErrorIs(t, r.Loop(context.Background()), ErrStopped)

	reqs := exec.seen()
	require.Len(t, reqs, 3)
	require.Equal(t, "system", reqs[1].Messages[0].SenderID)
	require.Equal(t, "late reply", reqs[2].Messages[0].Content)
}

func TestLoopPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()

	a := New("1000", "Greeter")
	host := &fakeHost{}
	exec := &scriptedExecutor{}
	r := NewRuntime(a, exec, host, "s1")
	deliver(t, a, message.HumanID, "go", message.PriorityNormal)

	require.ErrorIs(t, r.Loop(context.Background()), ErrStopped)

	var types []string
	host.mu.Lock()
	for _, e := range host.events {
		types = append(types, string(e.Type()))
	}
	host.mu.Unlock()
	require.Equal(t, "agent_started", types[0])
	require.Contains(t, strings.Join(types, ","), "agent_stopped")
}
