package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/callstack"
	"playbooks.ai/playbooks/runtime/executor"
	"playbooks.ai/playbooks/runtime/executor/retry"
	"playbooks.ai/playbooks/runtime/inbox"
	"playbooks.ai/playbooks/runtime/message"
	"playbooks.ai/playbooks/runtime/telemetry"
)

type (
	// Host is the program surface the runtime loop applies effects through.
	// Implemented by the program container.
	Host interface {
		// Route resolves a routing spec and delivers the message to every
		// resolved recipient. It returns the carrying channel and the
		// recipient identifiers.
		Route(ctx context.Context, senderID, target, content string, interrupt bool) (channelID string, deliveredTo []string, err error)
		// StartStream opens a stream toward the spec's recipient and returns
		// the stream identifier. When streamID is empty one is generated.
		StartStream(ctx context.Context, senderID, target, streamID string) (string, error)
		// StreamChunk appends a fragment to an open stream.
		StreamChunk(ctx context.Context, senderID, streamID, chunk string) error
		// CompleteStream closes a stream with its assembled content.
		CompleteStream(ctx context.Context, senderID, streamID, content string) error
		// CreateMeeting creates a meeting owned by ownerID and invites the
		// attendees.
		CreateMeeting(ctx context.Context, ownerID string, attendees []string, topic string) (string, error)
		// JoinMeeting accepts an invitation.
		JoinMeeting(ctx context.Context, agentID, meetingID string) error
		// EndMeeting ends a meeting owned by agentID.
		EndMeeting(ctx context.Context, agentID, meetingID, reason string) error
		// SaveCheckpoint persists a recovery checkpoint for the agent.
		SaveCheckpoint(ctx context.Context, agentID, statement string) error
		// Publish emits an event on the program bus.
		Publish(ctx context.Context, event bus.Event)
		// RequestExit asks the program to terminate with the given code.
		RequestExit(reason string, code int)
	}

	// Runtime drives one agent's turn loop.
	Runtime struct {
		agent     *Agent
		exec      executor.Executor
		host      Host
		sessionID string

		waitTimeout time.Duration
		retryCfg    retry.Config
		log         telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
	}

	// RuntimeOption configures a Runtime.
	RuntimeOption func(*Runtime)
)

// DefaultWaitTimeout is the progressive wait window: how long an agent
// blocks on an awaited peer before the runtime injects a timeout
// notification and reruns the executor.
const DefaultWaitTimeout = 5 * time.Second

// ErrStopped is returned by Loop when the agent shut down cleanly.
var ErrStopped = errors.New("agent stopped")

// WithWaitTimeout overrides the progressive wait window.
func WithWaitTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.waitTimeout = d }
}

// WithRetryConfig overrides the executor retry policy.
func WithRetryConfig(cfg retry.Config) RuntimeOption {
	return func(r *Runtime) { r.retryCfg = cfg }
}

// WithLogger sets the runtime logger.
func WithLogger(log telemetry.Logger) RuntimeOption {
	return func(r *Runtime) { r.log = log }
}

// WithMetrics sets the runtime metrics sink.
func WithMetrics(m telemetry.Metrics) RuntimeOption {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer sets the runtime tracer.
func WithTracer(t telemetry.Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

// NewRuntime constructs the turn loop for one agent.
func NewRuntime(a *Agent, exec executor.Executor, host Host, sessionID string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		agent:       a,
		exec:        exec,
		host:        host,
		sessionID:   sessionID,
		waitTimeout: DefaultWaitTimeout,
		retryCfg:    retry.DefaultConfig(),
		log:         telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Loop runs the agent until its context is cancelled, its inbox closes, or
// a turn requests program termination. Each iteration blocks on the inbox
// with the predicate derived from the agent's waiting mode, runs the
// executor on the batch, and applies the effects in order.
//
// While waiting on a specific peer, the wait is progressive: when the wait
// window elapses without a reply, any direct messages and interrupts that
// queued up during the window are drained and handed to the executor along
// with a synthetic timeout notification, so the agent can decide to keep
// waiting, answer the interrupters, or move on.
func (r *Runtime) Loop(ctx context.Context) error {
	r.host.Publish(ctx, &bus.AgentStartedEvent{
		Base:  bus.NewBase(bus.AgentStarted, r.sessionID, r.agent.ID()),
		Klass: r.agent.Klass(),
		Name:  r.agent.ID(),
	})

	waiting := executor.WaitingMode{}
	turn := 0
	for {
		batch, err := r.nextBatch(ctx, waiting)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			r.stopped(ctx, "cancelled")
			return ctx.Err()
		case errors.Is(err, inbox.ErrClosed):
			r.stopped(ctx, "inbox closed")
			return ErrStopped
		case err != nil:
			r.stopped(ctx, "error")
			return err
		}
		if len(batch) == 0 {
			continue
		}

		turn++
		res, err := r.runTurn(ctx, batch, turn)
		if err != nil {
			r.agent.RecordError(err.Error())
			r.log.Error(ctx, "agent turn failed", "agent", r.agent.ID(), "turn", turn, "err", err.Error())
			r.stopped(ctx, "error")
			return fmt.Errorf("agent %s turn %d: %w", r.agent.ID(), turn, err)
		}

		waiting = res.Waiting
		if res.EndsProgram {
			r.host.RequestExit(fmt.Sprintf("agent %s ended the program", r.agent.ID()), res.ExitCode)
			r.stopped(ctx, "program ended")
			return ErrStopped
		}
	}
}

// nextBatch blocks for the next batch of messages matching the current
// waiting mode, implementing the progressive wait described on Loop.
func (r *Runtime) nextBatch(ctx context.Context, waiting executor.WaitingMode) ([]*message.Message, error) {
	pred := PredicateFor(waiting, r.agent.ID())
	timeout := time.Duration(0)
	if waiting.Kind == executor.WaitForAgent {
		timeout = r.waitTimeout
	}

	batch, err := r.agent.Inbox().GetBatch(ctx, pred, 0, 1, timeout)
	if !errors.Is(err, inbox.ErrTimeout) {
		return batch, err
	}

	// The awaited peer stayed silent. Direct messages from other agents and
	// interrupts that queued up during the window are handed to the executor
	// together with the timeout notice.
	pending, perr := r.agent.Inbox().GetBatch(ctx, PendingAtTimeout, 0, 0, 0)
	if perr != nil {
		return nil, perr
	}
	r.metrics.IncCounter("agent_wait_timeouts", 1, "agent", r.agent.ID())
	return append(pending, timeoutNotice(waiting.AgentID, r.waitTimeout)), nil
}

// runTurn executes one turn: snapshot the agent, call the executor with
// retries, and apply the effects in order. Executor panics become errors.
func (r *Runtime) runTurn(ctx context.Context, batch []*message.Message, turn int) (res *executor.RunResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()

	r.agent.SetBusy(true)
	defer r.agent.SetBusy(false)

	for _, m := range batch {
		r.agent.Stack().AddMessage(m)
	}

	req := &executor.Request{
		AgentID:    r.agent.ID(),
		AgentKlass: r.agent.Klass(),
		SessionID:  r.sessionID,
		Messages:   batch,
		Variables:  r.agent.Variables().Snapshot(),
		CallStack:  r.agent.Stack().Refs(),
		Turn:       turn,
	}

	ctx, span := r.tracer.Start(ctx, "agent.turn")
	defer span.End()

	start := time.Now()
	err = retry.Do(ctx, r.retryCfg, func(ctx context.Context) error {
		var rerr error
		res, rerr = r.exec.Run(ctx, req)
		return rerr
	})
	duration := time.Since(start)
	r.metrics.RecordTimer("agent_turn_duration", duration, "agent", r.agent.ID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "turn completed")

	for i, eff := range res.Effects {
		if aerr := r.apply(ctx, eff); aerr != nil {
			return nil, fmt.Errorf("effect %d/%d: %w", i+1, len(res.Effects), aerr)
		}
	}
	r.metrics.IncCounter("agent_turns", 1, "agent", r.agent.ID())
	r.log.Debug(ctx, "agent turn applied",
		"agent", r.agent.ID(), "turn", turn,
		"messages", len(batch), "effects", len(res.Effects),
		"waiting", res.Waiting.Kind.String())
	return res, nil
}

// apply executes one effect through the host, updating the agent's stack
// and variables as needed.
func (r *Runtime) apply(ctx context.Context, eff executor.Effect) error {
	id := r.agent.ID()
	switch e := eff.(type) {
	case executor.SayEffect:
		_, _, err := r.host.Route(ctx, id, e.Target, e.Content, e.Interrupt)
		return err
	case executor.StartStreamEffect:
		_, err := r.host.StartStream(ctx, id, e.Target, e.StreamID)
		return err
	case executor.StreamChunkEffect:
		return r.host.StreamChunk(ctx, id, e.StreamID, e.Chunk)
	case executor.CompleteStreamEffect:
		return r.host.CompleteStream(ctx, id, e.StreamID, e.Content)
	case executor.CreateMeetingEffect:
		_, err := r.host.CreateMeeting(ctx, id, e.Attendees, e.Topic)
		return err
	case executor.JoinMeetingEffect:
		return r.host.JoinMeeting(ctx, id, e.MeetingID)
	case executor.EndMeetingEffect:
		return r.host.EndMeeting(ctx, id, e.MeetingID, e.Reason)
	case executor.SetVariableEffect:
		stored := r.agent.Variables().Set(e.Name, e.Value)
		r.host.Publish(ctx, &bus.VariableUpdateEvent{
			Base:  bus.NewBase(bus.VariableUpdate, r.sessionID, id),
			Name:  e.Name,
			Value: stored,
		})
		return nil
	case executor.PushFrameEffect:
		frame := r.agent.Stack()
		f := callstack.NewFrame(e.Playbook)
		frame.Push(f)
		r.host.Publish(ctx, &bus.PlaybookStartEvent{
			Base: bus.NewBase(bus.PlaybookStart, r.sessionID, id),
			Name: e.Playbook,
		})
		r.host.Publish(ctx, &bus.CallStackPushEvent{
			Base:  bus.NewBase(bus.CallStackPush, r.sessionID, id),
			Frame: f.Ref(),
			Stack: frame.Refs(),
		})
		return nil
	case executor.PopFrameEffect:
		stack := r.agent.Stack()
		f := stack.Pop()
		if f == nil {
			return errors.New("pop on empty call stack")
		}
		r.agent.Variables().Set(callstack.LastResult, e.ReturnValue)
		r.host.Publish(ctx, &bus.PlaybookEndEvent{
			Base:        bus.NewBase(bus.PlaybookEnd, r.sessionID, id),
			Name:        f.PlaybookName,
			ReturnValue: e.ReturnValue,
			Depth:       stack.Depth(),
		})
		r.host.Publish(ctx, &bus.CallStackPopEvent{
			Base:  bus.NewBase(bus.CallStackPop, r.sessionID, id),
			Frame: f.Ref(),
			Stack: stack.Refs(),
		})
		return nil
	case executor.AdvanceEffect:
		stack := r.agent.Stack()
		stack.AdvanceInstructionPointer(e.Playbook, e.Line, e.SourceLine)
		r.host.Publish(ctx, &bus.InstructionPointerEvent{
			Base:    bus.NewBase(bus.InstructionPointer, r.sessionID, id),
			Pointer: bus.FrameRef{Playbook: e.Playbook, LineNumber: e.Line, SourceLineNumber: e.SourceLine},
			Stack:   stack.Refs(),
		})
		return nil
	case executor.CheckpointEffect:
		return r.host.SaveCheckpoint(ctx, id, e.Statement)
	default:
		return fmt.Errorf("unknown effect %T", eff)
	}
}

// stopped publishes the agent stop event.
func (r *Runtime) stopped(ctx context.Context, reason string) {
	r.host.Publish(ctx, &bus.AgentStoppedEvent{
		Base:   bus.NewBase(bus.AgentStopped, r.sessionID, r.agent.ID()),
		Reason: reason,
	})
}

// timeoutNotice builds the synthetic message injected when an awaited peer
// stays silent past the wait window.
func timeoutNotice(awaitedID string, window time.Duration) *message.Message {
	return &message.Message{
		ID:       uuid.NewString(),
		SenderID: "system",
		Content: fmt.Sprintf(
			"Agent %s hasn't replied in %d seconds. To continue waiting, call Yield(%s) again.",
			awaitedID, int(window.Seconds()), awaitedID),
		Type:      message.TypeSystem,
		Timestamp: time.Now().UTC(),
	}
}
