// Package program implements the top-level container: it owns the event
// bus, the agent set, the channel set and the meetings, creates agents on
// demand, routes messages between them, and drives the run-till-exit
// lifecycle.
//
// The program is the single long-lived root. Channels store agent
// identifiers and resolve them through the program on demand, which keeps
// the channel/participant/agent graph acyclic.
package program

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"playbooks.ai/playbooks/runtime/agent"
	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/channel"
	"playbooks.ai/playbooks/runtime/checkpoint"
	"playbooks.ai/playbooks/runtime/config"
	"playbooks.ai/playbooks/runtime/executor"
	"playbooks.ai/playbooks/runtime/meeting"
	"playbooks.ai/playbooks/runtime/message"
	"playbooks.ai/playbooks/runtime/telemetry"
)

type (
	// Definition declares one agent klass to Initialize. A klass name
	// carrying the ":Human" marker declares a human participant.
	Definition struct {
		// Klass is the klass name, optionally with a ":Human" suffix.
		Klass string
		// Preferences apply to human klasses.
		Preferences agent.DeliveryPreferences
	}

	// Program is the top-level container. All methods are safe for
	// concurrent use.
	Program struct {
		mu        sync.Mutex
		sessionID string
		cfg       config.Config
		events    *bus.Bus
		exec      executor.Executor
		store     checkpoint.Store

		agents   map[string]*agent.Agent
		byKlass  map[string][]*agent.Agent
		channels map[string]*channel.Channel
		meetings map[string]*meeting.Meeting
		nextID   int
		counter  int
		rng      *rand.Rand

		runCtx  context.Context
		cancel  context.CancelFunc
		wg      sync.WaitGroup
		aiLive  int
		exited  chan struct{}
		exitOne sync.Once
		code    int
		reason  string

		log     telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Option configures a Program.
	Option func(*Program)
)

// Exit codes surfaced by RunTillExit.
const (
	// ExitOK is normal termination.
	ExitOK = 0
	// ExitError is an error or uncaught crash.
	ExitError = 1
	// ExitNoInput means a non-interactive run blocked on user input that
	// never arrived.
	ExitNoInput = 3
)

// firstAgentID seeds numeric agent identifiers.
const firstAgentID = 1000

// humanMarker suffixes klass names declaring human participants.
const humanMarker = ":Human"

// ErrUnknownAgent reports a routing target that resolves to no agent.
var ErrUnknownAgent = errors.New("unknown agent")

// WithConfig sets the runtime configuration.
func WithConfig(cfg config.Config) Option {
	return func(p *Program) { p.cfg = cfg }
}

// WithCheckpointStore sets the checkpoint store. Without one, checkpoint
// effects fail.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(p *Program) { p.store = s }
}

// WithLogger sets the program logger.
func WithLogger(log telemetry.Logger) Option {
	return func(p *Program) { p.log = log }
}

// WithMetrics sets the program metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Program) { p.metrics = m }
}

// WithTracer sets the program tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(p *Program) { p.tracer = t }
}

// New constructs a program bound to the given executor. Call Initialize
// before routing messages.
func New(sessionID string, exec executor.Executor, opts ...Option) *Program {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	p := &Program{
		sessionID: sessionID,
		cfg:       config.Default(),
		exec:      exec,
		agents:    make(map[string]*agent.Agent),
		byKlass:   make(map[string][]*agent.Agent),
		channels:  make(map[string]*channel.Channel),
		meetings:  make(map[string]*meeting.Meeting),
		nextID:    firstAgentID,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // load balancing, not crypto
		exited:    make(chan struct{}),
		log:       telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.events = bus.New(bus.WithLogger(p.log), bus.WithMetrics(p.metrics), bus.WithCloseGrace(p.cfg.CloseGrace))
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// SessionID returns the program run identifier.
func (p *Program) SessionID() string { return p.sessionID }

// Events returns the program event bus.
func (p *Program) Events() *bus.Bus { return p.events }

// Initialize instantiates the declared agents. Each human klass yields one
// human agent; when no human klass is declared a default "User:Human" is
// created. The first human gets the reserved "human" identifier. AI klasses
// are registered but instantiated lazily through GetOrCreateAgent.
func (p *Program) Initialize(ctx context.Context, defs []Definition) error {
	humanDeclared := false
	for _, def := range defs {
		klass, human := parseKlass(def.Klass)
		if klass == "" {
			return fmt.Errorf("empty klass in agent definitions")
		}
		if !human {
			// Lazy: the klass exists once something routes to it.
			p.mu.Lock()
			if _, ok := p.byKlass[klass]; !ok {
				p.byKlass[klass] = nil
			}
			p.mu.Unlock()
			continue
		}
		humanDeclared = true
		if _, err := p.createAgent(ctx, klass, agent.KindHuman, def.Preferences); err != nil {
			return err
		}
	}
	if !humanDeclared {
		if _, err := p.createAgent(ctx, "User", agent.KindHuman, agent.DeliveryPreferences{
			MeetingNotifications: agent.NotifyAll,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateAgent instantiates a new agent of the klass, assigns it a fresh
// identifier and starts its runtime loop. Humans do not run a loop; their
// inbox is read by the hosting process.
func (p *Program) CreateAgent(ctx context.Context, klass string) (*agent.Agent, error) {
	return p.createAgent(ctx, klass, agent.KindAI, agent.DeliveryPreferences{})
}

// GetOrCreateAgent returns a random idle instance of the klass, or creates
// a new one when every instance is busy. The scan and creation happen under
// the program lock, so concurrent callers never double-create for the same
// idle capacity.
func (p *Program) GetOrCreateAgent(ctx context.Context, klass string) (*agent.Agent, error) {
	p.mu.Lock()
	var idle []*agent.Agent
	for _, a := range p.byKlass[klass] {
		if !a.IsBusy() {
			idle = append(idle, a)
		}
	}
	if len(idle) > 0 {
		a := idle[p.rng.Intn(len(idle))]
		p.mu.Unlock()
		return a, nil
	}
	p.mu.Unlock()
	return p.createAgent(ctx, klass, agent.KindAI, agent.DeliveryPreferences{})
}

// Agent returns the agent with the given identifier.
func (p *Program) Agent(id string) (*agent.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	return a, ok
}

// Deliver implements channel.Delivery by enqueueing into the recipient's
// inbox.
func (p *Program) Deliver(_ context.Context, agentID string, msg *message.Message, prio message.Priority) error {
	p.mu.Lock()
	a, ok := p.agents[agentID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return a.Inbox().Put(msg, prio)
}

// Publish implements agent.Host.
func (p *Program) Publish(ctx context.Context, event bus.Event) {
	if err := p.events.Publish(ctx, event); err != nil && !errors.Is(err, bus.ErrClosing) {
		p.log.Warn(ctx, "program event publish failed", "event", string(event.Type()), "err", err.Error())
	}
}

// RequestExit implements agent.Host. The first request wins.
func (p *Program) RequestExit(reason string, code int) {
	p.exitOne.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.code = code
		p.mu.Unlock()
		close(p.exited)
	})
}

// RunTillExit blocks until an exit is requested or every AI runtime loop
// has returned, shuts the program down, and returns the exit code.
func (p *Program) RunTillExit(ctx context.Context) int {
	loops := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(loops)
	}()

	select {
	case <-p.exited:
	case <-loops:
		p.RequestExit("all agents stopped", ExitOK)
	case <-ctx.Done():
		p.RequestExit("context cancelled", ExitError)
	}

	p.mu.Lock()
	reason, code := p.reason, p.code
	p.mu.Unlock()
	p.shutdown(context.Background(), reason, code)
	return code
}

// Stop terminates the program with the given reason and exit code. Safe to
// call more than once; only the first call has effect.
func (p *Program) Stop(ctx context.Context, reason string, code int) {
	p.RequestExit(reason, code)
	p.shutdown(ctx, reason, code)
}

// shutdown ends meetings, cancels runtime loops, closes inboxes and the
// bus, and publishes the terminal event. Idempotent through the cancel and
// close guards of its parts.
func (p *Program) shutdown(ctx context.Context, reason string, code int) {
	p.mu.Lock()
	meetings := make([]*meeting.Meeting, 0, len(p.meetings))
	for _, m := range p.meetings {
		meetings = append(meetings, m)
	}
	agents := make([]*agent.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a)
	}
	p.mu.Unlock()

	for _, m := range meetings {
		m.Shutdown(ctx, "program shutdown")
	}

	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn(ctx, "agent loops did not stop within grace", "grace", p.cfg.ShutdownGrace.String())
	}

	for _, a := range agents {
		a.Inbox().Close()
	}

	p.Publish(ctx, &bus.ProgramTerminatedEvent{
		Base:     bus.NewBase(bus.ProgramTerminated, p.sessionID, ""),
		Reason:   reason,
		ExitCode: code,
	})
	if err := p.events.Close(ctx); err != nil && !errors.Is(err, bus.ErrClosing) {
		p.log.Warn(ctx, "event bus close failed", "err", err.Error())
	}
	p.log.Info(ctx, "program terminated", "session", p.sessionID, "reason", reason, "exit_code", code)
}

// createAgent registers and starts one agent under the program lock.
func (p *Program) createAgent(ctx context.Context, klass string, kind agent.Kind, prefs agent.DeliveryPreferences) (*agent.Agent, error) {
	p.mu.Lock()
	var id string
	if kind == agent.KindHuman {
		if _, taken := p.agents[message.HumanID]; !taken {
			id = message.HumanID
		}
	}
	if id == "" {
		id = strconv.Itoa(p.nextID)
		p.nextID++
	}
	opts := []agent.Option{agent.WithKind(kind), agent.WithPreferences(prefs)}
	if p.cfg.InboxCap > 0 {
		opts = append(opts, agent.WithInboxCap(p.cfg.InboxCap))
	}
	if p.cfg.ArtifactThreshold > 0 {
		opts = append(opts, agent.WithArtifactThreshold(p.cfg.ArtifactThreshold))
	}
	a := agent.New(id, klass, opts...)
	p.agents[id] = a
	p.byKlass[klass] = append(p.byKlass[klass], a)
	if kind == agent.KindAI {
		p.aiLive++
	}
	p.mu.Unlock()

	p.log.Info(ctx, "agent created", "agent", id, "klass", klass, "kind", kindName(kind))
	if kind == agent.KindAI {
		p.startLoop(a)
	}
	return a, nil
}

// startLoop runs the agent's turn loop on its own goroutine. A crash of
// the last live AI agent terminates the program with an error code.
func (p *Program) startLoop(a *agent.Agent) {
	rt := agent.NewRuntime(a, p.exec, p, p.sessionID,
		agent.WithWaitTimeout(p.cfg.AgentWaitTimeout),
		agent.WithRetryConfig(p.cfg.RetryPolicy()),
		agent.WithLogger(p.log),
		agent.WithMetrics(p.metrics),
		agent.WithTracer(p.tracer),
	)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := rt.Loop(p.runCtx)

		p.mu.Lock()
		p.aiLive--
		last := p.aiLive == 0
		p.mu.Unlock()

		crashed := err != nil &&
			!errors.Is(err, agent.ErrStopped) &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded)
		if crashed && last {
			p.RequestExit(fmt.Sprintf("last agent %s crashed: %v", a.ID(), err), ExitError)
		}
	}()
}

// parseKlass splits the optional ":Human" marker off a klass name.
func parseKlass(s string) (klass string, human bool) {
	if rest, ok := strings.CutSuffix(strings.TrimSpace(s), humanMarker); ok {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(s), false
}

func kindName(k agent.Kind) string {
	if k == agent.KindHuman {
		return "human"
	}
	return "ai"
}
