// Package meeting implements multi-party conversations on top of channels.
// A meeting owns a channel, tracks invited and joined attendees, and batches
// broadcast traffic through a rolling collector so that a burst of messages
// lands in each attendee's inbox as one coalesced group rather than a drip.
//
// Lifecycle: a meeting forms when its owner creates it, activates when a
// second attendee joins, and ends when the owner ends it, the idle timeout
// fires, or the program shuts down. Ending is terminal.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/channel"
	"playbooks.ai/playbooks/runtime/message"
	"playbooks.ai/playbooks/runtime/telemetry"
)

type (
	// State is the lifecycle state of a meeting.
	State int

	// Filter decides, per attendee and message, whether a coalesced meeting
	// message is delivered to that attendee. The program installs a filter
	// implementing human notification preferences; a nil filter delivers
	// everything.
	Filter func(p channel.Participant, msg *message.Message) bool

	// Meeting is a multi-party conversation. All methods are safe for
	// concurrent use.
	Meeting struct {
		mu        sync.Mutex
		id        string
		sessionID string
		ownerID   string
		state     State
		invited   map[string]struct{}
		joined    map[string]struct{}
		endReason string

		channel   *channel.Channel
		collector *collector
		filter    Filter
		idle      time.Duration
		idleTimer *time.Timer
		events    *bus.Bus
		log       telemetry.Logger

		// end stops the program-side bookkeeping for the meeting once it
		// transitions to Ended, set by the program at registration time.
		onEnd func(id string)
	}

	// Option configures a Meeting.
	Option func(*Meeting)
)

const (
	// Forming accepts joins but has fewer than two attendees.
	Forming State = iota
	// Active has at least two joined attendees and carries traffic.
	Active
	// Ended is terminal. All operations except State and Joined fail.
	Ended
)

var (
	// ErrMeetingEnded reports an operation on a meeting that already ended.
	ErrMeetingEnded = errors.New("meeting has ended")

	// ErrNotOwner reports an End request from an attendee that does not own
	// the meeting.
	ErrNotOwner = errors.New("only the meeting owner may end the meeting")

	// ErrNotInvited reports a Join from an agent that was never invited.
	ErrNotInvited = errors.New("agent is not invited to the meeting")
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Forming:
		return "forming"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// WithFilter installs the per-attendee delivery filter.
func WithFilter(f Filter) Option {
	return func(m *Meeting) { m.filter = f }
}

// WithIdleTimeout ends the meeting automatically after d without any
// broadcast. Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Meeting) { m.idle = d }
}

// WithCollectorWindows overrides the rolling and maximum batching windows.
func WithCollectorWindows(rolling, maxWait time.Duration) Option {
	return func(m *Meeting) {
		m.collector.rolling = rolling
		m.collector.maxWait = maxWait
	}
}

// WithLogger sets the meeting logger.
func WithLogger(log telemetry.Logger) Option {
	return func(m *Meeting) { m.log = log }
}

// WithOnEnd registers a callback invoked once when the meeting ends.
func WithOnEnd(fn func(id string)) Option {
	return func(m *Meeting) { m.onEnd = fn }
}

// NewID returns a fresh meeting identifier.
func NewID() string {
	return "meeting-" + uuid.NewString()[:8]
}

// New constructs a meeting owned by ownerID on the given channel. The owner
// is invited and joined immediately; the meeting starts in Forming.
func New(id, sessionID, ownerID string, ch *channel.Channel, events *bus.Bus, opts ...Option) *Meeting {
	m := &Meeting{
		id:        id,
		sessionID: sessionID,
		ownerID:   ownerID,
		invited:   map[string]struct{}{ownerID: {}},
		joined:    map[string]struct{}{ownerID: {}},
		channel:   ch,
		events:    events,
		log:       telemetry.NewNoopLogger(),
	}
	m.collector = newCollector(DefaultRollingWindow, DefaultMaxBatchWait, m.flushBatch)
	for _, opt := range opts {
		opt(m)
	}
	if m.idle > 0 {
		m.idleTimer = time.AfterFunc(m.idle, m.idleExpired)
	}
	return m
}

// ID returns the meeting identifier.
func (m *Meeting) ID() string { return m.id }

// OwnerID returns the owning agent's identifier.
func (m *Meeting) OwnerID() string { return m.ownerID }

// Channel returns the backing channel.
func (m *Meeting) Channel() *channel.Channel { return m.channel }

// State returns the current lifecycle state.
func (m *Meeting) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Joined returns the identifiers of all joined attendees.
func (m *Meeting) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.joined))
	for id := range m.joined {
		out = append(out, id)
	}
	return out
}

// IsJoined reports whether the agent has joined the meeting.
func (m *Meeting) IsJoined(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.joined[agentID]
	return ok
}

// Invite records the agents as invited. Invitation messages are routed by
// the program, not by the meeting itself.
func (m *Meeting) Invite(agentIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Ended {
		return fmt.Errorf("%w: %s", ErrMeetingEnded, m.id)
	}
	for _, id := range agentIDs {
		m.invited[id] = struct{}{}
	}
	return nil
}

// Join transitions an invited agent to joined and adds it to the channel.
// The first join beyond the owner activates the meeting. Joining twice is a
// no-op. Returns ErrNotInvited for uninvited agents and ErrMeetingEnded once
// the meeting ended.
func (m *Meeting) Join(ctx context.Context, p channel.Participant) error {
	id := p.ParticipantID()
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMeetingEnded, m.id)
	}
	if _, ok := m.invited[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInvited, id)
	}
	if _, ok := m.joined[id]; ok {
		m.mu.Unlock()
		return nil
	}
	m.joined[id] = struct{}{}
	if m.state == Forming && len(m.joined) >= 2 {
		m.state = Active
	}
	m.mu.Unlock()

	m.channel.AddParticipant(p)
	m.publish(ctx, &bus.AttendeeJoinedEvent{
		Base:      bus.NewBase(bus.AttendeeJoined, m.sessionID, id),
		MeetingID: m.id,
	})
	return nil
}

// Leave removes a joined attendee from the meeting and its channel. Leaving
// an ended meeting or a meeting never joined is a no-op.
func (m *Meeting) Leave(ctx context.Context, agentID string) {
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return
	}
	delete(m.joined, agentID)
	m.mu.Unlock()
	m.channel.RemoveParticipant(ctx, agentID)
}

// Broadcast submits a message to the meeting. The message is stamped with
// the meeting identity and handed to the rolling collector; it reaches
// attendee inboxes when the current batch flushes. Returns ErrMeetingEnded
// once the meeting ended.
func (m *Meeting) Broadcast(ctx context.Context, msg *message.Message) error {
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMeetingEnded, m.id)
	}
	if m.idleTimer != nil {
		m.idleTimer.Reset(m.idle)
	}
	m.mu.Unlock()

	// Messages are immutable once created; stamp a copy.
	stamped := *msg
	stamped.MeetingID = m.id
	if stamped.Type == "" || stamped.Type == message.TypeDirect {
		stamped.Type = message.TypeMeetingBroadcast
	}
	m.collector.add(ctx, &stamped)
	return nil
}

// End terminates the meeting. Only the owner may end it; other attendees
// get ErrNotOwner. Any buffered batch is flushed first, then a meeting-end
// message is broadcast directly to every attendee and the meeting becomes
// Ended. Ending twice returns ErrMeetingEnded.
func (m *Meeting) End(ctx context.Context, requesterID, reason string) error {
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMeetingEnded, m.id)
	}
	if requesterID != m.ownerID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOwner, requesterID)
	}
	m.mu.Unlock()
	return m.end(ctx, requesterID, reason)
}

// Shutdown ends the meeting regardless of ownership, used by the program on
// termination. Shutting down an ended meeting is a no-op.
func (m *Meeting) Shutdown(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	// Shutdown end failures mean an owner End raced ahead; the meeting
	// is ended either way.
	_ = m.end(ctx, m.ownerID, reason)
}

// end performs the actual termination. Callers must have verified the
// meeting is not already ended, though a race here resolves to
// ErrMeetingEnded for the loser.
func (m *Meeting) end(ctx context.Context, requesterID, reason string) error {
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMeetingEnded, m.id)
	}
	m.state = Ended
	m.endReason = reason
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	onEnd := m.onEnd
	m.mu.Unlock()

	// Buffered traffic precedes the end notice in every inbox.
	m.collector.stop(ctx)

	endMsg := &message.Message{
		ID:        uuid.NewString(),
		SenderID:  requesterID,
		Content:   fmt.Sprintf("Meeting %s ended: %s", m.id, reason),
		Type:      message.TypeMeetingEnd,
		MeetingID: m.id,
		Timestamp: time.Now().UTC(),
	}
	if err := m.channel.Broadcast(ctx, endMsg); err != nil {
		m.log.Warn(ctx, "meeting end broadcast failed", "meeting", m.id, "err", err.Error())
	}
	m.publish(ctx, &bus.MeetingEndedEvent{
		Base:      bus.NewBase(bus.MeetingEnded, m.sessionID, requesterID),
		MeetingID: m.id,
		Reason:    reason,
	})
	if onEnd != nil {
		onEnd(m.id)
	}
	return nil
}

// idleExpired ends the meeting when the idle window elapses with no traffic.
func (m *Meeting) idleExpired() {
	m.Shutdown(context.Background(), "idle timeout")
}

// flushBatch delivers a coalesced batch to every attendee through the
// channel, applying the notification filter per attendee and message.
func (m *Meeting) flushBatch(ctx context.Context, batch []*message.Message) {
	if err := m.channel.DeliverBatch(ctx, batch, m.filter); err != nil {
		m.log.Warn(ctx, "meeting batch delivery failed",
			"meeting", m.id, "batch_size", len(batch), "err", err.Error())
	}
}

// publish sends an event on the program bus when one is attached.
func (m *Meeting) publish(ctx context.Context, event bus.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, event); err != nil && !errors.Is(err, bus.ErrClosing) {
		m.log.Warn(ctx, "meeting event publish failed", "meeting", m.id, "err", err.Error())
	}
}
