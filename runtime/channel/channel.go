// Package channel implements the bidirectional conduit between two or more
// participants. A channel carries discrete messages (Broadcast) and streaming
// fragments (StartStream/StreamChunk/CompleteStream), and notifies registered
// stream observers with per-recipient filtering.
//
// Channels store participant identifiers, not agent pointers; delivery into
// recipient inboxes goes through the Delivery interface, implemented by the
// program. This keeps the channel/participant/agent graph acyclic.
package channel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/message"
	"playbooks.ai/playbooks/runtime/telemetry"
)

type (
	// Participant describes one member of a channel. Two variants exist:
	// AgentParticipant for AI agents and HumanParticipant for humans with
	// delivery preferences that matter to streaming.
	Participant interface {
		// ParticipantID returns the agent identifier of the participant.
		ParticipantID() string
		// ParticipantKlass returns the participant's klass.
		ParticipantKlass() string
	}

	// AgentParticipant is an AI agent member of a channel.
	AgentParticipant struct {
		// ID is the agent identifier.
		ID string
		// Klass is the agent klass.
		Klass string
	}

	// HumanParticipant is a human member of a channel.
	HumanParticipant struct {
		// ID is the agent identifier.
		ID string
		// Klass is the agent klass.
		Klass string
		// StreamingEnabled reports whether in-progress output should be
		// streamed to this human rather than buffered.
		StreamingEnabled bool
		// SuppressFinal drops the final completed message of a stream for
		// this human, leaving them with no stream output at all.
		SuppressFinal bool
	}

	// Delivery enqueues a message into a recipient's inbox. Implemented by
	// the program, which resolves agent identifiers on demand.
	Delivery interface {
		Deliver(ctx context.Context, agentID string, msg *message.Message, prio message.Priority) error
	}

	// Channel is a conduit between two or more participants. All methods are
	// safe for concurrent use.
	Channel struct {
		mu           sync.Mutex
		id           string
		sessionID    string
		meeting      bool
		participants []Participant
		observers    []StreamObserver
		streams      map[string]*Stream
		createdAt    time.Time

		deliver Delivery
		events  *bus.Bus
		log     telemetry.Logger
	}

	// Option configures a Channel.
	Option func(*Channel)
)

var (
	// ErrUnknownStream reports an operation on a stream ID with no state.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrDuplicateStream reports a StartStream with an ID already used on
	// the channel.
	ErrDuplicateStream = errors.New("stream id already in use")

	// ErrBadStreamState reports a fragment or completion on a stream that
	// is not open.
	ErrBadStreamState = errors.New("stream is not open")
)

// AsMeeting marks the channel as a meeting channel regardless of its
// participant count.
func AsMeeting() Option {
	return func(c *Channel) { c.meeting = true }
}

// WithLogger sets the logger used for observer failures.
func WithLogger(log telemetry.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// New constructs a channel with the given identity. The bus may be nil, in
// which case no events are published (used by tests).
func New(id, sessionID string, deliver Delivery, events *bus.Bus, opts ...Option) *Channel {
	c := &Channel{
		id:        id,
		sessionID: sessionID,
		streams:   make(map[string]*Stream),
		createdAt: time.Now().UTC(),
		deliver:   deliver,
		events:    events,
		log:       telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PairID derives the deterministic channel identifier for a two-participant
// channel. The identifier depends only on the unordered pair, so
// PairID(a, b) == PairID(b, a).
func PairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(ids[0] + "|" + ids[1]))
	return hex.EncodeToString(sum[:16])
}

// ParticipantID implements Participant.
func (p AgentParticipant) ParticipantID() string { return p.ID }

// ParticipantKlass implements Participant.
func (p AgentParticipant) ParticipantKlass() string { return p.Klass }

// ParticipantID implements Participant.
func (p HumanParticipant) ParticipantID() string { return p.ID }

// ParticipantKlass implements Participant.
func (p HumanParticipant) ParticipantKlass() string { return p.Klass }

// ID returns the channel identifier.
func (c *Channel) ID() string { return c.id }

// CreatedAt returns the channel creation time.
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// IsMeeting reports whether the channel backs a meeting: either it was
// created as one or it has three or more participants.
func (c *Channel) IsMeeting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meeting || len(c.participants) >= 3
}

// IsDirect reports whether the channel is a plain two-participant conduit.
func (c *Channel) IsDirect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.meeting && len(c.participants) == 2
}

// Participants returns the participants in declaration order.
func (c *Channel) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// AddParticipant adds p to the channel. Adding a participant whose ID is
// already present replaces the previous entry.
func (c *Channel) AddParticipant(p Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.participants {
		if cur.ParticipantID() == p.ParticipantID() {
			c.participants[i] = p
			return
		}
	}
	c.participants = append(c.participants, p)
}

// RemoveParticipant removes the participant with the given ID. Every open
// stream initiated by or targeted at the participant is aborted with reason
// "participant_left".
func (c *Channel) RemoveParticipant(ctx context.Context, id string) {
	c.mu.Lock()
	for i, cur := range c.participants {
		if cur.ParticipantID() == id {
			c.participants = append(c.participants[:i:i], c.participants[i+1:]...)
			break
		}
	}
	var orphaned []*Stream
	for _, s := range c.streams {
		if s.State == StreamOpen && (s.SenderID == id || s.RecipientID == id) {
			orphaned = append(orphaned, s)
		}
	}
	c.mu.Unlock()
	for _, s := range orphaned {
		// Abort failures here mean the stream raced to completion; nothing to do.
		_ = c.AbortStream(ctx, s.ID, "participant_left")
	}
}

// Broadcast enqueues the message into every participant's inbox except the
// sender's. Meeting channels are not broadcast through directly; the meeting
// rolling collector batches messages and calls DeliverBatch.
func (c *Channel) Broadcast(ctx context.Context, msg *message.Message) error {
	c.mu.Lock()
	recipients := c.recipientsLocked(msg.SenderID)
	c.mu.Unlock()
	for _, id := range recipients {
		if err := c.deliver.Deliver(ctx, id, msg, msg.Priority); err != nil {
			return fmt.Errorf("deliver to %s: %w", id, err)
		}
	}
	return nil
}

// DeliverBatch enqueues each message of a coalesced batch, in order, into
// every participant's inbox. A message is never delivered to its own sender.
// When filter is non-nil it decides per participant and message whether the
// message lands, which is how meetings apply human notification preferences.
func (c *Channel) DeliverBatch(ctx context.Context, batch []*message.Message, filter func(Participant, *message.Message) bool) error {
	c.mu.Lock()
	parts := make([]Participant, len(c.participants))
	copy(parts, c.participants)
	c.mu.Unlock()
	for _, p := range parts {
		for _, msg := range batch {
			if p.ParticipantID() == msg.SenderID {
				continue
			}
			if filter != nil && !filter(p, msg) {
				continue
			}
			if err := c.deliver.Deliver(ctx, p.ParticipantID(), msg, msg.Priority); err != nil {
				return fmt.Errorf("deliver batch to %s: %w", p.ParticipantID(), err)
			}
		}
	}
	return nil
}

// recipientsLocked returns the IDs of all participants except the sender.
// Callers must hold mu.
func (c *Channel) recipientsLocked(senderID string) []string {
	var out []string
	for _, p := range c.participants {
		if p.ParticipantID() != senderID {
			out = append(out, p.ParticipantID())
		}
	}
	return out
}

// publish sends an event on the program bus when one is attached.
func (c *Channel) publish(ctx context.Context, event bus.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, event); err != nil && !errors.Is(err, bus.ErrClosing) {
		c.log.Warn(ctx, "channel event publish failed", "channel", c.id, "err", err.Error())
	}
}
