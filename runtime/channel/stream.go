package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/message"
)

type (
	// StreamState is the lifecycle state of a stream.
	StreamState int

	// Stream tracks one in-progress streamed output on a channel. Stream IDs
	// are generated by the sender and must be unique within the channel.
	Stream struct {
		// ID identifies the stream within its channel.
		ID string
		// ChannelID identifies the carrying channel.
		ChannelID string
		// SenderID is the participant producing the stream.
		SenderID string
		// RecipientID is the targeted participant, empty for broadcast.
		RecipientID string
		// StartedAt records when the stream was opened.
		StartedAt time.Time
		// State is the current lifecycle state.
		State StreamState
		// TotalBytes accumulates the fragment sizes seen so far.
		TotalBytes int

		// seq is the next fragment index, starting at 0.
		seq int
	}

	// StreamEventKind discriminates stream event variants.
	StreamEventKind int

	// StreamEvent is delivered to stream observers. Within a single stream,
	// chunk events carry strictly increasing Seq values starting at 0; no
	// ordering holds across distinct streams.
	StreamEvent struct {
		// Kind discriminates the event variant.
		Kind StreamEventKind
		// StreamID identifies the stream within its channel.
		StreamID string
		// ChannelID identifies the carrying channel.
		ChannelID string
		// SenderID is the participant producing the stream.
		SenderID string
		// RecipientID is the targeted participant, empty for broadcast.
		RecipientID string
		// Seq is the fragment index for chunk events.
		Seq int
		// Chunk is the fragment content for chunk events.
		Chunk string
		// Final is the assembled message for completion events.
		Final *message.Message
		// Reason explains an abort.
		Reason string
	}

	// StreamObserver receives stream events on a channel. An observer with
	// an empty TargetHumanID sees every event; an observer targeting human H
	// sees an event iff the event's RecipientID is H or empty (broadcast).
	StreamObserver interface {
		// TargetHumanID returns the human the observer filters for, empty
		// for no filtering.
		TargetHumanID() string
		// ObserveStream handles one stream event. Errors are logged and
		// isolated; they never affect sibling observers or the sender.
		ObserveStream(ctx context.Context, event StreamEvent) error
	}

	// ObserverFunc adapts a function to StreamObserver with an optional
	// target human filter.
	ObserverFunc struct {
		// Target is the human the observer filters for, empty for all.
		Target string
		// Fn handles the event.
		Fn func(ctx context.Context, event StreamEvent) error
	}
)

const (
	// StreamOpen accepts fragments.
	StreamOpen StreamState = iota
	// StreamCompleted is terminal: the stream finished with a final message.
	StreamCompleted
	// StreamAborted is terminal: the stream was cut short.
	StreamAborted
)

const (
	// StreamEventStarted signals a new open stream.
	StreamEventStarted StreamEventKind = iota
	// StreamEventChunk carries one fragment.
	StreamEventChunk
	// StreamEventCompleted signals completion with the final message.
	StreamEventCompleted
	// StreamEventAborted signals an aborted stream.
	StreamEventAborted
)

// TargetHumanID implements StreamObserver.
func (o *ObserverFunc) TargetHumanID() string { return o.Target }

// ObserveStream implements StreamObserver.
func (o *ObserverFunc) ObserveStream(ctx context.Context, event StreamEvent) error {
	return o.Fn(ctx, event)
}

// AddStreamObserver registers the observer on the channel.
func (c *Channel) AddStreamObserver(obs StreamObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

// RemoveStreamObserver unregisters the observer. Removing an observer that
// was never added is a no-op.
func (c *Channel) RemoveStreamObserver(obs StreamObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.observers {
		if cur == obs {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

// StartStream opens a stream on the channel. The sender supplies the stream
// ID, which must be unique within the channel. Observers receive a started
// event and a StreamStartedEvent is published on the program bus.
func (c *Channel) StartStream(ctx context.Context, senderID, recipientID, streamID string) error {
	c.mu.Lock()
	if _, dup := c.streams[streamID]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateStream, streamID)
	}
	s := &Stream{
		ID:          streamID,
		ChannelID:   c.id,
		SenderID:    senderID,
		RecipientID: recipientID,
		StartedAt:   time.Now().UTC(),
		State:       StreamOpen,
	}
	c.streams[streamID] = s
	c.mu.Unlock()

	c.notifyObservers(ctx, StreamEvent{
		Kind:        StreamEventStarted,
		StreamID:    streamID,
		ChannelID:   c.id,
		SenderID:    senderID,
		RecipientID: recipientID,
	})
	c.publish(ctx, &bus.StreamStartedEvent{
		Base:        bus.NewBase(bus.StreamStarted, c.sessionID, senderID),
		StreamID:    streamID,
		ChannelID:   c.id,
		SenderID:    senderID,
		RecipientID: recipientID,
	})
	return nil
}

// StreamChunk appends a fragment to an open stream. Fragments are sequenced
// monotonically from 0 per stream. Returns ErrBadStreamState when the stream
// is not open and ErrUnknownStream when the ID has no state.
func (c *Channel) StreamChunk(ctx context.Context, streamID, chunk string) error {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	if s.State != StreamOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadStreamState, streamID)
	}
	seq := s.seq
	s.seq++
	s.TotalBytes += len(chunk)
	sender, recipient := s.SenderID, s.RecipientID
	c.mu.Unlock()

	c.notifyObservers(ctx, StreamEvent{
		Kind:        StreamEventChunk,
		StreamID:    streamID,
		ChannelID:   c.id,
		SenderID:    sender,
		RecipientID: recipient,
		Seq:         seq,
		Chunk:       chunk,
	})
	c.publish(ctx, &bus.StreamChunkEvent{
		Base:        bus.NewBase(bus.StreamChunk, c.sessionID, sender),
		StreamID:    streamID,
		Seq:         seq,
		Chunk:       chunk,
		RecipientID: recipient,
	})
	return nil
}

// CompleteStream transitions an open stream to completed. Observers receive
// a completion event carrying the final message, and the final message is
// also broadcast to every non-streaming recipient (buffered humans, other
// agents) so that no participant misses the content.
func (c *Channel) CompleteStream(ctx context.Context, streamID string, final *message.Message) error {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	if s.State != StreamOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadStreamState, streamID)
	}
	s.State = StreamCompleted
	sender, recipient := s.SenderID, s.RecipientID
	buffered := c.bufferedRecipientsLocked(sender, recipient)
	c.mu.Unlock()

	c.notifyObservers(ctx, StreamEvent{
		Kind:        StreamEventCompleted,
		StreamID:    streamID,
		ChannelID:   c.id,
		SenderID:    sender,
		RecipientID: recipient,
		Final:       final,
	})
	c.publish(ctx, &bus.StreamCompletedEvent{
		Base:         bus.NewBase(bus.StreamCompleted, c.sessionID, sender),
		StreamID:     streamID,
		FinalMessage: final.Content,
		RecipientID:  recipient,
	})
	for _, id := range buffered {
		if err := c.deliver.Deliver(ctx, id, final, final.Priority); err != nil {
			return fmt.Errorf("deliver final message to %s: %w", id, err)
		}
	}
	return nil
}

// AbortStream transitions an open stream to aborted with the given reason.
func (c *Channel) AbortStream(ctx context.Context, streamID, reason string) error {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	if s.State != StreamOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadStreamState, streamID)
	}
	s.State = StreamAborted
	sender, recipient := s.SenderID, s.RecipientID
	c.mu.Unlock()

	c.notifyObservers(ctx, StreamEvent{
		Kind:        StreamEventAborted,
		StreamID:    streamID,
		ChannelID:   c.id,
		SenderID:    sender,
		RecipientID: recipient,
		Reason:      reason,
	})
	return nil
}

// StreamInfo returns a copy of the stream state for the given ID.
func (c *Channel) StreamInfo(streamID string) (Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[streamID]
	if !ok {
		return Stream{}, false
	}
	return *s, true
}

// bufferedRecipientsLocked returns the participants that did not receive the
// stream incrementally and therefore need the final message delivered:
// every participant except the sender, minus streaming-enabled humans the
// stream was visible to and minus humans that suppress finals entirely.
// Callers must hold mu.
func (c *Channel) bufferedRecipientsLocked(senderID, recipientID string) []string {
	var out []string
	for _, p := range c.participants {
		id := p.ParticipantID()
		if id == senderID {
			continue
		}
		if h, ok := p.(HumanParticipant); ok {
			if h.SuppressFinal {
				continue
			}
			if h.StreamingEnabled && (recipientID == "" || recipientID == id) {
				continue
			}
		}
		out = append(out, id)
	}
	return out
}

// notifyObservers fans a stream event out to all observers that pass the
// target-human filter. Observer errors are logged and isolated.
func (c *Channel) notifyObservers(ctx context.Context, event StreamEvent) {
	c.mu.Lock()
	observers := make([]StreamObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, obs := range observers {
		if target := obs.TargetHumanID(); target != "" {
			if event.RecipientID != "" && event.RecipientID != target {
				continue
			}
		}
		wg.Add(1)
		go func(obs StreamObserver) {
			defer wg.Done()
			if err := obs.ObserveStream(ctx, event); err != nil {
				c.log.Warn(ctx, "stream observer failed",
					"channel", c.id, "stream", event.StreamID, "err", err.Error())
			}
		}(obs)
	}
	wg.Wait()
}
