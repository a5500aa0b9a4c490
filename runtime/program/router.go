package program

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"playbooks.ai/playbooks/runtime/agent"
	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/channel"
	"playbooks.ai/playbooks/runtime/meeting"
	"playbooks.ai/playbooks/runtime/message"
)

type (
	// RouteResult describes one completed routing operation.
	RouteResult struct {
		// ChannelID is the carrying channel.
		ChannelID string
		// DeliveredTo lists the recipient agent identifiers.
		DeliveredTo []string
	}

	// StreamDecision is the result of OpenStream.
	StreamDecision struct {
		// ShouldStream is true when at least one recipient is a human with
		// streaming enabled.
		ShouldStream bool
		// StreamID identifies the opened stream.
		StreamID string
		// ChannelID is the carrying channel.
		ChannelID string
	}
)

// ErrUnknownMeeting reports a routing target naming a meeting that does not
// exist.
var ErrUnknownMeeting = errors.New("unknown meeting")

// RouteMessage parses the receiver spec, resolves its targets, creates or
// reuses the carrying channels, and enqueues the message into every
// recipient's inbox. Meeting targets go through the meeting's rolling
// collector. typ defaults to Direct; prio marks interrupts.
func (p *Program) RouteMessage(ctx context.Context, senderID, senderKlass, receiverSpec, content string, typ message.Type, prio message.Priority) (RouteResult, error) {
	spec, err := message.ParseSpec(receiverSpec)
	if err != nil {
		return RouteResult{}, err
	}
	if typ == "" {
		typ = message.TypeDirect
	}

	if meetingID, agentTargets, ok := spec.MeetingID(); ok {
		return p.routeMeeting(ctx, senderID, senderKlass, meetingID, agentTargets, content, prio)
	}

	var (
		channelID   string
		deliveredTo []string
	)
	for _, t := range spec.Targets {
		recipient, rerr := p.resolveTarget(ctx, t)
		if rerr != nil {
			return RouteResult{}, rerr
		}
		ch, cerr := p.GetOrCreateChannel(ctx, senderID, recipient.ID())
		if cerr != nil {
			return RouteResult{}, cerr
		}
		msg := &message.Message{
			ID:             uuid.NewString(),
			SenderID:       senderID,
			SenderKlass:    senderKlass,
			RecipientID:    recipient.ID(),
			RecipientKlass: recipient.Klass(),
			Content:        content,
			Type:           typ,
			Timestamp:      time.Now().UTC(),
			Priority:       prio,
		}
		if berr := ch.Broadcast(ctx, msg); berr != nil {
			return RouteResult{}, berr
		}
		channelID = ch.ID()
		deliveredTo = append(deliveredTo, recipient.ID())
	}
	return RouteResult{ChannelID: channelID, DeliveredTo: deliveredTo}, nil
}

// routeMeeting broadcasts into a meeting, optionally narrowing delivery to
// the given agent targets.
func (p *Program) routeMeeting(ctx context.Context, senderID, senderKlass, meetingID string, agentTargets []string, content string, prio message.Priority) (RouteResult, error) {
	p.mu.Lock()
	m, ok := p.meetings[meetingID]
	p.mu.Unlock()
	if !ok {
		return RouteResult{}, fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingID)
	}

	var targetIDs []string
	for _, t := range agentTargets {
		a, err := p.resolveTarget(ctx, message.Target{Kind: message.TargetAgent, Value: t})
		if err != nil {
			return RouteResult{}, err
		}
		targetIDs = append(targetIDs, a.ID())
	}

	msg := &message.Message{
		ID:             uuid.NewString(),
		SenderID:       senderID,
		SenderKlass:    senderKlass,
		Content:        content,
		Type:           message.TypeMeetingBroadcast,
		MeetingID:      meetingID,
		TargetAgentIDs: targetIDs,
		Timestamp:      time.Now().UTC(),
		Priority:       prio,
	}
	if err := m.Broadcast(ctx, msg); err != nil {
		return RouteResult{}, err
	}

	var deliveredTo []string
	for _, id := range m.Joined() {
		if id != senderID {
			deliveredTo = append(deliveredTo, id)
		}
	}
	return RouteResult{ChannelID: m.Channel().ID(), DeliveredTo: deliveredTo}, nil
}

// resolveTarget maps one routing target to an agent. A "human" target is
// the reserved human; an agent target is tried as an identifier first and
// as a klass second, creating an instance when the klass has no idle one.
func (p *Program) resolveTarget(ctx context.Context, t message.Target) (*agent.Agent, error) {
	switch t.Kind {
	case message.TargetHuman:
		if a, ok := p.Agent(message.HumanID); ok {
			return a, nil
		}
		p.mu.Lock()
		var human *agent.Agent
		for _, a := range p.agents {
			if a.IsHuman() {
				human = a
				break
			}
		}
		p.mu.Unlock()
		if human == nil {
			return nil, fmt.Errorf("%w: no human registered", ErrUnknownAgent)
		}
		return human, nil
	case message.TargetAgent:
		if a, ok := p.Agent(t.Value); ok {
			return a, nil
		}
		p.mu.Lock()
		_, klassKnown := p.byKlass[t.Value]
		p.mu.Unlock()
		if !klassKnown && looksLikeID(t.Value) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, t.Value)
		}
		return p.GetOrCreateAgent(ctx, t.Value)
	default:
		return nil, fmt.Errorf("%w: meeting target in direct position", message.ErrSpecParse)
	}
}

// GetOrCreateChannel returns the unique direct channel for the unordered
// pair, creating it on first use and publishing ChannelCreated. A channel is
// fully populated before it becomes visible in the channel map, so a
// concurrent route for the same pair never broadcasts into an empty
// participant list.
func (p *Program) GetOrCreateChannel(ctx context.Context, a, b string) (*channel.Channel, error) {
	id := channel.PairID(a, b)
	p.mu.Lock()
	if ch, ok := p.channels[id]; ok {
		p.mu.Unlock()
		return ch, nil
	}
	p.mu.Unlock()

	ch := channel.New(id, p.sessionID, p, p.events, channel.WithLogger(p.log))
	for _, aid := range []string{a, b} {
		part, err := p.participantFor(aid)
		if err != nil {
			return nil, err
		}
		ch.AddParticipant(part)
	}

	p.mu.Lock()
	if existing, ok := p.channels[id]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.channels[id] = ch
	p.mu.Unlock()

	p.Publish(ctx, &bus.ChannelCreatedEvent{
		Base:           bus.NewBase(bus.ChannelCreated, p.sessionID, a),
		ChannelID:      id,
		IsMeeting:      false,
		ParticipantIDs: []string{a, b},
	})
	return ch, nil
}

// CreateMeetingChannel creates the channel backing a meeting. As with direct
// channels, the participant list is complete before the channel is published
// into the map.
func (p *Program) CreateMeetingChannel(ctx context.Context, meetingID string, participantIDs []string) (*channel.Channel, error) {
	id := "meeting-ch-" + meetingID
	p.mu.Lock()
	if ch, ok := p.channels[id]; ok {
		p.mu.Unlock()
		return ch, nil
	}
	p.mu.Unlock()

	ch := channel.New(id, p.sessionID, p, p.events, channel.AsMeeting(), channel.WithLogger(p.log))
	for _, aid := range participantIDs {
		part, err := p.participantFor(aid)
		if err != nil {
			return nil, err
		}
		ch.AddParticipant(part)
	}

	p.mu.Lock()
	if existing, ok := p.channels[id]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.channels[id] = ch
	p.mu.Unlock()

	p.Publish(ctx, &bus.ChannelCreatedEvent{
		Base:           bus.NewBase(bus.ChannelCreated, p.sessionID, ""),
		ChannelID:      id,
		IsMeeting:      true,
		ParticipantIDs: participantIDs,
	})
	return ch, nil
}

// Channel returns the channel with the given identifier.
func (p *Program) Channel(id string) (*channel.Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[id]
	return ch, ok
}

// Meeting returns the meeting with the given identifier.
func (p *Program) Meeting(id string) (*meeting.Meeting, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.meetings[id]
	return m, ok
}

// Route implements agent.Host by routing a direct message.
func (p *Program) Route(ctx context.Context, senderID, target, content string, interrupt bool) (string, []string, error) {
	sender, _ := p.Agent(senderID)
	klass := ""
	if sender != nil {
		klass = sender.Klass()
	}
	prio := message.PriorityNormal
	if interrupt {
		prio = message.PriorityHigh
	}
	res, err := p.RouteMessage(ctx, senderID, klass, target, content, message.TypeDirect, prio)
	if err != nil {
		return "", nil, err
	}
	return res.ChannelID, res.DeliveredTo, nil
}

// CreateMeeting implements agent.Host: it creates the meeting and its
// channel, invites the attendees with MeetingInvite messages, and
// optionally broadcasts the kickoff topic.
func (p *Program) CreateMeeting(ctx context.Context, ownerID string, attendees []string, topic string) (string, error) {
	owner, ok := p.Agent(ownerID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, ownerID)
	}

	id := meeting.NewID()
	ch, err := p.CreateMeetingChannel(ctx, id, []string{ownerID})
	if err != nil {
		return "", err
	}
	m := meeting.New(id, p.sessionID, ownerID, ch, p.events,
		meeting.WithFilter(p.meetingFilter),
		meeting.WithCollectorWindows(p.cfg.RollingTimeout, p.cfg.MaxBatchWait),
		meeting.WithLogger(p.log),
	)
	p.mu.Lock()
	p.meetings[id] = m
	p.mu.Unlock()

	for _, spec := range attendees {
		invitee, rerr := p.resolveAttendee(ctx, spec)
		if rerr != nil {
			return "", rerr
		}
		if ierr := m.Invite(invitee.ID()); ierr != nil {
			return "", ierr
		}
		invite := &message.Message{
			ID:          uuid.NewString(),
			SenderID:    ownerID,
			SenderKlass: owner.Klass(),
			RecipientID: invitee.ID(),
			Content:     fmt.Sprintf("You are invited to meeting %s.", id),
			Type:        message.TypeMeetingInvite,
			MeetingID:   id,
			Timestamp:   time.Now().UTC(),
		}
		if derr := p.Deliver(ctx, invitee.ID(), invite, message.PriorityNormal); derr != nil {
			return "", derr
		}
	}

	if topic != "" {
		kickoff := &message.Message{
			ID:          uuid.NewString(),
			SenderID:    ownerID,
			SenderKlass: owner.Klass(),
			Content:     topic,
			Type:        message.TypeMeetingBroadcast,
			MeetingID:   id,
			Timestamp:   time.Now().UTC(),
		}
		if berr := m.Broadcast(ctx, kickoff); berr != nil {
			return "", berr
		}
	}
	return id, nil
}

// JoinMeeting implements agent.Host.
func (p *Program) JoinMeeting(ctx context.Context, agentID, meetingID string) error {
	m, ok := p.Meeting(meetingID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingID)
	}
	part, err := p.participantFor(agentID)
	if err != nil {
		return err
	}
	return m.Join(ctx, part)
}

// EndMeeting implements agent.Host.
func (p *Program) EndMeeting(ctx context.Context, agentID, meetingID, reason string) error {
	m, ok := p.Meeting(meetingID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingID)
	}
	return m.End(ctx, agentID, reason)
}

// OpenStream resolves the receiver spec, opens a stream on the carrying
// channel and reports whether streaming is worthwhile: true iff at least
// one recipient is a human with streaming enabled. An empty streamID is
// replaced with a generated one.
func (p *Program) OpenStream(ctx context.Context, senderID, receiverSpec, streamID string) (StreamDecision, error) {
	spec, err := message.ParseSpec(receiverSpec)
	if err != nil {
		return StreamDecision{}, err
	}
	if len(spec.Targets) != 1 {
		return StreamDecision{}, fmt.Errorf("%w: streams take exactly one target", message.ErrSpecParse)
	}
	recipient, err := p.resolveTarget(ctx, spec.Targets[0])
	if err != nil {
		return StreamDecision{}, err
	}
	ch, err := p.GetOrCreateChannel(ctx, senderID, recipient.ID())
	if err != nil {
		return StreamDecision{}, err
	}
	if streamID == "" {
		streamID = uuid.NewString()
	}
	if err := ch.StartStream(ctx, senderID, recipient.ID(), streamID); err != nil {
		return StreamDecision{}, err
	}
	should := recipient.IsHuman() && recipient.Preferences().StreamingEnabled
	return StreamDecision{ShouldStream: should, StreamID: streamID, ChannelID: ch.ID()}, nil
}

// StartStream implements agent.Host.
func (p *Program) StartStream(ctx context.Context, senderID, target, streamID string) (string, error) {
	d, err := p.OpenStream(ctx, senderID, target, streamID)
	if err != nil {
		return "", err
	}
	return d.StreamID, nil
}

// StreamChunk implements agent.Host.
func (p *Program) StreamChunk(ctx context.Context, _, streamID, chunk string) error {
	ch, ok := p.channelForStream(streamID)
	if !ok {
		return fmt.Errorf("%w: %s", channel.ErrUnknownStream, streamID)
	}
	return ch.StreamChunk(ctx, streamID, chunk)
}

// CompleteStream implements agent.Host.
func (p *Program) CompleteStream(ctx context.Context, senderID, streamID, content string) error {
	ch, ok := p.channelForStream(streamID)
	if !ok {
		return fmt.Errorf("%w: %s", channel.ErrUnknownStream, streamID)
	}
	sender, _ := p.Agent(senderID)
	klass := ""
	if sender != nil {
		klass = sender.Klass()
	}
	info, _ := ch.StreamInfo(streamID)
	final := &message.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		SenderKlass: klass,
		RecipientID: info.RecipientID,
		Content:     content,
		Type:        message.TypeDirect,
		Timestamp:   time.Now().UTC(),
	}
	return ch.CompleteStream(ctx, streamID, final)
}

// channelForStream finds the channel tracking the given stream.
func (p *Program) channelForStream(streamID string) (*channel.Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		if _, ok := ch.StreamInfo(streamID); ok {
			return ch, true
		}
	}
	return nil, false
}

// resolveAttendee resolves a meeting attendee given either a bare value or
// a full routing spec token.
func (p *Program) resolveAttendee(ctx context.Context, spec string) (*agent.Agent, error) {
	s, err := message.ParseSpec(spec)
	if err == nil && len(s.Targets) == 1 && s.Targets[0].Kind != message.TargetMeeting {
		return p.resolveTarget(ctx, s.Targets[0])
	}
	return p.resolveTarget(ctx, message.Target{Kind: message.TargetAgent, Value: strings.TrimSpace(spec)})
}

// participantFor wraps an agent as a channel participant.
func (p *Program) participantFor(agentID string) (channel.Participant, error) {
	a, ok := p.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if a.IsHuman() {
		prefs := a.Preferences()
		return channel.HumanParticipant{
			ID:               a.ID(),
			Klass:            a.Klass(),
			StreamingEnabled: prefs.StreamingEnabled,
			SuppressFinal:    prefs.MeetingNotifications == agent.NotifyNone && prefs.SuppressFinalOnNone,
		}, nil
	}
	return channel.AgentParticipant{ID: a.ID(), Klass: a.Klass()}, nil
}

// meetingFilter applies human notification preferences to coalesced
// meeting messages. AI agents receive everything; humans receive according
// to their MeetingNotifications mode. Targeted mode matches the target set
// or a mention of the human's id or klass in the content.
func (p *Program) meetingFilter(part channel.Participant, msg *message.Message) bool {
	a, ok := p.Agent(part.ParticipantID())
	if !ok || !a.IsHuman() {
		return true
	}
	switch a.Preferences().MeetingNotifications {
	case agent.NotifyNone:
		return false
	case agent.NotifyTargeted:
		if msg.Targets(a.ID()) && len(msg.TargetAgentIDs) > 0 {
			return true
		}
		return strings.Contains(msg.Content, a.ID()) || strings.Contains(msg.Content, a.Klass())
	default:
		return true
	}
}

// looksLikeID reports whether the value looks like a numeric agent
// identifier rather than a klass name.
func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
