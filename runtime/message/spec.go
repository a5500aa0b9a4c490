package message

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// TargetKind discriminates the receiver specification target variants.
	TargetKind int

	// Target is a single resolved token of a receiver specification. Agent
	// targets are ambiguous at parse time: the value may name an agent ID or
	// a klass, and the router disambiguates against the live agent set.
	Target struct {
		// Kind discriminates the target variant.
		Kind TargetKind
		// Value carries the agent ID/klass or meeting ID. Empty for human
		// targets.
		Value string
	}

	// Spec is a parsed receiver specification. The grammar is a comma
	// separated list of targets:
	//
	//	human               the default human
	//	agent <id|klass>    a specific agent, or the first idle agent of a klass
	//	meeting <id>        broadcast to a meeting
	//
	// A meeting target may be followed by agent targets which narrow the
	// broadcast to those attendees.
	Spec struct {
		// Targets lists the parsed targets in declaration order.
		Targets []Target
	}
)

const (
	// TargetHuman designates the default human agent.
	TargetHuman TargetKind = iota
	// TargetAgent designates an agent by ID or klass.
	TargetAgent
	// TargetMeeting designates a meeting broadcast.
	TargetMeeting
)

// ErrSpecParse reports a malformed receiver specification. Returned errors
// wrap this sentinel so callers can classify the failure with errors.Is.
var ErrSpecParse = errors.New("invalid receiver specification")

// ParseSpec parses a receiver specification string. Leading and trailing
// whitespace around the specification and around each target is ignored.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Spec{}, fmt.Errorf("%w: empty specification", ErrSpecParse)
	}
	var spec Spec
	for _, raw := range strings.Split(s, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			return Spec{}, fmt.Errorf("%w: empty target in %q", ErrSpecParse, s)
		}
		switch {
		case tok == "human":
			spec.Targets = append(spec.Targets, Target{Kind: TargetHuman})
		case strings.HasPrefix(tok, "agent "):
			ident := strings.TrimSpace(strings.TrimPrefix(tok, "agent "))
			if ident == "" {
				return Spec{}, fmt.Errorf("%w: missing agent identifier in %q", ErrSpecParse, tok)
			}
			spec.Targets = append(spec.Targets, Target{Kind: TargetAgent, Value: ident})
		case strings.HasPrefix(tok, "meeting "):
			ident := strings.TrimSpace(strings.TrimPrefix(tok, "meeting "))
			if ident == "" {
				return Spec{}, fmt.Errorf("%w: missing meeting identifier in %q", ErrSpecParse, tok)
			}
			spec.Targets = append(spec.Targets, Target{Kind: TargetMeeting, Value: ident})
		default:
			return Spec{}, fmt.Errorf("%w: unrecognized target %q", ErrSpecParse, tok)
		}
	}
	return spec, nil
}

// MeetingID returns the meeting identifier when the specification designates
// a meeting broadcast, along with any agent targets that narrow it. The
// second return value is false when the specification has no meeting target.
func (s Spec) MeetingID() (string, []string, bool) {
	var (
		meetingID string
		found     bool
		targets   []string
	)
	for _, t := range s.Targets {
		switch t.Kind {
		case TargetMeeting:
			if !found {
				meetingID = t.Value
				found = true
			}
		case TargetAgent:
			if found {
				targets = append(targets, t.Value)
			}
		}
	}
	return meetingID, targets, found
}
