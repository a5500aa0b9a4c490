// Package callstack tracks per-agent execution context: one frame per
// in-flight playbook invocation plus a top-level message list used when the
// stack is empty. Frames carry local variables, conversation messages, the
// instruction pointer and the set of artifacts loaded so far.
//
// The stack is owned by a single agent runtime and is not safe for
// concurrent use; cross-agent interaction happens through inboxes and the
// event bus, never through shared stacks.
package callstack

import (
	"playbooks.ai/playbooks/runtime/bus"
	"playbooks.ai/playbooks/runtime/message"
)

type (
	// Frame is the execution context of one in-flight playbook invocation.
	Frame struct {
		// PlaybookName names the playbook executing in this frame.
		PlaybookName string
		// InstructionPointer is the current position within the playbook.
		InstructionPointer bus.FrameRef
		// Locals holds the frame-local variables.
		Locals map[string]any
		// ConversationMessages lists the messages attached to this frame, in
		// arrival order. Together with the stack's top-level list they form
		// the compacted context supplied to the executor.
		ConversationMessages []*message.Message
		// artifactsLoaded records the artifact names loaded in this frame.
		artifactsLoaded map[string]struct{}
		// Depth is 1 for the bottom frame and grows with each push.
		Depth int
	}

	// Stack is an ordered list of frames plus a parallel top-level message
	// list used when the stack is empty. Messages on the top-level list are
	// program-level and always included in prompt assembly.
	Stack struct {
		frames   []*Frame
		topLevel []*message.Message
		// topArtifacts records artifacts loaded outside any frame.
		topArtifacts map[string]struct{}
	}
)

// NewFrame constructs an empty frame for the named playbook. Depth is
// assigned when the frame is pushed.
func NewFrame(playbook string) *Frame {
	return &Frame{
		PlaybookName:       playbook,
		InstructionPointer: bus.FrameRef{Playbook: playbook},
		Locals:             make(map[string]any),
		artifactsLoaded:    make(map[string]struct{}),
	}
}

// Ref returns the frame's lightweight reference for events and checkpoints.
func (f *Frame) Ref() bus.FrameRef {
	return f.InstructionPointer
}

// New constructs an empty call stack.
func New() *Stack {
	return &Stack{topArtifacts: make(map[string]struct{})}
}

// Depth returns the number of frames on the stack.
func (s *Stack) Depth() int { return len(s.frames) }

// Push appends the frame to the top of the stack and assigns its depth.
func (s *Stack) Push(f *Frame) {
	f.Depth = len(s.frames) + 1
	if f.artifactsLoaded == nil {
		f.artifactsLoaded = make(map[string]struct{})
	}
	s.frames = append(s.frames, f)
}

// Pop removes and returns the top frame, or nil when the stack is empty.
func (s *Stack) Pop() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

// Peek returns the top frame without removing it, or nil when empty.
func (s *Stack) Peek() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// AddMessage attaches the message to the top frame, or to the top-level list
// when the stack is empty.
func (s *Stack) AddMessage(m *message.Message) {
	if top := s.Peek(); top != nil {
		top.ConversationMessages = append(top.ConversationMessages, m)
		return
	}
	s.topLevel = append(s.topLevel, m)
}

// AddMessageToParent attaches the message to the second-from-top frame.
// With fewer than two frames it falls through to the top-level list. Built-in
// playbooks run in their own frame but must append their observation to the
// caller's context; this is how they do it.
func (s *Stack) AddMessageToParent(m *message.Message) {
	if len(s.frames) >= 2 {
		parent := s.frames[len(s.frames)-2]
		parent.ConversationMessages = append(parent.ConversationMessages, m)
		return
	}
	s.topLevel = append(s.topLevel, m)
}

// TopLevelMessages returns the program-level message list.
func (s *Stack) TopLevelMessages() []*message.Message {
	return s.topLevel
}

// IsArtifactLoaded reports whether any frame or the top level has loaded an
// artifact with the given name.
func (s *Stack) IsArtifactLoaded(name string) bool {
	if _, ok := s.topArtifacts[name]; ok {
		return true
	}
	for _, f := range s.frames {
		if _, ok := f.artifactsLoaded[name]; ok {
			return true
		}
	}
	return false
}

// MarkArtifactLoaded records an artifact load on the top frame (or the top
// level when the stack is empty). Loading is idempotent: an artifact already
// loaded anywhere on the stack adds no new record.
func (s *Stack) MarkArtifactLoaded(name string) {
	if s.IsArtifactLoaded(name) {
		return
	}
	if top := s.Peek(); top != nil {
		top.artifactsLoaded[name] = struct{}{}
		return
	}
	s.topArtifacts[name] = struct{}{}
}

// LoadedArtifacts returns the artifact names recorded on the given frame.
func (f *Frame) LoadedArtifacts() []string {
	names := make([]string, 0, len(f.artifactsLoaded))
	for name := range f.artifactsLoaded {
		names = append(names, name)
	}
	return names
}

// AdvanceInstructionPointer moves the top frame's instruction pointer.
// It is a no-op on an empty stack.
func (s *Stack) AdvanceInstructionPointer(playbook string, line, sourceLine int) {
	top := s.Peek()
	if top == nil {
		return
	}
	top.InstructionPointer = bus.FrameRef{
		Playbook:         playbook,
		LineNumber:       line,
		SourceLineNumber: sourceLine,
	}
}

// Refs returns the stack as frame references, bottom first. Depth equals
// position in the result plus one.
func (s *Stack) Refs() []bus.FrameRef {
	refs := make([]bus.FrameRef, len(s.frames))
	for i, f := range s.frames {
		refs[i] = f.Ref()
	}
	return refs
}

// Replace discards every existing frame and installs frames built from the
// given references, bottom first, re-deriving depths. Checkpoint recovery
// uses this to restore the stack exactly.
func (s *Stack) Replace(refs []bus.FrameRef) {
	s.frames = nil
	for _, ref := range refs {
		f := NewFrame(ref.Playbook)
		f.InstructionPointer = ref
		s.Push(f)
	}
}
