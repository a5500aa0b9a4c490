// Package inbox implements the per-agent message queue. An inbox keeps two
// FIFO sequences, high priority and normal, and supports predicate-filtered
// blocking reads with timeouts, non-destructive peeks and selective removal.
//
// Blocking reads are cancellation safe: a waiter that is cancelled or times
// out never consumes a message, even when delivery races with cancellation.
// Messages reserved for a cancelled waiter are returned to the front of the
// queue in their original order. Waiters are woken in arrival order.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"playbooks.ai/playbooks/runtime/message"
)

type (
	// Predicate selects messages from the inbox. Predicates are evaluated
	// under the inbox lock and must be pure and cheap.
	Predicate func(*message.Message) bool

	// Inbox is an ordered, optionally bounded queue of messages owned by a
	// single agent. All methods are safe for concurrent use.
	Inbox struct {
		mu      sync.Mutex
		owner   string
		high    []*message.Message
		normal  []*message.Message
		waiters []*waiter
		closed  bool
		cap     int
	}

	// waiter represents one blocked GetBatch call. The ready channel is
	// closed exactly once, after msgs or err has been set under the inbox
	// lock.
	waiter struct {
		pred     Predicate
		min, max int
		ready    chan struct{}
		msgs     []*message.Message
		err      error
		notified bool
	}

	// Option configures an Inbox.
	Option func(*Inbox)
)

var (
	// ErrClosed is returned by Put on a closed inbox, and by Get/GetBatch
	// once a closed inbox has been drained.
	ErrClosed = errors.New("inbox closed")

	// ErrTimeout is returned by Get/GetBatch when the deadline elapses with
	// no matching message available.
	ErrTimeout = errors.New("inbox wait timed out")
)

// WithCap bounds the inbox to n messages. When full, the oldest message is
// dropped to admit the new one (normal priority first). Zero means unbounded.
func WithCap(n int) Option {
	return func(in *Inbox) { in.cap = n }
}

// New constructs an empty inbox owned by the given agent.
func New(owner string, opts ...Option) *Inbox {
	in := &Inbox{owner: owner}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Owner returns the owning agent's identifier.
func (in *Inbox) Owner() string { return in.owner }

// Len returns the number of queued messages across both priorities.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.high) + len(in.normal)
}

// Put enqueues a message. High-priority messages are consumed before all
// normal ones. Returns ErrClosed once the inbox is closed. When the inbox is
// at capacity the oldest normal message is dropped (oldest high-priority one
// when no normal messages remain).
func (in *Inbox) Put(msg *message.Message, prio message.Priority) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrClosed
	}
	if in.cap > 0 && len(in.high)+len(in.normal) >= in.cap {
		if len(in.normal) > 0 {
			in.normal = in.normal[1:]
		} else {
			in.high = in.high[1:]
		}
	}
	if prio == message.PriorityHigh {
		in.high = append(in.high, msg)
	} else {
		in.normal = append(in.normal, msg)
	}
	in.wake()
	return nil
}

// Get returns the first message satisfying pred, or the oldest message when
// pred is nil. When no match is available the call blocks up to timeout
// (forever when timeout <= 0) or until ctx is cancelled. Returns ErrTimeout
// on deadline and ErrClosed on a drained, closed inbox.
func (in *Inbox) Get(ctx context.Context, pred Predicate, timeout time.Duration) (*message.Message, error) {
	msgs, err := in.GetBatch(ctx, pred, 1, 1, timeout)
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// GetBatch waits until at least minCount matching messages are available or
// timeout elapses, then returns up to maxCount matching messages in FIFO
// order (high priority first). maxCount <= 0 means unlimited. A minCount of
// zero makes the call non-blocking: it returns immediately with whatever
// matches, possibly an empty slice. On timeout with at least one match the
// available messages are returned; with none, ErrTimeout.
func (in *Inbox) GetBatch(ctx context.Context, pred Predicate, maxCount, minCount int, timeout time.Duration) ([]*message.Message, error) {
	if pred == nil {
		pred = func(*message.Message) bool { return true }
	}
	if minCount < 0 {
		minCount = 0
	}

	in.mu.Lock()
	if n := in.countMatching(pred); n >= minCount && (n > 0 || minCount == 0) {
		msgs := in.extract(pred, maxCount)
		in.mu.Unlock()
		return msgs, nil
	}
	if minCount == 0 {
		in.mu.Unlock()
		return nil, nil
	}
	if in.closed {
		in.mu.Unlock()
		return nil, ErrClosed
	}
	w := &waiter{pred: pred, min: minCount, max: maxCount, ready: make(chan struct{})}
	in.waiters = append(in.waiters, w)
	in.mu.Unlock()

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return w.msgs, nil
	case <-ctx.Done():
		return nil, in.abandon(w, ctx.Err())
	case <-timerC:
		msgs, err := in.expire(w)
		if err != nil {
			return nil, err
		}
		return msgs, nil
	}
}

// Peek returns the first matching message without removing it. The second
// return value is false when no message matches.
func (in *Inbox) Peek(pred Predicate) (*message.Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, q := range [][]*message.Message{in.high, in.normal} {
		for _, m := range q {
			if pred == nil || pred(m) {
				return m, true
			}
		}
	}
	return nil, false
}

// Remove drops all matching messages and returns how many were removed.
func (in *Inbox) Remove(pred Predicate) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if pred == nil {
		return 0
	}
	before := len(in.high) + len(in.normal)
	in.high = reject(in.high, pred)
	in.normal = reject(in.normal, pred)
	return before - len(in.high) - len(in.normal)
}

// Clear drops every queued message and returns how many were removed.
func (in *Inbox) Clear() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := len(in.high) + len(in.normal)
	in.high = nil
	in.normal = nil
	return n
}

// Close rejects further Puts. Queued messages remain readable; waiters whose
// predicate matches nothing are released with ErrClosed. Close is idempotent.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	in.wake()
	for _, w := range in.waiters {
		if msgs := in.extract(w.pred, w.max); len(msgs) > 0 {
			w.msgs = msgs
		} else {
			w.err = ErrClosed
		}
		w.notified = true
		close(w.ready)
	}
	in.waiters = nil
}

// countMatching counts queued messages satisfying pred. Callers must hold mu.
func (in *Inbox) countMatching(pred Predicate) int {
	n := 0
	for _, q := range [][]*message.Message{in.high, in.normal} {
		for _, m := range q {
			if pred(m) {
				n++
			}
		}
	}
	return n
}

// extract removes and returns up to max matching messages, high priority
// first, preserving the relative order of the remainder. max <= 0 means
// unlimited. Callers must hold mu.
func (in *Inbox) extract(pred Predicate, max int) []*message.Message {
	var out []*message.Message
	take := func(q []*message.Message) []*message.Message {
		kept := q[:0:0]
		for _, m := range q {
			if (max <= 0 || len(out) < max) && pred(m) {
				out = append(out, m)
				continue
			}
			kept = append(kept, m)
		}
		return kept
	}
	in.high = take(in.high)
	in.normal = take(in.normal)
	return out
}

// wake serves blocked waiters in arrival order. Each waiter whose predicate
// matches at least min messages receives its batch; the scan repeats until
// no waiter can be served. Callers must hold mu.
func (in *Inbox) wake() {
	for {
		served := false
		for i, w := range in.waiters {
			if in.countMatching(w.pred) < w.min {
				continue
			}
			w.msgs = in.extract(w.pred, w.max)
			w.notified = true
			close(w.ready)
			in.waiters = append(in.waiters[:i:i], in.waiters[i+1:]...)
			served = true
			break
		}
		if !served {
			return
		}
	}
}

// abandon removes a cancelled waiter. When delivery raced ahead of the
// cancellation the reserved batch is returned to the front of the queue in
// its original order so the messages are not lost.
func (in *Inbox) abandon(w *waiter, cause error) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if w.notified {
		in.requeueFront(w.msgs)
		in.wake()
		return cause
	}
	in.removeWaiter(w)
	return cause
}

// expire handles a waiter timeout: any currently matching messages are
// returned (even fewer than min); with none available the result is
// ErrTimeout. A batch delivered before the timer won the race is accepted.
func (in *Inbox) expire(w *waiter) ([]*message.Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if w.notified {
		if w.err != nil {
			return nil, w.err
		}
		return w.msgs, nil
	}
	in.removeWaiter(w)
	if msgs := in.extract(w.pred, w.max); len(msgs) > 0 {
		return msgs, nil
	}
	return nil, ErrTimeout
}

// requeueFront prepends messages to their priority queues preserving their
// relative order. Callers must hold mu.
func (in *Inbox) requeueFront(msgs []*message.Message) {
	var high, normal []*message.Message
	for _, m := range msgs {
		if m.Priority == message.PriorityHigh {
			high = append(high, m)
		} else {
			normal = append(normal, m)
		}
	}
	in.high = append(high, in.high...)
	in.normal = append(normal, in.normal...)
}

// removeWaiter drops the waiter from the wait queue. Callers must hold mu.
func (in *Inbox) removeWaiter(w *waiter) {
	for i, cand := range in.waiters {
		if cand == w {
			in.waiters = append(in.waiters[:i:i], in.waiters[i+1:]...)
			return
		}
	}
}

// reject returns q without the messages satisfying pred.
func reject(q []*message.Message, pred Predicate) []*message.Message {
	kept := q[:0:0]
	for _, m := range q {
		if !pred(m) {
			kept = append(kept, m)
		}
	}
	return kept
}
