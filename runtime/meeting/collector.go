package meeting

import (
	"context"
	"sync"
	"time"

	"playbooks.ai/playbooks/runtime/message"
)

const (
	// DefaultRollingWindow is how long the collector waits after the most
	// recent message before flushing. Every new message resets it.
	DefaultRollingWindow = time.Second

	// DefaultMaxBatchWait caps how long the first message of a batch can sit
	// buffered, however steady the traffic. It is never reset.
	DefaultMaxBatchWait = 5 * time.Second
)

// collector coalesces meeting messages into batches. A batch flushes when
// the rolling window elapses with no new message, or when the max wait
// measured from the batch's first message elapses, whichever comes first.
type collector struct {
	mu      sync.Mutex
	rolling time.Duration
	maxWait time.Duration
	buf     []*message.Message
	gen     int
	stopped bool

	rollingTimer *time.Timer
	maxTimer     *time.Timer

	flush func(ctx context.Context, batch []*message.Message)
}

// newCollector constructs a collector flushing through fn.
func newCollector(rolling, maxWait time.Duration, fn func(context.Context, []*message.Message)) *collector {
	return &collector{rolling: rolling, maxWait: maxWait, flush: fn}
}

// add buffers one message and (re)arms the timers. On a stopped collector
// the message is flushed through immediately, alone.
func (c *collector) add(ctx context.Context, msg *message.Message) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.flush(ctx, []*message.Message{msg})
		return
	}
	c.buf = append(c.buf, msg)
	gen := c.gen
	if c.rollingTimer != nil {
		c.rollingTimer.Stop()
	}
	c.rollingTimer = time.AfterFunc(c.rolling, func() { c.fire(ctx, gen) })
	if len(c.buf) == 1 {
		c.maxTimer = time.AfterFunc(c.maxWait, func() { c.fire(ctx, gen) })
	}
	c.mu.Unlock()
}

// fire flushes the current batch if it is still the one the timer was armed
// for. Stale timers from an already flushed batch are ignored.
func (c *collector) fire(ctx context.Context, gen int) {
	c.mu.Lock()
	if gen != c.gen || len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.takeLocked()
	c.mu.Unlock()
	c.flush(ctx, batch)
}

// stop flushes any buffered batch and puts the collector in pass-through
// mode. Idempotent.
func (c *collector) stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	batch := c.takeLocked()
	c.mu.Unlock()
	if len(batch) > 0 {
		c.flush(ctx, batch)
	}
}

// takeLocked detaches the buffered batch, advances the generation and stops
// both timers. Callers must hold mu.
func (c *collector) takeLocked() []*message.Message {
	batch := c.buf
	c.buf = nil
	c.gen++
	if c.rollingTimer != nil {
		c.rollingTimer.Stop()
		c.rollingTimer = nil
	}
	if c.maxTimer != nil {
		c.maxTimer.Stop()
		c.maxTimer = nil
	}
	return batch
}
