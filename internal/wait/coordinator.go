// Package wait implements the long-poll primitive: callers park on a
// per-thread condition until a message with seq > cursor lands, the timeout
// elapses, or the call is cancelled.
package wait

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbus/agentbus/internal/bus/models"
	"github.com/agentbus/agentbus/internal/common/logger"
)

// MessageSource is the store query a waiter re-runs on wake.
type MessageSource interface {
	ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int, includeSystemPrompt bool) ([]*models.Message, error)
}

// Coordinator maintains the per-thread waiter sets. Signals arrive from the
// event broker's listener path on every msg.new; a safety-net poll catches
// anything a signal ever missed.
type Coordinator struct {
	mu         sync.Mutex
	waiters    map[string]map[*waiter]struct{}
	source     MessageSource
	safetyPoll time.Duration
	shutdown   chan struct{}
	once       sync.Once
	logger     *logger.Logger
}

type waiter struct {
	ch chan struct{}
}

func (w *waiter) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// NewCoordinator creates a coordinator re-querying through source. safetyPoll
// is the fallback re-query interval and must be at least one second.
func NewCoordinator(source MessageSource, safetyPoll time.Duration, log *logger.Logger) *Coordinator {
	if safetyPoll < time.Second {
		safetyPoll = time.Second
	}
	return &Coordinator{
		waiters:    make(map[string]map[*waiter]struct{}),
		source:     source,
		safetyPoll: safetyPoll,
		shutdown:   make(chan struct{}),
		logger:     log,
	}
}

// HandleEvent is registered as a broker listener; msg.new events wake the
// waiters of the affected thread.
func (c *Coordinator) HandleEvent(event models.Event) {
	if event.Type != models.EventMessageNew {
		return
	}
	threadID, _ := event.Payload["thread_id"].(string)
	if threadID == "" {
		return
	}
	c.Signal(threadID)
}

// Signal wakes every waiter parked on the given thread.
func (c *Coordinator) Signal(threadID string) {
	c.mu.Lock()
	set := c.waiters[threadID]
	woken := make([]*waiter, 0, len(set))
	for w := range set {
		woken = append(woken, w)
	}
	c.mu.Unlock()

	for _, w := range woken {
		w.signal()
	}
}

// Wait blocks until the thread has messages with seq > afterSeq, up to
// timeout. Timeout and cancellation both return an empty slice, never an
// error; only store failures surface.
func (c *Coordinator) Wait(ctx context.Context, threadID string, afterSeq int64, limit int, timeout time.Duration) ([]*models.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	safety := time.NewTicker(c.safetyPoll)
	defer safety.Stop()

	for {
		// Register before querying so a write racing the query still signals us.
		w := &waiter{ch: make(chan struct{}, 1)}
		c.add(threadID, w)

		messages, err := c.source.ListMessages(ctx, threadID, afterSeq, limit, false)
		if err != nil {
			c.remove(threadID, w)
			return nil, err
		}
		if len(messages) > 0 {
			c.remove(threadID, w)
			return messages, nil
		}

		select {
		case <-w.ch:
			c.remove(threadID, w)
			// Re-query; the wake may be spurious or for a racing writer.
		case <-safety.C:
			c.remove(threadID, w)
		case <-deadline.C:
			c.remove(threadID, w)
			return nil, nil
		case <-ctx.Done():
			c.remove(threadID, w)
			return nil, nil
		case <-c.shutdown:
			c.remove(threadID, w)
			return nil, nil
		}
	}
}

// Shutdown wakes every parked waiter so the process can quiesce.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		close(c.shutdown)
		c.mu.Lock()
		pending := 0
		for _, set := range c.waiters {
			pending += len(set)
		}
		c.mu.Unlock()
		if pending > 0 {
			c.logger.Info("wait coordinator shutdown", zap.Int("pending_waiters", pending))
		}
	})
}

// Pending returns the number of currently parked waiters for a thread.
func (c *Coordinator) Pending(threadID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters[threadID])
}

func (c *Coordinator) add(threadID string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.waiters[threadID]
	if !ok {
		set = make(map[*waiter]struct{})
		c.waiters[threadID] = set
	}
	set[w] = struct{}{}
}

func (c *Coordinator) remove(threadID string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.waiters[threadID]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(c.waiters, threadID)
	}
}
