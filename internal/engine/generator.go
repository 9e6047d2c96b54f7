package engine

import (
	"context"
	"sync"

	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// LiveMessageGenerator is a single-consumer, multi-producer queue of user
// stream messages. The runtime consumes it for the life of one streaming
// call while the UI keeps pushing new turns into that same call.
//
// Queue-first policy: a pushed message lands in the queue before the
// waiting consumer is woken, so a slow or cancelled consumer never loses
// it. Messages are delivered in push order.
type LiveMessageGenerator struct {
	mu      sync.Mutex
	queue   []agentsdk.StreamMessage
	stopped bool

	// wake holds at most one pending wake-up; repeated pushes collapse.
	wake chan struct{}
}

// NewLiveMessageGenerator returns an empty, running generator.
func NewLiveMessageGenerator() *LiveMessageGenerator {
	return &LiveMessageGenerator{wake: make(chan struct{}, 1)}
}

// Push enqueues m and wakes the consumer. Pushes after Stop are dropped
// silently.
func (g *LiveMessageGenerator) Push(m agentsdk.StreamMessage) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.queue = append(g.queue, m)
	g.mu.Unlock()
	g.notify()
}

// Stop marks the generator stopped and wakes the consumer so it can exit.
// Queued messages are left in place; the owner drains them with ClearQueue.
func (g *LiveMessageGenerator) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.notify()
}

// Reset clears the stopped flag and any stale wake-up so a new consumer
// can take over. The queue is preserved: messages pushed between consumers
// are delivered to the next one.
func (g *LiveMessageGenerator) Reset() {
	g.mu.Lock()
	g.stopped = false
	g.mu.Unlock()

	select {
	case <-g.wake:
	default:
	}

	// Re-arm for anything queued before or during the drain.
	g.mu.Lock()
	pending := len(g.queue) > 0
	g.mu.Unlock()
	if pending {
		g.notify()
	}
}

// ClearQueue drops all queued messages and returns how many were dropped.
func (g *LiveMessageGenerator) ClearQueue() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.queue)
	g.queue = nil
	return n
}

// PendingCount returns the number of queued messages.
func (g *LiveMessageGenerator) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Generate returns the consumer-facing stream: queued messages in FIFO
// order, waiting whenever the queue is empty. The channel closes once Stop
// is observed with an empty queue, or when ctx is done. One consumer at a
// time; a message the consumer never took delivery of goes back to the
// queue so ClearQueue can account for it.
func (g *LiveMessageGenerator) Generate(ctx context.Context) <-chan agentsdk.StreamMessage {
	out := make(chan agentsdk.StreamMessage)
	go func() {
		defer close(out)
		for {
			g.mu.Lock()
			if len(g.queue) > 0 {
				m := g.queue[0]
				g.queue = g.queue[1:]
				g.mu.Unlock()
				select {
				case out <- m:
					continue
				case <-ctx.Done():
					g.putBack(m)
					return
				}
			}
			stopped := g.stopped
			g.mu.Unlock()
			if stopped {
				return
			}

			select {
			case <-g.wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (g *LiveMessageGenerator) putBack(m agentsdk.StreamMessage) {
	g.mu.Lock()
	g.queue = append([]agentsdk.StreamMessage{m}, g.queue...)
	g.mu.Unlock()
}

// notify wakes the consumer without blocking.
func (g *LiveMessageGenerator) notify() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}
