package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

// Async queues events for a background worker. Publish never blocks and never
// fails; delivery errors and overflow are logged.
type Async struct {
	next  Publisher
	log   logrus.FieldLogger
	queue chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Publisher, log logrus.FieldLogger, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:  next,
		log:   log,
		queue: make(chan Event, buffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.log.WithField("event", event.Type).Warn("notification dropped after shutdown")
		return nil
	}
	select {
	case a.queue <- event:
	default:
		a.log.WithFields(logrus.Fields{
			"event":   event.Type,
			"user_id": event.UserID,
		}).Warn("notification queue full, event dropped")
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()
	for event := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.next.Publish(ctx, event); err != nil {
			a.log.WithFields(logrus.Fields{
				"event":   event.Type,
				"user_id": event.UserID,
			}).WithError(err).Error("failed to publish notification")
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
