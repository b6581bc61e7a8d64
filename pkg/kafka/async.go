package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrBufferFull = errors.New("event buffer full")

// AsyncPublisher queues events and publishes them from one goroutine, so a
// slow or absent broker never blocks the caller. Events that do not fit in
// the buffer are dropped with ErrBufferFull.
type AsyncPublisher struct {
	next    Publisher
	events  chan Event
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncPublisher(next Publisher, bufferSize int, publishTimeout time.Duration) *AsyncPublisher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	a := &AsyncPublisher{
		next:    next,
		events:  make(chan Event, bufferSize),
		timeout: publishTimeout,
		logger:  slog.Default().With("component", "kafka-async"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncPublisher) run() {
	defer close(a.done)
	for event := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, event); err != nil {
			a.logger.Error("failed to publish event", "key", event.Key, "error", err)
		}
		cancel()
	}
}

// Publish enqueues event. ctx is not carried into the background publish.
func (a *AsyncPublisher) Publish(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("publisher closed")
	}
	select {
	case a.events <- event:
		return nil
	default:
		a.logger.Warn("event dropped, buffer full", "key", event.Key)
		return ErrBufferFull
	}
}

// Close stops accepting events and waits until the queued ones are sent.
func (a *AsyncPublisher) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
