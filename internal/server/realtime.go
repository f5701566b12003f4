package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/leakline/internal/agent"
)

const (
	eventHeartbeat       = "heartbeat"
	eventSourceAgent     = "leakline-agent"
	subscriberBufferSize = 16
)

// StatusDispatcher fans agent events out to every connected stream.
type StatusDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan agent.Event
	nextID      int64
	bufferSize  int
}

func NewStatusDispatcher() *StatusDispatcher {
	return &StatusDispatcher{
		subscribers: make(map[int64]chan agent.Event),
		bufferSize:  subscriberBufferSize,
	}
}

// Subscribe registers a stream until ctx is done or cleanup is called.
func (d *StatusDispatcher) Subscribe(ctx context.Context) (<-chan agent.Event, func()) {
	stream := make(chan agent.Event, d.bufferSize)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers event to every subscriber with room in its buffer.
// Slow subscribers miss the event rather than block the agent.
func (d *StatusDispatcher) Publish(event agent.Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers {
		select {
		case stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many streams are connected.
func (d *StatusDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
