package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/karryzhang/VocabLoop/internal/progress"
)

const (
	// EventProgressChanged announces that a principal's stored snapshot has a new version.
	EventProgressChanged = "progress-change"
	// EventHeartbeat keeps idle streams open through proxies.
	EventHeartbeat = "heartbeat"

	defaultBufferSize = 16
)

// Message is delivered to every stream subscribed for UserID.
type Message struct {
	UserID    string
	EventType string
	Action    string
	Version   int64
	Timestamp time.Time
}

// Dispatcher fans messages out to in-process subscribers keyed by user id.
// Slow subscribers drop messages instead of blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for userID that is removed when ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	if userID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{stream: make(chan Message, d.bufferSize)}
	d.register(userID, entry)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(userID, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// SubscriberCount returns the number of open streams for userID.
func (d *Dispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) Publish(message Message) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subscribers[message.UserID]))
	for _, entry := range d.subscribers[message.UserID] {
		targets = append(targets, entry)
	}
	d.mu.RUnlock()

	for _, entry := range targets {
		select {
		case entry.stream <- message:
		default:
		}
	}
}

// PublishChange adapts accepted progress writes into progress-change messages.
func (d *Dispatcher) PublishChange(_ context.Context, change progress.Change) {
	d.Publish(messageFromChange(change))
}

func messageFromChange(change progress.Change) Message {
	return Message{
		UserID:    change.Principal.String(),
		EventType: EventProgressChanged,
		Action:    change.Action.String(),
		Version:   change.Version,
		Timestamp: change.UpdatedAt.UTC(),
	}
}

func (d *Dispatcher) register(userID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	entry.id = d.nextID
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][entry.id] = entry
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
