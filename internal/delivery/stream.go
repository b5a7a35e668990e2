package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
)

const (
	StreamEventNotification = "notification"
	defaultStreamBuffer     = 16
)

// StreamEvent is published to every open stream of a user.
type StreamEvent struct {
	UserID    int64
	EventType string
	Payload   Payload
	Timestamp time.Time
}

// StreamBackend fans notifications out to in-process subscribers, typically server-sent event
// connections. Users without an open stream are rejected by CanDeliver.
type StreamBackend struct {
	name  string
	clock func() time.Time

	mu          sync.RWMutex
	subscribers map[int64]map[int64]*streamSubscriber
	nextID      int64
	bufferSize  int
}

type streamSubscriber struct {
	id     int64
	stream chan StreamEvent
}

func NewStreamBackend(name string) *StreamBackend {
	return &StreamBackend{
		name:        name,
		clock:       time.Now,
		subscribers: make(map[int64]map[int64]*streamSubscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

func (b *StreamBackend) Name() string {
	return b.name
}

func (b *StreamBackend) CanDeliver(_ context.Context, notification notify.Notification) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[notification.UserID]) > 0
}

func (b *StreamBackend) Deliver(_ context.Context, notification notify.Notification) error {
	b.Publish(StreamEvent{
		UserID:    notification.UserID,
		EventType: StreamEventNotification,
		Payload:   NewPayload(notification),
		Timestamp: b.clock().UTC(),
	})
	return nil
}

// Subscribe opens a stream for userID. The stream is released when ctx ends or the returned
// cleanup is called.
func (b *StreamBackend) Subscribe(ctx context.Context, userID int64) (<-chan StreamEvent, func()) {
	if userID <= 0 {
		ch := make(chan StreamEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &streamSubscriber{
		id:     b.nextSequence(),
		stream: make(chan StreamEvent, b.bufferSize),
	}
	b.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish drops the event for subscribers whose buffer is full.
func (b *StreamBackend) Publish(event StreamEvent) {
	if event.UserID <= 0 || event.EventType == "" {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers[event.UserID]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*streamSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (b *StreamBackend) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *StreamBackend) registerSubscriber(userID int64, subscriber *streamSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[userID]; !ok {
		b.subscribers[userID] = make(map[int64]*streamSubscriber)
	}
	b.subscribers[userID][subscriber.id] = subscriber
}

func (b *StreamBackend) unregisterSubscriber(userID, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
	b.mu.Unlock()
}
