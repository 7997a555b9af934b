// Package events is the change notification bus that decouples store
// mutations and pipeline completions from the consumers that refresh on them.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

type Topic string

const (
	TopicImageUploaded  Topic = "image_uploaded"
	TopicImageProcessed Topic = "image_processed"
	TopicImageDeleted   Topic = "image_deleted"
	TopicImagesCleared  Topic = "images_cleared"
	TopicProgress       Topic = "progress"
)

// Topics lists every topic the bus carries.
var Topics = []Topic{
	TopicImageUploaded,
	TopicImageProcessed,
	TopicImageDeleted,
	TopicImagesCleared,
	TopicProgress,
}

// Event is what subscribers receive. Payload is one of ImageEvent, Progress
// or nil.
type Event struct {
	Topic   Topic `json:"type"`
	Payload any   `json:"payload,omitempty"`
}

type ImageEvent struct {
	ID int64 `json:"id"`
}

type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

type Handler func(Event)

// Bus delivers events through one ordered mailbox per subscription, so
// Publish never waits on a slow handler and each subscriber observes the
// publishes of a topic in order. Nothing is persisted: late subscribers
// never see earlier events.
type Bus struct {
	mu     sync.Mutex
	subs   map[Topic]map[uint64]*subscription
	nextID atomic.Uint64
	closed bool
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Topic]map[uint64]*subscription),
		logger: logger,
	}
}

// Subscribe registers handler for topic and returns the function that
// removes it. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	sub := newSubscription(handler, b.logger.With("topic", string(topic)))
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		return func() {}
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscription)
	}
	b.subs[topic][id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			b.mu.Unlock()
			sub.stop()
		})
	}
}

// Publish queues the event for every current subscriber of topic.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		sub.enqueue(ev)
	}
}

// Close stops every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
		delete(b.subs, topic)
	}
}

type subscription struct {
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(handler Handler, logger *slog.Logger) *subscription {
	return &subscription{
		handler: handler,
		logger:  logger,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			if s.stopped() {
				return
			}
			s.deliver(ev)
		}
	}
}

func (s *subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "panic", r)
		}
	}()
	s.handler(ev)
}
