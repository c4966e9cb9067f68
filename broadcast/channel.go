package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/wfunc/partysync/models"
)

var (
	ErrClosed          = errors.New("broadcast channel closed")
	ErrPayloadTooLarge = errors.New("broadcast payload too large")
)

// Event is one message on a topic. Delivery is at-least-once at best,
// unordered and not durable.
type Event struct {
	Topic   string          `json:"topic"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  string          `json:"sender,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

type Handler func(Event)

type Subscription interface {
	Unsubscribe()
}

// Channel is a per-topic publish/subscribe channel shared by every client in a room.
// A channel never delivers a client's own events back to it.
type Channel interface {
	Publish(ctx context.Context, topic, name string, payload interface{}) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

func RoomTopic(roomID string) string {
	return "room:" + roomID
}

func GameTopic(roomID string, gameType models.GameType) string {
	return "room:" + roomID + ":" + string(gameType)
}

func newEvent(topic, name, sender string, payload interface{}) (Event, error) {
	ev := Event{Topic: topic, Name: name, Sender: sender}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return ev, fmt.Errorf("encode %s payload: %w", name, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// registry fans events out to local handlers by topic.
type registry struct {
	self   string
	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]Handler
}

func newRegistry(self string) *registry {
	return &registry{self: self, topics: make(map[string]map[int]Handler)}
}

// add registers h and reports whether it is the topic's first handler.
func (r *registry) add(topic string, h Handler) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers, ok := r.topics[topic]
	if !ok {
		handlers = make(map[int]Handler)
		r.topics[topic] = handlers
	}
	r.nextID++
	handlers[r.nextID] = h
	return r.nextID, !ok
}

// remove drops a handler and reports whether the topic has none left.
func (r *registry) remove(topic string, id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers, ok := r.topics[topic]
	if !ok {
		return false
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(r.topics, topic)
		return true
	}
	return false
}

func (r *registry) dispatch(ev Event) {
	if ev.Sender != "" && ev.Sender == r.self {
		return
	}
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.topics[ev.Topic]))
	for _, h := range r.topics[ev.Topic] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (r *registry) topicNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.topics))
	for t := range r.topics {
		names = append(names, t)
	}
	return names
}

type subscription struct {
	once sync.Once
	fn   func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.fn)
}
