package broadcast

import (
	"context"
	"sync"
)

// MemoryHub connects in-process channels. Delivery is synchronous on the
// publisher's goroutine. A drop filter can discard deliveries to emulate a
// lossy network.
type MemoryHub struct {
	mu       sync.RWMutex
	channels map[*MemoryChannel]struct{}
	drop     func(ev Event, receiver string) bool
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{channels: make(map[*MemoryChannel]struct{})}
}

// Connect returns a channel for one client.
func (h *MemoryHub) Connect(clientID string) *MemoryChannel {
	c := &MemoryChannel{hub: h, reg: newRegistry(clientID)}
	h.mu.Lock()
	h.channels[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// SetDropFilter installs fn; deliveries for which it returns true are discarded.
func (h *MemoryHub) SetDropFilter(fn func(ev Event, receiver string) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

func (h *MemoryHub) deliver(ev Event) {
	h.mu.RLock()
	drop := h.drop
	targets := make([]*MemoryChannel, 0, len(h.channels))
	for c := range h.channels {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if drop != nil && drop(ev, c.reg.self) {
			continue
		}
		c.reg.dispatch(ev)
	}
}

type MemoryChannel struct {
	hub    *MemoryHub
	reg    *registry
	mu     sync.RWMutex
	closed bool
}

func (c *MemoryChannel) Publish(ctx context.Context, topic, name string, payload interface{}) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ev, err := newEvent(topic, name, c.reg.self, payload)
	if err != nil {
		return err
	}
	c.hub.deliver(ev)
	return nil
}

func (c *MemoryChannel) Subscribe(topic string, h Handler) (Subscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	id, _ := c.reg.add(topic, h)
	return &subscription{fn: func() { c.reg.remove(topic, id) }}, nil
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	delete(c.hub.channels, c)
	c.hub.mu.Unlock()
	return nil
}
