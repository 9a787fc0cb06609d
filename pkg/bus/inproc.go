package bus

import (
	"context"
	"strings"
	"sync"
)

// InprocBus is an in-memory bus for single-binary deployments and tests.
// Delivery is synchronous in Publish's goroutine.
type InprocBus struct {
	mu     sync.RWMutex
	subs   []subscription
	closed bool
}

type subscription struct {
	filter string
	h      Handler
}

// NewInprocBus creates an empty in-process bus.
func NewInprocBus() *InprocBus {
	return &InprocBus{}
}

// Publish delivers payload to every matching subscriber.
func (b *InprocBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if topicMatches(s.filter, topic) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(topic, payload)
	}
	return nil
}

// Subscribe registers h for topics matching filter.
func (b *InprocBus) Subscribe(_ context.Context, filter string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{filter: filter, h: h})
	return nil
}

// Close drops all subscriptions.
func (b *InprocBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.closed = true
	return nil
}

// topicMatches implements MQTT filter matching: '+' matches one level, a
// trailing '#' matches the rest.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
