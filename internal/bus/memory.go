package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus with MQTT-style topic matching. It delivers
// synchronously, which makes it deterministic for tests and local runs
// without a broker.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []subscription
}

type subscription struct {
	pattern string
	handler Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if Match(s.pattern, topic) {
			s.handler(ctx, Message{Topic: topic, Payload: payload})
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: topic, handler: handler})
	return nil
}

func (b *MemoryBus) Close() {}
