package bus

import (
	"context"
	"time"

	cb "github.com/sony/gobreaker"
	"github.com/rs/zerolog/log"
)

// BreakerBus wraps a Bus with a circuit breaker around Publish so a dead
// broker sheds load fast instead of stalling handlers on timeouts.
type BreakerBus struct {
	inner   Bus
	breaker *cb.CircuitBreaker
}

// NewBreakerBus wraps inner with publish circuit breaking.
func NewBreakerBus(inner Bus) *BreakerBus {
	st := cb.Settings{Name: "bus-publish"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Publish breaker state changed")
	}
	return &BreakerBus{inner: inner, breaker: cb.NewCircuitBreaker(st)}
}

func (b *BreakerBus) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.Publish(ctx, topic, payload)
	})
	return err
}

func (b *BreakerBus) Subscribe(topic string, handler Handler) error {
	return b.inner.Subscribe(topic, handler)
}

func (b *BreakerBus) Close() {
	b.inner.Close()
}
