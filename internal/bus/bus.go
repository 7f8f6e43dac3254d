// Package bus abstracts the message broker the controller speaks over.
// JSON payloads, QoS 1, topic wildcards per the MQTT conventions.
package bus

import "context"

// Message is one delivered bus message.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes a delivered message. Handlers must be non-blocking for
// long stretches; any network I/O inside must be bounded.
type Handler func(ctx context.Context, msg Message)

// Bus is the broker-facing surface the engine depends on.
type Bus interface {
	// Publish sends payload to topic at QoS 1.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for every message matching the topic
	// pattern (MQTT + and # wildcards).
	Subscribe(topic string, handler Handler) error

	Close()
}
