package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	publishQoS     = 1
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTBus is the production Bus backed by an MQTT broker.
type MQTTBus struct {
	client mqtt.Client
}

// NewMQTT connects to the broker at url (mqtt://host:port or tcp://host:port)
// and resubscribes automatically after reconnects.
func NewMQTT(url, username, password, clientID string) (*MQTTBus, error) {
	broker := strings.Replace(url, "mqtt://", "tcp://", 1)
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOrderMatters(false)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", broker).Msg("Connected to MQTT broker")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, err)
	}

	return &MQTTBus{client: client}, nil
}

// Publish sends payload at QoS 1 and waits up to the context deadline.
func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	wait := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < wait {
			wait = d
		}
	}

	token := b.client.Publish(topic, publishQoS, false, payload)
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("failed to publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for the pattern at QoS 1.
func (b *MQTTBus) Subscribe(topic string, handler Handler) error {
	token := b.client.Subscribe(topic, publishQoS, func(_ mqtt.Client, m mqtt.Message) {
		handler(context.Background(), Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("failed to subscribe to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

// Close disconnects from the broker, allowing in-flight work to drain.
func (b *MQTTBus) Close() {
	b.client.Disconnect(250)
}
