package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/roastops/roastd/pkg/config"
)

const (
	connectTimeout = 10 * time.Second
	publishQoS     = 1
)

// MQTTBus is the production bus over an MQTT broker.
type MQTTBus struct {
	client mqtt.Client
	logger *slog.Logger
}

// NewMQTTBus connects to the broker in cfg.MQTTURL. The connection
// auto-reconnects; subscriptions are re-established by paho on reconnect.
func NewMQTTBus(cfg *config.BusConfig, logger *slog.Logger) (*MQTTBus, error) {
	log := logger.With("component", "mqtt-bus")
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", "broker", cfg.MQTTURL)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.MQTTURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connecting to %s: %w", cfg.MQTTURL, err)
	}
	return &MQTTBus{client: client, logger: log}, nil
}

// Publish sends payload to topic at QoS 1.
func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, publishQoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: publishing to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers h for every message matching filter.
func (b *MQTTBus) Subscribe(_ context.Context, filter string, h Handler) error {
	token := b.client.Subscribe(filter, publishQoS, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: subscribe to %s timed out", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribing to %s: %w", filter, err)
	}
	b.logger.Info("subscribed", "filter", filter)
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (b *MQTTBus) Close() error {
	b.client.Disconnect(uint(connectTimeout / time.Millisecond))
	return nil
}
