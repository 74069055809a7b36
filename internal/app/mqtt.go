package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends one JSON payload. The services depend on this instead of
// the paho client so their loops can be tested without a broker.
type Publisher interface {
	Publish(topic string, retained bool, v any) error
}

type mqttPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func (p *mqttPublisher) Publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timeout after %s", topic, p.timeout)
	}
	return token.Error()
}

func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqtt: connection lost", "client_id", clientID, "err", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			slog.Info("mqtt: connected", "broker", broker, "client_id", clientID)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return client, nil
}

// subscribeJSON decodes every message on topic into a T and hands it to fn.
// Malformed payloads are logged and dropped.
func subscribeJSON[T any](client mqtt.Client, topic string, fn func(topic string, v T)) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var v T
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			slog.Warn("mqtt: payload unmarshal error", "topic", msg.Topic(), "err", err)
			return
		}
		fn(msg.Topic(), v)
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	slog.Info("mqtt: subscribed", "topic", topic)
	return nil
}
