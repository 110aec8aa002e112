package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/eeg"
)

var errNotConnected = errors.New("mqtt not connected")

// MQTT publishes predictions as JSON to one topic and reconnects on its own
// after a lost connection.
type MQTT struct {
	client    mqtt.Client
	topic     string
	log       logrus.FieldLogger
	connected atomic.Bool
	published atomic.Uint64
	failed    atomic.Uint64
}

// DialMQTT connects to c.Broker (host:port or a full URL).
func DialMQTT(ctx context.Context, c cfg.MQTT, log logrus.FieldLogger) (*MQTT, error) {
	if c.Broker == "" {
		return nil, errors.New("mqtt.broker is not set")
	}
	m := &MQTT{topic: c.Topic, log: log.WithField("broker", c.Broker)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(c.Broker))
	opts.SetClientID(c.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.connected.Store(true)
		m.log.Info("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		m.log.WithError(err).Warn("mqtt connection lost, reconnecting")
	}
	m.client = mqtt.NewClient(opts)

	tok := m.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		m.client.Disconnect(0)
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		m.client.Disconnect(0)
		return nil, errors.New("mqtt connection timeout")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	m.connected.Store(true)
	return m, nil
}

func brokerURL(b string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://"} {
		if len(b) >= len(scheme) && b[:len(scheme)] == scheme {
			return b
		}
	}
	return "tcp://" + b
}

func (m *MQTT) Publish(ctx context.Context, p eeg.Prediction) error {
	if !m.connected.Load() {
		m.failed.Add(1)
		return errNotConnected
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tok := m.client.Publish(m.topic, 0, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		m.failed.Add(1)
		return ctx.Err()
	case <-time.After(2 * time.Second):
		m.failed.Add(1)
		return errors.New("mqtt publish timeout")
	}
	if err := tok.Error(); err != nil {
		m.failed.Add(1)
		return fmt.Errorf("mqtt publish: %w", err)
	}
	m.published.Add(1)
	return nil
}

// Counts reports published and failed messages.
func (m *MQTT) Counts() (published, failed uint64) {
	return m.published.Load(), m.failed.Load()
}

func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.connected.Store(false)
	m.log.WithField("published", m.published.Load()).Info("mqtt disconnected")
	return nil
}
