package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig contains MQTT client configuration
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// DeliveryTimeout bounds the wait for room in a full subscription buffer; the message is
	// dropped after it so the client's inbound router never stalls.
	DeliveryTimeout time.Duration
}

const defaultDeliveryTimeout = time.Second

// MQTT is a Transport and Subscriber backed by an MQTT broker connection.
// Subscriptions are restored after every reconnect.
type MQTT struct {
	client mqtt.Client
	config MQTTConfig
	logger *slog.Logger

	subs    map[*subscription]struct{}
	closed  bool
	dropped uint64
	mu      sync.Mutex
}

// NewMQTT connects to the broker and returns once the connection is established
func NewMQTT(ctx context.Context, config MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("broker cannot be empty")
	}
	if config.QoS > 2 {
		return nil, fmt.Errorf("qos must be 0, 1 or 2, got %d", config.QoS)
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaultDeliveryTimeout
	}
	if config.ClientID == "" {
		config.ClientID = "wakestream-" + uuid.NewString()[:8]
	}

	m := &MQTT{
		config: config,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
	m.client = mqtt.NewClient(m.clientOptions())

	if err := m.wait(ctx, m.client.Connect(), config.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", config.Broker, err)
	}

	return m, nil
}

func (m *MQTT) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(m.config.Broker).
		SetClientID(m.config.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(m.config.ConnectTimeout).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)

	if m.config.KeepAlive > 0 {
		opts.SetKeepAlive(m.config.KeepAlive)
	}
	if m.config.Username != "" {
		opts.SetUsername(m.config.Username)
		opts.SetPassword(m.config.Password)
	}

	return opts
}

func (m *MQTT) onConnect(client mqtt.Client) {
	m.logger.Info("Connected to MQTT broker", slog.String("broker", m.config.Broker))

	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	// Clean sessions lose subscriptions on reconnect
	for _, s := range subs {
		token := client.Subscribe(s.filter, m.config.QoS, m.handler(s))
		go func(filter string) {
			if token.WaitTimeout(m.config.ConnectTimeout) && token.Error() != nil {
				m.logger.Error("Failed to restore subscription",
					slog.String("filter", filter), slog.String("error", token.Error().Error()))
			}
		}(s.filter)
	}
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.logger.Warn("MQTT connection lost", slog.String("broker", m.config.Broker), slog.String("error", err.Error()))
}

// wait blocks until token completes, ctx is done or timeout elapses
func (m *MQTT) wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

// Publish publishes payload with the configured QoS and waits for the broker acknowledgement
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if !m.client.IsConnectionOpen() {
		return "", ErrNotConnected
	}

	token := m.client.Publish(topic, m.config.QoS, false, payload)
	if err := m.wait(ctx, token, m.config.PublishTimeout); err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	id := ""
	if pt, ok := token.(*mqtt.PublishToken); ok {
		id = strconv.Itoa(int(pt.MessageID()))
	}

	m.logger.Debug("Published message",
		slog.String("topic", topic),
		slog.Int("bytes", len(payload)),
		slog.String("msg_id", id))

	return id, nil
}

func (m *MQTT) handler(s *subscription) mqtt.MessageHandler {
	timeout := m.config.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}

	return func(_ mqtt.Client, msg mqtt.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := s.deliver(ctx, Message{
			Topic:      msg.Topic(),
			Payload:    msg.Payload(),
			ReceivedAt: time.Now(),
		})
		if err == nil {
			return
		}

		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("Subscriber too slow, message dropped",
			slog.String("topic", msg.Topic()),
			slog.Int("bytes", len(msg.Payload())),
		)
	}
}

// Dropped returns the number of inbound messages discarded because a subscriber fell behind
func (m *MQTT) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Subscribe subscribes to filter until ctx is done
func (m *MQTT) Subscribe(ctx context.Context, filter string) (<-chan Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub := newSubscription(filter)
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	if err := m.wait(ctx, m.client.Subscribe(filter, m.config.QoS, m.handler(sub)), m.config.ConnectTimeout); err != nil {
		m.forget(sub)
		sub.close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}

	m.logger.Info("Subscribed", slog.String("filter", filter))

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			return
		}
		m.forget(sub)
		if m.client.IsConnectionOpen() {
			m.client.Unsubscribe(filter).WaitTimeout(m.config.ConnectTimeout)
		}
		sub.close()
	}()

	return sub.ch, nil
}

func (m *MQTT) forget(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub)
}

// Close disconnects from the broker and ends every subscription
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[*subscription]struct{})
	m.mu.Unlock()

	for s := range subs {
		s.close()
	}
	m.client.Disconnect(250)

	m.logger.Info("MQTT client disconnected", slog.String("broker", m.config.Broker))
	return nil
}
