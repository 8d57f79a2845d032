package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (f *fakeMessage) Duplicate() bool   { return false }
func (f *fakeMessage) Qos() byte         { return 1 }
func (f *fakeMessage) Retained() bool    { return false }
func (f *fakeMessage) Topic() string     { return f.topic }
func (f *fakeMessage) MessageID() uint16 { return 1 }
func (f *fakeMessage) Payload() []byte   { return f.payload }
func (f *fakeMessage) Ack()              {}

func TestMQTTClientOptions(t *testing.T) {
	m := &MQTT{
		config: MQTTConfig{
			Broker:         "tcp://broker.local:1883",
			ClientID:       "device-1",
			Username:       "user",
			Password:       "pass",
			QoS:            1,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		logger: testLogger(),
		subs:   make(map[*subscription]struct{}),
	}

	opts := m.clientOptions()

	if len(opts.Servers) != 1 || opts.Servers[0].Host != "broker.local:1883" {
		t.Errorf("Unexpected servers %v", opts.Servers)
	}
	if opts.ClientID != "device-1" {
		t.Errorf("Unexpected client id %q", opts.ClientID)
	}
	if opts.Username != "user" || opts.Password != "pass" {
		t.Errorf("Credentials not applied")
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Errorf("Expected auto reconnect with clean session")
	}
	if opts.KeepAlive != 30 {
		t.Errorf("Expected keep alive 30s, got %d", opts.KeepAlive)
	}
	if opts.ConnectTimeout != 5*time.Second {
		t.Errorf("Unexpected connect timeout %v", opts.ConnectTimeout)
	}
}

func TestNewMQTTValidation(t *testing.T) {
	if _, err := NewMQTT(context.Background(), MQTTConfig{}, testLogger()); err == nil {
		t.Errorf("Expected error for empty broker")
	}
	if _, err := NewMQTT(context.Background(), MQTTConfig{Broker: "tcp://x:1", QoS: 3}, testLogger()); err == nil {
		t.Errorf("Expected error for invalid qos")
	}
}

func TestNewMQTTUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := NewMQTT(ctx, MQTTConfig{
		Broker:         "tcp://127.0.0.1:1",
		ConnectTimeout: time.Second,
	}, testLogger())
	if err == nil {
		t.Fatalf("Expected connection error")
	}
}

func TestMQTTHandlerDropsWhenSubscriberIsFull(t *testing.T) {
	m := &MQTT{
		config: MQTTConfig{DeliveryTimeout: 20 * time.Millisecond},
		logger: testLogger(),
		subs:   make(map[*subscription]struct{}),
	}
	sub := newSubscription("esp32/audio/#")
	defer sub.close()
	handle := m.handler(sub)

	var client mqtt.Client
	for i := 0; i < subscriptionBuffer; i++ {
		handle(client, &fakeMessage{topic: fmt.Sprintf("esp32/audio/dev%d", i)})
	}
	if m.Dropped() != 0 {
		t.Fatalf("Expected no drops while the buffer has room, got %d", m.Dropped())
	}

	returned := make(chan struct{})
	go func() {
		handle(client, &fakeMessage{topic: "esp32/audio/late", payload: []byte{1, 2}})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler blocked on a full subscription")
	}
	if m.Dropped() != 1 {
		t.Errorf("Expected 1 dropped message, got %d", m.Dropped())
	}
	if first := <-sub.ch; first.Topic != "esp32/audio/dev0" {
		t.Errorf("Expected queued messages to keep their order, got %s", first.Topic)
	}
}
