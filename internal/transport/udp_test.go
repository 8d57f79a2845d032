package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestDatagramFraming(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload []byte
		wantErr bool
	}{
		{"meta", "esp32/audio/dev/meta", []byte{0x00, 0xFA, 0x02, 0x00}, false},
		{"empty payload", "t", nil, false},
		{"empty topic", "", []byte{1}, true},
		{"too large", "t", make([]byte, MaxDatagram), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeDatagram(tt.topic, tt.payload)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDatagram) {
					t.Errorf("Expected ErrInvalidDatagram, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeDatagram failed: %v", err)
			}

			topic, payload, err := DecodeDatagram(b)
			if err != nil {
				t.Fatalf("DecodeDatagram failed: %v", err)
			}
			if topic != tt.topic || !bytes.Equal(payload, tt.payload) {
				t.Errorf("Got %q/%v, want %q/%v", topic, payload, tt.topic, tt.payload)
			}
		})
	}
}

func TestDecodeDatagramRejectsMalformed(t *testing.T) {
	for _, b := range [][]byte{nil, {0}, {0, 0, 'x'}, {0, 5, 'a', 'b'}} {
		if _, _, err := DecodeDatagram(b); !errors.Is(err, ErrInvalidDatagram) {
			t.Errorf("DecodeDatagram(%v): expected ErrInvalidDatagram, got %v", b, err)
		}
	}
}

func newTestListener(t *testing.T) *UDPListener {
	t.Helper()
	l, err := ListenUDP(UDPConfig{Address: "127.0.0.1:0", QueueSize: 128}, testLogger())
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestUDPRoundTripInOrder(t *testing.T) {
	l := newTestListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := l.Subscribe(ctx, "esp32/audio/#")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	p, err := DialUDP(UDPConfig{Address: l.LocalAddr().String()}, testLogger())
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer p.Close()

	if _, err := p.Publish(ctx, "other/topic", []byte("ignored")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for i := range 20 {
		id, err := p.Publish(ctx, "esp32/audio/dev", []byte{byte(i)})
		if err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
		if id != fmt.Sprint(i+2) {
			t.Errorf("Expected sequence id %d, got %s", i+2, id)
		}
	}

	for i := range 20 {
		msg := receive(t, ch)
		if msg.Topic != "esp32/audio/dev" || msg.Payload[0] != byte(i) {
			t.Fatalf("Message %d: got %s %v", i, msg.Topic, msg.Payload)
		}
	}

	stats := l.GetStats()
	if stats.PacketsReceived != 21 {
		t.Errorf("Expected 21 datagrams received, got %d", stats.PacketsReceived)
	}
}

func TestUDPListenerCountsDecodeErrors(t *testing.T) {
	l := newTestListener(t)

	conn, err := net.Dial("udp", l.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{0xFF}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.GetStats().DecodeErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Decode error never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUDPListenerClose(t *testing.T) {
	l, err := ListenUDP(UDPConfig{Address: "127.0.0.1:0"}, testLogger())
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}

	ch, err := l.Subscribe(context.Background(), "#")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Subscription not closed")
	}

	if _, err := l.Subscribe(context.Background(), "#"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestUDPPublisherClosed(t *testing.T) {
	p, err := DialUDP(UDPConfig{Address: "127.0.0.1:9"}, testLogger())
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	p.Close()

	if _, err := p.Publish(context.Background(), "t", []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
