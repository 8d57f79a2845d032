package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"
)

// MaxDatagram is the largest UDP payload carried over IPv4
const MaxDatagram = 65507

// ErrInvalidDatagram is returned for datagrams that do not carry a framed message
var ErrInvalidDatagram = errors.New("invalid datagram")

// UDPConfig configures both ends of the datagram transport. Publishers send to Address and
// listeners bind it.
type UDPConfig struct {
	Address    string
	BufferSize int // socket receive buffer in bytes
	QueueSize  int // datagrams buffered between the socket and subscribers
}

// EncodeDatagram frames a message as [topic length uint16 BE][topic][payload]
func EncodeDatagram(topic string, payload []byte) ([]byte, error) {
	if topic == "" || len(topic) > 0xFFFF {
		return nil, fmt.Errorf("%w: topic length %d", ErrInvalidDatagram, len(topic))
	}
	size := 2 + len(topic) + len(payload)
	if size > MaxDatagram {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidDatagram, size, MaxDatagram)
	}

	b := make([]byte, size)
	binary.BigEndian.PutUint16(b, uint16(len(topic)))
	copy(b[2:], topic)
	copy(b[2+len(topic):], payload)
	return b, nil
}

// DecodeDatagram splits a framed datagram. payload aliases b.
func DecodeDatagram(b []byte) (topic string, payload []byte, err error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidDatagram, len(b))
	}
	n := int(binary.BigEndian.Uint16(b))
	if n == 0 || 2+n > len(b) {
		return "", nil, fmt.Errorf("%w: topic length %d in %d bytes", ErrInvalidDatagram, n, len(b))
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

// UDPPublisher sends every message as one datagram. Delivery is unacknowledged.
type UDPPublisher struct {
	conn   *net.UDPConn
	logger *slog.Logger

	sent   uint64
	closed bool
	mu     sync.Mutex
}

// DialUDP creates a publisher sending to cfg.Address
func DialUDP(cfg UDPConfig, logger *slog.Logger) (*UDPPublisher, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP: %w", err)
	}

	logger.Info("UDP transport ready", slog.String("address", addr.String()))
	return &UDPPublisher{conn: conn, logger: logger}, nil
}

// Publish sends one datagram. The returned identifier is a per-publisher sequence number.
func (p *UDPPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := EncodeDatagram(topic, payload)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return "", fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := p.conn.Write(b); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return "", fmt.Errorf("udp write failed: %w", err)
	}

	p.sent++
	return strconv.FormatUint(p.sent, 10), nil
}

// Close releases the socket
func (p *UDPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// UDPListener receives datagrams and delivers them to subscriptions. A single dispatcher
// keeps delivery in arrival order.
type UDPListener struct {
	conn   *net.UDPConn
	config UDPConfig
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	packets  chan *incomingPacket
	recv     sync.WaitGroup
	dispatch sync.WaitGroup

	subs []*subscription

	packetsReceived  uint64
	packetsDelivered uint64
	decodeErrors     uint64
	packetsDropped   uint64
	closed           bool
	mu               sync.RWMutex
}

// incomingPacket is a received datagram with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// UDPStats represents listener statistics for monitoring
type UDPStats struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsDelivered uint64 `json:"packets_delivered"`
	DecodeErrors     uint64 `json:"decode_errors"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	QueueSize        int    `json:"queue_size"`
	QueueCapacity    int    `json:"queue_capacity"`
}

// ListenUDP binds cfg.Address and starts receiving
func ListenUDP(cfg UDPConfig, logger *slog.Logger) (*UDPListener, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = MaxDatagram
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if err := conn.SetReadBuffer(cfg.BufferSize); err != nil {
		logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", cfg.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &UDPListener{
		conn:    conn,
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		packets: make(chan *incomingPacket, cfg.QueueSize),
	}

	l.recv.Add(1)
	go l.receiveLoop()
	l.dispatch.Add(1)
	go l.dispatchLoop()

	logger.Info("UDP listener started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("queue_size", cfg.QueueSize),
	)
	return l, nil
}

// LocalAddr returns the bound address
func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *UDPListener) receiveLoop() {
	defer l.recv.Done()

	buffer := make([]byte, MaxDatagram)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		// wake up periodically to observe shutdown
		if err := l.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
			continue
		}

		l.mu.Lock()
		l.packetsReceived++
		l.mu.Unlock()

		packet := &incomingPacket{
			data:       slices.Clone(buffer[:n]),
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case l.packets <- packet:
		default:
			l.mu.Lock()
			l.packetsDropped++
			l.mu.Unlock()
			l.logger.Warn("Datagram queue full, dropping datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("size", n),
			)
		}
	}
}

func (l *UDPListener) dispatchLoop() {
	defer l.dispatch.Done()

	for packet := range l.packets {
		l.handlePacket(packet)
	}
}

func (l *UDPListener) handlePacket(packet *incomingPacket) {
	topic, payload, err := DecodeDatagram(packet.data)
	if err != nil {
		l.mu.Lock()
		l.decodeErrors++
		l.mu.Unlock()
		l.logger.Warn("Failed to decode datagram",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("size", len(packet.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	msg := Message{Topic: topic, Payload: payload, ReceivedAt: packet.timestamp}

	l.mu.RLock()
	var targets []*subscription
	for _, s := range l.subs {
		if MatchTopic(s.filter, topic) {
			targets = append(targets, s)
		}
	}
	l.mu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(l.ctx, msg); err != nil {
			return
		}
	}

	l.mu.Lock()
	l.packetsDelivered++
	l.mu.Unlock()
}

// Subscribe registers filter until ctx is done or the listener is closed
func (l *UDPListener) Subscribe(ctx context.Context, filter string) (<-chan Message, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	sub := newSubscription(filter)
	l.subs = append(l.subs, sub)
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			return
		}
		l.mu.Lock()
		l.subs = slices.DeleteFunc(l.subs, func(s *subscription) bool { return s == sub })
		l.mu.Unlock()
		sub.close()
	}()

	return sub.ch, nil
}

// GetStats returns listener statistics
func (l *UDPListener) GetStats() UDPStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return UDPStats{
		PacketsReceived:  l.packetsReceived,
		PacketsDelivered: l.packetsDelivered,
		DecodeErrors:     l.decodeErrors,
		PacketsDropped:   l.packetsDropped,
		QueueSize:        len(l.packets),
		QueueCapacity:    cap(l.packets),
	}
}

// Close stops receiving and closes every subscription
func (l *UDPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	err := l.conn.Close()

	l.recv.Wait()
	close(l.packets)
	l.dispatch.Wait()

	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	stats := UDPStats{PacketsReceived: l.packetsReceived, PacketsDelivered: l.packetsDelivered}
	l.mu.Unlock()

	for _, s := range subs {
		s.close()
	}

	l.logger.Info("UDP listener stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_delivered", stats.PacketsDelivered),
	)
	return err
}
