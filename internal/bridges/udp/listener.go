package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the receive buffer used when none is configured.
const DefaultBufferSize = 1024

// Datagram is one received UDP payload.
type Datagram struct {
	// Payload is owned by the caller.
	Payload []byte

	// From is the sender address.
	From net.Addr

	// ReceivedAt is when the datagram was read from the socket.
	ReceivedAt time.Time
}

// ListenerConfig holds the socket settings.
type ListenerConfig struct {
	Host string
	Port int // 0 binds an ephemeral port

	// BufferSize bounds the payload; longer datagrams are truncated by the OS.
	BufferSize int
}

// ListenerStats contains socket counters.
type ListenerStats struct {
	DatagramsReceived uint64
	BytesReceived     uint64
	ReceiveErrors     uint64
	Open              bool
	Address           string
}

// Listener reads datagrams from a bound UDP socket.
//
// Receive is meant to be called from a single goroutine. Close may be
// called from any goroutine and unblocks a pending Receive.
type Listener struct {
	conn *net.UDPConn
	buf  []byte

	received atomic.Uint64
	bytes    atomic.Uint64
	recvErrs atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Listen binds a UDP socket on cfg.Host:cfg.Port.
func Listen(cfg ListenerConfig) (*Listener, error) {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolving udp address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding udp socket: %w", err)
	}

	return &Listener{
		conn: conn,
		buf:  make([]byte, size),
	}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Receive blocks until a datagram arrives, the listener is closed, or ctx
// is cancelled. Both of the latter return an error wrapping ErrListenerClosed.
func (l *Listener) Receive(ctx context.Context) (Datagram, error) {
	if l.closed.Load() {
		return Datagram{}, ErrListenerClosed
	}
	if err := ctx.Err(); err != nil {
		return Datagram{}, fmt.Errorf("%w: %w", ErrListenerClosed, err)
	}

	// Clear any deadline left by a previous cancellation, then arrange for
	// cancellation to interrupt this read.
	if err := l.conn.SetReadDeadline(time.Time{}); err != nil && !l.closed.Load() {
		return Datagram{}, fmt.Errorf("clearing read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, from, err := l.conn.ReadFrom(l.buf)
	if err != nil {
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrListenerClosed
		}
		if ctx.Err() != nil {
			return Datagram{}, fmt.Errorf("%w: %w", ErrListenerClosed, ctx.Err())
		}
		l.recvErrs.Add(1)
		return Datagram{}, fmt.Errorf("reading datagram: %w", err)
	}

	payload := make([]byte, n)
	copy(payload, l.buf[:n])

	l.received.Add(1)
	l.bytes.Add(uint64(n))

	return Datagram{
		Payload:    payload,
		From:       from,
		ReceivedAt: time.Now(),
	}, nil
}

// Close releases the socket. Safe to call multiple times.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// Stats returns a snapshot of the socket counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		DatagramsReceived: l.received.Load(),
		BytesReceived:     l.bytes.Load(),
		ReceiveErrors:     l.recvErrs.Load(),
		Open:              !l.closed.Load(),
		Address:           l.Addr().String(),
	}
}
