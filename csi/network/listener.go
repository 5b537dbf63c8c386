// Package network provides the receive loop that feeds live capture
// datagrams into a real-time decoding session. The loop is owned here, not
// by the decoders: a session's single-datagram decode is called once per
// received packet and must complete in bounded time, so the listener never
// buffers beyond the packet in flight.
package network

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/channel.report/internal/monitoring"
)

// Handler consumes one raw datagram and returns the decoder's status code:
// non-zero when the datagram was recognized as a CSI packet, zero
// otherwise. Wrap a session's Pmsg method, fixing the byte order where the
// format needs one:
//
//	network.HandlerFunc(func(b []byte) int { return sess.Pmsg(b) })
type Handler interface {
	Datagram(data []byte) int
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(data []byte) int

// Datagram calls f.
func (f HandlerFunc) Datagram(data []byte) int { return f(data) }

// Stats tracks listener traffic. Counters are atomic so LogStats may be
// called from the logging goroutine while the receive loop counts.
type Stats struct {
	Packets      atomic.Int64
	Bytes        atomic.Int64
	Recognized   atomic.Int64
	Unrecognized atomic.Int64
}

// LogStats emits a one-line traffic summary through the monitoring hook.
func (s *Stats) LogStats() {
	monitoring.Logf("csi listener: %d packets (%d bytes), %d recognized, %d not CSI",
		s.Packets.Load(), s.Bytes.Load(), s.Recognized.Load(), s.Unrecognized.Load())
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string        // host:port to bind
	RcvBuf      int           // socket receive buffer, 0 keeps the OS default
	LogInterval time.Duration // stats logging period, default one minute
	Handler     Handler       // required; receives every datagram
	Stats       *Stats        // optional; allocated internally when nil
	MaxDatagram int           // receive buffer size, default 4096
}

// UDPListener receives capture datagrams from a UDP socket and hands each
// one to the configured Handler.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	maxDatagram int
	handler     Handler
	stats       *Stats
	conn        *net.UDPConn
}

// NewUDPListener creates a listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = &Stats{}
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	maxDatagram := config.MaxDatagram
	if maxDatagram == 0 {
		maxDatagram = 4096
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		maxDatagram: maxDatagram,
		handler:     config.Handler,
		stats:       stats,
	}
}

// Stats returns the listener's traffic counters.
func (l *UDPListener) Stats() *Stats { return l.stats }

// LocalAddr returns the bound address once Start has opened the socket.
func (l *UDPListener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds the socket and runs the receive loop until the context is
// cancelled. The short read deadline exists only to poll cancellation; a
// timeout is not an error.
func (l *UDPListener) Start(ctx context.Context) error {
	if l.handler == nil {
		return fmt.Errorf("csi listener: no handler configured")
	}
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("warning: failed to set UDP receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("csi listener started on %s", conn.LocalAddr())

	go l.startStatsLogging(ctx)

	buffer := make([]byte, l.maxDatagram)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("csi listener stopping: context cancelled")
			return ctx.Err()
		default:
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				monitoring.Logf("UDP read error: %v", err)
				continue
			}

			l.stats.Packets.Add(1)
			l.stats.Bytes.Add(int64(n))
			if l.handler.Datagram(buffer[:n]) != 0 {
				l.stats.Recognized.Add(1)
			} else {
				l.stats.Unrecognized.Add(1)
			}
		}
	}
}

// startStatsLogging periodically logs traffic statistics until cancelled.
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// Close closes the listener socket, unblocking a running receive loop.
func (l *UDPListener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
