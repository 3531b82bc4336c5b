package actuator

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// Transmitter delivers messages to the actuator. Send is best-effort: a
// failure is reported to the caller and nothing is queued or retried.
type Transmitter interface {
	Send(Message) error
	Close() error
}

// UDPConfig configures the UDP transmitter.
type UDPConfig struct {
	Host string
	Port int
	// SendTimeout bounds a single datagram write (default 5ms).
	SendTimeout time.Duration
	// LogEvery logs the first failure and then one of every N (default 100).
	LogEvery int
}

// Stats reports transmitter counters.
type Stats struct {
	Sent     uint64    `json:"sent"`
	Failures uint64    `json:"failures"`
	LastSent Message   `json:"last_sent"`
	LastAt   time.Time `json:"last_at"`
}

// UDP sends one datagram per message to a fixed host and port.
type UDP struct {
	conn     *net.UDPConn
	addr     string
	timeout  time.Duration
	logEvery uint64

	sent     atomic.Uint64
	failures atomic.Uint64
	last     atomic.Pointer[sentRecord]
	closed   atomic.Bool
}

type sentRecord struct {
	msg Message
	at  time.Time
}

// DialUDP resolves the actuator address and opens a connected UDP socket.
// No datagram is exchanged: an unreachable actuator surfaces as Send
// failures, not as a dial error.
func DialUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("actuator: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("actuator: invalid port %d", cfg.Port)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Millisecond
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 100
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("actuator: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("actuator: dial %s: %w", addr, err)
	}

	slog.Info("actuator transmitter ready",
		"addr", addr,
		"send_timeout", cfg.SendTimeout,
	)

	return &UDP{
		conn:     conn,
		addr:     addr,
		timeout:  cfg.SendTimeout,
		logEvery: uint64(cfg.LogEvery),
	}, nil
}

// Send writes one datagram. It never blocks longer than the send timeout.
func (u *UDP) Send(m Message) error {
	if u.closed.Load() {
		return net.ErrClosed
	}

	m = m.Clamped()
	if err := u.conn.SetWriteDeadline(time.Now().Add(u.timeout)); err != nil {
		return u.fail(m, err)
	}
	if _, err := u.conn.Write(Encode(m)); err != nil {
		return u.fail(m, err)
	}

	u.sent.Add(1)
	u.last.Store(&sentRecord{msg: m, at: time.Now()})
	return nil
}

// fail counts a failure and logs the first one and every Nth after it.
func (u *UDP) fail(m Message, err error) error {
	n := u.failures.Add(1)
	if n == 1 || n%u.logEvery == 0 {
		slog.Warn("actuator send failed",
			"addr", u.addr,
			"left", m.Left,
			"right", m.Right,
			"failures", n,
			"timeout", isTimeout(err),
			"error", err,
		)
	}
	return fmt.Errorf("actuator: send: %w", err)
}

// Stats returns a snapshot of the counters.
func (u *UDP) Stats() Stats {
	s := Stats{Sent: u.sent.Load(), Failures: u.failures.Load()}
	if rec := u.last.Load(); rec != nil {
		s.LastSent = rec.msg
		s.LastAt = rec.at
	}
	return s
}

// Addr returns the actuator address.
func (u *UDP) Addr() string { return u.addr }

// Close releases the socket. Idempotent.
func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	slog.Info("actuator transmitter closed",
		"addr", u.addr,
		"sent", u.sent.Load(),
		"failures", u.failures.Load(),
	)
	return u.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Discard drops every message. It stands in for the actuator in dry runs.
type Discard struct {
	sent atomic.Uint64
}

// Send counts m.
func (d *Discard) Send(Message) error {
	d.sent.Add(1)
	return nil
}

// Sent returns the number of messages received.
func (d *Discard) Sent() uint64 { return d.sent.Load() }

// Close is a no-op.
func (d *Discard) Close() error { return nil }
