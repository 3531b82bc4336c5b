package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Policy selects what a Mailbox does when a frame arrives before the
// previous one was consumed.
type Policy int

const (
	// Overwrite replaces the pending frame (live cameras: latest frame only,
	// stale frames are worth less than dropped ones).
	Overwrite Policy = iota
	// Lossless blocks the producer until the pending frame is consumed
	// (video files: every frame matters, the decoder can wait).
	Lossless
)

func (p Policy) String() string {
	if p == Lossless {
		return "lossless"
	}
	return "overwrite"
}

// Mailbox is a single-slot frame hand-off between a producer (GStreamer
// streaming thread) and the session's frame loop.
//
// Close marks the end of the stream. A frame pending at Close is still
// delivered; after that Take returns ErrSourceExhausted.
type Mailbox struct {
	policy Policy

	mu     sync.Mutex
	frame  *Frame
	closed bool

	ready chan struct{} // frame stored or mailbox closed
	space chan struct{} // frame consumed or mailbox closed

	drops     atomic.Uint64
	delivered atomic.Uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox(policy Policy) *Mailbox {
	return &Mailbox{
		policy: policy,
		ready:  make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// Put stores a frame. With Overwrite it never blocks and counts replaced
// frames as drops. With Lossless it waits for the slot to empty. It returns
// false if the mailbox was closed or ctx ended before the frame was stored.
func (m *Mailbox) Put(ctx context.Context, frame Frame) bool {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return false
		}
		if m.frame == nil || m.policy == Overwrite {
			if m.frame != nil {
				m.drops.Add(1)
			}
			m.frame = &frame
			m.mu.Unlock()
			signal(m.ready)
			return true
		}
		m.mu.Unlock()

		select {
		case <-m.space:
		case <-ctx.Done():
			return false
		}
	}
}

// Take returns the pending frame, waiting up to timeout (0 waits forever).
func (m *Mailbox) Take(ctx context.Context, timeout time.Duration) (Frame, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		if m.frame != nil {
			frame := *m.frame
			m.frame = nil
			m.mu.Unlock()
			m.delivered.Add(1)
			signal(m.space)
			return frame, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Frame{}, ErrSourceExhausted
		}
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-deadline:
			return Frame{}, ErrFrameTimeout
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Close ends the stream. Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	signal(m.ready)
	signal(m.space)
}

// Drops returns the number of frames replaced before being consumed.
func (m *Mailbox) Drops() uint64 { return m.drops.Load() }

// Delivered returns the number of frames handed to the consumer.
func (m *Mailbox) Delivered() uint64 { return m.delivered.Load() }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
