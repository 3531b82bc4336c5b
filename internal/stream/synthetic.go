package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Synthetic generates black RGB frames at a fixed rate. It backs dry runs
// without a camera and the session tests.
type Synthetic struct {
	width  int
	height int
	limit  int
	period time.Duration

	mu     sync.Mutex
	seq    uint64
	last   time.Time
	closed bool
}

// NewSynthetic returns a source of limit frames (0 = unbounded). A zero
// fps produces frames as fast as they are requested.
func NewSynthetic(width, height int, fps float64, limit int) *Synthetic {
	var period time.Duration
	if fps > 0 {
		period = time.Duration(float64(time.Second) / fps)
	}
	slog.Debug("stream: synthetic source created",
		"width", width,
		"height", height,
		"fps", fps,
		"limit", limit,
	)
	return &Synthetic{
		width:  width,
		height: height,
		limit:  limit,
		period: period,
	}
}

// Next waits until the next frame is due and returns it.
func (s *Synthetic) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed || (s.limit > 0 && s.seq >= uint64(s.limit)) {
		s.mu.Unlock()
		return Frame{}, ErrSourceExhausted
	}
	wait := time.Duration(0)
	if s.period > 0 && !s.last.IsZero() {
		wait = time.Until(s.last.Add(s.period))
	}
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.last = time.Now()

	return Frame{
		Seq:       s.seq,
		Timestamp: s.last,
		Width:     s.width,
		Height:    s.height,
		Data:      make([]byte, s.width*s.height*3),
		TraceID:   uuid.New().String(),
	}, nil
}

// EstimatedFrames returns the configured limit.
func (s *Synthetic) EstimatedFrames() int { return s.limit }

// Close makes further Next calls report exhaustion.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
