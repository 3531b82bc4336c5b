package reference

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/dantic/internal/extractor"
	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/stream"
)

// Streamer follows a reference video concurrently with the session and
// exposes the most recent reduced pose.
//
// The latest pose is published with a single atomic store, so readers never
// observe a partially written pose. Before the first detection Pose returns
// the zero pose; after a miss it keeps returning the last good one.
type Streamer struct {
	src     stream.Source
	ex      extractor.Extractor
	reducer *pose.Reducer
	record  bool

	latest atomic.Pointer[pose.Reduced]
	frames atomic.Uint64
	misses atomic.Uint64

	mu       sync.Mutex
	recorded []pose.Reduced

	done chan struct{}
	err  error
}

// StreamerOptions configures a Streamer.
type StreamerOptions struct {
	// Record keeps every published pose (one per frame) for persistence.
	Record bool
}

// NewStreamer creates a streamer over src. Call Run to start consuming.
func NewStreamer(src stream.Source, ex extractor.Extractor, reducer *pose.Reducer, opts StreamerOptions) *Streamer {
	s := &Streamer{
		src:     src,
		ex:      ex,
		reducer: reducer,
		record:  opts.Record,
		done:    make(chan struct{}),
	}
	zero := pose.Zero
	s.latest.Store(&zero)
	return s
}

// Run consumes the source until it is exhausted or ctx ends. It closes
// Done on return.
func (s *Streamer) Run(ctx context.Context) error {
	defer close(s.done)

	slog.Info("reference streamer started")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		frame, err := s.src.Next(ctx)
		switch {
		case errors.Is(err, stream.ErrSourceExhausted):
			slog.Info("reference stream exhausted",
				"frames", s.frames.Load(),
				"misses", s.misses.Load(),
			)
			return nil
		case errors.Is(err, stream.ErrFrameTimeout):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			s.err = err
			slog.Error("reference stream failed", "error", err)
			return err
		}

		s.frames.Add(1)
		current := *s.latest.Load()

		landmarks, err := s.ex.Extract(ctx, frame)
		if err == nil {
			if p, ok := s.reducer.Reduce(landmarks); ok {
				current = p
				s.latest.Store(&p)
			} else {
				s.misses.Add(1)
			}
		} else {
			s.misses.Add(1)
		}

		if s.record {
			s.mu.Lock()
			s.recorded = append(s.recorded, current)
			s.mu.Unlock()
		}
	}
}

// Pose returns the latest reference pose. The cursor is ignored: the
// reference advances with its own video clock.
func (s *Streamer) Pose(int) pose.Reduced { return *s.latest.Load() }

// Len reports 0: a streamed reference has no fixed length.
func (s *Streamer) Len() int { return 0 }

// Done is closed when Run returns.
func (s *Streamer) Done() <-chan struct{} { return s.done }

// Err returns the source error that ended Run, if any.
func (s *Streamer) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Frames returns the number of reference frames consumed.
func (s *Streamer) Frames() uint64 { return s.frames.Load() }

// Recorded returns a copy of the recorded sequence (empty unless Record).
func (s *Streamer) Recorded() []pose.Reduced {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pose.Reduced, len(s.recorded))
	copy(out, s.recorded)
	return out
}
