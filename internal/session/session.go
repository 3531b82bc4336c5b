// Package session runs the frame loop that compares a performer against the
// reference sequence and drives the haptic actuator.
//
// One cycle: acquire a live frame, look up the reference pose at the
// cursor, advance the cursor, extract and reduce the live pose (falling back
// when absent), score, transmit, pace. The cursor advances on every cycle
// whether or not a person was detected, so the reference plays on a clock
// and never waits for the performer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/dantic/internal/actuator"
	"github.com/e7canasta/dantic/internal/extractor"
	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/reference"
	"github.com/e7canasta/dantic/internal/scoring"
	"github.com/e7canasta/dantic/internal/stream"
)

// State is the session lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FallbackPolicy selects the behaviour for a cycle without a live pose.
type FallbackPolicy string

const (
	// FallbackSkip transmits nothing for the cycle.
	FallbackSkip FallbackPolicy = "skip"
	// FallbackStatic scores the configured static pose.
	FallbackStatic FallbackPolicy = "static"
	// FallbackHold scores the last detected live pose, or the static pose
	// before the first detection.
	FallbackHold FallbackPolicy = "hold"
)

// Config holds the loop tunables.
type Config struct {
	// Interval is the target cycle period (1/fps).
	Interval time.Duration
	Fallback FallbackPolicy
	// StaticPose is scored by the static policy and by hold before the
	// first detection.
	StaticPose pose.Reduced
}

// Deps are the collaborators a session owns for its lifetime.
type Deps struct {
	Source      stream.Source
	Extractor   extractor.Extractor
	Reducer     *pose.Reducer
	Reference   reference.Provider
	Engine      *scoring.Engine
	Transmitter actuator.Transmitter
	// Clock defaults to the system clock.
	Clock Clock
	// Sinks observe every completed cycle.
	Sinks []Sink
}

// Cycle is what sinks observe after each loop iteration.
type Cycle struct {
	SessionID string
	Index     uint64
	Cursor    int
	Frame     stream.Frame
	// HasFrame is false when the frame timed out.
	HasFrame bool
	Live     pose.Reduced
	// Detected reports whether Live came from the frame or from the
	// fallback policy.
	Detected  bool
	Reference pose.Reduced
	// Skipped cycles carry no sample and sent nothing.
	Skipped bool
	Sample  scoring.Sample
	Message actuator.Message
	SendErr error
	At      time.Time
	Elapsed time.Duration
}

// Sink consumes cycles. Observe runs on the frame loop and must not block.
type Sink interface {
	Observe(Cycle)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Cycle)

// Observe calls f.
func (f SinkFunc) Observe(c Cycle) { f(c) }

// Stats is a snapshot of session counters.
type Stats struct {
	ID           string         `json:"id"`
	State        string         `json:"state"`
	StartedAt    time.Time      `json:"started_at"`
	Cycles       uint64         `json:"cycles"`
	Detected     uint64         `json:"detected"`
	Absent       uint64         `json:"absent"`
	Skipped      uint64         `json:"skipped"`
	Timeouts     uint64         `json:"frame_timeouts"`
	SendFailures uint64         `json:"send_failures"`
	Overruns     uint64         `json:"overruns"`
	Cursor       int            `json:"cursor"`
	LastSample   scoring.Sample `json:"last_sample"`
	Pacing       PacingStats    `json:"pacing"`
}

// Session is a single run of the frame loop. It is not restartable.
type Session struct {
	id   string
	cfg  Config
	deps Deps

	state atomic.Int32
	stop  chan struct{}
	once  sync.Once

	// owned by the frame loop
	cursor   int
	lastLive *pose.Reduced

	mu         sync.Mutex
	startedAt  time.Time
	lastSample scoring.Sample
	starts     *startRing

	cycles       atomic.Uint64
	detected     atomic.Uint64
	absent       atomic.Uint64
	skipped      atomic.Uint64
	timeouts     atomic.Uint64
	sendFailures atomic.Uint64
	overruns     atomic.Uint64
	cursorPub    atomic.Int64
}

// New validates deps and returns an idle session.
func New(cfg Config, deps Deps) (*Session, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("session: source is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("session: extractor is required")
	case deps.Reducer == nil:
		return nil, fmt.Errorf("session: reducer is required")
	case deps.Reference == nil:
		return nil, fmt.Errorf("session: reference is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("session: scoring engine is required")
	case deps.Transmitter == nil:
		return nil, fmt.Errorf("session: transmitter is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("session: interval must be > 0, got %v", cfg.Interval)
	}
	switch cfg.Fallback {
	case "":
		cfg.Fallback = FallbackStatic
	case FallbackSkip, FallbackStatic, FallbackHold:
	default:
		return nil, fmt.Errorf("session: unknown fallback policy %q", cfg.Fallback)
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}

	return &Session{
		id:     uuid.New().String(),
		cfg:    cfg,
		deps:   deps,
		stop:   make(chan struct{}),
		starts: newStartRing(pacingWindow),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stop asks a running session to end at the top of its next cycle. Safe to
// call from any goroutine, any number of times.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Run executes the frame loop until the live source is exhausted, ctx is
// cancelled or Stop is called; all three end the session cleanly and
// return nil. Any other source failure is returned. Run on a session that
// is not idle is an error.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return fmt.Errorf("session: cannot run from state %s", s.State())
	}
	defer s.state.Store(int32(Stopped))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.mu.Lock()
	s.startedAt = s.deps.Clock.Now()
	s.mu.Unlock()

	slog.Info("session started",
		"session_id", s.id,
		"interval", s.cfg.Interval,
		"fallback", string(s.cfg.Fallback),
		"reference_len", s.deps.Reference.Len(),
	)

	err := s.loop(ctx)

	stats := s.Stats()
	slog.Info("session stopped",
		"session_id", s.id,
		"cycles", stats.Cycles,
		"detected", stats.Detected,
		"absent", stats.Absent,
		"send_failures", stats.SendFailures,
		"overruns", stats.Overruns,
		"fps_mean", stats.Pacing.FPSMean,
		"pacing_stable", stats.Pacing.IsStable,
		"error", err,
	)
	return err
}

func (s *Session) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := s.deps.Clock.Now()
		s.mu.Lock()
		s.starts.add(start)
		s.mu.Unlock()

		done, err := s.cycle(ctx, start)
		if err != nil || done {
			return err
		}

		elapsed := s.deps.Clock.Now().Sub(start)
		if wait := s.cfg.Interval - elapsed; wait > 0 {
			s.deps.Clock.Sleep(ctx, wait)
		} else if wait < 0 {
			// no catch-up: the next cycle starts immediately
			s.overruns.Add(1)
		}
	}
}

// cycle runs one iteration. done reports a clean end of the session.
func (s *Session) cycle(ctx context.Context, start time.Time) (done bool, err error) {
	c := Cycle{SessionID: s.id, At: start}

	frame, err := s.deps.Source.Next(ctx)
	switch {
	case err == nil:
		c.Frame = frame
		c.HasFrame = true
	case errors.Is(err, stream.ErrSourceExhausted):
		slog.Info("live source exhausted", "session_id", s.id)
		return true, nil
	case errors.Is(err, stream.ErrFrameTimeout):
		s.timeouts.Add(1)
	case ctx.Err() != nil:
		return true, nil
	default:
		return true, fmt.Errorf("session: live source: %w", err)
	}

	c.Index = s.cycles.Add(1)

	// The cursor moves on every cycle, detected or not.
	c.Cursor = s.cursor
	c.Reference = s.deps.Reference.Pose(s.cursor)
	s.advance()

	live, ok := s.live(ctx, c)
	if ok {
		s.detected.Add(1)
		s.lastLive = &live
		c.Live = live
		c.Detected = true
	} else {
		s.absent.Add(1)
		live, ok = s.fallback()
		if !ok {
			s.skipped.Add(1)
			c.Skipped = true
			c.Elapsed = s.deps.Clock.Now().Sub(start)
			s.observe(c)
			return false, nil
		}
		c.Live = live
	}

	c.Sample = s.deps.Engine.Compute(c.Live, c.Reference)
	c.Message = actuator.Message{Left: c.Sample.LeftIntensity, Right: c.Sample.RightIntensity}
	if err := s.deps.Transmitter.Send(c.Message); err != nil {
		s.sendFailures.Add(1)
		c.SendErr = err
	}

	s.mu.Lock()
	s.lastSample = c.Sample
	s.mu.Unlock()

	c.Elapsed = s.deps.Clock.Now().Sub(start)
	s.observe(c)
	return false, nil
}

// live extracts and reduces the cycle's frame.
func (s *Session) live(ctx context.Context, c Cycle) (pose.Reduced, bool) {
	if !c.HasFrame {
		return pose.Reduced{}, false
	}
	landmarks, err := s.deps.Extractor.Extract(ctx, c.Frame)
	if err != nil {
		if !errors.Is(err, extractor.ErrNoDetection) && ctx.Err() == nil {
			slog.Debug("live extraction failed",
				"session_id", s.id,
				"trace_id", c.Frame.TraceID,
				"error", err,
			)
		}
		return pose.Reduced{}, false
	}
	return s.deps.Reducer.Reduce(landmarks)
}

// fallback returns the pose to score for an absent cycle, or false to skip.
func (s *Session) fallback() (pose.Reduced, bool) {
	switch s.cfg.Fallback {
	case FallbackSkip:
		return pose.Reduced{}, false
	case FallbackHold:
		if s.lastLive != nil {
			return *s.lastLive, true
		}
		return s.cfg.StaticPose, true
	default:
		return s.cfg.StaticPose, true
	}
}

func (s *Session) advance() {
	s.cursor++
	if n := s.deps.Reference.Len(); n > 0 {
		s.cursor %= n
	}
	s.cursorPub.Store(int64(s.cursor))
}

func (s *Session) observe(c Cycle) {
	for _, sink := range s.deps.Sinks {
		sink.Observe(c)
	}
}

// Stats returns a snapshot of the counters. Safe for concurrent use.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	startedAt := s.startedAt
	last := s.lastSample
	starts := s.starts.snapshot()
	s.mu.Unlock()

	return Stats{
		ID:           s.id,
		State:        s.State().String(),
		StartedAt:    startedAt,
		Cycles:       s.cycles.Load(),
		Detected:     s.detected.Load(),
		Absent:       s.absent.Load(),
		Skipped:      s.skipped.Load(),
		Timeouts:     s.timeouts.Load(),
		SendFailures: s.sendFailures.Load(),
		Overruns:     s.overruns.Load(),
		Cursor:       int(s.cursorPub.Load()),
		LastSample:   last,
		Pacing:       CalculatePacing(starts, s.cfg.Interval),
	}
}
