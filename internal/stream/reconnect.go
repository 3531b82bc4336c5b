package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // attempts per outage (default: 5)
	RetryDelay    time.Duration // initial delay (default: 1s)
	MaxRetryDelay time.Duration // delay cap (default: 30s)
}

// DefaultReconnectConfig returns the default backoff schedule.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// OpenFunc opens a fresh source.
type OpenFunc func(ctx context.Context) (Source, error)

// Reconnecting reopens a live source after it ends or fails. The cycle
// that observes the outage gets ErrFrameTimeout once the source is back,
// so callers treat it as a missing frame. When every retry fails, Next
// returns the last open error.
type Reconnecting struct {
	open OpenFunc
	cfg  ReconnectConfig

	mu     sync.Mutex
	cur    Source
	closed bool

	reconnects atomic.Uint32
}

// NewReconnecting opens the first source with the same backoff schedule.
func NewReconnecting(ctx context.Context, open OpenFunc, cfg ReconnectConfig) (*Reconnecting, error) {
	def := DefaultReconnectConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}

	r := &Reconnecting{open: open, cfg: cfg}
	src, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	r.cur = src
	return r, nil
}

// Next returns the next frame from the current source, reconnecting once
// it stops delivering.
func (r *Reconnecting) Next(ctx context.Context) (Frame, error) {
	r.mu.Lock()
	src, closed := r.cur, r.closed
	r.mu.Unlock()
	if closed || src == nil {
		return Frame{}, ErrSourceExhausted
	}

	frame, err := src.Next(ctx)
	if err == nil || errors.Is(err, ErrFrameTimeout) || ctx.Err() != nil {
		return frame, err
	}

	slog.Warn("stream: source lost, reconnecting", "error", err)
	src.Close()

	next, cerr := r.connect(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cerr != nil {
		r.cur = nil
		return Frame{}, cerr
	}
	if r.closed {
		next.Close()
		return Frame{}, ErrSourceExhausted
	}
	r.cur = next
	return Frame{}, ErrFrameTimeout
}

func (r *Reconnecting) connect(ctx context.Context) (Source, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src, err := r.open(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("stream: connection established", "attempts", attempt+1)
			}
			return src, nil
		}

		if attempt >= r.cfg.MaxRetries {
			return nil, fmt.Errorf("stream: max retries exceeded (%d attempts): %w", r.cfg.MaxRetries, err)
		}
		r.reconnects.Add(1)

		delay := calculateBackoff(attempt+1, r.cfg)
		slog.Warn("stream: retrying connection",
			"error", err,
			"attempt", attempt+1,
			"max_retries", r.cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// Reconnects returns the number of failed open attempts.
func (r *Reconnecting) Reconnects() uint32 { return r.reconnects.Load() }

// Stats forwards the current source's stats when it reports them.
func (r *Reconnecting) Stats() SourceStats {
	r.mu.Lock()
	src := r.cur
	r.mu.Unlock()
	if s, ok := src.(interface{ Stats() SourceStats }); ok {
		return s.Stats()
	}
	return SourceStats{}
}

// Close closes the current source.
func (r *Reconnecting) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}
