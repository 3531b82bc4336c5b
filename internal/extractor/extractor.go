// Package extractor turns frames into named skeletal landmarks.
//
// The pose model itself lives out of process (see Worker). Everything
// downstream only sees pose.LandmarkSet values keyed by landmark name, so
// the model's own indexing never leaks past this package.
package extractor

import (
	"context"
	"errors"

	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/stream"
)

var (
	// ErrNoDetection means the model found no person in the frame.
	ErrNoDetection = errors.New("extractor: no detection")
	// ErrTimeout means the worker did not answer within the request timeout.
	ErrTimeout = errors.New("extractor: request timeout")
	// ErrClosed is returned after Close or when the worker process exited.
	ErrClosed = errors.New("extractor: closed")
)

// Extractor detects landmarks in a frame. A failed extraction is a missed
// frame: callers do not retry.
type Extractor interface {
	Extract(ctx context.Context, frame stream.Frame) (pose.LandmarkSet, error)
	Close() error
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, frame stream.Frame) (pose.LandmarkSet, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, frame stream.Frame) (pose.LandmarkSet, error) {
	return f(ctx, frame)
}

// Close is a no-op.
func (f Func) Close() error { return nil }

// Static returns the same landmark set for every frame. A nil set reports
// ErrNoDetection.
type Static struct {
	Set pose.LandmarkSet
}

// Extract returns a copy of the configured set.
func (s Static) Extract(ctx context.Context, _ stream.Frame) (pose.LandmarkSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Set == nil {
		return nil, ErrNoDetection
	}
	out := make(pose.LandmarkSet, len(s.Set))
	for k, v := range s.Set {
		out[k] = v
	}
	return out, nil
}

// Close is a no-op.
func (Static) Close() error { return nil }
