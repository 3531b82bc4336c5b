// Package stream provides the frame sources feeding the session: a GStreamer
// backed source for cameras, RTSP and video files, and a synthetic source for
// dry runs and tests.
//
// Sources are pulled, not pushed. The session asks for one frame per cycle
// with Next and decides what to do with it before asking again.
package stream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSourceExhausted ends a session cleanly: the source has no more frames.
	ErrSourceExhausted = errors.New("stream: source exhausted")
	// ErrFrameTimeout means no frame arrived within the per-frame timeout.
	ErrFrameTimeout = errors.New("stream: frame timeout")
)

// Frame represents a single decoded video frame
type Frame struct {
	// Seq is the monotonic sequence number (starts at 1)
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains packed RGB24 pixels. MUST NOT be modified by consumers.
	Data []byte
	// TraceID is a unique identifier for correlating logs across the pipeline
	TraceID string
}

// Source yields frames one at a time.
//
// Next blocks until a frame is available, the per-frame timeout elapses
// (ErrFrameTimeout), the source ends (ErrSourceExhausted) or ctx is done.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Sizer is implemented by finite sources that can estimate their length.
type Sizer interface {
	// EstimatedFrames returns the expected number of frames, or 0 if unknown.
	EstimatedFrames() int
}
