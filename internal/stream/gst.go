package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GstConfig configures a GStreamer backed source.
type GstConfig struct {
	// URI is a file path, file://, rtsp://, http(s)://, v4l2:///dev/videoN
	// or testsrc:// (videotestsrc, useful without a camera).
	URI    string
	Width  int
	Height int
	// FPS is the output rate. Video files are resampled to it so that frame
	// index i corresponds to time i/FPS.
	FPS float64
	// Policy selects overwrite (live, latest frame wins) or lossless
	// (preprocessing, every frame delivered).
	Policy Policy
	// Sync plays the source against the pipeline clock (real-time playback
	// of a file). Leave false for cameras and for preprocessing.
	Sync bool
	// FrameTimeout bounds each Next call. Zero waits forever.
	FrameTimeout time.Duration
	// Name labels log lines ("live", "reference").
	Name string
}

// GstSource decodes video through a GStreamer pipeline ending in an appsink.
type GstSource struct {
	cfg      GstConfig
	mailbox  *Mailbox
	elements *pipelineElements

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount uint64
	bytesRead  uint64
	errors     atomic.Uint64
	startedAt  time.Time

	closeOnce sync.Once
}

// NewGstSource builds and starts the pipeline. Frames become available
// asynchronously once the pipeline reaches PLAYING.
func NewGstSource(ctx context.Context, cfg GstConfig) (*GstSource, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("stream: URI is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("stream: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("stream: FPS must be > 0, got %.2f", cfg.FPS)
	}
	if cfg.Name == "" {
		cfg.Name = "source"
	}

	elements, err := createPipeline(cfg)
	if err != nil {
		return nil, fmt.Errorf("stream: %s pipeline: %w", cfg.Name, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &GstSource{
		cfg:       cfg,
		mailbox:   NewMailbox(cfg.Policy),
		elements:  elements,
		ctx:       sctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	cbCtx := &callbackContext{
		ctx:          sctx,
		mailbox:      s.mailbox,
		frameCounter: &s.frameCount,
		bytesRead:    &s.bytesRead,
		width:        cfg.Width,
		height:       cfg.Height,
		name:         cfg.Name,
	}
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, cbCtx)
		},
		EOSFunc: func(sink *app.Sink) {
			slog.Debug("stream: appsink end of stream", "source", cfg.Name)
		},
	})

	if elements.Decoder != nil {
		elements.Decoder.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			onPadAdded(srcPad, elements.Convert, cfg.Name)
		})
	}

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		cancel()
		return nil, fmt.Errorf("stream: failed to start %s pipeline: %w", cfg.Name, err)
	}

	s.wg.Add(1)
	go s.monitor()

	slog.Info("stream: source started",
		"source", cfg.Name,
		"uri", cfg.URI,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
		"policy", cfg.Policy.String(),
		"sync", cfg.Sync,
	)

	return s, nil
}

// Next returns the next decoded frame.
func (s *GstSource) Next(ctx context.Context) (Frame, error) {
	return s.mailbox.Take(ctx, s.cfg.FrameTimeout)
}

// EstimatedFrames derives the frame count from the stream duration. Live
// sources and sources that have not prerolled yet report 0.
func (s *GstSource) EstimatedFrames() int {
	ok, dur := s.elements.Pipeline.QueryDuration(gst.FormatTime)
	if !ok || dur <= 0 {
		return 0
	}
	return int(time.Duration(dur).Seconds() * s.cfg.FPS)
}

// Stats returns frame counters.
func (s *GstSource) Stats() SourceStats {
	return SourceStats{
		Name:       s.cfg.Name,
		Frames:     atomic.LoadUint64(&s.frameCount),
		Delivered:  s.mailbox.Delivered(),
		Dropped:    s.mailbox.Drops(),
		BytesRead:  atomic.LoadUint64(&s.bytesRead),
		Errors:     s.errors.Load(),
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}
}

// Close stops the pipeline. Idempotent.
func (s *GstSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.mailbox.Close()
		s.wg.Wait()
		if serr := s.elements.Pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("stream: failed to stop %s pipeline: %w", s.cfg.Name, serr)
		}
		slog.Info("stream: source stopped",
			"source", s.cfg.Name,
			"frames", atomic.LoadUint64(&s.frameCount),
			"dropped", s.mailbox.Drops(),
			"uptime", time.Since(s.startedAt),
		)
	})
	return err
}

// monitor drains the pipeline bus until EOS, a pipeline error or Close.
// Both EOS and errors end the stream: the mailbox is closed and the
// consumer sees ErrSourceExhausted after the last pending frame.
func (s *GstSource) monitor() {
	defer s.wg.Done()
	defer s.mailbox.Close()

	bus := s.elements.Pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("stream: end of stream",
				"source", s.cfg.Name,
				"frames", atomic.LoadUint64(&s.frameCount),
				"uptime", time.Since(s.startedAt),
			)
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			s.errors.Add(1)
			slog.Error("stream: pipeline error",
				"source", s.cfg.Name,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", classifyError(gerr.Error(), gerr.DebugString()).String(),
				"uri", s.cfg.URI,
				"frames", atomic.LoadUint64(&s.frameCount),
			)
			return

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			slog.Warn("stream: pipeline warning",
				"source", s.cfg.Name,
				"warning", gerr.Error(),
			)

		case gst.MessageStateChanged:
			if msg.Source() == s.elements.Pipeline.GetName() {
				old, state := msg.ParseStateChanged()
				slog.Debug("stream: pipeline state changed",
					"source", s.cfg.Name,
					"from", old,
					"to", state,
				)
			}
		}
	}
}

// SourceStats reports frame counters for health and shutdown logs.
type SourceStats struct {
	Name       string  `json:"name"`
	Frames     uint64  `json:"frames"`
	Delivered  uint64  `json:"delivered"`
	Dropped    uint64  `json:"dropped"`
	BytesRead  uint64  `json:"bytes_read"`
	Errors     uint64  `json:"errors"`
	UptimeSecs float64 `json:"uptime_s"`
}
