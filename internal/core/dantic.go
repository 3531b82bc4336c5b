package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/dantic/internal/actuator"
	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/extractor"
	"github.com/e7canasta/dantic/internal/health"
	"github.com/e7canasta/dantic/internal/overlay"
	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/reference"
	"github.com/e7canasta/dantic/internal/scoring"
	"github.com/e7canasta/dantic/internal/session"
	"github.com/e7canasta/dantic/internal/stream"
	"github.com/e7canasta/dantic/internal/telemetry"
)

const statsInterval = 10 * time.Second

// SourceOpener opens a GStreamer source. Replaced in tests.
type SourceOpener func(ctx context.Context, cfg stream.GstConfig) (stream.Source, error)

func openGst(ctx context.Context, cfg stream.GstConfig) (stream.Source, error) {
	return stream.NewGstSource(ctx, cfg)
}

// Dantic is the service orchestrator. It owns every component of one
// session: live source, pose workers, reference, scoring engine, actuator
// link and the optional telemetry, health and overlay outputs.
type Dantic struct {
	cfg        *config.Config
	openSource SourceOpener

	reducer *pose.Reducer
	engine  *scoring.Engine

	live        stream.Source
	liveEx      extractor.Extractor
	refSource   stream.Source
	refEx       extractor.Extractor
	provider    reference.Provider
	streamer    *reference.Streamer
	transmitter *actuator.UDP
	emitter     *telemetry.Emitter
	renderer    *overlay.Renderer
	health      *health.Server
	session     *session.Session

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
}

// NewDantic creates the service from a validated configuration.
func NewDantic(cfg *config.Config) (*Dantic, error) {
	engine, err := scoring.New(scoring.Config{
		MaxError:  cfg.Scoring.MaxError,
		ScoreLegs: cfg.Scoring.ScoreLegs,
		Weights:   cfg.Scoring.LimbWeights(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring engine: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"reference_mode", cfg.Reference.Mode,
		"target_fps", cfg.Live.TargetFPS,
		"max_error", cfg.Scoring.MaxError,
		"fallback", cfg.Fallback.Policy,
	)

	return &Dantic{
		cfg:        cfg,
		openSource: openGst,
		reducer: pose.NewReducer(pose.ReducerConfig{
			Strict:        cfg.Reducer.Strict,
			MinVisibility: cfg.Reducer.MinVisibility,
		}),
		engine: engine,
	}, nil
}

// Run prepares the reference, starts every component and runs the frame
// loop until the live source is exhausted, the streamed reference ends,
// a stop command arrives or ctx is cancelled.
func (d *Dantic) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	d.isRunning = true
	d.started = time.Now()
	d.mu.Unlock()

	slog.Info("dantic service starting", "instance_id", d.cfg.InstanceID)

	liveEx, err := d.newExtractor(ctx, "live-pose")
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.liveEx = liveEx
	d.mu.Unlock()

	if err := d.prepareReference(ctx); err != nil {
		return err
	}

	if err := d.openLive(ctx); err != nil {
		return err
	}

	tx, err := actuator.DialUDP(actuator.UDPConfig{
		Host:        d.cfg.Actuator.Host,
		Port:        d.cfg.Actuator.Port,
		SendTimeout: time.Duration(d.cfg.Actuator.SendTimeoutMS) * time.Millisecond,
		LogEvery:    d.cfg.Actuator.LogEvery,
	})
	if err != nil {
		return fmt.Errorf("failed to open actuator link: %w", err)
	}
	d.mu.Lock()
	d.transmitter = tx
	d.mu.Unlock()

	var sinks []session.Sink

	if d.cfg.Telemetry.Broker != "" {
		emitter := telemetry.NewEmitter(d.cfg.InstanceID, d.cfg.Telemetry, telemetry.Callbacks{
			OnStop:      d.stopViaControl,
			OnGetStatus: d.GetStatus,
		})
		d.mu.Lock()
		d.emitter = emitter
		d.mu.Unlock()
		if err := emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		if err := emitter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
		sinks = append(sinks, emitter)
	} else {
		slog.Info("telemetry disabled (no broker configured)")
	}

	if d.cfg.Overlay.Enabled {
		r, err := overlay.NewRenderer(overlay.Options{
			OutputDir: d.cfg.Overlay.OutputDir,
			ShowLive:  d.cfg.Overlay.ShowLive,
			Every:     d.cfg.Overlay.Every,
			MaxError:  d.cfg.Scoring.MaxError,
		})
		if err != nil {
			return err
		}
		r.Start(ctx)
		d.mu.Lock()
		d.renderer = r
		d.mu.Unlock()
		sinks = append(sinks, r)
	}

	sess, err := session.New(session.Config{
		Interval:   d.cfg.FrameInterval(),
		Fallback:   session.FallbackPolicy(d.cfg.Fallback.Policy),
		StaticPose: d.cfg.Fallback.Pose(),
	}, session.Deps{
		Source:      d.live,
		Extractor:   d.liveEx,
		Reducer:     d.reducer,
		Reference:   d.provider,
		Engine:      d.engine,
		Transmitter: d.transmitter,
		Sinks:       sinks,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	d.mu.Lock()
	d.session = sess
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.streamer != nil {
		d.wg.Add(2)
		go func() {
			defer d.wg.Done()
			d.streamer.Run(runCtx)
		}()
		go func() {
			defer d.wg.Done()
			select {
			case <-d.streamer.Done():
				slog.Info("reference stream ended, stopping session")
				sess.Stop()
			case <-runCtx.Done():
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logStats(runCtx)
	}()

	slog.Info("dantic service running",
		"session_id", sess.ID(),
		"actuator", tx.Addr(),
		"telemetry", d.emitter != nil,
		"overlay", d.renderer != nil,
	)

	err = sess.Run(runCtx)
	cancel()

	if d.streamer != nil {
		if serr := d.streamer.Err(); serr != nil && err == nil {
			err = fmt.Errorf("reference stream: %w", serr)
		}
	}
	slog.Info("dantic service run loop exiting", "error", err)
	return err
}

func (d *Dantic) openLive(ctx context.Context) error {
	if d.cfg.Live.URI == "" {
		synthetic := stream.NewSynthetic(d.cfg.Live.Width, d.cfg.Live.Height, d.cfg.Live.TargetFPS, d.cfg.Live.SyntheticFrames)
		d.mu.Lock()
		d.live = synthetic
		d.mu.Unlock()
		slog.Info("using synthetic live source (no live uri configured)",
			"frames", d.cfg.Live.SyntheticFrames)
		return nil
	}

	gc := stream.GstConfig{
		URI:          d.cfg.Live.URI,
		Width:        d.cfg.Live.Width,
		Height:       d.cfg.Live.Height,
		FPS:          d.cfg.Live.TargetFPS,
		Policy:       stream.Overwrite,
		FrameTimeout: d.cfg.FrameTimeout(),
		Name:         "live",
	}

	var (
		src stream.Source
		err error
	)
	if d.cfg.Live.Reconnect {
		rcfg := stream.DefaultReconnectConfig()
		rcfg.MaxRetries = d.cfg.Live.MaxRetries
		src, err = stream.NewReconnecting(ctx, func(ctx context.Context) (stream.Source, error) {
			return d.openSource(ctx, gc)
		}, rcfg)
	} else {
		src, err = d.openSource(ctx, gc)
	}
	if err != nil {
		return fmt.Errorf("failed to open live source: %w", err)
	}
	d.mu.Lock()
	d.live = src
	d.mu.Unlock()
	return nil
}

// newExtractor starts a pose worker, or a no-detection stand-in when no
// worker command is configured.
func (d *Dantic) newExtractor(ctx context.Context, id string) (extractor.Extractor, error) {
	if d.cfg.Extractor.Command == "" {
		slog.Warn("no pose worker configured, every frame counts as absent", "worker_id", id)
		return extractor.Static{}, nil
	}

	w, err := extractor.NewWorker(extractor.WorkerConfig{
		ID:             id,
		Command:        d.cfg.Extractor.Command,
		Args:           d.cfg.Extractor.Args,
		ModelPath:      d.cfg.Extractor.ModelPath,
		MinDetection:   d.cfg.Extractor.MinDetection,
		RequestTimeout: time.Duration(d.cfg.Extractor.RequestTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pose worker: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start pose worker %s: %w", id, err)
	}
	return w, nil
}

func (d *Dantic) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := d.session.Stats()
			slog.Info("session stats",
				"cycles", st.Cycles,
				"detected", st.Detected,
				"absent", st.Absent,
				"send_failures", st.SendFailures,
				"overruns", st.Overruns,
				"cursor", st.Cursor,
				"fps_mean", fmt.Sprintf("%.2f", st.Pacing.FPSMean),
				"jitter_mean_ms", fmt.Sprintf("%.2f", st.Pacing.JitterMean*1000),
			)
		}
	}
}

// Stop ends the running session.
func (d *Dantic) Stop() {
	d.mu.RLock()
	sess := d.session
	d.mu.RUnlock()
	if sess != nil {
		sess.Stop()
	}
}

func (d *Dantic) stopViaControl() error {
	d.mu.RLock()
	sess := d.session
	d.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("no session running")
	}
	slog.Info("stop requested via control plane")
	sess.Stop()
	return nil
}

// Shutdown performs graceful shutdown of all components.
func (d *Dantic) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	slog.Info("shutting down dantic service")

	d.Stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for goroutines", "error", ctx.Err())
	}

	var errs []error
	closeAll := func(name string, c interface{ Close() error }) {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			slog.Error("failed to close component", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if d.streamer != nil && d.cfg.Reference.SaveLog {
		d.saveRecorded()
	}

	// Sources first so no new frames reach the workers.
	if d.live != nil {
		closeAll("live source", d.live)
	}
	if d.refSource != nil {
		closeAll("reference source", d.refSource)
	}
	if d.liveEx != nil {
		closeAll("live pose worker", d.liveEx)
	}
	if d.refEx != nil {
		closeAll("reference pose worker", d.refEx)
	}
	if d.renderer != nil {
		closeAll("overlay", d.renderer)
	}
	if d.emitter != nil {
		closeAll("telemetry", d.emitter)
	}
	if d.transmitter != nil {
		closeAll("actuator", d.transmitter)
	}
	if d.health != nil {
		if err := d.health.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health: %w", err))
		}
	}

	d.mu.Lock()
	uptime := time.Since(d.started)
	d.isRunning = false
	d.mu.Unlock()

	slog.Info("dantic service shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (d *Dantic) ShutdownTimeout() time.Duration {
	return d.cfg.ShutdownTimeout()
}
