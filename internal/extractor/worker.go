package extractor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/stream"
)

// WorkerConfig configures the out-of-process pose model.
type WorkerConfig struct {
	// ID labels log lines. Generated when empty.
	ID string
	// Command is the worker executable, typically a wrapper script that
	// activates the Python environment.
	Command string
	Args    []string
	// ModelPath and MinDetection are forwarded as --model and --confidence.
	ModelPath    string
	MinDetection float64
	// RequestTimeout bounds one Extract call.
	RequestTimeout time.Duration
	// Names maps model indices to landmark names (default pose.MediaPipeNames).
	Names map[int]pose.LandmarkName
}

// Metrics reports worker counters.
type Metrics struct {
	Requests     uint64    `json:"requests"`
	Detections   uint64    `json:"detections"`
	NoDetections uint64    `json:"no_detections"`
	Timeouts     uint64    `json:"timeouts"`
	Stale        uint64    `json:"stale"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Worker drives a pose model subprocess over stdin/stdout.
//
// Requests and responses are msgpack messages behind a 4-byte big-endian
// length prefix. Requests are issued one at a time; a response whose
// sequence number does not match the pending request is stale (its request
// already timed out) and is discarded.
type Worker struct {
	cfg   WorkerConfig
	names map[int]pose.LandmarkName

	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	wg     sync.WaitGroup

	reqMu     sync.Mutex // one in-flight request
	seq       uint64
	responses chan response
	done      chan struct{} // closed when stdout ends

	isActive atomic.Bool

	requests     atomic.Uint64
	detections   atomic.Uint64
	noDetections atomic.Uint64
	timeouts     atomic.Uint64
	stale        atomic.Uint64
	latencyUS    atomic.Uint64
	lastSeenAt   atomic.Value
}

// NewWorker validates cfg. Call Start to spawn the process.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("extractor: worker command is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 500 * time.Millisecond
	}
	if cfg.ID == "" {
		cfg.ID = "pose-" + uuid.New().String()[:8]
	}
	names := cfg.Names
	if names == nil {
		names = pose.MediaPipeNames
	}
	return &Worker{
		cfg:       cfg,
		names:     names,
		responses: make(chan response, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start spawns the worker process.
func (w *Worker) Start(ctx context.Context) error {
	if w.isActive.Load() {
		return fmt.Errorf("extractor: worker already started")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)

	args := append([]string{}, w.cfg.Args...)
	if w.cfg.ModelPath != "" {
		args = append(args, "--model", w.cfg.ModelPath)
	}
	if w.cfg.MinDetection > 0 {
		args = append(args, "--confidence", fmt.Sprintf("%.2f", w.cfg.MinDetection))
	}

	w.cmd = exec.CommandContext(w.ctx, w.cfg.Command, args...)

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pose worker: %w", err)
	}

	slog.Info("pose worker spawned",
		"worker_id", w.cfg.ID,
		"command", w.cfg.Command,
		"pid", w.cmd.Process.Pid,
	)

	w.wg.Add(2)
	go w.logStderr(stderr)
	go w.waitProcess()

	w.attach(stdin, stdout)
	return nil
}

// attach wires the request and response streams and starts the reader.
func (w *Worker) attach(stdin io.WriteCloser, stdout io.Reader) {
	if w.ctx == nil {
		w.ctx, w.cancel = context.WithCancel(context.Background())
	}
	w.stdin = stdin
	w.stdout = stdout
	w.isActive.Store(true)

	w.wg.Add(1)
	go w.readResults(stdout)
}

// Extract sends frame to the worker and waits for its landmarks.
func (w *Worker) Extract(ctx context.Context, frame stream.Frame) (pose.LandmarkSet, error) {
	if !w.isActive.Load() {
		return nil, ErrClosed
	}

	w.reqMu.Lock()
	defer w.reqMu.Unlock()

	w.seq++
	seq := w.seq
	w.requests.Add(1)
	start := time.Now()

	req := request{
		Seq:       seq,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    "rgb",
		FrameData: frame.Data,
		TraceID:   frame.TraceID,
	}

	timer := time.NewTimer(w.cfg.RequestTimeout)
	defer timer.Stop()

	if err := w.send(ctx, req, timer.C); err != nil {
		return nil, err
	}

	for {
		select {
		case resp := <-w.responses:
			if resp.Seq != seq {
				w.stale.Add(1)
				slog.Debug("pose worker: stale response discarded",
					"worker_id", w.cfg.ID,
					"seq", resp.Seq,
					"pending_seq", seq,
				)
				continue
			}
			return w.handle(resp, start)

		case <-timer.C:
			w.timeouts.Add(1)
			return nil, ErrTimeout

		case <-w.done:
			return nil, ErrClosed

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// send writes req without blocking past the request deadline.
func (w *Worker) send(ctx context.Context, req request, deadline <-chan time.Time) error {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeMessage(w.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("failed to write to pose worker: %w", err)
		}
		return nil
	case <-deadline:
		w.timeouts.Add(1)
		return fmt.Errorf("stdin write: %w", ErrTimeout)
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) handle(resp response, start time.Time) (pose.LandmarkSet, error) {
	w.latencyUS.Add(uint64(time.Since(start).Microseconds()))
	w.lastSeenAt.Store(time.Now())

	if resp.Error != "" {
		return nil, fmt.Errorf("pose worker: %s", resp.Error)
	}
	if !resp.Detected || len(resp.Landmarks) == 0 {
		w.noDetections.Add(1)
		return nil, ErrNoDetection
	}

	w.detections.Add(1)
	return toLandmarkSet(resp.Landmarks, w.names), nil
}

// readResults forwards responses until the worker's stdout ends.
func (w *Worker) readResults(stdout io.Reader) {
	defer w.wg.Done()
	defer close(w.done)

	for {
		var resp response
		if err := readMessage(stdout, &resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || w.ctx.Err() != nil {
				slog.Debug("pose worker stdout closed", "worker_id", w.cfg.ID)
				return
			}
			slog.Error("failed to read pose worker response",
				"worker_id", w.cfg.ID,
				"error", err,
				"action", "check pose worker logs in stderr",
			)
			return
		}

		// Replace an unread response: only the pending request's answer matters.
		select {
		case w.responses <- resp:
		default:
			select {
			case <-w.responses:
				w.stale.Add(1)
			default:
			}
			w.responses <- resp
		}
	}
}

// logStderr maps Python log levels to slog levels.
func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("pose worker error", "worker_id", w.cfg.ID, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("pose worker warning", "worker_id", w.cfg.ID, "log", line)
		default:
			slog.Debug("pose worker log", "worker_id", w.cfg.ID, "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("error reading pose worker stderr", "worker_id", w.cfg.ID, "error", err)
	}
}

// waitProcess reaps the process.
func (w *Worker) waitProcess() {
	defer w.wg.Done()

	err := w.cmd.Wait()
	if err == nil {
		slog.Info("pose worker exited cleanly", "worker_id", w.cfg.ID, "pid", w.cmd.Process.Pid)
		return
	}

	select {
	case <-w.ctx.Done():
		slog.Debug("pose worker exited (shutdown)", "worker_id", w.cfg.ID, "pid", w.cmd.Process.Pid)
	default:
		slog.Error("pose worker exited unexpectedly",
			"worker_id", w.cfg.ID,
			"pid", w.cmd.Process.Pid,
			"error", err,
		)
	}
}

// Metrics returns a snapshot of the worker counters.
func (w *Worker) Metrics() Metrics {
	m := Metrics{
		Requests:     w.requests.Load(),
		Detections:   w.detections.Load(),
		NoDetections: w.noDetections.Load(),
		Timeouts:     w.timeouts.Load(),
		Stale:        w.stale.Load(),
	}
	if answered := m.Detections + m.NoDetections; answered > 0 {
		m.AvgLatencyMS = float64(w.latencyUS.Load()) / float64(answered) / 1000
	}
	if v := w.lastSeenAt.Load(); v != nil {
		m.LastSeenAt = v.(time.Time)
	}
	return m
}

// Close closes stdin so the worker can exit, then kills it if it has not
// exited within 2 seconds. Idempotent.
func (w *Worker) Close() error {
	if !w.isActive.Swap(false) {
		return nil
	}

	slog.Info("stopping pose worker", "worker_id", w.cfg.ID)

	if w.stdin != nil {
		w.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("pose worker stop timeout, force killing process", "worker_id", w.cfg.ID)
		w.cancel()
		if c, ok := w.stdout.(io.Closer); ok {
			c.Close()
		}
		<-done
	}
	w.cancel()

	m := w.Metrics()
	slog.Info("pose worker stopped",
		"worker_id", w.cfg.ID,
		"requests", m.Requests,
		"detections", m.Detections,
		"timeouts", m.Timeouts,
	)
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
