package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/e7canasta/dantic/internal/session"
	"github.com/e7canasta/dantic/internal/stream"
)

// Options configure a Renderer.
type Options struct {
	OutputDir string
	ShowLive  bool
	// Every writes one of every N cycles that carry a frame.
	Every    int
	MaxError float64
}

type job struct {
	frame stream.Frame
	marks []Mark
	index uint64
}

// Renderer is a session.Sink that writes annotated JPEG snapshots.
// Drawing and encoding run on a background goroutine; cycles are dropped
// while it is busy.
type Renderer struct {
	opts Options
	jobs chan job
	wg   sync.WaitGroup

	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	seen    uint64
	written uint64
	dropped uint64
	failed  uint64
}

// NewRenderer creates the output directory and returns a renderer.
func NewRenderer(opts Options) (*Renderer, error) {
	if opts.Every <= 0 {
		opts.Every = 1
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create overlay dir: %w", err)
	}
	return &Renderer{
		opts: opts,
		jobs: make(chan job, 2),
	}, nil
}

// Start runs the writer until ctx is cancelled or Close is called.
func (r *Renderer) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-r.jobs:
				if !ok {
					return
				}
				r.write(j)
			}
		}
	}()
}

// Observe implements session.Sink.
func (r *Renderer) Observe(c session.Cycle) {
	if !c.HasFrame || len(c.Frame.Data) == 0 {
		return
	}

	hasLive := c.Detected && !c.Skipped
	marks := Marks(c.Live, c.Reference, hasLive, c.Sample, r.opts.MaxError,
		c.Frame.Width, c.Frame.Height, r.opts.ShowLive)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.seen++
	if (r.seen-1)%uint64(r.opts.Every) != 0 {
		return
	}
	select {
	case r.jobs <- job{frame: c.Frame, marks: marks, index: c.Index}:
	default:
		r.dropped++
	}
}

func (r *Renderer) write(j job) {
	path := filepath.Join(r.opts.OutputDir, fmt.Sprintf("overlay_%06d.jpg", j.index))
	if err := Render(j.frame, j.marks, path); err != nil {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		slog.Warn("overlay write failed", "error", err, "path", path)
		return
	}
	r.mu.Lock()
	r.written++
	r.mu.Unlock()
	slog.Debug("overlay written", "path", path, "cycle", j.index)
}

// Render draws marks on an RGB frame and writes it to path.
func Render(frame stream.Frame, marks []Mark, path string) error {
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) < frame.Width*frame.Height*3 {
		return fmt.Errorf("frame %dx%d has %d bytes, want RGB", frame.Width, frame.Height, len(frame.Data))
	}
	rgb, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return fmt.Errorf("frame %dx%d: %w", frame.Width, frame.Height, err)
	}
	defer rgb.Close()

	img := gocv.NewMat()
	defer img.Close()
	gocv.CvtColor(rgb, &img, gocv.ColorRGBToBGR)

	Draw(&img, marks)

	if !gocv.IMWrite(path, img) {
		return fmt.Errorf("imwrite %s failed", path)
	}
	return nil
}

// Draw applies marks to img in order.
func Draw(img *gocv.Mat, marks []Mark) {
	for _, m := range marks {
		switch m.Kind {
		case MarkPoint:
			gocv.Circle(img, m.From, pointRadius, m.Color, -1)
		case MarkLine:
			gocv.Line(img, m.From, m.To, m.Color, lineThickness)
		case MarkText:
			gocv.PutText(img, m.Text, m.From, gocv.FontHersheySimplex, 0.7, m.Color, 2)
		}
	}
}

// Stats reports seen, written, dropped and failed snapshot counts.
func (r *Renderer) Stats() (seen, written, dropped, failed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen, r.written, r.dropped, r.failed
}

// Close drains pending snapshots and stops the writer.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.jobs)
		r.mu.Unlock()
		r.wg.Wait()
	})
	return nil
}
