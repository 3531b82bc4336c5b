package reference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/e7canasta/dantic/internal/extractor"
	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/stream"
)

const progressTemplate = `{{ string . "prefix" }} {{counters . "%s/%s" "%s/?"}} {{bar . }} {{percent . "%.01f%%" "?"}} {{etime . "%s elapsed"}} {{rtime . "%s remain" "%s total" "???"}}`

// BuildOptions controls batch preprocessing.
type BuildOptions struct {
	// Progress shows a terminal progress bar.
	Progress bool
	// ProgressOutput overrides the bar's writer (default stderr).
	ProgressOutput io.Writer
	// Name prefixes the progress bar.
	Name string
}

// BuildStats summarizes a batch run.
type BuildStats struct {
	Frames   int
	Detected int
	Held     int
	Duration time.Duration
}

// Build runs every frame of a finite source through the extractor and
// reducer and returns one pose per frame.
//
// Frames without a reduced pose repeat the last good pose; frames before
// the first detection get the zero pose. Extraction failures are misses,
// not errors. Build stops at ErrSourceExhausted and fails on any other
// source error.
func Build(ctx context.Context, src stream.Source, ex extractor.Extractor, reducer *pose.Reducer, opts BuildOptions) ([]pose.Reduced, BuildStats, error) {
	start := time.Now()
	var stats BuildStats

	bar := newProgressBar(src, opts)
	if bar != nil {
		defer bar.Finish()
	}

	var (
		seq  []pose.Reduced
		last = pose.Zero
	)
	if sizer, ok := src.(stream.Sizer); ok {
		if n := sizer.EstimatedFrames(); n > 0 {
			seq = make([]pose.Reduced, 0, n)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, stream.ErrSourceExhausted) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("reference: frame %d: %w", stats.Frames+1, err)
		}

		stats.Frames++
		if bar != nil {
			bar.Increment()
		}

		landmarks, err := ex.Extract(ctx, frame)
		switch {
		case err == nil:
			if p, ok := reducer.Reduce(landmarks); ok {
				last = p
				stats.Detected++
			} else {
				stats.Held++
			}
		case ctx.Err() != nil:
			return nil, stats, ctx.Err()
		default:
			if !errors.Is(err, extractor.ErrNoDetection) {
				slog.Debug("reference: extraction failed",
					"frame_seq", frame.Seq,
					"trace_id", frame.TraceID,
					"error", err,
				)
			}
			stats.Held++
		}

		seq = append(seq, last)
	}

	stats.Duration = time.Since(start)
	slog.Info("reference sequence built",
		"frames", stats.Frames,
		"detected", stats.Detected,
		"held", stats.Held,
		"duration", stats.Duration,
	)

	return seq, stats, nil
}

func newProgressBar(src stream.Source, opts BuildOptions) *pb.ProgressBar {
	if !opts.Progress {
		return nil
	}
	total := 0
	if sizer, ok := src.(stream.Sizer); ok {
		total = sizer.EstimatedFrames()
	}

	bar := pb.ProgressBarTemplate(progressTemplate).New(total)
	if opts.ProgressOutput != nil {
		bar.SetWriter(opts.ProgressOutput)
	}
	name := opts.Name
	if name == "" {
		name = "reference"
	}
	bar.Set("prefix", name)
	return bar.Start()
}
