// Command dantic-preprocess reduces a reference video to a pose log that
// danticd loads in batch mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/extractor"
	"github.com/e7canasta/dantic/internal/logging"
	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/reference"
	"github.com/e7canasta/dantic/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Optional configuration file (extractor, reducer and live settings)")
	input := flag.String("input", "", "Reference video (path or URI, required)")
	output := flag.String("output", "", "Output CSV path (required)")
	worker := flag.String("worker", "", "Pose worker command (overrides config)")
	model := flag.String("model", "", "Pose model path (overrides config)")
	fps := flag.Float64("fps", 0, "Resample rate, must match the live target fps (overrides config)")
	width := flag.Int("width", 0, "Decode width (overrides config)")
	height := flag.Int("height", 0, "Decode height (overrides config)")
	header := flag.Bool("header", false, "Write a header row")
	precision := flag.Int("precision", config.DefaultPrecision, "Decimals per coordinate (-1 = shortest exact, -2 = none)")
	progress := flag.Bool("progress", true, "Show a progress bar")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *input == "" || *output == "" {
		fmt.Fprintf(os.Stderr, "Error: --input and --output are required\n\n")
		fmt.Fprintf(os.Stderr, "Usage example:\n")
		fmt.Fprintf(os.Stderr, "  dantic-preprocess --input dance.mp4 --output reference.csv --worker models/run_pose_worker.sh\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	if _, err := logging.Setup(logging.Options{Level: level, Format: "text"}); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	cfg := &config.Config{}
	cfg.Reference.AllowEmpty = true
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if err := config.Validate(cfg); err != nil {
		slog.Error("invalid defaults", "error", err)
		os.Exit(1)
	}

	if *worker != "" {
		cfg.Extractor.Command = *worker
	}
	if *model != "" {
		cfg.Extractor.ModelPath = *model
	}
	if *fps > 0 {
		cfg.Live.TargetFPS = *fps
	}
	if *width > 0 {
		cfg.Live.Width = *width
	}
	if *height > 0 {
		cfg.Live.Height = *height
	}
	if cfg.Extractor.Command == "" {
		slog.Error("a pose worker is required (--worker or extractor.command)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *input, *output, *header, *precision, *progress); err != nil {
		slog.Error("preprocessing failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, input, output string, header bool, precision int, progress bool) error {
	w, err := extractor.NewWorker(extractor.WorkerConfig{
		ID:             "preprocess",
		Command:        cfg.Extractor.Command,
		Args:           cfg.Extractor.Args,
		ModelPath:      cfg.Extractor.ModelPath,
		MinDetection:   cfg.Extractor.MinDetection,
		RequestTimeout: time.Duration(cfg.Extractor.RequestTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pose worker: %w", err)
	}
	defer w.Close()

	src, err := stream.NewGstSource(ctx, stream.GstConfig{
		URI:    input,
		Width:  cfg.Live.Width,
		Height: cfg.Live.Height,
		FPS:    cfg.Live.TargetFPS,
		Policy: stream.Lossless,
		Name:   "reference",
	})
	if err != nil {
		return err
	}
	defer src.Close()

	reducer := pose.NewReducer(pose.ReducerConfig{
		Strict:        cfg.Reducer.Strict,
		MinVisibility: cfg.Reducer.MinVisibility,
	})

	poses, stats, err := reference.Build(ctx, src, w, reducer, reference.BuildOptions{
		Progress:       progress,
		ProgressOutput: os.Stderr,
		Name:           input,
	})
	if err != nil {
		return err
	}

	if err := reference.SaveCSV(output, poses, reference.CSVOptions{Header: header, Precision: precision}); err != nil {
		return err
	}

	m := w.Metrics()
	slog.Info("reference log written",
		"output", output,
		"rows", len(poses),
		"detected", stats.Detected,
		"held", stats.Held,
		"duration", stats.Duration,
		"worker_avg_latency_ms", fmt.Sprintf("%.1f", m.AvgLatencyMS),
		"worker_timeouts", m.Timeouts,
	)
	return nil
}
