package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/reference"
	"github.com/e7canasta/dantic/internal/stream"
)

// prepareReference selects the reference provider. Batch mode loads the
// persisted log when it exists, otherwise preprocesses the reference video
// (and saves it when configured). Streaming mode follows the video during
// the session.
func (d *Dantic) prepareReference(ctx context.Context) error {
	ref := d.cfg.Reference

	if ref.Mode == config.ModeStreaming {
		src, err := d.openSource(ctx, stream.GstConfig{
			URI:          ref.URI,
			Width:        d.cfg.Live.Width,
			Height:       d.cfg.Live.Height,
			FPS:          d.cfg.Live.TargetFPS,
			Policy:       stream.Overwrite,
			Sync:         true,
			FrameTimeout: d.cfg.FrameTimeout(),
			Name:         "reference",
		})
		if err != nil {
			return fmt.Errorf("failed to open reference stream: %w", err)
		}
		d.refSource = src

		// A second worker so reference and live extraction do not queue
		// behind each other.
		ex, err := d.newExtractor(ctx, "reference-pose")
		if err != nil {
			return err
		}
		d.refEx = ex

		d.streamer = reference.NewStreamer(src, ex, d.reducer, reference.StreamerOptions{
			Record: ref.SaveLog,
		})
		d.mu.Lock()
		d.provider = d.streamer
		d.mu.Unlock()
		slog.Info("reference streaming from video", "uri", ref.URI)
		return nil
	}

	poses, err := d.loadOrBuild(ctx)
	if err != nil {
		return err
	}
	store, err := reference.NewStore(poses, ref.AllowEmpty)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.provider = store
	d.mu.Unlock()
	slog.Info("reference ready", "poses", store.Len(), "mode", ref.Mode)
	return nil
}

func (d *Dantic) loadOrBuild(ctx context.Context) ([]pose.Reduced, error) {
	ref := d.cfg.Reference

	if ref.LogPath != "" {
		poses, _, err := reference.LoadCSV(ref.LogPath)
		if err == nil {
			return poses, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load reference log: %w", err)
		}
		slog.Info("reference log not found", "path", ref.LogPath, "preprocess", ref.URI != "")
	}

	if ref.URI == "" {
		return nil, nil
	}

	poses, err := d.preprocess(ctx)
	if err != nil {
		return nil, err
	}

	if ref.SaveLog {
		if err := reference.SaveCSV(ref.LogPath, poses, reference.CSVOptions{
			Header:    ref.Header,
			Precision: ref.Precision,
		}); err != nil {
			return nil, fmt.Errorf("failed to save reference log: %w", err)
		}
		slog.Info("reference log saved", "path", ref.LogPath, "rows", len(poses))
	}
	return poses, nil
}

// preprocess reduces every frame of the reference video, resampled to the
// live target rate so index i lines up with cycle i.
func (d *Dantic) preprocess(ctx context.Context) ([]pose.Reduced, error) {
	src, err := d.openSource(ctx, stream.GstConfig{
		URI:    d.cfg.Reference.URI,
		Width:  d.cfg.Live.Width,
		Height: d.cfg.Live.Height,
		FPS:    d.cfg.Live.TargetFPS,
		Policy: stream.Lossless,
		Name:   "reference",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open reference video: %w", err)
	}
	defer src.Close()

	poses, stats, err := reference.Build(ctx, src, d.liveEx, d.reducer, reference.BuildOptions{
		Progress:       d.cfg.Reference.Progress,
		ProgressOutput: os.Stderr,
		Name:           "reference",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess reference: %w", err)
	}

	slog.Info("reference preprocessed",
		"frames", stats.Frames,
		"detected", stats.Detected,
		"held", stats.Held,
		"duration", stats.Duration,
	)
	return poses, nil
}

func (d *Dantic) saveRecorded() {
	poses := d.streamer.Recorded()
	if err := reference.SaveCSV(d.cfg.Reference.LogPath, poses, reference.CSVOptions{
		Header:    d.cfg.Reference.Header,
		Precision: d.cfg.Reference.Precision,
	}); err != nil {
		slog.Error("failed to save streamed reference", "error", err, "path", d.cfg.Reference.LogPath)
		return
	}
	slog.Info("streamed reference saved", "path", d.cfg.Reference.LogPath, "rows", len(poses))
}
