package stream

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var gstInit sync.Once

// pipelineElements holds the elements needed after construction.
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	// Decoder has dynamic pads (uridecodebin). Nil for static sources.
	Decoder *gst.Element
	// Convert is the first static element after the source.
	Convert *gst.Element
}

// createPipeline builds
//
//	<source> → videoconvert → videoscale → videorate → capsfilter(RGB,W,H,FPS) → appsink
//
// where <source> is uridecodebin, v4l2src or videotestsrc. The pipeline is
// left in the NULL state.
func createPipeline(cfg GstConfig) (*pipelineElements, error) {
	gstInit.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, dynamic, err := createSourceElement(cfg.URI)
	if err != nil {
		return nil, err
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	rate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildFramerateCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", cfg.Sync)
	appsink.SetProperty("max-buffers", 1)
	// Lossless sources apply backpressure through the appsink instead of
	// dropping in GStreamer.
	appsink.SetProperty("drop", cfg.Policy == Overwrite)

	if err := pipeline.AddMany(src, convert, scale, rate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}

	if err := gst.ElementLinkMany(convert, scale, rate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	elements := &pipelineElements{
		Pipeline: pipeline,
		AppSink:  appsink,
		Convert:  convert,
	}
	if dynamic {
		elements.Decoder = src
	} else if err := src.Link(convert); err != nil {
		return nil, fmt.Errorf("failed to link source: %w", err)
	}

	slog.Debug("stream: pipeline created",
		"source", cfg.Name,
		"element", src.GetFactory().GetName(),
		"caps", buildFramerateCaps(cfg.Width, cfg.Height, cfg.FPS),
	)

	return elements, nil
}

// createSourceElement maps a URI onto a source element. The bool reports
// whether the element exposes dynamic pads.
func createSourceElement(uri string) (*gst.Element, bool, error) {
	switch {
	case strings.HasPrefix(uri, "v4l2://"):
		src, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, false, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		if device := strings.TrimPrefix(uri, "v4l2://"); device != "" {
			src.SetProperty("device", device)
		}
		return src, false, nil

	case strings.HasPrefix(uri, "testsrc://"):
		src, err := gst.NewElement("videotestsrc")
		if err != nil {
			return nil, false, fmt.Errorf("failed to create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
		return src, false, nil

	default:
		resolved, err := normalizeURI(uri)
		if err != nil {
			return nil, false, err
		}
		src, err := gst.NewElement("uridecodebin")
		if err != nil {
			return nil, false, fmt.Errorf("failed to create uridecodebin: %w", err)
		}
		src.SetProperty("uri", resolved)
		return src, true, nil
	}
}

// normalizeURI turns plain paths into file:// URIs.
func normalizeURI(uri string) (string, error) {
	if strings.Contains(uri, "://") {
		return uri, nil
	}
	abs, err := filepath.Abs(uri)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", uri, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("video source: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// buildFramerateCaps builds the appsink caps.
//
// Handles fractional framerates:
//   - fps >= 1.0: framerate = fps/1 (e.g., 30.0 → 30/1)
//   - fps < 1.0: framerate = 1/(1/fps) (e.g., 0.5 → 1/2)
func buildFramerateCaps(width, height int, fps float64) string {
	numerator := 1
	denominator := 1

	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}

	return fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator,
	)
}
