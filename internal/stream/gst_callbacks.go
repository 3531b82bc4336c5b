package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

type callbackContext struct {
	ctx          context.Context
	mailbox      *Mailbox
	frameCounter *uint64
	bytesRead    *uint64
	width        int
	height       int
	name         string
}

// onNewSample copies the appsink buffer into a Frame and hands it to the
// mailbox. A single bad sample is skipped, it does not end the stream.
func onNewSample(sink *app.Sink, cb *callbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("stream: failed to pull sample, skipping frame", "source", cb.name)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("stream: sample without buffer, skipping frame", "source", cb.name)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("stream: empty buffer received", "source", cb.name)
		return gst.FlowOK
	}

	// GStreamer reuses the buffer
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(cb.frameCounter, 1)
	atomic.AddUint64(cb.bytesRead, uint64(len(frameData)))

	frame := Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     cb.width,
		Height:    cb.height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	if !cb.mailbox.Put(cb.ctx, frame) {
		return gst.FlowFlushing
	}
	return gst.FlowOK
}

// onPadAdded links the first video pad of uridecodebin. Audio and
// subtitle pads are left unlinked.
func onPadAdded(srcPad *gst.Pad, convert *gst.Element, name string) {
	caps := srcPad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		slog.Debug("stream: pad without caps ignored", "source", name, "pad", srcPad.GetName())
		return
	}
	media := caps.GetStructureAt(0).Name()
	if !strings.HasPrefix(media, "video/") {
		slog.Debug("stream: non-video pad ignored", "source", name, "pad", srcPad.GetName(), "media", media)
		return
	}

	sinkPad := convert.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("stream: failed to get videoconvert sink pad", "source", name)
		return
	}
	if sinkPad.IsLinked() {
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("stream: failed to link pads",
			"source", name,
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}

	slog.Debug("stream: pads linked", "source", name, "src_pad", srcPad.GetName(), "media", media)
}
