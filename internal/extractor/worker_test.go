package extractor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/stream"
)

// startFake attaches a Worker to an in-process responder. handler returns
// the responses to write for each request.
func startFake(t *testing.T, timeout time.Duration, handler func(req request) []response) *Worker {
	t.Helper()

	w, err := NewWorker(WorkerConfig{ID: "test", Command: "fake", RequestTimeout: timeout})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	go func() {
		defer respW.Close()
		for {
			var req request
			if err := readMessage(reqR, &req); err != nil {
				return
			}
			for _, resp := range handler(req) {
				if err := writeMessage(respW, resp); err != nil {
					return
				}
			}
		}
	}()

	w.attach(reqW, respR)
	t.Cleanup(func() { w.Close() })
	return w
}

func testFrame() stream.Frame {
	return stream.Frame{Seq: 1, Width: 2, Height: 1, Data: make([]byte, 6), TraceID: "trace"}
}

func TestWorker_MapsIndicesToNames(t *testing.T) {
	w := startFake(t, time.Second, func(req request) []response {
		if req.Format != "rgb" || req.Width != 2 || len(req.FrameData) != 6 {
			t.Errorf("unexpected request: %+v", req)
		}
		return []response{{
			Seq:      req.Seq,
			Detected: true,
			Landmarks: []wireLandmark{
				{Index: 13, X: 0.1, Y: 0.2, Visibility: 0.9},
				{Index: 15, X: 0.3, Y: 0.4, Visibility: 0.9},
				{Index: 14, X: 0.5, Y: 0.6, Visibility: 0.9},
				{Index: 16, X: 0.7, Y: 0.8, Visibility: 0.9},
				{Index: 27, X: 0.2, Y: 0.9, Visibility: 0.8},
				{Index: 28, X: 0.8, Y: 0.9, Visibility: 0.8},
				{Index: 5, X: 0.5, Y: 0.1, Visibility: 0.9}, // eye, unmapped
			},
		}}
	})

	set, err := w.Extract(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(set) != 6 {
		t.Errorf("Extract() returned %d landmarks, want 6", len(set))
	}

	want := map[pose.LandmarkName]pose.Landmark{
		pose.LeftElbow:  {X: 0.1, Y: 0.2, Visibility: 0.9},
		pose.LeftWrist:  {X: 0.3, Y: 0.4, Visibility: 0.9},
		pose.RightElbow: {X: 0.5, Y: 0.6, Visibility: 0.9},
		pose.RightWrist: {X: 0.7, Y: 0.8, Visibility: 0.9},
		pose.LeftAnkle:  {X: 0.2, Y: 0.9, Visibility: 0.8},
		pose.RightAnkle: {X: 0.8, Y: 0.9, Visibility: 0.8},
	}
	for name, lm := range want {
		if got, ok := set.Get(name); !ok || got != lm {
			t.Errorf("landmark %s = %+v (ok=%v), want %+v", name, got, ok, lm)
		}
	}

	// the reduced pose is reachable from the worker output
	if _, ok := pose.NewReducer(pose.ReducerConfig{}).Reduce(set); !ok {
		t.Error("Reduce() on worker output reported absent")
	}

	if m := w.Metrics(); m.Requests != 1 || m.Detections != 1 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestWorker_NoDetection(t *testing.T) {
	w := startFake(t, time.Second, func(req request) []response {
		return []response{{Seq: req.Seq, Detected: false}}
	})

	if _, err := w.Extract(context.Background(), testFrame()); !errors.Is(err, ErrNoDetection) {
		t.Errorf("Extract() error = %v, want ErrNoDetection", err)
	}
	if m := w.Metrics(); m.NoDetections != 1 {
		t.Errorf("NoDetections = %d, want 1", m.NoDetections)
	}
}

func TestWorker_WorkerError(t *testing.T) {
	w := startFake(t, time.Second, func(req request) []response {
		return []response{{Seq: req.Seq, Error: "bad frame size"}}
	})

	_, err := w.Extract(context.Background(), testFrame())
	if err == nil || errors.Is(err, ErrNoDetection) {
		t.Errorf("Extract() error = %v, want worker error", err)
	}
}

func TestWorker_DiscardsStaleResponses(t *testing.T) {
	w := startFake(t, time.Second, func(req request) []response {
		return []response{
			{Seq: req.Seq + 100, Detected: false},
			{Seq: req.Seq, Detected: true, Landmarks: []wireLandmark{{Index: 0, X: 0.5, Y: 0.5, Visibility: 1}}},
		}
	})

	set, err := w.Extract(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if _, ok := set.Get(pose.Nose); !ok {
		t.Error("Extract() did not return the matching response")
	}
	if m := w.Metrics(); m.Stale != 1 {
		t.Errorf("Stale = %d, want 1", m.Stale)
	}
}

func TestWorker_Timeout(t *testing.T) {
	w := startFake(t, 30*time.Millisecond, func(req request) []response {
		return nil
	})

	start := time.Now()
	_, err := w.Extract(context.Background(), testFrame())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Extract() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Extract() took %v with a 30ms timeout", elapsed)
	}
	if m := w.Metrics(); m.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", m.Timeouts)
	}
}

func TestWorker_ClosedAfterClose(t *testing.T) {
	w := startFake(t, time.Second, func(req request) []response {
		return []response{{Seq: req.Seq}}
	})

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := w.Extract(context.Background(), testFrame()); !errors.Is(err, ErrClosed) {
		t.Errorf("Extract() after Close error = %v, want ErrClosed", err)
	}
}

func TestNewWorker_RequiresCommand(t *testing.T) {
	if _, err := NewWorker(WorkerConfig{}); err == nil {
		t.Error("NewWorker() without command succeeded")
	}
}

func TestProtocol_Framing(t *testing.T) {
	var buf bytes.Buffer
	in := response{Seq: 7, Detected: true, Landmarks: []wireLandmark{{Index: 13, X: 0.25, Y: 0.75, Visibility: 0.5}}}

	if err := writeMessage(&buf, in); err != nil {
		t.Fatalf("writeMessage() error = %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len()-4 {
		t.Errorf("length prefix = %d, body = %d bytes", got, buf.Len()-4)
	}

	var out response
	if err := readMessage(&buf, &out); err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if out.Seq != 7 || !out.Detected || len(out.Landmarks) != 1 || out.Landmarks[0] != in.Landmarks[0] {
		t.Errorf("readMessage() = %+v", out)
	}

	if err := readMessage(&buf, &out); !errors.Is(err, io.EOF) {
		t.Errorf("readMessage() on empty stream error = %v, want io.EOF", err)
	}
}

func TestProtocol_RejectsOversizedMessage(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)

	var out response
	if err := readMessage(bytes.NewReader(prefix[:]), &out); err == nil {
		t.Error("readMessage() accepted an oversized length prefix")
	}
}

func TestStatic(t *testing.T) {
	set := pose.LandmarkSet{pose.Nose: {X: 0.5, Y: 0.1, Visibility: 1}}
	s := Static{Set: set}

	got, err := s.Extract(context.Background(), stream.Frame{})
	if err != nil || got[pose.Nose] != set[pose.Nose] {
		t.Fatalf("Extract() = %v, %v", got, err)
	}
	got[pose.Nose] = pose.Landmark{}
	if set[pose.Nose].X != 0.5 {
		t.Error("Extract() returned the shared map")
	}

	if _, err := (Static{}).Extract(context.Background(), stream.Frame{}); !errors.Is(err, ErrNoDetection) {
		t.Errorf("empty Static error = %v, want ErrNoDetection", err)
	}
}

func TestFunc(t *testing.T) {
	calls := 0
	f := Func(func(ctx context.Context, frame stream.Frame) (pose.LandmarkSet, error) {
		calls++
		return nil, ErrNoDetection
	})
	var e Extractor = f
	if _, err := e.Extract(context.Background(), stream.Frame{}); !errors.Is(err, ErrNoDetection) || calls != 1 {
		t.Errorf("Func.Extract() = %v, calls=%d", err, calls)
	}
}
