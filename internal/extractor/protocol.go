package extractor

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/dantic/internal/pose"
)

// maxMessageSize guards against a corrupted length prefix.
const maxMessageSize = 64 << 20

// request is one frame sent to the pose worker.
type request struct {
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	FrameData []byte `msgpack:"frame_data"`
	TraceID   string `msgpack:"trace_id"`
}

// response is the worker's answer for one request.
type response struct {
	Seq       uint64             `msgpack:"seq"`
	Detected  bool               `msgpack:"detected"`
	Landmarks []wireLandmark     `msgpack:"landmarks"`
	Error     string             `msgpack:"error"`
	Timing    map[string]float64 `msgpack:"timing"`
}

// wireLandmark carries the model's own keypoint index.
type wireLandmark struct {
	Index      int     `msgpack:"index"`
	X          float64 `msgpack:"x"`
	Y          float64 `msgpack:"y"`
	Visibility float64 `msgpack:"visibility"`
}

// writeMessage writes v as msgpack behind a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	// Single write so a concurrent reader never sees a prefix without its body
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxMessageSize {
		return fmt.Errorf("message length %d exceeds limit %d", length, maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read message body (%d bytes): %w", length, err)
	}

	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// toLandmarkSet maps model indices to names. Indices without a name are
// dropped.
func toLandmarkSet(in []wireLandmark, names map[int]pose.LandmarkName) pose.LandmarkSet {
	set := make(pose.LandmarkSet, len(names))
	for _, lm := range in {
		name, ok := names[lm.Index]
		if !ok {
			continue
		}
		set[name] = pose.Landmark{X: lm.X, Y: lm.Y, Visibility: lm.Visibility}
	}
	return set
}
