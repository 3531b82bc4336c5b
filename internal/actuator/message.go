// Package actuator sends vibration intensities to the haptic controller.
//
// The wire format is a single ASCII line per datagram: "<left>,<right>\n",
// both integers in [0,100].
package actuator

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxIntensity is the upper bound of both channels.
const MaxIntensity = 100

// Message carries the two vibration intensities.
type Message struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Clamped returns m with both values limited to [0, MaxIntensity].
func (m Message) Clamped() Message {
	return Message{Left: clamp(m.Left), Right: clamp(m.Right)}
}

// Encode renders the wire line. Out-of-range values are clamped.
func Encode(m Message) []byte {
	m = m.Clamped()
	buf := make([]byte, 0, 8)
	buf = strconv.AppendInt(buf, int64(m.Left), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(m.Right), 10)
	return append(buf, '\n')
}

// Parse decodes a wire line. The trailing newline is optional.
func Parse(data []byte) (Message, error) {
	line := strings.TrimRight(string(data), "\r\n")
	left, right, ok := strings.Cut(line, ",")
	if !ok {
		return Message{}, fmt.Errorf("actuator: malformed message %q", line)
	}
	l, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return Message{}, fmt.Errorf("actuator: left intensity: %w", err)
	}
	r, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return Message{}, fmt.Errorf("actuator: right intensity: %w", err)
	}
	return Message{Left: l, Right: r}.Clamped(), nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxIntensity {
		return MaxIntensity
	}
	return v
}
