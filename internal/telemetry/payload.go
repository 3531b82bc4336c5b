package telemetry

import (
	"encoding/json"
	"time"

	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/scoring"
	"github.com/e7canasta/dantic/internal/session"
)

// SamplePayload is published on the samples topic.
type SamplePayload struct {
	InstanceID string          `json:"instance_id"`
	SessionID  string          `json:"session_id"`
	Cycle      uint64          `json:"cycle"`
	Cursor     int             `json:"cursor"`
	Detected   bool            `json:"detected"`
	Skipped    bool            `json:"skipped"`
	Live       *pose.Reduced   `json:"live,omitempty"`
	Reference  pose.Reduced    `json:"reference"`
	Sample     *scoring.Sample `json:"sample,omitempty"`
	Left       int             `json:"left"`
	Right      int             `json:"right"`
	SendError  string          `json:"send_error,omitempty"`
	LatencyMS  float64         `json:"latency_ms"`
	TraceID    string          `json:"trace_id,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// NewSamplePayload converts a cycle into its wire form.
func NewSamplePayload(instanceID string, c session.Cycle) SamplePayload {
	p := SamplePayload{
		InstanceID: instanceID,
		SessionID:  c.SessionID,
		Cycle:      c.Index,
		Cursor:     c.Cursor,
		Detected:   c.Detected,
		Skipped:    c.Skipped,
		Reference:  c.Reference,
		LatencyMS:  float64(c.Elapsed.Microseconds()) / 1000,
		Timestamp:  c.At.UTC().Format(time.RFC3339Nano),
	}
	if c.HasFrame {
		p.TraceID = c.Frame.TraceID
	}
	if !c.Skipped {
		live := c.Live
		sample := c.Sample
		p.Live = &live
		p.Sample = &sample
		p.Left = c.Message.Left
		p.Right = c.Message.Right
	}
	if c.SendErr != nil {
		p.SendError = c.SendErr.Error()
	}
	return p
}

// ToJSON encodes the payload.
func (p SamplePayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// StatusPayload is published on the health topic.
type StatusPayload struct {
	InstanceID string `json:"instance_id"`
	Timestamp  string `json:"timestamp"`
	Status     any    `json:"status"`
}
