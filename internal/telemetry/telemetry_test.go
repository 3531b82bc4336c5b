package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/dantic/internal/actuator"
	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/pose"
	"github.com/e7canasta/dantic/internal/scoring"
	"github.com/e7canasta/dantic/internal/session"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	publishErr   error
	messages     []published
	handler      mqtt.MessageHandler
	subscribed   string
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.messages = append(c.messages, published{topic: topic, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = topic
	c.handler = cb
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) deliver(payload string) {
	c.mu.Lock()
	h, topic := c.handler, c.subscribed
	c.mu.Unlock()
	h(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

// waitFor polls until a message arrives on topic.
func (c *fakeClient) waitFor(t *testing.T, topic string) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, m := range c.messages {
			if m.topic == topic {
				c.mu.Unlock()
				return m.payload
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message on %s", topic)
	return nil
}

func testConfig(every int) config.TelemetryConfig {
	return config.TelemetryConfig{
		Broker:       "localhost:1883",
		TopicPrefix:  "dantic",
		SampleEvery:  every,
		StatusEveryS: 0,
	}
}

func testCycle(i uint64) session.Cycle {
	return session.Cycle{
		SessionID: "s1",
		Index:     i,
		Cursor:    int(i),
		Detected:  true,
		Live:      pose.Reduced{LeftArm: pose.Point{X: 0.1, Y: 0.2}},
		Sample:    scoring.Sample{LeftError: 0.05, LeftIntensity: 50},
		Message:   actuator.Message{Left: 50, Right: 0},
		At:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Elapsed:   1500 * time.Microsecond,
	}
}

func TestNewTopics(t *testing.T) {
	topics := NewTopics("dantic", "studio-1")
	if topics.Samples != "dantic/samples/studio-1" {
		t.Errorf("samples = %s", topics.Samples)
	}
	if topics.Control != "dantic/control/studio-1" {
		t.Errorf("control = %s", topics.Control)
	}
	if topics.Response != "dantic/responses/studio-1" {
		t.Errorf("response = %s", topics.Response)
	}
}

func TestObserveSamplesEveryN(t *testing.T) {
	e := NewEmitter("studio-1", testConfig(2), Callbacks{})
	for i := uint64(0); i < 5; i++ {
		e.Observe(testCycle(i))
	}
	if got := len(e.samples); got != 3 {
		t.Errorf("queued %d samples, want 3", got)
	}
}

func TestObserveDropsWhenFull(t *testing.T) {
	e := NewEmitter("studio-1", testConfig(1), Callbacks{})
	for i := uint64(0); i < sampleBuffer+8; i++ {
		e.Observe(testCycle(i))
	}
	if got := e.Stats().Dropped; got != 8 {
		t.Errorf("dropped = %d, want 8", got)
	}
}

func TestSamplePayload(t *testing.T) {
	c := testCycle(3)
	p := NewSamplePayload("studio-1", c)
	if p.Live == nil || p.Sample == nil {
		t.Fatal("expected live pose and sample")
	}
	if p.Left != 50 || p.LatencyMS != 1.5 {
		t.Errorf("left=%d latency=%v", p.Left, p.LatencyMS)
	}

	c.Skipped = true
	c.SendErr = errors.New("refused")
	p = NewSamplePayload("studio-1", c)
	if p.Live != nil || p.Sample != nil || p.Left != 0 {
		t.Errorf("skipped cycle should carry no sample: %+v", p)
	}
	if p.SendError != "refused" {
		t.Errorf("send_error = %q", p.SendError)
	}
}

func TestSamplePayload_NaNReference(t *testing.T) {
	eng, err := scoring.New(scoring.Config{MaxError: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	nan := pose.Point{X: math.NaN(), Y: math.NaN()}
	ref := pose.Reduced{LeftArm: nan, RightArm: pose.Point{X: 0.7, Y: 0.5}}

	c := testCycle(4)
	c.Reference = ref
	c.Sample = eng.Compute(c.Live, ref)

	data, err := NewSamplePayload("studio-1", c).ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var got struct {
		Reference struct {
			LeftArm map[string]any `json:"left_arm"`
		} `json:"reference"`
		Sample map[string]any `json:"sample"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if v, ok := got.Reference.LeftArm["x"]; !ok || v != nil {
		t.Errorf("reference.left_arm.x = %v, want null", v)
	}
	if v, ok := got.Sample["left_error"]; !ok || v != nil {
		t.Errorf("sample.left_error = %v, want null", v)
	}
	if got.Sample["left_intensity"] != float64(0) {
		t.Errorf("sample.left_intensity = %v, want 0", got.Sample["left_intensity"])
	}

	status := StatusPayload{InstanceID: "studio-1", Status: session.Stats{LastSample: c.Sample}}
	if _, err := json.Marshal(status); err != nil {
		t.Errorf("status with NaN sample: %v", err)
	}
}

func TestPublishesSamples(t *testing.T) {
	client := &fakeClient{connected: true}
	e := NewEmitter("studio-1", testConfig(1), Callbacks{})
	e.Attach(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Close()

	e.Observe(testCycle(7))
	raw := client.waitFor(t, e.Topics().Samples)

	var got SamplePayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Cycle != 7 || got.Left != 50 || got.InstanceID != "studio-1" {
		t.Errorf("payload = %+v", got)
	}
	if e.Stats().Published[e.Topics().Samples] != 1 {
		t.Errorf("published stats = %v", e.Stats().Published)
	}
}

func TestControlCommands(t *testing.T) {
	client := &fakeClient{connected: true}
	stopped := make(chan struct{}, 1)
	e := NewEmitter("studio-1", testConfig(1), Callbacks{
		OnStop: func() error {
			stopped <- struct{}{}
			return nil
		},
		OnGetStatus: func() any { return map[string]any{"cycles": 12} },
	})
	e.Attach(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Close()

	if client.subscribed != e.Topics().Control {
		t.Fatalf("subscribed to %q", client.subscribed)
	}

	client.deliver(`{"command":"get_status"}`)
	raw := client.waitFor(t, e.Topics().Response)
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CommandAck != "get_status" || resp.Status != "success" {
		t.Errorf("response = %+v", resp)
	}

	client.deliver(`{"command":"stop"}`)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop callback not invoked")
	}
}

func TestControlRejectsInvalidPayload(t *testing.T) {
	client := &fakeClient{connected: true}
	e := NewEmitter("studio-1", testConfig(1), Callbacks{})
	e.Attach(client)
	if err := e.subscribe(); err != nil {
		t.Fatal(err)
	}

	client.deliver(`not json`)
	raw := client.waitFor(t, e.Topics().Response)
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "error" || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		name   string
		cmd    Command
		cb     Callbacks
		status string
	}{
		{"unknown", Command{Command: "dance"}, Callbacks{}, "error"},
		{"stop without callback", Command{Command: CommandStop}, Callbacks{}, "error"},
		{"stop", Command{Command: CommandStop}, Callbacks{OnStop: func() error { return nil }}, "stopping"},
		{"stop fails", Command{Command: CommandStop}, Callbacks{OnStop: func() error { return errors.New("busy") }}, "error"},
		{"status", Command{Command: CommandGetStatus}, Callbacks{OnGetStatus: func() any { return 1 }}, "success"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := HandleCommand(tt.cmd, tt.cb)
			if resp.Status != tt.status {
				t.Errorf("status = %s, want %s (error %q)", resp.Status, tt.status, resp.Error)
			}
			if resp.CommandAck != tt.cmd.Command {
				t.Errorf("ack = %s", resp.CommandAck)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	if _, err := ParseCommand([]byte(`{}`)); err == nil {
		t.Error("expected error for missing command")
	}
	cmd, err := ParseCommand([]byte(`{"command":"stop","params":{"reason":"done"}}`))
	if err != nil || cmd.Command != "stop" || cmd.Params["reason"] != "done" {
		t.Errorf("cmd=%+v err=%v", cmd, err)
	}
}

func TestPublishErrorsCounted(t *testing.T) {
	client := &fakeClient{connected: false}
	e := NewEmitter("studio-1", testConfig(1), Callbacks{OnGetStatus: func() any { return nil }})
	e.Attach(client)

	if err := e.PublishStatus(); err == nil {
		t.Error("expected error while disconnected")
	}

	client.connected = true
	client.publishErr = errors.New("broker said no")
	if err := e.PublishStatus(); err == nil {
		t.Error("expected publish error")
	}
	if got := e.Stats().Errors; got != 2 {
		t.Errorf("errors = %d, want 2", got)
	}
}

func TestCloseDisconnects(t *testing.T) {
	client := &fakeClient{connected: true}
	e := NewEmitter("studio-1", testConfig(1), Callbacks{})
	e.Attach(client)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if !client.disconnected || e.Stats().Connected {
		t.Error("expected disconnect")
	}
}

func TestStartRequiresClient(t *testing.T) {
	e := NewEmitter("studio-1", testConfig(1), Callbacks{})
	if err := e.Start(context.Background()); err == nil {
		t.Error("expected error without client")
	}
}
