package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/session"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	sampleBuffer   = 32
)

// Client is the subset of mqtt.Client the emitter uses.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// Topics derived from the configured prefix and the instance id.
type Topics struct {
	Samples  string
	Health   string
	Control  string
	Response string
}

// NewTopics builds <prefix>/{samples,health,control,responses}/<id>.
func NewTopics(prefix, instanceID string) Topics {
	return Topics{
		Samples:  fmt.Sprintf("%s/samples/%s", prefix, instanceID),
		Health:   fmt.Sprintf("%s/health/%s", prefix, instanceID),
		Control:  fmt.Sprintf("%s/control/%s", prefix, instanceID),
		Response: fmt.Sprintf("%s/responses/%s", prefix, instanceID),
	}
}

// Stats are the emitter counters.
type Stats struct {
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
	Connected bool              `json:"connected"`
}

// Emitter publishes session samples and status over MQTT and serves the
// control topic. Observe never blocks the frame loop: samples are queued
// and dropped when the publisher falls behind.
type Emitter struct {
	instanceID string
	cfg        config.TelemetryConfig
	topics     Topics
	client     Client
	callbacks  Callbacks

	samples  chan SamplePayload
	commands chan Command
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	dropped   uint64
	seen      uint64
	connected bool
}

// NewEmitter creates an emitter. Call Connect (or Attach) then Start.
func NewEmitter(instanceID string, cfg config.TelemetryConfig, cb Callbacks) *Emitter {
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = 1
	}
	return &Emitter{
		instanceID: instanceID,
		cfg:        cfg,
		topics:     NewTopics(cfg.TopicPrefix, instanceID),
		callbacks:  cb,
		samples:    make(chan SamplePayload, sampleBuffer),
		commands:   make(chan Command, 10),
		published:  make(map[string]uint64),
	}
}

// Topics returns the topics in use.
func (e *Emitter) Topics() Topics { return e.topics }

// Connect establishes the broker connection with automatic reconnects.
func (e *Emitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.instanceID)
		// Subscriptions do not survive a clean reconnect. Tokens must not
		// be waited on inside the handler.
		go func() {
			if err := e.subscribe(); err != nil {
				slog.Error("failed to resubscribe control topic", "error", err)
			}
		}()
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker)
	}

	client := mqtt.NewClient(opts)
	e.client = client

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Attach uses an already connected client.
func (e *Emitter) Attach(client Client) {
	e.client = client
	e.setConnected(client.IsConnected())
}

// Start subscribes to the control topic and launches the publisher,
// status and command goroutines. They stop when ctx is cancelled or
// Close is called.
func (e *Emitter) Start(ctx context.Context) error {
	if e.client == nil {
		return fmt.Errorf("telemetry: not connected")
	}
	if err := e.subscribe(); err != nil {
		return err
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(3)
	go e.publishSamples(ctx)
	go e.publishStatus(ctx)
	go e.processCommands(ctx)

	slog.Info("telemetry started",
		"samples_topic", e.topics.Samples,
		"health_topic", e.topics.Health,
		"control_topic", e.topics.Control,
		"sample_every", e.cfg.SampleEvery,
	)
	return nil
}

func (e *Emitter) subscribe() error {
	if e.client == nil {
		return nil
	}
	token := e.client.Subscribe(e.topics.Control, 1, e.messageHandler)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	return nil
}

func (e *Emitter) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		slog.Error("failed to parse command", "error", err, "payload", string(msg.Payload()))
		e.respond(Response{
			Status:    "error",
			Error:     err.Error(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	select {
	case e.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (e *Emitter) processCommands(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.commands:
			e.respond(HandleCommand(cmd, e.callbacks))
		}
	}
}

func (e *Emitter) respond(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	if err := e.publish(e.topics.Response, payload); err != nil {
		slog.Error("failed to publish response", "error", err)
	}
}

// Observe queues one of every SampleEvery cycles for publishing.
func (e *Emitter) Observe(c session.Cycle) {
	e.mu.Lock()
	e.seen++
	n := e.seen
	e.mu.Unlock()
	if (n-1)%uint64(e.cfg.SampleEvery) != 0 {
		return
	}

	select {
	case e.samples <- NewSamplePayload(e.instanceID, c):
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

func (e *Emitter) publishSamples(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-e.samples:
			payload, err := p.ToJSON()
			if err != nil {
				e.countError()
				slog.Debug("failed to marshal sample", "error", err, "cycle", p.Cycle)
				continue
			}
			if err := e.publish(e.topics.Samples, payload); err != nil {
				slog.Debug("sample publish failed", "error", err, "cycle", p.Cycle)
			}
		}
	}
}

func (e *Emitter) publishStatus(ctx context.Context) {
	defer e.wg.Done()
	if e.cfg.StatusEveryS <= 0 || e.callbacks.OnGetStatus == nil {
		return
	}
	ticker := time.NewTicker(time.Duration(e.cfg.StatusEveryS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PublishStatus(); err != nil {
				slog.Warn("status publish failed", "error", err)
			}
		}
	}
}

// PublishStatus publishes the current status snapshot on the health topic.
func (e *Emitter) PublishStatus() error {
	if e.callbacks.OnGetStatus == nil {
		return fmt.Errorf("no status callback")
	}
	payload, err := json.Marshal(StatusPayload{
		InstanceID: e.instanceID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Status:     e.callbacks.OnGetStatus(),
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return e.publish(e.topics.Health, payload)
}

func (e *Emitter) publish(topic string, payload []byte) error {
	if e.client == nil || !e.client.IsConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("telemetry published", "topic", topic, "size", len(payload))
	return nil
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// Stats returns a snapshot of the emitter counters.
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
		Connected: e.connected,
	}
}

// Close stops the goroutines and disconnects from the broker.
func (e *Emitter) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.client != nil {
		e.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}
