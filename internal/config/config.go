package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dantic session configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Live             LiveConfig      `yaml:"live"`
	Reference        ReferenceConfig `yaml:"reference"`
	Extractor        ExtractorConfig `yaml:"extractor"`
	Reducer          ReducerConfig   `yaml:"reducer"`
	Scoring          ScoringConfig   `yaml:"scoring"`
	Fallback         FallbackConfig  `yaml:"fallback"`
	Actuator         ActuatorConfig  `yaml:"actuator"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
	Health           HealthConfig    `yaml:"health"`
	Overlay          OverlayConfig   `yaml:"overlay"`
	Logging          LoggingConfig   `yaml:"logging"`
}

// LiveConfig describes the performer's camera feed
type LiveConfig struct {
	// URI is a GStreamer URI (file://, rtsp://) or "v4l2:///dev/videoN".
	// Empty selects the synthetic source (dry run).
	URI             string  `yaml:"uri"`
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	TargetFPS       float64 `yaml:"target_fps"`       // pacing rate of the frame loop
	FrameTimeoutMS  int     `yaml:"frame_timeout_ms"` // max wait for one live frame
	SyntheticFrames int     `yaml:"synthetic_frames"` // dry-run length (0 = unbounded)
	Reconnect       bool    `yaml:"reconnect"`        // reopen the camera after it drops
	MaxRetries      int     `yaml:"max_retries"`      // reconnect attempts per outage (default 5)
}

// ReferenceConfig describes where the expected pose sequence comes from
type ReferenceConfig struct {
	Mode       string `yaml:"mode"`        // batch, streaming
	URI        string `yaml:"uri"`         // reference video (batch preprocessing or streaming)
	LogPath    string `yaml:"log_path"`    // persisted CSV; loaded when present
	SaveLog    bool   `yaml:"save_log"`    // write the batch result to LogPath
	Header     bool   `yaml:"header"`      // write a header row
	Precision  int    `yaml:"precision"`   // decimals per coordinate (default 4, -1 shortest, -2 none)
	AllowEmpty bool   `yaml:"allow_empty"` // substitute the zero pose for an empty sequence
	Progress   bool   `yaml:"progress"`    // show a progress bar while preprocessing
}

// ExtractorConfig contains the pose worker settings
type ExtractorConfig struct {
	Command          string   `yaml:"command"` // worker executable (e.g. models/run_pose_worker.sh)
	Args             []string `yaml:"args"`
	ModelPath        string   `yaml:"model_path"`
	MinDetection     float64  `yaml:"min_detection_confidence"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
}

// ReducerConfig contains landmark acceptance settings
type ReducerConfig struct {
	Strict        bool    `yaml:"strict"`
	MinVisibility float64 `yaml:"min_visibility"`
}

// ScoringConfig is the single configuration surface for error saturation and limb weighting
type ScoringConfig struct {
	MaxError  float64            `yaml:"max_error"`  // error at which intensity saturates
	ScoreLegs bool               `yaml:"score_legs"` // include legs in the aggregate
	Weights   map[string]float64 `yaml:"weights"`    // per-limb aggregate weights (default 1)
}

// FallbackConfig controls behaviour when the live pose is absent
type FallbackConfig struct {
	Policy     string        `yaml:"policy"` // skip, static, hold
	StaticPose map[string]Pt `yaml:"static_pose"`
}

// Pt is a YAML friendly point ([x, y])
type Pt [2]float64

// ActuatorConfig describes the haptic controller endpoint
type ActuatorConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SendTimeoutMS int    `yaml:"send_timeout_ms"`
	LogEvery      int    `yaml:"log_every"` // log one of every N send failures
}

// TelemetryConfig contains MQTT broker settings
type TelemetryConfig struct {
	Broker       string `yaml:"broker"` // host:port, empty disables telemetry
	TopicPrefix  string `yaml:"topic_prefix"`
	SampleEvery  int    `yaml:"sample_every"` // publish one of every N samples
	StatusEveryS int    `yaml:"status_every_s"`
	QoS          byte   `yaml:"qos"`
}

// HealthConfig contains the HTTP health server settings
type HealthConfig struct {
	Port int `yaml:"port"` // 0 disables the server
}

// OverlayConfig contains annotated frame output settings
type OverlayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	ShowLive  bool   `yaml:"show_live"`
	Every     int    `yaml:"every"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`   // optional JSON log file
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document into a validated Config
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// FrameInterval returns the pacing interval derived from the target FPS
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Live.TargetFPS)
}

// FrameTimeout returns the live frame acquisition timeout
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Live.FrameTimeoutMS) * time.Millisecond
}
