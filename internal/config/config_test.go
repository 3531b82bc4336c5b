package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/e7canasta/dantic/internal/pose"
)

const minimal = `
instance_id: studio-a
reference:
  log_path: ref.csv
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Live.TargetFPS != DefaultTargetFPS {
		t.Errorf("TargetFPS = %v, want %v", cfg.Live.TargetFPS, DefaultTargetFPS)
	}
	if cfg.Live.Width != 640 || cfg.Live.Height != 480 {
		t.Errorf("resolution = %dx%d, want 640x480", cfg.Live.Width, cfg.Live.Height)
	}
	if cfg.Reference.Mode != ModeBatch {
		t.Errorf("Reference.Mode = %q, want batch", cfg.Reference.Mode)
	}
	if cfg.Reference.Precision != DefaultPrecision {
		t.Errorf("Precision = %d, want %d", cfg.Reference.Precision, DefaultPrecision)
	}
	if cfg.Scoring.MaxError != DefaultMaxError {
		t.Errorf("MaxError = %v, want %v", cfg.Scoring.MaxError, DefaultMaxError)
	}
	if cfg.Actuator.Port != DefaultActuatorPort {
		t.Errorf("Actuator.Port = %d, want %d", cfg.Actuator.Port, DefaultActuatorPort)
	}
	if cfg.Fallback.Policy != PolicyStatic {
		t.Errorf("Fallback.Policy = %q, want static", cfg.Fallback.Policy)
	}
	if got := cfg.Fallback.StaticPose["left_arm"]; got != (Pt{0.32, 0.52}) {
		t.Errorf("static left_arm = %v", got)
	}
	if cfg.FrameInterval().Milliseconds() != 16 {
		t.Errorf("FrameInterval() = %v, want ~16ms", cfg.FrameInterval())
	}
	if cfg.ShutdownTimeout().Seconds() != 5 {
		t.Errorf("ShutdownTimeout() = %v, want 5s", cfg.ShutdownTimeout())
	}
}

func TestParse_PartialStaticPoseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
fallback:
  policy: hold
  static_pose:
    left_arm: [0.1, 0.2]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := cfg.Fallback.StaticPose["left_arm"]; got != (Pt{0.1, 0.2}) {
		t.Errorf("left_arm = %v, want [0.1 0.2]", got)
	}
	if got := cfg.Fallback.StaticPose["right_leg"]; got != (Pt{0.64, 0.91}) {
		t.Errorf("right_leg = %v, want default", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"bad instance id", "instance_id: Studio_A\nreference: {allow_empty: true}", "instance_id"},
		{"negative max error", minimal + "scoring: {max_error: -0.1}", "scoring.max_error"},
		{"negative fps", minimal + "live: {target_fps: -1}", "live.target_fps"},
		{"unknown mode", "reference: {mode: replay, allow_empty: true}", "reference.mode"},
		{"streaming without uri", "reference: {mode: streaming}", "reference.uri"},
		{"no reference", "instance_id: a", "reference"},
		{"unknown policy", minimal + "fallback: {policy: guess}", "fallback.policy"},
		{"unknown weight limb", minimal + "scoring: {weights: {head: 1}}", "scoring.weights"},
		{"bad port", minimal + "actuator: {port: 70000}", "actuator.port"},
		{"bad log level", minimal + "logging: {level: loud}", "logging.level"},
		{"precision too low", "reference: {allow_empty: true, precision: -3}", "reference.precision"},
		{"precision too high", "reference: {allow_empty: true, precision: 18}", "reference.precision"},
		{"save without path", "reference: {uri: file:///ref.mp4, save_log: true}", "reference.log_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %v is not a *config.Error", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvActuatorHost, "192.168.72.112")
	t.Setenv(EnvActuatorPort, "5000")
	t.Setenv(EnvMaxError, "0.4")
	t.Setenv(EnvReferenceLog, "/tmp/other.csv")

	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Actuator.Host != "192.168.72.112" || cfg.Actuator.Port != 5000 {
		t.Errorf("actuator = %s:%d", cfg.Actuator.Host, cfg.Actuator.Port)
	}
	if cfg.Scoring.MaxError != 0.4 {
		t.Errorf("MaxError = %v, want 0.4", cfg.Scoring.MaxError)
	}
	if cfg.Reference.LogPath != "/tmp/other.csv" {
		t.Errorf("LogPath = %q", cfg.Reference.LogPath)
	}
}

func TestParse_BadEnvOverride(t *testing.T) {
	t.Setenv(EnvActuatorPort, "esp32")
	if _, err := Parse([]byte(minimal)); err == nil {
		t.Fatal("expected error for non-numeric port override")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("DANTIC_MQTT_BROKER=broker.local:1883\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvMQTTBroker, "")
	os.Unsetenv(EnvMQTTBroker)

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telemetry.Broker != "broker.local:1883" {
		t.Errorf("Broker = %q, want broker.local:1883", cfg.Telemetry.Broker)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dantic.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "studio-a" {
		t.Errorf("InstanceID = %q", cfg.InstanceID)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFallbackPose(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
fallback:
  static_pose:
    right_leg: [0.6, 0.9]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	p := cfg.Fallback.Pose()
	if p.LeftArm != (pose.Point{X: 0.32, Y: 0.52}) {
		t.Errorf("LeftArm = %+v, want default (0.32, 0.52)", p.LeftArm)
	}
	if p.RightLeg != (pose.Point{X: 0.6, Y: 0.9}) {
		t.Errorf("RightLeg = %+v, want configured (0.6, 0.9)", p.RightLeg)
	}
}

func TestScoringLimbWeights(t *testing.T) {
	if w := (ScoringConfig{}).LimbWeights(); w != nil {
		t.Errorf("LimbWeights() = %v, want nil", w)
	}
	w := ScoringConfig{Weights: map[string]float64{"left_arm": 2}}.LimbWeights()
	if w[pose.LeftArm] != 2 {
		t.Errorf("LimbWeights()[left_arm] = %v, want 2", w[pose.LeftArm])
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	for _, key := range []string{EnvActuatorHost, EnvActuatorPort, EnvMQTTBroker, EnvMaxError, EnvReferenceLog} {
		t.Setenv(key, "")
	}

	cfg, err := Load(filepath.Join("..", "..", "config", "dantic.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Actuator.Port != 4210 || cfg.Live.TargetFPS != 60 {
		t.Errorf("actuator.port = %d, live.target_fps = %v", cfg.Actuator.Port, cfg.Live.TargetFPS)
	}
	if !cfg.Live.Reconnect || cfg.Live.MaxRetries != 5 {
		t.Errorf("reconnect = %v, max_retries = %d", cfg.Live.Reconnect, cfg.Live.MaxRetries)
	}
	if cfg.Health.Port != 8080 {
		t.Errorf("health.port = %d", cfg.Health.Port)
	}
}
