package config

import (
	"math"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Reference modes
const (
	ModeBatch     = "batch"
	ModeStreaming = "streaming"
)

// Fallback policies for an absent live pose
const (
	PolicySkip   = "skip"
	PolicyStatic = "static"
	PolicyHold   = "hold"
)

// Defaults
const (
	DefaultTargetFPS      = 60.0
	DefaultFrameTimeoutMS = 1000
	DefaultMaxError       = 0.1
	DefaultActuatorPort   = 4210
	DefaultSendTimeoutMS  = 5
	DefaultPrecision      = 4
)

var limbKeys = map[string]bool{
	"left_arm":  true,
	"right_arm": true,
	"left_leg":  true,
	"right_leg": true,
}

// DefaultStaticPose is the stand-in live pose used by the static fallback policy
var DefaultStaticPose = map[string]Pt{
	"left_arm":  {0.32, 0.52},
	"right_arm": {0.68, 0.51},
	"left_leg":  {0.36, 0.88},
	"right_leg": {0.64, 0.91},
}

// Validate checks the configuration and fills defaults. It returns a *Error
// describing the first invalid tunable.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "dantic"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return Errorf("instance_id", "must match pattern [a-z0-9-]+")
	}

	if err := validateLive(&cfg.Live); err != nil {
		return err
	}
	if err := validateReference(&cfg.Reference); err != nil {
		return err
	}

	if cfg.Extractor.RequestTimeoutMS <= 0 {
		cfg.Extractor.RequestTimeoutMS = 500
	}
	if cfg.Extractor.MinDetection <= 0 {
		cfg.Extractor.MinDetection = 0.5
	}

	if cfg.Reducer.MinVisibility == 0 {
		cfg.Reducer.MinVisibility = 0.5
	}
	if cfg.Reducer.MinVisibility < 0 || cfg.Reducer.MinVisibility > 1 {
		return Errorf("reducer.min_visibility", "must be in (0,1], got %v", cfg.Reducer.MinVisibility)
	}

	if err := validateScoring(&cfg.Scoring); err != nil {
		return err
	}
	if err := validateFallback(&cfg.Fallback); err != nil {
		return err
	}

	// Actuator
	if cfg.Actuator.Host == "" {
		cfg.Actuator.Host = "127.0.0.1"
	}
	if cfg.Actuator.Port == 0 {
		cfg.Actuator.Port = DefaultActuatorPort
	}
	if cfg.Actuator.Port < 0 || cfg.Actuator.Port > 65535 {
		return Errorf("actuator.port", "out of range: %d", cfg.Actuator.Port)
	}
	if cfg.Actuator.SendTimeoutMS <= 0 {
		cfg.Actuator.SendTimeoutMS = DefaultSendTimeoutMS
	}
	if cfg.Actuator.LogEvery <= 0 {
		cfg.Actuator.LogEvery = 100
	}

	// Telemetry (optional)
	if cfg.Telemetry.TopicPrefix == "" {
		cfg.Telemetry.TopicPrefix = "dantic"
	}
	if cfg.Telemetry.SampleEvery <= 0 {
		cfg.Telemetry.SampleEvery = 30
	}
	if cfg.Telemetry.StatusEveryS <= 0 {
		cfg.Telemetry.StatusEveryS = 10
	}
	if cfg.Telemetry.QoS > 2 {
		return Errorf("telemetry.qos", "must be 0, 1 or 2")
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return Errorf("health.port", "out of range: %d", cfg.Health.Port)
	}

	if cfg.Overlay.Every <= 0 {
		cfg.Overlay.Every = 30
	}
	if cfg.Overlay.Enabled && cfg.Overlay.OutputDir == "" {
		cfg.Overlay.OutputDir = "overlays"
	}

	switch cfg.Logging.Level {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return Errorf("logging.level", "unknown level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "json"
	case "json", "text":
	default:
		return Errorf("logging.format", "unknown format %q (must be json or text)", cfg.Logging.Format)
	}

	return nil
}

func validateLive(live *LiveConfig) error {
	if live.Width <= 0 {
		live.Width = 640
	}
	if live.Height <= 0 {
		live.Height = 480
	}
	if live.TargetFPS == 0 {
		live.TargetFPS = DefaultTargetFPS
	}
	if live.TargetFPS < 0 || math.IsNaN(live.TargetFPS) || math.IsInf(live.TargetFPS, 0) {
		return Errorf("live.target_fps", "must be > 0, got %v", live.TargetFPS)
	}
	if live.FrameTimeoutMS <= 0 {
		live.FrameTimeoutMS = DefaultFrameTimeoutMS
	}
	if live.SyntheticFrames < 0 {
		return Errorf("live.synthetic_frames", "must be >= 0")
	}
	if live.MaxRetries < 0 {
		return Errorf("live.max_retries", "must be >= 0")
	}
	if live.MaxRetries == 0 {
		live.MaxRetries = 5
	}
	return nil
}

func validateReference(ref *ReferenceConfig) error {
	switch ref.Mode {
	case "":
		ref.Mode = ModeBatch
	case ModeBatch:
	case ModeStreaming:
		if ref.URI == "" {
			return Errorf("reference.uri", "required in streaming mode")
		}
	default:
		return Errorf("reference.mode", "unknown mode %q (must be batch or streaming)", ref.Mode)
	}

	if ref.Mode == ModeBatch && ref.URI == "" && ref.LogPath == "" && !ref.AllowEmpty {
		return Errorf("reference", "no reference video or log configured and allow_empty is false")
	}
	if ref.SaveLog && ref.LogPath == "" {
		return Errorf("reference.log_path", "required when save_log is set")
	}
	if ref.Precision == 0 {
		ref.Precision = DefaultPrecision
	}
	if ref.Precision > 17 || ref.Precision < -2 {
		return Errorf("reference.precision", "want 1..17 decimals, -1 (shortest) or -2 (none), got %d", ref.Precision)
	}
	return nil
}

func validateScoring(sc *ScoringConfig) error {
	if sc.MaxError == 0 {
		sc.MaxError = DefaultMaxError
	}
	if sc.MaxError < 0 || math.IsNaN(sc.MaxError) || math.IsInf(sc.MaxError, 0) {
		return Errorf("scoring.max_error", "must be a finite value > 0, got %v", sc.MaxError)
	}

	for limb, w := range sc.Weights {
		if !limbKeys[limb] {
			return Errorf("scoring.weights", "unknown limb %q", limb)
		}
		if w < 0 || math.IsNaN(w) {
			return Errorf("scoring.weights", "weight for %s must be >= 0", limb)
		}
	}
	return nil
}

func validateFallback(fb *FallbackConfig) error {
	switch fb.Policy {
	case "":
		fb.Policy = PolicyStatic
	case PolicySkip, PolicyStatic, PolicyHold:
	default:
		return Errorf("fallback.policy", "unknown policy %q (must be skip, static or hold)", fb.Policy)
	}

	if fb.StaticPose == nil {
		fb.StaticPose = make(map[string]Pt, len(DefaultStaticPose))
	}
	for limb := range fb.StaticPose {
		if !limbKeys[limb] {
			return Errorf("fallback.static_pose", "unknown limb %q", limb)
		}
	}
	for limb, pt := range DefaultStaticPose {
		if _, ok := fb.StaticPose[limb]; !ok {
			fb.StaticPose[limb] = pt
		}
	}
	return nil
}
