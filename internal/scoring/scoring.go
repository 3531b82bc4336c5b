// Package scoring converts the distance between a live and a reference pose
// into bounded actuation intensities.
//
// Every frame is scored independently. There is no smoothing across frames:
// a sample depends only on the two poses it was computed from.
package scoring

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/pose"
)

// MaxIntensity is the saturated actuation strength.
const MaxIntensity = 100

// Config is the scoring surface. Deployments tune MaxError to separate
// natural jitter from a meaningfully wrong position.
type Config struct {
	MaxError float64
	// ScoreLegs adds both legs to the aggregate. Per-side intensities are
	// always computed from the arms.
	ScoreLegs bool
	// Weights per limb for the aggregate. Missing limbs weigh 1.
	Weights map[pose.Limb]float64
}

// Sample is the per-frame scoring result.
type Sample struct {
	LeftError  float64 `json:"left_error"`
	RightError float64 `json:"right_error"`
	// LegErrors is only populated when legs are scored.
	LeftLegError  float64 `json:"left_leg_error,omitempty"`
	RightLegError float64 `json:"right_leg_error,omitempty"`

	Aggregate          float64 `json:"aggregate"`
	LeftIntensity      int     `json:"left_intensity"`
	RightIntensity     int     `json:"right_intensity"`
	AggregateIntensity int     `json:"aggregate_intensity"`
}

// MarshalJSON writes non-finite errors as null so a NaN reference frame
// still produces a publishable sample.
func (s Sample) MarshalJSON() ([]byte, error) {
	type wire struct {
		LeftError          *float64 `json:"left_error"`
		RightError         *float64 `json:"right_error"`
		LeftLegError       *float64 `json:"left_leg_error,omitempty"`
		RightLegError      *float64 `json:"right_leg_error,omitempty"`
		Aggregate          *float64 `json:"aggregate"`
		LeftIntensity      int      `json:"left_intensity"`
		RightIntensity     int      `json:"right_intensity"`
		AggregateIntensity int      `json:"aggregate_intensity"`
	}
	return json.Marshal(wire{
		LeftError:          finite(s.LeftError),
		RightError:         finite(s.RightError),
		LeftLegError:       nonZero(s.LeftLegError),
		RightLegError:      nonZero(s.RightLegError),
		Aggregate:          finite(s.Aggregate),
		LeftIntensity:      s.LeftIntensity,
		RightIntensity:     s.RightIntensity,
		AggregateIntensity: s.AggregateIntensity,
	})
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func nonZero(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return finite(v)
}

// Engine scores live poses against reference poses.
type Engine struct {
	maxError float64
	limbs    []pose.Limb
	weights  []float64
}

// New validates cfg and returns an Engine. An invalid saturation scale is a
// configuration error reported here, once, rather than on every frame.
func New(cfg Config) (*Engine, error) {
	if !(cfg.MaxError > 0) || math.IsInf(cfg.MaxError, 0) {
		return nil, config.Errorf("scoring.max_error", "must be a finite value > 0, got %v", cfg.MaxError)
	}

	limbs := []pose.Limb{pose.LeftArm, pose.RightArm}
	if cfg.ScoreLegs {
		limbs = append(limbs, pose.LeftLeg, pose.RightLeg)
	}

	weights := make([]float64, len(limbs))
	var total float64
	for i, limb := range limbs {
		w := 1.0
		if v, ok := cfg.Weights[limb]; ok {
			w = v
		}
		if w < 0 || math.IsNaN(w) {
			return nil, config.Errorf("scoring.weights", "weight for %s must be >= 0", limb)
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return nil, config.Errorf("scoring.weights", "scored limbs have zero total weight")
	}

	return &Engine{
		maxError: cfg.MaxError,
		limbs:    limbs,
		weights:  weights,
	}, nil
}

// MaxError returns the saturation scale.
func (e *Engine) MaxError() float64 { return e.maxError }

// Compute scores live against reference.
func (e *Engine) Compute(live, reference pose.Reduced) Sample {
	errs := make([]float64, len(e.limbs))
	for i, limb := range e.limbs {
		errs[i] = Distance(reference.At(limb), live.At(limb))
	}

	s := Sample{
		LeftError:  errs[0],
		RightError: errs[1],
		Aggregate:  stat.Mean(errs, e.weights),
	}
	if len(errs) == 4 {
		s.LeftLegError = errs[2]
		s.RightLegError = errs[3]
	}

	s.LeftIntensity = Intensity(s.LeftError, e.maxError)
	s.RightIntensity = Intensity(s.RightError, e.maxError)
	s.AggregateIntensity = Intensity(s.Aggregate, e.maxError)
	return s
}

// Distance is the euclidean distance between two points.
func Distance(a, b pose.Point) float64 {
	return floats.Distance(a.Vec(), b.Vec(), 2)
}

// Intensity maps an error onto [0,100] with a linear ramp saturating at
// maxError. It never panics: NaN errors map to 0, and a non-positive
// maxError degrades to a step (0 for no error, 100 otherwise).
func Intensity(err, maxError float64) int {
	if math.IsNaN(err) || err <= 0 {
		return 0
	}
	if !(maxError > 0) {
		return MaxIntensity
	}
	ratio := math.Min(err/maxError, 1.0)
	return int(math.Round(MaxIntensity * ratio))
}

// Color maps an error to an RGB triple ramping from green (no error) to red
// (saturated).
func Color(err, maxError float64) (r, g, b uint8) {
	ratio := float64(Intensity(err, maxError)) / MaxIntensity
	return uint8(math.Round(255 * ratio)), uint8(math.Round(255 * (1 - ratio))), 0
}
