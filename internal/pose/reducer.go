package pose

import "math"

// Fixed reduction constants. These are part of the pose definition, not tunables.
const (
	// ElbowWeight and WristWeight place the arm point 70% of the way from
	// elbow to wrist.
	ElbowWeight = 0.3
	WristWeight = 0.7
	// LegLift moves the leg point slightly above the ankle.
	LegLift = 0.05

	DefaultMinVisibility = 0.5
)

// ReducerConfig controls landmark acceptance.
type ReducerConfig struct {
	// Strict rejects a landmark set when any required landmark has a
	// visibility below MinVisibility.
	Strict bool
	// MinVisibility defaults to 0.5 when zero.
	MinVisibility float64
}

// Reducer turns a full landmark set into a Reduced pose.
type Reducer struct {
	strict        bool
	minVisibility float64
}

// NewReducer creates a reducer. A zero MinVisibility selects the default.
func NewReducer(cfg ReducerConfig) *Reducer {
	minVis := cfg.MinVisibility
	if minVis <= 0 {
		minVis = DefaultMinVisibility
	}
	return &Reducer{
		strict:        cfg.Strict,
		minVisibility: minVis,
	}
}

// Strict reports whether visibility gating is enabled.
func (r *Reducer) Strict() bool { return r.strict }

// MinVisibility returns the strict-mode confidence threshold.
func (r *Reducer) MinVisibility() float64 { return r.minVisibility }

// Reduce derives the four tracked points. It returns false when a required
// landmark is missing or, in strict mode, not confidently visible.
func (r *Reducer) Reduce(set LandmarkSet) (Reduced, bool) {
	if len(set) == 0 {
		return Reduced{}, false
	}

	required := make(map[LandmarkName]Landmark, len(RequiredLandmarks))
	for _, name := range RequiredLandmarks {
		lm, ok := set.Get(name)
		if !ok {
			return Reduced{}, false
		}
		if r.strict && lm.Visibility < r.minVisibility {
			return Reduced{}, false
		}
		required[name] = lm
	}

	return Reduced{
		LeftArm:  blendArm(required[LeftElbow], required[LeftWrist]),
		RightArm: blendArm(required[RightElbow], required[RightWrist]),
		LeftLeg:  liftLeg(required[LeftAnkle]),
		RightLeg: liftLeg(required[RightAnkle]),
	}, true
}

func blendArm(elbow, wrist Landmark) Point {
	return Point{
		X: ElbowWeight*elbow.X + WristWeight*wrist.X,
		Y: ElbowWeight*elbow.Y + WristWeight*wrist.Y,
	}
}

func liftLeg(ankle Landmark) Point {
	return Point{
		X: ankle.X,
		Y: math.Max(0, ankle.Y-LegLift),
	}
}
