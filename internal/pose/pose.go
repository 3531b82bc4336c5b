// Package pose holds the skeletal data model shared by the extractor, the
// reducer and the scoring engine.
//
// Coordinates are normalized to the frame: (0,0) is the top-left corner and
// (1,1) the bottom-right. Values are immutable once produced; every type in
// this package is passed by value.
package pose

import (
	"encoding/json"
	"math"
)

// LandmarkName identifies a skeletal keypoint independently of the indexing
// scheme used by a particular pose model.
type LandmarkName string

const (
	Nose          LandmarkName = "nose"
	LeftShoulder  LandmarkName = "left_shoulder"
	RightShoulder LandmarkName = "right_shoulder"
	LeftElbow     LandmarkName = "left_elbow"
	RightElbow    LandmarkName = "right_elbow"
	LeftWrist     LandmarkName = "left_wrist"
	RightWrist    LandmarkName = "right_wrist"
	LeftHip       LandmarkName = "left_hip"
	RightHip      LandmarkName = "right_hip"
	LeftKnee      LandmarkName = "left_knee"
	RightKnee     LandmarkName = "right_knee"
	LeftAnkle     LandmarkName = "left_ankle"
	RightAnkle    LandmarkName = "right_ankle"
)

// RequiredLandmarks are the keypoints the reducer needs to build a pose.
var RequiredLandmarks = []LandmarkName{
	LeftElbow, LeftWrist,
	RightElbow, RightWrist,
	LeftAnkle, RightAnkle,
}

// MediaPipeNames maps BlazePose (33 keypoint) indices to landmark names.
// Only the indices the pipeline cares about are listed; extractors drop the rest.
var MediaPipeNames = map[int]LandmarkName{
	0:  Nose,
	11: LeftShoulder,
	12: RightShoulder,
	13: LeftElbow,
	14: RightElbow,
	15: LeftWrist,
	16: RightWrist,
	23: LeftHip,
	24: RightHip,
	25: LeftKnee,
	26: RightKnee,
	27: LeftAnkle,
	28: RightAnkle,
}

// Landmark is a single detected keypoint with its confidence.
type Landmark struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Visibility float64 `json:"visibility" msgpack:"visibility"`
}

// LandmarkSet is the named output of one extraction.
type LandmarkSet map[LandmarkName]Landmark

// Get returns the landmark registered under name.
func (s LandmarkSet) Get(name LandmarkName) (Landmark, bool) {
	lm, ok := s[name]
	return lm, ok
}

// Point is a 2-D normalized position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MarshalJSON writes non-finite coordinates as null. Reference logs may carry
// NaN, which encoding/json rejects.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}{finite(p.X), finite(p.Y)})
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Vec returns the point as a gonum-friendly slice.
func (p Point) Vec() []float64 {
	return []float64{p.X, p.Y}
}

// Limb keys of a reduced pose.
type Limb string

const (
	LeftArm  Limb = "left_arm"
	RightArm Limb = "right_arm"
	LeftLeg  Limb = "left_leg"
	RightLeg Limb = "right_leg"
)

// Limbs lists every limb in persisted field order.
var Limbs = []Limb{LeftArm, RightArm, LeftLeg, RightLeg}

// Reduced is the four-point skeleton compared between live and reference.
//
// A Reduced value is always fully populated. Functions that may fail to
// produce one return an additional ok flag instead of a partial pose.
type Reduced struct {
	LeftArm  Point `json:"left_arm"`
	RightArm Point `json:"right_arm"`
	LeftLeg  Point `json:"left_leg"`
	RightLeg Point `json:"right_leg"`
}

// Zero is the all-zero sentinel pose.
var Zero = Reduced{}

// At returns the point tracked for limb. Unknown limbs yield the origin.
func (r Reduced) At(limb Limb) Point {
	switch limb {
	case LeftArm:
		return r.LeftArm
	case RightArm:
		return r.RightArm
	case LeftLeg:
		return r.LeftLeg
	case RightLeg:
		return r.RightLeg
	default:
		return Point{}
	}
}

// Fields flattens the pose into the persisted column order:
// left_arm_x, left_arm_y, right_arm_x, right_arm_y, left_leg_x, left_leg_y,
// right_leg_x, right_leg_y.
func (r Reduced) Fields() [8]float64 {
	return [8]float64{
		r.LeftArm.X, r.LeftArm.Y,
		r.RightArm.X, r.RightArm.Y,
		r.LeftLeg.X, r.LeftLeg.Y,
		r.RightLeg.X, r.RightLeg.Y,
	}
}

// FromFields is the inverse of Fields.
func FromFields(f [8]float64) Reduced {
	return Reduced{
		LeftArm:  Point{X: f[0], Y: f[1]},
		RightArm: Point{X: f[2], Y: f[3]},
		LeftLeg:  Point{X: f[4], Y: f[5]},
		RightLeg: Point{X: f[6], Y: f[7]},
	}
}
