package config

import "github.com/e7canasta/dantic/internal/pose"

// Pose returns the static fallback pose. Validate must have run so every
// limb is present.
func (f FallbackConfig) Pose() pose.Reduced {
	at := func(limb pose.Limb) pose.Point {
		pt := f.StaticPose[string(limb)]
		return pose.Point{X: pt[0], Y: pt[1]}
	}
	return pose.Reduced{
		LeftArm:  at(pose.LeftArm),
		RightArm: at(pose.RightArm),
		LeftLeg:  at(pose.LeftLeg),
		RightLeg: at(pose.RightLeg),
	}
}

// LimbWeights converts the weight map keys to limbs.
func (s ScoringConfig) LimbWeights() map[pose.Limb]float64 {
	if len(s.Weights) == 0 {
		return nil
	}
	out := make(map[pose.Limb]float64, len(s.Weights))
	for k, v := range s.Weights {
		out[pose.Limb(k)] = v
	}
	return out
}
