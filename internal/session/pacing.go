package session

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	// A loop is stable if the cycle rate stddev is below 15% of the mean
	// and the mean jitter below 20% of the target interval.
	rateStabilityThreshold   = 0.15
	jitterStabilityThreshold = 0.20

	// pacingWindow is the number of recent cycle start times kept.
	pacingWindow = 600
)

// PacingStats describes how closely the frame loop held its target rate.
type PacingStats struct {
	Cycles     int     `json:"cycles"`
	TargetFPS  float64 `json:"target_fps"`
	FPSMean    float64 `json:"fps_mean"`
	FPSStdDev  float64 `json:"fps_stddev"`
	FPSMin     float64 `json:"fps_min"`
	FPSMax     float64 `json:"fps_max"`
	JitterMean float64 `json:"jitter_mean_s"`
	JitterMax  float64 `json:"jitter_max_s"`
	IsStable   bool    `json:"is_stable"`
}

// CalculatePacing derives rate and jitter statistics from cycle start
// times. Jitter is measured against the target interval, not the observed
// mean: a loop that runs steadily slow is late on every cycle.
func CalculatePacing(starts []time.Time, interval time.Duration) PacingStats {
	stats := PacingStats{Cycles: len(starts)}
	if interval > 0 {
		stats.TargetFPS = 1 / interval.Seconds()
	}
	if len(starts) < 2 {
		return stats
	}

	rates := make([]float64, 0, len(starts)-1)
	jitters := make([]float64, 0, len(starts)-1)
	for i := 1; i < len(starts); i++ {
		d := starts[i].Sub(starts[i-1]).Seconds()
		if d <= 0 {
			continue
		}
		rates = append(rates, 1/d)
		jitters = append(jitters, math.Abs(d-interval.Seconds()))
	}
	if len(rates) == 0 {
		return stats
	}

	span := starts[len(starts)-1].Sub(starts[0]).Seconds()
	stats.FPSMean = float64(len(starts)-1) / span
	stats.FPSStdDev = stat.PopStdDev(rates, nil)
	stats.FPSMin, stats.FPSMax = minMax(rates)
	stats.JitterMean = stat.Mean(jitters, nil)
	_, stats.JitterMax = minMax(jitters)

	rateStable := stats.FPSStdDev < stats.FPSMean*rateStabilityThreshold
	jitterStable := interval <= 0 || stats.JitterMean < interval.Seconds()*jitterStabilityThreshold
	stats.IsStable = rateStable && jitterStable

	return stats
}

func minMax(xs []float64) (lo, hi float64) {
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// startRing keeps the most recent cycle start times.
type startRing struct {
	buf  []time.Time
	next int
	full bool
}

func newStartRing(n int) *startRing {
	return &startRing{buf: make([]time.Time, n)}
}

func (r *startRing) add(t time.Time) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the stored times oldest first.
func (r *startRing) snapshot() []time.Time {
	if !r.full {
		return append([]time.Time(nil), r.buf[:r.next]...)
	}
	out := make([]time.Time, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
