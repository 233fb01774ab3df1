package scoring

import (
	"math"

	"github.com/mbd888/visitlens/internal/signal"
)

// Behavioral thresholds. A coefficient of variation (stddev/mean) under
// the cutoff on either the timing or speed axis reads as linearly
// interpolated movement rather than human input.
const (
	minBehaviorSamples = 5
	uniformCVThreshold = 0.10
	lowEntropyVariance = 0.05

	weightUniformTiming = 6
	weightUniformSpeed  = 6
	weightLowEntropy    = 6
)

// scoreBehavior evaluates the mouse trail, filling the behavioral metrics
// and appending behavioral flags. Weights feed BotScore.
func scoreBehavior(signals signal.Map, res *Result) {
	trail, _ := signals.Str("mouseTrail")
	samples := signal.ParseMouseTrail(trail)
	res.SampleCount = len(samples)
	res.SampleBucket = sampleBucket(len(samples))

	if len(samples) < minBehaviorSamples {
		return
	}

	res.MouseEntropy = mouseEntropy(samples)
	res.TimingCV = coefficientOfVariation(interSampleTimings(samples))
	res.SpeedCV = coefficientOfVariation(instantSpeeds(samples))

	if res.TimingCV >= 0 && res.TimingCV < uniformCVThreshold {
		res.BotScore += weightUniformTiming
		res.BehavioralFlags = append(res.BehavioralFlags, "uniform-timing")
	}
	if res.SpeedCV >= 0 && res.SpeedCV < uniformCVThreshold {
		res.BotScore += weightUniformSpeed
		res.BehavioralFlags = append(res.BehavioralFlags, "uniform-speed")
	}
	if res.SampleCount >= 10 && res.MouseEntropy < lowEntropyVariance {
		res.BotScore += weightLowEntropy
		res.BehavioralFlags = append(res.BehavioralFlags, "low-mouse-entropy")
	}
}

// sampleBucket coarsens the trail length for downstream clustering.
func sampleBucket(n int) string {
	switch {
	case n < 10:
		return "low"
	case n < 25:
		return "mid"
	case n < 40:
		return "high"
	default:
		return "very-high"
	}
}

// mouseEntropy is the variance of the heading change between consecutive
// movement segments. Human cursor paths wander; interpolated paths hold a
// near-constant heading.
func mouseEntropy(samples []signal.MouseSample) float64 {
	var changes []float64
	var prevAngle float64
	havePrev := false

	for i := 1; i < len(samples); i++ {
		dx := float64(samples[i].X - samples[i-1].X)
		dy := float64(samples[i].Y - samples[i-1].Y)
		if dx == 0 && dy == 0 {
			continue
		}
		angle := math.Atan2(dy, dx)
		if havePrev {
			delta := angle - prevAngle
			// Normalize to (-pi, pi] so wraparound does not inflate variance.
			for delta > math.Pi {
				delta -= 2 * math.Pi
			}
			for delta <= -math.Pi {
				delta += 2 * math.Pi
			}
			changes = append(changes, delta)
		}
		prevAngle = angle
		havePrev = true
	}

	if len(changes) == 0 {
		return 0
	}
	return variance(changes)
}

func interSampleTimings(samples []signal.MouseSample) []float64 {
	deltas := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		d := float64(samples[i].T - samples[i-1].T)
		if d > 0 {
			deltas = append(deltas, d)
		}
	}
	return deltas
}

func instantSpeeds(samples []signal.MouseSample) []float64 {
	speeds := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		dt := float64(samples[i].T - samples[i-1].T)
		if dt <= 0 {
			continue
		}
		dx := float64(samples[i].X - samples[i-1].X)
		dy := float64(samples[i].Y - samples[i-1].Y)
		speeds = append(speeds, math.Hypot(dx, dy)/dt)
	}
	return speeds
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

// coefficientOfVariation returns stddev/mean, or -1 when undefined
// (fewer than two observations or a zero mean).
func coefficientOfVariation(xs []float64) float64 {
	if len(xs) < 2 {
		return -1
	}
	m := mean(xs)
	if m == 0 {
		return -1
	}
	return math.Sqrt(variance(xs)) / m
}
