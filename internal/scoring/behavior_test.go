package scoring

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/mbd888/visitlens/internal/signal"
)

// linearTrail returns n samples moving at constant velocity with a fixed
// sample interval, the shape produced by interpolated automation.
func linearTrail(n int) string {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf("%d:%d:%d", 100+i*5, 200+i*3, i*16))
	}
	return strings.Join(parts, ";")
}

// jitteryTrail returns n samples with varying step sizes, headings, and
// intervals, the shape of human cursor movement.
func jitteryTrail(n int) string {
	rng := rand.New(rand.NewSource(7))
	parts := make([]string, 0, n)
	x, y, ts := 300, 300, int64(0)
	for i := 0; i < n; i++ {
		x += rng.Intn(41) - 20
		y += rng.Intn(41) - 20
		ts += int64(5 + rng.Intn(60))
		parts = append(parts, fmt.Sprintf("%d:%d:%d", x, y, ts))
	}
	return strings.Join(parts, ";")
}

func TestBehaviorLinearTrailFlagsUniform(t *testing.T) {
	res := NewEngine().Score(signal.Map{"mouseTrail": linearTrail(20)})

	if !flagsContain(res.BehavioralFlags, "uniform-timing") {
		t.Errorf("expected uniform-timing, got %v", res.BehavioralFlags)
	}
	if !flagsContain(res.BehavioralFlags, "uniform-speed") {
		t.Errorf("expected uniform-speed, got %v", res.BehavioralFlags)
	}
	if !flagsContain(res.BehavioralFlags, "low-mouse-entropy") {
		t.Errorf("expected low-mouse-entropy, got %v", res.BehavioralFlags)
	}
	if res.BotScore < weightUniformTiming+weightUniformSpeed {
		t.Errorf("BotScore = %d, want behavioral weights included", res.BotScore)
	}
}

func TestBehaviorJitteryTrailPassesClean(t *testing.T) {
	res := NewEngine().Score(signal.Map{"mouseTrail": jitteryTrail(30)})

	if len(res.BehavioralFlags) != 0 {
		t.Errorf("human-like trail flagged: %v (entropy=%f timingCV=%f speedCV=%f)",
			res.BehavioralFlags, res.MouseEntropy, res.TimingCV, res.SpeedCV)
	}
	if res.MouseEntropy <= lowEntropyVariance {
		t.Errorf("expected entropy above %f, got %f", lowEntropyVariance, res.MouseEntropy)
	}
}

func TestBehaviorShortTrailSkipped(t *testing.T) {
	res := NewEngine().Score(signal.Map{"mouseTrail": linearTrail(3)})
	if len(res.BehavioralFlags) != 0 {
		t.Errorf("trail below minimum samples flagged: %v", res.BehavioralFlags)
	}
	if res.SampleCount != 3 {
		t.Errorf("SampleCount = %d, want 3", res.SampleCount)
	}
}

func TestSampleBuckets(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "low"},
		{9, "low"},
		{10, "mid"},
		{24, "mid"},
		{25, "high"},
		{39, "high"},
		{40, "very-high"},
		{50, "very-high"},
	}
	for _, tt := range tests {
		if got := sampleBucket(tt.n); got != tt.want {
			t.Errorf("sampleBucket(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	if cv := coefficientOfVariation(nil); cv != -1 {
		t.Errorf("undefined CV = %f, want -1", cv)
	}
	if cv := coefficientOfVariation([]float64{5, 5, 5, 5}); cv != 0 {
		t.Errorf("constant series CV = %f, want 0", cv)
	}
	if cv := coefficientOfVariation([]float64{1, 100, 3, 80}); cv < uniformCVThreshold {
		t.Errorf("spread series CV = %f, want above threshold", cv)
	}
}

func TestMouseEntropyStationarySamples(t *testing.T) {
	// Repeated identical positions contribute no movement segments.
	samples := signal.ParseMouseTrail("10:10:0;10:10:16;10:10:32")
	if got := mouseEntropy(samples); got != 0 {
		t.Errorf("stationary trail entropy = %f, want 0", got)
	}
}
