// Package scoring implements the deterministic visit classifier. Score is a
// pure function of the decoded signal map: two independent weighted rule
// sets (bot detection and cross-signal consistency), a behavioral sub-score
// over the mouse trail, and a probe stability check. Rules whose input
// signals are absent do not fire, so partial collection degrades the score
// instead of erroring.
package scoring

import (
	"github.com/mbd888/visitlens/internal/signal"
)

// RuleSetVersion identifies the rule/weight tables used to produce a
// result. Bump whenever a rule or weight changes so backfills can be
// attributed to a rule generation.
const RuleSetVersion = 3

// Result is the full output of scoring one visit.
type Result struct {
	RuleSetVersion int `json:"ruleSetVersion"`

	// BotScore is the unbounded sum of triggered bot-rule and behavioral
	// weights. AnomalyScore sums cross-signal and evasion weights.
	BotScore     int `json:"botScore"`
	AnomalyScore int `json:"anomalyScore"`

	BotFlags         []string `json:"botFlags,omitempty"`
	CrossSignalFlags []string `json:"crossSignalFlags,omitempty"`
	BehavioralFlags  []string `json:"behavioralFlags,omitempty"`
	EvasionSignals   []string `json:"evasionSignals,omitempty"`

	// Behavioral metrics, valid when SampleCount > 0.
	SampleCount  int     `json:"sampleCount"`
	SampleBucket string  `json:"sampleBucket"`
	MouseEntropy float64 `json:"mouseEntropy"`
	TimingCV     float64 `json:"timingCV"`
	SpeedCV      float64 `json:"speedCV"`
}

// Engine evaluates the versioned rule tables. Stateless and safe for
// concurrent use.
type Engine struct {
	botRules   []rule
	crossRules []rule
}

// NewEngine returns an Engine backed by the current rule tables.
func NewEngine() *Engine {
	return &Engine{
		botRules:   botRules,
		crossRules: crossRules,
	}
}

// Score evaluates every rule against the signal map. It performs no I/O,
// never mutates its input, and never panics on missing or malformed
// signals.
func (e *Engine) Score(signals signal.Map) *Result {
	res := &Result{RuleSetVersion: RuleSetVersion}

	for _, r := range e.botRules {
		if r.fire(signals) {
			res.BotScore += r.weight
			res.BotFlags = append(res.BotFlags, r.name)
		}
	}

	for _, r := range e.crossRules {
		if r.fire(signals) {
			res.AnomalyScore += r.weight
			res.CrossSignalFlags = append(res.CrossSignalFlags, r.name)
		}
	}

	scoreBehavior(signals, res)
	scoreStability(signals, res)

	return res
}

// Audio fingerprint probes run twice per visit. Differing non-blocked
// results mean the output was randomized between runs, which real hardware
// does not do.
func scoreStability(signals signal.Map, res *Result) {
	a, okA := signals.Str("audioHash")
	b, okB := signals.Str("audioHash2")
	if !okA || !okB {
		return
	}
	if a == blockedSentinel || b == blockedSentinel || a == "" || b == "" {
		return
	}
	if a != b {
		res.AnomalyScore += weightAudioNoise
		res.EvasionSignals = append(res.EvasionSignals, "audio-noise-injection")
	}
}

// RiskBucket derives the display-only classification from a bot score.
// Never persisted; consumers call it at read time.
func RiskBucket(botScore int) string {
	switch {
	case botScore < 5:
		return "likely-human"
	case botScore < 15:
		return "low"
	case botScore < 30:
		return "medium"
	default:
		return "high"
	}
}
