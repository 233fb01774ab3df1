package scoring

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/mbd888/visitlens/internal/signal"
)

func flagsContain(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

func TestScoreEmptyMap(t *testing.T) {
	res := NewEngine().Score(signal.Map{})
	if res.BotScore != 0 || res.AnomalyScore != 0 {
		t.Errorf("empty map scored %d/%d, want 0/0", res.BotScore, res.AnomalyScore)
	}
	if len(res.BotFlags) != 0 || len(res.CrossSignalFlags) != 0 {
		t.Errorf("empty map produced flags: %v %v", res.BotFlags, res.CrossSignalFlags)
	}
}

func TestScoreWebdriverHeadless(t *testing.T) {
	res := NewEngine().Score(signal.Map{
		"webdriver": "1",
		"ua":        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36",
	})
	if res.BotScore < 20 {
		t.Errorf("BotScore = %d, want >= 20", res.BotScore)
	}
	if !flagsContain(res.BotFlags, "webdriver") {
		t.Errorf("missing webdriver flag, got %v", res.BotFlags)
	}
	if !flagsContain(res.BotFlags, "headless-ua") {
		t.Errorf("missing headless-ua flag, got %v", res.BotFlags)
	}
}

func TestScoreScrollContradiction(t *testing.T) {
	res := NewEngine().Score(signal.Map{"scrolled": "1", "scrollY": "0"})
	if !flagsContain(res.CrossSignalFlags, "scroll-contradiction") {
		t.Errorf("expected scroll-contradiction, got %v", res.CrossSignalFlags)
	}
	if res.AnomalyScore == 0 {
		t.Error("scroll contradiction should contribute to AnomalyScore")
	}

	// A real scroll does not fire the rule.
	res = NewEngine().Score(signal.Map{"scrolled": "1", "scrollY": "420"})
	if flagsContain(res.CrossSignalFlags, "scroll-contradiction") {
		t.Error("genuine scroll flagged as contradiction")
	}
}

func TestScoreAudioNoiseInjection(t *testing.T) {
	e := NewEngine()

	res := e.Score(signal.Map{"audioHash": "a1b2c3", "audioHash2": "d4e5f6"})
	if !flagsContain(res.EvasionSignals, "audio-noise-injection") {
		t.Errorf("expected audio-noise-injection, got %v", res.EvasionSignals)
	}
	if res.AnomalyScore < weightAudioNoise {
		t.Errorf("AnomalyScore = %d, want >= %d", res.AnomalyScore, weightAudioNoise)
	}

	// Matching runs are stable hardware, not evasion.
	if res := e.Score(signal.Map{"audioHash": "a1b2c3", "audioHash2": "a1b2c3"}); len(res.EvasionSignals) != 0 {
		t.Errorf("matching audio runs flagged: %v", res.EvasionSignals)
	}

	// A blocked probe tells us nothing about stability.
	if res := e.Score(signal.Map{"audioHash": "blocked", "audioHash2": "d4e5f6"}); len(res.EvasionSignals) != 0 {
		t.Errorf("blocked audio run flagged: %v", res.EvasionSignals)
	}

	// One run missing means the second probe never settled.
	if res := e.Score(signal.Map{"audioHash": "a1b2c3"}); len(res.EvasionSignals) != 0 {
		t.Errorf("single audio run flagged: %v", res.EvasionSignals)
	}
}

func TestScoreCleanVisit(t *testing.T) {
	res := NewEngine().Score(signal.Map{
		"ua":                  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"platform":            "Win32",
		"lang":                "en-US",
		"langs":               "en-US,en",
		"plugins":             "5",
		"mimeTypes":           "2",
		"hardwareConcurrency": "8",
		"maxTouchPoints":      "0",
		"cookieEnabled":       "1",
		"localStorage":        "1",
		"pdfViewer":           "1",
		"hasChrome":           "1",
		"webdriver":           "0",
		"sw":                  "1920",
		"sh":                  "1080",
		"innerW":              "1536",
		"innerH":              "826",
		"outerW":              "1552",
		"outerH":              "912",
		"glVendor":            "Google Inc. (NVIDIA)",
		"glRenderer":          "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		"fonts":               "Arial,Calibri,Segoe UI,Tahoma",
		"connType":            "4g",
		"rtt":                 "50",
		"tz":                  "America/New_York",
		"tzOffset":            "300",
		"uaBrands":            "Google Chrome;Chromium",
		"canvasHash":          "9f3a01",
		"audioHash":           "124.0432",
		"audioHash2":          "124.0432",
		"heapLimit":           "2172649472",
		"hasFocus":            "1",
		"dwellMs":             "510",
		"mouseMoves":          "14",
		"scrolled":            "1",
		"scrollY":             "380",
	})
	if res.BotScore != 0 {
		t.Errorf("clean visit BotScore = %d (%v), want 0", res.BotScore, res.BotFlags)
	}
	if res.AnomalyScore != 0 {
		t.Errorf("clean visit AnomalyScore = %d (%v), want 0", res.AnomalyScore, res.CrossSignalFlags)
	}
}

func TestScoreCrossSignalMismatches(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name    string
		signals signal.Map
		flag    string
	}{
		{
			"font set says windows, platform says mac",
			signal.Map{"fonts": "Segoe UI,Calibri", "platform": "MacIntel"},
			"font-platform-mismatch",
		},
		{
			"mac ua with direct3d renderer",
			signal.Map{
				"ua":         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
				"glRenderer": "ANGLE (NVIDIA GeForce GTX 1080 Direct3D11 vs_5_0)",
			},
			"ua-gpu-mismatch",
		},
		{
			"windows ua with linux platform",
			signal.Map{
				"ua":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
				"platform": "Linux x86_64",
			},
			"platform-ua-mismatch",
		},
		{
			"connection type without rtt",
			signal.Map{"connType": "4g"},
			"conn-without-rtt",
		},
		{
			"utc zone with nonzero offset",
			signal.Map{"tz": "UTC", "tzOffset": "-120"},
			"timezone-mismatch",
		},
		{
			"viewport wider than screen",
			signal.Map{"sw": "1366", "sh": "768", "innerW": "1920", "innerH": "700"},
			"viewport-exceeds-screen",
		},
		{
			"primary language not in language list",
			signal.Map{"lang": "fr-FR", "langs": "en-US,en"},
			"language-mismatch",
		},
		{
			"subnet velocity alert from enrichment",
			signal.Map{"subnetAlert": "1"},
			"subnet-velocity",
		},
		{
			"rapid fire alert from enrichment",
			signal.Map{"rapidFire": "1"},
			"rapid-fire",
		},
		{
			"exact gigabyte heap limit",
			signal.Map{"heapLimit": "4294967296"},
			"degenerate-heap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Score(tt.signals)
			if !flagsContain(res.CrossSignalFlags, tt.flag) {
				t.Errorf("expected %s, got %v", tt.flag, res.CrossSignalFlags)
			}
		})
	}
}

func TestScoreAbsentSignalsNeverFire(t *testing.T) {
	// Each of these rules needs collected-but-bad values; absence alone
	// must not fire them.
	res := NewEngine().Score(signal.Map{
		"ua": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Gecko/20100101 Firefox/128.0 extra padding",
	})
	for _, flag := range []string{
		"no-plugins", "no-languages", "zero-outer-window",
		"degenerate-screen", "cookies-disabled", "no-mouse-activity",
	} {
		if flagsContain(res.BotFlags, flag) {
			t.Errorf("%s fired on absent signals", flag)
		}
	}
}

var signalKeyPool = []string{
	"ua", "platform", "lang", "langs", "plugins", "mimeTypes",
	"hardwareConcurrency", "maxTouchPoints", "cookieEnabled", "localStorage",
	"pdfViewer", "hasChrome", "webdriver", "cdc", "automation",
	"sw", "sh", "innerW", "innerH", "outerW", "outerH",
	"glVendor", "glRenderer", "fonts", "connType", "rtt", "downlink",
	"tz", "tzOffset", "uaBrands", "canvasHash", "audioHash", "audioHash2",
	"heapLimit", "heapUsed", "heapTotal", "hasFocus", "dwellMs",
	"mouseMoves", "mouseTrail", "scrolled", "scrollY", "blockedProps",
	"permInconsistent", "subnetAlert", "rapidFire", "notifPerm",
}

var fuzzValues = []string{
	"", "0", "1", "true", "false", "-1", "999999999999", "3.14",
	"blocked", "abc", "Mozilla/5.0", "en-US,en", "1:2:3;4:5:6",
	"%%%", "null", "undefined", "NaN", "  12  ",
}

// Score must be a pure function: identical output for identical input,
// no panics on arbitrary partial maps.
func TestScoreDeterministicUnderFuzz(t *testing.T) {
	e := NewEngine()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		m := signal.Map{}
		for _, key := range signalKeyPool {
			if rng.Intn(2) == 0 {
				continue
			}
			m[key] = fuzzValues[rng.Intn(len(fuzzValues))]
		}

		first := e.Score(m)
		second := e.Score(m)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("iteration %d: nondeterministic result for %v", i, m)
		}
		if first.BotScore < 0 {
			t.Fatalf("iteration %d: negative BotScore %d", i, first.BotScore)
		}
	}
}

func TestRiskBucket(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{0, "likely-human"},
		{4, "likely-human"},
		{5, "low"},
		{14, "low"},
		{15, "medium"},
		{29, "medium"},
		{30, "high"},
		{250, "high"},
	}
	for _, tt := range tests {
		if got := RiskBucket(tt.score); got != tt.want {
			t.Errorf("RiskBucket(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestScoreRuleSetVersionStamped(t *testing.T) {
	res := NewEngine().Score(signal.Map{})
	if res.RuleSetVersion != RuleSetVersion {
		t.Errorf("RuleSetVersion = %d, want %d", res.RuleSetVersion, RuleSetVersion)
	}
}

func ExampleRiskBucket() {
	fmt.Println(RiskBucket(3), RiskBucket(22), RiskBucket(90))
	// Output: likely-human medium high
}
