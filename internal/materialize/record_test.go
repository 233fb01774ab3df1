package materialize

import (
	"testing"
	"time"

	"github.com/mbd888/visitlens/internal/ingest"
	"github.com/mbd888/visitlens/internal/scoring"
	"github.com/mbd888/visitlens/internal/signal"
)

func TestBuildRecordTypedExtraction(t *testing.T) {
	ev := &ingest.RawEvent{
		SourceID:   42,
		IPAddress:  "203.0.113.9",
		ReceivedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	m := signal.Map{
		"ua":            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/126.0.0.0 padding padding",
		"sw":            "1920",
		"sh":            "1080",
		"pixelRatio":    "1.25",
		"lang":          "en-US",
		"tzOffset":      "300",
		"cookieEnabled": "1",
		"webdriver":     "0",
		"plugins":       "5",
		"glRenderer":    "ANGLE (NVIDIA Direct3D11)",
		"scrollY":       "240",
		"hitsInWindow":  "3",
		"subnetAlert":   "0",
		"junk":          "not-a-number",
	}
	engine := scoring.NewEngine()
	now := time.Now().UTC()

	r := BuildRecord(ev, m, engine.Score(m), now)

	if r.SourceID != 42 || r.IPAddress != "203.0.113.9" {
		t.Errorf("identity fields wrong: %+v", r)
	}
	if r.MaterializedAt != now {
		t.Error("MaterializedAt not stamped")
	}
	if r.RuleSetVersion != scoring.RuleSetVersion {
		t.Errorf("RuleSetVersion = %d", r.RuleSetVersion)
	}
	if r.ScreenW == nil || *r.ScreenW != 1920 {
		t.Error("ScreenW not extracted")
	}
	if r.PixelRatio == nil || *r.PixelRatio != 1.25 {
		t.Error("PixelRatio not extracted")
	}
	if r.CookieEnabled == nil || !*r.CookieEnabled {
		t.Error("CookieEnabled not extracted")
	}
	if r.Webdriver == nil || *r.Webdriver {
		t.Error("explicit webdriver=0 should extract as false")
	}
	if r.HitsInWindow == nil || *r.HitsInWindow != 3 {
		t.Error("enrichment field not extracted")
	}

	// Absent signals stay nil rather than zero.
	if r.Language == nil || *r.Language != "en-US" {
		t.Error("Language not extracted")
	}
	if r.Timezone != nil {
		t.Error("absent timezone must be nil")
	}
	if r.HeapLimit != nil {
		t.Error("absent heap limit must be nil")
	}
	if r.DwellMs != nil {
		t.Error("absent dwell must be nil")
	}
}

func TestBuildRecordMalformedValuesNil(t *testing.T) {
	ev := &ingest.RawEvent{SourceID: 1}
	m := signal.Map{
		"sw":            "huge",
		"pixelRatio":    "??",
		"cookieEnabled": "maybe",
	}
	r := BuildRecord(ev, m, scoring.NewEngine().Score(m), time.Now())

	if r.ScreenW != nil {
		t.Error("malformed int must extract as nil")
	}
	if r.PixelRatio != nil {
		t.Error("malformed float must extract as nil")
	}
	if r.CookieEnabled != nil {
		t.Error("malformed bool must extract as nil")
	}
}

func TestBuildRecordCarriesScore(t *testing.T) {
	ev := &ingest.RawEvent{SourceID: 7}
	m := signal.Map{"webdriver": "1", "scrolled": "1", "scrollY": "0"}
	res := scoring.NewEngine().Score(m)

	r := BuildRecord(ev, m, res, time.Now())
	if r.BotScore != res.BotScore || r.AnomalyScore != res.AnomalyScore {
		t.Errorf("scores not carried: %d/%d vs %d/%d", r.BotScore, r.AnomalyScore, res.BotScore, res.AnomalyScore)
	}
	if len(r.BotFlags) == 0 || len(r.CrossSignalFlags) == 0 {
		t.Error("flag sets not carried")
	}
}
