package materialize

import (
	"time"

	"github.com/mbd888/visitlens/internal/ingest"
	"github.com/mbd888/visitlens/internal/scoring"
	"github.com/mbd888/visitlens/internal/signal"
)

// Record is the typed projection of one visit's signal map plus its score.
// One-to-one with a raw event by SourceID, created exactly once, never
// updated after insert. The column taxonomy is a stable contract consumed
// by the reporting layer; field names stay put even when rules change.
// Pointer fields are nil when the signal was not collected.
type Record struct {
	SourceID       int64     `json:"sourceId"`
	IPAddress      string    `json:"ipAddress"`
	ReceivedAt     time.Time `json:"receivedAt"`
	MaterializedAt time.Time `json:"materializedAt"`
	RuleSetVersion int       `json:"ruleSetVersion"`

	// Screen
	ScreenW    *int64   `json:"screenW,omitempty"`
	ScreenH    *int64   `json:"screenH,omitempty"`
	AvailW     *int64   `json:"availW,omitempty"`
	AvailH     *int64   `json:"availH,omitempty"`
	ColorDepth *int64   `json:"colorDepth,omitempty"`
	PixelRatio *float64 `json:"pixelRatio,omitempty"`
	InnerW     *int64   `json:"innerW,omitempty"`
	InnerH     *int64   `json:"innerH,omitempty"`
	OuterW     *int64   `json:"outerW,omitempty"`
	OuterH     *int64   `json:"outerH,omitempty"`

	// Locale
	Language       *string `json:"language,omitempty"`
	Languages      *string `json:"languages,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	TimezoneOffset *int64  `json:"timezoneOffset,omitempty"`

	// Navigator / device
	UserAgent           *string  `json:"userAgent,omitempty"`
	Platform            *string  `json:"platform,omitempty"`
	Vendor              *string  `json:"vendor,omitempty"`
	HardwareConcurrency *int64   `json:"hardwareConcurrency,omitempty"`
	DeviceMemory        *float64 `json:"deviceMemory,omitempty"`
	MaxTouchPoints      *int64   `json:"maxTouchPoints,omitempty"`
	PluginCount         *int64   `json:"pluginCount,omitempty"`
	MimeTypeCount       *int64   `json:"mimeTypeCount,omitempty"`
	CookieEnabled       *bool    `json:"cookieEnabled,omitempty"`
	DoNotTrack          *string  `json:"doNotTrack,omitempty"`
	Webdriver           *bool    `json:"webdriver,omitempty"`
	PDFViewer           *bool    `json:"pdfViewer,omitempty"`

	// GPU / WebGL
	GLVendor   *string `json:"glVendor,omitempty"`
	GLRenderer *string `json:"glRenderer,omitempty"`

	// Fingerprint hashes
	CanvasHash *string `json:"canvasHash,omitempty"`
	AudioHash  *string `json:"audioHash,omitempty"`
	AudioHash2 *string `json:"audioHash2,omitempty"`
	FontsHash  *string `json:"fontsHash,omitempty"`
	FontList   *string `json:"fontList,omitempty"`

	// Network
	ConnType *string  `json:"connType,omitempty"`
	Downlink *float64 `json:"downlink,omitempty"`
	RTT      *int64   `json:"rtt,omitempty"`
	SaveData *bool    `json:"saveData,omitempty"`

	// Storage
	LocalStorage   *bool  `json:"localStorage,omitempty"`
	SessionStorage *bool  `json:"sessionStorage,omitempty"`
	IndexedDB      *bool  `json:"indexedDb,omitempty"`
	StorageQuota   *int64 `json:"storageQuota,omitempty"`

	// Capability flags
	HasChrome        *bool   `json:"hasChrome,omitempty"`
	NotificationPerm *string `json:"notificationPerm,omitempty"`
	PermInconsistent *bool   `json:"permInconsistent,omitempty"`
	TouchEvent       *bool   `json:"touchEvent,omitempty"`

	// Preferences
	PrefersDark          *bool `json:"prefersDark,omitempty"`
	PrefersReducedMotion *bool `json:"prefersReducedMotion,omitempty"`

	// Document state
	DocVisible *bool `json:"docVisible,omitempty"`
	HasFocus   *bool `json:"hasFocus,omitempty"`

	// Page context
	PageURL   *string `json:"pageUrl,omitempty"`
	Referrer  *string `json:"referrer,omitempty"`
	PageTitle *string `json:"pageTitle,omitempty"`

	// Performance timing
	LoadTimeMs       *int64 `json:"loadTimeMs,omitempty"`
	DOMInteractiveMs *int64 `json:"domInteractiveMs,omitempty"`
	HeapLimit        *int64 `json:"heapLimit,omitempty"`
	HeapUsed         *int64 `json:"heapUsed,omitempty"`
	HeapTotal        *int64 `json:"heapTotal,omitempty"`

	// Evasion inputs
	BlockedProps *int64 `json:"blockedProps,omitempty"`
	CdcMarker    *bool  `json:"cdcMarker,omitempty"`
	Automation   *bool  `json:"automation,omitempty"`

	// Client hints
	UABrands   *string `json:"uaBrands,omitempty"`
	UAMobile   *bool   `json:"uaMobile,omitempty"`
	UAPlatform *string `json:"uaPlatform,omitempty"`

	// Behavioral
	DwellMs      *int64  `json:"dwellMs,omitempty"`
	MouseMoves   *int64  `json:"mouseMoves,omitempty"`
	Clicks       *int64  `json:"clicks,omitempty"`
	KeyEvents    *int64  `json:"keyEvents,omitempty"`
	Scrolled     *bool   `json:"scrolled,omitempty"`
	ScrollY      *int64  `json:"scrollY,omitempty"`
	SampleCount  int     `json:"sampleCount"`
	SampleBucket string  `json:"sampleBucket"`
	MouseEntropy float64 `json:"mouseEntropy"`
	TimingCV     float64 `json:"timingCV"`
	SpeedCV      float64 `json:"speedCV"`

	// IP-behavior enrichment
	HitsInWindow   *int64 `json:"hitsInWindow,omitempty"`
	MsSinceLastHit *int64 `json:"msSinceLastHit,omitempty"`
	SubnetIPCount  *int64 `json:"subnetIpCount,omitempty"`
	SubnetHitCount *int64 `json:"subnetHitCount,omitempty"`
	SubnetAlert    *bool  `json:"subnetAlert,omitempty"`
	RapidFire      *bool  `json:"rapidFire,omitempty"`

	// Scores
	BotScore         int      `json:"botScore"`
	AnomalyScore     int      `json:"anomalyScore"`
	BotFlags         []string `json:"botFlags,omitempty"`
	CrossSignalFlags []string `json:"crossSignalFlags,omitempty"`
	BehavioralFlags  []string `json:"behavioralFlags,omitempty"`
	EvasionSignals   []string `json:"evasionSignals,omitempty"`
}

// BuildRecord extracts every typed field from the decoded signal map and
// folds in the score result. This is the single decode point; nothing
// downstream re-parses the raw blob.
func BuildRecord(ev *ingest.RawEvent, m signal.Map, res *scoring.Result, now time.Time) *Record {
	r := &Record{
		SourceID:       ev.SourceID,
		IPAddress:      ev.IPAddress,
		ReceivedAt:     ev.ReceivedAt,
		MaterializedAt: now,
		RuleSetVersion: res.RuleSetVersion,

		ScreenW:    intPtr(m, "sw"),
		ScreenH:    intPtr(m, "sh"),
		AvailW:     intPtr(m, "availW"),
		AvailH:     intPtr(m, "availH"),
		ColorDepth: intPtr(m, "colorDepth"),
		PixelRatio: floatPtr(m, "pixelRatio"),
		InnerW:     intPtr(m, "innerW"),
		InnerH:     intPtr(m, "innerH"),
		OuterW:     intPtr(m, "outerW"),
		OuterH:     intPtr(m, "outerH"),

		Language:       strPtr(m, "lang"),
		Languages:      strPtr(m, "langs"),
		Timezone:       strPtr(m, "tz"),
		TimezoneOffset: intPtr(m, "tzOffset"),

		UserAgent:           strPtr(m, "ua"),
		Platform:            strPtr(m, "platform"),
		Vendor:              strPtr(m, "vendor"),
		HardwareConcurrency: intPtr(m, "hardwareConcurrency"),
		DeviceMemory:        floatPtr(m, "deviceMemory"),
		MaxTouchPoints:      intPtr(m, "maxTouchPoints"),
		PluginCount:         intPtr(m, "plugins"),
		MimeTypeCount:       intPtr(m, "mimeTypes"),
		CookieEnabled:       boolPtr(m, "cookieEnabled"),
		DoNotTrack:          strPtr(m, "dnt"),
		Webdriver:           boolPtr(m, "webdriver"),
		PDFViewer:           boolPtr(m, "pdfViewer"),

		GLVendor:   strPtr(m, "glVendor"),
		GLRenderer: strPtr(m, "glRenderer"),

		CanvasHash: strPtr(m, "canvasHash"),
		AudioHash:  strPtr(m, "audioHash"),
		AudioHash2: strPtr(m, "audioHash2"),
		FontsHash:  strPtr(m, "fontsHash"),
		FontList:   strPtr(m, "fonts"),

		ConnType: strPtr(m, "connType"),
		Downlink: floatPtr(m, "downlink"),
		RTT:      intPtr(m, "rtt"),
		SaveData: boolPtr(m, "saveData"),

		LocalStorage:   boolPtr(m, "localStorage"),
		SessionStorage: boolPtr(m, "sessionStorage"),
		IndexedDB:      boolPtr(m, "indexedDb"),
		StorageQuota:   intPtr(m, "storageQuota"),

		HasChrome:        boolPtr(m, "hasChrome"),
		NotificationPerm: strPtr(m, "notifPerm"),
		PermInconsistent: boolPtr(m, "permInconsistent"),
		TouchEvent:       boolPtr(m, "touchEvent"),

		PrefersDark:          boolPtr(m, "prefersDark"),
		PrefersReducedMotion: boolPtr(m, "prefersReducedMotion"),

		DocVisible: boolPtr(m, "docVisible"),
		HasFocus:   boolPtr(m, "hasFocus"),

		PageURL:   strPtr(m, "url"),
		Referrer:  strPtr(m, "referrer"),
		PageTitle: strPtr(m, "title"),

		LoadTimeMs:       intPtr(m, "loadTime"),
		DOMInteractiveMs: intPtr(m, "domInteractive"),
		HeapLimit:        intPtr(m, "heapLimit"),
		HeapUsed:         intPtr(m, "heapUsed"),
		HeapTotal:        intPtr(m, "heapTotal"),

		BlockedProps: intPtr(m, "blockedProps"),
		CdcMarker:    boolPtr(m, "cdc"),
		Automation:   boolPtr(m, "automation"),

		UABrands:   strPtr(m, "uaBrands"),
		UAMobile:   boolPtr(m, "uaMobile"),
		UAPlatform: strPtr(m, "uaPlatform"),

		DwellMs:    intPtr(m, "dwellMs"),
		MouseMoves: intPtr(m, "mouseMoves"),
		Clicks:     intPtr(m, "clicks"),
		KeyEvents:  intPtr(m, "keys"),
		Scrolled:   boolPtr(m, "scrolled"),
		ScrollY:    intPtr(m, "scrollY"),

		HitsInWindow:   intPtr(m, "hitsInWindow"),
		MsSinceLastHit: intPtr(m, "msSinceLastHit"),
		SubnetIPCount:  intPtr(m, "subnetIpCount"),
		SubnetHitCount: intPtr(m, "subnetHitCount"),
		SubnetAlert:    boolPtr(m, "subnetAlert"),
		RapidFire:      boolPtr(m, "rapidFire"),

		SampleCount:  res.SampleCount,
		SampleBucket: res.SampleBucket,
		MouseEntropy: res.MouseEntropy,
		TimingCV:     res.TimingCV,
		SpeedCV:      res.SpeedCV,

		BotScore:         res.BotScore,
		AnomalyScore:     res.AnomalyScore,
		BotFlags:         res.BotFlags,
		CrossSignalFlags: res.CrossSignalFlags,
		BehavioralFlags:  res.BehavioralFlags,
		EvasionSignals:   res.EvasionSignals,
	}
	return r
}

func strPtr(m signal.Map, key string) *string {
	if v, ok := m.Str(key); ok {
		return &v
	}
	return nil
}

func intPtr(m signal.Map, key string) *int64 {
	if v, ok := m.Int(key); ok {
		return &v
	}
	return nil
}

func floatPtr(m signal.Map, key string) *float64 {
	if v, ok := m.Float(key); ok {
		return &v
	}
	return nil
}

func boolPtr(m signal.Map, key string) *bool {
	if v, ok := m.Bool(key); ok {
		return &v
	}
	return nil
}
