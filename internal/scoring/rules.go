package scoring

import (
	"strings"

	"github.com/mbd888/visitlens/internal/signal"
)

// blockedSentinel is what the collector reports when a privacy wrapper or
// extension denied a fingerprint probe.
const blockedSentinel = "blocked"

const weightAudioNoise = 5

// rule is one weighted predicate. A predicate that needs an absent signal
// must return false, never panic.
type rule struct {
	name   string
	weight int
	fire   func(m signal.Map) bool
}

// minPlausibleUALen is shorter than any user-agent a mainstream browser
// has shipped this decade.
const minPlausibleUALen = 40

var headlessUAMarkers = []string{
	"headlesschrome",
	"phantomjs",
	"slimerjs",
	"electron",
	"puppeteer",
	"playwright",
	"selenium",
}

var scriptedUAMarkers = []string{
	"python-requests",
	"python-urllib",
	"go-http-client",
	"curl/",
	"wget/",
	"okhttp",
	"java/",
	"scrapy",
	"httpclient",
	"bot",
	"spider",
	"crawl",
}

var softwareRenderers = []string{
	"swiftshader",
	"llvmpipe",
	"softpipe",
	"mesa offscreen",
	"microsoft basic render",
}

func ua(m signal.Map) (string, bool) {
	v, ok := m.Str("ua")
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func uaLower(m signal.Map) (string, bool) {
	v, ok := ua(m)
	if !ok {
		return "", false
	}
	return strings.ToLower(v), true
}

// isChromiumUA matches Chrome and Chromium-derived desktop browsers,
// excluding Edge-on-Android style mobile strings where plugin and
// client-hint expectations differ.
func isChromiumUA(m signal.Map) bool {
	v, ok := ua(m)
	if !ok {
		return false
	}
	return strings.Contains(v, "Chrome/") || strings.Contains(v, "Chromium/")
}

func isDesktopUA(m signal.Map) bool {
	v, ok := uaLower(m)
	if !ok {
		return false
	}
	if strings.Contains(v, "mobile") || strings.Contains(v, "android") ||
		strings.Contains(v, "iphone") || strings.Contains(v, "ipad") {
		return false
	}
	return true
}

func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// uaOS classifies the operating system the user-agent claims.
func uaOS(m signal.Map) string {
	v, ok := uaLower(m)
	if !ok {
		return ""
	}
	switch {
	case strings.Contains(v, "windows"):
		return "windows"
	case strings.Contains(v, "android"):
		return "android"
	case strings.Contains(v, "iphone"), strings.Contains(v, "ipad"):
		return "ios"
	case strings.Contains(v, "mac os"), strings.Contains(v, "macintosh"):
		return "mac"
	case strings.Contains(v, "linux"), strings.Contains(v, "x11"):
		return "linux"
	}
	return ""
}

// platformOS classifies navigator.platform.
func platformOS(m signal.Map) string {
	v, ok := m.Str("platform")
	if !ok || v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	switch {
	case strings.HasPrefix(lower, "win"):
		return "windows"
	case strings.HasPrefix(lower, "mac"):
		return "mac"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"):
		return "ios"
	case strings.Contains(lower, "android"):
		return "android"
	case strings.Contains(lower, "linux"):
		return "linux"
	}
	return ""
}

// fontOS guesses the OS from the detected font list. System UI fonts are
// bundled per platform and rarely installed elsewhere.
func fontOS(m signal.Map) string {
	v, ok := m.Str("fonts")
	if !ok || v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "segoe ui"), strings.Contains(lower, "calibri"):
		return "windows"
	case strings.Contains(lower, "helvetica neue"), strings.Contains(lower, "menlo"),
		strings.Contains(lower, "san francisco"):
		return "mac"
	case strings.Contains(lower, "dejavu sans"), strings.Contains(lower, "liberation"),
		strings.Contains(lower, "ubuntu"):
		return "linux"
	}
	return ""
}

// rendererOS guesses the OS from the WebGL renderer string. ANGLE on
// Direct3D only exists on Windows; Apple GPUs only on Apple hardware.
func rendererOS(m signal.Map) string {
	v, ok := m.Str("glRenderer")
	if !ok || v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "direct3d"), strings.Contains(lower, "d3d11"),
		strings.Contains(lower, "d3d9"):
		return "windows"
	case strings.Contains(lower, "apple gpu"), strings.Contains(lower, "apple m"),
		strings.Contains(lower, "metal"):
		return "mac"
	}
	return ""
}

// botRules are the primary detection predicates. Order is stable for
// reproducible flag lists but carries no semantic weight.
var botRules = []rule{
	{"webdriver", 10, func(m signal.Map) bool {
		v, ok := m.Bool("webdriver")
		return ok && v
	}},
	{"short-ua", 15, func(m signal.Map) bool {
		v, ok := ua(m)
		return ok && len(v) < minPlausibleUALen
	}},
	{"headless-ua", 10, func(m signal.Map) bool {
		v, ok := uaLower(m)
		return ok && containsAny(v, headlessUAMarkers)
	}},
	{"scripted-ua", 10, func(m signal.Map) bool {
		v, ok := uaLower(m)
		return ok && containsAny(v, scriptedUAMarkers)
	}},
	{"chromedriver-marker", 10, func(m signal.Map) bool {
		v, ok := m.Bool("cdc")
		return ok && v
	}},
	{"automation-flag", 10, func(m signal.Map) bool {
		v, ok := m.Bool("automation")
		return ok && v
	}},
	{"no-plugins", 3, func(m signal.Map) bool {
		n, ok := m.Int("plugins")
		return ok && n == 0 && isChromiumUA(m) && isDesktopUA(m)
	}},
	{"no-mime-types", 2, func(m signal.Map) bool {
		n, ok := m.Int("mimeTypes")
		return ok && n == 0 && isChromiumUA(m) && isDesktopUA(m)
	}},
	{"no-languages", 5, func(m signal.Map) bool {
		v, ok := m.Str("langs")
		return ok && strings.TrimSpace(v) == ""
	}},
	{"no-connection-api", 3, func(m signal.Map) bool {
		return isChromiumUA(m) && !m.Has("connType")
	}},
	{"permission-inconsistency", 10, func(m signal.Map) bool {
		v, ok := m.Bool("permInconsistent")
		return ok && v
	}},
	{"missing-window-chrome", 8, func(m signal.Map) bool {
		v, ok := m.Bool("hasChrome")
		return ok && !v && isChromiumUA(m) && isDesktopUA(m)
	}},
	{"zero-outer-window", 8, func(m signal.Map) bool {
		w, okW := m.Int("outerW")
		h, okH := m.Int("outerH")
		return okW && okH && (w == 0 || h == 0)
	}},
	{"software-renderer", 7, func(m signal.Map) bool {
		v, ok := m.Str("glRenderer")
		return ok && containsAny(strings.ToLower(v), softwareRenderers)
	}},
	{"canvas-blocked", 4, func(m signal.Map) bool {
		v, ok := m.Str("canvasHash")
		return ok && v == blockedSentinel
	}},
	{"audio-blocked", 3, func(m signal.Map) bool {
		v, ok := m.Str("audioHash")
		return ok && v == blockedSentinel
	}},
	{"degenerate-screen", 5, func(m signal.Map) bool {
		w, okW := m.Int("sw")
		h, okH := m.Int("sh")
		return okW && okH && (w <= 1 || h <= 1)
	}},
	{"no-ua-brands", 3, func(m signal.Map) bool {
		v, ok := m.Str("uaBrands")
		return ok && strings.TrimSpace(v) == "" && isChromiumUA(m)
	}},
	{"no-storage-api", 3, func(m signal.Map) bool {
		v, ok := m.Bool("localStorage")
		return ok && !v
	}},
	{"cookies-disabled", 2, func(m signal.Map) bool {
		v, ok := m.Bool("cookieEnabled")
		return ok && !v
	}},
	{"many-blocked-props", 3, func(m signal.Map) bool {
		n, ok := m.Int("blockedProps")
		return ok && n >= 5
	}},
	{"no-mouse-activity", 5, func(m signal.Map) bool {
		moves, okM := m.Int("mouseMoves")
		dwell, okD := m.Int("dwellMs")
		return okM && okD && moves == 0 && dwell >= 400
	}},
	{"zero-hardware-concurrency", 4, func(m signal.Map) bool {
		n, ok := m.Int("hardwareConcurrency")
		return ok && n == 0
	}},
	{"missing-pdf-viewer", 2, func(m signal.Map) bool {
		v, ok := m.Bool("pdfViewer")
		return ok && !v && isChromiumUA(m) && isDesktopUA(m)
	}},
	{"never-focused", 2, func(m signal.Map) bool {
		focus, okF := m.Bool("hasFocus")
		dwell, okD := m.Int("dwellMs")
		return okF && okD && !focus && dwell >= 400
	}},
	{"empty-font-set", 4, func(m signal.Map) bool {
		v, ok := m.Str("fonts")
		return ok && strings.TrimSpace(v) == ""
	}},
}

// crossRules fire when two signal categories contradict each other. They
// feed AnomalyScore, not BotScore.
var crossRules = []rule{
	{"font-platform-mismatch", 8, func(m signal.Map) bool {
		f, p := fontOS(m), platformOS(m)
		return f != "" && p != "" && f != p
	}},
	{"ua-gpu-mismatch", 6, func(m signal.Map) bool {
		u, r := uaOS(m), rendererOS(m)
		return u != "" && r != "" && u != r
	}},
	{"scroll-contradiction", 5, func(m signal.Map) bool {
		scrolled, okS := m.Bool("scrolled")
		depth, okD := m.Int("scrollY")
		return okS && okD && scrolled && depth == 0
	}},
	{"degenerate-heap", 4, func(m signal.Map) bool {
		limit, okL := m.Int("heapLimit")
		used, okU := m.Int("heapUsed")
		total, okT := m.Int("heapTotal")
		if okL && limit > 0 && limit%(1<<30) == 0 {
			// Real Chrome heap limits carry per-process slack; an exact
			// gigabyte multiple is an emulated value.
			return true
		}
		return okU && okT && total > 0 && used == total
	}},
	{"conn-without-rtt", 3, func(m signal.Map) bool {
		return m.Has("connType") && !m.Has("rtt")
	}},
	{"timezone-mismatch", 6, func(m signal.Map) bool {
		name, okN := m.Str("tz")
		offset, okO := m.Int("tzOffset")
		if !okN || !okO {
			return false
		}
		if name == "UTC" && offset != 0 {
			return true
		}
		// JS getTimezoneOffset is bounded by UTC-12..UTC+14.
		return offset < -840 || offset > 720
	}},
	{"platform-ua-mismatch", 8, func(m signal.Map) bool {
		u, p := uaOS(m), platformOS(m)
		return u != "" && p != "" && u != p
	}},
	{"touch-on-desktop", 4, func(m signal.Map) bool {
		n, ok := m.Int("maxTouchPoints")
		if !ok || n == 0 {
			return false
		}
		os := uaOS(m)
		return (os == "windows" || os == "mac" || os == "linux") && isDesktopUA(m)
	}},
	{"viewport-exceeds-screen", 5, func(m signal.Map) bool {
		iw, okIW := m.Int("innerW")
		ih, okIH := m.Int("innerH")
		sw, okSW := m.Int("sw")
		sh, okSH := m.Int("sh")
		if !okSW || !okSH || sw <= 1 || sh <= 1 {
			return false
		}
		return (okIW && iw > sw) || (okIH && ih > sh)
	}},
	{"language-mismatch", 3, func(m signal.Map) bool {
		lang, okL := m.Str("lang")
		langs, okS := m.Str("langs")
		if !okL || !okS || lang == "" || langs == "" {
			return false
		}
		first := strings.TrimSpace(strings.Split(langs, ",")[0])
		return first != "" && !strings.EqualFold(first, lang)
	}},
	{"subnet-velocity", 6, func(m signal.Map) bool {
		v, ok := m.Bool("subnetAlert")
		return ok && v
	}},
	{"rapid-fire", 6, func(m signal.Map) bool {
		v, ok := m.Bool("rapidFire")
		return ok && v
	}},
}
