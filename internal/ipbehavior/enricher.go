// Package ipbehavior maintains in-memory sliding windows of visit arrivals
// per IP address and per subnet, and folds the derived velocity signals
// into a visit's signal set before the raw event is frozen. Windows are
// mutated concurrently by every ingestion request; each window carries its
// own mutex.
package ipbehavior

import (
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultWindow is how far back hit counting looks.
	DefaultWindow = 10 * time.Minute

	// sweepInterval is how often the janitor drops idle windows.
	sweepInterval = time.Minute

	maxWindowSize = 1000

	// Alert thresholds. A subnet turns hot when many distinct IPs inside
	// it hit within the window; a single IP turns rapid-fire when hits
	// arrive faster than a human could navigate.
	subnetIPAlertCount  = 8
	subnetHitAlertCount = 40
	rapidFireHits       = 5
	rapidFireSpan       = 10 * time.Second
)

// Enrichment is the derived signal set for one arrival.
type Enrichment struct {
	HitsInWindow    int
	MillisSinceLast int64 // -1 when this is the first hit
	SubnetIPCount   int
	SubnetHitCount  int
	SubnetAlert     bool
	RapidFireAlert  bool
}

// Enricher tracks per-IP and per-subnet arrival windows. A janitor
// goroutine evicts windows whose hits have all aged out, so distinct-IP
// cardinality is bounded by recent traffic rather than lifetime traffic.
type Enricher struct {
	window  time.Duration
	ips     sync.Map // map[string]*hitWindow
	subnets sync.Map // map[string]*subnetWindow
	stop    chan struct{}
}

type hitWindow struct {
	mu   sync.Mutex
	dead bool // set by the janitor before the map entry is dropped
	hits []time.Time
}

type subnetWindow struct {
	mu   sync.Mutex
	dead bool
	hits []subnetHit
}

type subnetHit struct {
	ip string
	at time.Time
}

// New returns an Enricher with the default lookback window and starts
// its janitor.
func New() *Enricher {
	e := &Enricher{window: DefaultWindow, stop: make(chan struct{})}
	go e.janitor()
	return e
}

// WithWindow overrides the lookback window.
func (e *Enricher) WithWindow(d time.Duration) *Enricher {
	e.window = d
	return e
}

// Stop stops the janitor goroutine.
func (e *Enricher) Stop() {
	close(e.stop)
}

// janitor periodically drops windows with no hits inside the lookback.
func (e *Enricher) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweep(time.Now())
		case <-e.stop:
			return
		}
	}
}

// sweep evicts idle windows. A window is marked dead under its own lock
// before the map entry is removed, so an Observe racing the eviction
// retries against a fresh window instead of writing into an orphan.
func (e *Enricher) sweep(now time.Time) {
	cutoff := now.Add(-e.window)

	e.ips.Range(func(k, v interface{}) bool {
		w := v.(*hitWindow)
		w.mu.Lock()
		w.hits = pruneTimes(w.hits, cutoff)
		if len(w.hits) == 0 {
			w.dead = true
			e.ips.Delete(k)
		}
		w.mu.Unlock()
		return true
	})

	e.subnets.Range(func(k, v interface{}) bool {
		sw := v.(*subnetWindow)
		sw.mu.Lock()
		sw.hits = pruneSubnetHits(sw.hits, cutoff)
		if len(sw.hits) == 0 {
			sw.dead = true
			e.subnets.Delete(k)
		}
		sw.mu.Unlock()
		return true
	})
}

// Observe records an arrival and returns the enrichment derived from the
// state after the hit. Safe for concurrent use.
func (e *Enricher) Observe(ip string, now time.Time) Enrichment {
	var enr Enrichment

	w := e.lockedIPWindow(ip)
	cutoff := now.Add(-e.window)
	w.hits = pruneTimes(w.hits, cutoff)

	if len(w.hits) == 0 {
		enr.MillisSinceLast = -1
	} else {
		enr.MillisSinceLast = now.Sub(w.hits[len(w.hits)-1]).Milliseconds()
	}

	w.hits = append(w.hits, now)
	if len(w.hits) > maxWindowSize {
		w.hits = w.hits[len(w.hits)-maxWindowSize:]
	}
	enr.HitsInWindow = len(w.hits)

	recent := 0
	rapidCutoff := now.Add(-rapidFireSpan)
	for i := len(w.hits) - 1; i >= 0; i-- {
		if w.hits[i].Before(rapidCutoff) {
			break
		}
		recent++
	}
	enr.RapidFireAlert = recent >= rapidFireHits
	w.mu.Unlock()

	sw := e.lockedSubnetWindow(SubnetKey(ip))
	sw.hits = pruneSubnetHits(sw.hits, cutoff)
	sw.hits = append(sw.hits, subnetHit{ip: ip, at: now})
	if len(sw.hits) > maxWindowSize {
		sw.hits = sw.hits[len(sw.hits)-maxWindowSize:]
	}

	distinct := make(map[string]struct{}, len(sw.hits))
	for _, h := range sw.hits {
		distinct[h.ip] = struct{}{}
	}
	enr.SubnetIPCount = len(distinct)
	enr.SubnetHitCount = len(sw.hits)
	enr.SubnetAlert = enr.SubnetIPCount >= subnetIPAlertCount ||
		enr.SubnetHitCount >= subnetHitAlertCount
	sw.mu.Unlock()

	return enr
}

// Annotate records the hit for ip and injects the enrichment signal keys
// into values in place.
func (e *Enricher) Annotate(values url.Values, ip string, now time.Time) {
	enr := e.Observe(ip, now)
	values.Set("hitsInWindow", strconv.Itoa(enr.HitsInWindow))
	values.Set("msSinceLastHit", strconv.FormatInt(enr.MillisSinceLast, 10))
	values.Set("subnetIpCount", strconv.Itoa(enr.SubnetIPCount))
	values.Set("subnetHitCount", strconv.Itoa(enr.SubnetHitCount))
	values.Set("subnetAlert", boolSignal(enr.SubnetAlert))
	values.Set("rapidFire", boolSignal(enr.RapidFireAlert))
}

// SubnetKey maps an address to its aggregation bucket: /24 for IPv4,
// /64 for IPv6. Unparseable addresses bucket under their literal string.
func SubnetKey(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String() + "/64"
}

// lockedIPWindow returns the window for ip with its mutex held.
func (e *Enricher) lockedIPWindow(ip string) *hitWindow {
	for {
		v, _ := e.ips.LoadOrStore(ip, &hitWindow{})
		w := v.(*hitWindow)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// lockedSubnetWindow returns the window for key with its mutex held.
func (e *Enricher) lockedSubnetWindow(key string) *subnetWindow {
	for {
		v, _ := e.subnets.LoadOrStore(key, &subnetWindow{})
		sw := v.(*subnetWindow)
		sw.mu.Lock()
		if !sw.dead {
			return sw
		}
		sw.mu.Unlock()
	}
}

func pruneTimes(hits []time.Time, cutoff time.Time) []time.Time {
	start := 0
	for start < len(hits) && hits[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		hits = hits[start:]
	}
	return hits
}

func pruneSubnetHits(hits []subnetHit, cutoff time.Time) []subnetHit {
	start := 0
	for start < len(hits) && hits[start].at.Before(cutoff) {
		start++
	}
	if start > 0 {
		hits = hits[start:]
	}
	return hits
}

func boolSignal(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
