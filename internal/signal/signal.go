// Package signal provides the decoded, loosely-typed view of a visit's
// collected browser signals. A raw event stores signals as a URL-encoded
// blob; Decode turns it into a Map once, at materialization time, and all
// downstream reads go through the Map's permissive getters. An absent key
// means the signal was not collected; a malformed value is treated the same
// as an absent one and never surfaces as an error.
package signal

import (
	"net/url"
	"strconv"
	"strings"
)

// Map is one visit's decoded signal set, keyed by signal name.
type Map map[string]string

// Decode parses a URL-encoded signal blob into a Map. Keys that fail to
// decode are skipped; the parseable subset is always returned. When a key
// appears more than once the first value wins.
func Decode(blob string) Map {
	values, err := url.ParseQuery(blob)
	if err != nil && len(values) == 0 {
		return Map{}
	}
	m := make(Map, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}

// FromValues builds a Map from already-parsed form values, first value wins.
func FromValues(values url.Values) Map {
	m := make(Map, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}

// Has reports whether the signal was collected, even if empty.
func (m Map) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Str returns the raw string value, or ("", false) when absent.
func (m Map) Str(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Int coerces the value to an integer. Values with a fractional suffix
// ("12.0") are truncated. Malformed values read as absent.
func (m Map) Int(key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}

// Float coerces the value to a float64. Malformed values read as absent.
func (m Map) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Bool coerces the value to a boolean. "1", "true", "yes", and "on" are
// true; "0", "false", "no", and "off" are false; anything else is absent.
func (m Map) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// MouseSample is one timestamped cursor position from the dwell window.
type MouseSample struct {
	X int
	Y int
	T int64 // milliseconds since collection start
}

// MaxMouseSamples caps how many trail samples a visit contributes.
const MaxMouseSamples = 50

// ParseMouseTrail decodes a "x:y:t;x:y:t;..." trail string. Malformed
// samples are dropped; at most MaxMouseSamples samples are returned.
func ParseMouseTrail(trail string) []MouseSample {
	if trail == "" {
		return nil
	}
	parts := strings.Split(trail, ";")
	samples := make([]MouseSample, 0, len(parts))
	for _, p := range parts {
		if len(samples) >= MaxMouseSamples {
			break
		}
		fields := strings.Split(p, ":")
		if len(fields) != 3 {
			continue
		}
		x, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		y, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			continue
		}
		t, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			continue
		}
		samples = append(samples, MouseSample{X: x, Y: y, T: t})
	}
	return samples
}
