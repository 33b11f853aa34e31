// Package quality maps a caller's plan tier to the quality profile its
// encoder is started with. The table stands in for the billing service's
// plan lookup; operators can extend or override it from configuration.
package quality

import (
	"fmt"
	"strconv"
	"strings"
)

// Profile is the set of encoder parameters derived from a plan tier.
// It is immutable for the lifetime of a session.
type Profile struct {
	BitrateKbps int
	Width       int
	Height      int
	FrameRate   int
}

func (p Profile) String() string {
	return fmt.Sprintf("%dx%d@%dfps %dkbps", p.Width, p.Height, p.FrameRate, p.BitrateKbps)
}

// Table resolves plan names to profiles.
type Table struct {
	plans map[string]Profile
}

// Built-in tiers. A config-supplied plan with the same name replaces
// the built-in entry.
var defaults = map[string]Profile{
	"free":    {BitrateKbps: 1200, Width: 854, Height: 480, FrameRate: 24},
	"creator": {BitrateKbps: 2500, Width: 1280, Height: 720, FrameRate: 30},
	"studio":  {BitrateKbps: 4500, Width: 1920, Height: 1080, FrameRate: 30},
}

// NewTable builds a lookup table from the defaults merged with overrides.
func NewTable(overrides map[string]Profile) *Table {
	plans := make(map[string]Profile, len(defaults)+len(overrides))
	for name, p := range defaults {
		plans[name] = p
	}
	for name, p := range overrides {
		plans[strings.ToLower(name)] = p
	}
	return &Table{plans: plans}
}

// Lookup returns the profile for the named plan. Unknown plans return
// false; the caller decides whether to reject or fall back to "free".
func (t *Table) Lookup(plan string) (Profile, bool) {
	p, ok := t.plans[strings.ToLower(strings.TrimSpace(plan))]
	return p, ok
}

// Resolve derives the session profile from a plan and the client's
// requested bitrate/resolution. The plan is the ceiling: requests above it
// are clamped rather than rejected, so a stale client still streams.
func (t *Table) Resolve(plan string, requestedKbps int, requestedResolution string) Profile {
	ceiling, ok := t.Lookup(plan)
	if !ok {
		ceiling = defaults["free"]
	}

	out := ceiling
	if requestedKbps > 0 && requestedKbps < ceiling.BitrateKbps {
		out.BitrateKbps = requestedKbps
	}
	if w, h, err := ParseResolution(requestedResolution); err == nil {
		if w*h <= ceiling.Width*ceiling.Height {
			out.Width, out.Height = w, h
		}
	}
	return out
}

// ParseResolution accepts either a shorthand like "1080p" or an explicit
// "1280x720" and returns the pixel geometry.
func ParseResolution(s string) (width, height int, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, 0, fmt.Errorf("empty resolution")
	}

	switch s {
	case "480p":
		return 854, 480, nil
	case "720p":
		return 1280, 720, nil
	case "1080p":
		return 1920, 1080, nil
	}

	w, h, found := strings.Cut(s, "x")
	if !found {
		return 0, 0, fmt.Errorf("unrecognized resolution %q", s)
	}
	width, werr := strconv.Atoi(w)
	height, herr := strconv.Atoi(h)
	if werr != nil || herr != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("unrecognized resolution %q", s)
	}
	return width, height, nil
}
