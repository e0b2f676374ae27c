package stage

import (
	"regexp"
	"strings"

	"github.com/badu/keymapper/key"
)

// DeviceMatchesFilter exposes device_matches_filter (spec §4.3) for
// reuse by clientstate's window-field matching, which shares the same
// verbatim/substring/regex grammar for class/title/path/system.
func DeviceMatchesFilter(f DeviceFilter, names []string) bool {
	return deviceMatchesFilter(f, names)
}

// deviceMatchesFilter implements spec §4.3's device_matches_filter: verbatim
// string, substring, or /regex/[i]; empty filter matches all devices.
func deviceMatchesFilter(f DeviceFilter, deviceNames []string) bool {
	if f.Kind == DeviceFilterNone || f.Pattern == "" {
		return true
	}
	matchOne := func(name string) bool {
		switch f.Kind {
		case DeviceFilterExact:
			return name == f.Pattern
		case DeviceFilterSubstring:
			return strings.Contains(name, f.Pattern)
		case DeviceFilterRegex:
			pattern, insensitive := f.Pattern, false
			if strings.HasSuffix(pattern, "i") {
				pattern, insensitive = pattern[:len(pattern)-1], true
			}
			if insensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			return re.MatchString(name)
		default:
			return true
		}
	}
	matched := false
	for _, name := range deviceNames {
		if matchOne(name) {
			matched = true
			break
		}
	}
	if f.Inverted {
		return !matched
	}
	return matched
}

// deviceMatchesIndex reports whether c's device filter matches the device at
// deviceIndex, using the per-device snapshot EvaluateDeviceFilters last
// computed (spec §4.3: "device_filter matches the event's device"). An
// unfiltered context matches any device unconditionally; a filtered context
// given no device of its own (deviceIndex < 0, nothing attached yet) does
// not match.
func (c *Context) deviceMatchesIndex(deviceIndex int) bool {
	if c.DeviceFilter.Kind == DeviceFilterNone && c.DeviceFilter.Pattern == "" {
		return true
	}
	if deviceIndex < 0 || deviceIndex >= len(c.deviceMatches) {
		return false
	}
	return c.deviceMatches[deviceIndex]
}

// isModifierDown decides whether k is currently satisfied as "Down" for
// modifier-filter purposes: a physical key is down if it's in the output-down
// set or the live sequence buffer without a following Up; a virtual key is
// down iff its bit is set.
func (s *Stage) isModifierDown(k key.Key) bool {
	if key.IsVirtual(k) {
		return s.virtualKeys[k-key.FirstVirtual]
	}
	for i := len(s.sequence) - 1; i >= 0; i-- {
		ev := s.sequence[i]
		if ev.Key != k {
			continue
		}
		return ev.State == key.Down || ev.State == key.DownMatched
	}
	for _, d := range s.outputDown {
		if d.key == k {
			return true
		}
	}
	return false
}

// matchesModifierFilter implements spec §4.3's modifier_filter evaluation.
func (s *Stage) matchesModifierFilter(c *Context) bool {
	ok := true
	for _, ev := range c.ModifierFilter {
		down := s.isModifierDown(ev.Key)
		want := ev.State != key.Not
		if down != want {
			ok = false
			break
		}
	}
	if c.InvertModifiers {
		return !ok
	}
	return ok
}

// contextActive computes whether context i is currently active: candidate
// (client-selected) AND device filter matched for the current event's
// device AND modifier filter satisfied.
func (s *Stage) contextActive(i int) bool {
	if !containsInt(s.clientSelected, i) {
		return false
	}
	c := &s.contexts[i]
	if !c.deviceMatchesIndex(s.lastDeviceIndex) {
		return false
	}
	return s.matchesModifierFilter(c)
}

// updateActiveContexts recomputes the active set and fires ContextActive
// transitions (spec §4.3's "On every transition...").
func (s *Stage) updateActiveContexts() {
	s.activeContexts = s.activeContexts[:0]
	for i := range s.contexts {
		active := s.contextActive(i)
		if active {
			s.activeContexts = append(s.activeContexts, i)
		}
		if active != s.prevActiveState[i] {
			s.onContextActiveTransition(i)
		}
		s.prevActiveState[i] = active
	}
}

// hasContextActiveInput reports whether context i declares a rule on the
// ContextActive pseudo-key.
func (c *Context) hasContextActiveInput() (int, bool) {
	for _, in := range c.Inputs {
		if len(in.Expression) == 1 && in.Expression[0].Key == key.ContextActive {
			return in.OutputIndex, true
		}
	}
	return 0, false
}

// onContextActiveTransition synthesizes a Down+Up ContextActive pair through
// context i, applying whatever output it's bound to (spec §4.3).
func (s *Stage) onContextActiveTransition(i int) {
	c := &s.contexts[i]
	outputIndex, ok := c.hasContextActiveInput()
	if !ok {
		return
	}
	out := s.resolveOutput(c, outputIndex)
	if out == nil {
		return
	}
	trigger := key.ContextActive
	s.applyOutput(*out, trigger, i)
	s.releaseTriggered(trigger, i)
}
