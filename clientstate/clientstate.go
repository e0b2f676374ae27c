// Package clientstate implements the client's active-context tracking
// (spec §4.7, C6): on focused-window change or configuration reload,
// recompute which contexts' window filters match and forward the result to
// the daemon as an active_contexts message whenever it changes.
//
// Grounded on the teacher's eventDispatcher Register/death-channel pattern
// (badu-term/key/dispatcher.go) for the "own some state, notify on change"
// shape, and on original_source/src/client/ClientState.h (config,
// recent_configs, active_contexts) for the data owned here.
package clientstate

import (
	"strings"
	"time"

	"github.com/badu/keymapper/stage"
)

// WindowFilter names the four window-selector fields a textual context
// header can declare (spec §6 "Contexts `[class=.., title=.., path=..,
// system=.., device=.., modifier=..]`"); device and modifier are
// evaluated daemon-side (stage.Context.DeviceFilter/ModifierFilter) since
// they depend on state the client doesn't have. The remaining four are
// resolved here against the focused-window source the client owns.
type WindowFilter struct {
	Class  stage.DeviceFilter
	Title  stage.DeviceFilter
	Path   stage.DeviceFilter
	System stage.DeviceFilter
}

func (f WindowFilter) matches(w WindowInfo) bool {
	return matchesOne(f.Class, w.Class) &&
		matchesOne(f.Title, w.Title) &&
		matchesOne(f.Path, w.Path) &&
		matchesOneFold(f.System, w.System)
}

// matchesOneFold is matchesOne with both sides case-folded, for the
// `system=` filter field, which names an OS/platform and is conventionally
// compared case-insensitively (e.g. a config shared between a "Linux" and
// a "linux" host).
func matchesOneFold(f stage.DeviceFilter, value string) bool {
	f.Pattern = normalizeSystemName(f.Pattern)
	return matchesOne(f, normalizeSystemName(value))
}

// matchesOne reuses stage's device-filter grammar (verbatim/substring/
// regex, optionally inverted) for window fields too - the textual config
// uses the same pattern syntax for both (spec §6).
func matchesOne(f stage.DeviceFilter, value string) bool {
	if f.Kind == stage.DeviceFilterNone && f.Pattern == "" {
		return true
	}
	return stage.DeviceMatchesFilter(f, []string{value})
}

// WatchSource is polled for the currently focused window by the caller's
// client loop (spec §1's focused-window monitor is an external
// collaborator; this is merely the shape ClientState expects from it).
type WatchSource interface {
	Current() (WindowInfo, error)
}

// WindowInfo describes the currently focused window/application, supplied
// by the external focused-window monitor (spec §1's "OUT OF SCOPE" list:
// tray-icon, D-Bus, Wayland, X11 focused-window monitors).
type WindowInfo struct {
	Class  string
	Title  string
	Path   string
	System string // e.g. "linux"; spec §6's `system=` filter field
}

// Config is the client-owned parsed rule set: the wire-serializable
// contexts sent to the daemon (device_filter, modifier_filter, inputs,
// outputs - stage.Context as DecodeConfiguration/EncodeConfiguration
// moves it), paired with the window filters that decide which of those
// contexts are candidates for activation. Both slices share the same
// length and ordering, and together they are what the config parser
// (out of this package's scope, spec §1) produces for one reload.
type Config struct {
	Contexts      []stage.Context
	WindowFilters []WindowFilter
}

// Sender posts the flat active-context index list to the daemon (spec §6
// "active_contexts"); the caller wires it to a wire.EncodeActiveContexts +
// socket write.
type Sender func(indices []int) error

// ConfigReloadDebounce is the minimum gap between observed file-modify
// events before a reload is actually attempted (spec §4.7 "debounced to
// tolerate editors that truncate-then-rewrite").
const ConfigReloadDebounce = 250 * time.Millisecond

// maxRecentConfigs bounds how many prior configurations ClientState retains
// for diagnostics (e.g. a future `keymapperctl config history`) -
// original_source's ClientState keeps the sequence of configs it has ever
// loaded; this caps it rather than growing unbounded for a long-lived
// session.
const maxRecentConfigs = 8

// ClientState owns (config, recent_configs, active_contexts) per spec §4.7.
type ClientState struct {
	config        Config
	recentConfigs []Config
	active        []int
	lastWindow    WindowInfo
	haveWindow    bool

	send Sender

	lastConfigChangeAt time.Time
	haveLastChange     bool
	debounceUntil      time.Time
	reloadedChangeAt   time.Time
	haveReloadedChange bool
}

// Option configures a ClientState at construction (teacher's functional-
// option convention).
type Option func(*ClientState)

// WithSender installs the callback used to forward a changed active-context
// list to the daemon.
func WithSender(s Sender) Option {
	return func(c *ClientState) { c.send = s }
}

func New(opts ...Option) *ClientState {
	c := &ClientState{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetConfig installs a newly parsed configuration (a reload) and
// recomputes active contexts against the last known focused window, if
// any, sending the result if it changed (spec §4.7).
func (c *ClientState) SetConfig(cfg Config) error {
	if len(c.config.Contexts) > 0 || len(c.config.WindowFilters) > 0 {
		c.recentConfigs = append(c.recentConfigs, c.config)
		if len(c.recentConfigs) > maxRecentConfigs {
			c.recentConfigs = c.recentConfigs[len(c.recentConfigs)-maxRecentConfigs:]
		}
	}
	c.config = cfg
	if c.haveWindow {
		return c.recompute()
	}
	return nil
}

// Config returns the currently installed configuration.
func (c *ClientState) Config() Config { return c.config }

// ActiveContexts returns the last computed active-context index list.
func (c *ClientState) ActiveContexts() []int { return c.active }

// OnFocusedWindowChanged recomputes active contexts for the new window and
// sends the result to the daemon if it differs from the previous selection
// (spec §4.7 "On focused-window update, recompute... if the resulting
// vector differs from the previous one, send it").
func (c *ClientState) OnFocusedWindowChanged(w WindowInfo) error {
	c.lastWindow, c.haveWindow = w, true
	return c.recompute()
}

func (c *ClientState) recompute() error {
	next := computeActive(c.config.WindowFilters, c.lastWindow)
	if intSliceEqual(next, c.active) {
		return nil
	}
	c.active = next
	if c.send == nil {
		return nil
	}
	return c.send(append([]int(nil), c.active...))
}

// computeActive returns the indices of every window filter that matches w,
// in declaration order - the candidate set the daemon further narrows by
// device/modifier filters (spec §4.3).
func computeActive(filters []WindowFilter, w WindowInfo) []int {
	var out []int
	for i, f := range filters {
		if f.matches(w) {
			out = append(out, i)
		}
	}
	return out
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShouldReload implements spec §4.7's 250ms debounce the way
// original_source/src/client/ConfigFile.cpp protects a reload: a modify
// notification only triggers a read once the file's mtime has sat still
// for a full ConfigReloadDebounce - never on the notification that starts
// the window. A leading-edge debounce (report true on the first
// notification, suppress the rest) would read the file mid-rewrite on
// exactly the editors this exists to tolerate ("saving with gedit resulted
// in reading an empty configuration"); this is trailing-edge instead.
//
// Called on every poll tick with the file's current mtime and the tick's
// own time (so a caller on a ticker, like cmd/keymapperd's device-name
// watch, can pass time.Now() each time). Returns true at most once per
// distinct mtime, and only once that mtime has been quiet for the full
// debounce window.
func (c *ClientState) ShouldReload(now, modTime time.Time) bool {
	if !c.haveLastChange || !modTime.Equal(c.lastConfigChangeAt) {
		// mtime changed since the last tick (or this is the first sighting
		// of any mtime): a rewrite may still be in progress, so the quiet
		// window restarts from here.
		c.lastConfigChangeAt, c.haveLastChange = modTime, true
		c.debounceUntil = now.Add(ConfigReloadDebounce)
		return false
	}
	if c.haveReloadedChange && c.reloadedChangeAt.Equal(modTime) {
		return false // already reloaded this exact version
	}
	if now.Before(c.debounceUntil) {
		return false // still inside the quiet-gap window
	}
	c.reloadedChangeAt, c.haveReloadedChange = modTime, true
	return true
}

// normalizeSystemName lowercases a system filter value the way class/title
// comparisons are case-sensitive-by-default but `system=` conventionally
// isn't (matching e.g. "Linux" and "linux" in a cross-platform config
// shared between machines).
func normalizeSystemName(s string) string { return strings.ToLower(s) }
