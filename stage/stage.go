// Package stage implements the Stage state machine (spec §4.2, C3): one
// rule set's context table, sequence buffer, output-down table and
// output-on-release queue, consuming one event at a time and emitting zero
// or more.
//
// Grounded on original_source/src/runtime/Stage.cpp (apply_input,
// release_triggered, reapply_temporarily_released, update_output,
// finish_sequence - naming and control flow kept) and on the teacher's
// functional-option constructor pattern (core.NewCore, key.NewEventDispatcher).
package stage

import (
	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/match"
)

// Debug mirrors the teacher's core.Debug / key.Debug package-level toggle.
// It is a package-level variable, not a value passed into New; the daemon
// sets it from its --debug flag, library code never sets it, and no code in
// this package reads it.
var Debug = false

const maxToggleDepth = 8

// Input is one rule: an input expression and a pointer into the owning
// context's direct-output table, or (negative) a command index.
type Input struct {
	Expression key.KeySequence
	// OutputIndex >= 0 indexes Context.Outputs; < 0 encodes -(CommandIndex+1).
	OutputIndex int
}

// CommandOutput is one command's context-specific output override.
type CommandOutput struct {
	Index  int
	Output key.KeySequence
}

// DeviceFilterKind selects how Context.DeviceFilter's pattern is applied.
type DeviceFilterKind uint8

const (
	DeviceFilterNone DeviceFilterKind = iota
	DeviceFilterExact
	DeviceFilterSubstring
	DeviceFilterRegex
)

// DeviceFilter matches a device name against a verbatim string, a substring,
// or a /regex/[i] pattern, per spec §4.3.
type DeviceFilter struct {
	Kind     DeviceFilterKind
	Pattern  string
	Inverted bool
}

// Context groups a filtered set of input/output rules (spec §3 "Context").
type Context struct {
	Inputs          []Input
	Outputs         []key.KeySequence
	CommandOutputs  []CommandOutput
	DeviceFilter    DeviceFilter
	ModifierFilter  key.KeySequence
	InvertModifiers bool
	Fallthrough     bool

	// deviceMatches is the cached result of evaluating DeviceFilter against
	// each currently attached device, indexed by that device's index
	// (re-evaluated once at device-attach): spec §4.3's "device_filter
	// matches the event's device", not "matches some attached device".
	deviceMatches []bool
}

type outputDown struct {
	key                 key.Key
	trigger             key.Key
	suppressed          bool
	temporarilyReleased bool
	contextIndex        int
}

type outputOnRelease struct {
	trigger      key.Key
	sequence     key.KeySequence
	contextIndex int
}

type currentTimeout struct {
	key           key.Key
	state         key.State
	trigger       key.Key
	matchedOutput key.KeySequence
	notExceeded   bool
}

// VirtualKeyNotifier is called whenever a virtual key's boolean state
// changes, so the server can forward it to the control client (spec §4.5).
type VirtualKeyNotifier func(k key.Key, down bool)

// ActionSink is called when an action key is emitted on output, so the
// server can post its index (and optional value) to the client (spec §4.5).
type ActionSink func(index int, value uint16)

// TimeoutRequester is called when the matcher needs a timer armed: any Down,
// or trigger's Up when cancelOnUp is set, should cause the caller to cancel
// the timer early and inject the elapsed
// duration as a Key::timeout reply before processing that event further
// (spec §4.6's cancel-and-inject protocol). The caller schedules a
// wall-clock timer and later delivers the reply through Update with a
// Key::timeout event.
type TimeoutRequester func(trigger key.Key, millis uint16, cancelOnUp bool)

// Option configures a Stage at construction, matching the teacher's
// functional-option convention.
type Option func(*Stage)

func WithVirtualKeyNotifier(f VirtualKeyNotifier) Option {
	return func(s *Stage) { s.onVirtualKey = f }
}

func WithActionSink(f ActionSink) Option {
	return func(s *Stage) { s.onAction = f }
}

func WithTimeoutRequester(f TimeoutRequester) Option {
	return func(s *Stage) { s.onTimeoutRequest = f }
}

// WithVirtualKeysToggle mirrors the `virtual-keys-toggle` directive
// (default true): when false, Down on a virtual key idempotently sets it
// down instead of toggling, and a Not<Virtual> output is required to clear it.
func WithVirtualKeysToggle(toggle bool) Option {
	return func(s *Stage) { s.virtualKeysToggle = toggle }
}

// WithForwardModifiers configures the set of physical modifier keys that
// must reach the virtual device even mid might_match (spec §4.5).
func WithForwardModifiers(keys ...key.Key) Option {
	return func(s *Stage) {
		for _, k := range keys {
			s.forwardModifiers[k] = struct{}{}
		}
	}
}

// Stage holds one context set and its live translation state.
type Stage struct {
	contexts        []Context
	activeContexts  []int // indices into contexts, recomputed on selection/filter change
	clientSelected  []int // client-selected candidate indices (before filtering)
	prevActiveState []bool

	matcher match.Matcher

	sequence           key.KeySequence
	sequenceMightMatch bool

	outputDown      []outputDown
	outputOnRelease []outputOnRelease
	currentTimeout  *currentTimeout

	virtualKeys      [key.LastVirtual - key.FirstVirtual + 1]bool
	onVirtualKey     VirtualKeyNotifier
	onAction         ActionSink
	onTimeoutRequest TimeoutRequester

	virtualKeysToggle bool
	forwardModifiers  map[key.Key]struct{}

	hasMouseMappings bool
	hasDeviceFilters bool

	// lastDeviceIndex is the device index of the most recent real device
	// event Update saw, used to evaluate device filters for calls that have
	// no device of their own (a synthesized virtual-key feed, a naturally
	// elapsed timeout, an administrative SetActiveClientContexts/
	// SetVirtualKeyState) - such a call inherits whichever device most
	// recently drove the engine rather than matching no device at all.
	// -1 until the first real device event arrives.
	lastDeviceIndex int

	wheelAccum [4]int32 // one accumulator per WheelUp/Down/Left/Right, spec §9

	exitSequencePos int

	output key.KeySequence // scratch output buffer, reused across Update calls
}

// New builds a Stage over a fixed set of contexts, created once per rule
// reload (spec §3 "Lifecycle").
func New(contexts []Context, opts ...Option) *Stage {
	s := &Stage{
		contexts:          contexts,
		virtualKeysToggle: true,
		forwardModifiers:  make(map[key.Key]struct{}),
		prevActiveState:   make([]bool, len(contexts)),
		lastDeviceIndex:   -1,
	}
	for i := range contexts {
		if len(contexts[i].DeviceFilter.Pattern) > 0 || contexts[i].DeviceFilter.Kind != DeviceFilterNone {
			s.hasDeviceFilters = true
		}
		for _, in := range contexts[i].Inputs {
			for _, ev := range in.Expression {
				if isMouseKey(ev.Key) {
					s.hasMouseMappings = true
				}
			}
		}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func isMouseKey(k key.Key) bool {
	return k == key.MouseLeft || k == key.MouseRight || k == key.MouseMiddle ||
		k == key.MouseButton4 || k == key.MouseButton5 || isWheelKey(k)
}

func isWheelKey(k key.Key) bool {
	return k == key.WheelUp || k == key.WheelDown || k == key.WheelLeft || k == key.WheelRight
}

// wheelNotch is the raw delta one discrete wheel step accumulates to before
// a Down/Up pair is fed through the stage, matching the common 120-units-
// per-notch convention (spec §9's resolved Open Question); a reported
// Value of 0 is treated as exactly one notch.
const wheelNotch = 120

func wheelIndex(k key.Key) int {
	switch k {
	case key.WheelUp:
		return 0
	case key.WheelDown:
		return 1
	case key.WheelLeft:
		return 2
	default:
		return 3
	}
}

// Contexts returns the owned context slice (read-only use expected).
func (s *Stage) Contexts() []Context { return s.contexts }

// VirtualKeyState reports a virtual key's current boolean state, for the
// control socket's get_virtual_key_state message (spec §6). k must be in
// the Virtual range; any other key reports false.
func (s *Stage) VirtualKeyState(k key.Key) bool {
	if !key.IsVirtual(k) {
		return false
	}
	return s.virtualKeys[k-key.FirstVirtual]
}

func (s *Stage) HasMouseMappings() bool { return s.hasMouseMappings }
func (s *Stage) HasDeviceFilters() bool { return s.hasDeviceFilters }

// IsClear reports whether the Stage holds no pending state: invariant 2/5 of
// spec §3, and the basis for the "no event, no timer => clear" property
// (spec §8).
func (s *Stage) IsClear() bool {
	return len(s.sequence) == 0 && len(s.outputDown) == 0 &&
		len(s.outputOnRelease) == 0 && s.currentTimeout == nil
}

// Sequence exposes the live buffer, read-only, mainly for tests.
func (s *Stage) Sequence() key.KeySequence { return s.sequence }

// OutputKeysDown returns the physical keys this Stage currently believes are
// held down in the virtual device, in insertion order.
func (s *Stage) OutputKeysDown() []key.Key {
	out := make([]key.Key, 0, len(s.outputDown))
	for _, d := range s.outputDown {
		out = append(out, d.key)
	}
	return out
}

// ShouldExit reports whether the fixed exit gesture (spec §4.2.2) has
// completed.
func (s *Stage) ShouldExit() bool {
	return s.exitSequencePos >= len(exitGesture)
}

// exitGesture is the fixed Down/Up sequence that triggers orderly shutdown:
// both Shift keys and both Ctrl keys held together, then Escape released
// while they're still down - chosen to be something no ordinary rule set
// would remap, grounded on original_source/src/test/test3_Stage.cpp's
// should_exit coverage.
var exitGesture = key.KeySequence{
	key.NewKeyEvent(key.LeftShift, key.Down),
	key.NewKeyEvent(key.RightShift, key.Down),
	key.NewKeyEvent(key.LeftCtrl, key.Down),
	key.NewKeyEvent(key.RightCtrl, key.Down),
	key.NewKeyEvent(key.Escape, key.Down),
	key.NewKeyEvent(key.Escape, key.Up),
}

func (s *Stage) advanceExitSequence(ev key.KeyEvent) {
	if s.exitSequencePos < len(exitGesture) && ev.Equal(exitGesture[s.exitSequencePos]) {
		s.exitSequencePos++
		return
	}
	// restart if this event matches the first step, otherwise reset fully
	if len(exitGesture) > 0 && ev.Equal(exitGesture[0]) {
		s.exitSequencePos = 1
	} else {
		s.exitSequencePos = 0
	}
}

// EvaluateDeviceFilters re-evaluates every context's device filter against
// each currently attached device, one cached result per device index (spec
// §4.3: "evaluated once at device-attach"). Each device is checked against
// the filter on its own, via deviceMatchesIndex at match time - two
// simultaneously attached devices are distinguished by the event's actual
// originating device, never OR'd into one context-wide boolean.
func (s *Stage) EvaluateDeviceFilters(deviceNames []string) {
	for i := range s.contexts {
		c := &s.contexts[i]
		matches := make([]bool, len(deviceNames))
		for d, name := range deviceNames {
			matches[d] = deviceMatchesFilter(c.DeviceFilter, []string{name})
		}
		c.deviceMatches = matches
	}
	s.updateActiveContexts()
}

// SetActiveClientContexts sets which context indices the client currently
// selects, and returns any output produced by resulting ContextActive
// transitions. The scratch output buffer is reset first - without it, a
// second call following an Update whose output the caller already consumed
// would return that stale slice again.
func (s *Stage) SetActiveClientContexts(indices []int) key.KeySequence {
	s.output = s.output[:0]
	s.clientSelected = append(s.clientSelected[:0], indices...)
	s.updateActiveContexts()
	return s.output
}

// SetVirtualKeyState forces a virtual key down/up from outside the normal
// match path - the control socket's set_virtual_key_state message (spec
// §6) - and returns any output produced.
func (s *Stage) SetVirtualKeyState(k key.Key, down bool) key.KeySequence {
	s.output = s.output[:0]
	s.ClearVirtualKey(k, down)
	return s.output
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
