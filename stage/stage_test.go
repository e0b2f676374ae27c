package stage_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/stage"
)

func down(k key.Key) key.KeyEvent { return key.NewKeyEvent(k, key.Down) }
func up(k key.Key) key.KeyEvent   { return key.NewKeyEvent(k, key.Up) }

// TestSimpleRemap covers spec §8's basic property: A -> B, press and release.
func TestSimpleRemap(t *testing.T) {
	s := stage.New([]stage.Context{
		{
			Inputs:  []stage.Input{{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0}},
			Outputs: []key.KeySequence{{down(key.B)}},
		},
	})
	s.SetActiveClientContexts([]int{0})

	out := s.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.B)})

	out = s.Update(up(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{up(key.B)})

	assert.Assert(t, s.IsClear())
}

// TestTogetherGroup: pressing two keys together produces a distinct output,
// while pressing just one forwards it unmapped once the sequence resolves.
func TestTogetherGroup(t *testing.T) {
	s := stage.New([]stage.Context{
		{
			Inputs: []stage.Input{
				{Expression: key.KeySequence{down(key.A), down(key.B)}, OutputIndex: 0},
			},
			Outputs: []key.KeySequence{{down(key.C)}},
		},
	})
	s.SetActiveClientContexts([]int{0})

	out := s.Update(down(key.A), 0)
	assert.Equal(t, len(out), 0, "A alone should hold back as might_match")

	out = s.Update(down(key.B), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.C)})
}

// TestSingleKeyForwardedUnmapped verifies that a key with no matching rule
// passes through unchanged.
func TestSingleKeyForwardedUnmapped(t *testing.T) {
	s := stage.New([]stage.Context{{}})
	s.SetActiveClientContexts([]int{0})

	out := s.Update(down(key.X), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.X)})

	out = s.Update(up(key.X), 0)
	assert.DeepEqual(t, out, key.KeySequence{up(key.X)})
	assert.Assert(t, s.IsClear())
}

// TestOutputOnRelease covers the "apply now, then more on release" split.
func TestOutputOnRelease(t *testing.T) {
	s := stage.New([]stage.Context{
		{
			Inputs: []stage.Input{
				{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0},
			},
			Outputs: []key.KeySequence{
				{down(key.B), key.NewKeyEvent(key.None, key.OutputOnRelease), down(key.C)},
			},
		},
	})
	s.SetActiveClientContexts([]int{0})

	out := s.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.B)})

	out = s.Update(up(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{up(key.B), down(key.C), up(key.C)})
}

// TestVirtualKeyLatch checks a Down on a virtual key toggles it, and the
// second Down toggles it off again (invariant 4: same-state set is a no-op,
// exercised here via the toggle semantics default).
func TestVirtualKeyLatch(t *testing.T) {
	v0 := key.Virtual(0)
	var latched []bool
	s := stage.New([]stage.Context{
		{
			Inputs: []stage.Input{
				{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0},
			},
			Outputs: []key.KeySequence{{down(v0)}},
		},
	}, stage.WithVirtualKeyNotifier(func(k key.Key, down bool) {
		latched = append(latched, down)
	}))
	s.SetActiveClientContexts([]int{0})

	s.Update(down(key.A), 0)
	s.Update(up(key.A), 0)
	s.Update(down(key.A), 0)
	s.Update(up(key.A), 0)

	assert.DeepEqual(t, latched, []bool{true, false})
}

// TestNotExcludesInput: a rule guarded by Not<key> must not fire while that
// key is held.
func TestNotExcludesInput(t *testing.T) {
	s := stage.New([]stage.Context{
		{
			Inputs: []stage.Input{
				{Expression: key.KeySequence{key.NewKeyEvent(key.LeftShift, key.Not), down(key.A)}, OutputIndex: 0},
			},
			Outputs: []key.KeySequence{{down(key.B)}},
		},
	})
	s.SetActiveClientContexts([]int{0})

	s.Update(down(key.LeftShift), 0)
	out := s.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.A)})
}

// TestContextModifierFilter: a context active only while LeftCtrl is down.
func TestContextModifierFilter(t *testing.T) {
	s := stage.New([]stage.Context{
		{
			ModifierFilter: key.KeySequence{down(key.LeftCtrl)},
			Inputs: []stage.Input{
				{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0},
			},
			Outputs: []key.KeySequence{{down(key.B)}},
		},
	})
	s.SetActiveClientContexts([]int{0})

	out := s.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.A)}, "context inactive without LeftCtrl")

	s.Update(up(key.A), 0)
	s.Update(down(key.LeftCtrl), 0)
	out = s.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.B)}, "context active with LeftCtrl held")
}

// TestFallthrough: context 0 declines (no rule matches), context 1 (marked
// Fallthrough on context 0) supplies the output.
func TestFallthrough(t *testing.T) {
	s := stage.New([]stage.Context{
		{
			Fallthrough: true,
			Inputs:      []stage.Input{{Expression: key.KeySequence{down(key.Z)}, OutputIndex: 0}},
			Outputs:     []key.KeySequence{{down(key.Z)}},
		},
		{
			Inputs:  []stage.Input{{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0}},
			Outputs: []key.KeySequence{{down(key.B)}},
		},
	})
	s.SetActiveClientContexts([]int{0, 1})

	out := s.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.B)})
}

// TestExitGesture exercises the fixed shutdown gesture.
func TestExitGesture(t *testing.T) {
	s := stage.New([]stage.Context{{}})
	s.SetActiveClientContexts([]int{0})

	s.Update(down(key.LeftShift), 0)
	s.Update(down(key.RightShift), 0)
	s.Update(down(key.LeftCtrl), 0)
	s.Update(down(key.RightCtrl), 0)
	s.Update(down(key.Escape), 0)
	assert.Assert(t, !s.ShouldExit())
	s.Update(up(key.Escape), 0)
	assert.Assert(t, s.ShouldExit())
}

// TestIsClearAfterNoEvents confirms the "no event, no timer => clear"
// property from spec §8 holds for a freshly constructed Stage.
func TestIsClearAfterNoEvents(t *testing.T) {
	s := stage.New([]stage.Context{{}})
	assert.Assert(t, s.IsClear())
}

// TestTapVsHoldTimeout covers spec §8's tap-vs-hold scenario: rules
// `Shift{!200ms} >> B` plus the default `Shift >> Shift` fallback. Tapping
// Shift under 200ms types B; holding it past 200ms forwards a bare Shift
// instead. Also guards against the timeout-reply event lingering in the
// sequence buffer after it has been consumed (it must not, or IsClear would
// never report true again).
func TestTapVsHoldTimeout(t *testing.T) {
	newStage := func() (*stage.Stage, *[]key.Key) {
		var armed []key.Key
		s := stage.New([]stage.Context{
			{
				Inputs: []stage.Input{
					{Expression: key.KeySequence{down(key.LeftShift), key.NewNotTimeoutRequest(200)}, OutputIndex: 0},
				},
				Outputs: []key.KeySequence{
					{down(key.B)},
				},
			},
		}, stage.WithTimeoutRequester(func(trigger key.Key, millis uint16, cancelOnUp bool) {
			armed = append(armed, trigger)
		}))
		return s, &armed
	}

	t.Run("tap under threshold types B", func(t *testing.T) {
		s, armed := newStage()
		s.SetActiveClientContexts([]int{0})

		out := s.Update(down(key.LeftShift), 0)
		assert.Equal(t, len(out), 0, "held back pending timeout")
		assert.DeepEqual(t, *armed, []key.Key{key.LeftShift})

		out = s.Update(key.NewTimeoutReply(150), 0)
		assert.DeepEqual(t, out, key.KeySequence{down(key.B)})

		out = s.Update(up(key.LeftShift), 0)
		assert.DeepEqual(t, out, key.KeySequence{up(key.B)})

		assert.Assert(t, s.IsClear(), "timeout reply must not linger in the sequence buffer")
	})

	t.Run("hold past threshold forwards bare shift", func(t *testing.T) {
		s, _ := newStage()
		s.SetActiveClientContexts([]int{0})

		out := s.Update(down(key.LeftShift), 0)
		assert.Equal(t, len(out), 0)

		out = s.Update(key.NewTimeoutReply(200), 0)
		assert.DeepEqual(t, out, key.KeySequence{down(key.LeftShift)})

		out = s.Update(up(key.LeftShift), 0)
		assert.DeepEqual(t, out, key.KeySequence{up(key.LeftShift)})

		assert.Assert(t, s.IsClear())
	})
}

// TestDeviceFilterScopesPerEvent covers spec §4.3: a device_filter matches
// the event's own originating device, not "some attached device is a
// match" - with two devices attached, only events from the matching one
// remap; the other device's identical key passes through unscoped.
func TestDeviceFilterScopesPerEvent(t *testing.T) {
	s := stage.New([]stage.Context{
		{
			DeviceFilter: stage.DeviceFilter{Kind: stage.DeviceFilterExact, Pattern: "AppleKeyboard"},
			Inputs:       []stage.Input{{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0}},
			Outputs:      []key.KeySequence{{down(key.B)}},
		},
		{},
	})
	s.SetActiveClientContexts([]int{0, 1})
	s.EvaluateDeviceFilters([]string{"AppleKeyboard", "OtherKeyboard"})

	out := s.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.B)}, "device 0 matches the filter")
	s.Update(up(key.A), 0)

	out = s.Update(down(key.A), 1)
	assert.DeepEqual(t, out, key.KeySequence{down(key.A)}, "device 1 does not match the filter, forwarded unmapped")
	s.Update(up(key.A), 1)

	assert.Assert(t, s.IsClear())
}
