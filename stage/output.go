package stage

import (
	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/match"
)

// resolveOutput looks up a rule's output expression: non-negative indexes
// Context.Outputs directly; negative encodes -(commandIndex+1), resolved
// against this context's CommandOutputs only. It returns nil when the
// context has no entry for the command; no command default outside the
// context is consulted, and a match whose output resolves to nil applies
// no output.
func (s *Stage) resolveOutput(c *Context, outputIndex int) *key.KeySequence {
	if outputIndex >= 0 {
		if outputIndex >= len(c.Outputs) {
			return nil
		}
		return &c.Outputs[outputIndex]
	}
	commandIndex := -(outputIndex + 1)
	for i := range c.CommandOutputs {
		if c.CommandOutputs[i].Index == commandIndex {
			return &c.CommandOutputs[i].Output
		}
	}
	return nil
}

// findOutputDown returns the index of key k in s.outputDown, or -1.
func (s *Stage) findOutputDown(k key.Key) int {
	for i := range s.outputDown {
		if s.outputDown[i].key == k {
			return i
		}
	}
	return -1
}

// releaseTriggered releases (emits Up for) every output-down entry whose
// trigger == k, LIFO per spec §5's ordering guarantee, except entries
// currently temporarily_released.
func (s *Stage) releaseTriggered(k key.Key, contextIndex int) {
	keep := s.outputDown[:0]
	var released []outputDown
	for _, d := range s.outputDown {
		if d.trigger == k && (contextIndex < 0 || d.contextIndex == contextIndex) {
			released = append(released, d)
		} else {
			keep = append(keep, d)
		}
	}
	s.outputDown = keep
	for i := len(released) - 1; i >= 0; i-- {
		d := released[i]
		if !d.temporarilyReleased {
			s.emit(key.NewKeyEvent(d.key, key.Up))
		}
	}
	s.advanceOutputOnRelease(k)
}

// advanceOutputOnRelease applies any output-on-release tail whose trigger
// just released (spec §4.2 step 4), then releases the keys that tail
// pressed, since their trigger is already up.
func (s *Stage) advanceOutputOnRelease(trigger key.Key) {
	var due, remaining []outputOnRelease
	for _, oor := range s.outputOnRelease {
		if oor.trigger == trigger {
			due = append(due, oor)
		} else {
			remaining = append(remaining, oor)
		}
	}
	s.outputOnRelease = remaining
	for _, oor := range due {
		s.applyOutput(oor.sequence, trigger, oor.contextIndex)
		s.releaseTriggered(trigger, oor.contextIndex)
	}
}

// reapplyTemporarilyReleased re-presses every output-down entry that was
// temporarily released by a Not and is not suppressed, before a fresh Down
// is applied (spec §4.2.1).
func (s *Stage) reapplyTemporarilyReleased() {
	for i := range s.outputDown {
		d := &s.outputDown[i]
		if d.temporarilyReleased && !d.suppressed {
			d.temporarilyReleased = false
			s.emit(key.NewKeyEvent(d.key, key.Down))
		}
	}
}

// updateOutput applies a single Down/Up/Not output event for a physical
// key, per spec §4.2.1.
func (s *Stage) updateOutput(ev key.KeyEvent, trigger key.Key, contextIndex int) {
	idx := s.findOutputDown(ev.Key)

	switch ev.State {
	case key.Up:
		if idx >= 0 {
			s.outputDown = append(s.outputDown[:idx], s.outputDown[idx+1:]...)
			s.emit(key.NewKeyEvent(ev.Key, key.Up))
		}

	case key.Not:
		if idx >= 0 && !s.outputDown[idx].temporarilyReleased {
			s.emit(key.NewKeyEvent(ev.Key, key.Up))
			s.outputDown[idx].suppressed = true
			s.outputDown[idx].temporarilyReleased = true
		}

	default: // Down
		if idx < 0 {
			s.reapplyTemporarilyReleased()
			s.outputDown = append(s.outputDown, outputDown{key: ev.Key, trigger: trigger, contextIndex: contextIndex})
			s.emit(key.NewKeyEvent(ev.Key, key.Down))
		} else if s.outputDown[idx].temporarilyReleased {
			s.outputDown[idx].temporarilyReleased = false
			s.emit(key.NewKeyEvent(ev.Key, key.Down))
		} else {
			// already down, not released: key-repeat semantics, emit anyway.
			s.emit(key.NewKeyEvent(ev.Key, key.Down))
		}
	}
}

// emit appends to the scratch output buffer returned by the current Update
// or SetActiveClientContexts call.
func (s *Stage) emit(ev key.KeyEvent) {
	s.output = append(s.output, ev)
}

// substituteAny replaces every Any event in expression with the matched
// input key, consuming bindings left-to-right, per spec §4.1's edge case.
func substituteAny(expression key.KeySequence, bindings []match.AnyBinding) key.KeySequence {
	if len(bindings) == 0 {
		return expression
	}
	out := make(key.KeySequence, len(expression))
	next := 0
	for i, ev := range expression {
		if ev.Key == key.Any && next < len(bindings) {
			out[i] = key.KeyEvent{Key: bindings[next].Key, State: ev.State, Value: ev.Value}
			next++
		} else {
			out[i] = ev
		}
	}
	return out
}

// applyOutput applies each event of an output expression in order,
// implementing spec §4.2.1's per-event-kind behavior, including the bounded
// virtual-key toggle recursion (spec §9 "Cyclic toggles").
func (s *Stage) applyOutput(expression key.KeySequence, trigger key.Key, contextIndex int) {
	s.applyOutputDepth(expression, trigger, contextIndex, 0)
}

func (s *Stage) applyOutputDepth(expression key.KeySequence, trigger key.Key, contextIndex, depth int) {
	if depth > maxToggleDepth {
		return
	}
	for i := 0; i < len(expression); i++ {
		ev := expression[i]
		switch {
		case key.IsVirtual(ev.Key):
			if ev.State != key.Down && ev.State != key.Not {
				continue
			}
			s.setVirtualKey(ev.Key, ev.State, depth+1)

		case key.IsAction(ev.Key):
			if ev.State == key.Down && s.onAction != nil {
				s.onAction(key.ActionIndex(ev.Key), ev.Value)
			}

		case ev.Key == key.Timeout:
			s.emit(ev)
			if s.onTimeoutRequest != nil && ev.State == key.Down {
				s.onTimeoutRequest(trigger, ev.TimeoutMillis(), ev.CancelOnUp())
			}

		case ev.State == key.OutputOnRelease:
			s.outputOnRelease = append(s.outputOnRelease, outputOnRelease{
				trigger:      trigger,
				sequence:     expression[i+1:].Clone(),
				contextIndex: contextIndex,
			})
			return

		default:
			s.updateOutput(ev, trigger, contextIndex)
		}
	}
}

// setVirtualKey toggles (or, with virtual-keys-toggle disabled, sets/clears)
// a virtual key's boolean state, notifies the client, and replays the
// transition as a synthetic input so downstream rules see it (spec §4.5).
func (s *Stage) setVirtualKey(k key.Key, state key.State, depth int) {
	idx := k - key.FirstVirtual
	cur := s.virtualKeys[idx]
	var next bool
	switch {
	case state == key.Not:
		next = !cur
	case !s.virtualKeysToggle:
		next = true
	default:
		next = !cur
	}
	if next == cur {
		return // invariant 4: setting to the same state is a no-op
	}
	s.virtualKeys[idx] = next
	if s.onVirtualKey != nil {
		s.onVirtualKey(k, next)
	}
	var feedState key.State = key.Up
	if next {
		feedState = key.Down
	}
	s.feedVirtualKey(key.KeyEvent{Key: k, State: feedState}, depth)
}

// ClearVirtualKey forces a virtual key down/up without going through the
// toggle edge detection, and feeds the resulting Down/Up through this stage.
// Stage.SetVirtualKeyState calls it; the client is not notified.
func (s *Stage) ClearVirtualKey(k key.Key, down bool) {
	idx := k - key.FirstVirtual
	s.virtualKeys[idx] = down
	var st key.State = key.Up
	if down {
		st = key.Down
	}
	s.feedVirtualKey(key.KeyEvent{Key: k, State: st}, 0)
}
