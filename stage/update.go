package stage

import (
	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/match"
)

// Update is the Stage entry point (spec §4.2): consumes one event, returns
// the events produced in response. Timeout replies are delivered the same
// way as any other event, with Key == key.Timeout. The returned slice is a
// view into an internal scratch buffer valid until the next call to Update
// or SetActiveClientContexts - callers that need to retain it should copy.
func (s *Stage) Update(event key.KeyEvent, deviceIndex int) key.KeySequence {
	s.output = s.output[:0]

	// A synthesized/administrative call (cancelled-timer replies armed
	// before any device event, control-socket forcing) passes deviceIndex
	// < 0 and inherits whichever device last drove the engine instead of
	// clobbering it - see lastDeviceIndex's doc comment.
	if deviceIndex >= 0 {
		s.lastDeviceIndex = deviceIndex
	}

	if isWheelKey(event.Key) {
		s.feedWheel(event)
		return s.output
	}

	s.advanceExitSequence(event)

	if event.Key != key.Timeout && event.State == key.Down {
		if idx := s.findSequence(event.Key, key.DownMatched); idx >= 0 {
			s.sequence = append(s.sequence[:idx], s.sequence[idx+1:]...)
		}
	}

	s.sequence = append(s.sequence, event)

	if event.State == key.Up {
		s.releaseTriggered(event.Key, -1)

		// Drop the matched Down this Up pairs with immediately, unless the
		// buffer is still held back on a might_match - in which case a
		// rule in progress may still need it (original_source's
		// Stage::apply_input: "except when it was already used for a
		// might match").
		if !s.sequenceMightMatch {
			if idx := s.findSequence(event.Key, key.DownMatched); idx >= 0 {
				s.sequence = append(s.sequence[:idx], s.sequence[idx+1:]...)
			}
		}
	}

	s.processSequence()
	return s.output
}

// feedWheel accumulates a raw wheel delta and, for every whole notch
// accumulated, feeds a discrete Down/Up pair through the stage the same way
// a physical button would be, so wheel directions remap like any other key
// (spec §9's mouse-wheel Open Question, resolved at 120 units/notch).
func (s *Stage) feedWheel(ev key.KeyEvent) {
	delta := int32(ev.Value)
	if delta == 0 {
		delta = wheelNotch
	}
	idx := wheelIndex(ev.Key)
	s.wheelAccum[idx] += delta
	for s.wheelAccum[idx] >= wheelNotch {
		s.wheelAccum[idx] -= wheelNotch
		s.advanceExitSequence(key.NewKeyEvent(ev.Key, key.Down))
		s.sequence = append(s.sequence, key.NewKeyEvent(ev.Key, key.Down))
		s.processSequence()
		s.releaseTriggered(ev.Key, -1)
		s.sequence = append(s.sequence, key.NewKeyEvent(ev.Key, key.Up))
		s.processSequence()
	}
}

// findSequence returns the index of the first event in s.sequence with the
// given key and state, or -1.
func (s *Stage) findSequence(k key.Key, st key.State) int {
	for i, ev := range s.sequence {
		if ev.Key == k && ev.State == st {
			return i
		}
	}
	return -1
}

// processSequence implements spec §4.2 steps 5-6: try every active context
// top-down (honoring fallthrough), and if nothing matches or might_match,
// forward the whole buffer unmapped.
func (s *Stage) processSequence() {
	if len(s.sequence) == 0 {
		return
	}
	s.updateActiveContexts()
	// Recomputed fresh every round: a might_match that held the buffer back
	// on a prior event is only still "pending" if this round's attempt
	// holds it back again. A round that resolves to a hard NoMatch (e.g. a
	// timeout reply that missed its deadline) must be free to fall through
	// to forwarding below, not stay gated by a stale flag from before.
	s.sequenceMightMatch = false
	if s.tryMatchActiveContexts() {
		return
	}
	if !s.sequenceMightMatch {
		s.forwardSequence()
		s.finishSequence()
	}
}

// tryMatchActiveContexts walks the active-context chain, honoring
// Context.Fallthrough, stopping at the first context that matches, holds the
// sequence back (might_match), or declines to fall through.
func (s *Stage) tryMatchActiveContexts() bool {
	for _, idx := range s.activeContexts {
		matched, heldBack := s.tryMatchContext(idx)
		if matched || heldBack {
			return true
		}
		if !s.contexts[idx].Fallthrough {
			return false
		}
	}
	return false
}

// tryMatchContext runs every input of context idx top-down against the live
// sequence. Returns (true, _) once a rule has matched and its output has been
// applied, and (false, true) if a rule might_match and must hold the
// sequence back.
func (s *Stage) tryMatchContext(idx int) (matched bool, heldBack bool) {
	c := &s.contexts[idx]
	var anyBindings []match.AnyBinding
	var timeoutReq match.TimeoutRequest

	for _, in := range c.Inputs {
		result := s.matcher.Match(in.Expression, s.sequence, &anyBindings, &timeoutReq)
		switch result {
		case match.NoMatch:
			continue

		case match.MightMatch:
			if s.forwardModifierSuppressesHold(in.Expression) {
				continue
			}
			s.sequenceMightMatch = true
			if timeoutReq.Armed && s.currentTimeout == nil && s.onTimeoutRequest != nil {
				trigger := sequenceTrigger(s.sequence)
				s.onTimeoutRequest(trigger, timeoutReq.Millis, timeoutReq.CancelOnUp)
				s.currentTimeout = &currentTimeout{key: key.Timeout, trigger: trigger}
			}
			return false, true

		case match.Match:
			trigger := sequenceTrigger(s.sequence)
			if out := s.resolveOutput(c, in.OutputIndex); out != nil {
				s.applyOutput(substituteAny(*out, anyBindings), trigger, idx)
			}
			s.finishSequence()
			return true, false
		}
	}
	return false, false
}

// forwardModifierSuppressesHold implements spec §4.5: a might_match that
// would hold back a forward-modifier key must instead be suppressed,
// letting the modifier through rather than delaying it.
func (s *Stage) forwardModifierSuppressesHold(expr key.KeySequence) bool {
	if len(s.forwardModifiers) == 0 {
		return false
	}
	for _, ev := range expr {
		if _, ok := s.forwardModifiers[ev.Key]; ok {
			return true
		}
	}
	return false
}

// sequenceTrigger picks the physical key that "caused" the current buffer -
// its most recent Down/DownMatched, or its first event if all are Up -
// used to tag output-down entries for LIFO release.
func sequenceTrigger(seq key.KeySequence) key.Key {
	for i := len(seq) - 1; i >= 0; i-- {
		if seq[i].State == key.Down || seq[i].State == key.DownMatched {
			return seq[i].Key
		}
	}
	if len(seq) > 0 {
		return seq[0].Key
	}
	return key.None
}

// forwardSequence implements spec §4.2 step 6: nothing matched, so every
// still-unresolved Down in the buffer is applied verbatim.
func (s *Stage) forwardSequence() {
	for _, ev := range s.sequence {
		if ev.State == key.Down {
			s.updateOutput(ev, ev.Key, -1)
		}
	}
}

// finishSequence keeps only the Down/DownMatched entries that have no
// matching Up anywhere in the buffer, promoting each to DownMatched;
// everything else - a resolved Down/Up pair, a lone Up, a consumed timeout
// request or reply - is dropped. Also clears per-round suppression state
// (spec §4.2's finish_sequence, original_source's Stage::finish_sequence).
func (s *Stage) finishSequence() {
	kept := s.sequence[:0]
	for _, ev := range s.sequence {
		if ev.State == key.Down || ev.State == key.DownMatched {
			if !s.sequence.ContainsUp(ev.Key) {
				ev.State = key.DownMatched
				kept = append(kept, ev)
				continue
			}
		}
	}
	s.sequence = kept
	s.sequenceMightMatch = false
	s.currentTimeout = nil
	for i := range s.outputDown {
		s.outputDown[i].suppressed = false
	}
}

// feedVirtualKey recursively runs a virtual key's synthetic Down/Up through
// this stage's own active contexts so its rules fire (spec §4.2.1), bounded
// by maxToggleDepth to break cyclic toggles (spec §9). Unlike a genuine
// input event, an unmatched virtual key has no physical fallback - there is
// no device to forward it to - so this skips forwardSequence and only keeps
// the buffer consistent via finishSequence.
func (s *Stage) feedVirtualKey(ev key.KeyEvent, depth int) {
	if depth > maxToggleDepth {
		return
	}
	if ev.State == key.Down {
		if idx := s.findSequence(ev.Key, key.DownMatched); idx >= 0 {
			s.sequence = append(s.sequence[:idx], s.sequence[idx+1:]...)
		}
	}
	s.sequence = append(s.sequence, ev)
	if ev.State == key.Up {
		s.releaseTriggered(ev.Key, -1)
		if !s.sequenceMightMatch {
			if idx := s.findSequence(ev.Key, key.DownMatched); idx >= 0 {
				s.sequence = append(s.sequence[:idx], s.sequence[idx+1:]...)
			}
		}
	}
	if len(s.sequence) == 0 {
		return
	}
	s.updateActiveContexts()
	s.sequenceMightMatch = false
	if s.tryMatchActiveContexts() {
		return
	}
	if !s.sequenceMightMatch {
		s.finishSequence()
	}
}
