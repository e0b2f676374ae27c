// Package multistage implements MultiStage (spec §4.4, C4): a fixed chain
// of Stage instances where each stage's live output feeds the next as
// input, letting one rule set's remapped keys become another rule set's
// raw input (layering). Grounded on original_source/src/runtime/MultiStage.cpp
// and MultiStage.h for the chaining/is_server_event design, and on the
// teacher's dispatcher composition style (key.Dispatcher wrapping
// mouse.Dispatcher) for the "wrap and forward" shape.
package multistage

import (
	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/stage"
)

// MultiStage chains stages[0..n) in order. stages[i]'s Contexts occupy a
// contiguous slice of the flat, multistage-wide context-index space used by
// SetActiveClientContexts, in the order the stages were supplied.
type MultiStage struct {
	stages  []*stage.Stage
	offsets []int // offsets[i]..offsets[i+1] is stages[i]'s context-index range

	output key.KeySequence
}

// New builds a MultiStage over an ordered, fixed chain of stages (spec §3
// "Lifecycle": rebuilt whole on config reload, not mutated in place).
func New(stages []*stage.Stage) *MultiStage {
	ms := &MultiStage{stages: stages, offsets: make([]int, len(stages)+1)}
	for i, s := range stages {
		ms.offsets[i+1] = ms.offsets[i] + len(s.Contexts())
	}
	return ms
}

// isServerEvent reports whether ev terminates the chain here rather than
// being fed forward as live input to the next stage: a timeout request, a
// virtual-key transition, or an action are addressed to the server/control
// client, not to another stage's rule set (spec §4.4).
func isServerEvent(ev key.KeyEvent) bool {
	return ev.Key == key.Timeout || key.IsVirtual(ev.Key) || key.IsAction(ev.Key)
}

// Update feeds event through stage 0, then each stage's non-server output
// through the next stage in turn, and returns the final stage's output
// concatenated with every server-directed event surfaced by any stage along
// the way (spec §4.4, §4.6 "feed-forward through the stage array").
func (ms *MultiStage) Update(event key.KeyEvent, deviceIndex int) key.KeySequence {
	ms.output = ms.output[:0]

	pending := key.KeySequence{event}
	for i, s := range ms.stages {
		var next key.KeySequence
		for _, ev := range pending {
			for _, oev := range s.Update(ev, deviceIndex) {
				if isServerEvent(oev) {
					ms.output = append(ms.output, oev)
					continue
				}
				next = append(next, oev)
			}
		}
		pending = next
		if i == len(ms.stages)-1 {
			ms.output = append(ms.output, pending...)
		}
	}
	return ms.output
}

// ResumeFrom feeds event into stages[from] and continues the chain through
// the remaining stages exactly as Update does, without re-feeding earlier
// stages - used to deliver a Key::timeout reply to the specific stage that
// armed it (spec §4.6's cancel-and-inject protocol targets one stage's
// pending timer, not the whole chain from the top).
func (ms *MultiStage) ResumeFrom(from int, event key.KeyEvent, deviceIndex int) key.KeySequence {
	ms.output = ms.output[:0]
	pending := key.KeySequence{event}
	for i := from; i < len(ms.stages); i++ {
		s := ms.stages[i]
		var next key.KeySequence
		for _, ev := range pending {
			for _, oev := range s.Update(ev, deviceIndex) {
				if isServerEvent(oev) {
					ms.output = append(ms.output, oev)
					continue
				}
				next = append(next, oev)
			}
		}
		pending = next
		if i == len(ms.stages)-1 {
			ms.output = append(ms.output, pending...)
		}
	}
	return ms.output
}

// SetActiveClientContexts splits a flat, multistage-wide active-context list
// into each stage's local index space by its offset, and returns the
// combined output of any resulting ContextActive transitions.
func (ms *MultiStage) SetActiveClientContexts(flat []int) key.KeySequence {
	ms.output = ms.output[:0]
	for i, s := range ms.stages {
		lo, hi := ms.offsets[i], ms.offsets[i+1]
		var local []int
		for _, idx := range flat {
			if idx >= lo && idx < hi {
				local = append(local, idx-lo)
			}
		}
		ms.output = append(ms.output, s.SetActiveClientContexts(local)...)
	}
	return ms.output
}

// EvaluateDeviceFilters re-evaluates every stage's device filters against
// the attached device names.
func (ms *MultiStage) EvaluateDeviceFilters(deviceNames []string) {
	for _, s := range ms.stages {
		s.EvaluateDeviceFilters(deviceNames)
	}
}

// ShouldExit reports whether any stage in the chain has completed the exit
// gesture.
func (ms *MultiStage) ShouldExit() bool {
	for _, s := range ms.stages {
		if s.ShouldExit() {
			return true
		}
	}
	return false
}

// IsClear reports whether every stage in the chain holds no pending state.
func (ms *MultiStage) IsClear() bool {
	for _, s := range ms.stages {
		if !s.IsClear() {
			return false
		}
	}
	return true
}

// Stages exposes the owned chain, read-only use expected (diagnostics,
// device-name reporting per stage's HasDeviceFilters/HasMouseMappings).
func (ms *MultiStage) Stages() []*stage.Stage { return ms.stages }

// VirtualKeyState reports whether k is down in any stage of the chain, for
// the control socket's get_virtual_key_state message (spec §6). Virtual
// keys share one id space across stages but each stage tracks its own
// boolean; a client asking "is this down" means "anywhere in the pipeline".
func (ms *MultiStage) VirtualKeyState(k key.Key) bool {
	for _, s := range ms.stages {
		if s.VirtualKeyState(k) {
			return true
		}
	}
	return false
}

// SetVirtualKeyState forces k to down/up in every stage (spec §6's
// set_virtual_key_state), returning every stage's transition output
// concatenated in stage order. Unlike Update, one stage's output is not fed
// into the next stage.
func (ms *MultiStage) SetVirtualKeyState(k key.Key, down bool) key.KeySequence {
	ms.output = ms.output[:0]
	for _, s := range ms.stages {
		for _, oev := range s.SetVirtualKeyState(k, down) {
			ms.output = append(ms.output, oev)
		}
	}
	return ms.output
}
