package multistage_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/multistage"
	"github.com/badu/keymapper/stage"
)

func down(k key.Key) key.KeyEvent { return key.NewKeyEvent(k, key.Down) }
func up(k key.Key) key.KeyEvent   { return key.NewKeyEvent(k, key.Up) }

// TestChaining verifies that stage 0's remapped output becomes stage 1's
// live input: A -> B in stage 0, B -> C in stage 1, so A ends up as C.
func TestChaining(t *testing.T) {
	s0 := stage.New([]stage.Context{
		{
			Inputs:  []stage.Input{{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0}},
			Outputs: []key.KeySequence{{down(key.B)}},
		},
	})
	s1 := stage.New([]stage.Context{
		{
			Inputs:  []stage.Input{{Expression: key.KeySequence{down(key.B)}, OutputIndex: 0}},
			Outputs: []key.KeySequence{{down(key.C)}},
		},
	})
	ms := multistage.New([]*stage.Stage{s0, s1})
	ms.SetActiveClientContexts([]int{0, 1})

	out := ms.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.C)})

	out = ms.Update(up(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{up(key.C)})

	assert.Assert(t, ms.IsClear())
}

// TestActiveContextOffsetSplitting verifies that a flat context index list
// is split by stage offset: stage 0 has 2 contexts, stage 1's context is at
// flat index 2.
func TestActiveContextOffsetSplitting(t *testing.T) {
	s0 := stage.New([]stage.Context{{}, {
		Inputs:  []stage.Input{{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0}},
		Outputs: []key.KeySequence{{down(key.B)}},
	}})
	s1 := stage.New([]stage.Context{{
		Inputs:  []stage.Input{{Expression: key.KeySequence{down(key.B)}, OutputIndex: 0}},
		Outputs: []key.KeySequence{{down(key.C)}},
	}})
	ms := multistage.New([]*stage.Stage{s0, s1})

	// Select only context 1 (stage 0's second context) and context 2
	// (stage 1's only context, flat index 2).
	ms.SetActiveClientContexts([]int{1, 2})

	out := ms.Update(down(key.A), 0)
	assert.DeepEqual(t, out, key.KeySequence{down(key.C)})
}
