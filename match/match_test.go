package match_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/match"
)

func down(k key.Key) key.KeyEvent { return key.NewKeyEvent(k, key.Down) }
func up(k key.Key) key.KeyEvent   { return key.NewKeyEvent(k, key.Up) }

func runMatch(expr, seq key.KeySequence) (match.Result, []match.AnyBinding, match.TimeoutRequest) {
	var m match.Matcher
	var bindings []match.AnyBinding
	var req match.TimeoutRequest
	result := m.Match(expr, seq, &bindings, &req)
	return result, bindings, req
}

func TestSingleKeyMatch(t *testing.T) {
	r, _, _ := runMatch(key.KeySequence{down(key.A)}, key.KeySequence{down(key.A)})
	assert.Equal(t, r, match.Match)
}

func TestSingleKeyMightMatch(t *testing.T) {
	r, _, _ := runMatch(key.KeySequence{down(key.A), down(key.B)}, key.KeySequence{down(key.A)})
	assert.Equal(t, r, match.MightMatch)
}

func TestUnrelatedKeyNoMatch(t *testing.T) {
	r, _, _ := runMatch(key.KeySequence{down(key.A)}, key.KeySequence{down(key.LeftCtrl)})
	assert.Equal(t, r, match.NoMatch)
}

func TestTogetherGroupMatch(t *testing.T) {
	expr := key.KeySequence{down(key.A), down(key.B)}
	seq := key.KeySequence{down(key.A), down(key.B)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.Match)
}

func TestAnyBinding(t *testing.T) {
	expr := key.KeySequence{down(key.Any)}
	seq := key.KeySequence{down(key.X)}
	r, bindings, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.Match)
	assert.Equal(t, len(bindings), 1)
	assert.Equal(t, bindings[0].Key, key.X)
}

func TestAnyDoesNotMatchDownMatched(t *testing.T) {
	expr := key.KeySequence{down(key.Any)}
	seq := key.KeySequence{key.NewKeyEvent(key.X, key.DownMatched)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.MightMatch)
}

func TestNotExpressionRejectsPresentKey(t *testing.T) {
	expr := key.KeySequence{down(key.A), key.NewKeyEvent(key.B, key.Not)}
	seq := key.KeySequence{down(key.A), down(key.B)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.NoMatch)
}

func TestNotExpressionAllowsAbsentKey(t *testing.T) {
	expr := key.KeySequence{down(key.A), key.NewKeyEvent(key.B, key.Not)}
	seq := key.KeySequence{down(key.A)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.Match)
}

func TestNoMightMatchSuppressesHoldBack(t *testing.T) {
	expr := key.KeySequence{key.NewKeyEvent(key.None, key.NoMightMatch), down(key.A), down(key.B)}
	seq := key.KeySequence{down(key.A)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.NoMatch)
}

func TestAsyncDownMayBeSkipped(t *testing.T) {
	// (A) B >> X: A is optional (DownAsync), B is required.
	expr := key.KeySequence{key.NewKeyEvent(key.A, key.DownAsync), down(key.B)}
	seq := key.KeySequence{down(key.B)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.Match)
}

func TestAsyncDownConsumedWhenPresent(t *testing.T) {
	expr := key.KeySequence{key.NewKeyEvent(key.A, key.DownAsync), down(key.B)}
	seq := key.KeySequence{down(key.A), down(key.B)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.Match)
}

func TestTimeoutNotYetArmedRequestsTimer(t *testing.T) {
	expr := key.KeySequence{down(key.LeftShift), key.NewTimeoutRequest(200, false)}
	seq := key.KeySequence{down(key.LeftShift)}
	r, _, req := runMatch(expr, seq)
	assert.Equal(t, r, match.MightMatch)
	assert.Assert(t, req.Armed)
	assert.Equal(t, req.Millis, uint16(200))
}

func TestTimeoutElapsedMatches(t *testing.T) {
	expr := key.KeySequence{down(key.LeftShift), key.NewTimeoutRequest(200, false)}
	seq := key.KeySequence{down(key.LeftShift), key.NewTimeoutReply(250)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.Match)
}

func TestTimeoutNotElapsedNoMatch(t *testing.T) {
	expr := key.KeySequence{down(key.LeftShift), key.NewTimeoutRequest(200, false)}
	seq := key.KeySequence{down(key.LeftShift), key.NewTimeoutReply(150)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.NoMatch)
}

func TestExhaustedExpressionWithTrailingUpIsNoMatch(t *testing.T) {
	// A single-key rule already matched once (A consumed); its paired Up
	// arriving later must not be held back waiting for a re-match.
	expr := key.KeySequence{down(key.A)}
	seq := key.KeySequence{key.NewKeyEvent(key.A, key.DownMatched), up(key.A)}
	r, _, _ := runMatch(expr, seq)
	assert.Equal(t, r, match.NoMatch)
}
