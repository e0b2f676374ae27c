// Package match implements the sequence matcher (spec §4.1, C2): deciding
// whether a prefix of observed events matches one declared input expression.
//
// It is grounded on the teacher's partial-match scanning in
// key/dispatcher.go (readFuncKey/readRuneKey: walk a buffer, report complete,
// partial, or no match against a table of known byte sequences) and on
// original_source/src/runtime/MatchKeySequence.cpp for the async-buffer
// algorithm, generalized here to carry NoMightMatch suppression, timeout
// resolution and Any-key bindings as spec §4.1 describes.
package match

import "github.com/badu/keymapper/key"

// Result is the three-way verdict the matcher returns.
type Result uint8

const (
	NoMatch Result = iota
	MightMatch
	Match
)

func (r Result) String() string {
	switch r {
	case NoMatch:
		return "no_match"
	case MightMatch:
		return "might_match"
	case Match:
		return "match"
	default:
		return "unknown"
	}
}

// asyncEntry is one expression event whose satisfaction has been deferred
// (pushed from a DownAsync/UpAsync marker), tracked with a mutable "consumed"
// state the way original_source mutates KeyEvent.state in place.
type asyncEntry struct {
	key     key.Key
	state   key.State
	fromExp bool // true if pushed from the expression (not yet consumed)
}

// Matcher is pure: Match mutates only its out-parameters. It is safe to
// reuse across calls (its internal scratch buffer is reset each call), but
// is not safe for concurrent use - Stage owns one Matcher and reuses it for
// every rule lookup,
// consistent with the single-threaded cooperative model (spec §5).
type Matcher struct {
	async []asyncEntry
}

// AnyBinding records which physical key a single Any wildcard in an
// expression bound to, in left-to-right order of appearance.
type AnyBinding struct {
	Key key.Key
}

// TimeoutRequest is populated when the matcher needs a timeout reply it does
// not yet have; the caller (Stage) arms a timer and returns MightMatch.
type TimeoutRequest struct {
	Armed      bool
	Millis     uint16
	CancelOnUp bool
}

func unifiableKey(a, b key.Key) bool {
	if a == key.None || b == key.None {
		return false
	}
	return a == b || a == key.Any || b == key.Any
}

func unifiableState(a, b key.State) bool {
	norm := func(s key.State) key.State {
		if s == key.DownMatched {
			return key.Down
		}
		return s
	}
	return norm(a) == norm(b)
}

// unifiable implements spec §4.1's "Unifiability" rule, including the
// "Any cannot match an already-matched down" carve-out.
func unifiable(a, b key.KeyEvent) bool {
	if a.Key == key.Any && b.State == key.DownMatched {
		return false
	}
	if b.Key == key.Any && a.State == key.DownMatched {
		return false
	}
	return unifiableKey(a.Key, b.Key) && unifiableState(a.State, b.State)
}

// Match runs the algorithm in spec §4.1 against one expression and the live
// sequence buffer. anyBindings and timeoutReq are reset and then populated.
func (m *Matcher) Match(expression, sequence key.KeySequence, anyBindings *[]AnyBinding, timeoutReq *TimeoutRequest) Result {
	*anyBindings = (*anyBindings)[:0]
	*timeoutReq = TimeoutRequest{}
	m.async = m.async[:0]

	noMightMatch := false
	e, s := 0, 0

	asyncStateFor := func(se key.KeyEvent) key.State {
		if se.State == key.Up {
			return key.UpAsync
		}
		return key.DownAsync
	}

	fail := func() Result {
		if noMightMatch {
			return NoMatch
		}
		return MightMatch
	}

	for e < len(expression) || s < len(sequence) {
		var ee, se key.KeyEvent
		haveE, haveS := e < len(expression), s < len(sequence)
		if haveE {
			ee = expression[e]
		}
		if haveS {
			se = sequence[s]
		}

		// Expression fully consumed: any further sequence content must be
		// claimed by a still-open async obligation, or this expression no
		// longer describes what the buffer now holds (it already fired, or
		// never will) - not a might_match, a definite no_match.
		if !haveE && len(m.async) == 0 {
			return NoMatch
		}

		switch {
		case haveE && (ee.State == key.DownAsync || ee.State == key.UpAsync):
			m.async = append(m.async, asyncEntry{key: ee.Key, state: ee.State, fromExp: true})
			e++
			continue

		case haveE && ee.State == key.NoMightMatch:
			noMightMatch = true
			e++
			continue

		case haveE && ee.State == key.Not:
			for i := s; i < len(sequence); i++ {
				if unifiableKey(sequence[i].Key, ee.Key) && unifiableState(sequence[i].State, key.Down) {
					return NoMatch
				}
			}
			e++
			continue

		case haveE && ee.Key == key.Timeout:
			if haveS && se.Key == key.Timeout && se.State == key.Up {
				if ee.State == key.Up {
					// "not-timeout": match iff the reply's elapsed time is
					// less than the expression's timeout.
					if se.TimeoutMillis() < ee.TimeoutMillis() {
						e++
						s++
						continue
					}
					return NoMatch
				}
				// "timeout": match iff elapsed >= expression timeout.
				if se.TimeoutMillis() >= ee.TimeoutMillis() {
					e++
					s++
					continue
				}
				return NoMatch
			}
			// No reply in the buffer yet - request one and hold back,
			// whether or not the buffer has other, unrelated trailing
			// content (haveS) past this point.
			timeoutReq.Armed = true
			timeoutReq.Millis = ee.TimeoutMillis()
			timeoutReq.CancelOnUp = ee.State == key.Up || ee.CancelOnUp()
			return fail()
		}

		if haveE && haveS && unifiable(se, ee) {
			if ee.Key == key.Any && se.State == key.Down {
				*anyBindings = append(*anyBindings, AnyBinding{Key: se.Key})
			}
			want := asyncStateFor(se)
			for i, a := range m.async {
				if a.key == se.Key && (a.state == want || a.state == ee.State) {
					m.async = append(m.async[:i], m.async[i+1:]...)
					break
				}
			}
			e++
			s++
			continue
		}

		if haveS {
			want := asyncStateFor(se)
			matched := -1
			for i, a := range m.async {
				if a.state == want && unifiableKey(se.Key, a.key) {
					matched = i
					break
				}
			}
			if matched >= 0 {
				m.async[matched].state = se.State
				s++
				continue
			}
			if se.State == key.DownMatched {
				s++
				continue
			}
		}

		if haveE {
			matched := -1
			for i, a := range m.async {
				if unifiableKey(ee.Key, a.key) && unifiableState(ee.State, a.state) {
					matched = i
					break
				}
			}
			if matched >= 0 {
				m.async = append(m.async[:matched], m.async[matched+1:]...)
				e++
				continue
			}
		}

		// A committed sequence event that this position can't explain, and
		// that no async entry absorbs, is final: past events never get
		// retroactively fixed by input that hasn't happened yet. Only the
		// absence of enough sequence so far (haveS false) is a genuine
		// might_match - waiting on more input to complete the expression.
		if haveS {
			return NoMatch
		}
		return fail()
	}
	return Match
}
