package key

import "fmt"

// State is the declarative contract a KeyEvent carries. Each value has a
// distinct meaning in an input expression, an output expression, or the live
// sequence buffer; see spec §3 "State-kind semantics".
type State uint8

const (
	// Down / Up: physical press/release observed, or to be emitted.
	Down State = iota
	Up
	// Not: "must not be pressed" on input; "release while applying, restore
	// after" on output.
	Not
	// DownAsync / UpAsync: "may, but need not, happen before the next
	// definite event" - produced by parentheses and trailing-release syntax.
	DownAsync
	UpAsync
	// DownMatched: a Down already consumed by a match, Up not seen yet.
	DownMatched
	// OutputOnRelease: splits an output into "now" and "on trigger release".
	OutputOnRelease
	// NoMightMatch: input-expression prefix that forbids might_match for the
	// rest of the expression.
	NoMightMatch
)

func (s State) String() string {
	switch s {
	case Down:
		return "Down"
	case Up:
		return "Up"
	case Not:
		return "Not"
	case DownAsync:
		return "DownAsync"
	case UpAsync:
		return "UpAsync"
	case DownMatched:
		return "DownMatched"
	case OutputOnRelease:
		return "OutputOnRelease"
	case NoMightMatch:
		return "NoMightMatch"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// MaxTimeoutMillis is the largest value a timeout KeyEvent can carry: a
// 14-bit unsigned quantity, 2^14-1 milliseconds (~16.3s).
const MaxTimeoutMillis = 1<<14 - 1

// cancelOnUpBit is carried in Value alongside a capped timeout duration, in
// the bit just above the 14-bit duration (so it travels with Value through
// wire.EncodeKeySequence): it means "cancel this timeout if the key that
// armed it goes Up".
const cancelOnUpBit = 1 << 14

// timeoutValueMask isolates the duration portion of a timeout Value when
// cancelOnUpBit may also be set.
const timeoutValueMask = cancelOnUpBit - 1

// KeyEvent is (key, state, value). Value is a 14-bit unsigned quantity used
// for timeout milliseconds (a Down-state timeout request also sets the
// cancel-on-up bit above those 14 bits), mouse-wheel delta, or the result
// value of a triggered action.
type KeyEvent struct {
	Key   Key
	State State
	Value uint16
}

func NewKeyEvent(k Key, s State) KeyEvent {
	return KeyEvent{Key: k, State: s}
}

// TimeoutMillis returns the capped duration encoded in Value, ignoring the
// cancel-on-up bit.
func (e KeyEvent) TimeoutMillis() uint16 {
	v := e.Value & timeoutValueMask
	if v > MaxTimeoutMillis {
		return MaxTimeoutMillis
	}
	return v
}

// CancelOnUp reports whether a Down-state timeout request should be
// cancelled (and reported with elapsed time) as soon as the arming key is
// released, rather than only on another Down.
func (e KeyEvent) CancelOnUp() bool {
	return e.Value&cancelOnUpBit != 0
}

// NewTimeoutRequest builds a Key::timeout event requesting notification once
// millis have elapsed (or, for cancelOnUp, once the arming key is released -
// whichever comes first).
func NewTimeoutRequest(millis uint16, cancelOnUp bool) KeyEvent {
	if millis > MaxTimeoutMillis {
		millis = MaxTimeoutMillis
	}
	v := millis
	if cancelOnUp {
		v |= cancelOnUpBit
	}
	return KeyEvent{Key: Timeout, State: Down, Value: v}
}

// NewNotTimeoutRequest builds the "not-timeout" expression event for a
// tap-vs-hold rule's tap side (spec §4.1 step 4, `!Nms` in the textual
// config grammar): it matches only while the elapsed time since arming is
// still under millis, i.e. the guarded key was released before the timeout
// would have fired.
func NewNotTimeoutRequest(millis uint16) KeyEvent {
	if millis > MaxTimeoutMillis {
		millis = MaxTimeoutMillis
	}
	return KeyEvent{Key: Timeout, State: Up, Value: millis}
}

// NewTimeoutReply builds the Key::timeout reply event carrying the elapsed
// duration since a timeout was armed, matched against Up-state timeout
// expressions ("not exceeded").
func NewTimeoutReply(elapsedMillis uint16) KeyEvent {
	if elapsedMillis > MaxTimeoutMillis {
		elapsedMillis = MaxTimeoutMillis
	}
	return KeyEvent{Key: Timeout, State: Up, Value: elapsedMillis}
}

// equalState identifies DownMatched with Down, per the matcher's unification
// rule and the KeySequence equality contract in spec §3.
func equalState(a, b State) bool {
	norm := func(s State) State {
		if s == DownMatched {
			return Down
		}
		return s
	}
	return norm(a) == norm(b)
}

// Equal compares two events the way KeySequence equality is defined:
// DownMatched and Down are the same state, Value is not considered (it is
// matched explicitly by callers that care, e.g. timeout comparisons).
func (e KeyEvent) Equal(o KeyEvent) bool {
	return e.Key == o.Key && equalState(e.State, o.State)
}

// KeySequence is an ordered list of KeyEvent. Input expressions, output
// expressions, and the live sequence buffer in a Stage all share this type.
type KeySequence []KeyEvent

// Equal compares two sequences ignoring DownMatched vs Down, per spec §3.
func (s KeySequence) Equal(o KeySequence) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if !s[i].Equal(o[i]) || s[i].Value != o[i].Value {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s KeySequence) Clone() KeySequence {
	out := make(KeySequence, len(s))
	copy(out, s)
	return out
}

// ContainsDown reports whether the sequence contains a Down (or DownMatched)
// event for key, used by Not-expression evaluation and finish_sequence.
func (s KeySequence) ContainsDown(k Key) bool {
	for _, e := range s {
		if e.Key == k && (e.State == Down || e.State == DownMatched) {
			return true
		}
	}
	return false
}

// ContainsUp reports whether the sequence contains an Up event for key.
func (s KeySequence) ContainsUp(k Key) bool {
	for _, e := range s {
		if e.Key == k && e.State == Up {
			return true
		}
	}
	return false
}
