// Package key defines the identifier space for physical, virtual, logical and
// action keys, and the event/sequence types the rest of the engine operates on.
//
// The numbering mirrors a fixed enumeration of USB-HID usages for physical
// keys, followed by disjoint ranges for the pseudo-keys the translation
// engine needs: timeouts, virtual keys, logical key aliases, action keys, the
// Any wildcard and ContextActive.
package key

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is a 16-bit identifier. Zero (none) never unifies with anything.
type Key uint16

const (
	None Key = 0
)

// Physical keyboard/mouse keys occupy a fixed low range, mirroring USB-HID
// usages closely enough for this engine's purposes: exact scan codes are an
// OS-layer concern (see platform/linux), not this package's.
const (
	firstPhysical Key = 1
	lastPhysical  Key = 0x0200
)

const (
	A Key = iota + 1
	B
	C
	D
	E
	F
	G
	H
	I
	J
	K
	L
	M
	N
	O
	P
	Q
	R
	S
	T
	U
	V
	W
	X
	Y
	Z
	Num0
	Num1
	Num2
	Num3
	Num4
	Num5
	Num6
	Num7
	Num8
	Num9
	Enter
	Escape
	Backspace
	Tab
	Space
	Minus
	Equal
	LeftBrace
	RightBrace
	Backslash
	Semicolon
	Apostrophe
	Grave
	Comma
	Dot
	Slash
	CapsLock
	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	F11
	F12
	PrintScreen
	ScrollLock
	Pause
	Insert
	Home
	PageUp
	Delete
	End
	PageDown
	ArrowRight
	ArrowLeft
	ArrowDown
	ArrowUp
	LeftCtrl
	LeftShift
	LeftAlt
	LeftMeta
	RightCtrl
	RightShift
	RightAlt
	RightMeta
	MouseLeft
	MouseRight
	MouseMiddle
	MouseButton4
	MouseButton5
	WheelUp
	WheelDown
	WheelLeft
	WheelRight
)

// Pseudo-key carrying a duration: Down means "elapsed >= value", Up means
// "reply: this much time elapsed". See match.Match and the §4.1 algorithm.
const Timeout Key = 0x0300

// Logical key aliases (e.g. Shift expanded to {LeftShift, RightShift}) are
// expanded by the config layer before reaching this engine; the range exists
// so Stage.Context.inputs/outputs can still name one for documentation and
// round-trip fidelity of the wire format, but by the time a Context reaches
// Stage, every logical key reference has been expanded to its members.
const (
	FirstLogical Key = 0x0400
	LastLogical  Key = 0x04FF
)

// Virtual keys are process-internal toggleable booleans, Virtual0..Virtual255.
const (
	FirstVirtual Key = 0x0500
	LastVirtual  Key = 0x05FF
)

func Virtual(n int) Key { return FirstVirtual + Key(n) }

func IsVirtual(k Key) bool { return k >= FirstVirtual && k <= LastVirtual }

// Action keys map to a terminal command or an output-side side effect
// resolved outside this package; emitting one causes the server to post the
// action's index (and optional 14-bit value) to the client instead of a
// virtual-device event.
const (
	FirstAction Key = 0x0600
	LastAction  Key = 0x06FF
)

func Action(index int) Key { return FirstAction + Key(index) }

func IsAction(k Key) bool { return k >= FirstAction && k <= LastAction }

func ActionIndex(k Key) int { return int(k - FirstAction) }

// Any is the wildcard key: matches any single physical key in an input
// expression, and is substituted with the matched key at output time.
const Any Key = 0x0700

// ContextActive is a synthetic key whose Down/Up pair is synthesized by a
// Stage whenever one of its contexts transitions active<->inactive.
const ContextActive Key = 0x0701

func (k Key) String() string {
	if name, ok := names[k]; ok {
		return name
	}
	switch {
	case k == Timeout:
		return "timeout"
	case k == Any:
		return "Any"
	case k == ContextActive:
		return "ContextActive"
	case IsVirtual(k):
		return fmt.Sprintf("Virtual%d", k-FirstVirtual)
	case IsAction(k):
		return fmt.Sprintf("Action%d", ActionIndex(k))
	case k >= FirstLogical && k <= LastLogical:
		return fmt.Sprintf("Logical%d", k-FirstLogical)
	default:
		return fmt.Sprintf("Key(0x%04x)", uint16(k))
	}
}

var names = map[Key]string{
	A: "A", B: "B", C: "C", D: "D", E: "E", F: "F", G: "G", H: "H", I: "I",
	J: "J", K: "K", L: "L", M: "M", N: "N", O: "O", P: "P", Q: "Q", R: "R",
	S: "S", T: "T", U: "U", V: "V", W: "W", X: "X", Y: "Y", Z: "Z",
	Num0: "0", Num1: "1", Num2: "2", Num3: "3", Num4: "4", Num5: "5",
	Num6: "6", Num7: "7", Num8: "8", Num9: "9",
	Enter: "Enter", Escape: "Escape", Backspace: "Backspace", Tab: "Tab",
	Space: "Space", LeftCtrl: "LeftCtrl", LeftShift: "LeftShift",
	LeftAlt: "LeftAlt", LeftMeta: "LeftMeta", RightCtrl: "RightCtrl",
	RightShift: "RightShift", RightAlt: "RightAlt", RightMeta: "RightMeta",
	ArrowUp: "ArrowUp", ArrowDown: "ArrowDown", ArrowLeft: "ArrowLeft", ArrowRight: "ArrowRight",
	F1: "F1", F2: "F2", F3: "F3", F4: "F4", F5: "F5", F6: "F6", F7: "F7",
	F8: "F8", F9: "F9", F10: "F10", F11: "F11", F12: "F12",
	MouseLeft: "MouseLeft", MouseRight: "MouseRight", MouseMiddle: "MouseMiddle",
	MouseButton4: "MouseButton4", MouseButton5: "MouseButton5",
	WheelUp: "WheelUp", WheelDown: "WheelDown", WheelLeft: "WheelLeft", WheelRight: "WheelRight",
}

var byName map[string]Key

func init() {
	byName = make(map[string]Key, len(names))
	for k, name := range names {
		byName[name] = k
	}
}

// Parse is String's inverse, for command-line and control-client input that
// names a key by its usual spelling (e.g. "LeftShift") or one of the
// synthetic forms String produces ("Virtual3", "Action0", "timeout",
// "Any", "ContextActive"). Reports false for anything it doesn't recognize.
func Parse(name string) (Key, bool) {
	if k, ok := byName[name]; ok {
		return k, true
	}
	switch name {
	case "timeout":
		return Timeout, true
	case "Any":
		return Any, true
	case "ContextActive":
		return ContextActive, true
	}
	if n, ok := parseIndexed(name, "Virtual"); ok && n <= int(LastVirtual-FirstVirtual) {
		return Virtual(n), true
	}
	if n, ok := parseIndexed(name, "Action"); ok && n <= int(LastAction-FirstAction) {
		return Action(n), true
	}
	return None, false
}

func parseIndexed(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
