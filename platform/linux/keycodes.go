//go:build linux

package linux

import "github.com/badu/keymapper/key"

// keyToEvdev maps this engine's key.Key physical-key range to the Linux
// input-event-codes.h KEY_*/BTN_* values evdev and uinput speak on the
// wire, grounded on original_source/src/server/unix/GrabbedDevicesLinux.cpp's
// to_key_event (which passes the raw evdev code straight through as Key)
// and VirtualDeviceLinux.cpp's send_key_event. Unlike the original, this
// engine's Key enumeration does not share evdev's numbering, so the
// translation needs an explicit table in both directions.
var keyToEvdev = map[key.Key]uint16{
	key.A: 30, key.B: 48, key.C: 46, key.D: 32, key.E: 18, key.F: 33,
	key.G: 34, key.H: 35, key.I: 23, key.J: 36, key.K: 37, key.L: 38,
	key.M: 50, key.N: 49, key.O: 24, key.P: 25, key.Q: 16, key.R: 19,
	key.S: 31, key.T: 20, key.U: 22, key.V: 47, key.W: 17, key.X: 45,
	key.Y: 21, key.Z: 44,

	key.Num0: 11, key.Num1: 2, key.Num2: 3, key.Num3: 4, key.Num4: 5,
	key.Num5: 6, key.Num6: 7, key.Num7: 8, key.Num8: 9, key.Num9: 10,

	key.Enter: 28, key.Escape: 1, key.Backspace: 14, key.Tab: 15,
	key.Space: 57, key.Minus: 12, key.Equal: 13, key.LeftBrace: 26,
	key.RightBrace: 27, key.Backslash: 43, key.Semicolon: 39,
	key.Apostrophe: 40, key.Grave: 41, key.Comma: 51, key.Dot: 52,
	key.Slash: 53, key.CapsLock: 58,

	key.F1: 59, key.F2: 60, key.F3: 61, key.F4: 62, key.F5: 63,
	key.F6: 64, key.F7: 65, key.F8: 66, key.F9: 67, key.F10: 68,
	key.F11: 87, key.F12: 88,

	key.PrintScreen: 99, key.ScrollLock: 70, key.Pause: 119,
	key.Insert: 110, key.Home: 102, key.PageUp: 104, key.Delete: 111,
	key.End: 107, key.PageDown: 109,
	key.ArrowRight: 106, key.ArrowLeft: 105, key.ArrowDown: 108, key.ArrowUp: 103,

	key.LeftCtrl: 29, key.LeftShift: 42, key.LeftAlt: 56, key.LeftMeta: 125,
	key.RightCtrl: 97, key.RightShift: 54, key.RightAlt: 100, key.RightMeta: 126,

	key.MouseLeft: 0x110, key.MouseRight: 0x111, key.MouseMiddle: 0x112,
	key.MouseButton4: 0x113, key.MouseButton5: 0x114,
}

var evdevToKey map[uint16]key.Key

func init() {
	evdevToKey = make(map[uint16]key.Key, len(keyToEvdev))
	for k, code := range keyToEvdev {
		evdevToKey[code] = k
	}
}

// isMouseButtonCode reports whether code is one of the BTN_* buttons this
// backend claims on the virtual device, as opposed to a KEY_* keyboard code.
func isMouseButtonCode(code uint16) bool { return code >= 0x100 }
