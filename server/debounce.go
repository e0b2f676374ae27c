package server

import (
	"log"
	"time"

	"github.com/badu/keymapper/key"
)

// debouncer implements spec §5's "Debouncers maintain per-button last-event
// timestamps and emit an additional scheduling delay when same-class events
// would arrive too quickly" and §4.6 step 5's send-buffer pacing: it holds
// back a mouse-button send that immediately follows a modifier key's send,
// so the OS doesn't observe the two closer together than real hardware
// ever would (some compositors drop a button click whose modifier arrived
// in the same scan tick).
type debouncer struct {
	minModifierButtonDelay time.Duration
	lastModifierSend       time.Time
	haveLastModifierSend   bool
	pendingFlush           bool
}

// flushPending reports whether a previous send call deferred output that
// has not yet reached the backend - consulted by Server.isKeyRepeatToDrop
// (spec §4.6 step 1).
func (d *debouncer) flushPending() bool { return d.pendingFlush }

// send writes toSend to backend in order, delaying the first event by
// minModifierButtonDelay if it is a mouse button arriving right after a
// modifier send (spec §5), then flushes. A send failure halts the rest of
// the batch for this tick (spec §7 "Partial failure in per-OS send...
// halts the send-buffer flush for the current tick and reschedules") - the
// remaining events are dropped rather than retried, since by the time the
// caller could usefully retry, the engine's KeyEvent stream has moved on;
// dropping here matches the no-crash, no-abort recovery policy in spec §7.
func (d *debouncer) send(backend Backend, toSend key.KeySequence, deviceIndex int) {
	d.pendingFlush = true
	for i, ev := range toSend {
		if i == 0 && d.shouldDelay(ev) {
			time.Sleep(d.minModifierButtonDelay)
		}
		if err := backend.SendKeyEvent(ev); err != nil {
			log.Printf("server: send %s: %v", ev.Key, err)
			break
		}
		if isModifierKey(ev.Key) && ev.State == key.Down {
			d.lastModifierSend, d.haveLastModifierSend = time.Now(), true
		}
	}
	if err := backend.Flush(); err != nil {
		log.Printf("server: flush: %v", err)
	}
	d.pendingFlush = false
}

func (d *debouncer) shouldDelay(ev key.KeyEvent) bool {
	if d.minModifierButtonDelay <= 0 || !d.haveLastModifierSend {
		return false
	}
	if !isMouseButtonKey(ev.Key) || ev.State != key.Down {
		return false
	}
	since := time.Since(d.lastModifierSend)
	return since >= 0 && since < d.minModifierButtonDelay
}

func isModifierKey(k key.Key) bool {
	switch k {
	case key.LeftCtrl, key.LeftShift, key.LeftAlt, key.LeftMeta,
		key.RightCtrl, key.RightShift, key.RightAlt, key.RightMeta:
		return true
	default:
		return false
	}
}

func isMouseButtonKey(k key.Key) bool {
	switch k {
	case key.MouseLeft, key.MouseRight, key.MouseMiddle, key.MouseButton4, key.MouseButton5:
		return true
	default:
		return false
	}
}
