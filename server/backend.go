// Package server implements the server loop (spec §4.6, C5): the single
// cooperative thread that drives MultiStage from device events, arms and
// fires timers, forwards action/virtual-key notifications to the client,
// and applies the OS-specific send-buffer debounce/throttle rules before
// writing to the virtual device.
//
// Grounded on the teacher's eventDispatcher lifecycle
// (badu-term/key/dispatcher.go: a context-scoped goroutine selecting over an
// input channel and a single re-armed time.Timer, with Once-guarded startup
// and a died channel for shutdown) and on original_source/src/server/Server.cpp
// for the cancel-and-inject timer protocol and send-buffer ordering.
package server

import "github.com/badu/keymapper/key"

// DeviceEvent pairs one observed KeyEvent with the index of the physical
// device it came from, matching spec §1's "(device-index, key, state,
// value)" contract between the core and its OS collaborator.
type DeviceEvent struct {
	DeviceIndex int
	Event       key.KeyEvent
}

// Backend is the fixed method set every OS-specific collaborator
// implements (spec §9: "Unique-ptr chains of OS backends... become one enum
// of backends behind a small trait with a fixed method set"). The core
// never constructs or type-switches on a concrete backend; it only calls
// these four methods and reads Events().
type Backend interface {
	// Events returns the channel the backend publishes observed device
	// input on. Closed when the backend has permanently stopped (device
	// unplugged, grab lost, process shutting down).
	Events() <-chan DeviceEvent

	// DeviceNames reports the names of every device currently grabbed, for
	// the device_names message (spec §6) and Stage.EvaluateDeviceFilters.
	DeviceNames() []string

	// SendKeyEvent writes one translated event to the virtual device, in
	// the order the server calls it. A non-nil error stops the server from
	// sending the rest of the current batch: those events are dropped, not
	// retried or rescheduled, and Flush is still called.
	SendKeyEvent(ev key.KeyEvent) error

	// Flush coalesces and commits any buffered writes (mouse-wheel
	// low-res accumulation, SYN_REPORT on evdev-like backends).
	Flush() error

	// Shutdown releases grabbed devices and the virtual device. Called
	// exactly once, after every output-down key has been released.
	Shutdown() error
}

// KeyStateOracle is an optional capability a Backend may implement: reading
// a physical key's current state directly from the OS, bypassing the
// engine's own output_down bookkeeping. The control socket's validate_state
// message (spec §7 "Timer misfire") type-asserts the active Backend against
// this interface; a backend that can't answer leaves ValidateState a no-op.
type KeyStateOracle interface {
	IsKeyDown(k key.Key) bool
}

// DeviceDescriptor carries a per-OS device descriptor (spec §9:
// "shared_ptr<DeviceDescExt> ... model this as an enum variant of the
// descriptor type; the core never dereferences it except to pass it back to
// the OS layer"). The core only threads this value between backend calls.
type DeviceDescriptor interface {
	// Backend names which concrete backend implementation produced this
	// descriptor (e.g. "linux-evdev"), so a multi-backend daemon (unlikely,
	// but the interface allows it) can route correctly.
	Backend() string
}
