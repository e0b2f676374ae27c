//go:build linux

package linux

import (
	"fmt"

	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/server"
)

// virtualDeviceName is the product name reported by the synthetic device,
// matching the teacher repo's convention of naming its own virtual
// endpoints after the project.
const virtualDeviceName = "keymapper Virtual Input"

// Backend implements server.Backend on Linux: GrabbedDevices for input,
// a uinput virtual device for output.
type Backend struct {
	devices *grabbedDevices
	virtual *virtualDevice
	events  chan server.DeviceEvent
}

// Config controls how Backend grabs physical devices.
type Config struct {
	// IgnoreDeviceName excludes a device from grabbing, normally the
	// backend's own virtual device name, so it never grabs its own output
	// (original_source's m_ignore_device_name).
	IgnoreDeviceName string
	// GrabMice additionally grabs relative-pointer devices, not just
	// keyboards.
	GrabMice bool
}

// New opens the virtual output device and starts grabbing matching input
// devices. The returned Backend's Shutdown must be called to release both.
func New(cfg Config) (*Backend, error) {
	virtual, err := openVirtualDevice(virtualDeviceName)
	if err != nil {
		return nil, fmt.Errorf("linux: %w", err)
	}

	ignore := cfg.IgnoreDeviceName
	if ignore == "" {
		ignore = virtualDeviceName
	}
	devices := newGrabbedDevices(ignore, cfg.GrabMice)
	if err := devices.start(); err != nil {
		virtual.close()
		return nil, fmt.Errorf("linux: %w", err)
	}

	b := &Backend{
		devices: devices,
		virtual: virtual,
		events:  make(chan server.DeviceEvent, 64),
	}
	go b.pump()
	return b, nil
}

func (b *Backend) pump() {
	for raw := range b.devices.events {
		b.events <- server.DeviceEvent{DeviceIndex: raw.deviceIndex, Event: raw.event}
	}
	close(b.events)
}

func (b *Backend) Events() <-chan server.DeviceEvent { return b.events }

func (b *Backend) DeviceNames() []string { return b.devices.deviceNames() }

// SendKeyEvent routes a wheel pseudo-key through the virtual device's
// relative axis, and everything else through its EV_KEY path. A wheel
// notch has no physical release, so only its Down half (the discrete
// Down/Up pair Stage.feedWheel synthesizes per notch) produces a write;
// the matching Up is a no-op here.
func (b *Backend) SendKeyEvent(ev key.KeyEvent) error {
	switch ev.Key {
	case key.WheelUp, key.WheelDown, key.WheelLeft, key.WheelRight:
		if ev.State != key.Down {
			return nil
		}
		return b.virtual.sendWheel(wheelAxis(ev.Key), wheelSign(ev.Key))
	default:
		return b.virtual.sendKeyEvent(ev)
	}
}

func wheelAxis(k key.Key) uint16 {
	if k == key.WheelLeft || k == key.WheelRight {
		return relHWheel
	}
	return relWheel
}

func wheelSign(k key.Key) int32 {
	if k == key.WheelDown || k == key.WheelLeft {
		return -1
	}
	return 1
}

func (b *Backend) Flush() error { return b.virtual.flush() }

// IsKeyDown implements server.KeyStateOracle: validate_state (spec §6, §7)
// asks the kernel directly rather than trusting the engine's own bookkeeping,
// since the whole point is to catch cases where the two have diverged.
func (b *Backend) IsKeyDown(k key.Key) bool { return b.devices.isKeyDown(k) }

func (b *Backend) Shutdown() error {
	b.devices.close()
	b.virtual.close()
	return nil
}
