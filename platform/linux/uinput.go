//go:build linux

package linux

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/badu/keymapper/key"
)

// uinputPaths mirrors VirtualDeviceLinux.cpp's open_uinput_device: try the
// udev-managed path first, then the legacy one.
var uinputPaths = []string{"/dev/input/uinput", "/dev/uinput"}

// virtualDevice is the synthetic /dev/uinput keyboard+mouse this backend
// writes translated output to, grounded on
// original_source/src/server/unix/VirtualDeviceLinux.cpp's VirtualDeviceImpl:
// same UI_DEV_SETUP/UI_ABS_SETUP capability bits, same autorepeat-aware
// key-value bookkeeping; EV_KEY is written per event and EV_SYN once per
// flush.
type virtualDevice struct {
	fd      int
	downSet map[key.Key]bool
}

func openVirtualDevice(name string) (*virtualDevice, error) {
	fd, err := openUinput()
	if err != nil {
		return nil, err
	}
	if err := setupUinputDevice(fd, name); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &virtualDevice{fd: fd, downSet: make(map[key.Key]bool)}, nil
}

func openUinput() (int, error) {
	var lastErr error
	for _, path := range uinputPaths {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return fd, nil
		}
		lastErr = err
	}
	return -1, fmt.Errorf("linux: open uinput device: %w", lastErr)
}

func setupUinputDevice(fd int, name string) error {
	setBit := func(req uintptr, value int) error { return ioctlInt(fd, req, value) }

	if err := setBit(uiSetEvBit, evSyn); err != nil {
		return err
	}
	if err := setBit(uiSetEvBit, evKey); err != nil {
		return err
	}
	if err := setBit(uiSetEvBit, evRep); err != nil {
		return err
	}
	for code := range evdevToKey {
		if !isMouseButtonCode(code) {
			if err := setBit(uiSetKeyBit, int(code)); err != nil {
				return err
			}
		}
	}

	if err := setBit(uiSetEvBit, evRel); err != nil {
		return err
	}
	for code := range evdevToKey {
		if isMouseButtonCode(code) {
			if err := setBit(uiSetKeyBit, int(code)); err != nil {
				return err
			}
		}
	}
	for _, rel := range []int{relX, relY, relWheel, relHWheel} {
		if err := setBit(uiSetRelBit, rel); err != nil {
			return err
		}
	}

	if err := setBit(uiSetEvBit, evAbs); err != nil {
		return err
	}
	for _, abs := range []int{absVolume, absMisc} {
		if err := setupAbsAxis(fd, abs, 0, 1023); err != nil {
			return err
		}
	}

	var setup uinputSetup
	setup.ID.BusType = busUSB
	setup.ID.Vendor = 0xD1CE
	setup.ID.Product = 1
	setup.ID.Version = 1
	copy(setup.Name[:], name)

	if errno := ioctlPointer(fd, uiDevSetup, unsafe.Pointer(&setup)); errno != 0 {
		return fmt.Errorf("linux: UI_DEV_SETUP: %w", errno)
	}
	if errno := ioctlPointer(fd, uiDevCreate, nil); errno != 0 {
		return fmt.Errorf("linux: UI_DEV_CREATE: %w", errno)
	}
	return nil
}

// uinputSetup mirrors struct uinput_setup from linux/uinput.h.
type uinputSetup struct {
	ID   inputID
	Name [uinputMaxNameSize]byte
	// ff_effects_max
	_ uint32
}

type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// uinputAbsSetup mirrors struct uinput_abs_setup.
type uinputAbsSetup struct {
	Code    uint16
	_       [2]byte
	AbsInfo inputAbsInfo
}

type inputAbsInfo struct {
	Value, Minimum, Maximum, Fuzz, Flat, Resolution int32
}

func setupAbsAxis(fd int, code, min, max int) error {
	setup := uinputAbsSetup{Code: uint16(code)}
	setup.AbsInfo.Minimum = int32(min)
	setup.AbsInfo.Maximum = int32(max)
	if errno := ioctlPointer(fd, uiAbsSetup, unsafe.Pointer(&setup)); errno != 0 {
		return fmt.Errorf("linux: UI_ABS_SETUP: %w", errno)
	}
	return nil
}

func (v *virtualDevice) close() {
	if v == nil || v.fd < 0 {
		return
	}
	_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), uiDevDestroy, 0)
	unix.Close(v.fd)
	v.fd = -1
}

// keyEventValue implements the press/release/autorepeat bookkeeping
// original_source's get_key_event_value does: repeated Down on an
// already-held key reports autorepeat (2) rather than press (1).
func (v *virtualDevice) keyEventValue(ev key.KeyEvent) int32 {
	if ev.State == key.Up {
		delete(v.downSet, ev.Key)
		return 0
	}
	if v.downSet[ev.Key] {
		return 2
	}
	v.downSet[ev.Key] = true
	return 1
}

func (v *virtualDevice) sendRaw(evType, code uint16, value int32) error {
	var buf [inputEventSize]byte
	*(*uint16)(unsafe.Pointer(&buf[16])) = evType
	*(*uint16)(unsafe.Pointer(&buf[18])) = code
	*(*int32)(unsafe.Pointer(&buf[20])) = value
	_, err := unix.Write(v.fd, buf[:])
	return err
}

// sendKeyEvent implements Backend.SendKeyEvent for a keyboard/mouse-button
// key.Key: translate to its evdev code and write the EV_KEY record. The
// SYN_REPORT that commits it is deferred to flush, so a whole tick's worth
// of translated output reaches the kernel as one atomic input report,
// matching Backend.Flush's contract (spec §7).
func (v *virtualDevice) sendKeyEvent(ev key.KeyEvent) error {
	code, ok := keyToEvdev[ev.Key]
	if !ok {
		return fmt.Errorf("linux: no evdev mapping for %s", ev.Key)
	}
	if err := v.sendRaw(evKey, code, v.keyEventValue(ev)); err != nil {
		return fmt.Errorf("linux: write key event: %w", err)
	}
	return nil
}

// sendWheel writes a relative-axis wheel notch, also committed by the next
// flush.
func (v *virtualDevice) sendWheel(axis uint16, delta int32) error {
	if err := v.sendRaw(evRel, axis, delta); err != nil {
		return fmt.Errorf("linux: write wheel event: %w", err)
	}
	return nil
}

func (v *virtualDevice) flush() error {
	if err := v.sendRaw(evSyn, synReport, 0); err != nil {
		return fmt.Errorf("linux: SYN_REPORT: %w", err)
	}
	return nil
}
