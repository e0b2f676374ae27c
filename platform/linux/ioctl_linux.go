//go:build linux

// Package linux implements the Linux evdev/uinput Backend (spec §9's
// "small trait with a fixed method set"): it grabs every suitable
// /dev/input/eventN device exclusively and re-emits translated events
// through a synthetic /dev/uinput keyboard+mouse, mirroring
// original_source/src/server/unix/GrabbedDevicesLinux.cpp and
// VirtualDeviceLinux.cpp.
package linux

import "golang.org/x/sys/unix"

// The evdev/uinput ioctl request numbers below are not exposed by
// golang.org/x/sys/unix (it covers POSIX and generic Linux syscalls, not the
// input subsystem's uapi headers), so they are computed here the same way
// linux/ioctl.h's _IO/_IOR/_IOW macros do. These are stable kernel uABI
// values, unchanged across the kernel versions this backend targets.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func ior(typ, nr byte, size uintptr) uintptr  { return ioc(iocRead, uintptr(typ), uintptr(nr), size) }
func iow(typ, nr byte, size uintptr) uintptr  { return ioc(iocWrite, uintptr(typ), uintptr(nr), size) }
func ioNoArgs(typ, nr byte) uintptr           { return ioc(iocNone, uintptr(typ), uintptr(nr), 0) }

const (
	sizeofInt = 4

	evioctlType byte = 'E'
	uiIoctlType byte = 'U'
)

// evdev ioctls (linux/input.h).
var (
	evIOCGVersion = ior(evioctlType, 0x01, sizeofInt)
	evIOCGRAB     = iow(evioctlType, 0x90, sizeofInt)
)

func evIOCGBit(ev int, length uintptr) uintptr {
	return ior(evioctlType, byte(0x20+ev), length)
}

func evIOCGName(length uintptr) uintptr {
	return ior(evioctlType, 0x06, length)
}

func evIOCGKey(length uintptr) uintptr {
	return ior(evioctlType, 0x18, length)
}

const unsafeSizeofAbsInfo = 6 * 4 // struct input_absinfo: 6 int32 fields

// uinput ioctls (linux/uinput.h).
var (
	uiSetEvBit  = iow(uiIoctlType, 100, sizeofInt)
	uiSetKeyBit = iow(uiIoctlType, 101, sizeofInt)
	uiSetRelBit = iow(uiIoctlType, 102, sizeofInt)
	uiDevCreate = ioNoArgs(uiIoctlType, 1)
	uiDevDestroy = ioNoArgs(uiIoctlType, 2)
	uiDevSetup  = iow(uiIoctlType, 3, unsafeSizeofUinputSetup)
	uiAbsSetup  = iow(uiIoctlType, 4, unsafeSizeofUinputAbsSetup)
)

const (
	uinputMaxNameSize         = 80
	unsafeSizeofUinputSetup   = 8 + uinputMaxNameSize + 4 // input_id + name + ff_effects_max
	unsafeSizeofUinputAbsSetup = 2 + 2 + unsafeSizeofAbsInfo // code(u16)+pad+absinfo, rounded
)

// event type/code constants from linux/input-event-codes.h, limited to the
// subset this backend needs.
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03
	evRep = 0x14

	synReport = 0

	relX      = 0x00
	relY      = 0x01
	relHWheel = 0x06
	relWheel  = 0x08

	absVolume = 0x20
	absMisc   = 0x28

	busUSB = 0x03
)

func ioctlInt(fd int, req uintptr, value int) error {
	return unix.IoctlSetInt(fd, uint(req), value)
}
