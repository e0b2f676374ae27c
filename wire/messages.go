package wire

import (
	"fmt"

	"github.com/badu/keymapper/key"
)

// EncodeActiveContexts serializes the active_contexts message body: u32 n,
// n × u32 index (spec §6).
func EncodeActiveContexts(indices []int) []byte {
	buf := appendUint32(nil, uint32(len(indices)))
	for _, idx := range indices {
		buf = appendUint32(buf, uint32(idx))
	}
	return buf
}

func DecodeActiveContexts(b []byte) ([]int, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: active_contexts truncated")
	}
	n := int(byteOrder.Uint32(b))
	off := 4
	if off+n*4 > len(b) {
		return nil, fmt.Errorf("wire: active_contexts body truncated")
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(byteOrder.Uint32(b[off:]))
		off += 4
	}
	return out, nil
}

// VirtualKeyState is the body shared by get/set_virtual_key_state,
// virtual_key_state and request_virtual_key_toggle_notification (spec §6
// "key id + state"): a key id and one of Down/Up/Not.
type VirtualKeyState struct {
	Key   key.Key
	State key.State
}

func EncodeVirtualKeyState(v VirtualKeyState) []byte {
	buf := make([]byte, 3)
	byteOrder.PutUint16(buf, uint16(v.Key))
	buf[2] = byte(v.State)
	return buf
}

func DecodeVirtualKeyState(b []byte) (VirtualKeyState, error) {
	if len(b) < 3 {
		return VirtualKeyState{}, fmt.Errorf("wire: virtual_key_state truncated")
	}
	return VirtualKeyState{Key: key.Key(byteOrder.Uint16(b)), State: key.State(b[2])}, nil
}

// EncodeString encodes a set_config_file/set_instance_id UTF-8 body: the
// bytes verbatim, length implied by the frame (spec §6).
func EncodeString(s string) []byte { return []byte(s) }

func DecodeString(b []byte) string { return string(b) }

// TriggeredAction is the daemon->client triggered_action body: an action
// index, optionally carrying a 14-bit value in its upper bits (spec §6).
type TriggeredAction struct {
	Index int
	Value uint16
}

func EncodeTriggeredAction(a TriggeredAction) []byte {
	packed := uint32(a.Index&0x3FFFF) | uint32(a.Value&key.MaxTimeoutMillis)<<18
	return appendUint32(nil, packed)
}

func DecodeTriggeredAction(b []byte) (TriggeredAction, error) {
	if len(b) < 4 {
		return TriggeredAction{}, fmt.Errorf("wire: triggered_action truncated")
	}
	packed := byteOrder.Uint32(b)
	return TriggeredAction{
		Index: int(packed & 0x3FFFF),
		Value: uint16(packed >> 18),
	}, nil
}

// EncodeDeviceNames serializes the device_names message body: u32 count,
// then count length-prefixed UTF-8 strings (spec §6).
func EncodeDeviceNames(names []string) []byte {
	buf := appendUint32(nil, uint32(len(names)))
	for _, n := range names {
		buf = appendUint32(buf, uint32(len(n)))
		buf = append(buf, n...)
	}
	return buf
}

func DecodeDeviceNames(b []byte) ([]string, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: device_names truncated")
	}
	n := int(byteOrder.Uint32(b))
	off := 4
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if off+4 > len(b) {
			return nil, fmt.Errorf("wire: device_names truncated at entry %d", i)
		}
		l := int(byteOrder.Uint32(b[off:]))
		off += 4
		if off+l > len(b) {
			return nil, fmt.Errorf("wire: device_names body truncated at entry %d", i)
		}
		out[i] = string(b[off : off+l])
		off += l
	}
	return out, nil
}
