package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/badu/keymapper/key"
)

// EncodeKeySequence serializes seq as u32 size followed by size entries of
// { u16 key, u8 state, u16 value }.
//
// Spec §6 describes the state/value pair packed into a single u16 (low 2
// bits state, upper 14 bits value); State has eight kinds here (Down, Up,
// Not, DownAsync, UpAsync, DownMatched, OutputOnRelease, NoMightMatch), and
// Value alone already needs 15 bits for a timeout's 14-bit millis plus its
// cancel-on-up bit (key.MaxTimeoutMillis, key.CancelOnUp) - the two don't
// fit in one u16 without truncating one of them. This implementation gives
// state its own byte instead of packing it with value, trading one extra
// byte per sequence entry for a lossless round trip; see DESIGN.md.
func EncodeKeySequence(seq key.KeySequence) []byte {
	out := make([]byte, 4+len(seq)*5)
	byteOrder.PutUint32(out, uint32(len(seq)))
	off := 4
	for _, ev := range seq {
		byteOrder.PutUint16(out[off:], uint16(ev.Key))
		out[off+2] = byte(ev.State)
		byteOrder.PutUint16(out[off+3:], ev.Value)
		off += 5
	}
	return out
}

// DecodeKeySequence parses the format EncodeKeySequence produces, returning
// the sequence and the number of bytes consumed.
func DecodeKeySequence(b []byte) (key.KeySequence, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("wire: key sequence header truncated")
	}
	n := binary.LittleEndian.Uint32(b)
	off := 4
	need := off + int(n)*5
	if need > len(b) {
		return nil, 0, fmt.Errorf("wire: key sequence body truncated")
	}
	seq := make(key.KeySequence, n)
	for i := 0; i < int(n); i++ {
		k := key.Key(byteOrder.Uint16(b[off:]))
		st := key.State(b[off+2])
		v := byteOrder.Uint16(b[off+3:])
		seq[i] = key.KeyEvent{Key: k, State: st, Value: v}
		off += 5
	}
	return seq, off, nil
}
