package wire

import (
	"fmt"
	"strings"

	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/stage"
)

// EncodeConfiguration serializes contexts as the configuration message body
// (spec §6): u32 num_contexts, then per context: u32 ninputs, ninputs ×
// {key_seq, i32 output_index}; u32 noutputs, noutputs × key_seq; u32
// ncmd_out, ncmd_out × {key_seq, i32 index}; u32 ndev, ndev bytes device
// filter string; u8 invert_modifier_filter (0 or 1); key_seq modifier_filter.
func EncodeConfiguration(contexts []stage.Context) []byte {
	var buf []byte
	buf = appendUint32(buf, uint32(len(contexts)))
	for _, c := range contexts {
		buf = appendUint32(buf, uint32(len(c.Inputs)))
		for _, in := range c.Inputs {
			buf = append(buf, EncodeKeySequence(in.Expression)...)
			buf = appendInt32(buf, int32(in.OutputIndex))
		}
		buf = appendUint32(buf, uint32(len(c.Outputs)))
		for _, out := range c.Outputs {
			buf = append(buf, EncodeKeySequence(out)...)
		}
		buf = appendUint32(buf, uint32(len(c.CommandOutputs)))
		for _, co := range c.CommandOutputs {
			buf = append(buf, EncodeKeySequence(co.Output)...)
			buf = appendInt32(buf, int32(co.Index))
		}
		filterStr := encodeDeviceFilter(c.DeviceFilter)
		buf = appendUint32(buf, uint32(len(filterStr)))
		buf = append(buf, filterStr...)
		if c.InvertModifiers {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, EncodeKeySequence(c.ModifierFilter)...)
	}
	return buf
}

// DecodeConfiguration parses the body EncodeConfiguration produces.
func DecodeConfiguration(b []byte) ([]stage.Context, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: configuration header truncated")
	}
	n := byteOrder.Uint32(b)
	off := 4
	contexts := make([]stage.Context, n)
	for i := 0; i < int(n); i++ {
		c := stage.Context{}

		if off+4 > len(b) {
			return nil, fmt.Errorf("wire: configuration truncated at context %d inputs", i)
		}
		ninputs := int(byteOrder.Uint32(b[off:]))
		off += 4
		c.Inputs = make([]stage.Input, ninputs)
		for j := 0; j < ninputs; j++ {
			seq, consumed, err := DecodeKeySequence(b[off:])
			if err != nil {
				return nil, err
			}
			off += consumed
			if off+4 > len(b) {
				return nil, fmt.Errorf("wire: configuration truncated at input %d/%d output_index", i, j)
			}
			c.Inputs[j] = stage.Input{Expression: seq, OutputIndex: int(int32(byteOrder.Uint32(b[off:])))}
			off += 4
		}

		if off+4 > len(b) {
			return nil, fmt.Errorf("wire: configuration truncated at context %d outputs", i)
		}
		noutputs := int(byteOrder.Uint32(b[off:]))
		off += 4
		c.Outputs = make([]key.KeySequence, noutputs)
		for j := 0; j < noutputs; j++ {
			seq, consumed, err := DecodeKeySequence(b[off:])
			if err != nil {
				return nil, err
			}
			off += consumed
			c.Outputs[j] = seq
		}

		if off+4 > len(b) {
			return nil, fmt.Errorf("wire: configuration truncated at context %d command outputs", i)
		}
		ncmd := int(byteOrder.Uint32(b[off:]))
		off += 4
		c.CommandOutputs = make([]stage.CommandOutput, ncmd)
		for j := 0; j < ncmd; j++ {
			seq, consumed, err := DecodeKeySequence(b[off:])
			if err != nil {
				return nil, err
			}
			off += consumed
			if off+4 > len(b) {
				return nil, fmt.Errorf("wire: configuration truncated at command output %d/%d index", i, j)
			}
			idx := int(int32(byteOrder.Uint32(b[off:])))
			off += 4
			c.CommandOutputs[j] = stage.CommandOutput{Index: idx, Output: seq}
		}

		if off+4 > len(b) {
			return nil, fmt.Errorf("wire: configuration truncated at context %d device filter", i)
		}
		ndev := int(byteOrder.Uint32(b[off:]))
		off += 4
		if off+ndev > len(b) {
			return nil, fmt.Errorf("wire: configuration truncated at context %d device filter body", i)
		}
		c.DeviceFilter = decodeDeviceFilter(string(b[off : off+ndev]))
		off += ndev

		if off+1 > len(b) {
			return nil, fmt.Errorf("wire: configuration truncated at context %d invert-modifiers flag", i)
		}
		c.InvertModifiers = b[off] != 0
		off++

		seq, consumed, err := DecodeKeySequence(b[off:])
		if err != nil {
			return nil, err
		}
		off += consumed
		c.ModifierFilter = seq

		contexts[i] = c
	}
	return contexts, nil
}

// encodeDeviceFilter renders a stage.DeviceFilter as the verbatim/substring/
// regex string grammar the textual configuration format also uses (spec §6
// "device filter string"; spec §9 names the textual grammar but leaves the
// wire encoding of DeviceFilterKind+Inverted to the implementer): an
// optional leading '!' for InvertDeviceFilter, then '=' for exact match,
// nothing for substring, or /pattern/ (with a trailing 'i' for
// case-insensitive regex) - so the daemon and the control CLI can both
// print and parse the same filter text.
func encodeDeviceFilter(f stage.DeviceFilter) string {
	var sb strings.Builder
	if f.Inverted {
		sb.WriteByte('!')
	}
	switch f.Kind {
	case stage.DeviceFilterExact:
		sb.WriteByte('=')
		sb.WriteString(f.Pattern)
	case stage.DeviceFilterRegex:
		sb.WriteByte('/')
		sb.WriteString(f.Pattern)
		sb.WriteByte('/')
	case stage.DeviceFilterSubstring:
		sb.WriteString(f.Pattern)
	}
	return sb.String()
}

func decodeDeviceFilter(s string) stage.DeviceFilter {
	f := stage.DeviceFilter{}
	if s == "" {
		return f
	}
	if strings.HasPrefix(s, "!") {
		f.Inverted = true
		s = s[1:]
	}
	if s == "" {
		return f
	}
	switch {
	case strings.HasPrefix(s, "="):
		f.Kind = stage.DeviceFilterExact
		f.Pattern = s[1:]
	case strings.HasPrefix(s, "/"):
		f.Kind = stage.DeviceFilterRegex
		f.Pattern = strings.TrimSuffix(s[1:], "/")
	default:
		f.Kind = stage.DeviceFilterSubstring
		f.Pattern = s
	}
	return f
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	byteOrder.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	return appendUint32(b, uint32(v))
}
