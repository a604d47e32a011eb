package dylibify

import "fmt"

// dyld bind opcode stream grammar (mach-o/loader.h)
const (
	bindOpcodeMask    = 0xF0
	bindImmediateMask = 0x0F

	bindOpcodeDone                        = 0x00
	bindOpcodeSetDylibOrdinalImm          = 0x10
	bindOpcodeSetDylibOrdinalULEB         = 0x20
	bindOpcodeSetDylibSpecialImm          = 0x30
	bindOpcodeSetSymbolTrailingFlagsImm   = 0x40
	bindOpcodeSetTypeImm                  = 0x50
	bindOpcodeSetAddendSLEB               = 0x60
	bindOpcodeSetSegmentAndOffsetULEB     = 0x70
	bindOpcodeAddAddrULEB                 = 0x80
	bindOpcodeDoBind                      = 0x90
	bindOpcodeDoBindAddAddrULEB           = 0xA0
	bindOpcodeDoBindAddAddrImmScaled      = 0xB0
	bindOpcodeDoBindULEBTimesSkippingULEB = 0xC0
	bindOpcodeThreaded                    = 0xD0

	bindSubopcodeThreadedSetBindOrdinalTableSizeULEB = 0x00
)

// remapBindOrdinals rewrites every BIND_OPCODE_SET_DYLIB_ORDINAL_* in a
// bind or lazy-bind opcode stream through remap. Special (sentinel)
// ordinals pass through untouched. The rewritten stream must fit the
// original allocation: trailing BIND_OPCODE_DONE bytes are given up to make
// room for an ordinal that grew, and any remainder is padded with
// BIND_OPCODE_DONE.
func remapBindOrdinals(data []byte, remap map[int]int) ([]byte, error) {
	out := make([]byte, 0, len(data))
	end := 0 // length of out up to its last non-DONE opcode

	for i := 0; i < len(data); {
		b := data[i]
		opcode := b & bindOpcodeMask
		imm := b & bindImmediateMask
		i++

		switch opcode {
		case bindOpcodeSetDylibOrdinalImm:
			newOrd, ok := remap[int(imm)]
			if !ok {
				return nil, fmt.Errorf("bind info references library ordinal %d which has no image after rewrite", imm)
			}
			if newOrd <= bindImmediateMask {
				out = append(out, bindOpcodeSetDylibOrdinalImm|byte(newOrd))
			} else {
				out = append(out, bindOpcodeSetDylibOrdinalULEB)
				out = appendULEB(out, uint64(newOrd))
			}
		case bindOpcodeSetDylibOrdinalULEB:
			ord, n, err := readULEB(data[i:])
			if err != nil {
				return nil, err
			}
			i += n
			newOrd, ok := remap[int(ord)]
			if !ok {
				return nil, fmt.Errorf("bind info references library ordinal %d which has no image after rewrite", ord)
			}
			out = append(out, bindOpcodeSetDylibOrdinalULEB)
			out = appendULEBPadded(out, uint64(newOrd), n)
		case bindOpcodeSetDylibSpecialImm:
			out = append(out, b)
		case bindOpcodeSetSymbolTrailingFlagsImm:
			out = append(out, b)
			for i < len(data) {
				c := data[i]
				out = append(out, c)
				i++
				if c == 0 {
					break
				}
			}
		case bindOpcodeSetAddendSLEB,
			bindOpcodeSetSegmentAndOffsetULEB,
			bindOpcodeAddAddrULEB,
			bindOpcodeDoBindAddAddrULEB:
			n, err := lebLen(data[i:])
			if err != nil {
				return nil, err
			}
			out = append(out, b)
			out = append(out, data[i:i+n]...)
			i += n
		case bindOpcodeDoBindULEBTimesSkippingULEB:
			out = append(out, b)
			for range 2 {
				n, err := lebLen(data[i:])
				if err != nil {
					return nil, err
				}
				out = append(out, data[i:i+n]...)
				i += n
			}
		case bindOpcodeThreaded:
			out = append(out, b)
			if imm == bindSubopcodeThreadedSetBindOrdinalTableSizeULEB {
				n, err := lebLen(data[i:])
				if err != nil {
					return nil, err
				}
				out = append(out, data[i:i+n]...)
				i += n
			}
		case bindOpcodeDone,
			bindOpcodeSetTypeImm,
			bindOpcodeDoBind,
			bindOpcodeDoBindAddAddrImmScaled:
			out = append(out, b)
		default:
			return nil, fmt.Errorf("unknown bind opcode %#02x at offset %d", b, i-1)
		}
		if opcode != bindOpcodeDone {
			end = len(out)
		}
	}

	if len(out) > len(data) {
		out = out[:max(end, len(data))]
	}
	if len(out) > len(data) {
		return nil, fmt.Errorf("rewritten bind info (%d bytes) no longer fits its original allocation (%d bytes)", len(out), len(data))
	}
	for len(out) < len(data) {
		out = append(out, bindOpcodeDone)
	}

	return out, nil
}

// lebLen returns how many bytes the LEB128 value at the start of data
// occupies. Works for both ULEB and SLEB operands since only the
// continuation bit matters.
func lebLen(data []byte) (int, error) {
	for i := 0; i < len(data); i++ {
		if data[i]&0x80 == 0 {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("truncated LEB128 in bind info")
}

func readULEB(data []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		b := data[i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("truncated ULEB128 in bind info")
}

func appendULEB(out []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// appendULEBPadded encodes v in at least width bytes using continuation
// padding, so a rewritten ordinal can reuse its original slot byte for byte.
func appendULEBPadded(out []byte, v uint64, width int) []byte {
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		n++
		if v != 0 || n < width {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 && n >= width {
			return out
		}
	}
}
