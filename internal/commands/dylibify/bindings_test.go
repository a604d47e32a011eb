package dylibify

import (
	"bytes"
	"testing"
)

// collectOrdinals walks a bind opcode stream and returns every non-special
// SET_DYLIB ordinal it encounters, in order.
func collectOrdinals(t *testing.T, data []byte) []int {
	t.Helper()
	var ords []int
	for i := 0; i < len(data); {
		b := data[i]
		opcode := b & bindOpcodeMask
		imm := int(b & bindImmediateMask)
		i++
		switch opcode {
		case bindOpcodeSetDylibOrdinalImm:
			ords = append(ords, imm)
		case bindOpcodeSetDylibOrdinalULEB:
			v, n, err := readULEB(data[i:])
			if err != nil {
				t.Fatal(err)
			}
			ords = append(ords, int(v))
			i += n
		case bindOpcodeSetSymbolTrailingFlagsImm:
			for i < len(data) && data[i] != 0 {
				i++
			}
			i++
		case bindOpcodeSetAddendSLEB,
			bindOpcodeSetSegmentAndOffsetULEB,
			bindOpcodeAddAddrULEB,
			bindOpcodeDoBindAddAddrULEB:
			n, err := lebLen(data[i:])
			if err != nil {
				t.Fatal(err)
			}
			i += n
		case bindOpcodeDoBindULEBTimesSkippingULEB:
			for range 2 {
				n, err := lebLen(data[i:])
				if err != nil {
					t.Fatal(err)
				}
				i += n
			}
		}
	}
	return ords
}

func TestRemapBindOrdinalsImm(t *testing.T) {
	// SET_DYLIB_ORDINAL_IMM(2), DO_BIND
	stream := []byte{0x12, 0x90}
	out, err := remapBindOrdinals(stream, map[int]int{2: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(stream) {
		t.Fatalf("stream length changed: %d -> %d", len(stream), len(out))
	}
	if got := collectOrdinals(t, out); len(got) != 1 || got[0] != 1 {
		t.Errorf("got ordinals %v, want [1]", got)
	}
}

func TestRemapBindOrdinalsImmGrowsToULEB(t *testing.T) {
	// the stub lands past the IMM range; the trailing DONE absorbs the
	// extra ULEB byte
	stream := []byte{0x12, 0x90, 0x00}
	out, err := remapBindOrdinals(stream, map[int]int{2: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(stream) {
		t.Fatalf("stream length changed: %d -> %d", len(stream), len(out))
	}
	if got := collectOrdinals(t, out); len(got) != 1 || got[0] != 20 {
		t.Errorf("got ordinals %v, want [20]", got)
	}
}

func TestRemapBindOrdinalsGrowthOverflows(t *testing.T) {
	// no slack: growing IMM into ULEB can't fit
	stream := []byte{0x12, 0x90}
	if _, err := remapBindOrdinals(stream, map[int]int{2: 20}); err == nil {
		t.Error("expected an error when the rewritten stream outgrows its allocation")
	}
}

func TestRemapBindOrdinalsULEBKeepsWidth(t *testing.T) {
	// SET_DYLIB_ORDINAL_ULEB with a continuation-padded operand
	stream := []byte{0x20, 0x85, 0x00, 0x90}
	out, err := remapBindOrdinals(stream, map[int]int{5: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(stream) {
		t.Fatalf("stream length changed: %d -> %d", len(stream), len(out))
	}
	if got := collectOrdinals(t, out); len(got) != 1 || got[0] != 2 {
		t.Errorf("got ordinals %v, want [2]", got)
	}
}

func TestRemapBindOrdinalsSpecialImmPreserved(t *testing.T) {
	// SET_DYLIB_SPECIAL_IMM(-2) must survive byte for byte, even with an
	// empty remap
	stream := []byte{0x3e, 0x90}
	out, err := remapBindOrdinals(stream, map[int]int{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, stream) {
		t.Errorf("special ordinal was rewritten: %x -> %x", stream, out)
	}
}

func TestRemapBindOrdinalsUnmappedOrdinal(t *testing.T) {
	stream := []byte{0x11, 0x90}
	if _, err := remapBindOrdinals(stream, map[int]int{}); err == nil {
		t.Error("expected an error for an ordinal with no image after rewrite")
	}
}

func TestRemapBindOrdinalsSymbolNamesOpaque(t *testing.T) {
	// a symbol name containing 0x12 must not be mistaken for an opcode
	stream := []byte{
		0x40, '_', 0x12, 'f', 0x00, // SET_SYMBOL_TRAILING_FLAGS_IMM(0) "_\x12f"
		0x11,       // SET_DYLIB_ORDINAL_IMM(1)
		0x72, 0x08, // SET_SEGMENT_AND_OFFSET_ULEB(2, 8)
		0x90, // DO_BIND
	}
	out, err := remapBindOrdinals(stream, map[int]int{1: 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := collectOrdinals(t, out); len(got) != 1 || got[0] != 3 {
		t.Errorf("got ordinals %v, want [3]", got)
	}
	if !bytes.Equal(out[:5], stream[:5]) {
		t.Errorf("symbol name bytes were rewritten: %x -> %x", stream[:5], out[:5])
	}
}

func TestRemapBindOrdinalsLazyStream(t *testing.T) {
	// lazy bind streams are entry-per-symbol with DONE separators; the walk
	// must continue past each one
	stream := []byte{
		0x11, 0x90, 0x00,
		0x12, 0x90, 0x00,
	}
	out, err := remapBindOrdinals(stream, map[int]int{1: 1, 2: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := collectOrdinals(t, out); len(got) != 2 || got[0] != 1 || got[1] != 1 {
		t.Errorf("got ordinals %v, want [1 1]", got)
	}
}

func TestULEBPaddedRoundTrip(t *testing.T) {
	tests := []struct {
		v     uint64
		width int
	}{
		{v: 1, width: 1},
		{v: 1, width: 2},
		{v: 5, width: 3},
		{v: 200, width: 2},
		{v: 300, width: 2},
	}
	for _, tt := range tests {
		enc := appendULEBPadded(nil, tt.v, tt.width)
		if len(enc) < tt.width {
			t.Errorf("appendULEBPadded(%d, %d) produced %d bytes", tt.v, tt.width, len(enc))
		}
		got, n, err := readULEB(enc)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.v || n != len(enc) {
			t.Errorf("round trip of %d (width %d) gave %d (%d bytes)", tt.v, tt.width, got, n)
		}
	}
}
