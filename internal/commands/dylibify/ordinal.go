package dylibify

import "github.com/blacktop/go-macho/types"

// GetLibraryOrdinal returns the library ordinal packed into the upper byte
// of a classic symbol's n_desc field.
func GetLibraryOrdinal(desc uint16) uint8 {
	return uint8(desc >> 8)
}

// SetLibraryOrdinal packs ord into the upper byte of desc, preserving the
// reference flags in the low byte.
func SetLibraryOrdinal(desc uint16, ord uint8) uint16 {
	return (desc & 0x00FF) | (uint16(ord) << 8)
}

// sentinelOrdinal reports whether ord is one of the three reserved ordinals
// (self, dynamic-lookup, main-executable) dyld never resolves through the
// dependency list. Sentinels are never remapped.
func sentinelOrdinal(ord uint8) bool {
	switch ord {
	case uint8(types.SELF_LIBRARY_ORDINAL),
		uint8(types.DYNAMIC_LOOKUP_ORDINAL),
		uint8(types.EXECUTABLE_ORDINAL):
		return true
	}
	return false
}
