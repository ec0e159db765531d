package bus

import "math/bits"

// Word is a fixed-width device register word.
type Word interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func wordBytes[W Word]() uint64 {
	return uint64(bits.Len64(uint64(^W(0))) / 8)
}

// byteMask returns a mask covering n bytes starting at byte lane shift.
func byteMask(n, shift uint64) uint64 {
	if n >= 8 {
		return ^uint64(0)
	}
	return ((uint64(1) << (n * 8)) - 1) << (shift * 8)
}

// SplitWrite breaks a size-byte write at addr into one callback per W-sized
// word the access overlaps. Each callback receives the word-aligned address,
// the mask of bytes touched inside that word and the data positioned at its
// lanes within the word.
func SplitWrite[W Word](addr uint64, size int, data uint64, writeWord func(addr uint64, mask, word W)) {
	if size <= 0 || writeWord == nil {
		return
	}
	wb := wordBytes[W]()
	n := uint64(size)
	if n > 8 {
		n = 8
	}
	data &= byteMask(n, 0)

	// consumed counts bytes of data already handed out.
	var consumed uint64
	for cur := addr &^ (wb - 1); consumed < n; cur += wb {
		lane := uint64(0)
		if cur < addr {
			lane = addr - cur
		}
		take := wb - lane
		if take > n-consumed {
			take = n - consumed
		}
		chunk := (data >> (consumed * 8)) & byteMask(take, 0)
		writeWord(cur, W(byteMask(take, lane)), W(chunk<<(lane*8)))
		consumed += take
	}
}

// SplitRead performs a size-byte read at addr using one callback per W-sized
// word the access overlaps and reassembles the result. The callback receives
// the word-aligned address and the mask of bytes the access needs.
func SplitRead[W Word](addr uint64, size int, readWord func(addr uint64, mask W) W) uint64 {
	if size <= 0 || readWord == nil {
		return 0
	}
	wb := wordBytes[W]()
	n := uint64(size)
	if n > 8 {
		n = 8
	}

	var result, consumed uint64
	for cur := addr &^ (wb - 1); consumed < n; cur += wb {
		lane := uint64(0)
		if cur < addr {
			lane = addr - cur
		}
		take := wb - lane
		if take > n-consumed {
			take = n - consumed
		}
		mask := byteMask(take, lane)
		word := uint64(readWord(cur, W(mask))) & mask
		result |= (word >> (lane * 8)) << (consumed * 8)
		consumed += take
	}
	return result
}
