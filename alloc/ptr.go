package alloc

import "unsafe"

// blockOffset reports the byte offset of data within mem's backing
// array, if data aliases memory inside mem.
func blockOffset(mem []byte, data []byte) (int, bool) {
	if len(mem) == 0 || len(data) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	ptr := uintptr(unsafe.Pointer(&data[0]))
	end := base + uintptr(len(mem))
	if ptr < base || ptr >= end {
		return 0, false
	}
	return int(ptr - base), true
}
