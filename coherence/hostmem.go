package coherence

import (
	"unsafe"

	"github.com/hanwen/uvmc/rangeaddr"
)

// hostBytes reinterprets a host address range as a byte slice, for
// host->device uploads of ranges whose region is unprotected (the
// settle path reads protected bytes through the fault transport
// instead; see fault.HostBytes for the conversion's rationale).
func hostBytes(r rangeaddr.Range) []byte {
	n := r.Len()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r.Start)), int(n))
}
