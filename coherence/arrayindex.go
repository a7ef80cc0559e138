package coherence

import (
	"sort"

	"github.com/hanwen/uvmc/model"
	"github.com/hanwen/uvmc/rangeaddr"
)

// arrayIndex is a sorted-slice index of live HostArrays, keyed by
// start address. go-fuse resolves guest addresses the same way
// (vhostuser/device.go:findRegionByGuestAddr uses sort.Search over a
// slice sorted by base address); host-arrays are created/destroyed
// only by explicit link/unlink calls, so the O(n) insert/delete this
// implies is an acceptable trade for reusing the teacher's simpler
// lookup shape (see the region package doc for why regions use a
// BST instead).
type arrayIndex struct {
	arrays []*model.HostArray // sorted by Range.Start
}

func (idx *arrayIndex) insert(a *model.HostArray) {
	i := sort.Search(len(idx.arrays), func(i int) bool { return idx.arrays[i].Range.Start >= a.Range.Start })
	idx.arrays = append(idx.arrays, nil)
	copy(idx.arrays[i+1:], idx.arrays[i:])
	idx.arrays[i] = a
}

func (idx *arrayIndex) remove(a *model.HostArray) {
	for i, cur := range idx.arrays {
		if cur == a {
			idx.arrays = append(idx.arrays[:i], idx.arrays[i+1:]...)
			return
		}
	}
}

// findContaining returns the HostArray whose range contains ptr, or
// nil.
func (idx *arrayIndex) findContaining(ptr uintptr) *model.HostArray {
	i := sort.Search(len(idx.arrays), func(i int) bool { return idx.arrays[i].Range.Start > ptr })
	if i == 0 {
		return nil
	}
	a := idx.arrays[i-1]
	if a.Range.ContainsPtr(ptr) {
		return a
	}
	return nil
}

// findExact returns the HostArray whose range exactly equals r, or
// nil.
func (idx *arrayIndex) findExact(r rangeaddr.Range) *model.HostArray {
	for _, a := range idx.arrays {
		if rangeaddr.Compare(a.Range, r) == rangeaddr.EQ {
			return a
		}
	}
	return nil
}

// findIntersecting returns a HostArray whose range intersects
// (without being equal to) r, or nil.
func (idx *arrayIndex) findIntersecting(r rangeaddr.Range) *model.HostArray {
	for _, a := range idx.arrays {
		if rangeaddr.Compare(a.Range, r) == rangeaddr.Intersect {
			return a
		}
	}
	return nil
}
