package coherence

import (
	"fmt"

	"github.com/hanwen/uvmc/model"
	"github.com/hanwen/uvmc/rangeaddr"
	"github.com/hanwen/uvmc/stats"
)

// subrangeSplit splits r into 1-3 sub-ranges at page boundaries, as
// spec.md section 4.3 step 1 describes: the leading and trailing
// pieces may be page-unaligned, the (optional) middle piece is always
// whole pages.
func subrangeSplit(r rangeaddr.Range, pageSize uintptr) []rangeaddr.Range {
	firstPageEnd := rangeaddr.PageAlignUp(r.Start, pageSize)
	if firstPageEnd > r.End {
		firstPageEnd = r.End
	}
	lastPageStart := rangeaddr.PageAlignDown(r.End, pageSize)
	if lastPageStart < r.Start {
		lastPageStart = r.Start
	}

	var out []rangeaddr.Range
	if firstPageEnd > r.Start {
		out = append(out, rangeaddr.Range{Start: r.Start, End: firstPageEnd})
	}
	if lastPageStart > firstPageEnd {
		out = append(out, rangeaddr.Range{Start: firstPageEnd, End: lastPageStart})
	}
	if r.End > lastPageStart && lastPageStart >= firstPageEnd {
		out = append(out, rangeaddr.Range{Start: lastPageStart, End: r.End})
	}
	if len(out) == 0 {
		out = append(out, r)
	}
	return out
}

// allocateHostArray implements spec.md section 4.3: split [r.Start,
// r.End) at page boundaries into 1-3 sub-ranges, materialize a
// Subregion for each (creating or reusing the covering Region), and
// wire the result into a fresh HostArray. Must be called with e.mu
// held for writing.
func (e *Engine) allocateHostArray(r rangeaddr.Range) (*model.HostArray, error) {
	array := model.NewHostArray(r)

	for _, sub := range subrangeSplit(r, e.pageSize) {
		s, err := e.subregionAlloc(array, sub)
		if err != nil {
			e.freeHostArrayLocked(array)
			return nil, err
		}
		array.AppendSubregion(s)
	}
	return array, nil
}

// subregionAlloc inserts sub into the Region covering its pages,
// creating that Region first if none yet covers it.
func (e *Engine) subregionAlloc(array *model.HostArray, sub rangeaddr.Range) (*model.Subregion, error) {
	pageRange := rangeaddr.PageRange(sub, e.pageSize)

	reg := e.store.LookupRange(pageRange)
	if reg == nil {
		reg = model.NewRegion(pageRange)
		if err := e.store.Insert(reg); err != nil {
			return nil, fmt.Errorf("coherence: %w", err)
		}
		e.stats.Add(stats.ParamRegions, 1)
	} else if reg.Range != pageRange {
		return nil, fmt.Errorf("coherence: sub-range %v is not covered by exactly one page-aligned region (found %v)", sub, reg.Range)
	}

	s, err := model.NewSubregion(e.arena, sub)
	if err != nil {
		if reg.Empty() {
			e.store.Delete(reg)
			e.stats.Add(stats.ParamRegions, -1)
		}
		return nil, err
	}

	if err := reg.InsertSubregion(s); err != nil {
		s.Free(e.arena)
		if reg.Empty() {
			e.store.Delete(reg)
			e.stats.Add(stats.ParamRegions, -1)
		}
		return nil, fmt.Errorf("coherence: %w", err)
	}
	s.Region = reg
	return s, nil
}

// freeHostArrayLocked tears down every subregion of h, releasing any
// Region that becomes empty. A region emptied (or left with only
// host-actual subregions) by the removal has its protection dropped
// first: with the no-sync-back option this discards the device image
// and re-exposes the host's last (possibly stale) bytes, which is the
// documented unlink-without-flush behavior. A region keeping some
// other array's device-dirty subregion stays protected. Must be
// called with e.mu held for writing.
func (e *Engine) freeHostArrayLocked(h *model.HostArray) {
	regions := make(map[*model.Region]bool)
	for _, s := range h.Subregions() {
		reg := s.Region
		reg.RemoveSubregion(s)
		regions[reg] = true
		s.Free(e.arena)
	}
	h.ClearSubregions()

	for reg := range regions {
		allActual := true
		for _, s := range reg.Subregions() {
			if !s.ActualHost() {
				allActual = false
				break
			}
		}
		if allActual {
			if err := e.applyProtection(reg, model.ProtReadWrite); err != nil {
				e.debugf("unprotect %v during teardown: %v", reg.Range, err)
			}
		}
		if reg.Empty() {
			e.store.Delete(reg)
			e.stats.Add(stats.ParamRegions, -1)
		}
	}
}
