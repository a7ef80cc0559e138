package region

import (
	"testing"

	"github.com/hanwen/uvmc/model"
	"github.com/hanwen/uvmc/rangeaddr"
)

func mkRegion(start, end uintptr) *model.Region {
	return model.NewRegion(rangeaddr.Range{Start: start, End: end})
}

func TestInsertLookup(t *testing.T) {
	s := New()
	regions := []*model.Region{
		mkRegion(0x8000, 0xa000),
		mkRegion(0x1000, 0x3000),
		mkRegion(0x5000, 0x6000),
		mkRegion(0xc000, 0x10000),
	}
	for _, r := range regions {
		if err := s.Insert(r); err != nil {
			t.Fatalf("Insert(%v): %v", r.Range, err)
		}
	}

	for _, r := range regions {
		if got := s.Lookup(r.Range.Start); got != r {
			t.Errorf("Lookup(%#x) = %v, want %v", r.Range.Start, got, r)
		}
		if got := s.Lookup(r.Range.End - 1); got != r {
			t.Errorf("Lookup(%#x) = %v, want %v", r.Range.End-1, got, r)
		}
		if got := s.Lookup(r.Range.End); got == r {
			t.Errorf("Lookup(%#x) hit %v past its end", r.Range.End, r)
		}
	}
	if got := s.Lookup(0x4000); got != nil {
		t.Errorf("Lookup(0x4000) = %v, want nil", got)
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	s := New()
	if err := s.Insert(mkRegion(0x1000, 0x3000)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for _, bad := range []*model.Region{
		mkRegion(0x1000, 0x3000), // EQ
		mkRegion(0x2000, 0x4000), // INT
		mkRegion(0x0, 0x2000),    // INT
	} {
		if err := s.Insert(bad); err == nil {
			t.Errorf("Insert(%v) succeeded, want overlap error", bad.Range)
		}
	}
}

func TestLookupRange(t *testing.T) {
	s := New()
	r := mkRegion(0x2000, 0x4000)
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := s.LookupRange(rangeaddr.Range{Start: 0x3000, End: 0x5000}); got != r {
		t.Errorf("LookupRange intersecting = %v, want %v", got, r)
	}
	if got := s.LookupRange(rangeaddr.Range{Start: 0x4000, End: 0x5000}); got != nil {
		t.Errorf("LookupRange disjoint = %v, want nil", got)
	}
}

func TestDelete(t *testing.T) {
	s := New()
	var regions []*model.Region
	// Insertion order chosen to produce a node with two children, so
	// Delete exercises the in-order-successor splice.
	for _, bounds := range [][2]uintptr{
		{0x8000, 0x9000},
		{0x4000, 0x5000},
		{0xc000, 0xd000},
		{0x2000, 0x3000},
		{0x6000, 0x7000},
		{0xa000, 0xb000},
		{0xe000, 0xf000},
	} {
		r := mkRegion(bounds[0], bounds[1])
		regions = append(regions, r)
		if err := s.Insert(r); err != nil {
			t.Fatalf("Insert(%v): %v", r.Range, err)
		}
	}

	for i, victim := range regions {
		s.Delete(victim)
		if got := s.Lookup(victim.Range.Start); got != nil {
			t.Fatalf("after Delete(%v): Lookup still returns %v", victim.Range, got)
		}
		for _, rest := range regions[i+1:] {
			if got := s.Lookup(rest.Range.Start); got != rest {
				t.Fatalf("after Delete(%v): lost %v", victim.Range, rest.Range)
			}
		}
	}
}

func TestWalkOrder(t *testing.T) {
	s := New()
	starts := []uintptr{0x9000, 0x1000, 0x5000, 0x3000, 0x7000}
	for _, st := range starts {
		if err := s.Insert(mkRegion(st, st+0x1000)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	var got []uintptr
	s.Walk(func(r *model.Region) { got = append(got, r.Range.Start) })
	want := []uintptr{0x1000, 0x3000, 0x5000, 0x7000, 0x9000}
	if len(got) != len(want) {
		t.Fatalf("Walk visited %d regions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Walk[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}
