package rangeaddr

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b Range
		want Relation
	}{
		{New(0, 10), New(10, 10), LT},
		{New(10, 10), New(0, 10), GT},
		{New(0, 10), New(0, 10), EQ},
		{New(0, 10), New(5, 10), Intersect},
		{New(5, 10), New(0, 10), Intersect},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Errorf("Compare(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestContainsPtr(t *testing.T) {
	r := New(100, 16)
	if !r.ContainsPtr(100) || !r.ContainsPtr(115) {
		t.Errorf("expected 100 and 115 in %v", r)
	}
	if r.ContainsPtr(116) || r.ContainsPtr(99) {
		t.Errorf("expected 99 and 116 outside %v", r)
	}
}

func TestPageRange(t *testing.T) {
	const page = 4096
	r := PageRange(New(4097, 4096*2-2), page)
	if r.Start != 4096 {
		t.Errorf("start = %#x, want 0x1000", r.Start)
	}
	if r.End != 4096*3 {
		t.Errorf("end = %#x, want 0x3000", r.End)
	}
}

func TestPageRangeSinglePage(t *testing.T) {
	const page = 4096
	r := PageRange(New(10, 20), page)
	if r.Start != 0 || r.End != page {
		t.Errorf("got %v, want one page", r)
	}
}
