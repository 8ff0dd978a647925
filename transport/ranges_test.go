package transport

import "testing"

func TestRangeSetCoalesces(t *testing.T) {
	var r rangeSet
	for _, n := range []uint64{1, 2, 4, 5, 6, 3} {
		r.pushItem(n)
	}
	if len(r.ranges) != 1 {
		t.Fatalf("got %d ranges, want 1: %+v", len(r.ranges), r.ranges)
	}
	if r.ranges[0] != (pktRange{start: 1, end: 6}) {
		t.Fatalf("got range %+v, want [1,6]", r.ranges[0])
	}
}

func TestRangeSetDisjoint(t *testing.T) {
	var r rangeSet
	r.pushItem(1)
	r.pushItem(5)
	r.pushItem(9)
	if len(r.ranges) != 3 {
		t.Fatalf("got %d ranges, want 3: %+v", len(r.ranges), r.ranges)
	}
	first, ok := r.First()
	if !ok || first != 1 {
		t.Fatalf("First() = %d, %v, want 1, true", first, ok)
	}
	last, ok := r.Last()
	if !ok || last != 9 {
		t.Fatalf("Last() = %d, %v, want 9, true", last, ok)
	}
}

func TestRangeSetRemoveUntil(t *testing.T) {
	var r rangeSet
	for _, n := range []uint64{1, 2, 3, 7, 8} {
		r.pushItem(n)
	}
	r.RemoveUntil(2)
	if r.Empty() {
		t.Fatal("expected ranges to remain")
	}
	first, _ := r.First()
	if first != 3 {
		t.Fatalf("First() = %d, want 3", first)
	}
}

func TestRangeSetClearAndEmpty(t *testing.T) {
	var r rangeSet
	if !r.Empty() {
		t.Fatal("new rangeSet should be empty")
	}
	r.pushItem(1)
	if r.Empty() {
		t.Fatal("rangeSet with an item should not be empty")
	}
	r.Clear()
	if !r.Empty() {
		t.Fatal("Clear should empty the set")
	}
}
