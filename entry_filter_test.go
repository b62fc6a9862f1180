package sembow

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
)

func TestNewEntryFilterEmpty(t *testing.T) {
	if f := NewEntryFilter(nil); f != nil {
		t.Error("an empty id list must yield a nil filter")
	}
	if f := NewEntryFilter([]EntryID{}); f != nil {
		t.Error("an empty id list must yield a nil filter")
	}
}

func TestEntryFilterEligibility(t *testing.T) {
	f := NewEntryFilter([]EntryID{1, 3, 5})
	defer ReturnEntryFilter(f)

	tests := []struct {
		id       EntryID
		eligible bool
	}{
		{1, true},
		{3, true},
		{5, true},
		{0, false},
		{2, false},
		{100, false},
	}
	for _, tt := range tests {
		if got := f.IsEligible(tt.id); got != tt.eligible {
			t.Errorf("IsEligible(%d) = %v, expected %v", tt.id, got, tt.eligible)
		}
		if got := f.ShouldSkip(tt.id); got == tt.eligible {
			t.Errorf("ShouldSkip(%d) must be the negation of IsEligible", tt.id)
		}
	}

	if f.Count() != 3 {
		t.Errorf("Count = %d, expected 3", f.Count())
	}
}

func TestNilEntryFilter(t *testing.T) {
	var f *EntryFilter
	if !f.IsEligible(42) {
		t.Error("a nil filter must let every entry through")
	}
	if f.ShouldSkip(42) {
		t.Error("a nil filter must never skip")
	}
	if f.Count() != 0 {
		t.Errorf("nil filter Count = %d, expected 0", f.Count())
	}
}

func TestEntryFilterIntersects(t *testing.T) {
	f := NewEntryFilter([]EntryID{1, 2})
	defer ReturnEntryFilter(f)

	overlapping := roaring.BitmapOf(2, 9)
	disjoint := roaring.BitmapOf(7, 9)

	if !f.intersects(overlapping) {
		t.Error("filter must intersect an overlapping word bitmap")
	}
	if f.intersects(disjoint) {
		t.Error("filter must not intersect a disjoint word bitmap")
	}
	if f.intersects(nil) || f.intersects(roaring.New()) {
		t.Error("an absent or empty word bitmap intersects nothing")
	}

	var nilFilter *EntryFilter
	if !nilFilter.intersects(overlapping) {
		t.Error("a nil filter intersects every non-empty word bitmap")
	}
	if nilFilter.intersects(nil) {
		t.Error("even a nil filter cannot intersect an absent bitmap")
	}
}

func TestEntryFilterPoolReuse(t *testing.T) {
	f := NewEntryFilter([]EntryID{7})
	ReturnEntryFilter(f)

	// A fresh filter from the pool must start from a clean slate.
	g := NewEntryFilter([]EntryID{8})
	defer ReturnEntryFilter(g)
	if g.IsEligible(7) {
		t.Error("a pooled filter must be cleared before reuse")
	}
	if !g.IsEligible(8) {
		t.Error("the reused filter must hold its new ids")
	}
}

func TestLimitResults(t *testing.T) {
	results := []Result{{Entry: 0, Score: 0.9}, {Entry: 1, Score: 0.5}, {Entry: 2, Score: 0.1}}

	tests := []struct {
		name     string
		k        int
		expected int
	}{
		{name: "zero k", k: 0, expected: 0},
		{name: "negative k", k: -1, expected: 0},
		{name: "k below length", k: 2, expected: 2},
		{name: "k equals length", k: 3, expected: 3},
		{name: "k beyond length", k: 10, expected: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := limitResults(results, tt.k)
			if len(got) != tt.expected {
				t.Errorf("limitResults(k=%d) returned %d results, expected %d", tt.k, len(got), tt.expected)
			}
		})
	}
}
