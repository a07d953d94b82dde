package selection

import (
	"testing"
)

func TestIntersect(t *testing.T) {
	a := NewBox([]uint64{0, 0}, []uint64{4, 6})
	b := NewBox([]uint64{2, 3}, []uint64{4, 4})

	got, ok := Intersect(a, b)
	if !ok {
		t.Fatal("boxes should overlap")
	}
	want := NewBox([]uint64{2, 3}, []uint64{2, 3})
	if !got.Equal(want) {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
	if !Contains(a, got) || !Contains(b, got) {
		t.Errorf("intersection %v not contained in both inputs", got)
	}

	c := NewBox([]uint64{4, 0}, []uint64{1, 6})
	if _, ok := Intersect(a, c); ok {
		t.Error("touching boxes should not overlap")
	}
	if _, ok := Intersect(a, NewBox([]uint64{0}, []uint64{1})); ok {
		t.Error("boxes of different rank should not overlap")
	}
}

func TestSpanAndContiguous(t *testing.T) {
	block := NewBox([]uint64{10, 0}, []uint64{3, 4})

	tests := []struct {
		inner      Box
		first      uint64
		last       uint64
		contiguous bool
	}{
		{NewBox([]uint64{10, 0}, []uint64{3, 4}), 0, 11, true},
		{NewBox([]uint64{11, 0}, []uint64{2, 4}), 4, 11, true},
		{NewBox([]uint64{11, 1}, []uint64{1, 2}), 5, 6, true},
		{NewBox([]uint64{10, 1}, []uint64{2, 2}), 1, 6, false},
	}
	for _, tt := range tests {
		first, last := Span(block, tt.inner)
		if first != tt.first || last != tt.last {
			t.Errorf("Span(%v) = [%d,%d], want [%d,%d]", tt.inner, first, last, tt.first, tt.last)
		}
		if got := Contiguous(block, tt.inner); got != tt.contiguous {
			t.Errorf("Contiguous(%v) = %v, want %v", tt.inner, got, tt.contiguous)
		}
	}
}

func TestClipWritesOnlyOverlap(t *testing.T) {
	// 4x4 source block whose elements are their own linear index
	srcBox := NewBox([]uint64{0, 0}, []uint64{4, 4})
	src := make([]byte, 16)
	for i := range src {
		src[i] = byte(i + 1)
	}

	// 3x3 destination hanging off the bottom right corner
	dstBox := NewBox([]uint64{2, 2}, []uint64{3, 3})
	dst := make([]byte, 9)

	n, err := Clip(dst, dstBox, src, srcBox, 0, 1)
	if err != nil {
		t.Fatalf("Clip failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Clip wrote %d bytes, want 4", n)
	}
	want := []byte{11, 12, 0, 15, 16, 0, 0, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}
}

func TestClipFromPartialSpan(t *testing.T) {
	srcBox := NewBox([]uint64{0, 0}, []uint64{3, 3})
	overlap := NewBox([]uint64{1, 1}, []uint64{2, 2})
	first, last := Span(srcBox, overlap)

	// only elements [first, last] travel, two bytes each
	span := make([]byte, 0, (last-first+1)*2)
	for i := first; i <= last; i++ {
		span = append(span, byte(i), 0xff)
	}

	dst := make([]byte, 8)
	if _, err := Clip(dst, overlap, span, srcBox, first, 2); err != nil {
		t.Fatalf("Clip failed: %v", err)
	}
	want := []byte{4, 0xff, 5, 0xff, 7, 0xff, 8, 0xff}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}

	if _, err := Clip(dst, overlap, span[:4], srcBox, first, 2); err == nil {
		t.Error("Clip should reject a short source span")
	}
}

func TestScalarBox(t *testing.T) {
	var scalar Box
	if scalar.Elements() != 1 || scalar.Empty() {
		t.Fatalf("scalar box elements = %d", scalar.Elements())
	}
	dst := make([]byte, 4)
	if _, err := Clip(dst, scalar, []byte{1, 2, 3, 4}, scalar, 0, 4); err != nil {
		t.Fatalf("Clip failed: %v", err)
	}
	if dst[3] != 4 {
		t.Errorf("scalar clip = %v", dst)
	}
}
