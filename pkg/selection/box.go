// pkg/selection/box.go
package selection

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Box is an n-dimensional region: Start is the corner, Count the extent along
// each dimension. A box with no dimensions is a single scalar element.
type Box struct {
	Start []uint64
	Count []uint64
}

// NewBox copies start and count into a Box.
func NewBox(start, count []uint64) Box {
	return Box{
		Start: append([]uint64(nil), start...),
		Count: append([]uint64(nil), count...),
	}
}

func (b Box) Dims() int { return len(b.Count) }

// Elements is the number of elements inside the box.
func (b Box) Elements() uint64 {
	n := uint64(1)
	for _, c := range b.Count {
		n *= c
	}
	return n
}

// Empty reports whether the box holds no elements.
func (b Box) Empty() bool { return b.Dims() > 0 && b.Elements() == 0 }

func (b Box) Validate() error {
	if len(b.Start) != len(b.Count) {
		return status.Errorf(codes.InvalidArgument, "box has %d start and %d count dimensions", len(b.Start), len(b.Count))
	}
	return nil
}

func (b Box) String() string { return fmt.Sprintf("{start:%v count:%v}", b.Start, b.Count) }

func (b Box) Equal(o Box) bool {
	if len(b.Start) != len(o.Start) || len(b.Count) != len(o.Count) {
		return false
	}
	for i := range b.Start {
		if b.Start[i] != o.Start[i] || b.Count[i] != o.Count[i] {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of a and b, and false when they do not
// overlap or have different dimensionality.
func Intersect(a, b Box) (Box, bool) {
	if a.Dims() != b.Dims() {
		return Box{}, false
	}
	out := Box{Start: make([]uint64, a.Dims()), Count: make([]uint64, a.Dims())}
	for d := 0; d < a.Dims(); d++ {
		lo := max(a.Start[d], b.Start[d])
		hi := min(a.Start[d]+a.Count[d], b.Start[d]+b.Count[d])
		if hi <= lo {
			return Box{}, false
		}
		out.Start[d] = lo
		out.Count[d] = hi - lo
	}
	return out, true
}

// Contains reports whether inner lies entirely within outer.
func Contains(outer, inner Box) bool {
	if outer.Dims() != inner.Dims() {
		return false
	}
	for d := 0; d < outer.Dims(); d++ {
		if inner.Start[d] < outer.Start[d] ||
			inner.Start[d]+inner.Count[d] > outer.Start[d]+outer.Count[d] {
			return false
		}
	}
	return true
}

// strides returns the row-major element strides of b.
func (b Box) strides() []uint64 {
	s := make([]uint64, b.Dims())
	acc := uint64(1)
	for d := b.Dims() - 1; d >= 0; d-- {
		s[d] = acc
		acc *= b.Count[d]
	}
	return s
}

// Linear is the row-major index of the global point p inside b.
func (b Box) Linear(p []uint64) uint64 {
	var idx uint64
	for d, s := range b.strides() {
		idx += (p[d] - b.Start[d]) * s
	}
	return idx
}

// Span returns the row-major linear indices of the first and last element of
// inner within outer. inner must be non-empty and contained in outer.
func Span(outer, inner Box) (first, last uint64) {
	end := make([]uint64, inner.Dims())
	for d := range end {
		end[d] = inner.Start[d] + inner.Count[d] - 1
	}
	return outer.Linear(inner.Start), outer.Linear(end)
}

// Contiguous reports whether inner occupies one unbroken run of elements in
// the row-major layout of outer.
func Contiguous(outer, inner Box) bool {
	if !Contains(outer, inner) || inner.Empty() {
		return false
	}
	first, last := Span(outer, inner)
	return last-first+1 == inner.Elements()
}
