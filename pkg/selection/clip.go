// pkg/selection/clip.go
package selection

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Clip copies the overlap of srcBox and dstBox from src into dst.
//
// dst holds the elements of dstBox in row-major order. src holds the
// elements of srcBox in row-major order starting at linear index srcFirst,
// so a partial span of a block can be clipped without materializing the
// whole block. It returns the number of bytes written.
func Clip(dst []byte, dstBox Box, src []byte, srcBox Box, srcFirst uint64, elemSize int) (int, error) {
	overlap, ok := Intersect(dstBox, srcBox)
	if !ok {
		return 0, nil
	}
	if uint64(len(dst)) < dstBox.Elements()*uint64(elemSize) {
		return 0, status.Errorf(codes.InvalidArgument, "destination of %d bytes is too small for box %v", len(dst), dstBox)
	}
	first, last := Span(srcBox, overlap)
	if first < srcFirst || (last-srcFirst+1)*uint64(elemSize) > uint64(len(src)) {
		return 0, status.Errorf(codes.DataLoss, "source span [%d,%d] not covered by %d bytes from element %d",
			first, last, len(src), srcFirst)
	}

	dims := overlap.Dims()
	run := uint64(1)
	if dims > 0 {
		run = overlap.Count[dims-1]
	}
	runBytes := int(run) * elemSize

	// point walks the overlap row by row; the last dimension is copied whole.
	point := append([]uint64(nil), overlap.Start...)
	written := 0
	for {
		so := int(srcBox.Linear(point)-srcFirst) * elemSize
		do := int(dstBox.Linear(point)) * elemSize
		written += copy(dst[do:do+runBytes], src[so:so+runBytes])

		d := dims - 2
		for ; d >= 0; d-- {
			point[d]++
			if point[d] < overlap.Start[d]+overlap.Count[d] {
				break
			}
			point[d] = overlap.Start[d]
		}
		if d < 0 {
			return written, nil
		}
	}
}
