// pkg/schedule/schedule.go
package schedule

import (
	"sort"

	"insitu/pkg/catalog"
	"insitu/pkg/comm"
	"insitu/pkg/selection"
)

// Request asks for the Box region of Variable. Dest receives the region in
// row-major order and must hold Box.Elements() elements.
type Request struct {
	Variable string
	Box      selection.Box
	Dest     []byte
}

// Entry is one block-sized piece of a request.
//
// Offset and Length locate the bytes from the first to the last element of
// IntersectionBox inside the writer's data. Before normalization Offset is
// relative to the writer's whole step buffer and BlockOffset holds the start
// of the block's payload; afterwards both are payload-relative and
// BlockOffset is zero.
type Entry struct {
	Variable        string
	Type            catalog.ElementType
	BlockBox        selection.Box
	IntersectionBox selection.Box
	Offset          uint64
	Length          uint64
	BlockOffset     uint64

	// Request indexes the reader's request list; it never leaves the reader.
	Request int
}

// Schedule holds the entries for each writer, keyed by writer group rank.
type Schedule map[int][]Entry

// Len is the total number of entries.
func (s Schedule) Len() int {
	n := 0
	for _, entries := range s {
		n += len(entries)
	}
	return n
}

// Writers returns the writer indices with at least one entry, ascending.
func (s Schedule) Writers() []int {
	out := make([]int, 0, len(s))
	for w, entries := range s {
		if len(entries) > 0 {
			out = append(out, w)
		}
	}
	sort.Ints(out)
	return out
}

// Build resolves requests against the blocks in io. Requests are processed
// grouped by variable name; compound variables are skipped.
func Build(io *catalog.IO, reqs []Request) (Schedule, error) {
	order := make([]int, len(reqs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return reqs[order[a]].Variable < reqs[order[b]].Variable })

	s := make(Schedule)
	for _, ri := range order {
		req := reqs[ri]
		v := io.InquireVariable(req.Variable)
		if v == nil {
			return nil, comm.ProtocolViolation("requested variable %q is not in the catalog of %q", req.Variable, io.Name)
		}
		if !v.Type.Scalar() {
			continue
		}
		if err := req.Box.Validate(); err != nil {
			return nil, err
		}
		if req.Box.Dims() != len(v.Shape) {
			return nil, comm.ProtocolViolation("request %v has %d dimensions, variable %q has %d",
				req.Box, req.Box.Dims(), req.Variable, len(v.Shape))
		}
		elem := uint64(v.Type.Size())
		for _, b := range v.Blocks {
			inter, ok := selection.Intersect(req.Box, b.Box)
			if !ok {
				continue
			}
			first, last := selection.Span(b.Box, inter)
			s[b.Writer] = append(s[b.Writer], Entry{
				Variable:        v.Name,
				Type:            v.Type,
				BlockBox:        b.Box,
				IntersectionBox: inter,
				Offset:          b.PayloadOffset + first*elem,
				Length:          (last - first + 1) * elem,
				BlockOffset:     b.PayloadOffset,
				Request:         ri,
			})
		}
	}
	return s, nil
}

// NormalizeOffsets makes every offset relative to its block's payload and
// returns the number of entries. Running it twice changes nothing.
func NormalizeOffsets(s Schedule) int {
	n := 0
	for _, entries := range s {
		for i := range entries {
			entries[i].Offset -= entries[i].BlockOffset
			entries[i].BlockOffset = 0
			n++
		}
	}
	return n
}

// SerializePerWriter encodes one schedule per writer rank in [0, writers).
// Writers without entries get an empty schedule.
func SerializePerWriter(s Schedule, writers int) [][]byte {
	out := make([][]byte, writers)
	for w := range out {
		out[w] = Encode(s[w])
	}
	return out
}
