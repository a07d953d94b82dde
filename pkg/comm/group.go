// pkg/comm/group.go
package comm

import (
	"context"
	"fmt"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Group is an ordered subset of the global ranks that runs collectives
// together. Local rank i is members[i].
type Group struct {
	t       Transport
	members []int
	rank    int
	tagBase Tag
}

// NewGroup builds the group view of t. Every member must pass the same
// members and tagBase; groups that share processes need distinct tag bases.
func NewGroup(t Transport, members []int, tagBase Tag) (*Group, error) {
	sorted := append([]int(nil), members...)
	sort.Ints(sorted)
	rank := -1
	for i, m := range sorted {
		if i > 0 && sorted[i-1] == m {
			return nil, status.Errorf(codes.InvalidArgument, "rank %d listed twice in group", m)
		}
		if m == t.Rank() {
			rank = i
		}
	}
	if rank < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d is not a member of group %v", t.Rank(), sorted)
	}
	return &Group{t: t, members: sorted, rank: rank, tagBase: tagBase}, nil
}

// World is the group of every rank of t.
func World(t Transport) *Group {
	members := make([]int, t.Size())
	for i := range members {
		members[i] = i
	}
	return &Group{t: t, members: members, rank: t.Rank()}
}

func (g *Group) Rank() int            { return g.rank }
func (g *Group) Size() int            { return len(g.members) }
func (g *Group) Global(local int) int { return g.members[local] }
func (g *Group) Members() []int       { return append([]int(nil), g.members...) }
func (g *Group) Transport() Transport { return g.t }

// Bcast copies root's buf into buf on every other member. Non-root members
// must size buf to the broadcast length beforehand.
func (g *Group) Bcast(ctx context.Context, root int, buf []byte) error {
	if root < 0 || root >= len(g.members) {
		return status.Errorf(codes.InvalidArgument, "broadcast root %d out of range [0,%d)", root, len(g.members))
	}
	tag := tagBcast + g.tagBase
	if g.rank != root {
		r := g.t.Irecv(g.members[root], tag, buf)
		if err := r.Wait(ctx); err != nil {
			return fmt.Errorf("broadcast from %d: %w", root, err)
		}
		if r.Len() != len(buf) {
			return status.Errorf(codes.DataLoss, "broadcast from %d delivered %d of %d bytes", root, r.Len(), len(buf))
		}
		return nil
	}
	reqs := make([]*Request, 0, len(g.members)-1)
	for i, m := range g.members {
		if i == root {
			continue
		}
		reqs = append(reqs, g.t.Isend(ctx, m, tag, buf))
	}
	return WaitAll(ctx, reqs)
}

// BcastUint64 broadcasts one length from root.
func (g *Group) BcastUint64(ctx context.Context, root int, v uint64) (uint64, error) {
	b := EncodeUint64(v)
	if err := g.Bcast(ctx, root, b); err != nil {
		return 0, err
	}
	return DecodeUint64(b)
}

// AllGather exchanges one byte string per member; the result is indexed by
// local rank.
func (g *Group) AllGather(ctx context.Context, b []byte) ([][]byte, error) {
	tag := tagGather + g.tagBase
	out := make([][]byte, len(g.members))
	out[g.rank] = append([]byte(nil), b...)

	sends := make([]*Request, 0, len(g.members)-1)
	recvs := make([]*Request, len(g.members))
	for i, m := range g.members {
		if i == g.rank {
			continue
		}
		sends = append(sends, g.t.Isend(ctx, m, tag, b))
		recvs[i] = g.t.Irecv(m, tag, nil)
	}
	for i, r := range recvs {
		if r == nil {
			continue
		}
		if err := r.Wait(ctx); err != nil {
			return nil, fmt.Errorf("all-gather from %d: %w", i, err)
		}
		out[i] = r.Bytes()
	}
	if err := WaitAll(ctx, sends); err != nil {
		return nil, err
	}
	return out, nil
}

// AllGatherInt64 is AllGather of one integer per member.
func (g *Group) AllGatherInt64(ctx context.Context, v int64) ([]int64, error) {
	parts, err := g.AllGather(ctx, EncodeInt64(v))
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(parts))
	for i, p := range parts {
		if out[i], err = DecodeInt64(p); err != nil {
			return nil, err
		}
	}
	return out, nil
}
