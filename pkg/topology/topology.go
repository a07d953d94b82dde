// pkg/topology/topology.go
package topology

import (
	"context"
	"fmt"
	"strings"

	"insitu/pkg/comm"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NoPeer marks the absence of a direct peer.
const NoPeer = -1

// localGroupTagBase keeps the per-role group collectives apart from the
// world collectives run during discovery.
const localGroupTagBase comm.Tag = 1 << 10

type Role int

const (
	RoleWriter Role = iota
	RoleReader
)

func (r Role) String() string {
	if r == RoleWriter {
		return "writer"
	}
	return "reader"
}

func (r Role) Opposite() Role {
	if r == RoleWriter {
		return RoleReader
	}
	return RoleWriter
}

// Topology is the outcome of peer discovery for one process. It does not
// change after Establish returns.
type Topology struct {
	Role Role
	// Own lists the global ranks of this process's group, AllPeers those of
	// the opposite group; both in global rank order.
	Own         []int
	AllPeers    []int
	DirectPeers []int
	// RemoteRoot is the global rank of the opposite group's root if this
	// process is directly connected to it, NoPeer otherwise.
	RemoteRoot int
	// LocalRoot is the local rank that holds the remote root connection.
	LocalRoot int
}

// Connected reports whether this process talks to the remote root.
func (t *Topology) Connected() bool { return t.RemoteRoot != NoPeer }

// Discover runs a world all-gather of (role, stream name) and returns the
// members of this process's group and of the opposite group.
func Discover(ctx context.Context, world *comm.Group, name string, role Role) (own, peers []int, err error) {
	if strings.Contains(name, "/") {
		return nil, nil, status.Errorf(codes.InvalidArgument, "stream name %q must not contain '/'", name)
	}
	all, err := world.AllGather(ctx, []byte(role.String()+"/"+name))
	if err != nil {
		return nil, nil, fmt.Errorf("peer discovery: %w", err)
	}
	mine := role.String() + "/" + name
	theirs := role.Opposite().String() + "/" + name
	for i, id := range all {
		switch string(id) {
		case mine:
			own = append(own, world.Global(i))
		case theirs:
			peers = append(peers, world.Global(i))
		}
	}
	if len(peers) == 0 {
		return nil, nil, status.Errorf(codes.NotFound, "no %s found for stream %q", role.Opposite(), name)
	}
	return own, peers, nil
}

// FindPeers returns the global ranks of the opposite role on stream name.
func FindPeers(ctx context.Context, world *comm.Group, name string, role Role) ([]int, error) {
	_, peers, err := Discover(ctx, world, name, role)
	return peers, err
}

// AssignPeers splits all across size local processes in contiguous, balanced
// runs and returns the share of local rank. With more local processes than
// peers every local process still gets one peer. Both sides compute the
// same relation, so a writer lists a reader exactly when that reader lists
// the writer.
func AssignPeers(rank, size int, all []int) []int {
	n := len(all)
	if size <= 0 || rank < 0 || rank >= size || n == 0 {
		return nil
	}
	if size >= n {
		return []int{all[rank*n/size]}
	}
	var out []int
	for i := 0; i < n; i++ {
		if i*size/n == rank {
			out = append(out, all[i])
		}
	}
	return out
}

// ConnectDirectPeers exchanges connect tokens over the direct links. Senders
// (writers) send one token per direct peer; the token holder sends 1 to its
// first peer only. Receivers return the global rank of the peer that sent 1,
// senders return the peer they sent it to; everybody else gets NoPeer.
func ConnectDirectPeers(ctx context.Context, t comm.Transport, sender, tokenHolder bool, peers []int) (int, error) {
	if sender {
		reqs := make([]*comm.Request, len(peers))
		root := NoPeer
		for i, p := range peers {
			var token int64
			if tokenHolder && i == 0 {
				token = 1
				root = p
			}
			reqs[i] = t.Isend(ctx, p, comm.TagConnect, comm.EncodeInt64(token))
		}
		if err := comm.WaitAll(ctx, reqs); err != nil {
			return NoPeer, fmt.Errorf("sending connect tokens: %w", err)
		}
		return root, nil
	}

	root := NoPeer
	for _, p := range peers {
		token, err := comm.RecvInt64(ctx, t, p, comm.TagConnect)
		if err != nil {
			return NoPeer, fmt.Errorf("receiving connect token from %d: %w", p, err)
		}
		if token == 1 {
			if root != NoPeer {
				return NoPeer, comm.ProtocolViolation("connect token received from both %d and %d", root, p)
			}
			root = p
		}
	}
	return root, nil
}

// AgreeRoot all-gathers whether each member holds the remote root connection
// and returns the local rank of the single claimant.
func AgreeRoot(ctx context.Context, group *comm.Group, claims bool) (int, error) {
	var v int64
	if claims {
		v = 1
	}
	all, err := group.AllGatherInt64(ctx, v)
	if err != nil {
		return NoPeer, fmt.Errorf("root agreement: %w", err)
	}
	root := NoPeer
	for i, c := range all {
		if c == 0 {
			continue
		}
		if root != NoPeer {
			return NoPeer, comm.ProtocolViolation("local ranks %d and %d both claim the remote root connection", root, i)
		}
		root = i
	}
	if root == NoPeer {
		return NoPeer, comm.ProtocolViolation("no local rank is connected to the remote root")
	}
	return root, nil
}

// Establish runs discovery, assignment, connection and root agreement for
// one process and returns its topology with the group of its own role.
func Establish(ctx context.Context, t comm.Transport, name string, role Role, log *zap.Logger) (*Topology, *comm.Group, error) {
	own, peers, err := Discover(ctx, comm.World(t), name, role)
	if err != nil {
		return nil, nil, err
	}
	group, err := comm.NewGroup(t, own, localGroupTagBase)
	if err != nil {
		return nil, nil, err
	}

	topo := &Topology{
		Role:        role,
		Own:         own,
		AllPeers:    peers,
		DirectPeers: AssignPeers(group.Rank(), group.Size(), peers),
	}

	sender := role == RoleWriter
	topo.RemoteRoot, err = ConnectDirectPeers(ctx, t, sender, sender && group.Rank() == 0, topo.DirectPeers)
	if err != nil {
		return nil, nil, err
	}
	if topo.LocalRoot, err = AgreeRoot(ctx, group, topo.Connected()); err != nil {
		return nil, nil, err
	}

	log.Debug("topology established",
		zap.Stringer("role", role),
		zap.Int("local_rank", group.Rank()),
		zap.Ints("direct_peers", topo.DirectPeers),
		zap.Int("remote_root", topo.RemoteRoot),
		zap.Int("local_root", topo.LocalRoot))
	if len(topo.DirectPeers) == 0 {
		log.Info("no direct peer", zap.Stringer("role", role), zap.Int("local_rank", group.Rank()))
	}
	return topo, group, nil
}
