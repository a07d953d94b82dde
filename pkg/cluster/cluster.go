// pkg/cluster/cluster.go
package cluster

import (
	"fmt"
	"net"

	"insitu/pkg/comm"
	"insitu/pkg/peer"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Cluster is a set of peer nodes that form one global domain.
type Cluster struct {
	Nodes []*peer.Node
	log   *zap.Logger
}

// Launch starts n connected nodes inside this process, one per global rank,
// each serving on its own loopback port.
func Launch(n int, log *zap.Logger, opts ...peer.Option) (*Cluster, error) {
	if n < 1 {
		return nil, status.Error(codes.InvalidArgument, "number of ranks must be positive")
	}

	c := &Cluster{Nodes: make([]*peer.Node, 0, n), log: log.Named("cluster")}
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to start rank %d: %v", i, err)
		}
		node := peer.NewNode(i, lis, log, opts...)
		c.Nodes = append(c.Nodes, node)
		addrs[i] = node.Addr()
	}

	for i, node := range c.Nodes {
		if err := node.Connect(addrs); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect rank %d: %v", i, err)
		}
	}
	c.log.Info("cluster launched", zap.Int("ranks", n))
	return c, nil
}

// Join starts the node for rank in a multi-process domain. addrs lists the
// listen address of every rank; this process binds addrs[rank].
func Join(rank int, addrs []string, log *zap.Logger, opts ...peer.Option) (*peer.Node, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d outside of %d peer addresses", rank, len(addrs))
	}
	lis, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %v", addrs[rank], err)
	}
	node := peer.NewNode(rank, lis, log, opts...)
	if err := node.Connect(addrs); err != nil {
		node.Close()
		return nil, err
	}
	log.Info("joined domain", zap.Int("rank", rank), zap.Int("ranks", len(addrs)), zap.String("addr", node.Addr()))
	return node, nil
}

// Transports returns the nodes as comm transports, indexed by global rank.
func (c *Cluster) Transports() []comm.Transport {
	out := make([]comm.Transport, len(c.Nodes))
	for i, n := range c.Nodes {
		out[i] = n
	}
	return out
}

// Close stops every node.
func (c *Cluster) Close() {
	for _, n := range c.Nodes {
		n.Close()
	}
}
