// pkg/peer/node.go
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"insitu/pkg/comm"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	serviceName   = "insitu.Peer"
	deliverMethod = "/insitu.Peer/Deliver"

	DefaultMaxMessageBytes = 64 * 1024 * 1024
)

// peerServer is the server side of the peer service.
type peerServer interface {
	Deliver(ctx context.Context, f *Frame) (*Ack, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(peerServer).Deliver(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "insitu/peer",
}

// Node is one global rank of a gRPC-backed world. It implements
// comm.Transport: inbound frames land in a mailbox, outbound frames go
// through one ordered queue per destination.
type Node struct {
	rank     int
	box      *comm.Mailbox
	server   *grpc.Server
	lis      net.Listener
	log      *zap.Logger
	maxBytes int

	connLock sync.RWMutex
	conns    []*grpc.ClientConn
	queues   []*outQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option configures a Node.
type Option func(*Node)

// WithMaxMessageBytes caps the size of one frame in both directions.
func WithMaxMessageBytes(n int) Option {
	return func(nd *Node) {
		if n > 0 {
			nd.maxBytes = n
		}
	}
}

// NewNode starts serving the peer service for rank on lis. Call Connect
// before sending.
func NewNode(rank int, lis net.Listener, log *zap.Logger, opts ...Option) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		rank:     rank,
		box:      comm.NewMailbox(),
		lis:      lis,
		log:      log.Named("peer").With(zap.Int("rank", rank)),
		maxBytes: DefaultMaxMessageBytes,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(n)
	}

	n.server = grpc.NewServer(
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(n.maxBytes+frameHeaderSize),
	)
	n.server.RegisterService(&peerServiceDesc, n)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(lis); err != nil && !n.closed.Load() {
			n.log.Error("peer server failed", zap.Error(err))
		}
	}()
	return n
}

// Addr is the address the node serves on.
func (n *Node) Addr() string { return n.lis.Addr().String() }

// Connect dials every rank of the world; addrs is indexed by global rank and
// must include this node's own address.
func (n *Node) Connect(addrs []string) error {
	if n.rank < 0 || n.rank >= len(addrs) {
		return status.Errorf(codes.InvalidArgument, "rank %d outside of %d addresses", n.rank, len(addrs))
	}
	conns := make([]*grpc.ClientConn, len(addrs))
	queues := make([]*outQueue, len(addrs))
	for i, addr := range addrs {
		if i == n.rank {
			continue
		}
		conn, err := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(
				grpc.ForceCodec(frameCodec{}),
				grpc.MaxCallSendMsgSize(n.maxBytes+frameHeaderSize),
				grpc.WaitForReady(true),
			),
		)
		if err != nil {
			for _, c := range conns {
				if c != nil {
					c.Close()
				}
			}
			return fmt.Errorf("failed to connect to rank %d at %s: %v", i, addr, err)
		}
		conns[i] = conn
		queues[i] = newOutQueue()
	}

	n.connLock.Lock()
	n.conns = conns
	n.queues = queues
	n.connLock.Unlock()

	for i, q := range queues {
		if q == nil {
			continue
		}
		n.wg.Add(1)
		go n.sendLoop(i, conns[i], q)
	}
	n.log.Debug("connected", zap.Int("world", len(addrs)))
	return nil
}

// Deliver is the RPC handler: it stores one inbound frame.
func (n *Node) Deliver(ctx context.Context, f *Frame) (*Ack, error) {
	if size := n.Size(); size > 0 && int(f.Source) >= size {
		return nil, status.Errorf(codes.InvalidArgument, "source rank %d out of bounds", f.Source)
	}
	if err := n.box.Deliver(int(f.Source), comm.Tag(f.Tag), f.Payload); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func (n *Node) Rank() int { return n.rank }

func (n *Node) Size() int {
	n.connLock.RLock()
	defer n.connLock.RUnlock()
	return len(n.conns)
}

func (n *Node) Isend(ctx context.Context, dst int, tag comm.Tag, payload []byte) *comm.Request {
	if err := ctx.Err(); err != nil {
		return comm.CompletedRequest(err)
	}
	if n.closed.Load() {
		return comm.CompletedRequest(status.Error(codes.Unavailable, "peer node closed"))
	}
	if len(payload) > n.maxBytes {
		return comm.CompletedRequest(status.Errorf(codes.InvalidArgument,
			"message of %d bytes exceeds the %d byte limit", len(payload), n.maxBytes))
	}
	if dst == n.rank {
		return comm.CompletedRequest(n.box.Deliver(n.rank, tag, append([]byte(nil), payload...)))
	}

	n.connLock.RLock()
	defer n.connLock.RUnlock()
	// Close flips closed before it takes connLock, so no frame is queued
	// once the send loops may be gone
	if n.closed.Load() {
		return comm.CompletedRequest(status.Error(codes.Unavailable, "peer node closed"))
	}
	if dst < 0 || dst >= len(n.queues) || n.queues[dst] == nil {
		return comm.CompletedRequest(status.Errorf(codes.InvalidArgument, "no connection to rank %d", dst))
	}
	done := make(chan error, 1)
	n.queues[dst].push(outbound{
		frame: &Frame{Source: uint32(n.rank), Tag: int32(tag), Payload: append([]byte(nil), payload...)},
		done:  done,
	})
	return comm.Pending(done)
}

func (n *Node) Irecv(src int, tag comm.Tag, buf []byte) *comm.Request {
	return n.box.Post(src, tag, buf)
}

func (n *Node) sendLoop(dst int, conn *grpc.ClientConn, q *outQueue) {
	defer n.wg.Done()
	for {
		batch, ok := q.pop(n.ctx)
		if !ok {
			for _, m := range batch {
				m.done <- status.Error(codes.Unavailable, "peer node closed")
			}
			return
		}
		for _, m := range batch {
			err := conn.Invoke(n.ctx, deliverMethod, m.frame, &Ack{})
			if err != nil {
				n.log.Warn("deliver failed", zap.Int("dst", dst), zap.Stringer("tag", comm.Tag(m.frame.Tag)), zap.Error(err))
			}
			m.done <- err
		}
	}
}

// Pending returns the number of buffered inbound messages nobody asked for yet.
func (n *Node) Pending() int { return n.box.Pending() }

func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	// waits out every Isend still queueing a frame
	n.connLock.Lock()
	conns := n.conns
	n.connLock.Unlock()

	n.cancel()
	n.server.Stop()
	n.box.Close()
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
	n.wg.Wait()
	return nil
}

type outbound struct {
	frame *Frame
	done  chan error
}

// outQueue is an unbounded FIFO so Isend never blocks on a slow peer.
type outQueue struct {
	mu     sync.Mutex
	items  []outbound
	signal chan struct{}
}

func newOutQueue() *outQueue {
	return &outQueue{signal: make(chan struct{}, 1)}
}

func (q *outQueue) push(m outbound) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop waits for queued frames. It returns false with the leftovers once ctx
// is done.
func (q *outQueue) pop(ctx context.Context) ([]outbound, bool) {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()
		if ctx.Err() != nil {
			return items, false
		}
		if len(items) > 0 {
			return items, true
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
		}
	}
}
