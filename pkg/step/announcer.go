// pkg/step/announcer.go
package step

import (
	"context"
	"fmt"

	"insitu/pkg/catalog"
	"insitu/pkg/comm"
	"insitu/pkg/topology"

	"go.uber.org/zap"
)

// Announcer runs the writer side of the step handshake.
type Announcer struct {
	t    comm.Transport
	topo *topology.Topology
	log  *zap.Logger

	step     int64
	abandons []*comm.Request
}

func NewAnnouncer(t comm.Transport, topo *topology.Topology, log *zap.Logger) *Announcer {
	a := &Announcer{t: t, topo: topo, log: log.Named("step"), step: -1}
	a.abandons = make([]*comm.Request, len(topo.DirectPeers))
	for i, p := range topo.DirectPeers {
		a.abandons[i] = t.Irecv(p, comm.TagAbandon, nil)
	}
	return a
}

func (a *Announcer) Step() int64 { return a.step }

// Next advances to the next step and announces it to every direct reader.
// The sends are not waited for.
func (a *Announcer) Next(ctx context.Context) (int64, error) {
	a.PollAbandons()
	a.step++
	for _, p := range a.topo.DirectPeers {
		r := a.t.Isend(ctx, p, comm.TagStep, comm.EncodeInt64(a.step))
		if r.Test() && r.Err() != nil {
			return a.step, fmt.Errorf("announcing step %d to %d: %w", a.step, p, r.Err())
		}
	}
	return a.step, nil
}

// Finish announces the end of the stream and waits for delivery.
func (a *Announcer) Finish(ctx context.Context) error {
	a.PollAbandons()
	reqs := make([]*comm.Request, len(a.topo.DirectPeers))
	for i, p := range a.topo.DirectPeers {
		reqs[i] = a.t.Isend(ctx, p, comm.TagStep, comm.EncodeInt64(EndOfStream))
	}
	if err := comm.WaitAll(ctx, reqs); err != nil {
		return fmt.Errorf("announcing end of stream: %w", err)
	}
	a.log.Info("end of stream announced", zap.Int64("last_step", a.step))
	return nil
}

// PollAbandons logs readers that gave up on a round and re-arms the receive.
// It never blocks.
func (a *Announcer) PollAbandons() int {
	n := 0
	for i, r := range a.abandons {
		if r == nil || !r.Test() {
			continue
		}
		if r.Err() != nil {
			a.abandons[i] = nil
			continue
		}
		last, _ := comm.DecodeInt64(r.Bytes())
		a.log.Warn("reader abandoned a step round",
			zap.Int("reader", a.topo.DirectPeers[i]),
			zap.Int64("reader_last_step", last),
			zap.Int64("step", a.step))
		a.abandons[i] = a.t.Irecv(a.topo.DirectPeers[i], comm.TagAbandon, nil)
		n++
	}
	return n
}

// SendMetadata sends the catalog snapshot to the connected reader: the
// length first so the receiver can size its buffer, then the bytes.
func SendMetadata(ctx context.Context, t comm.Transport, dst int, snap catalog.Snapshot) error {
	reqs := []*comm.Request{
		t.Isend(ctx, dst, comm.TagMetadataLength, comm.EncodeUint64(uint64(len(snap.Bytes)))),
		t.Isend(ctx, dst, comm.TagMetadata, snap.Bytes),
	}
	if err := comm.WaitAll(ctx, reqs); err != nil {
		return fmt.Errorf("sending metadata to %d: %w", dst, err)
	}
	return nil
}
