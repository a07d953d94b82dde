// pkg/insitu/writer.go
package insitu

import (
	"context"
	"encoding/binary"
	"fmt"

	"insitu/pkg/catalog"
	"insitu/pkg/comm"
	"insitu/pkg/config"
	"insitu/pkg/schedule"
	"insitu/pkg/selection"
	"insitu/pkg/step"
	"insitu/pkg/topology"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// blockHeaderSize precedes every block in the step buffer:
// u64 block sequence number, u64 payload length.
const blockHeaderSize = 16

// Writer is the producer side of an in-situ stream.
type Writer struct {
	Name   string
	Params config.EngineParams

	t     comm.Transport
	codec catalog.Codec
	log   *zap.Logger

	topo      *topology.Topology
	group     *comm.Group
	announcer *step.Announcer
	io        *catalog.IO

	buf       []byte
	blocks    int
	schedules [][]schedule.Entry

	inStep    bool
	performed bool
	closed    bool
}

// OpenWriter joins stream name as a writer. Every writer and reader of the
// stream must open it at the same time.
func OpenWriter(ctx context.Context, t comm.Transport, name string, params map[string]string, log *zap.Logger, opts ...Option) (*Writer, error) {
	o := buildOptions(opts)
	p, err := config.ParseParams(params, !o.lenient)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		Name:   name,
		Params: p,
		t:      t,
		codec:  o.codec,
		log:    engineLogger(log, p, "writer", t.Rank()),
		io:     catalog.NewIO(name),
	}

	w.topo, w.group, err = topology.Establish(ctx, t, name, topology.RoleWriter, w.log)
	if err != nil {
		return nil, fmt.Errorf("opening writer for %q: %w", name, err)
	}
	w.announcer = step.NewAnnouncer(t, w.topo, w.log)
	w.log.Info("writer opened",
		zap.String("stream", name),
		zap.Int("writers", w.group.Size()),
		zap.Int("readers", len(w.topo.AllPeers)),
		zap.Bool("fixed_schedule", p.FixedSchedule))
	return w, nil
}

// IO is the writer's catalog; attributes defined here travel with the
// metadata.
func (w *Writer) IO() *catalog.IO { return w.io }

func (w *Writer) CurrentStep() int64 { return w.announcer.Step() }

// Rank and Size locate the writer within the stream's writers.
func (w *Writer) Rank() int { return w.group.Rank() }
func (w *Writer) Size() int { return w.group.Size() }

// BeginStep starts the next step and announces it to the direct readers.
func (w *Writer) BeginStep(ctx context.Context) (int64, error) {
	if w.closed {
		return 0, comm.ProtocolViolation("BeginStep on closed writer")
	}
	if w.inStep {
		return 0, comm.ProtocolViolation("BeginStep called while step %d is still open", w.announcer.Step())
	}
	// a variable not put in this step must not reach the readers
	w.io.RemoveAllVariables()
	w.buf = w.buf[:0]
	w.blocks = 0
	n, err := w.announcer.Next(ctx)
	if err != nil {
		return n, err
	}
	w.inStep = true
	w.performed = false
	w.log.Debug("begin step", zap.Int64("step", n))
	return n, nil
}

// Put stores one block of variable name for the current step. data holds
// the elements of box in row-major order and is copied.
func (w *Writer) Put(name string, typ catalog.ElementType, shape []uint64, box selection.Box, data []byte) error {
	if !w.inStep {
		return comm.ProtocolViolation("Put outside of a step")
	}
	if w.performed {
		return comm.ProtocolViolation("Put after PerformPuts in step %d", w.announcer.Step())
	}
	if size := typ.Size(); size > 0 && uint64(len(data)) != box.Elements()*uint64(size) {
		return status.Errorf(codes.InvalidArgument, "block %v of %s needs %d bytes, got %d",
			box, typ, box.Elements()*uint64(size), len(data))
	}
	if _, err := w.io.DefineVariable(name, typ, shape); err != nil {
		return err
	}

	err := w.io.AddBlock(name, catalog.Block{
		Writer:        w.group.Rank(),
		Box:           selection.NewBox(box.Start, box.Count),
		PayloadOffset: uint64(len(w.buf) + blockHeaderSize),
		PayloadLength: uint64(len(data)),
	})
	if err != nil {
		return err
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(w.blocks))
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(len(data)))
	w.buf = append(w.buf, data...)
	w.blocks++
	return nil
}

// PutValues is Put for a typed slice.
func PutValues[T catalog.Numeric](w *Writer, name string, shape []uint64, box selection.Box, values []T) error {
	return w.Put(name, catalog.TypeOf[T](), shape, box, catalog.EncodeValues(values))
}

// freshMetadata reports whether this step renegotiates catalog and
// schedules.
func (w *Writer) freshMetadata() bool {
	return w.announcer.Step() == 0 || !w.Params.FixedSchedule
}

// PerformPuts publishes the step's catalog, collects the readers' schedules
// and sends every requested window.
func (w *Writer) PerformPuts(ctx context.Context) error {
	if !w.inStep {
		return comm.ProtocolViolation("PerformPuts outside of a step")
	}
	if w.performed {
		return comm.ProtocolViolation("PerformPuts called twice in step %d", w.announcer.Step())
	}
	w.performed = true

	if w.freshMetadata() {
		if err := w.publishMetadata(ctx); err != nil {
			return err
		}
		if err := w.receiveSchedules(ctx); err != nil {
			return err
		}
	}
	return w.serve(ctx)
}

// publishMetadata merges every writer's blocks at the writer root, which
// sends the result to the connected reader.
func (w *Writer) publishMetadata(ctx context.Context) error {
	local, err := w.codec.Encode(w.io)
	if err != nil {
		return err
	}
	parts, err := w.group.AllGather(ctx, local)
	if err != nil {
		return fmt.Errorf("gathering writer catalogs: %w", err)
	}
	if !w.topo.Connected() {
		return nil
	}

	merged := catalog.NewIO(w.Name)
	for i, part := range parts {
		if err := w.codec.Decode(part, merged); err != nil {
			return fmt.Errorf("merging catalog of writer %d: %w", i, err)
		}
	}
	data, err := w.codec.Encode(merged)
	if err != nil {
		return err
	}
	snap := catalog.NewSnapshot(data)
	w.log.Debug("publishing metadata",
		zap.Int64("step", w.announcer.Step()),
		zap.Int("bytes", len(data)),
		zap.Stringer("digest", snap.Digest))
	return step.SendMetadata(ctx, w.t, w.topo.RemoteRoot, snap)
}

// receiveSchedules takes one schedule from every reader, length first.
func (w *Writer) receiveSchedules(ctx context.Context) error {
	lengths := make([]*comm.Request, len(w.topo.AllPeers))
	payloads := make([]*comm.Request, len(w.topo.AllPeers))
	for i, r := range w.topo.AllPeers {
		lengths[i] = w.t.Irecv(r, comm.TagReadScheduleLength, nil)
		payloads[i] = w.t.Irecv(r, comm.TagReadSchedule, nil)
	}

	w.schedules = make([][]schedule.Entry, len(w.topo.AllPeers))
	for i, r := range w.topo.AllPeers {
		if err := lengths[i].Wait(ctx); err != nil {
			return fmt.Errorf("receiving schedule length from %d: %w", r, err)
		}
		n, err := comm.DecodeUint64(lengths[i].Bytes())
		if err != nil {
			return err
		}
		if err := payloads[i].Wait(ctx); err != nil {
			return fmt.Errorf("receiving schedule from %d: %w", r, err)
		}
		if uint64(payloads[i].Len()) != n {
			return status.Errorf(codes.DataLoss, "schedule from %d announced as %d bytes, got %d", r, n, payloads[i].Len())
		}
		if w.schedules[i], err = schedule.Decode(payloads[i].Bytes()); err != nil {
			return status.Errorf(codes.DataLoss, "schedule from %d: %v", r, err)
		}
	}
	return nil
}

// serve sends the payload window of every schedule entry to its reader.
func (w *Writer) serve(ctx context.Context) error {
	var reqs []*comm.Request
	sent := 0
	for i, entries := range w.schedules {
		dst := w.topo.AllPeers[i]
		for _, e := range entries {
			window, err := w.window(e)
			if err != nil {
				return err
			}
			reqs = append(reqs, w.t.Isend(ctx, dst, comm.TagData, window))
			sent += len(window)
		}
	}
	if err := comm.WaitAll(ctx, reqs); err != nil {
		return fmt.Errorf("sending data: %w", err)
	}
	w.log.Debug("data served", zap.Int64("step", w.announcer.Step()), zap.Int("messages", len(reqs)), zap.Int("bytes", sent))
	return nil
}

// window resolves an entry against the local blocks.
func (w *Writer) window(e schedule.Entry) ([]byte, error) {
	v := w.io.InquireVariable(e.Variable)
	if v == nil {
		return nil, comm.ProtocolViolation("schedule names unknown variable %q", e.Variable)
	}
	for _, b := range v.Blocks {
		if b.Writer != w.group.Rank() || !b.Box.Equal(e.BlockBox) {
			continue
		}
		if e.BlockOffset != 0 || e.Offset+e.Length > b.PayloadLength {
			return nil, comm.ProtocolViolation("schedule window [%d,+%d) outside block %v of %q",
				e.Offset, e.Length, b.Box, e.Variable)
		}
		start := b.PayloadOffset + e.Offset
		return w.buf[start : start+e.Length], nil
	}
	return nil, comm.ProtocolViolation("no local block %v of %q in step %d", e.BlockBox, e.Variable, w.announcer.Step())
}

// EndStep finishes the current step, performing the puts if the caller did
// not.
func (w *Writer) EndStep(ctx context.Context) error {
	if !w.inStep {
		return comm.ProtocolViolation("EndStep without an open step")
	}
	if !w.performed {
		if err := w.PerformPuts(ctx); err != nil {
			return err
		}
	}
	w.inStep = false
	w.announcer.PollAbandons()
	w.log.Debug("end step", zap.Int64("step", w.announcer.Step()))
	return nil
}

// Close ends an open step and tells the readers the stream is over.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	if w.inStep {
		if err := w.EndStep(ctx); err != nil {
			return err
		}
	}
	w.closed = true
	return w.announcer.Finish(ctx)
}
