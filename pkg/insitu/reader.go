// pkg/insitu/reader.go
package insitu

import (
	"context"
	"fmt"
	"time"

	"insitu/pkg/catalog"
	"insitu/pkg/comm"
	"insitu/pkg/config"
	"insitu/pkg/schedule"
	"insitu/pkg/selection"
	"insitu/pkg/step"
	"insitu/pkg/topology"
	"insitu/pkg/transfer"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Reader is the consumer side of an in-situ stream.
type Reader struct {
	Name   string
	Params config.EngineParams

	t   comm.Transport
	log *zap.Logger

	topo   *topology.Topology
	group  *comm.Group
	io     *catalog.IO
	sync   *step.Synchronizer
	engine *transfer.Engine

	requests []schedule.Request
	// kept across steps in FixedSchedule mode
	sched     schedule.Schedule
	schedReqs int
	closed    bool
}

// OpenReader joins stream name as a reader. Every writer and reader of the
// stream must open it at the same time.
func OpenReader(ctx context.Context, t comm.Transport, name string, params map[string]string, log *zap.Logger, opts ...Option) (*Reader, error) {
	o := buildOptions(opts)
	p, err := config.ParseParams(params, !o.lenient)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		Name:   name,
		Params: p,
		t:      t,
		log:    engineLogger(log, p, "reader", t.Rank()),
		io:     catalog.NewIO(name),
	}

	r.topo, r.group, err = topology.Establish(ctx, t, name, topology.RoleReader, r.log)
	if err != nil {
		return nil, fmt.Errorf("opening reader for %q: %w", name, err)
	}
	r.sync = step.NewSynchronizer(t, r.group, r.topo, r.io, o.codec, p.FixedSchedule, r.log)
	r.engine = transfer.NewEngine(t, r.topo.AllPeers, r.log)
	r.log.Info("reader opened",
		zap.String("stream", name),
		zap.Int("readers", r.group.Size()),
		zap.Int("writers", len(r.topo.AllPeers)),
		zap.Bool("fixed_schedule", p.FixedSchedule))
	return r, nil
}

// IO is the catalog received from the writers for the current step.
func (r *Reader) IO() *catalog.IO { return r.io }

func (r *Reader) CurrentStep() int64 { return r.sync.Step() }

// Rank and Size locate the reader within the stream's readers.
func (r *Reader) Rank() int { return r.group.Rank() }
func (r *Reader) Size() int { return r.group.Size() }

func (r *Reader) Stats() transfer.Stats { return r.engine.Stats() }

// BeginStep waits for the next step. A zero timeout uses the StepTimeout
// parameter, a negative one waits without bound. Every reader of the stream
// must call it with the same timeout.
func (r *Reader) BeginStep(ctx context.Context, mode step.Mode, timeout time.Duration) (step.Status, error) {
	if r.closed {
		return step.StatusNotReady, comm.ProtocolViolation("BeginStep on closed reader")
	}
	if timeout == 0 {
		timeout = r.Params.StepTimeout
	}
	st, err := r.sync.BeginStep(ctx, mode, timeout)
	if err != nil {
		return st, err
	}
	if st == step.StatusOK {
		r.requests = r.requests[:0]
	}
	return st, nil
}

// Get asks for the box region of variable name to be written into dest,
// row-major. dest is filled by PerformGets or EndStep.
func (r *Reader) Get(name string, box selection.Box, dest []byte) error {
	if st := r.sync.State(); st != step.StateHaveStep {
		return comm.ProtocolViolation("Get outside of an open step (state %s)", st)
	}
	v := r.io.InquireVariable(name)
	if v == nil {
		return comm.ProtocolViolation("variable %q is not in step %d", name, r.sync.Step())
	}
	if err := box.Validate(); err != nil {
		return err
	}
	if box.Dims() != len(v.Shape) {
		return status.Errorf(codes.InvalidArgument, "box %v does not match the %d dimensions of %q", box, len(v.Shape), name)
	}
	if len(v.Shape) > 0 && !selection.Contains(selection.Box{Start: make([]uint64, len(v.Shape)), Count: v.Shape}, box) {
		return status.Errorf(codes.InvalidArgument, "box %v lies outside the shape %v of %q", box, v.Shape, name)
	}
	if size := v.Type.Size(); size > 0 && uint64(len(dest)) < box.Elements()*uint64(size) {
		return status.Errorf(codes.InvalidArgument, "destination of %d bytes cannot hold %v of %s", len(dest), box, v.Type)
	}
	r.requests = append(r.requests, schedule.Request{
		Variable: name,
		Box:      selection.NewBox(box.Start, box.Count),
		Dest:     dest,
	})
	return nil
}

// PerformGets fetches every requested region of the current step. It may be
// called once per step.
func (r *Reader) PerformGets(ctx context.Context) error {
	if err := r.sync.BeginGets(); err != nil {
		return err
	}

	if r.sync.FreshSnapshot() {
		s, err := schedule.Build(r.io, r.requests)
		if err != nil {
			return err
		}
		n := schedule.NormalizeOffsets(s)
		r.engine.IssueSchedule(ctx, s)
		r.sched, r.schedReqs = s, len(r.requests)
		r.log.Debug("schedule issued", zap.Int64("step", r.sync.Step()), zap.Int("entries", n), zap.Ints("writers", s.Writers()))
	} else if len(r.requests) != r.schedReqs {
		return comm.ProtocolViolation("FixedSchedule needs the same %d requests every step, got %d", r.schedReqs, len(r.requests))
	}

	if err := r.engine.IssueReceives(r.sched, r.requests); err != nil {
		return err
	}
	if err := r.engine.DrainCompletions(ctx); err != nil {
		return err
	}
	r.requests = r.requests[:0]
	r.log.Debug("gets performed", zap.Int64("step", r.sync.Step()), zap.Stringer("stats", r.engine.Stats()))
	return nil
}

// EndStep closes the current step, performing outstanding gets first.
func (r *Reader) EndStep(ctx context.Context) error {
	if r.sync.State() == step.StateHaveStep {
		if err := r.PerformGets(ctx); err != nil {
			return err
		}
	}
	return r.sync.EndStep()
}

// Close releases the reader. With verbose above 2 the group's delivery
// statistics are summed and logged by local rank 0, so every reader must
// call Close.
func (r *Reader) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.engine.Outstanding() > 0 {
		r.log.Warn("closing with outstanding receives", zap.Int("receives", r.engine.Outstanding()))
	}
	if r.Params.Verbose <= 2 {
		return nil
	}

	st := r.engine.Stats()
	inPlace, err := r.group.AllGatherInt64(ctx, int64(st.InPlaceBytes))
	if err != nil {
		return err
	}
	copied, err := r.group.AllGatherInt64(ctx, int64(st.CopiedBytes))
	if err != nil {
		return err
	}
	if r.group.Rank() == 0 {
		var total transfer.Stats
		for i := range inPlace {
			total.InPlaceBytes += uint64(inPlace[i])
			total.CopiedBytes += uint64(copied[i])
		}
		r.log.Info("in-place delivery",
			zap.Uint64("in_place_bytes", total.InPlaceBytes),
			zap.Uint64("copied_bytes", total.CopiedBytes),
			zap.Uint64("percent", transfer.InPlacePercent(total.InPlaceBytes, total.CopiedBytes)))
	}
	return nil
}
