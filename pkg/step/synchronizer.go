// pkg/step/synchronizer.go
package step

import (
	"context"
	"fmt"
	"math"
	"time"

	"insitu/pkg/catalog"
	"insitu/pkg/comm"
	"insitu/pkg/topology"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// outcomes exchanged by the reader group after each wait
const (
	outcomeTimedOut int64 = math.MinInt64
	outcomeNoPeer   int64 = math.MinInt64 + 1
)

// Synchronizer runs the reader side of the step handshake.
type Synchronizer struct {
	t     comm.Transport
	group *comm.Group
	topo  *topology.Topology
	io    *catalog.IO
	codec catalog.Codec
	fixed bool
	log   *zap.Logger

	state    State
	step     int64
	steps    int
	pending  []*comm.Request
	snapshot catalog.Snapshot
}

// NewSynchronizer builds the handshake for one reader. io is replaced with
// the writers' catalog whenever a fresh snapshot arrives.
func NewSynchronizer(t comm.Transport, group *comm.Group, topo *topology.Topology, io *catalog.IO,
	codec catalog.Codec, fixedSchedule bool, log *zap.Logger) *Synchronizer {
	return &Synchronizer{
		t:     t,
		group: group,
		topo:  topo,
		io:    io,
		codec: codec,
		fixed: fixedSchedule,
		log:   log.Named("step"),
		state: StateIdle,
		step:  -1,
	}
}

func (s *Synchronizer) State() State { return s.state }
func (s *Synchronizer) Step() int64 { return s.step }
func (s *Synchronizer) Snapshot() catalog.Snapshot { return s.snapshot }
func (s *Synchronizer) FreshSnapshot() bool { return s.steps == 1 || !s.fixed }

// BeginStep waits for the next step from every direct writer.
//
// With timeout > 0 the wait is bounded and the reader group then agrees on
// the outcome: if any reader ran out of time every reader gets
// StatusNotReady and tells its writers it abandoned the round. Step
// receives stay posted across such a round, so the next call picks up where
// this one stopped. With timeout <= 0 the wait is unbounded.
func (s *Synchronizer) BeginStep(ctx context.Context, mode Mode, timeout time.Duration) (Status, error) {
	if mode != NextAvailable {
		return StatusNotReady, status.Errorf(codes.Unimplemented, "step mode %s is not supported", mode)
	}
	switch s.state {
	case StateEndOfStream:
		return StatusEndOfStream, nil
	case StateHaveStep, StateDraining:
		return StatusNotReady, comm.ProtocolViolation("BeginStep called while step %d is still open", s.step)
	}

	if s.state == StateIdle {
		s.pending = make([]*comm.Request, len(s.topo.DirectPeers))
		for i, p := range s.topo.DirectPeers {
			s.pending[i] = s.t.Irecv(p, comm.TagStep, nil)
		}
		s.state = StateAwaitingStep
	}

	local, err := s.waitLocal(ctx, timeout)
	if err != nil {
		return StatusNotReady, err
	}
	outcomes, err := s.group.AllGatherInt64(ctx, local)
	if err != nil {
		return StatusNotReady, fmt.Errorf("step agreement: %w", err)
	}
	step, st, err := decide(outcomes)
	if err != nil {
		return StatusNotReady, err
	}

	switch st {
	case StatusNotReady:
		s.log.Warn("step round abandoned", zap.Int64("last_step", s.step), zap.Duration("timeout", timeout))
		return StatusNotReady, s.abandon(ctx)
	case StatusEndOfStream:
		s.pending = nil
		s.state = StateEndOfStream
		s.log.Info("end of stream", zap.Int64("last_step", s.step))
		return StatusEndOfStream, nil
	}

	s.pending = nil
	s.step = step
	s.steps++
	s.state = StateHaveStep

	if s.FreshSnapshot() {
		if err := s.fetchMetadata(ctx); err != nil {
			return StatusNotReady, err
		}
	}
	s.log.Debug("begin step", zap.Int64("step", s.step))
	return StatusOK, nil
}

// waitLocal waits for the posted step receives and summarizes them as one
// outcome value.
func (s *Synchronizer) waitLocal(ctx context.Context, timeout time.Duration) (int64, error) {
	if len(s.pending) == 0 {
		return outcomeNoPeer, nil
	}
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for i, r := range s.pending {
		if err := r.Wait(wctx); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if wctx.Err() != nil {
				s.log.Debug("step wait timed out", zap.Int("writer", s.topo.DirectPeers[i]))
				return outcomeTimedOut, nil
			}
			return 0, fmt.Errorf("receiving step from %d: %w", s.topo.DirectPeers[i], err)
		}
	}

	step := outcomeNoPeer
	for i, r := range s.pending {
		v, err := comm.DecodeInt64(r.Bytes())
		if err != nil {
			return 0, err
		}
		if v == EndOfStream {
			return EndOfStream, nil
		}
		if step != outcomeNoPeer && v != step {
			return 0, comm.ProtocolViolation("writer %d announced step %d, expected %d", s.topo.DirectPeers[i], v, step)
		}
		step = v
	}
	return step, nil
}

// decide turns the group's outcomes into one step and status.
func decide(outcomes []int64) (int64, Status, error) {
	step := outcomeNoPeer
	end, timedOut := false, false
	for _, o := range outcomes {
		switch {
		case o == outcomeTimedOut:
			timedOut = true
		case o == outcomeNoPeer:
		case o == EndOfStream:
			end = true
		case step == outcomeNoPeer:
			step = o
		case o != step:
			return 0, StatusNotReady, comm.ProtocolViolation("readers disagree on the current step: %d and %d", step, o)
		}
	}
	switch {
	case timedOut:
		return 0, StatusNotReady, nil
	case end:
		return EndOfStream, StatusEndOfStream, nil
	case step == outcomeNoPeer:
		return 0, StatusNotReady, comm.ProtocolViolation("no reader is connected to a writer")
	}
	return step, StatusOK, nil
}

func (s *Synchronizer) abandon(ctx context.Context) error {
	reqs := make([]*comm.Request, len(s.topo.DirectPeers))
	for i, p := range s.topo.DirectPeers {
		reqs[i] = s.t.Isend(ctx, p, comm.TagAbandon, comm.EncodeInt64(s.step))
	}
	if err := comm.WaitAll(ctx, reqs); err != nil {
		return fmt.Errorf("sending abandon: %w", err)
	}
	return nil
}

// fetchMetadata has the connected reader pull the catalog from the writer
// root, broadcasts it through the reader group and rebuilds io from it.
func (s *Synchronizer) fetchMetadata(ctx context.Context) error {
	root := s.topo.LocalRoot
	var data []byte
	var length uint64
	if s.group.Rank() == root {
		n, err := comm.RecvUint64(ctx, s.t, s.topo.RemoteRoot, comm.TagMetadataLength)
		if err != nil {
			return fmt.Errorf("receiving metadata length: %w", err)
		}
		data = make([]byte, n)
		r := s.t.Irecv(s.topo.RemoteRoot, comm.TagMetadata, data)
		if err := r.Wait(ctx); err != nil {
			return fmt.Errorf("receiving metadata: %w", err)
		}
		if uint64(r.Len()) != n {
			return status.Errorf(codes.DataLoss, "metadata announced as %d bytes, got %d", n, r.Len())
		}
		length = n
	}

	length, err := s.group.BcastUint64(ctx, root, length)
	if err != nil {
		return fmt.Errorf("broadcasting metadata length: %w", err)
	}
	if s.group.Rank() != root {
		data = make([]byte, length)
	}
	if err := s.group.Bcast(ctx, root, data); err != nil {
		return fmt.Errorf("broadcasting metadata: %w", err)
	}

	s.io.RemoveAllVariables()
	s.io.RemoveAllAttributes()
	if err := s.codec.Decode(data, s.io); err != nil {
		return err
	}
	s.snapshot = catalog.NewSnapshot(data)
	s.log.Debug("metadata received",
		zap.Int64("step", s.step),
		zap.Stringer("digest", s.snapshot.Digest),
		zap.Int("variables", len(s.io.Variables())),
		zap.Int("attributes", len(s.io.Attributes())))
	return nil
}

// BeginGets guards the once-per-step data acquisition.
func (s *Synchronizer) BeginGets() error {
	switch s.state {
	case StateHaveStep:
		s.state = StateDraining
		return nil
	case StateDraining:
		return comm.ProtocolViolation("PerformGets called twice in step %d", s.step)
	}
	return comm.ProtocolViolation("PerformGets called outside of a step (state %s)", s.state)
}

// Performed reports whether the gets of the current step were issued.
func (s *Synchronizer) Performed() bool { return s.state == StateDraining }

// EndStep closes the current step.
func (s *Synchronizer) EndStep() error {
	if s.state != StateHaveStep && s.state != StateDraining {
		return comm.ProtocolViolation("EndStep called without an open step (state %s)", s.state)
	}
	s.state = StateIdle
	s.log.Debug("end step", zap.Int64("step", s.step))
	return nil
}
