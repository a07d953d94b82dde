// pkg/transfer/engine.go
package transfer

import (
	"context"
	"fmt"

	"insitu/pkg/comm"
	"insitu/pkg/schedule"
	"insitu/pkg/selection"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Stats counts delivered payload bytes by path.
type Stats struct {
	InPlaceBytes uint64
	CopiedBytes  uint64
	Failed       int
}

// InPlacePercent is the delivery overhead metric: the bytes that needed a
// copy on top of the bytes delivered in place, as a percentage of the
// latter. It is 0 when nothing arrived in place.
func InPlacePercent(inPlace, copied uint64) uint64 {
	if inPlace == 0 {
		return 0
	}
	return (inPlace + copied) * 100 / inPlace
}

// pendingReceive is one posted data receive. Exactly one of inPlace and temp
// is set: inPlace borrows a window of the caller's buffer, temp is owned by
// the engine until the drain clips it into the caller's buffer.
type pendingReceive struct {
	entry   schedule.Entry
	request *schedule.Request
	inPlace []byte
	temp    []byte
}

// Engine moves one step's worth of scheduled data for a reader.
type Engine struct {
	t       comm.Transport
	writers []int
	log     *zap.Logger

	stats   Stats
	sends   []*comm.Request
	pending []pendingReceive
	reqs    []*comm.Request
}

// NewEngine builds the engine for a reader. writers maps writer group rank
// to global rank.
func NewEngine(t comm.Transport, writers []int, log *zap.Logger) *Engine {
	return &Engine{t: t, writers: writers, log: log.Named("transfer")}
}

func (e *Engine) Stats() Stats { return e.stats }

// Outstanding is the number of receives not yet drained.
func (e *Engine) Outstanding() int { return len(e.pending) }

// IssueSchedule sends every writer its part of s, length first. Writers
// without entries get an empty schedule so each writer hears from every
// reader. The sends are not waited for here.
func (e *Engine) IssueSchedule(ctx context.Context, s schedule.Schedule) {
	for w, payload := range schedule.SerializePerWriter(s, len(e.writers)) {
		dst := e.writers[w]
		e.sends = append(e.sends,
			e.t.Isend(ctx, dst, comm.TagReadScheduleLength, comm.EncodeUint64(uint64(len(payload)))),
			e.t.Isend(ctx, dst, comm.TagReadSchedule, payload))
	}
}

// IssueReceives posts one receive per entry, in the order each writer will
// send them. reqs are the requests the schedule was built from.
func (e *Engine) IssueReceives(s schedule.Schedule, reqs []schedule.Request) error {
	for _, w := range s.Writers() {
		if w < 0 || w >= len(e.writers) {
			return status.Errorf(codes.InvalidArgument, "schedule names writer %d of %d", w, len(e.writers))
		}
		for _, entry := range s[w] {
			if entry.Request < 0 || entry.Request >= len(reqs) {
				return status.Errorf(codes.InvalidArgument, "schedule entry for %q refers to request %d of %d",
					entry.Variable, entry.Request, len(reqs))
			}
			req := &reqs[entry.Request]
			p := pendingReceive{entry: entry, request: req}
			if window, ok := inPlaceWindow(entry, req); ok {
				p.inPlace = window
				e.reqs = append(e.reqs, e.t.Irecv(e.writers[w], comm.TagData, window))
			} else {
				p.temp = make([]byte, entry.Length)
				e.reqs = append(e.reqs, e.t.Irecv(e.writers[w], comm.TagData, p.temp))
			}
			e.pending = append(e.pending, p)
		}
	}
	return nil
}

// inPlaceWindow returns the slice of the request's destination that the
// entry's bytes map onto one to one, if there is one.
func inPlaceWindow(entry schedule.Entry, req *schedule.Request) ([]byte, bool) {
	if !selection.Contiguous(entry.BlockBox, entry.IntersectionBox) ||
		!selection.Contiguous(req.Box, entry.IntersectionBox) {
		return nil, false
	}
	elem := uint64(entry.Type.Size())
	off := req.Box.Linear(entry.IntersectionBox.Start) * elem
	if off+entry.Length > uint64(len(req.Dest)) {
		return nil, false
	}
	return req.Dest[off : off+entry.Length], true
}

// DrainCompletions waits for every posted receive, handling them in arrival
// order. A failed receive is logged and counted and does not stop the
// batch; only ctx ends the drain early, and the receives it leaves behind
// are counted as failed.
func (e *Engine) DrainCompletions(ctx context.Context) error {
	defer e.reset()
	for done := range e.reqs {
		i, err := comm.WaitAny(ctx, e.reqs)
		if err != nil {
			e.stats.Failed += len(e.reqs) - done
			e.log.Warn("drain interrupted", zap.Int("receives_left", len(e.reqs)-done), zap.Error(err))
			return err
		}
		e.complete(e.reqs[i], &e.pending[i])
	}

	for _, r := range e.sends {
		if r.Test() && r.Err() != nil {
			e.log.Warn("schedule send failed", zap.Error(r.Err()))
		}
	}
	return nil
}

func (e *Engine) reset() {
	e.pending = nil
	e.reqs = nil
	e.sends = nil
}

func (e *Engine) complete(r *comm.Request, p *pendingReceive) {
	if err := r.Err(); err != nil {
		e.stats.Failed++
		e.log.Warn("data receive failed", zap.String("variable", p.entry.Variable), zap.Error(err))
		return
	}
	if uint64(r.Len()) != p.entry.Length {
		e.stats.Failed++
		e.log.Warn("short data receive",
			zap.String("variable", p.entry.Variable),
			zap.Int("bytes", r.Len()),
			zap.Uint64("expected", p.entry.Length))
		return
	}
	if p.temp == nil {
		e.stats.InPlaceBytes += p.entry.Length
		return
	}

	first, _ := selection.Span(p.entry.BlockBox, p.entry.IntersectionBox)
	if _, err := selection.Clip(p.request.Dest, p.request.Box, p.temp, p.entry.BlockBox, first, p.entry.Type.Size()); err != nil {
		e.stats.Failed++
		e.log.Warn("clipping data failed", zap.String("variable", p.entry.Variable), zap.Error(err))
		return
	}
	e.stats.CopiedBytes += p.entry.Length
	p.temp = nil
}

// String summarizes the statistics for logs.
func (s Stats) String() string {
	return fmt.Sprintf("in-place %d bytes, copied %d bytes, failed %d, efficiency %d%%",
		s.InPlaceBytes, s.CopiedBytes, s.Failed, InPlacePercent(s.InPlaceBytes, s.CopiedBytes))
}
