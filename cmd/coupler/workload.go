// cmd/coupler/workload.go
package main

import (
	"context"
	"fmt"

	"insitu/pkg/catalog"
	"insitu/pkg/insitu"
	"insitu/pkg/selection"
	"insitu/pkg/step"

	"go.uber.org/zap"
)

// workload is a rows x cols float64 field: writers own bands of rows,
// readers fetch bands of columns.
type workload struct {
	rows, cols, steps int
}

func split(n, rank, size int) (start, count int) {
	start = rank * n / size
	return start, (rank+1)*n/size - start
}

func (wl workload) value(row, col int, stepNo int64) float64 {
	return float64(stepNo)*1e6 + float64(row*wl.cols+col)
}

func (wl workload) write(ctx context.Context, w *insitu.Writer) error {
	start, count := split(wl.rows, w.Rank(), w.Size())
	shape := []uint64{uint64(wl.rows), uint64(wl.cols)}
	box := selection.NewBox([]uint64{uint64(start), 0}, []uint64{uint64(count), uint64(wl.cols)})
	values := make([]float64, count*wl.cols)

	for n := 0; n < wl.steps; n++ {
		stepNo, err := w.BeginStep(ctx)
		if err != nil {
			return err
		}
		for k := range values {
			values[k] = wl.value(start+k/wl.cols, k%wl.cols, stepNo)
		}
		if err := insitu.PutValues(w, "field", shape, box, values); err != nil {
			return err
		}
		if err := w.EndStep(ctx); err != nil {
			return err
		}
	}
	return w.Close(ctx)
}

func (wl workload) read(ctx context.Context, r *insitu.Reader, log *zap.Logger) error {
	start, count := split(wl.cols, r.Rank(), r.Size())
	box := selection.NewBox([]uint64{0, uint64(start)}, []uint64{uint64(wl.rows), uint64(count)})
	dest := make([]byte, wl.rows*count*catalog.TypeFloat64.Size())

	for {
		st, err := r.BeginStep(ctx, step.NextAvailable, 0)
		if err != nil {
			return err
		}
		switch st {
		case step.StatusEndOfStream:
			log.Info("stream finished", zap.Stringer("stats", r.Stats()))
			return r.Close(ctx)
		case step.StatusNotReady:
			log.Info("no step yet, waiting again")
			continue
		}

		if err := r.Get("field", box, dest); err != nil {
			return err
		}
		if err := r.EndStep(ctx); err != nil {
			return err
		}
		values, err := catalog.DecodeValues[float64](dest)
		if err != nil {
			return err
		}
		for k, v := range values {
			row, col := k/count, start+k%count
			if want := wl.value(row, col, r.CurrentStep()); v != want {
				return fmt.Errorf("step %d: field[%d][%d] = %v, want %v", r.CurrentStep(), row, col, v, want)
			}
		}
		log.Info("step received", zap.Int64("step", r.CurrentStep()), zap.Int("values", len(values)))
	}
}
