package insitu

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"insitu/pkg/catalog"
	"insitu/pkg/comm"
	"insitu/pkg/selection"
	"insitu/pkg/step"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// stream is nw writers on the first global ranks and nr readers after them.
type stream struct {
	writers []*Writer
	readers []*Reader
}

func openStream(t *testing.T, ctx context.Context, nw, nr int, params map[string]string) *stream {
	world := comm.NewLocalWorld(nw + nr)
	s := &stream{writers: make([]*Writer, nw), readers: make([]*Reader, nr)}

	errs := make([]error, nw+nr)
	var wg sync.WaitGroup
	for i := range world {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i < nw {
				s.writers[i], errs[i] = OpenWriter(ctx, world[i], "sim", params, zap.NewNop())
			} else {
				s.readers[i-nw], errs[i] = OpenReader(ctx, world[i], "sim", params, zap.NewNop())
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d open failed: %v", i, err)
		}
	}
	return s
}

// run executes the writer and reader functions concurrently and returns the
// first error.
func (s *stream) run(writer func(i int, w *Writer) error, reader func(i int, r *Reader) error) error {
	errs := make(chan error, len(s.writers)+len(s.readers))
	var wg sync.WaitGroup
	for i, w := range s.writers {
		wg.Add(1)
		go func(i int, w *Writer) {
			defer wg.Done()
			if err := writer(i, w); err != nil {
				errs <- fmt.Errorf("writer %d: %w", i, err)
			}
		}(i, w)
	}
	for i, r := range s.readers {
		wg.Add(1)
		go func(i int, r *Reader) {
			defer wg.Done()
			if err := reader(i, r); err != nil {
				errs <- fmt.Errorf("reader %d: %w", i, err)
			}
		}(i, r)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// putStep writes writer i's part of both test variables: temp is a 1-D
// array of 12 split in halves, field a 4x6 array split by row pairs.
func putStep(w *Writer, i int, stepNo int64, withField bool) error {
	temp := make([]float64, 6)
	for k := range temp {
		temp[k] = float64(6*i+k) + float64(stepNo)*100
	}
	box := selection.NewBox([]uint64{uint64(6 * i)}, []uint64{6})
	if err := PutValues(w, "temp", []uint64{12}, box, temp); err != nil {
		return err
	}
	if !withField {
		return nil
	}
	field := make([]int32, 12)
	for k := range field {
		row, col := 2*i+k/6, k%6
		field[k] = int32(row*6+col) + int32(stepNo)*100
	}
	box = selection.NewBox([]uint64{uint64(2 * i), 0}, []uint64{2, 6})
	return PutValues(w, "field", []uint64{4, 6}, box, field)
}

// getStep requests temp[4i, 4i+4) and the columns 2i, 2i+1 of every row
// of field for reader i.
func getStep(r *Reader, i int) (temp, field []byte, err error) {
	temp = make([]byte, 4*8)
	if err = r.Get("temp", selection.NewBox([]uint64{uint64(4 * i)}, []uint64{4}), temp); err != nil {
		return nil, nil, err
	}
	field = make([]byte, 8*4)
	if err = r.Get("field", selection.NewBox([]uint64{0, uint64(2 * i)}, []uint64{4, 2}), field); err != nil {
		return nil, nil, err
	}
	return temp, field, nil
}

func checkStep(i int, stepNo int64, temp, field []byte) error {
	tv, err := catalog.DecodeValues[float64](temp)
	if err != nil {
		return err
	}
	for k, v := range tv {
		if want := float64(4*i+k) + float64(stepNo)*100; v != want {
			return fmt.Errorf("step %d temp[%d] = %v, want %v", stepNo, 4*i+k, v, want)
		}
	}
	fv, err := catalog.DecodeValues[int32](field)
	if err != nil {
		return err
	}
	for k, v := range fv {
		row, col := k/2, 2*i+k%2
		if want := int32(row*6+col) + int32(stepNo)*100; v != want {
			return fmt.Errorf("step %d field[%d][%d] = %d, want %d", stepNo, row, col, v, want)
		}
	}
	return nil
}

func testStream(t *testing.T, params map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := openStream(t, ctx, 2, 3, params)
	const steps = 3

	err := s.run(func(i int, w *Writer) error {
		for n := 0; n < steps; n++ {
			stepNo, err := w.BeginStep(ctx)
			if err != nil {
				return err
			}
			if stepNo != int64(n) {
				return fmt.Errorf("BeginStep returned %d, want %d", stepNo, n)
			}
			if err := putStep(w, i, stepNo, true); err != nil {
				return err
			}
			if err := w.EndStep(ctx); err != nil {
				return err
			}
		}
		return w.Close(ctx)
	}, func(i int, r *Reader) error {
		for n := 0; ; n++ {
			st, err := r.BeginStep(ctx, step.NextAvailable, -1)
			if err != nil {
				return err
			}
			if st == step.StatusEndOfStream {
				if n != steps {
					return fmt.Errorf("end of stream after %d steps", n)
				}
				break
			}
			if st != step.StatusOK || r.CurrentStep() != int64(n) {
				return fmt.Errorf("BeginStep = %v at step %d, want ok at %d", st, r.CurrentStep(), n)
			}
			temp, field, err := getStep(r, i)
			if err != nil {
				return err
			}
			if err := r.EndStep(ctx); err != nil {
				return err
			}
			if err := checkStep(i, int64(n), temp, field); err != nil {
				return err
			}
		}
		return r.Close(ctx)
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	for i, r := range s.readers {
		st := r.Stats()
		if st.Failed != 0 {
			t.Errorf("reader %d: %d failed receives", i, st.Failed)
		}
		// field is never contiguous in a writer block, temp always is
		if st.InPlaceBytes != steps*4*8 || st.CopiedBytes != steps*8*4 {
			t.Errorf("reader %d stats: %v", i, st)
		}
	}
}

func TestStreamRenegotiatesEveryStep(t *testing.T) {
	testStream(t, nil)
}

func TestStreamFixedSchedule(t *testing.T) {
	testStream(t, map[string]string{"FixedSchedule": "true", "verbose": "3"})
}

func TestOpenRejectsBadParams(t *testing.T) {
	world := comm.NewLocalWorld(2)
	ctx := context.Background()
	_, err := OpenWriter(ctx, world[0], "sim", map[string]string{"verbose": "9"}, zap.NewNop())
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("OpenWriter with verbose 9 = %v, want InvalidArgument", err)
	}
	_, err = OpenReader(ctx, world[1], "sim", map[string]string{"FixedSchedule": "maybe"}, zap.NewNop())
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("OpenReader with FixedSchedule maybe = %v, want InvalidArgument", err)
	}
}

func TestProtocolViolations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := openStream(t, ctx, 1, 1, nil)
	w, r := s.writers[0], s.readers[0]

	// Test 1: nothing can be done outside of a step
	if err := w.Put("temp", catalog.TypeFloat64, []uint64{12}, selection.NewBox([]uint64{0}, []uint64{1}), make([]byte, 8)); !comm.IsProtocolViolation(err) {
		t.Errorf("Put outside a step = %v", err)
	}
	if err := w.EndStep(ctx); !comm.IsProtocolViolation(err) {
		t.Errorf("writer EndStep outside a step = %v", err)
	}
	if err := r.Get("temp", selection.NewBox([]uint64{0}, []uint64{1}), make([]byte, 8)); !comm.IsProtocolViolation(err) {
		t.Errorf("Get outside a step = %v", err)
	}
	if err := r.PerformGets(ctx); !comm.IsProtocolViolation(err) {
		t.Errorf("PerformGets outside a step = %v", err)
	}

	// Test 2: double perform, unknown variable, short destination
	err := s.run(func(_ int, w *Writer) error {
		if _, err := w.BeginStep(ctx); err != nil {
			return err
		}
		if _, err := w.BeginStep(ctx); !comm.IsProtocolViolation(err) {
			return fmt.Errorf("nested BeginStep = %v", err)
		}
		if err := putStep(w, 0, 0, false); err != nil {
			return err
		}
		if err := w.Put("temp", catalog.TypeFloat64, []uint64{12}, selection.NewBox([]uint64{0}, []uint64{2}), make([]byte, 8)); status.Code(err) != codes.InvalidArgument {
			return fmt.Errorf("Put with short data = %v", err)
		}
		if err := w.PerformPuts(ctx); err != nil {
			return err
		}
		if err := w.PerformPuts(ctx); !comm.IsProtocolViolation(err) {
			return fmt.Errorf("second PerformPuts = %v", err)
		}
		if err := w.Put("temp", catalog.TypeFloat64, []uint64{12}, selection.NewBox([]uint64{0}, []uint64{1}), make([]byte, 8)); !comm.IsProtocolViolation(err) {
			return fmt.Errorf("Put after PerformPuts = %v", err)
		}
		return w.EndStep(ctx)
	}, func(_ int, r *Reader) error {
		st, err := r.BeginStep(ctx, step.NextAvailable, -1)
		if err != nil || st != step.StatusOK {
			return fmt.Errorf("BeginStep = %v, %v", st, err)
		}
		if _, err := r.BeginStep(ctx, step.NextAvailable, -1); !comm.IsProtocolViolation(err) {
			return fmt.Errorf("nested BeginStep = %v", err)
		}
		if err := r.Get("pressure", selection.NewBox([]uint64{0}, []uint64{1}), make([]byte, 8)); !comm.IsProtocolViolation(err) {
			return fmt.Errorf("Get of unknown variable = %v", err)
		}
		if err := r.Get("temp", selection.NewBox([]uint64{0}, []uint64{4}), make([]byte, 8)); status.Code(err) != codes.InvalidArgument {
			return fmt.Errorf("Get into short buffer = %v", err)
		}
		if err := r.Get("temp", selection.Box{Start: []uint64{0}, Count: []uint64{2, 2}}, make([]byte, 32)); status.Code(err) != codes.InvalidArgument {
			return fmt.Errorf("Get with malformed box = %v", err)
		}
		if err := r.Get("temp", selection.NewBox([]uint64{0, 0}, []uint64{1, 1}), make([]byte, 8)); status.Code(err) != codes.InvalidArgument {
			return fmt.Errorf("Get with wrong dimensions = %v", err)
		}
		if err := r.Get("temp", selection.NewBox([]uint64{10}, []uint64{4}), make([]byte, 32)); status.Code(err) != codes.InvalidArgument {
			return fmt.Errorf("Get outside the shape = %v", err)
		}
		dest := make([]byte, 8*6)
		if err := r.Get("temp", selection.NewBox([]uint64{0}, []uint64{6}), dest); err != nil {
			return err
		}
		if err := r.PerformGets(ctx); err != nil {
			return err
		}
		if err := r.PerformGets(ctx); !comm.IsProtocolViolation(err) {
			return fmt.Errorf("second PerformGets = %v", err)
		}
		return r.EndStep(ctx)
	})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}

	// Test 3: only NextAvailable is supported
	if _, err := r.BeginStep(ctx, step.LatestAvailable, -1); status.Code(err) != codes.Unimplemented {
		t.Errorf("BeginStep LatestAvailable = %v, want Unimplemented", err)
	}
}

func TestVariablesFollowEachStep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := openStream(t, ctx, 2, 3, nil)

	err := s.run(func(i int, w *Writer) error {
		for n := int64(0); n < 2; n++ {
			if _, err := w.BeginStep(ctx); err != nil {
				return err
			}
			if err := putStep(w, i, n, n == 0); err != nil {
				return err
			}
			if err := w.EndStep(ctx); err != nil {
				return err
			}
		}
		return w.Close(ctx)
	}, func(i int, r *Reader) error {
		// Test 1: step 0 carries both variables
		if st, err := r.BeginStep(ctx, step.NextAvailable, -1); err != nil || st != step.StatusOK {
			return fmt.Errorf("BeginStep = %v, %v", st, err)
		}
		if _, ok := r.IO().InquireVariableType("field"); !ok {
			return fmt.Errorf("field missing in step 0")
		}
		if err := r.EndStep(ctx); err != nil {
			return err
		}

		// Test 2: field was not written in step 1
		if st, err := r.BeginStep(ctx, step.NextAvailable, -1); err != nil || st != step.StatusOK {
			return fmt.Errorf("BeginStep = %v, %v", st, err)
		}
		if err := r.Get("field", selection.NewBox([]uint64{0, 0}, []uint64{1, 1}), make([]byte, 4)); !comm.IsProtocolViolation(err) {
			return fmt.Errorf("Get of dropped variable = %v", err)
		}
		dest := make([]byte, 4*8)
		if err := r.Get("temp", selection.NewBox([]uint64{uint64(4 * i)}, []uint64{4}), dest); err != nil {
			return err
		}
		if err := r.EndStep(ctx); err != nil {
			return err
		}
		got, _ := catalog.DecodeValues[float64](dest)
		if got[0] != float64(4*i)+100 {
			return fmt.Errorf("temp[%d] = %v in step 1", 4*i, got[0])
		}

		if st, err := r.BeginStep(ctx, step.NextAvailable, -1); err != nil || st != step.StatusEndOfStream {
			return fmt.Errorf("BeginStep after last step = %v, %v", st, err)
		}
		return r.Close(ctx)
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
}

func TestBeginStepTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := openStream(t, ctx, 1, 2, map[string]string{"StepTimeout": "50ms"})

	// Test 1: no writer step yet, every reader gives up together
	err := s.run(func(int, *Writer) error { return nil }, func(_ int, r *Reader) error {
		st, err := r.BeginStep(ctx, step.NextAvailable, 0)
		if err != nil {
			return err
		}
		if st != step.StatusNotReady {
			return fmt.Errorf("BeginStep = %v, want not-ready", st)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("timed out round failed: %v", err)
	}

	// Test 2: the step arrives and the retried wait picks it up
	err = s.run(func(_ int, w *Writer) error {
		if _, err := w.BeginStep(ctx); err != nil {
			return err
		}
		if err := putStep(w, 0, 0, false); err != nil {
			return err
		}
		if err := w.EndStep(ctx); err != nil {
			return err
		}
		return w.Close(ctx)
	}, func(_ int, r *Reader) error {
		st, err := r.BeginStep(ctx, step.NextAvailable, -1)
		if err != nil {
			return err
		}
		if st != step.StatusOK || r.CurrentStep() != 0 {
			return fmt.Errorf("BeginStep = %v at %d, want ok at 0", st, r.CurrentStep())
		}
		if err := r.EndStep(ctx); err != nil {
			return err
		}
		return r.Close(ctx)
	})
	if err != nil {
		t.Fatalf("step after timeout failed: %v", err)
	}
}
