// pkg/comm/request.go
package comm

import (
	"context"
	"reflect"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Request is the handle of one asynchronous send or receive.
//
// A receive posted with a caller buffer completes by copying the message into
// that buffer; a receive posted without one keeps the message bytes as-is.
type Request struct {
	done chan struct{}
	once sync.Once

	buf      []byte
	n        int
	err      error
	returned bool // already reported by WaitAny
}

func newRequest(buf []byte) *Request {
	return &Request{done: make(chan struct{}), buf: buf}
}

// CompletedRequest returns a request that is already finished with err.
func CompletedRequest(err error) *Request {
	r := newRequest(nil)
	r.complete(nil, err)
	return r
}

// Pending returns a send request that completes with the first value
// received from done.
func Pending(done <-chan error) *Request {
	r := newRequest(nil)
	go func() {
		r.complete(nil, <-done)
	}()
	return r
}

// complete finishes the request. Only the first call has any effect.
func (r *Request) complete(payload []byte, err error) {
	r.once.Do(func() {
		switch {
		case err != nil:
			r.err = err
		case r.buf == nil:
			r.buf = payload
			r.n = len(payload)
		case len(payload) > len(r.buf):
			r.err = status.Errorf(codes.DataLoss,
				"message truncated: %d bytes arrived for a %d byte buffer", len(payload), len(r.buf))
		default:
			r.n = copy(r.buf, payload)
		}
		close(r.done)
	})
}

// Done is closed when the request has completed.
func (r *Request) Done() <-chan struct{} { return r.done }

// Test reports whether the request has completed without blocking.
func (r *Request) Test() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error. Only meaningful after Done.
func (r *Request) Err() error { return r.err }

// Len is the number of bytes delivered.
func (r *Request) Len() int { return r.n }

// Bytes returns the received message. For receives into a caller buffer this
// is the filled prefix of that buffer.
func (r *Request) Bytes() []byte {
	if r.buf == nil {
		return nil
	}
	return r.buf[:r.n]
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAny blocks until one of reqs that has not been returned before
// completes, marks it returned and gives back its index. Nil entries are
// skipped. The request's own error is left for the caller to inspect.
func WaitAny(ctx context.Context, reqs []*Request) (int, error) {
	cases := make([]reflect.SelectCase, 0, len(reqs)+1)
	index := make([]int, 0, len(reqs))
	for i, r := range reqs {
		if r == nil || r.returned {
			continue
		}
		if r.Test() {
			r.returned = true
			return i, nil
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.done)})
		index = append(index, i)
	}
	if len(index) == 0 {
		return -1, status.Error(codes.FailedPrecondition, "WaitAny called with no active requests")
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, _, _ := reflect.Select(cases)
	if chosen == len(index) {
		return -1, ctx.Err()
	}
	i := index[chosen]
	reqs[i].returned = true
	return i, nil
}

// WaitAll waits for every request and returns the first request error.
func WaitAll(ctx context.Context, reqs []*Request) error {
	var first error
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if err := r.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}
