// pkg/wan/manager.go
package wan

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"insitu/pkg/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/opencontainers/go-digest"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Mode is the direction of a transport.
type Mode int

const (
	ModeWrite Mode = iota
	ModeRead
)

func (m Mode) String() string {
	if m == ModeRead {
		return "read"
	}
	return "write"
}

// Callback receives every payload that arrives in read mode. It runs on the
// receive loop, so a slow callback stalls its connection.
type Callback func(payload []byte, doid, variable, dtype string, shape []uint64)

// Manager owns the wide-area transports of one stream.
type Manager struct {
	log *zap.Logger

	mu       sync.Mutex
	callback Callback
	opened   bool
	pairs    []*channelPair
	current  int
	wg       sync.WaitGroup
}

type Option func(*Manager)

func WithCallback(cb Callback) Option {
	return func(m *Manager) { m.callback = cb }
}

func NewManager(log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{log: log.Named("wan")}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterCallback sets the delivery callback. It must happen before the
// first transport is opened.
func (m *Manager) RegisterCallback(cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return status.Error(codes.FailedPrecondition, "callback must be registered before a transport is opened")
	}
	m.callback = cb
	return nil
}

// Open starts one transport per parameter set. The data channel of each uses
// the control port plus one. In read mode Open waits for the remote writer
// to connect both channels; in write mode it dials until ctx expires.
func (m *Manager) Open(ctx context.Context, name string, mode Mode, params []map[string]string) error {
	for i, p := range params {
		tp, err := config.ParseTransportParams(p, name)
		if err != nil {
			return fmt.Errorf("transport %d: %w", i, err)
		}
		if !strings.EqualFold(tp.Type, "wan") {
			return status.Errorf(codes.InvalidArgument, "transport %d has type %q, want wan", i, tp.Type)
		}
		if !strings.EqualFold(tp.Library, "tcp") {
			return status.Errorf(codes.Unimplemented, "wan library %q is not supported", tp.Library)
		}

		controlAddr := net.JoinHostPort(tp.IPAddress, strconv.Itoa(tp.Port))
		dataAddr := net.JoinHostPort(tp.IPAddress, strconv.Itoa(tp.Port+1))
		var control, data net.Conn
		if mode == ModeRead {
			control, data, err = m.accept(ctx, controlAddr, dataAddr)
		} else {
			control, data, err = m.dial(ctx, controlAddr, dataAddr)
		}
		if err != nil {
			return fmt.Errorf("opening %s transport %q at %s: %w", mode, tp.Name, controlAddr, err)
		}
		idx := m.Attach(control, data, mode)
		m.log.Info("transport opened",
			zap.String("name", tp.Name),
			zap.Stringer("mode", mode),
			zap.String("control", controlAddr),
			zap.String("data", dataAddr),
			zap.Int("index", idx))
	}
	return nil
}

func (m *Manager) accept(ctx context.Context, controlAddr, dataAddr string) (net.Conn, net.Conn, error) {
	var lc net.ListenConfig
	controlLis, err := lc.Listen(ctx, "tcp", controlAddr)
	if err != nil {
		return nil, nil, err
	}
	defer controlLis.Close()
	dataLis, err := lc.Listen(ctx, "tcp", dataAddr)
	if err != nil {
		return nil, nil, err
	}
	defer dataLis.Close()

	control, err := acceptOne(ctx, controlLis)
	if err != nil {
		return nil, nil, err
	}
	data, err := acceptOne(ctx, dataLis)
	if err != nil {
		control.Close()
		return nil, nil, err
	}
	return control, data, nil
}

func acceptOne(ctx context.Context, lis net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()
	c, err := lis.Accept()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return c, err
}

// maxDialInterval caps the delay between two dial attempts.
const maxDialInterval = 2 * time.Second

func (m *Manager) dial(ctx context.Context, controlAddr, dataAddr string) (net.Conn, net.Conn, error) {
	var d net.Dialer
	notify := func(err error, wait time.Duration) {
		m.log.Debug("dial failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	connect := func(addr string) (net.Conn, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxInterval = maxDialInterval
		b.MaxElapsedTime = 0
		var c net.Conn
		err := backoff.RetryNotify(func() (err error) {
			c, err = d.DialContext(ctx, "tcp", addr)
			return err
		}, backoff.WithContext(b, ctx), notify)
		return c, err
	}

	control, err := connect(controlAddr)
	if err != nil {
		return nil, nil, err
	}
	data, err := connect(dataAddr)
	if err != nil {
		control.Close()
		return nil, nil, err
	}
	return control, data, nil
}

// Attach adds an already connected channel pair and returns its index. In
// read mode it starts the receive loop.
func (m *Manager) Attach(control, data io.ReadWriteCloser, mode Mode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	c := &channelPair{control: control, data: data}
	m.pairs = append(m.pairs, c)
	idx := len(m.pairs) - 1
	if mode == ModeRead {
		c.listening.Store(true)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			c.receive(m.log.With(zap.Int("transport", idx)), m.deliver)
		}()
	}
	return idx
}

func (m *Manager) deliver(payload []byte, env Envelope) {
	// set before the first Attach, never changed after
	if m.callback == nil {
		m.log.Debug("no callback, discarding payload", zap.String("var", env.Var), zap.Uint64("bytes", env.Bytes))
		return
	}
	m.callback(payload, env.DOID, env.Var, env.DType, env.Shape)
}

// SetCurrentTransport selects the transport Send writes to.
func (m *Manager) SetCurrentTransport(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.pairs) {
		return status.Errorf(codes.InvalidArgument, "transport %d of %d", i, len(m.pairs))
	}
	m.current = i
	return nil
}

// Send writes env to the control channel and payload to the data channel
// of the current transport. Bytes and Digest are filled in from payload.
func (m *Manager) Send(payload []byte, env Envelope) error {
	m.mu.Lock()
	if len(m.pairs) == 0 {
		m.mu.Unlock()
		return status.Error(codes.FailedPrecondition, "no transport is open")
	}
	c := m.pairs[m.current]
	m.mu.Unlock()

	env.Bytes = uint64(len(payload))
	env.Digest = digest.FromBytes(payload).String()
	line, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.send(line, payload); err != nil {
		return status.Errorf(codes.Unavailable, "sending %q: %v", env.Var, err)
	}
	return nil
}

// Close stops every receive loop, closes all channels and waits for the
// loops to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	pairs := m.pairs
	m.pairs = nil
	m.current = 0
	m.mu.Unlock()

	var err error
	for _, c := range pairs {
		err = multierr.Append(err, c.close())
	}
	m.wg.Wait()
	return err
}
