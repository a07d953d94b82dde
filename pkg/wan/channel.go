// pkg/wan/channel.go
package wan

import (
	"bufio"
	_ "crypto/sha256"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// channelPair is one logical connection: envelopes on control, payloads on
// data.
type channelPair struct {
	control io.ReadWriteCloser
	data    io.ReadWriteCloser

	// serializes envelope+payload pairs of concurrent senders
	writeLock sync.Mutex
	listening atomic.Bool
}

func (c *channelPair) send(env []byte, payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if _, err := c.control.Write(env); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := c.data.Write(payload)
	return err
}

func (c *channelPair) close() error {
	c.listening.Store(false)
	return multierr.Append(c.control.Close(), c.data.Close())
}

// receive runs until the pair stops listening or a channel fails. Every
// envelope with a positive length is followed by exactly that many payload
// bytes on the data channel.
func (c *channelPair) receive(log *zap.Logger, deliver func([]byte, Envelope)) {
	r := bufio.NewReaderSize(c.control, MaxEnvelopeBytes)
	for c.listening.Load() {
		line, err := r.ReadSlice('\n')
		if err != nil {
			switch {
			case !c.listening.Load(), errors.Is(err, io.EOF):
				log.Debug("control channel closed")
			case errors.Is(err, bufio.ErrBufferFull):
				log.Error("envelope exceeds the control buffer, stopping", zap.Int("limit", MaxEnvelopeBytes))
			default:
				log.Warn("control channel read failed", zap.Error(err))
			}
			return
		}
		env, err := DecodeEnvelope(line)
		if err != nil {
			// the payload length is lost with it, so the data channel is out of step
			log.Error("undecodable envelope, stopping", zap.Error(err))
			return
		}
		if env.Bytes == 0 {
			continue
		}

		payload := make([]byte, env.Bytes)
		if _, err := io.ReadFull(c.data, payload); err != nil {
			if c.listening.Load() {
				log.Warn("data channel read failed", zap.String("var", env.Var), zap.Uint64("bytes", env.Bytes), zap.Error(err))
			}
			return
		}
		if env.Digest != "" {
			if err := verify(env.Digest, payload); err != nil {
				log.Warn("dropping payload", zap.String("var", env.Var), zap.Error(err))
				continue
			}
		}
		deliver(payload, env)
	}
}

func verify(d string, payload []byte) error {
	want, err := digest.Parse(d)
	if err != nil {
		return err
	}
	v := want.Verifier()
	v.Write(payload)
	if !v.Verified() {
		return status.Errorf(codes.DataLoss, "payload does not match %s", want)
	}
	return nil
}
