// pkg/comm/comm.go
package comm

import (
	"context"
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tag identifies the kind of a point-to-point message.
type Tag int32

const (
	TagConnect Tag = iota + 1
	TagStep
	TagMetadataLength
	TagMetadata
	TagReadScheduleLength
	TagReadSchedule
	TagData
	TagAbandon

	// collective tags are offset by the group's tag base
	tagBcast  Tag = 1 << 20
	tagGather Tag = 2 << 20
)

func (t Tag) String() string {
	switch t {
	case TagConnect:
		return "connect"
	case TagStep:
		return "step"
	case TagMetadataLength:
		return "metadata-length"
	case TagMetadata:
		return "metadata"
	case TagReadScheduleLength:
		return "read-schedule-length"
	case TagReadSchedule:
		return "read-schedule"
	case TagData:
		return "data"
	case TagAbandon:
		return "abandon"
	}
	return fmt.Sprintf("tag(%d)", int32(t))
}

// Transport is the point-to-point messaging capability of one process in the
// global domain. Messages between one (source, tag) pair are non-overtaking.
type Transport interface {
	Rank() int
	Size() int
	// Isend starts sending payload to dst. The payload may be reused once
	// Isend returns.
	Isend(ctx context.Context, dst int, tag Tag, payload []byte) *Request
	// Irecv posts a receive for the next message from src with tag. If buf
	// is non-nil the message is copied into it and must fit.
	Irecv(src int, tag Tag, buf []byte) *Request
	Close() error
}

// Send is the blocking form of Isend.
func Send(ctx context.Context, t Transport, dst int, tag Tag, payload []byte) error {
	return t.Isend(ctx, dst, tag, payload).Wait(ctx)
}

// Recv is the blocking form of Irecv without a caller buffer.
func Recv(ctx context.Context, t Transport, src int, tag Tag) ([]byte, error) {
	r := t.Irecv(src, tag, nil)
	if err := r.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Bytes(), nil
}

// EncodeInt64 is the wire form of step numbers and tokens.
func EncodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, status.Errorf(codes.DataLoss, "expected 8 byte integer, got %d bytes", len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// EncodeUint64 is the wire form of lengths.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 reverses EncodeUint64.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, status.Errorf(codes.DataLoss, "expected 8 byte length, got %d bytes", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// RecvInt64 receives one integer message.
func RecvInt64(ctx context.Context, t Transport, src int, tag Tag) (int64, error) {
	b, err := Recv(ctx, t, src, tag)
	if err != nil {
		return 0, err
	}
	return DecodeInt64(b)
}

// RecvUint64 receives one length message.
func RecvUint64(ctx context.Context, t Transport, src int, tag Tag) (uint64, error) {
	b, err := Recv(ctx, t, src, tag)
	if err != nil {
		return 0, err
	}
	return DecodeUint64(b)
}

// ProtocolViolation builds the error returned when a peer or caller breaks
// the step protocol.
func ProtocolViolation(format string, args ...any) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

// IsProtocolViolation reports whether err was built by ProtocolViolation.
func IsProtocolViolation(err error) bool {
	return err != nil && status.Code(err) == codes.FailedPrecondition
}
