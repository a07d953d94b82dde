// pkg/peer/codec.go
package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame is the unit carried by the Deliver RPC.
//
// Wire layout (little-endian):
// uint32 source  // global rank of the sender
// int32  tag     // comm.Tag
// []byte payload // remainder of the message
type Frame struct {
	Source  uint32
	Tag     int32
	Payload []byte
}

// Ack is the empty Deliver response.
type Ack struct{}

const frameHeaderSize = 8

// frameCodec replaces protobuf on the peer service; frames are opaque bytes
// already, so there is nothing to generate.
type frameCodec struct{}

func (frameCodec) Name() string { return "insitu-frame" }

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Frame:
		out := make([]byte, frameHeaderSize+len(m.Payload))
		binary.LittleEndian.PutUint32(out[0:4], m.Source)
		binary.LittleEndian.PutUint32(out[4:8], uint32(m.Tag))
		copy(out[frameHeaderSize:], m.Payload)
		return out, nil
	case *Ack:
		return nil, nil
	}
	return nil, fmt.Errorf("frame codec cannot marshal %T", v)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Frame:
		if len(data) < frameHeaderSize {
			return errors.New("frame header too short")
		}
		m.Source = binary.LittleEndian.Uint32(data[0:4])
		m.Tag = int32(binary.LittleEndian.Uint32(data[4:8]))
		m.Payload = append([]byte(nil), data[frameHeaderSize:]...)
		return nil
	case *Ack:
		return nil
	}
	return fmt.Errorf("frame codec cannot unmarshal into %T", v)
}
