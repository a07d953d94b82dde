// pkg/wan/envelope.go
package wan

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxEnvelopeBytes bounds one encoded envelope, delimiter included.
const MaxEnvelopeBytes = 1024

const (
	unknownObject   = "Unknown Data Object"
	unknownVariable = "Unknown Variable"
	unknownType     = "Unknown Data Type"
)

// Envelope describes one payload on the data channel.
type Envelope struct {
	Bytes  uint64   `json:"bytes"`
	DOID   string   `json:"doid,omitempty"`
	Var    string   `json:"var,omitempty"`
	DType  string   `json:"dtype,omitempty"`
	Shape  []uint64 `json:"putshape,omitempty"`
	Digest string   `json:"digest,omitempty"`
}

// EncodeEnvelope renders e as one newline-terminated JSON line.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	b = append(b, '\n')
	if len(b) > MaxEnvelopeBytes {
		return nil, status.Errorf(codes.InvalidArgument, "envelope of %d bytes exceeds %d", len(b), MaxEnvelopeBytes)
	}
	return b, nil
}

// DecodeEnvelope parses one line. Missing names fall back to the "Unknown"
// placeholders.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return e, status.Errorf(codes.DataLoss, "decoding envelope: %v", err)
	}
	if e.DOID == "" {
		e.DOID = unknownObject
	}
	if e.Var == "" {
		e.Var = unknownVariable
	}
	if e.DType == "" {
		e.DType = unknownType
	}
	return e, nil
}
