// pkg/catalog/codec.go
package catalog

import (
	"bytes"
	_ "crypto/sha256"
	"encoding/gob"
	"fmt"

	"github.com/opencontainers/go-digest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Codec turns a catalog into a transferable blob and back. Decode merges
// into the target: definitions are added and blocks appended, so callers that
// want a replace clear the target first.
type Codec interface {
	Encode(io *IO) ([]byte, error)
	Decode(data []byte, into *IO) error
}

// GobCodec is the default metadata codec.
type GobCodec struct{}

type wireCatalog struct {
	Variables  []Variable
	Attributes []Attribute
}

func (GobCodec) Encode(io *IO) ([]byte, error) {
	var w wireCatalog
	for _, v := range io.Variables() {
		w.Variables = append(w.Variables, *v)
	}
	for _, a := range io.Attributes() {
		w.Attributes = append(w.Attributes, *a)
	}
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("encoding catalog %q: %w", io.Name, err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte, into *IO) error {
	var w wireCatalog
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return status.Errorf(codes.DataLoss, "decoding catalog: %v", err)
	}
	for _, v := range w.Variables {
		if _, err := into.DefineVariable(v.Name, v.Type, v.Shape); err != nil {
			return err
		}
		for _, b := range v.Blocks {
			if err := into.AddBlock(v.Name, b); err != nil {
				return err
			}
		}
	}
	for _, a := range w.Attributes {
		if err := into.DefineAttribute(a.Name, a.Type, a.Value); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is the serialized catalog of one step.
type Snapshot struct {
	Bytes  []byte
	Digest digest.Digest
}

func NewSnapshot(b []byte) Snapshot {
	return Snapshot{Bytes: b, Digest: digest.FromBytes(b)}
}

// Verify checks the bytes against the recorded digest.
func (s Snapshot) Verify() error {
	if err := s.Digest.Validate(); err != nil {
		return status.Errorf(codes.DataLoss, "snapshot digest: %v", err)
	}
	v := s.Digest.Verifier()
	v.Write(s.Bytes)
	if !v.Verified() {
		return status.Errorf(codes.DataLoss, "snapshot does not match digest %s", s.Digest)
	}
	return nil
}
