// pkg/catalog/types.go
package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ElementType is the closed set of array element types.
type ElementType uint8

const (
	TypeUnknown ElementType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeComplex64
	TypeComplex128
	TypeCompound
)

var typeNames = map[ElementType]string{
	TypeInt8:       "int8",
	TypeInt16:      "int16",
	TypeInt32:      "int32",
	TypeInt64:      "int64",
	TypeUint8:      "uint8",
	TypeUint16:     "uint16",
	TypeUint32:     "uint32",
	TypeUint64:     "uint64",
	TypeFloat32:    "float32",
	TypeFloat64:    "float64",
	TypeComplex64:  "complex64",
	TypeComplex128: "complex128",
	TypeCompound:   "compound",
}

// aliases accepted by ParseElementType in addition to the canonical names
var typeAliases = map[string]ElementType{
	"char":           TypeInt8,
	"short":          TypeInt16,
	"int":            TypeInt32,
	"long long int":  TypeInt64,
	"unsigned char":  TypeUint8,
	"float":          TypeFloat32,
	"double":         TypeFloat64,
	"float complex":  TypeComplex64,
	"double complex": TypeComplex128,
	"struct":         TypeCompound,
}

func (t ElementType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Size is the element size in bytes; 0 for compound and unknown types.
func (t ElementType) Size() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64, TypeComplex64:
		return 8
	case TypeComplex128:
		return 16
	}
	return 0
}

// Scalar reports whether t is a fixed-size numeric type.
func (t ElementType) Scalar() bool { return t.Size() > 0 }

func ParseElementType(s string) (ElementType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	if t, ok := typeAliases[s]; ok {
		return t, nil
	}
	return TypeUnknown, status.Errorf(codes.InvalidArgument, "unknown element type %q", s)
}

// Numeric is the set of Go types that map onto a scalar ElementType.
type Numeric interface {
	int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | complex64 | complex128
}

// TypeOf returns the element type of T.
func TypeOf[T Numeric]() ElementType {
	var v T
	switch any(v).(type) {
	case int8:
		return TypeInt8
	case int16:
		return TypeInt16
	case int32:
		return TypeInt32
	case int64:
		return TypeInt64
	case uint8:
		return TypeUint8
	case uint16:
		return TypeUint16
	case uint32:
		return TypeUint32
	case uint64:
		return TypeUint64
	case float32:
		return TypeFloat32
	case float64:
		return TypeFloat64
	case complex64:
		return TypeComplex64
	case complex128:
		return TypeComplex128
	}
	return TypeUnknown
}

// EncodeValues lays out values little-endian, the in-memory form of every
// block payload.
func EncodeValues[T Numeric](values []T) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(values)*TypeOf[T]().Size()))
	// writes to a bytes.Buffer only fail for unsupported types
	if err := binary.Write(buf, binary.LittleEndian, values); err != nil {
		panic(fmt.Sprintf("catalog: encoding %T: %v", values, err))
	}
	return buf.Bytes()
}

// DecodeValues reverses EncodeValues.
func DecodeValues[T Numeric](b []byte) ([]T, error) {
	size := TypeOf[T]().Size()
	if size == 0 || len(b)%size != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "%d bytes is not a whole number of %d byte elements", len(b), size)
	}
	out := make([]T, len(b)/size)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}
