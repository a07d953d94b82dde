package catalog

import (
	"testing"

	"insitu/pkg/selection"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestElementTypes(t *testing.T) {
	if TypeOf[float64]() != TypeFloat64 || TypeOf[complex64]() != TypeComplex64 {
		t.Fatal("TypeOf returned the wrong element type")
	}
	if TypeComplex128.Size() != 16 || TypeCompound.Size() != 0 {
		t.Errorf("sizes: complex128=%d compound=%d", TypeComplex128.Size(), TypeCompound.Size())
	}
	for _, name := range []string{"int16", "double", "compound"} {
		typ, err := ParseElementType(name)
		if err != nil {
			t.Fatalf("ParseElementType(%q) failed: %v", name, err)
		}
		if name != "double" && typ.String() != name {
			t.Errorf("round trip of %q gave %q", name, typ)
		}
	}
	if _, err := ParseElementType("quaternion"); status.Code(err) != codes.InvalidArgument {
		t.Errorf("ParseElementType(quaternion) error = %v", err)
	}
}

func TestEncodeDecodeValues(t *testing.T) {
	in := []complex128{1 + 2i, -3.5i}
	b := EncodeValues(in)
	if len(b) != 32 {
		t.Fatalf("encoded %d bytes, want 32", len(b))
	}
	out, err := DecodeValues[complex128](b)
	if err != nil {
		t.Fatalf("DecodeValues failed: %v", err)
	}
	if out[0] != in[0] || out[1] != in[1] {
		t.Errorf("DecodeValues = %v, want %v", out, in)
	}
	if _, err := DecodeValues[int32](b[:3]); err == nil {
		t.Error("DecodeValues should reject a partial element")
	}
}

func TestDefineVariable(t *testing.T) {
	io := NewIO("sim")
	if _, err := io.DefineVariable("temp", TypeFloat64, []uint64{4, 4}); err != nil {
		t.Fatalf("DefineVariable failed: %v", err)
	}
	if _, err := io.DefineVariable("temp", TypeInt32, []uint64{4, 4}); err == nil {
		t.Error("redefinition with another type should fail")
	}
	if err := io.AddBlock("temp", Block{Box: selection.NewBox([]uint64{2, 0}, []uint64{2, 4})}); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}
	if err := io.AddBlock("temp", Block{Box: selection.NewBox([]uint64{3, 0}, []uint64{2, 4})}); err == nil {
		t.Error("block outside the shape should be rejected")
	}
	if err := io.AddBlock("pressure", Block{}); status.Code(err) != codes.NotFound {
		t.Errorf("AddBlock on undefined variable = %v, want NotFound", err)
	}
	if typ, ok := io.InquireVariableType("temp"); !ok || typ != TypeFloat64 {
		t.Errorf("InquireVariableType = %v, %v", typ, ok)
	}
	if err := io.DefineAttribute("units", TypeUint8, []byte("K")); err != nil {
		t.Fatalf("DefineAttribute failed: %v", err)
	}
	io.RemoveAllVariables()
	if io.InquireVariable("temp") != nil {
		t.Error("temp still defined after RemoveAllVariables")
	}
	if io.InquireAttribute("units") == nil {
		t.Error("RemoveAllVariables dropped an attribute")
	}
}

func TestGobCodecMergesAndReplaces(t *testing.T) {
	a := NewIO("writer0")
	a.DefineVariable("temp", TypeFloat64, []uint64{4})
	a.AddBlock("temp", Block{Writer: 0, Box: selection.NewBox([]uint64{0}, []uint64{2}), PayloadOffset: 16, PayloadLength: 16})
	a.DefineAttribute("units", TypeUint8, []byte("K"))

	b := NewIO("writer1")
	b.DefineVariable("temp", TypeFloat64, []uint64{4})
	b.AddBlock("temp", Block{Writer: 1, Box: selection.NewBox([]uint64{2}, []uint64{2}), PayloadOffset: 16, PayloadLength: 16})

	var codec GobCodec
	merged := NewIO("merged")
	for _, src := range []*IO{a, b} {
		data, err := codec.Encode(src)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if err := codec.Decode(data, merged); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
	}
	temp := merged.InquireVariable("temp")
	if temp == nil || len(temp.Blocks) != 2 || temp.Blocks[1].Writer != 1 {
		t.Fatalf("merged variable = %+v", temp)
	}
	if attr := merged.InquireAttribute("units"); attr == nil || string(attr.Value) != "K" {
		t.Errorf("merged attribute = %+v", attr)
	}

	// replace: clear then decode a catalog without the attribute
	data, _ := codec.Encode(b)
	merged.RemoveAllVariables()
	merged.RemoveAllAttributes()
	if err := codec.Decode(data, merged); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(merged.Attributes()) != 0 || len(merged.InquireVariable("temp").Blocks) != 1 {
		t.Errorf("replace left stale entries: %d attributes, %d blocks",
			len(merged.Attributes()), len(merged.InquireVariable("temp").Blocks))
	}

	if err := codec.Decode([]byte("garbage"), merged); status.Code(err) != codes.DataLoss {
		t.Errorf("Decode(garbage) = %v, want DataLoss", err)
	}
}

func TestSnapshotDigest(t *testing.T) {
	s := NewSnapshot([]byte("catalog bytes"))
	if err := s.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	s.Bytes = []byte("tampered")
	if err := s.Verify(); status.Code(err) != codes.DataLoss {
		t.Errorf("Verify of tampered snapshot = %v, want DataLoss", err)
	}
}
