// pkg/schedule/codec.go
package schedule

import (
	"encoding/binary"
	"errors"
	"fmt"

	"insitu/pkg/catalog"
	"insitu/pkg/selection"
)

// wire layout (little-endian):
// [0]      version (1)
// [1:5]    entry count u32
// per entry:
//   u16 name length, name bytes
//   u8  element type
//   u8  dims
//   dims x u64 block start, dims x u64 block count
//   dims x u64 intersection start, dims x u64 intersection count
//   u64 offset, u64 length, u64 block offset
const codecVersion = 1

func Encode(entries []Entry) []byte {
	b := make([]byte, 5, 5+len(entries)*64)
	b[0] = codecVersion
	binary.LittleEndian.PutUint32(b[1:5], uint32(len(entries)))
	for _, e := range entries {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Variable)))
		b = append(b, e.Variable...)
		b = append(b, byte(e.Type), byte(e.BlockBox.Dims()))
		for _, box := range []selection.Box{e.BlockBox, e.IntersectionBox} {
			for _, v := range box.Start {
				b = binary.LittleEndian.AppendUint64(b, v)
			}
			for _, v := range box.Count {
				b = binary.LittleEndian.AppendUint64(b, v)
			}
		}
		b = binary.LittleEndian.AppendUint64(b, e.Offset)
		b = binary.LittleEndian.AppendUint64(b, e.Length)
		b = binary.LittleEndian.AppendUint64(b, e.BlockOffset)
	}
	return b
}

func Decode(b []byte) ([]Entry, error) {
	if len(b) < 5 {
		return nil, errors.New("schedule header missing")
	}
	if b[0] != codecVersion {
		return nil, fmt.Errorf("unsupported schedule version %d", b[0])
	}
	count := int(binary.LittleEndian.Uint32(b[1:5]))
	i := 5
	entries := make([]Entry, 0, min(count, len(b)/16))
	for j := 0; j < count; j++ {
		var e Entry
		if len(b[i:]) < 2 {
			return nil, fmt.Errorf("schedule entry %d name length missing", j)
		}
		nameLen := int(binary.LittleEndian.Uint16(b[i : i+2]))
		i += 2
		if len(b[i:]) < nameLen+2 {
			return nil, fmt.Errorf("schedule entry %d name/type/dims missing", j)
		}
		e.Variable = string(b[i : i+nameLen])
		i += nameLen
		e.Type = catalog.ElementType(b[i])
		dims := int(b[i+1])
		i += 2
		if len(b[i:]) < dims*32+24 {
			return nil, fmt.Errorf("schedule entry %d boxes/offsets missing", j)
		}
		read := func() uint64 {
			v := binary.LittleEndian.Uint64(b[i : i+8])
			i += 8
			return v
		}
		boxes := [2]selection.Box{}
		for k := range boxes {
			boxes[k] = selection.Box{Start: make([]uint64, dims), Count: make([]uint64, dims)}
			for d := 0; d < dims; d++ {
				boxes[k].Start[d] = read()
			}
			for d := 0; d < dims; d++ {
				boxes[k].Count[d] = read()
			}
		}
		e.BlockBox, e.IntersectionBox = boxes[0], boxes[1]
		e.Offset = read()
		e.Length = read()
		e.BlockOffset = read()
		e.Request = -1
		entries = append(entries, e)
	}
	if i != len(b) {
		return nil, fmt.Errorf("schedule has %d trailing bytes", len(b)-i)
	}
	return entries, nil
}
