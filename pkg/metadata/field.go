package metadata

import (
	"bytes"
	"encoding/binary"
	"math"

	"golang.org/x/text/encoding/unicode"

	"github.com/omaskery/frametrace/pkg/events"
)

// Status reports the outcome of decoding a single field
type Status uint8

const (
	StatusNotFound Status = iota
	StatusFound
	StatusTypeMismatch
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusTypeMismatch:
		return "type mismatch"
	}
	return "not found"
}

// Field is a decode request for a single named property, and holds the decoded value afterwards.
// A zero Type accepts any property type; otherwise integer widths are interchangeable and the
// two string encodings are interchangeable.
type Field struct {
	Name   string
	Type   events.InType
	Status Status

	prop    *events.Property
	payload []byte
	data    []byte
	count   int
	elems   []int
	ptrSize int
}

// Fields builds untyped decode requests for the given names
func Fields(names ...string) []Field {
	fields := make([]Field, len(names))
	for i, n := range names {
		fields[i].Name = n
	}
	return fields
}

func (f *Field) reset() {
	f.Status = StatusNotFound
	f.prop = nil
	f.payload = nil
	f.data = nil
	f.count = 0
	f.elems = nil
	f.ptrSize = 0
}

func (f *Field) set(prop *events.Property, payload []byte, s span, ptrSize int) {
	f.Status = StatusFound
	f.prop = prop
	f.payload = payload
	f.data = payload[s.off : s.off+s.size]
	f.count = s.count
	f.elems = s.elems
	f.ptrSize = ptrSize
}

func (f *Field) Found() bool {
	return f.Status == StatusFound
}

// Len is the element count of an array property, 1 for scalars and 0 when not found
func (f *Field) Len() int {
	if !f.Found() {
		return 0
	}
	return f.count
}

func (f *Field) elemSize() int {
	if f.count <= 0 {
		return 0
	}
	return len(f.data) / f.count
}

// Uint64 reads an unsigned integer of whatever width the property has
func (f *Field) Uint64() uint64 {
	if !f.Found() {
		return 0
	}
	if f.prop.IsArray() {
		return f.Uint64At(0)
	}
	return readUint(f.data)
}

func (f *Field) Uint32() uint32 {
	return uint32(f.Uint64())
}

func (f *Field) Uint16() uint16 {
	return uint16(f.Uint64())
}

func (f *Field) Uint8() uint8 {
	return uint8(f.Uint64())
}

// Int32 sign extends narrower properties
func (f *Field) Int32() int32 {
	return int32(f.Int64())
}

func (f *Field) Int64() int64 {
	v := f.Uint64()
	if !f.Found() {
		return 0
	}
	switch f.prop.Type {
	case events.TypeInt8:
		return int64(int8(v))
	case events.TypeInt16:
		return int64(int16(v))
	case events.TypeInt32:
		return int64(int32(v))
	}
	return int64(v)
}

// Ptr reads a pointer-sized value, zero extended when the record came from a 32-bit process
func (f *Field) Ptr() uint64 {
	return f.Uint64()
}

func (f *Field) Bool() bool {
	return f.Uint64() != 0
}

func (f *Field) Double() float64 {
	if !f.Found() {
		return 0
	}
	switch len(f.data) {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(f.data)))
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(f.data))
	}
	return 0
}

func (f *Field) GUID() events.GUID {
	if !f.Found() {
		return events.GUID{}
	}
	return events.GUIDFromBytes(f.data)
}

// Uint64At reads element i of an integer array
func (f *Field) Uint64At(i int) uint64 {
	size := f.elemSize()
	if !f.Found() || i < 0 || i >= f.count || size == 0 {
		return 0
	}
	return readUint(f.data[i*size : (i+1)*size])
}

// Bytes returns the raw encoded value; it aliases the record payload
func (f *Field) Bytes() []byte {
	return f.data
}

// String decodes an ANSI or UTF-16 string property, stopping at the first NUL character
func (f *Field) String() string {
	if !f.Found() {
		return ""
	}
	if f.prop.Type == events.TypeUnicodeString {
		return decodeUTF16(f.data)
	}
	if i := bytes.IndexByte(f.data, 0); i >= 0 {
		return string(f.data[:i])
	}
	return string(f.data)
}

func decodeUTF16(b []byte) string {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// Member decodes a member of element i of a struct array
func (f *Field) Member(i int, name string) Field {
	out := Field{Name: name}
	if !f.Found() || f.prop.Type != events.TypeStruct || i < 0 || i >= len(f.elems) {
		return out
	}
	members := f.prop.Members
	spans := walk(f.payload, f.elems[i], members, -1, f.ptrSize)
	for m := range members {
		if members[m].Name == name && spans[m].found {
			out.set(&members[m], f.payload, spans[m], f.ptrSize)
			break
		}
	}
	return out
}
