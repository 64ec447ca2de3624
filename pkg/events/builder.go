package events

import (
	"encoding/binary"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// RecordBuilder encodes a self-describing record: every appended field extends both the payload
// and the embedded schema
type RecordBuilder struct {
	rec   Record
	props []Property
	buf   []byte
}

// NewRecord starts a 64-bit record for the given provider and event id
func NewRecord(provider GUID, id uint16) *RecordBuilder {
	return &RecordBuilder{
		rec: Record{
			Provider: provider,
			ID:       id,
			Flags:    Flag64BitHeader,
		},
	}
}

func (b *RecordBuilder) Version(v uint8) *RecordBuilder {
	b.rec.Version = v
	return b
}

func (b *RecordBuilder) Timestamp(ts uint64) *RecordBuilder {
	b.rec.Timestamp = ts
	return b
}

// Thread sets the emitting process and thread
func (b *RecordBuilder) Thread(pid, tid uint32) *RecordBuilder {
	b.rec.ProcessID = pid
	b.rec.ThreadID = tid
	return b
}

// Pointer32 marks the record as emitted by a 32-bit process; must precede any Pointer field
func (b *RecordBuilder) Pointer32() *RecordBuilder {
	b.rec.Flags = (b.rec.Flags &^ Flag64BitHeader) | Flag32BitHeader
	return b
}

// Classic marks the record as carrying a classic (MOF) header
func (b *RecordBuilder) Classic() *RecordBuilder {
	b.rec.Flags |= FlagClassicHeader
	return b
}

func (b *RecordBuilder) scalar(name string, t InType, v uint64) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: t})
	b.buf = appendScalar(b.buf, t.FixedSize(b.rec.PointerSize()), v)
	return b
}

func appendScalar(buf []byte, size int, v uint64) []byte {
	switch size {
	case 1:
		return append(buf, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case 4:
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}

func (b *RecordBuilder) Uint8(name string, v uint8) *RecordBuilder {
	return b.scalar(name, TypeUint8, uint64(v))
}

func (b *RecordBuilder) Uint16(name string, v uint16) *RecordBuilder {
	return b.scalar(name, TypeUint16, uint64(v))
}

func (b *RecordBuilder) Uint32(name string, v uint32) *RecordBuilder {
	return b.scalar(name, TypeUint32, uint64(v))
}

func (b *RecordBuilder) Int32(name string, v int32) *RecordBuilder {
	return b.scalar(name, TypeInt32, uint64(uint32(v)))
}

func (b *RecordBuilder) Uint64(name string, v uint64) *RecordBuilder {
	return b.scalar(name, TypeUint64, v)
}

func (b *RecordBuilder) Int64(name string, v int64) *RecordBuilder {
	return b.scalar(name, TypeInt64, uint64(v))
}

func (b *RecordBuilder) Double(name string, v float64) *RecordBuilder {
	return b.scalar(name, TypeDouble, math.Float64bits(v))
}

// Bool appends a 4-byte BOOL
func (b *RecordBuilder) Bool(name string, v bool) *RecordBuilder {
	var n uint64
	if v {
		n = 1
	}
	return b.scalar(name, TypeBool, n)
}

// Pointer appends a pointer-sized value whose width follows the record's header flags
func (b *RecordBuilder) Pointer(name string, v uint64) *RecordBuilder {
	return b.scalar(name, TypePointer, v)
}

func (b *RecordBuilder) GUID(name string, g GUID) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeGUID})
	b.buf = append(b.buf, g.Bytes()...)
	return b
}

// AnsiString appends a NUL terminated ANSI string
func (b *RecordBuilder) AnsiString(name string, s string) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeAnsiString})
	b.buf = append(append(b.buf, s...), 0)
	return b
}

// UnterminatedAnsiString appends an ANSI string that runs to the end of the payload, as classic
// kernel records do; it must be the last field
func (b *RecordBuilder) UnterminatedAnsiString(name string, s string) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeAnsiString})
	b.buf = append(b.buf, s...)
	return b
}

// UnicodeString appends a NUL terminated UTF-16LE string
func (b *RecordBuilder) UnicodeString(name string, s string) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeUnicodeString})
	b.buf = append(append(b.buf, encodeUTF16(s)...), 0, 0)
	return b
}

// CountedUnicodeString appends a UTF-16LE string whose character count is held by lengthProperty,
// which the caller must already have appended
func (b *RecordBuilder) CountedUnicodeString(name, lengthProperty string, s string) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeUnicodeString, LengthProperty: lengthProperty})
	b.buf = append(b.buf, encodeUTF16(s)...)
	return b
}

func encodeUTF16(s string) []byte {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}

// Binary appends a fixed length blob
func (b *RecordBuilder) Binary(name string, data []byte) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeBinary, Length: uint16(len(data))})
	b.buf = append(b.buf, data...)
	return b
}

// Uint32Array appends an array whose element count is held by countProperty, which the caller
// must already have appended
func (b *RecordBuilder) Uint32Array(name, countProperty string, values []uint32) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeUint32, CountProperty: countProperty})
	for _, v := range values {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	}
	return b
}

// Uint64Array appends an array whose element count is held by countProperty, which the caller
// must already have appended
func (b *RecordBuilder) Uint64Array(name, countProperty string, values []uint64) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeUint64, CountProperty: countProperty})
	for _, v := range values {
		b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	}
	return b
}

// FixedUint64Array appends an array with a fixed element count
func (b *RecordBuilder) FixedUint64Array(name string, values []uint64) *RecordBuilder {
	b.props = append(b.props, Property{Name: name, Type: TypeUint64, Count: uint16(len(values))})
	for _, v := range values {
		b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	}
	return b
}

// StructArray appends an array of structs whose element count is held by countProperty. Each
// element is encoded by its own callback; the member layout is taken from the first element.
func (b *RecordBuilder) StructArray(name, countProperty string, elems ...func(*RecordBuilder)) *RecordBuilder {
	prop := Property{Name: name, Type: TypeStruct, CountProperty: countProperty}
	for i, fill := range elems {
		sub := &RecordBuilder{rec: Record{Flags: b.rec.Flags}}
		fill(sub)
		if i == 0 {
			prop.Members = sub.props
		}
		b.buf = append(b.buf, sub.buf...)
	}
	b.props = append(b.props, prop)
	return b
}

// Build returns the encoded record; the builder must not be reused afterwards
func (b *RecordBuilder) Build() *Record {
	rec := b.rec
	rec.Payload = b.buf
	rec.Schema = &Schema{Properties: b.props}
	return &rec
}

// BuildRaw returns the encoded record without its embedded schema, along with the schema, for
// producers that register layouts out of band
func (b *RecordBuilder) BuildRaw() (*Record, Schema) {
	rec := b.Build()
	schema := *rec.Schema
	rec.Schema = nil
	return rec, schema
}
