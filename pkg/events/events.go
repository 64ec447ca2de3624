// events provides the raw trace record representation consumed by the correlation engine
package events

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGUID = errors.New("invalid GUID")
)

// GUID identifies a trace provider
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// MustParseGUID is ParseGUID that panics on malformed input, for package level provider tables
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(fmt.Sprintf("bad provider GUID %q: %v", s, err))
	}
	return g
}

// ParseGUID parses the registry format, with or without the surrounding braces
func ParseGUID(s string) (GUID, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
	parts := strings.Split(s, "-")
	if len(parts) != 5 || len(parts[0]) != 8 || len(parts[1]) != 4 || len(parts[2]) != 4 ||
		len(parts[3]) != 4 || len(parts[4]) != 12 {
		return GUID{}, fmt.Errorf("malformed '%s': %w", s, ErrInvalidGUID)
	}

	raw, err := hex.DecodeString(strings.Join(parts, ""))
	if err != nil {
		return GUID{}, fmt.Errorf("malformed '%s': %w", s, ErrInvalidGUID)
	}

	var g GUID
	g.Data1 = binary.BigEndian.Uint32(raw[0:4])
	g.Data2 = binary.BigEndian.Uint16(raw[4:6])
	g.Data3 = binary.BigEndian.Uint16(raw[6:8])
	copy(g.Data4[:], raw[8:16])
	return g, nil
}

// GUIDFromBytes decodes the in-memory (little endian) layout used inside event payloads
func GUIDFromBytes(b []byte) GUID {
	var g GUID
	if len(b) < 16 {
		return g
	}
	g.Data1 = binary.LittleEndian.Uint32(b[0:4])
	g.Data2 = binary.LittleEndian.Uint16(b[4:6])
	g.Data3 = binary.LittleEndian.Uint16(b[6:8])
	copy(g.Data4[:], b[8:16])
	return g
}

// Bytes encodes the GUID in its in-memory (little endian) layout
func (g GUID) Bytes() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], g.Data1)
	binary.LittleEndian.PutUint16(b[4:6], g.Data2)
	binary.LittleEndian.PutUint16(b[6:8], g.Data3)
	copy(b[8:16], g.Data4[:])
	return b
}

func (g GUID) String() string {
	return fmt.Sprintf("{%08x-%04x-%04x-%x-%x}", g.Data1, g.Data2, g.Data3, g.Data4[:2], g.Data4[2:])
}

func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *GUID) UnmarshalText(text []byte) error {
	parsed, err := ParseGUID(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// HeaderFlags mirror the trace header flags relevant to payload decoding
type HeaderFlags uint16

const (
	FlagClassicHeader HeaderFlags = 0x0100
	Flag32BitHeader   HeaderFlags = 0x0020
	Flag64BitHeader   HeaderFlags = 0x0040
)

// Record is a single trace record as delivered by a trace session, in time order
type Record struct {
	// Provider identifies the component that emitted the record
	Provider GUID
	// ID is the event id within the provider
	ID uint16
	// Version is the event version, which selects the payload layout
	Version uint8
	// Flags carry the pointer width of the emitting process
	Flags HeaderFlags
	// Timestamp is a monotonic QPC tick count
	Timestamp uint64
	// ProcessID of the thread that emitted the record
	ProcessID uint32
	// ThreadID that emitted the record
	ThreadID uint32
	// Payload is the raw user data of the record
	Payload []byte
	// Schema is an optional embedded type description of the payload (self-describing records)
	Schema *Schema
}

// PointerSize is the width of pointer-sized payload fields
func (r *Record) PointerSize() int {
	if r.Flags&Flag32BitHeader != 0 {
		return 4
	}
	return 8
}

// Header is the part of a record the correlation engine keeps after decoding
type Header struct {
	Timestamp uint64
	ProcessID uint32
	ThreadID  uint32
}

// Header returns the identity portion of the record
func (r *Record) Header() Header {
	return Header{
		Timestamp: r.Timestamp,
		ProcessID: r.ProcessID,
		ThreadID:  r.ThreadID,
	}
}

// InType is the wire type of a payload property
type InType uint8

const (
	TypeInt8 InType = iota + 1
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat
	TypeDouble
	TypeBool
	TypePointer
	TypeGUID
	TypeAnsiString
	TypeUnicodeString
	TypeBinary
	TypeStruct
)

var inTypeNames = map[InType]string{
	TypeInt8:          "int8",
	TypeUint8:         "uint8",
	TypeInt16:         "int16",
	TypeUint16:        "uint16",
	TypeInt32:         "int32",
	TypeUint32:        "uint32",
	TypeInt64:         "int64",
	TypeUint64:        "uint64",
	TypeFloat:         "float",
	TypeDouble:        "double",
	TypeBool:          "bool",
	TypePointer:       "pointer",
	TypeGUID:          "guid",
	TypeAnsiString:    "ansistring",
	TypeUnicodeString: "unicodestring",
	TypeBinary:        "binary",
	TypeStruct:        "struct",
}

func (t InType) String() string {
	if n, ok := inTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("InType(%d)", uint8(t))
}

// ParseInType maps a type name as written in capture files back to an InType
func ParseInType(s string) (InType, bool) {
	for t, n := range inTypeNames {
		if n == s {
			return t, true
		}
	}
	return 0, false
}

// FixedSize is the encoded size of a scalar type, 0 for variable sized types
func (t InType) FixedSize(pointerSize int) int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat, TypeBool:
		return 4
	case TypeInt64, TypeUint64, TypeDouble:
		return 8
	case TypePointer:
		return pointerSize
	case TypeGUID:
		return 16
	}
	return 0
}

// IsString reports whether the type is one of the string types
func (t InType) IsString() bool {
	return t == TypeAnsiString || t == TypeUnicodeString
}

// Property describes one field of an event payload
type Property struct {
	Name string
	Type InType
	// Count is a fixed element count for arrays; values of 0 and 1 mean a scalar unless CountProperty is set
	Count uint16
	// CountProperty names an earlier property holding the element count
	CountProperty string
	// Length is a fixed length in characters (strings) or bytes (binary)
	Length uint16
	// LengthProperty names an earlier property holding the length
	LengthProperty string
	// Members describe the fields of a struct property
	Members []Property
}

// IsArray reports whether the property holds more than one element
func (p *Property) IsArray() bool {
	return p.Count > 1 || p.CountProperty != ""
}

// Schema is the type description of an event payload
type Schema struct {
	Properties []Property
}

// Key identifies a schema: one layout per provider, event id and version
type Key struct {
	Provider GUID
	ID       uint16
	Version  uint8
}

// Key returns the schema key of the record
func (r *Record) Key() Key {
	return Key{Provider: r.Provider, ID: r.ID, Version: r.Version}
}
