package metadata

import (
	"encoding/binary"

	"github.com/omaskery/frametrace/pkg/events"
)

type layout struct {
	schema *events.Schema
	index  map[string]int
}

func compile(schema *events.Schema) *layout {
	l := &layout{
		schema: schema,
		index:  make(map[string]int, len(schema.Properties)),
	}
	for i, p := range schema.Properties {
		if _, dup := l.index[p.Name]; !dup {
			l.index[p.Name] = i
		}
	}
	return l
}

func (l *layout) decode(rec *events.Record, fields []Field) bool {
	upto := -1
	for i := range fields {
		if idx, ok := l.index[fields[i].Name]; ok && idx > upto {
			upto = idx
		}
	}

	ptrSize := rec.PointerSize()
	spans := walk(rec.Payload, 0, l.schema.Properties, upto, ptrSize)

	all := true
	for i := range fields {
		f := &fields[i]
		idx, ok := l.index[f.Name]
		if !ok || !spans[idx].found {
			all = false
			continue
		}
		prop := &l.schema.Properties[idx]
		if f.Type != 0 && !compatible(f.Type, prop.Type) {
			f.Status = StatusTypeMismatch
			all = false
			continue
		}
		s := spans[idx]
		f.set(prop, rec.Payload, s, ptrSize)
	}
	return all
}

type span struct {
	off   int
	size  int
	count int
	elems []int
	found bool
}

// walk lays out props sequentially starting at base, stopping after index upto (or the end when
// upto is negative). Once a property cannot be placed every later property is left unfound.
func walk(payload []byte, base int, props []events.Property, upto int, ptrSize int) []span {
	if upto < 0 || upto >= len(props) {
		upto = len(props) - 1
	}
	spans := make([]span, len(props))
	off := base
	for i := 0; i <= upto; i++ {
		size, count, elems, ok := propertySize(payload, off, &props[i], props[:i], spans[:i], ptrSize)
		if !ok {
			break
		}
		spans[i] = span{off: off, size: size, count: count, elems: elems, found: true}
		off += size
	}
	return spans
}

func valueOf(payload []byte, name string, props []events.Property, spans []span) (uint64, bool) {
	for i := range props {
		if props[i].Name != name {
			continue
		}
		s := spans[i]
		if !s.found {
			return 0, false
		}
		return readUint(payload[s.off : s.off+s.size]), true
	}
	return 0, false
}

func propertySize(payload []byte, off int, p *events.Property, earlier []events.Property, spans []span, ptrSize int) (size, count int, elems []int, ok bool) {
	remaining := len(payload) - off
	if remaining < 0 {
		return 0, 0, nil, false
	}

	count = 1
	if p.CountProperty != "" {
		v, found := valueOf(payload, p.CountProperty, earlier, spans)
		// every element takes at least one byte
		if !found || v > uint64(remaining) {
			return 0, 0, nil, false
		}
		count = int(v)
	} else if p.Count > 1 {
		count = int(p.Count)
	}

	switch {
	case p.Type == events.TypeStruct:
		elems = make([]int, 0, count)
		for e := 0; e < count; e++ {
			elems = append(elems, off+size)
			memberSpans := walk(payload, off+size, p.Members, -1, ptrSize)
			end := off + size
			for _, ms := range memberSpans {
				if !ms.found {
					return 0, 0, nil, false
				}
				end = ms.off + ms.size
			}
			size = end - off
		}
		return size, count, elems, true

	case p.Type.IsString():
		charSize := 1
		if p.Type == events.TypeUnicodeString {
			charSize = 2
		}
		var chars int
		if p.LengthProperty != "" {
			v, found := valueOf(payload, p.LengthProperty, earlier, spans)
			if !found || v > uint64(remaining) {
				return 0, 0, nil, false
			}
			chars = int(v)
		} else {
			chars = int(p.Length)
		}
		for e := 0; e < count; e++ {
			start := off + size
			var n int
			if chars > 0 {
				n = chars * charSize
				if start+n > len(payload) {
					n = len(payload) - start
				}
			} else {
				n = terminatedLength(payload[start:], charSize)
			}
			size += n
		}
		return size, count, nil, true

	case p.Type == events.TypeBinary:
		n := int(p.Length)
		if p.LengthProperty != "" {
			v, found := valueOf(payload, p.LengthProperty, earlier, spans)
			if !found || v > uint64(remaining) {
				return 0, 0, nil, false
			}
			n = int(v)
		} else if n == 0 {
			n = remaining
		}
		size = n * count
		if size > remaining {
			return 0, 0, nil, false
		}
		return size, count, nil, true
	}

	fixed := p.Type.FixedSize(ptrSize)
	if fixed == 0 {
		return 0, 0, nil, false
	}
	size = fixed * count
	if size > remaining {
		return 0, 0, nil, false
	}
	return size, count, nil, true
}

// terminatedLength measures a NUL terminated string including its terminator. A string that runs
// to the end of the payload without a terminator is accepted as is.
func terminatedLength(b []byte, charSize int) int {
	for i := 0; i+charSize <= len(b); i += charSize {
		if charSize == 1 && b[i] == 0 {
			return i + 1
		}
		if charSize == 2 && b[i] == 0 && b[i+1] == 0 {
			return i + 2
		}
	}
	return len(b)
}

func readUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	if len(b) > 8 {
		return binary.LittleEndian.Uint64(b[:8])
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func isInteger(t events.InType) bool {
	switch t {
	case events.TypeInt8, events.TypeUint8, events.TypeInt16, events.TypeUint16,
		events.TypeInt32, events.TypeUint32, events.TypeInt64, events.TypeUint64,
		events.TypeBool, events.TypePointer:
		return true
	}
	return false
}

func compatible(want, have events.InType) bool {
	if want == have {
		return true
	}
	if isInteger(want) && isInteger(have) {
		return true
	}
	return want.IsString() && have.IsString()
}
