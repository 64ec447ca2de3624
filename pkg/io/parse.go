package io

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/golang/snappy"

	"github.com/omaskery/frametrace/pkg/events"
)

var (
	ErrInvalidDataType  = errors.New("data found in file does not match expected type")
	ErrSyntaxError      = errors.New("file format contained a syntax error")
	ErrUnknownFieldType = errors.New("unknown field type")
	ErrMissingPayload   = errors.New("record has neither payload nor fields")
	ErrMissingSchema    = errors.New("record layout is unknown")
)

// snappy framing format stream identifier
var snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")

// OpenRecordReader returns a reader over a capture file's JSON, unwrapping snappy framing when
// the file is compressed
func OpenRecordReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(snappyMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if bytes.Equal(head, snappyMagic) {
		return snappy.NewReader(br), nil
	}
	return br, nil
}

// ParseCapture parses either capture layout, choosing by the first JSON delimiter. Snappy framed
// input is decompressed first.
func ParseCapture(r io.Reader) (*RecordFile, error) {
	plain, err := OpenRecordReader(r)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(plain)
	for {
		c, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to find start of capture: %w", err)
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return nil, err
		}
		switch c {
		case '[':
			return ParseRecordArray(br)
		case '{':
			return ParseRecordFile(br)
		}
		return nil, fmt.Errorf("unexpected '%c' at start of capture: %w", c, ErrSyntaxError)
	}
}

// ParseRecordArray parses a stream of records written as a JSON array. A truncated array, as left
// behind by an interrupted capture, yields the records read up to that point.
func ParseRecordArray(r io.Reader) (*RecordFile, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	t, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to parse first token: %w", err)
	}
	if t != json.Delim('[') {
		return nil, fmt.Errorf("expected '[' at start of record array: %w", ErrSyntaxError)
	}

	result := &RecordFile{}
	for decoder.More() {
		var raw json.RawMessage
		err = decoder.Decode(&raw)
		if err != nil && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error parsing JSON: %w", err)
		}

		rec, err := parseJsonRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("error parsing record %d: %w", len(result.records), err)
		}
		result.records = append(result.records, rec)
	}

	return result, nil
}

// ParseRecordFile parses a capture written as a JSON object holding a schema table and records
func ParseRecordFile(r io.Reader) (*RecordFile, error) {
	var jsonFile jsonRecordFile
	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	if err := decoder.Decode(&jsonFile); err != nil {
		return nil, fmt.Errorf("JSON decode error while parsing: %w", err)
	}

	result := &RecordFile{}
	for _, s := range jsonFile.Schemas {
		props, err := parseJsonProperties(s.Properties)
		if err != nil {
			return nil, fmt.Errorf("error parsing schema for %v event %d: %w", s.Provider, s.ID, err)
		}
		result.SetSchema(events.Key{Provider: s.Provider, ID: s.ID, Version: s.Version}, events.Schema{Properties: props})
	}

	for i, raw := range jsonFile.Records {
		rec, err := parseJsonRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("error parsing record %d: %w", i, err)
		}
		result.records = append(result.records, rec)
	}

	return result, nil
}

func parseJsonProperties(props []jsonProperty) ([]events.Property, error) {
	out := make([]events.Property, 0, len(props))
	for _, p := range props {
		t, ok := events.ParseInType(p.Type)
		if !ok {
			return nil, fmt.Errorf("property '%s' has type '%s': %w", p.Name, p.Type, ErrUnknownFieldType)
		}
		members, err := parseJsonProperties(p.Members)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			members = nil
		}
		out = append(out, events.Property{
			Name:           p.Name,
			Type:           t,
			Count:          p.Count,
			CountProperty:  p.CountProperty,
			Length:         p.Length,
			LengthProperty: p.LengthProperty,
			Members:        members,
		})
	}
	return out, nil
}

func parseJsonRecord(raw json.RawMessage) (*events.Record, error) {
	var j jsonRecord
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("unable to decode record: %w", err)
	}

	if j.Fields == nil {
		if j.Payload == nil {
			return nil, ErrMissingPayload
		}
		rec := &events.Record{
			Provider:  j.Provider,
			ID:        j.ID,
			Version:   j.Version,
			Flags:     headerFlags(j.jsonRecordHeader),
			Timestamp: j.Timestamp,
			ProcessID: j.ProcessID,
			ThreadID:  j.ThreadID,
			Payload:   j.Payload,
		}
		return rec, nil
	}

	b := events.NewRecord(j.Provider, j.ID).
		Version(j.Version).
		Timestamp(j.Timestamp).
		Thread(j.ProcessID, j.ThreadID)
	if j.Pointer32 {
		b.Pointer32()
	}
	if j.Classic {
		b.Classic()
	}
	for _, f := range j.Fields {
		if err := encodeJsonField(b, f); err != nil {
			return nil, fmt.Errorf("failed to encode field '%s': %w", f.Name, err)
		}
	}
	return b.Build(), nil
}

func headerFlags(h jsonRecordHeader) events.HeaderFlags {
	flags := events.Flag64BitHeader
	if h.Pointer32 {
		flags = events.Flag32BitHeader
	}
	if h.Classic {
		flags |= events.FlagClassicHeader
	}
	return flags
}

func encodeJsonField(b *events.RecordBuilder, f jsonField) error {
	t, ok := events.ParseInType(f.Type)
	if !ok {
		return fmt.Errorf("type '%s': %w", f.Type, ErrUnknownFieldType)
	}

	if len(f.Value) > 0 && f.Value[0] == '[' {
		return encodeJsonArray(b, f, t)
	}

	switch t {
	case events.TypeUint8, events.TypeUint16, events.TypeUint32, events.TypeUint64, events.TypePointer:
		v, err := parseUint(f.Value)
		if err != nil {
			return err
		}
		switch t {
		case events.TypeUint8:
			b.Uint8(f.Name, uint8(v))
		case events.TypeUint16:
			b.Uint16(f.Name, uint16(v))
		case events.TypeUint32:
			b.Uint32(f.Name, uint32(v))
		case events.TypeUint64:
			b.Uint64(f.Name, v)
		default:
			b.Pointer(f.Name, v)
		}
	case events.TypeInt32, events.TypeInt64:
		v, err := parseInt(f.Value)
		if err != nil {
			return err
		}
		if t == events.TypeInt32 {
			b.Int32(f.Name, int32(v))
		} else {
			b.Int64(f.Name, v)
		}
	case events.TypeDouble:
		var v float64
		if err := json.Unmarshal(f.Value, &v); err != nil {
			return fmt.Errorf("expected number, got '%s': %w", f.Value, ErrInvalidDataType)
		}
		b.Double(f.Name, v)
	case events.TypeBool:
		var v bool
		if err := json.Unmarshal(f.Value, &v); err != nil {
			return fmt.Errorf("expected boolean, got '%s': %w", f.Value, ErrInvalidDataType)
		}
		b.Bool(f.Name, v)
	case events.TypeGUID:
		var g events.GUID
		if err := json.Unmarshal(f.Value, &g); err != nil {
			return fmt.Errorf("expected GUID, got '%s': %w", f.Value, ErrInvalidDataType)
		}
		b.GUID(f.Name, g)
	case events.TypeAnsiString, events.TypeUnicodeString:
		var s string
		if err := json.Unmarshal(f.Value, &s); err != nil {
			return fmt.Errorf("expected string, got '%s': %w", f.Value, ErrInvalidDataType)
		}
		if t == events.TypeAnsiString {
			b.AnsiString(f.Name, s)
		} else {
			b.UnicodeString(f.Name, s)
		}
	case events.TypeBinary:
		var data []byte
		if err := json.Unmarshal(f.Value, &data); err != nil {
			return fmt.Errorf("expected base64 data, got '%s': %w", f.Value, ErrInvalidDataType)
		}
		b.Binary(f.Name, data)
	default:
		return fmt.Errorf("type '%s' cannot be written as a field: %w", f.Type, ErrUnknownFieldType)
	}
	return nil
}

func encodeJsonArray(b *events.RecordBuilder, f jsonField, t events.InType) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(f.Value, &raw); err != nil {
		return fmt.Errorf("expected array, got '%s': %w", f.Value, ErrInvalidDataType)
	}
	values := make([]uint64, 0, len(raw))
	for _, r := range raw {
		v, err := parseUint(r)
		if err != nil {
			return err
		}
		values = append(values, v)
	}

	switch {
	case t == events.TypeUint64 && f.CountProperty == "":
		b.FixedUint64Array(f.Name, values)
	case t == events.TypeUint64:
		b.Uint64Array(f.Name, f.CountProperty, values)
	case t == events.TypeUint32 && f.CountProperty != "":
		narrow := make([]uint32, len(values))
		for i, v := range values {
			narrow[i] = uint32(v)
		}
		b.Uint32Array(f.Name, f.CountProperty, narrow)
	default:
		return fmt.Errorf("arrays of '%s' are not supported: %w", f.Type, ErrUnknownFieldType)
	}
	return nil
}

// parseUint accepts JSON numbers and strings, the latter for values beyond float precision
func parseUint(raw json.RawMessage) (uint64, error) {
	s := string(bytes.Trim(raw, `"`))
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("expected unsigned integer, got '%s': %w", raw, ErrInvalidDataType)
	}
	return v, nil
}

func parseInt(raw json.RawMessage) (int64, error) {
	s := string(bytes.Trim(raw, `"`))
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("expected integer, got '%s': %w", raw, ErrInvalidDataType)
	}
	return v, nil
}
