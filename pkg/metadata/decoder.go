// metadata decodes named, typed fields out of raw trace record payloads
package metadata

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/omaskery/frametrace/pkg/events"
)

// TypeInfoSource resolves the payload layout of records that do not embed their own schema
type TypeInfoSource interface {
	Lookup(key events.Key) (*events.Schema, bool)
}

type DecoderOption = func(d *Decoder)

// WithTypeInfoSource sets the fallback used for records without an embedded schema
func WithTypeInfoSource(src TypeInfoSource) DecoderOption {
	return func(d *Decoder) {
		d.source = src
	}
}

func WithLogger(logger logr.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// Decoder extracts fields from records. Compiled layouts are cached per provider, event id and
// version; entries are written once and read concurrently.
type Decoder struct {
	source TypeInfoSource
	logger logr.Logger

	mu    sync.RWMutex
	cache map[events.Key]*layout
}

func NewDecoder(options ...DecoderOption) *Decoder {
	d := &Decoder{
		cache: map[events.Key]*layout{},
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

var (
	defaultOnce    sync.Once
	defaultDecoder *Decoder
	defaultSource  = NewStaticSource()
)

// Default returns the process-wide decoder, backed by the process-wide StaticSource
func Default() *Decoder {
	defaultOnce.Do(func() {
		defaultDecoder = NewDecoder(WithTypeInfoSource(defaultSource))
	})
	return defaultDecoder
}

// DefaultSource is the type information source behind Default
func DefaultSource() *StaticSource {
	return defaultSource
}

// Decode fills in each requested field from the record. It reports whether every field was
// found; missing fields are left with StatusNotFound and zero values.
func (d *Decoder) Decode(rec *events.Record, fields []Field) bool {
	for i := range fields {
		fields[i].reset()
	}

	l := d.layoutFor(rec)
	if l == nil {
		return false
	}
	return l.decode(rec, fields)
}

func (d *Decoder) layoutFor(rec *events.Record) *layout {
	key := rec.Key()

	d.mu.RLock()
	cached, ok := d.cache[key]
	d.mu.RUnlock()

	if ok {
		if rec.Schema == nil || cached.schema == rec.Schema || sameSchema(cached.schema, rec.Schema) {
			return cached
		}
		// self-describing record whose layout disagrees with the cached one for the same key
		if d.logger != nil {
			d.logger.V(1).Info("schema conflict, decoding without cache",
				"provider", key.Provider.String(), "id", key.ID, "version", key.Version)
		}
		return compile(rec.Schema)
	}

	schema := rec.Schema
	if schema == nil && d.source != nil {
		schema, _ = d.source.Lookup(key)
	}
	if schema == nil {
		return nil
	}

	l := compile(schema)

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.cache[key]; ok {
		return existing
	}
	d.cache[key] = l
	return l
}

// CachedSchemas reports how many layouts have been compiled and cached
func (d *Decoder) CachedSchemas() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

func sameSchema(a, b *events.Schema) bool {
	if a == nil || b == nil {
		return a == b
	}
	return sameProperties(a.Properties, b.Properties)
}

func sameProperties(a, b []events.Property) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		pa, pb := &a[i], &b[i]
		if pa.Name != pb.Name || pa.Type != pb.Type || pa.Count != pb.Count ||
			pa.CountProperty != pb.CountProperty || pa.Length != pb.Length ||
			pa.LengthProperty != pb.LengthProperty || !sameProperties(pa.Members, pb.Members) {
			return false
		}
	}
	return true
}

// StaticSource is a TypeInfoSource backed by registered schemas
type StaticSource struct {
	mu      sync.RWMutex
	schemas map[events.Key]*events.Schema
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		schemas: map[events.Key]*events.Schema{},
	}
}

// Register records the layout for a key, replacing any earlier registration
func (s *StaticSource) Register(key events.Key, schema events.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[key] = &schema
}

func (s *StaticSource) Lookup(key events.Key) (*events.Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[key]
	return schema, ok
}
