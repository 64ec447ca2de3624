package io

import (
	"encoding/json"

	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/metadata"
)

// RecordFile is an in-memory capture: trace records in delivery order, plus the payload layouts
// of records that do not embed their own
type RecordFile struct {
	records []*events.Record
	schemas map[events.Key]events.Schema
}

// Write appends the given record
func (rf *RecordFile) Write(rec *events.Record) {
	rf.records = append(rf.records, rec)
}

// SetSchema records the payload layout used by records with the given key
func (rf *RecordFile) SetSchema(key events.Key, schema events.Schema) {
	if rf.schemas == nil {
		rf.schemas = map[events.Key]events.Schema{}
	}
	rf.schemas[key] = schema
}

// Records retrieves the records stored in the file
func (rf RecordFile) Records() []*events.Record {
	return rf.records
}

// Schemas retrieves the payload layouts stored in the file
func (rf RecordFile) Schemas() map[events.Key]events.Schema {
	return rf.schemas
}

// RegisterSchemas makes the file's payload layouts available to decoders using src
func (rf RecordFile) RegisterSchemas(src *metadata.StaticSource) {
	for key, schema := range rf.schemas {
		src.Register(key, schema)
	}
}

type jsonRecordFile struct {
	Schemas []jsonSchema      `json:"schemas,omitempty"`
	Records []json.RawMessage `json:"records"`
}

type jsonSchema struct {
	Provider   events.GUID    `json:"provider"`
	ID         uint16         `json:"id"`
	Version    uint8          `json:"version,omitempty"`
	Properties []jsonProperty `json:"properties"`
}

type jsonProperty struct {
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Count          uint16         `json:"count,omitempty"`
	CountProperty  string         `json:"countProperty,omitempty"`
	Length         uint16         `json:"length,omitempty"`
	LengthProperty string         `json:"lengthProperty,omitempty"`
	Members        []jsonProperty `json:"members,omitempty"`
}

type jsonRecordHeader struct {
	Provider  events.GUID `json:"provider"`
	ID        uint16      `json:"id"`
	Version   uint8       `json:"version,omitempty"`
	Timestamp uint64      `json:"ts"`
	ProcessID uint32      `json:"pid"`
	ThreadID  uint32      `json:"tid"`
	Pointer32 bool        `json:"pointer32,omitempty"`
	Classic   bool        `json:"classic,omitempty"`
}

type jsonRecord struct {
	jsonRecordHeader
	// Payload is the base64 encoded raw payload, decoded through the file's schema table
	Payload []byte `json:"payload,omitempty"`
	// Fields is an ordered, self-describing alternative to Payload
	Fields []jsonField `json:"fields,omitempty"`
}

type jsonField struct {
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Value         json.RawMessage `json:"value"`
	CountProperty string          `json:"countProperty,omitempty"`
}

// Trace Event Format shapes used by the timeline writer

type jsonEventPhase struct {
	Phase string `json:"ph"`
}

type jsonEventCore struct {
	jsonEventPhase
	Name       string  `json:"name"`
	Categories string  `json:"cat,omitempty"`
	Timestamp  float64 `json:"ts"`
	ProcessID  *int64  `json:"pid,omitempty"`
	ThreadID   *int64  `json:"tid,omitempty"`
}

type jsonEventWithArgs struct {
	jsonEventCore
	Args map[string]interface{} `json:"args,omitempty"`
}

type jsonCompleteEvent struct {
	jsonEventWithArgs
	Duration float64 `json:"dur"`
}

type jsonInstantEvent struct {
	jsonEventWithArgs
	Scope string `json:"s,omitempty"`
}

type jsonCounterEvent struct {
	jsonEventCore
	Values map[string]float64 `json:"args,omitempty"`
}

type jsonMetadataEvent struct {
	jsonEventWithArgs
}

type jsonTimelineFile struct {
	TraceEvents     []json.RawMessage      `json:"traceEvents"`
	DisplayTimeUnit string                 `json:"displayTimeUnit,omitempty"`
	Metadata        map[string]interface{} `json:"otherData,omitempty"`
}
