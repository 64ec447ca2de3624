package io

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/exp/slices"

	"github.com/omaskery/frametrace/pkg/consumer"
	"github.com/omaskery/frametrace/pkg/events"
)

// DefaultTicksPerSecond is the usual performance counter frequency
const DefaultTicksPerSecond = 10_000_000

// WriteRecordFile writes a capture as a JSON object. Layouts embedded in records are moved into
// the file's schema table.
func WriteRecordFile(w io.Writer, data RecordFile) error {
	schemas := map[events.Key]events.Schema{}
	for key, schema := range data.Schemas() {
		schemas[key] = schema
	}

	jsonFile := jsonRecordFile{
		Records: make([]json.RawMessage, 0, len(data.Records())),
	}
	for i, rec := range data.Records() {
		key := rec.Key()
		if rec.Schema != nil {
			schemas[key] = *rec.Schema
		} else if _, ok := schemas[key]; !ok {
			return fmt.Errorf("record %d (%v event %d): %w", i, rec.Provider, rec.ID, ErrMissingSchema)
		}

		msg, err := json.Marshal(jsonRecord{
			jsonRecordHeader: jsonRecordHeader{
				Provider:  rec.Provider,
				ID:        rec.ID,
				Version:   rec.Version,
				Timestamp: rec.Timestamp,
				ProcessID: rec.ProcessID,
				ThreadID:  rec.ThreadID,
				Pointer32: rec.PointerSize() == 4,
				Classic:   rec.Flags&events.FlagClassicHeader != 0,
			},
			Payload: rec.Payload,
		})
		if err != nil {
			return fmt.Errorf("failed to serialise record: %w", err)
		}
		jsonFile.Records = append(jsonFile.Records, msg)
	}

	keys := make([]events.Key, 0, len(schemas))
	for key := range schemas {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareKeys)
	for _, key := range keys {
		jsonFile.Schemas = append(jsonFile.Schemas, jsonSchema{
			Provider:   key.Provider,
			ID:         key.ID,
			Version:    key.Version,
			Properties: writeJsonProperties(schemas[key].Properties),
		})
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(&jsonFile); err != nil {
		return fmt.Errorf("failed to write JSON record file: %w", err)
	}
	return nil
}

func compareKeys(a, b events.Key) int {
	if c := strings.Compare(a.Provider.String(), b.Provider.String()); c != 0 {
		return c
	}
	if a.ID != b.ID {
		return int(a.ID) - int(b.ID)
	}
	return int(a.Version) - int(b.Version)
}

func writeJsonProperties(props []events.Property) []jsonProperty {
	out := make([]jsonProperty, 0, len(props))
	for _, p := range props {
		var members []jsonProperty
		if len(p.Members) > 0 {
			members = writeJsonProperties(p.Members)
		}
		out = append(out, jsonProperty{
			Name:           p.Name,
			Type:           p.Type.String(),
			Count:          p.Count,
			CountProperty:  p.CountProperty,
			Length:         p.Length,
			LengthProperty: p.LengthProperty,
			Members:        members,
		})
	}
	return out
}

// TimelineWriter renders completed presents and process events as trace events
type TimelineWriter interface {
	WritePresent(e *consumer.Event) error
	WriteProcess(p consumer.ProcessEvent) error
	Close() error
}

// WriteTimeline writes presents and processes as a Trace Event Format JSON object. Timestamps are
// converted from performance counter ticks to microseconds.
func WriteTimeline(w io.Writer, presents []*consumer.Event, processes []consumer.ProcessEvent, ticksPerSecond uint64) error {
	t := newTimeline(ticksPerSecond)
	jsonFile := jsonTimelineFile{
		TraceEvents:     make([]json.RawMessage, 0, len(presents)*3+len(processes)),
		DisplayTimeUnit: "ms",
		Metadata: map[string]interface{}{
			"ticksPerSecond": t.ticksPerSecond,
		},
	}

	var entries []interface{}
	for _, p := range processes {
		entries = append(entries, t.processEvents(p)...)
	}
	for _, e := range presents {
		entries = append(entries, t.presentEvents(e)...)
	}

	for _, e := range entries {
		msg, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to serialise json event: %w", err)
		}
		jsonFile.TraceEvents = append(jsonFile.TraceEvents, msg)
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(&jsonFile); err != nil {
		return fmt.Errorf("failed to write JSON timeline: %w", err)
	}
	return nil
}

// StreamingTimelineWriter writes a Trace Event Format JSON array incrementally. The array is only
// terminated by Close; viewers accept an unterminated array from an interrupted run.
type StreamingTimelineWriter struct {
	w        io.WriteCloser
	timeline *timeline
	started  bool
}

func NewStreamingTimelineWriter(w io.WriteCloser, ticksPerSecond uint64) *StreamingTimelineWriter {
	return &StreamingTimelineWriter{
		w:        w,
		timeline: newTimeline(ticksPerSecond),
	}
}

func (s *StreamingTimelineWriter) WritePresent(e *consumer.Event) error {
	return s.writeEvents(s.timeline.presentEvents(e))
}

func (s *StreamingTimelineWriter) WriteProcess(p consumer.ProcessEvent) error {
	return s.writeEvents(s.timeline.processEvents(p))
}

func (s *StreamingTimelineWriter) writeEvents(entries []interface{}) error {
	for _, e := range entries {
		msg, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to serialise json event: %w", err)
		}

		prefix := ","
		if !s.started {
			prefix = "["
			s.started = true
		}
		if _, err := io.WriteString(s.w, prefix); err != nil {
			return fmt.Errorf("failed to write separator: %w", err)
		}
		if _, err := s.w.Write(msg); err != nil {
			return fmt.Errorf("failed to write json event: %w", err)
		}
	}
	return nil
}

// Close terminates the array and closes the underlying writer
func (s *StreamingTimelineWriter) Close() error {
	tail := "]"
	if !s.started {
		tail = "[]"
		s.started = true
	}
	var err error
	if _, writeErr := io.WriteString(s.w, tail); writeErr != nil {
		err = fmt.Errorf("failed to terminate json array: %w", writeErr)
	}
	return multierr.Append(err, s.w.Close())
}

type timeline struct {
	ticksPerSecond uint64
	lastPresent    map[uint32]uint64
}

func newTimeline(ticksPerSecond uint64) *timeline {
	if ticksPerSecond == 0 {
		ticksPerSecond = DefaultTicksPerSecond
	}
	return &timeline{
		ticksPerSecond: ticksPerSecond,
		lastPresent:    map[uint32]uint64{},
	}
}

// micros converts ticks without overflowing on large counter values
func (t *timeline) micros(ticks uint64) float64 {
	whole := ticks / t.ticksPerSecond
	frac := ticks % t.ticksPerSecond
	return float64(whole)*1e6 + float64(frac)*1e6/float64(t.ticksPerSecond)
}

func id(v uint32) *int64 {
	i := int64(v)
	return &i
}

func core(phase, name, categories string, ts float64, pid, tid uint32) jsonEventCore {
	return jsonEventCore{
		jsonEventPhase: jsonEventPhase{Phase: phase},
		Name:           name,
		Categories:     categories,
		Timestamp:      ts,
		ProcessID:      id(pid),
		ThreadID:       id(tid),
	}
}

func (t *timeline) presentEvents(e *consumer.Event) []interface{} {
	categories := []string{"present"}
	if e.IsLost {
		categories = append(categories, "lost")
	}

	args := map[string]interface{}{
		"frame":        e.FrameID,
		"swapChain":    fmt.Sprintf("0x%x", e.SwapChainAddress),
		"runtime":      e.Runtime.String(),
		"mode":         e.PresentMode.String(),
		"result":       e.FinalState.String(),
		"syncInterval": e.SyncInterval,
		"flags":        e.PresentFlags,
		"tearing":      e.SupportsTearing,
		"lost":         e.IsLost,
	}
	if e.AppFrameID != 0 {
		args["appFrame"] = e.AppFrameID
	}
	if e.InputTime != 0 && e.ScreenTime() > e.InputTime {
		args["inputLatencyMs"] = t.micros(e.ScreenTime()-e.InputTime) / 1e3
	}

	out := []interface{}{
		jsonCompleteEvent{
			jsonEventWithArgs: jsonEventWithArgs{
				jsonEventCore: core("X", "Present", strings.Join(categories, ","), t.micros(e.PresentStartTime), e.ProcessID, e.ThreadID),
				Args:          args,
			},
			Duration: t.micros(e.TimeInPresent),
		},
	}

	if e.GPUStartTime != 0 && e.ReadyTime >= e.GPUStartTime {
		out = append(out, jsonCompleteEvent{
			jsonEventWithArgs: jsonEventWithArgs{
				jsonEventCore: core("X", "GPU", "gpu", t.micros(e.GPUStartTime), e.ProcessID, 0),
				Args: map[string]interface{}{
					"frame":       e.FrameID,
					"busyMs":      t.micros(e.GPUDuration) / 1e3,
					"videoBusyMs": t.micros(e.GPUVideoDuration) / 1e3,
				},
			},
			Duration: t.micros(e.ReadyTime - e.GPUStartTime),
		})
	}

	for _, d := range e.Displayed {
		out = append(out, jsonInstantEvent{
			jsonEventWithArgs: jsonEventWithArgs{
				jsonEventCore: core("i", "Displayed", "display", t.micros(d.ScreenTime), e.ProcessID, e.ThreadID),
				Args: map[string]interface{}{
					"frame":     e.FrameID,
					"frameType": d.FrameType.String(),
				},
			},
			Scope: "p",
		})
	}

	if last, ok := t.lastPresent[e.ProcessID]; ok && e.PresentStartTime > last {
		out = append(out, jsonCounterEvent{
			jsonEventCore: core("C", "MsBetweenPresents", "present", t.micros(e.PresentStartTime), e.ProcessID, e.ThreadID),
			Values: map[string]float64{
				"ms": t.micros(e.PresentStartTime-last) / 1e3,
			},
		})
	}
	if !e.IsLost {
		t.lastPresent[e.ProcessID] = e.PresentStartTime
	}

	return out
}

func (t *timeline) processEvents(p consumer.ProcessEvent) []interface{} {
	if p.IsStartEvent {
		return []interface{}{
			jsonMetadataEvent{
				jsonEventWithArgs: jsonEventWithArgs{
					jsonEventCore: core("M", "process_name", "", t.micros(p.Timestamp), p.ProcessID, 0),
					Args: map[string]interface{}{
						"name": p.ImageFileName,
					},
				},
			},
		}
	}

	delete(t.lastPresent, p.ProcessID)
	return []interface{}{
		jsonInstantEvent{
			jsonEventWithArgs: jsonEventWithArgs{
				jsonEventCore: core("i", "ProcessExit", "process", t.micros(p.Timestamp), p.ProcessID, 0),
				Args: map[string]interface{}{
					"name": p.ImageFileName,
				},
			},
			Scope: "p",
		},
	}
}
