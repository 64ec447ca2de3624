package consumer

import (
	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/metadata"
)

func (c *Consumer) handlePresentMon(rec *events.Record) {
	hdr := rec.Header()

	switch rec.ID {
	case events.PresentMonFlipFrameTypeInfo:
		if !c.cfg.TrackFrameType {
			return
		}
		f := metadata.Fields("PresentId", "FrameType")
		if c.decode(rec, f) {
			c.handleFlipFrameType(hdr, f[0].Uint64(), FrameType(f[1].Uint8()))
		}
	case events.PresentMonAppFrameIDInfo:
		if !c.cfg.TrackAppTiming {
			return
		}
		f := metadata.Fields("FrameId")
		if c.decode(rec, f) {
			c.handleAppFrameID(hdr, f[0].Uint32())
		}
	case events.PresentMonAppSimulationStart, events.PresentMonAppSimulationEnd,
		events.PresentMonAppRenderSubmitStart, events.PresentMonAppRenderSubmitEnd,
		events.PresentMonAppSleepStart, events.PresentMonAppSleepEnd,
		events.PresentMonAppInputSampleInfo:
		if !c.cfg.TrackAppTiming {
			return
		}
		f := metadata.Fields("FrameId")
		if c.decode(rec, f) {
			c.handleAppTiming(hdr, rec.ID, f[0].Uint32())
		}
	}
}

// claimPlane records the display plane a present flipped on. A present on the same plane still
// waiting for its frame type will not get one now.
func (c *Consumer) claimPlane(e *Event, plane planeKey) {
	if prev := c.get(c.waitingFrameType[plane]); prev != nil && prev != e {
		delete(c.waitingFrameType, plane)
		c.releaseFrameType(prev)
	}
	e.plane = plane
	e.hasPlane = true

	if pending, ok := c.pendingFrameTypes[e.flipPresentID]; ok {
		delete(c.pendingFrameTypes, e.flipPresentID)
		c.applyFrameType(e, pending.frameType)
	}
}

func (c *Consumer) handleFlipFrameType(hdr events.Header, presentID uint64, frameType FrameType) {
	e := c.get(c.byFlipPresentID[presentID])
	if e == nil {
		// the flip has not been seen yet
		c.pendingFrameTypes[presentID] = pendingFrameType{frameType: frameType, time: hdr.Timestamp}
		return
	}
	c.applyFrameType(e, frameType)
	if e.WaitingForFlipFrameType {
		c.releaseFrameType(e)
	}
}

// applyFrameType classifies the present's displayed frames. Frames not displayed yet take the
// type when they are.
func (c *Consumer) applyFrameType(e *Event, frameType FrameType) {
	e.frameType = frameType
	e.setFrameType(frameType)
}

func (c *Consumer) releaseFrameType(e *Event) {
	if e.hasPlane {
		deleteIf(c.waitingFrameType, e.plane, e.ref)
	}
	if !e.WaitingForFlipFrameType {
		return
	}
	e.WaitingForFlipFrameType = false
	c.releaseDeferred(e)
}

func (c *Consumer) handleAppFrameID(hdr events.Header, frameID uint32) {
	c.instrumented[hdr.ProcessID] = true

	if e := c.active(c.byThread[hdr.ThreadID]); e != nil && e.AppFrameID == 0 {
		c.assignAppFrameID(e, frameID)
		return
	}

	// the marker may trail the present it belongs to
	for _, r := range c.deferred {
		e := c.get(r)
		if e != nil && e.WaitingForFrameID && e.ThreadID == hdr.ThreadID && e.ProcessID == hdr.ProcessID {
			c.assignAppFrameID(e, frameID)
			return
		}
	}

	c.pendingAppFrameIDs[hdr.ThreadID] = frameID
}

// assignAppFrameID binds an application frame id to a present. Older presents of the same process
// still waiting for an id will not receive one.
func (c *Consumer) assignAppFrameID(e *Event, frameID uint32) {
	e.AppFrameID = frameID
	c.instrumented[e.ProcessID] = true

	var stale []*Event
	for _, r := range c.deferred {
		o := c.get(r)
		if o != nil && o != e && o.WaitingForFrameID && o.ProcessID == e.ProcessID && o.PresentStartTime <= e.PresentStartTime {
			stale = append(stale, o)
		}
	}
	for _, o := range stale {
		o.WaitingForFrameID = false
		c.releaseDeferred(o)
	}

	if e.WaitingForFrameID {
		e.WaitingForFrameID = false
		c.releaseDeferred(e)
	}
}

func (c *Consumer) handleAppTiming(hdr events.Header, id uint16, frameID uint32) {
	c.instrumented[hdr.ProcessID] = true

	key := appFrameKey{processID: hdr.ProcessID, frameID: frameID}
	t, ok := c.appFrames[key]
	if !ok {
		t = &AppTiming{}
		c.appFrames[key] = t
	}

	ts := hdr.Timestamp
	switch id {
	case events.PresentMonAppSimulationStart:
		t.SimStartTime = ts
	case events.PresentMonAppSimulationEnd:
		t.SimEndTime = ts
	case events.PresentMonAppRenderSubmitStart:
		t.RenderSubmitStartTime = ts
	case events.PresentMonAppRenderSubmitEnd:
		t.RenderSubmitEndTime = ts
	case events.PresentMonAppSleepStart:
		t.SleepStartTime = ts
	case events.PresentMonAppSleepEnd:
		t.SleepEndTime = ts
	case events.PresentMonAppInputSampleInfo:
		t.InputSampleTime = ts
	}
}

func (c *Consumer) handleNTProcess(rec *events.Record) {
	var start bool
	switch rec.ID {
	case events.NTProcessStart, events.NTProcessDCStart:
		start = true
	case events.NTProcessEnd, events.NTProcessDCEnd:
	default:
		return
	}

	f := metadata.Fields("ProcessId", "ImageFileName")
	c.decode(rec, f)
	if !f[0].Found() {
		return
	}
	c.handleProcess(rec.Header(), f[0].Uint32(), f[1].String(), start)
}

func (c *Consumer) handleKernelProcess(rec *events.Record) {
	var start bool
	switch rec.ID {
	case events.KernelProcessStart:
		start = true
	case events.KernelProcessStop:
	default:
		return
	}

	f := metadata.Fields("ProcessID", "ImageName")
	c.decode(rec, f)
	if !f[0].Found() {
		return
	}
	c.handleProcess(rec.Header(), f[0].Uint32(), f[1].String(), start)
}

func (c *Consumer) handleProcess(hdr events.Header, processID uint32, imageName string, start bool) {
	c.mu.Lock()
	c.processEvents = append(c.processEvents, ProcessEvent{
		ImageFileName: imageName,
		Timestamp:     hdr.Timestamp,
		ProcessID:     processID,
		IsStartEvent:  start,
	})
	c.mu.Unlock()
	c.dataAvailable.Set()

	if start {
		return
	}

	// presents of an exited process will see no further events
	for _, r := range append([]ref(nil), c.byProcess[processID]...) {
		if e := c.active(r); e != nil {
			c.lose(e, "process exited")
		}
	}
	for _, r := range append([]ref(nil), c.deferred...) {
		if e := c.get(r); e != nil && e.ProcessID == processID {
			c.forceRelease(e)
		}
	}

	if c.gpu != nil {
		c.gpu.RemoveProcess(processID)
	}
	delete(c.instrumented, processID)
	delete(c.lastAppFrame, processID)
	delete(c.retrievedInput, processID)
	for key := range c.appFrames {
		if key.processID == processID {
			delete(c.appFrames, key)
		}
	}
}
