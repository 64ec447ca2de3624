package consumer

import (
	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/metadata"
)

func (c *Consumer) handleDxgKrnl(rec *events.Record) {
	hdr := rec.Header()

	switch rec.ID {
	case events.DxgkBlitInfo:
		f := metadata.Fields("hwnd", "bRedirectedPresent")
		c.decode(rec, f)
		c.handleBlit(hdr, f[0].Ptr(), f[1].Bool())
	case events.DxgkBlitCancelInfo:
		c.handleBlitCancel(hdr)
	case events.DxgkFlipInfo:
		f := metadata.Fields("FlipInterval", "MMIOFlip")
		c.decode(rec, f)
		c.handleFlip(hdr, f[0].Uint32(), f[1].Bool())
	case events.DxgkFlipMultiPlaneOverlayInfo:
		c.handleFlipMultiPlaneOverlay(hdr)
	case events.DxgkIndependentFlipInfo:
		f := metadata.Fields("SubmitSequence", "FlipInterval")
		if c.decode(rec, f) {
			c.handleIndependentFlip(f[0].Uint32(), f[1].Uint32())
		}
	case events.DxgkQueuePacketStart:
		f := metadata.Fields("hContext", "PacketType", "SubmitSequence", "bPresent")
		if c.decode(rec, f) {
			c.handleQueuePacketStart(hdr, f[0].Ptr(), f[1].Uint32(), f[2].Uint32(), f[3].Bool())
		}
	case events.DxgkQueuePacketStop:
		f := metadata.Fields("hContext", "PacketType", "SubmitSequence")
		if c.decode(rec, f) {
			c.handleQueuePacketStop(hdr, f[0].Ptr(), f[2].Uint32())
		}
	case events.DxgkMMIOFlipInfo:
		f := metadata.Fields("FlipSubmitSequence", "Flags")
		if c.decode(rec, f) {
			c.handleMMIOFlip(hdr, f[0].Uint32(), f[1].Uint32())
		}
	case events.DxgkMMIOFlipMultiPlaneOverlayInfo:
		f := metadata.Fields("FlipSubmitSequence", "VidPnSourceId", "LayerIndex", "PresentId", "FlipEntryStatusAfterFlip")
		if c.decode(rec, f) {
			c.handleMMIOFlipMultiPlaneOverlay(hdr, uint32(f[0].Uint64()>>32), planeKey{
				source: f[1].Uint32(),
				layer:  f[2].Uint32(),
			}, f[3].Uint64(), f[4].Uint32())
		}
	case events.DxgkVSyncDPCInfo:
		f := metadata.Fields("FlipFenceId")
		if c.decode(rec, f) {
			c.handleVSyncDPC(hdr, uint32(f[0].Uint64()>>32))
		}
	case events.DxgkVSyncDPCMultiPlaneInfo, events.DxgkHSyncDPCMultiPlaneInfo:
		f := metadata.Fields("PlaneCount", "PresentIdOrPhysicalAddress")
		if c.decode(rec, f) {
			ids := &f[1]
			n := int(f[0].Uint32())
			if ids.Len() < n {
				n = ids.Len()
			}
			for i := 0; i < n; i++ {
				c.handleSyncDPCMultiPlane(hdr, ids.Uint64At(i))
			}
		}
	case events.DxgkPresentInfo:
		f := metadata.Fields("hWindow")
		c.decode(rec, f)
		c.handlePresentInfo(hdr, f[0].Ptr())
	case events.DxgkPresentHistoryStart, events.DxgkPresentHistoryDetailedStart:
		f := metadata.Fields("Token", "TokenData", "Model")
		if c.decode(rec, f) {
			c.handlePresentHistoryStart(hdr, f[0].Uint64(), f[1].Uint64(), f[2].Uint32())
		}
	case events.DxgkPresentHistoryInfo:
		f := metadata.Fields("Token")
		if c.decode(rec, f) {
			c.handlePresentHistoryInfo(hdr, f[0].Uint64())
		}
	default:
		c.handleGPURegistration(rec)
	}
}

func (c *Consumer) handleGPURegistration(rec *events.Record) {
	if c.gpu == nil {
		return
	}

	switch rec.ID {
	case events.DxgkDeviceStart, events.DxgkDeviceDCStart:
		f := metadata.Fields("hDevice", "pDxgAdapter")
		if c.decode(rec, f) {
			c.gpu.RegisterDevice(f[0].Ptr(), f[1].Ptr())
		}
	case events.DxgkDeviceStop:
		f := metadata.Fields("hDevice")
		if c.decode(rec, f) {
			c.gpu.UnregisterDevice(f[0].Ptr())
		}
	case events.DxgkContextStart, events.DxgkContextDCStart:
		f := metadata.Fields("hContext", "hDevice", "NodeOrdinal")
		if c.decode(rec, f) {
			c.gpu.RegisterContext(f[0].Ptr(), f[1].Ptr(), f[2].Uint32(), rec.ProcessID)
		}
	case events.DxgkContextStop:
		f := metadata.Fields("hContext")
		if c.decode(rec, f) {
			c.gpu.UnregisterContext(f[0].Ptr())
		}
	case events.DxgkHwQueueStart, events.DxgkHwQueueDCStart:
		f := metadata.Fields("hHwQueue", "hContext")
		if c.decode(rec, f) {
			c.gpu.RegisterHwQueue(f[0].Ptr(), f[1].Ptr(), rec.ProcessID)
		}
	case events.DxgkHwQueueStop:
		f := metadata.Fields("hHwQueue")
		if c.decode(rec, f) {
			c.gpu.UnregisterContext(f[0].Ptr())
		}
	case events.DxgkNodeMetadataInfo:
		f := metadata.Fields("pDxgAdapter", "NodeOrdinal", "EngineType")
		if c.decode(rec, f) {
			c.gpu.SetEngineType(f[0].Ptr(), f[1].Uint32(), f[2].Uint32())
		}
	}
}

func unclassified(e *Event) bool {
	return e.PresentMode == PresentModeUnknown && e.queueSubmitSequence == 0
}

// releaseThread ends a thread's association with a present once its kernel submission is done.
// The present's own thread keeps it while the runtime call is still in progress.
func (c *Consumer) releaseThread(e *Event, threadID uint32) {
	if threadID == e.ThreadID && e.WaitingForPresentStop {
		return
	}
	deleteIf(c.byThread, threadID, e.ref)
	if e.claimThread == threadID {
		e.claimThread = 0
	}
}

func (c *Consumer) handleBlit(hdr events.Header, hwnd uint64, redirected bool) {
	e := c.findOrCreate(hdr, true, unclassified)
	if e == nil {
		return
	}
	if hwnd != 0 {
		e.Hwnd = hwnd
	}
	if redirected {
		e.PresentMode = PresentModeComposedCopyCPUGDI
	} else {
		e.PresentMode = PresentModeHardwareLegacyCopyToFrontBuffer
	}
}

func (c *Consumer) handleBlitCancel(hdr events.Header) {
	e := c.active(c.byThread[hdr.ThreadID])
	if e == nil {
		return
	}
	e.FinalState = PresentResultDiscarded
	c.complete(e)
}

func (c *Consumer) handleFlip(hdr events.Header, flipInterval uint32, mmio bool) {
	e := c.findOrCreate(hdr, true, unclassified)
	if e == nil {
		return
	}
	e.PresentMode = PresentModeHardwareLegacyFlip
	if e.SyncInterval == -1 {
		e.SyncInterval = int32(flipInterval)
	}
	if !mmio {
		e.WaitForFlipEvent = true
	}
	c.attachDwmDependents(e, hdr)
}

func (c *Consumer) handleFlipMultiPlaneOverlay(hdr events.Header) {
	e := c.findOrCreate(hdr, true, unclassified)
	if e == nil {
		return
	}
	e.PresentMode = PresentModeHardwareLegacyFlip
	e.WaitForMPOFlipEvent = true
	c.attachDwmDependents(e, hdr)
}

func (c *Consumer) handleIndependentFlip(seq, flipInterval uint32) {
	e := c.active(c.bySubmitSequence[seq])
	if e == nil {
		return
	}
	if e.PresentMode == PresentModeComposedFlip {
		e.upgradeFlipMode(PresentModeHardwareIndependentFlip)
	}
	if e.SyncInterval == -1 {
		e.SyncInterval = int32(flipInterval)
	}
}

func (c *Consumer) handleQueuePacketStart(hdr events.Header, hContext uint64, packetType, seq uint32, present bool) {
	if c.gpu != nil && !c.gpu.EnqueuePacket(hContext, seq, hdr.ProcessID, hdr.Timestamp, packetType == events.PacketWait) {
		c.mu.Lock()
		c.stats.SkippedPackets = c.gpu.SkippedPackets()
		c.mu.Unlock()
	}
	if !present {
		return
	}

	e := c.findOrCreate(hdr, true, func(e *Event) bool {
		return e.queueSubmitSequence == 0
	})
	if e == nil {
		return
	}
	c.setSubmitSequence(e, seq)
	if e.PresentMode == PresentModeHardwareLegacyCopyToFrontBuffer {
		c.setDxgkContext(e, hContext)
	}
}

func (c *Consumer) handleQueuePacketStop(hdr events.Header, hContext uint64, seq uint32) {
	if c.gpu != nil {
		c.gpu.CompletePacket(hContext, seq, hdr.Timestamp)
	}

	e := c.active(c.bySubmitSequence[seq])
	if e == nil {
		return
	}
	if c.gpu != nil && !e.GPUFrameCompleted {
		c.applyGPU(e, hdr.Timestamp)
	}

	if e.PresentMode == PresentModeHardwareLegacyCopyToFrontBuffer {
		// the copy is on screen once the packet finishes, but the present is only known to be
		// fullscreen once Present_Info has been seen
		if !e.SeenDxgkPresent {
			e.pendingCopyTime = hdr.Timestamp
			return
		}
		e.setScreenTime(hdr.Timestamp)
		e.FinalState = PresentResultPresented
		c.complete(e)
		return
	}

	if !c.cfg.TrackDisplay && !e.WaitingForPresentStop {
		c.complete(e)
	}
}

func (c *Consumer) handleMMIOFlip(hdr events.Header, seq, flags uint32) {
	e := c.active(c.bySubmitSequence[seq])
	if e == nil {
		return
	}
	if e.ReadyTime == 0 {
		e.ReadyTime = hdr.Timestamp
	}
	if flags&events.MMIOFlipImmediate == 0 {
		return
	}

	e.SupportsTearing = true
	e.WaitForFlipEvent = false
	e.setScreenTime(hdr.Timestamp)
	e.FinalState = PresentResultPresented
	if e.PresentMode == PresentModeHardwareLegacyFlip && !e.WaitForMPOFlipEvent {
		c.complete(e)
	}
}

func (c *Consumer) handleMMIOFlipMultiPlaneOverlay(hdr events.Header, seq uint32, plane planeKey, presentID uint64, status uint32) {
	e := c.active(c.bySubmitSequence[seq])
	if e == nil {
		return
	}
	e.WaitForMPOFlipEvent = false
	if e.ReadyTime == 0 {
		e.ReadyTime = hdr.Timestamp
	}
	if plane.layer != 0 && e.PresentMode != PresentModeHardwareLegacyCopyToFrontBuffer {
		e.upgradeFlipMode(PresentModeHardwareComposedIndependentFlip)
	}
	if presentID != 0 {
		c.setFlipPresentID(e, presentID)
		c.claimPlane(e, plane)
	}

	switch status {
	case events.FlipWaitComplete:
		e.WaitForFlipEvent = false
		e.setScreenTime(hdr.Timestamp)
		e.FinalState = PresentResultPresented
		if !e.SeenWin32KEvents {
			c.complete(e)
		}
	case events.FlipWaitVSync, events.FlipWaitHSync:
		e.WaitForFlipEvent = true
	}
}

func (c *Consumer) handleVSyncDPC(hdr events.Header, seq uint32) {
	e := c.active(c.bySubmitSequence[seq])
	if e == nil {
		return
	}
	e.WaitForFlipEvent = false
	e.setScreenTime(hdr.Timestamp)
	if e.FinalState == PresentResultUnknown {
		e.FinalState = PresentResultPresented
	}
	if e.PresentMode == PresentModeHardwareLegacyFlip && !e.WaitForMPOFlipEvent {
		c.complete(e)
	}
}

func (c *Consumer) handleSyncDPCMultiPlane(hdr events.Header, presentID uint64) {
	if presentID == 0 {
		return
	}
	e := c.active(c.byFlipPresentID[presentID])
	if e == nil {
		return
	}
	e.WaitForFlipEvent = false
	e.setScreenTime(hdr.Timestamp)
	e.FinalState = PresentResultPresented
	if !e.SeenWin32KEvents && !e.WaitForMPOFlipEvent {
		c.complete(e)
	}
}

func (c *Consumer) handlePresentInfo(hdr events.Header, hwnd uint64) {
	e := c.findOrCreate(hdr, true, func(e *Event) bool {
		return !e.SeenDxgkPresent
	})
	if e == nil {
		return
	}
	e.SeenDxgkPresent = true
	if e.Hwnd == 0 {
		e.Hwnd = hwnd
	}

	if e.pendingCopyTime != 0 {
		e.setScreenTime(e.pendingCopyTime)
		e.FinalState = PresentResultPresented
		c.complete(e)
		return
	}
	c.releaseThread(e, hdr.ThreadID)
}

func (c *Consumer) handlePresentHistoryStart(hdr events.Header, token, tokenData uint64, model uint32) {
	e := c.findOrCreate(hdr, true, func(e *Event) bool {
		return e.presentHistoryToken == 0
	})
	if e == nil {
		return
	}

	copyOrUnknown := e.PresentMode == PresentModeUnknown || e.PresentMode == PresentModeHardwareLegacyCopyToFrontBuffer
	switch model {
	case events.PresentModelRedirectedGDI, events.PresentModelRedirectedBlt:
		if copyOrUnknown {
			e.PresentMode = PresentModeComposedCopyGPUGDI
		}
	case events.PresentModelRedirectedVistaBlt:
		if copyOrUnknown {
			e.PresentMode = PresentModeComposedCopyCPUGDI
		}
	case events.PresentModelRedirectedFlip, events.PresentModelFlipManager:
		if e.PresentMode == PresentModeUnknown {
			e.PresentMode = PresentModeComposedFlip
		}
	}

	// a copy with a present history token is composed, not a fullscreen copy
	if e.dxgkContext != 0 && e.PresentMode != PresentModeHardwareLegacyCopyToFrontBuffer {
		deleteIf(c.byDxgkContext, e.dxgkContext, e.ref)
		e.dxgkContext = 0
	}

	c.setPresentHistoryToken(e, token)
	if tokenData != 0 {
		c.setTokenData(e, tokenData)
	}
}

func (c *Consumer) handlePresentHistoryInfo(hdr events.Header, token uint64) {
	e := c.active(c.byPresentHistoryToken[token])
	if e == nil {
		return
	}
	if e.ReadyTime == 0 {
		e.ReadyTime = hdr.Timestamp
	}
	deleteIf(c.byPresentHistoryToken, token, e.ref)
	e.presentHistoryToken = 0

	if e.Hwnd != 0 && (e.PresentMode == PresentModeComposedCopyGPUGDI || e.PresentMode == PresentModeComposedCopyCPUGDI) {
		c.lastByWindow[e.Hwnd] = e.ref
	}
	if !c.cfg.TrackDisplay && !e.WaitingForPresentStop {
		c.complete(e)
	}
}

func (c *Consumer) applyGPU(e *Event, timestamp uint64) {
	t := c.gpu.CompleteFrame(e.ProcessID, timestamp)
	e.GPUStartTime = t.GPUStart
	if t.ReadyTime != 0 {
		e.ReadyTime = t.ReadyTime
	}
	e.GPUDuration = t.GPUDuration
	e.GPUVideoDuration = t.VideoDuration
	e.GPUFrameCompleted = true
}
