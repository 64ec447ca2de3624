package consumer

import (
	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/metadata"
)

func (c *Consumer) handleDXGI(rec *events.Record) {
	switch rec.ID {
	case events.DXGIPresentStart, events.DXGIPresentMultiplaneOverlayStart:
		f := metadata.Fields("pIDXGISwapChain", "Flags", "SyncInterval")
		c.decode(rec, f)
		c.runtimePresentStart(rec.Header(), RuntimeDXGI, f[0].Ptr(), f[1].Uint32(), f[2].Int32())
	case events.DXGIPresentStop, events.DXGIPresentMultiplaneOverlayStop:
		f := metadata.Fields("Result")
		c.decode(rec, f)
		c.runtimePresentStop(rec.Header(), RuntimeDXGI, f[0].Uint32())
	}
}

func (c *Consumer) handleD3D9(rec *events.Record) {
	switch rec.ID {
	case events.D3D9PresentStart:
		f := metadata.Fields("pSwapchain", "Flags")
		c.decode(rec, f)
		flags := f[1].Uint32()
		syncInterval := int32(-1)
		if flags&events.D3D9PresentForceImmediate != 0 {
			syncInterval = 0
		}
		c.runtimePresentStart(rec.Header(), RuntimeD3D9, f[0].Ptr(), flags, syncInterval)
	case events.D3D9PresentStop:
		f := metadata.Fields("Result")
		c.decode(rec, f)
		c.runtimePresentStop(rec.Header(), RuntimeD3D9, f[0].Uint32())
	}
}

func (c *Consumer) runtimePresentStart(hdr events.Header, runtime Runtime, swapChain uint64, flags uint32, syncInterval int32) {
	if r, ok := c.byThread[hdr.ThreadID]; ok {
		e := c.get(r)
		switch {
		case e == nil:
			delete(c.byThread, hdr.ThreadID)
		case e.IsCompleted:
			// the stop of the thread's previous present was never seen
			delete(c.byThread, hdr.ThreadID)
			if e.WaitingForPresentStop {
				e.WaitingForPresentStop = false
				c.releaseDeferred(e)
			}
		case e.WaitingForPresentStop && e.Runtime != runtime && e.Runtime != RuntimeOther:
			// one runtime presenting through another on the same thread
			e.nestedDepth++
			return
		default:
			c.lose(e, "present started while thread's previous present in progress")
		}
	}

	if !c.isProcessTracked(hdr.ProcessID) && hdr.ThreadID != c.dwmThreadID {
		return
	}

	e := c.newPresent(hdr, runtime)
	e.SwapChainAddress = swapChain
	e.PresentFlags = flags
	e.SyncInterval = syncInterval
	e.WaitingForPresentStop = true
	if runtime == RuntimeDXGI && c.cfg.TrackHybridPresent && flags&events.DXGIPresentHybrid != 0 {
		e.IsHybridPresent = true
	}
	c.byThread[hdr.ThreadID] = e.ref
}

func isDiscardResult(runtime Runtime, result uint32) bool {
	switch runtime {
	case RuntimeDXGI:
		return result == events.DXGIStatusOccluded || result == events.DXGIStatusNoDesktopAccess
	case RuntimeD3D9:
		return result == events.D3D9StatusPresentOccluded
	}
	return false
}

func isModeChangeResult(runtime Runtime, result uint32) bool {
	switch runtime {
	case RuntimeDXGI:
		return result == events.DXGIStatusModeChangeInProgress
	case RuntimeD3D9:
		return result == events.D3D9StatusPresentModeChanged
	}
	return false
}

func (c *Consumer) runtimePresentStop(hdr events.Header, runtime Runtime, result uint32) {
	r, ok := c.byThread[hdr.ThreadID]
	if !ok {
		return
	}
	e := c.get(r)
	if e == nil {
		delete(c.byThread, hdr.ThreadID)
		return
	}
	if e.nestedDepth > 0 {
		e.nestedDepth--
		return
	}
	if e.Runtime != runtime || !e.WaitingForPresentStop {
		return
	}

	if hdr.Timestamp > e.PresentStartTime {
		e.TimeInPresent = hdr.Timestamp - e.PresentStartTime
	}
	e.WaitingForPresentStop = false
	deleteIf(c.byThread, hdr.ThreadID, r)

	if e.IsCompleted {
		c.releaseDeferred(e)
		return
	}

	switch {
	case int32(result) < 0:
		e.PresentFailed = true
		e.FinalState = PresentResultDiscarded
		c.complete(e)
	case isDiscardResult(runtime, result),
		runtime == RuntimeDXGI && e.PresentFlags&events.DXGIPresentTest != 0:
		e.FinalState = PresentResultDiscarded
		c.complete(e)
	case isModeChangeResult(runtime, result):
		if !c.cfg.TrackDisplay {
			e.FinalState = PresentResultDiscarded
			c.complete(e)
		}
	default:
		if !c.cfg.TrackDisplay && (!c.cfg.TrackGPU || e.GPUFrameCompleted) {
			c.complete(e)
		}
	}
}
