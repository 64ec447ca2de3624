package consumer

import (
	"golang.org/x/exp/slices"

	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/metadata"
)

// MaxDependentPresents bounds how many application presents one compositor frame can carry
const MaxDependentPresents = 64

func (c *Consumer) handleDwm(rec *events.Record) {
	hdr := rec.Header()

	switch rec.ID {
	case events.DwmSchedulePresentStart:
		c.dwmThreadID = hdr.ThreadID
	case events.DwmGetPresentHistoryInfo:
		c.handleGetPresentHistory(hdr)
	case events.DwmFlipChainPending, events.DwmFlipChainComplete, events.DwmFlipChainDirty:
		f := metadata.Fields("ulFlipChain", "ulSerialNumber", "hwnd")
		if c.decode(rec, f) {
			c.handleFlipChain(f[0].Uint64()<<32|f[1].Uint64()&0xffffffff, f[2].Ptr())
		}
	}
}

// handleGetPresentHistory hands every window's newest composed present to the compositor
func (c *Consumer) handleGetPresentHistory(hdr events.Header) {
	start := len(c.waitingForDWM)
	for hwnd, r := range c.lastByWindow {
		delete(c.lastByWindow, hwnd)
		e := c.active(r)
		if e == nil || e.PresentInDwmWaitingList || e.dwmDependent {
			continue
		}
		if e.ReadyTime == 0 && (e.PresentMode == PresentModeComposedCopyGPUGDI || e.PresentMode == PresentModeComposedCopyCPUGDI) {
			e.ReadyTime = hdr.Timestamp
		}
		e.PresentInDwmWaitingList = true
		c.waitingForDWM = append(c.waitingForDWM, r)
	}
	added := c.waitingForDWM[start:]
	slices.Sort(added)
}

func (c *Consumer) handleFlipChain(key, hwnd uint64) {
	e := c.active(c.byTokenData[key])
	if e == nil {
		return
	}
	deleteIf(c.byTokenData, key, e.ref)
	e.tokenData = 0

	if hwnd != 0 {
		e.Hwnd = hwnd
	}
	c.setLastPresentForWindow(e)
}

// attachDwmDependents makes a compositor flip carry the application presents composed into it
func (c *Consumer) attachDwmDependents(e *Event, hdr events.Header) {
	if c.dwmThreadID == 0 || hdr.ThreadID != c.dwmThreadID || len(c.waitingForDWM) == 0 {
		return
	}
	c.dwmThreadID = 0

	waiting := c.waitingForDWM
	c.waitingForDWM = nil
	if excess := len(waiting) - MaxDependentPresents; excess > 0 {
		for _, r := range waiting[:excess] {
			if d := c.active(r); d != nil {
				d.PresentInDwmWaitingList = false
				c.lose(d, "too many presents composed into one frame")
			}
		}
		waiting = waiting[excess:]
	}

	for _, r := range waiting {
		if d := c.active(r); d != nil {
			d.PresentInDwmWaitingList = false
			d.dwmDependent = true
			e.dependents = append(e.dependents, r)
		}
	}
}

// completeDependents finishes the presents composed into a compositor frame, newest first. Only
// the newest present of each window is shown; older ones were overwritten before composition.
func (c *Consumer) completeDependents(e *Event) {
	deps := e.dependents
	e.dependents = nil

	shown := map[uint64]bool{}
	for i := len(deps) - 1; i >= 0; i-- {
		d := c.active(deps[i])
		if d == nil {
			continue
		}
		d.dwmDependent = false

		switch {
		case e.IsLost:
			d.IsLost = true
		case e.FinalState == PresentResultPresented && !shown[d.Hwnd]:
			shown[d.Hwnd] = true
			d.setScreenTime(e.ScreenTime())
			d.FinalState = PresentResultPresented
		default:
			d.FinalState = PresentResultDiscarded
		}
		c.complete(d)
	}
}
