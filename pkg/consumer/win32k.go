package consumer

import (
	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/metadata"
)

func (c *Consumer) handleWin32k(rec *events.Record) {
	hdr := rec.Header()

	switch rec.ID {
	case events.Win32kTokenCompositionSurfaceObjectInfo:
		f := metadata.Fields("CompositionSurfaceLuid", "PresentCount", "BindId")
		if c.decode(rec, f) {
			c.handleTokenCompositionSurfaceObject(hdr, win32kKey{
				luid:         f[0].Uint64(),
				presentCount: f[1].Uint64(),
				bindID:       f[2].Uint64(),
			})
		}
	case events.Win32kTokenStateChangedInfo:
		f := metadata.Fields("CompositionSurfaceLuid", "PresentCount", "BindId", "NewState", "IndependentFlip")
		c.decode(rec, f)
		if f[0].Found() && f[1].Found() && f[2].Found() && f[3].Found() {
			c.handleTokenStateChanged(hdr, win32kKey{
				luid:         f[0].Uint64(),
				presentCount: f[1].Uint64(),
				bindID:       f[2].Uint64(),
			}, f[3].Uint32(), f[4].Bool())
		}
	case events.Win32kInputDeviceReadStop:
		if !c.cfg.TrackInput {
			return
		}
		f := metadata.Fields("DeviceType", "ButtonDown")
		c.decode(rec, f)
		c.lastInput = input{
			time:   hdr.Timestamp,
			device: inputDevice(f[0].Uint32()),
			click:  f[1].Bool(),
		}
	case events.Win32kRetrieveInputMessageInfo:
		if !c.cfg.TrackInput || c.lastInput.time == 0 {
			return
		}
		c.retrievedInput[hdr.ProcessID] = c.lastInput
		c.lastInput = input{}
	}
}

func inputDevice(deviceType uint32) InputDevice {
	switch deviceType {
	case events.InputDeviceMouse:
		return InputDeviceMouse
	case events.InputDeviceKeyboard:
		return InputDeviceKeyboard
	}
	return InputDeviceOther
}

func (c *Consumer) handleTokenCompositionSurfaceObject(hdr events.Header, key win32kKey) {
	e := c.findOrCreate(hdr, true, func(e *Event) bool {
		return !e.SeenWin32KEvents
	})
	if e == nil {
		return
	}
	e.SeenWin32KEvents = true
	if e.PresentMode == PresentModeUnknown {
		e.PresentMode = PresentModeComposedFlip
	}
	c.setWin32kKey(e, key)
}

func (c *Consumer) handleTokenStateChanged(hdr events.Header, key win32kKey, state uint32, independentFlip bool) {
	e := c.active(c.byWin32k[key])
	if e == nil {
		return
	}

	switch state {
	case events.TokenStateInFrame:
		e.SeenInFrameEvent = true
		if independentFlip && e.PresentMode == PresentModeComposedFlip {
			e.upgradeFlipMode(PresentModeHardwareIndependentFlip)
		}
		if e.PresentMode == PresentModeComposedFlip {
			c.setLastPresentForWindow(e)
		}

	case events.TokenStateConfirmed:
		if e.FinalState == PresentResultUnknown {
			if e.Runtime == RuntimeDXGI && e.PresentFlags&events.DXGIPresentDoNotSequence != 0 {
				e.FinalState = PresentResultDiscarded
			} else {
				e.FinalState = PresentResultPresented
			}
		}

	case events.TokenStateRetired:
		// composed flips reach the screen with the compositor's frame, not on retirement
		if e.PresentMode != PresentModeComposedFlip {
			e.setScreenTime(hdr.Timestamp)
		}

	case events.TokenStateDiscarded:
		deleteIf(c.byWin32k, key, e.ref)
		e.win32k = win32kKey{}
		if e.PresentInDwmWaitingList || e.dwmDependent {
			return
		}
		if e.ScreenTime() == 0 {
			e.FinalState = PresentResultDiscarded
		}
		c.complete(e)
	}
}

// setLastPresentForWindow records e as the newest composed present of its window. An older one
// the compositor has not picked up yet will never be shown. Presents whose window is unknown are
// not recorded.
func (c *Consumer) setLastPresentForWindow(e *Event) {
	if e.Hwnd == 0 {
		return
	}
	if prev := c.active(c.lastByWindow[e.Hwnd]); prev != nil && prev != e && !prev.PresentInDwmWaitingList && !prev.dwmDependent {
		prev.FinalState = PresentResultDiscarded
		c.complete(prev)
	}
	c.lastByWindow[e.Hwnd] = e.ref
}
