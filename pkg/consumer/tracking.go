package consumer

import (
	"github.com/omaskery/frametrace/pkg/events"
)

// The tracked arena owns every in-flight present. Presents are addressed by a monotonically
// increasing ref; a ref whose slot has since been reused resolves to nil, so the keyed indices
// below never need to be told about evictions.

func (c *Consumer) slotOf(r ref) int {
	return int(uint64(r-1) % uint64(len(c.slots)))
}

func (c *Consumer) get(r ref) *Event {
	if r == 0 {
		return nil
	}
	e := c.slots[c.slotOf(r)]
	if e == nil || e.ref != r {
		return nil
	}
	return e
}

// active resolves a ref to a present that is still being correlated
func (c *Consumer) active(r ref) *Event {
	e := c.get(r)
	if e == nil || e.IsCompleted {
		return nil
	}
	return e
}

func (c *Consumer) newPresent(hdr events.Header, runtime Runtime) *Event {
	r := c.nextRef
	slot := c.slotOf(r)
	if old := c.slots[slot]; old != nil {
		c.evict(old)
	}
	c.nextRef++
	c.nextFrameID++

	e := &Event{
		ProcessID:        hdr.ProcessID,
		ThreadID:         hdr.ThreadID,
		FrameID:          c.nextFrameID,
		PresentStartTime: hdr.Timestamp,
		Runtime:          runtime,
		ref:              r,
	}
	c.slots[slot] = e
	c.byProcess[e.ProcessID] = append(c.byProcess[e.ProcessID], r)

	if c.cfg.TrackInput {
		if in, ok := c.retrievedInput[e.ProcessID]; ok {
			e.InputTime = in.time
			e.InputDevice = in.device
			if in.click {
				e.MouseClickTime = in.time
			}
			delete(c.retrievedInput, e.ProcessID)
		}
	}
	if c.cfg.TrackAppTiming {
		if id, ok := c.pendingAppFrameIDs[e.ThreadID]; ok {
			delete(c.pendingAppFrameIDs, e.ThreadID)
			c.assignAppFrameID(e, id)
		}
	}
	return e
}

// evict makes room in the arena by force completing the oldest present
func (c *Consumer) evict(old *Event) {
	c.mu.Lock()
	c.stats.ForcedEvictions++
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.V(1).Info("tracked ring full, evicting present",
			"process", old.ProcessID, "frame", old.FrameID, "completed", old.IsCompleted)
	}
	if !old.IsCompleted {
		old.IsLost = true
		c.complete(old)
	}
	if c.get(old.ref) != nil {
		c.forceRelease(old)
	}
}

// unclaimed reports whether a present left its runtime call without any kernel event attributing
// work to it, which is the case for deferred submission
func (e *Event) unclaimed() bool {
	return e.claimThread == 0 && !e.WaitingForPresentStop && e.Runtime != RuntimeOther && e.PresentMode == PresentModeUnknown &&
		e.queueSubmitSequence == 0 && e.presentHistoryToken == 0 && !e.SeenDxgkPresent && !e.SeenWin32KEvents
}

// findOrCreate returns the present a kernel record belongs to. It prefers the present the record's
// thread is working on; failing that, when claim is set, the oldest unclaimed present of the
// process; failing that, a new present. A thread's present that is incompatible with the record
// is marked lost and the lookup starts over.
func (c *Consumer) findOrCreate(hdr events.Header, claim bool, compatible func(*Event) bool) *Event {
	for {
		r, ok := c.byThread[hdr.ThreadID]
		if !ok {
			break
		}
		e := c.get(r)
		if e == nil {
			delete(c.byThread, hdr.ThreadID)
			break
		}
		if e.IsCompleted {
			// still inside a present call that already completed
			return nil
		}
		if compatible == nil || compatible(e) {
			return e
		}
		c.lose(e, "incompatible kernel event on thread")
	}

	if claim {
		for _, r := range c.byProcess[hdr.ProcessID] {
			e := c.active(r)
			if e == nil || !e.unclaimed() || (compatible != nil && !compatible(e)) {
				continue
			}
			c.byThread[hdr.ThreadID] = r
			e.claimThread = hdr.ThreadID
			return e
		}
	}

	if !c.isProcessTracked(hdr.ProcessID) && hdr.ThreadID != c.dwmThreadID {
		return nil
	}
	e := c.newPresent(hdr, RuntimeOther)
	c.byThread[hdr.ThreadID] = e.ref
	return e
}

// lose marks a present whose tracking turned out to be inconsistent and completes it
func (c *Consumer) lose(e *Event, reason string) {
	if e.IsCompleted {
		return
	}
	if c.logger != nil {
		c.logger.V(1).Info("present lost", "reason", reason,
			"process", e.ProcessID, "thread", e.ThreadID, "frame", e.FrameID)
	}
	e.IsLost = true
	c.complete(e)
}

func (c *Consumer) setSubmitSequence(e *Event, seq uint32) {
	if prev := c.active(c.bySubmitSequence[seq]); prev != nil && prev != e {
		c.lose(prev, "submit sequence reused")
	}
	e.queueSubmitSequence = seq
	c.bySubmitSequence[seq] = e.ref
}

func (c *Consumer) setPresentHistoryToken(e *Event, token uint64) {
	if prev := c.active(c.byPresentHistoryToken[token]); prev != nil && prev != e {
		c.lose(prev, "present history token reused")
	}
	e.presentHistoryToken = token
	c.byPresentHistoryToken[token] = e.ref
}

func (c *Consumer) setTokenData(e *Event, data uint64) {
	if prev := c.active(c.byTokenData[data]); prev != nil && prev != e {
		c.lose(prev, "present history token data reused")
	}
	e.tokenData = data
	c.byTokenData[data] = e.ref
}

func (c *Consumer) setWin32kKey(e *Event, key win32kKey) {
	if prev := c.active(c.byWin32k[key]); prev != nil && prev != e {
		c.lose(prev, "composition token reused")
	}
	e.win32k = key
	c.byWin32k[key] = e.ref
}

// setDxgkContext tracks the one legacy copy a context may have in flight
func (c *Consumer) setDxgkContext(e *Event, hContext uint64) {
	if prev := c.active(c.byDxgkContext[hContext]); prev != nil && prev != e {
		c.lose(prev, "second blit on context")
	}
	e.dxgkContext = hContext
	c.byDxgkContext[hContext] = e.ref
}

func (c *Consumer) setFlipPresentID(e *Event, id uint64) {
	if prev := c.active(c.byFlipPresentID[id]); prev != nil && prev != e {
		c.lose(prev, "flip present id reused")
	}
	e.flipPresentID = id
	c.byFlipPresentID[id] = e.ref
}

func deleteIf[K comparable](m map[K]ref, k K, r ref) {
	if m[k] == r {
		delete(m, k)
	}
}

func removeRef(refs []ref, r ref) []ref {
	for i, x := range refs {
		if x == r {
			return append(refs[:i], refs[i+1:]...)
		}
	}
	return refs
}

// untrack drops a completing present from the correlation indices. The thread mapping survives
// while the present is still inside its call, and the flip present id survives while a frame type
// may still arrive for it.
func (c *Consumer) untrack(e *Event) {
	r := e.ref
	if e.queueSubmitSequence != 0 {
		deleteIf(c.bySubmitSequence, e.queueSubmitSequence, r)
	}
	if e.presentHistoryToken != 0 {
		deleteIf(c.byPresentHistoryToken, e.presentHistoryToken, r)
		e.presentHistoryToken = 0
	}
	if e.tokenData != 0 {
		deleteIf(c.byTokenData, e.tokenData, r)
		e.tokenData = 0
	}
	if e.win32k != (win32kKey{}) {
		deleteIf(c.byWin32k, e.win32k, r)
		e.win32k = win32kKey{}
	}
	if e.dxgkContext != 0 {
		deleteIf(c.byDxgkContext, e.dxgkContext, r)
	}
	deleteIf(c.lastByWindow, e.Hwnd, r)
	if e.PresentInDwmWaitingList {
		c.waitingForDWM = removeRef(c.waitingForDWM, r)
		e.PresentInDwmWaitingList = false
	}
	if !e.WaitingForPresentStop {
		deleteIf(c.byThread, e.ThreadID, r)
	}
	if e.claimThread != 0 {
		deleteIf(c.byThread, e.claimThread, r)
		e.claimThread = 0
	}

	refs := removeRef(c.byProcess[e.ProcessID], r)
	if len(refs) == 0 {
		delete(c.byProcess, e.ProcessID)
	} else {
		c.byProcess[e.ProcessID] = refs
	}
}

// free removes every remaining trace of a present from the engine
func (c *Consumer) free(e *Event) {
	r := e.ref
	c.untrack(e)
	deleteIf(c.byThread, e.ThreadID, r)
	if e.flipPresentID != 0 {
		deleteIf(c.byFlipPresentID, e.flipPresentID, r)
	}
	if e.hasPlane {
		deleteIf(c.waitingFrameType, e.plane, r)
	}
	c.deferred = removeRef(c.deferred, r)
	e.dependents = nil

	slot := c.slotOf(r)
	if c.slots[slot] == e {
		c.slots[slot] = nil
	}
}
