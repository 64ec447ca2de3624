package consumer

import (
	"golang.org/x/exp/slices"
)

// complete ends correlation of a present. Older in-flight presents of the same swap chain are
// completed first, and a present whose process still has older presents in flight is held back
// until they complete, so each process's presents leave the engine in the order they were made.
// A present still waiting on a marker stays in the arena, queued but not yet dequeueable, until
// the marker arrives or the deferral limit passes.
func (c *Consumer) complete(e *Event) {
	if e.IsCompleted {
		c.assertf("present completed twice: process %d frame %d", e.ProcessID, e.FrameID)
		return
	}
	if !c.warmedUp {
		c.completeWarmup(e)
		return
	}

	c.completeOlder(e)
	if e.IsCompleted {
		return
	}

	e.IsCompleted = true
	e.completeTime = c.now
	if c.gpu != nil && !e.GPUFrameCompleted && !e.IsLost {
		c.applyGPU(e, c.now)
	}
	if len(e.dependents) > 0 {
		c.completeDependents(e)
	}

	if e.IsLost {
		e.WaitingForPresentStop = false
		e.WaitingForFlipFrameType = false
		e.WaitingForFrameID = false
	} else {
		if c.cfg.TrackFrameType && e.FinalState == PresentResultPresented && e.flipPresentID != 0 && !e.frameTypeSet() {
			e.WaitingForFlipFrameType = true
			if e.hasPlane {
				c.waitingFrameType[e.plane] = e.ref
			}
		}
		if c.cfg.TrackAppTiming && c.instrumented[e.ProcessID] && e.AppFrameID == 0 {
			e.WaitingForFrameID = true
		}
	}
	c.untrack(e)

	c.mu.Lock()
	c.stats.CompletedCount++
	if e.IsLost {
		c.stats.LostCount++
	}
	c.mu.Unlock()

	if e.waiting() {
		c.deferred = append(c.deferred, e.ref)
	} else {
		c.finalize(e)
		c.free(e)
	}
	c.queueCompleted(e)
}

// queueCompleted moves a completed present into the completed ring unless an older present of
// its process is still in flight, in which case it waits in the held list
func (c *Consumer) queueCompleted(e *Event) {
	pid := e.ProcessID
	if c.olderInFlight(pid, e.ref) {
		held := c.held[pid]
		i := len(held)
		for i > 0 && held[i-1].ref > e.ref {
			i--
		}
		c.held[pid] = slices.Insert(held, i, e)
		return
	}

	c.pushCompleted(e)
	c.releaseHeld(pid)
}

// releaseHeld queues every held present of a process that no longer has an older present in flight
func (c *Consumer) releaseHeld(pid uint32) {
	held := c.held[pid]
	n := 0
	for n < len(held) && !c.olderInFlight(pid, held[n].ref) {
		c.pushCompleted(held[n])
		held[n] = nil
		n++
	}
	switch {
	case n == len(held):
		delete(c.held, pid)
	case n > 0:
		c.held[pid] = held[n:]
	}
}

// olderInFlight reports whether the process has a present older than r that has not completed.
// byProcess only lists presents still in flight, oldest first.
func (c *Consumer) olderInFlight(pid uint32, r ref) bool {
	refs := c.byProcess[pid]
	return len(refs) > 0 && refs[0] < r
}

// completeWarmup handles the first completion of a session. Presents in flight when tracing
// started were only partially observed, so the first completed present is dropped and everything
// older than it is reported lost.
func (c *Consumer) completeWarmup(e *Event) {
	c.warmedUp = true
	e.IsCompleted = true
	e.dependents = nil
	c.free(e)

	c.mu.Lock()
	c.stats.WarmupDiscards++
	c.mu.Unlock()

	var older []ref
	for _, o := range c.slots {
		if o != nil && !o.IsCompleted && o.ref < e.ref {
			older = append(older, o.ref)
		}
	}
	slices.Sort(older)
	for _, r := range older {
		if o := c.active(r); o != nil {
			o.dwmDependent = false
			c.lose(o, "in flight before first completion")
		}
	}
}

func (c *Consumer) completeOlder(e *Event) {
	refs := c.byProcess[e.ProcessID]
	if len(refs) == 0 || refs[0] >= e.ref {
		return
	}

	var older []ref
	for _, r := range refs {
		if r >= e.ref {
			break
		}
		older = append(older, r)
	}
	for _, r := range older {
		o := c.active(r)
		if o == nil || o.SwapChainAddress != e.SwapChainAddress {
			continue
		}
		if e.FinalState == PresentResultPresented && !e.IsLost {
			if o.FinalState != PresentResultPresented {
				o.FinalState = PresentResultDiscarded
			}
		} else {
			o.IsLost = true
		}
		c.complete(o)
	}
}

// finalize fills in the derived fields of a present that is about to be released
func (c *Consumer) finalize(e *Event) {
	if e.AppFrameID != 0 {
		key := appFrameKey{processID: e.ProcessID, frameID: e.AppFrameID}
		if t, ok := c.appFrames[key]; ok {
			e.App = *t
			delete(c.appFrames, key)
		}
	}
	if e.IsLost {
		return
	}

	if e.FrameType().Generated() {
		e.Propagated = c.lastAppFrame[e.ProcessID]
		return
	}
	e.Propagated = Propagated{
		PresentStartTime: e.PresentStartTime,
		TimeInPresent:    e.TimeInPresent,
		GPUStartTime:     e.GPUStartTime,
		ReadyTime:        e.ReadyTime,
		GPUDuration:      e.GPUDuration,
		GPUVideoDuration: e.GPUVideoDuration,
		InputTime:        e.InputTime,
	}
	c.lastAppFrame[e.ProcessID] = e.Propagated
}

// releaseDeferred hands a completed present to the dequeuer once nothing more is awaited for it
func (c *Consumer) releaseDeferred(e *Event) {
	if !e.IsCompleted || e.waiting() || c.get(e.ref) != e {
		return
	}
	c.finalize(e)
	c.free(e)

	c.mu.Lock()
	c.advanceReadyLocked()
	c.mu.Unlock()
}

// forceRelease gives up on whatever a deferred present is waiting for
func (c *Consumer) forceRelease(e *Event) {
	e.WaitingForPresentStop = false
	e.WaitingForFlipFrameType = false
	e.WaitingForFrameID = false
	c.releaseDeferred(e)
}

// expireDeferred releases presents deferred for longer than the configured limit and forgets
// frame types that never found their flip
func (c *Consumer) expireDeferred() {
	limit := c.cfg.DeferralTimeLimit
	if limit == 0 || (len(c.deferred) == 0 && len(c.pendingFrameTypes) == 0) {
		return
	}

	var expired []*Event
	for _, r := range c.deferred {
		if e := c.get(r); e != nil && c.now > e.completeTime && c.now-e.completeTime > limit {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		if c.logger != nil {
			c.logger.V(1).Info("deferral time limit reached",
				"process", e.ProcessID, "frame", e.FrameID,
				"presentStop", e.WaitingForPresentStop, "frameType", e.WaitingForFlipFrameType, "frameID", e.WaitingForFrameID)
		}
		c.mu.Lock()
		c.stats.DeferralTimeouts++
		c.mu.Unlock()
		c.forceRelease(e)
	}

	for id, p := range c.pendingFrameTypes {
		if c.now > p.time && c.now-p.time > limit {
			delete(c.pendingFrameTypes, id)
		}
	}
}

// pushCompleted appends a completed present to the completed ring. A full ring either blocks, when
// backpressure is enabled and the dequeuer can make progress, or drops a present.
func (c *Consumer) pushCompleted(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := len(c.completed)
	if c.cfg.Backpressure {
		for c.completedCount == size && c.readyCount > 0 {
			c.cond.Wait()
		}
	}

	if c.completedCount == size {
		c.stats.OverflowCount++
		oldest := c.completed[c.completedHead]
		if !oldest.IsLost && e.IsLost {
			// keep the ring's information rather than another lost present
			c.advanceReadyLocked()
			return
		}

		c.completed[c.completedHead] = nil
		c.completedHead = (c.completedHead + 1) % size
		c.completedCount--
		if c.readyCount > 0 {
			c.readyCount--
		} else if c.get(oldest.ref) == oldest {
			// still deferred; it can never be delivered now
			c.deferred = removeRef(c.deferred, oldest.ref)
			c.free(oldest)
		}
		if c.logger != nil {
			c.logger.V(1).Info("completed ring full, dropping present",
				"process", oldest.ProcessID, "frame", oldest.FrameID)
		}
	}

	c.completed[(c.completedHead+c.completedCount)%size] = e
	c.completedCount++
	c.advanceReadyLocked()
}

// advanceReadyLocked moves the ready watermark over every leading present nothing is awaited for
func (c *Consumer) advanceReadyLocked() {
	size := len(c.completed)
	advanced := false
	for c.readyCount < c.completedCount {
		e := c.completed[(c.completedHead+c.readyCount)%size]
		if e.waiting() {
			break
		}
		c.readyCount++
		advanced = true
	}
	if advanced {
		c.dataAvailable.Set()
	}
}
