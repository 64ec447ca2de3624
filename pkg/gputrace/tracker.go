// gputrace attributes GPU queue activity to the frames of the processes that submitted it
package gputrace

import (
	"github.com/go-logr/logr"

	"github.com/omaskery/frametrace/pkg/events"
)

// FrameTimes is the GPU work attributed to one completed frame, in ticks
type FrameTimes struct {
	// GPUStart is when the frame's first packet started running, 0 if the frame had no GPU work
	GPUStart uint64
	// ReadyTime is when the frame's last packet finished
	ReadyTime uint64
	// GPUDuration is the busy time of the frame's packets on non-video engines
	GPUDuration uint64
	// VideoDuration is the busy time on video engines, when video tracking is enabled
	VideoDuration uint64
}

type nodeKey struct {
	adapter uint64
	ordinal uint32
}

type gpuContext struct {
	node      *Node
	processID uint32
	// parent is set for hardware queues, which own their node and borrow the parent's engine
	parent uint64
}

type processFrame struct {
	render PacketTrace
	video  PacketTrace
}

type TrackerOption = func(t *Tracker)

func WithLogger(logger logr.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithVideoTracking accounts video engine work separately from other GPU work
func WithVideoTracking(enabled bool) TrackerOption {
	return func(t *Tracker) {
		t.trackVideo = enabled
	}
}

// Tracker follows devices, contexts and hardware queues and the packets submitted to them. It is
// driven by a single producer and is not safe for concurrent use.
type Tracker struct {
	logger     logr.Logger
	trackVideo bool

	devices   map[uint64]uint64
	nodes     map[nodeKey]*Node
	contexts  map[uint64]*gpuContext
	hwQueues  map[uint64][]uint64
	processes map[uint32]*processFrame

	skipped uint64
}

func NewTracker(options ...TrackerOption) *Tracker {
	t := &Tracker{
		devices:   map[uint64]uint64{},
		nodes:     map[nodeKey]*Node{},
		contexts:  map[uint64]*gpuContext{},
		hwQueues:  map[uint64][]uint64{},
		processes: map[uint32]*processFrame{},
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// RegisterDevice associates a device handle with the adapter it was created on
func (t *Tracker) RegisterDevice(device, adapter uint64) {
	t.devices[device] = adapter
}

func (t *Tracker) UnregisterDevice(device uint64) {
	delete(t.devices, device)
}

func (t *Tracker) node(adapter uint64, ordinal uint32) *Node {
	key := nodeKey{adapter: adapter, ordinal: ordinal}
	n, ok := t.nodes[key]
	if !ok {
		n = &Node{}
		t.nodes[key] = n
	}
	return n
}

// RegisterContext binds a context to the node it submits to. Contexts on unknown devices are
// ignored; their packets will not be tracked.
func (t *Tracker) RegisterContext(hContext, device uint64, nodeOrdinal, processID uint32) {
	adapter, ok := t.devices[device]
	if !ok {
		if t.logger != nil {
			t.logger.V(1).Info("context on unknown device", "context", hContext, "device", device)
		}
		return
	}
	t.UnregisterContext(hContext)
	t.contexts[hContext] = &gpuContext{
		node:      t.node(adapter, nodeOrdinal),
		processID: processID,
	}
}

// RegisterHwQueue adds a hardware scheduled queue under an existing context. The queue orders its
// own packets on a private node but is accounted like its parent.
func (t *Tracker) RegisterHwQueue(hHwQueue, parentContext uint64, processID uint32) {
	parent, ok := t.contexts[parentContext]
	if !ok {
		if t.logger != nil {
			t.logger.V(1).Info("hardware queue on unknown context", "hwQueue", hHwQueue, "context", parentContext)
		}
		return
	}
	t.UnregisterContext(hHwQueue)
	if processID == 0 {
		processID = parent.processID
	}
	t.contexts[hHwQueue] = &gpuContext{
		node:      &Node{engineType: parent.node.engineType},
		processID: processID,
		parent:    parentContext,
	}
	t.hwQueues[parentContext] = append(t.hwQueues[parentContext], hHwQueue)
}

// UnregisterContext removes a context or hardware queue. Removing a context also removes the
// hardware queues created under it.
func (t *Tracker) UnregisterContext(hContext uint64) {
	ctx, ok := t.contexts[hContext]
	if !ok {
		return
	}
	delete(t.contexts, hContext)

	if ctx.parent != 0 {
		siblings := t.hwQueues[ctx.parent]
		for i, h := range siblings {
			if h == hContext {
				siblings = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
		if len(siblings) == 0 {
			delete(t.hwQueues, ctx.parent)
		} else {
			t.hwQueues[ctx.parent] = siblings
		}
		return
	}

	for _, h := range t.hwQueues[hContext] {
		delete(t.contexts, h)
	}
	delete(t.hwQueues, hContext)
}

// SetEngineType records what kind of engine a node is
func (t *Tracker) SetEngineType(adapter uint64, nodeOrdinal, engineType uint32) {
	t.node(adapter, nodeOrdinal).engineType = engineType
}

func isVideoEngine(engineType uint32) bool {
	switch engineType {
	case events.EngineVideoDecode, events.EngineVideoEncode, events.EngineVideoProcess:
		return true
	}
	return false
}

func (t *Tracker) process(processID uint32) *processFrame {
	p, ok := t.processes[processID]
	if !ok {
		p = &processFrame{}
		t.processes[processID] = p
	}
	return p
}

func (t *Tracker) engineType(ctx *gpuContext) uint32 {
	if ctx.parent != 0 {
		if parent, ok := t.contexts[ctx.parent]; ok {
			return parent.node.engineType
		}
	}
	return ctx.node.engineType
}

// EnqueuePacket records a packet submitted to a context. Wait packets keep their place in the
// node's queue but do not count as GPU work. It reports whether the packet is being tracked.
func (t *Tracker) EnqueuePacket(hContext uint64, sequenceID, processID uint32, timestamp uint64, wait bool) bool {
	ctx, ok := t.contexts[hContext]
	if !ok {
		return false
	}
	if processID == 0 {
		processID = ctx.processID
	}

	var trace *PacketTrace
	if !wait {
		p := t.process(processID)
		trace = &p.render
		if t.trackVideo && isVideoEngine(t.engineType(ctx)) {
			trace = &p.video
		}
	}

	if !ctx.node.enqueue(sequenceID, trace, timestamp) {
		t.skipped++
		if t.logger != nil {
			t.logger.V(1).Info("node queue full, packet not tracked",
				"context", hContext, "sequence", sequenceID, "process", processID)
		}
		return false
	}
	return true
}

// CompletePacket retires the packet with sequenceID, and any packets queued ahead of it
func (t *Tracker) CompletePacket(hContext uint64, sequenceID uint32, timestamp uint64) bool {
	ctx, ok := t.contexts[hContext]
	if !ok {
		return false
	}
	return ctx.node.complete(sequenceID, timestamp)
}

// CompleteFrame reports the GPU work the process did since its previous frame and resets its
// accounting. A packet still running at timestamp is split: the elapsed part belongs to this
// frame and the rest is accounted to the next one starting at timestamp.
func (t *Tracker) CompleteFrame(processID uint32, timestamp uint64) FrameTimes {
	p, ok := t.processes[processID]
	if !ok {
		return FrameTimes{}
	}

	var out FrameTimes
	out.GPUStart, out.ReadyTime, out.GPUDuration = p.render.split(timestamp)

	if t.trackVideo {
		videoStart, videoReady, videoBusy := p.video.split(timestamp)
		out.VideoDuration = videoBusy
		if out.GPUStart == 0 || (videoStart != 0 && videoStart < out.GPUStart) {
			out.GPUStart = videoStart
		}
		if videoReady > out.ReadyTime {
			out.ReadyTime = videoReady
		}
	}
	return out
}

// RemoveProcess drops the accounting of a process that exited
func (t *Tracker) RemoveProcess(processID uint32) {
	delete(t.processes, processID)
}

// SkippedPackets counts packets that were not tracked because their node's queue was full
func (t *Tracker) SkippedPackets() uint64 {
	return t.skipped
}

// Contexts is the number of live contexts and hardware queues
func (t *Tracker) Contexts() int {
	return len(t.contexts)
}
