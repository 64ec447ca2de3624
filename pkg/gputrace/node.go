package gputrace

// MaxQueueSize is the depth of each node's packet ring. Submissions to a full node are not tracked.
const MaxQueueSize = 10

// PacketTrace accumulates one process's GPU work for the frame currently being built
type PacketTrace struct {
	// FirstPacketTime is when the first packet of the frame started running
	FirstPacketTime uint64
	// LastPacketTime is when the most recent packet of the frame finished
	LastPacketTime uint64
	// AccumulatedTime is the busy time of packets that already finished
	AccumulatedTime uint64
	// RunningPacketStartTime is when the current run of concurrently executing packets began
	RunningPacketStartTime uint64
	// RunningPacketCount is the number of packets executing right now across all nodes
	RunningPacketCount uint32
}

func (t *PacketTrace) start(timestamp uint64) {
	if t == nil {
		return
	}
	if t.RunningPacketCount == 0 {
		t.RunningPacketStartTime = timestamp
		if t.FirstPacketTime == 0 {
			t.FirstPacketTime = timestamp
		}
	}
	t.RunningPacketCount++
}

func (t *PacketTrace) stop(timestamp uint64) {
	if t == nil || t.RunningPacketCount == 0 {
		return
	}
	t.RunningPacketCount--
	if t.RunningPacketCount == 0 {
		if timestamp > t.RunningPacketStartTime {
			t.AccumulatedTime += timestamp - t.RunningPacketStartTime
		}
		t.RunningPacketStartTime = 0
		t.LastPacketTime = timestamp
	}
}

// split credits the elapsed part of any running packets to the frame being completed and
// returns its totals, then restarts accounting at timestamp for the next frame
func (t *PacketTrace) split(timestamp uint64) (start, ready, busy uint64) {
	if t.RunningPacketCount > 0 {
		if timestamp > t.RunningPacketStartTime {
			t.AccumulatedTime += timestamp - t.RunningPacketStartTime
		}
		t.RunningPacketStartTime = timestamp
		t.LastPacketTime = timestamp
	}

	start, ready, busy = t.FirstPacketTime, t.LastPacketTime, t.AccumulatedTime

	t.AccumulatedTime = 0
	t.LastPacketTime = 0
	t.FirstPacketTime = 0
	if t.RunningPacketCount > 0 {
		t.FirstPacketTime = timestamp
	}
	return start, ready, busy
}

type queuedPacket struct {
	trace      *PacketTrace
	sequenceID uint32
}

// Node is one hardware execution queue. Packets run one at a time in submission order; the
// packet at the head of the ring is the one executing.
type Node struct {
	queue [MaxQueueSize]queuedPacket
	index int
	count int

	engineType uint32
}

// Len is the number of packets queued or running on the node
func (n *Node) Len() int {
	return n.count
}

func (n *Node) EngineType() uint32 {
	return n.engineType
}

// enqueue adds a packet; a nil trace marks a wait packet that holds its place in the queue
// without accruing busy time
func (n *Node) enqueue(sequenceID uint32, trace *PacketTrace, timestamp uint64) bool {
	if n.count == MaxQueueSize {
		return false
	}
	i := (n.index + n.count) % MaxQueueSize
	n.queue[i] = queuedPacket{trace: trace, sequenceID: sequenceID}
	n.count++

	if n.count == 1 {
		trace.start(timestamp)
	}
	return true
}

// complete retires the packet with sequenceID. Completions can be observed out of order, so
// the ring is scanned forward and any packets ahead of the match are retired with it. Only the
// head packet was ever started, so the skipped ones collapse into its run.
func (n *Node) complete(sequenceID uint32, timestamp uint64) bool {
	for i := 0; i < n.count; i++ {
		if n.queue[(n.index+i)%MaxQueueSize].sequenceID != sequenceID {
			continue
		}
		n.queue[n.index].trace.stop(timestamp)
		for j := 0; j <= i; j++ {
			n.queue[n.index] = queuedPacket{}
			n.index = (n.index + 1) % MaxQueueSize
			n.count--
		}
		if n.count > 0 {
			n.queue[n.index].trace.start(timestamp)
		}
		return true
	}
	return false
}
