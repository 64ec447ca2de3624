package consumer

// Stats is a snapshot of the consumer's accounting counters
type Stats struct {
	// OverflowCount is the number of presents dropped because the completed ring was full
	OverflowCount uint64
	// ForcedEvictions is the number of presents completed early to make room in the tracked ring
	ForcedEvictions uint64
	LostCount       uint64
	CompletedCount  uint64
	// WarmupDiscards counts first completions of a session, which are never delivered
	WarmupDiscards   uint64
	DeferralTimeouts uint64
	SkippedPackets   uint64

	// Queued is the number of completed presents not yet dequeued, Ready of which can be
	Queued int
	Ready  int
}

// DequeuePresents appends every present that is ready for delivery to dst, oldest first, and
// removes them from the consumer. It never blocks on the producer.
func (c *Consumer) DequeuePresents(dst []*Event) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := len(c.completed)
	for i := 0; i < c.readyCount; i++ {
		idx := (c.completedHead + i) % size
		dst = append(dst, c.completed[idx])
		c.completed[idx] = nil
	}
	c.completedHead = (c.completedHead + c.readyCount) % size
	c.completedCount -= c.readyCount
	c.readyCount = 0

	if c.cfg.Backpressure {
		c.cond.Broadcast()
	}
	return dst
}

// DequeueProcessEvents appends every process start and stop observed since the last call to dst
func (c *Consumer) DequeueProcessEvents(dst []ProcessEvent) []ProcessEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	dst = append(dst, c.processEvents...)
	c.processEvents = c.processEvents[:0]
	return dst
}

// DataAvailable is set whenever presents become ready or process events arrive. Waiters reset it
// before dequeueing.
func (c *Consumer) DataAvailable() *Signal {
	return c.dataAvailable
}

func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Queued = c.completedCount
	s.Ready = c.readyCount
	return s
}
