package gputrace_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/gputrace"
)

const (
	adapter  = uint64(0xa0)
	device   = uint64(0xd0)
	render   = uint64(0xc0)
	video    = uint64(0xc1)
	hwQueue  = uint64(0xc2)
	pid      = uint32(100)
	otherPid = uint32(200)
)

var _ = Describe("Tracker", func() {
	var tracker *gputrace.Tracker
	var options []gputrace.TrackerOption

	BeforeEach(func() {
		options = nil
	})

	JustBeforeEach(func() {
		tracker = gputrace.NewTracker(options...)
		tracker.RegisterDevice(device, adapter)
		tracker.SetEngineType(adapter, 0, events.EngineThreeD)
		tracker.SetEngineType(adapter, 1, events.EngineVideoDecode)
		tracker.RegisterContext(render, device, 0, pid)
		tracker.RegisterContext(video, device, 1, pid)
	})

	When("packets run back to back", func() {
		It("accumulates their busy time into the frame", func() {
			Expect(tracker.EnqueuePacket(render, 1, pid, 100, false)).To(BeTrue())
			Expect(tracker.EnqueuePacket(render, 2, pid, 110, false)).To(BeTrue())
			Expect(tracker.CompletePacket(render, 1, 150)).To(BeTrue())
			Expect(tracker.CompletePacket(render, 2, 170)).To(BeTrue())

			Expect(tracker.CompleteFrame(pid, 200)).To(Equal(gputrace.FrameTimes{
				GPUStart:    100,
				ReadyTime:   170,
				GPUDuration: 70,
			}))
		})

		It("resets accounting after each frame", func() {
			tracker.EnqueuePacket(render, 1, pid, 100, false)
			tracker.CompletePacket(render, 1, 150)
			tracker.CompleteFrame(pid, 200)

			Expect(tracker.CompleteFrame(pid, 300)).To(Equal(gputrace.FrameTimes{}))
		})
	})

	When("a packet is still running when the frame completes", func() {
		It("splits it at the completion instant", func() {
			tracker.EnqueuePacket(render, 1, pid, 100, false)

			first := tracker.CompleteFrame(pid, 160)
			Expect(first.GPUStart).To(Equal(uint64(100)))
			Expect(first.GPUDuration).To(Equal(uint64(60)))
			Expect(first.ReadyTime).To(Equal(uint64(160)))

			tracker.CompletePacket(render, 1, 190)
			second := tracker.CompleteFrame(pid, 250)
			Expect(second.GPUStart).To(Equal(uint64(160)))
			Expect(second.GPUDuration).To(Equal(uint64(30)))
			Expect(second.ReadyTime).To(Equal(uint64(190)))
		})
	})

	When("completions arrive out of order", func() {
		It("retires skipped packets with the matched one", func() {
			tracker.EnqueuePacket(render, 1, pid, 100, false)
			tracker.EnqueuePacket(render, 2, pid, 100, false)
			tracker.EnqueuePacket(render, 3, pid, 100, false)

			Expect(tracker.CompletePacket(render, 2, 140)).To(BeTrue())
			Expect(tracker.CompletePacket(render, 1, 150)).To(BeFalse())
			Expect(tracker.CompletePacket(render, 3, 180)).To(BeTrue())

			times := tracker.CompleteFrame(pid, 200)
			Expect(times.GPUDuration).To(Equal(uint64(80)))
			Expect(times.ReadyTime).To(Equal(uint64(180)))
		})
	})

	When("the node queue is full", func() {
		It("skips further submissions", func() {
			for i := 0; i < gputrace.MaxQueueSize; i++ {
				Expect(tracker.EnqueuePacket(render, uint32(i), pid, 100, false)).To(BeTrue())
			}
			Expect(tracker.EnqueuePacket(render, 99, pid, 100, false)).To(BeFalse())
			Expect(tracker.SkippedPackets()).To(Equal(uint64(1)))
			Expect(tracker.CompletePacket(render, 99, 150)).To(BeFalse())
		})
	})

	When("a wait packet is at the head of the queue", func() {
		It("holds ordering without counting as work", func() {
			tracker.EnqueuePacket(render, 1, pid, 100, true)
			tracker.EnqueuePacket(render, 2, pid, 100, false)
			tracker.CompletePacket(render, 1, 140)
			tracker.CompletePacket(render, 2, 160)

			Expect(tracker.CompleteFrame(pid, 200)).To(Equal(gputrace.FrameTimes{
				GPUStart:    140,
				ReadyTime:   160,
				GPUDuration: 20,
			}))
		})
	})

	When("packets from two processes share a node", func() {
		It("attributes each to its own process", func() {
			tracker.EnqueuePacket(render, 1, pid, 100, false)
			tracker.EnqueuePacket(render, 2, otherPid, 100, false)
			tracker.CompletePacket(render, 1, 130)
			tracker.CompletePacket(render, 2, 150)

			Expect(tracker.CompleteFrame(pid, 200).GPUDuration).To(Equal(uint64(30)))
			Expect(tracker.CompleteFrame(otherPid, 200).GPUDuration).To(Equal(uint64(20)))
		})
	})

	When("packets overlap on two nodes", func() {
		It("counts the overlapping time once", func() {
			tracker.RegisterContext(0xc3, device, 2, pid)
			tracker.EnqueuePacket(render, 1, pid, 100, false)
			tracker.EnqueuePacket(0xc3, 1, pid, 120, false)
			tracker.CompletePacket(render, 1, 150)
			tracker.CompletePacket(0xc3, 1, 160)

			Expect(tracker.CompleteFrame(pid, 200).GPUDuration).To(Equal(uint64(60)))
		})
	})

	When("video tracking is enabled", func() {
		BeforeEach(func() {
			options = append(options, gputrace.WithVideoTracking(true))
		})

		It("accounts video engines separately", func() {
			tracker.EnqueuePacket(render, 1, pid, 100, false)
			tracker.EnqueuePacket(video, 1, pid, 90, false)
			tracker.CompletePacket(render, 1, 120)
			tracker.CompletePacket(video, 1, 140)

			Expect(tracker.CompleteFrame(pid, 200)).To(Equal(gputrace.FrameTimes{
				GPUStart:      90,
				ReadyTime:     140,
				GPUDuration:   20,
				VideoDuration: 50,
			}))
		})
	})

	When("video tracking is disabled", func() {
		It("counts video engines as GPU work", func() {
			tracker.EnqueuePacket(video, 1, pid, 100, false)
			tracker.CompletePacket(video, 1, 140)

			times := tracker.CompleteFrame(pid, 200)
			Expect(times.GPUDuration).To(Equal(uint64(40)))
			Expect(times.VideoDuration).To(BeZero())
		})
	})

	When("hardware queues are used", func() {
		JustBeforeEach(func() {
			tracker.RegisterHwQueue(hwQueue, render, 0)
		})

		It("orders packets on a private node", func() {
			tracker.EnqueuePacket(render, 1, pid, 100, false)
			Expect(tracker.EnqueuePacket(hwQueue, 1, pid, 100, false)).To(BeTrue())
			Expect(tracker.CompletePacket(hwQueue, 1, 120)).To(BeTrue())
			Expect(tracker.CompletePacket(render, 1, 130)).To(BeTrue())

			Expect(tracker.CompleteFrame(pid, 200).GPUDuration).To(Equal(uint64(30)))
		})

		It("is removed along with its parent context", func() {
			Expect(tracker.Contexts()).To(Equal(3))
			tracker.UnregisterContext(render)
			Expect(tracker.Contexts()).To(Equal(1))
			Expect(tracker.EnqueuePacket(hwQueue, 1, pid, 100, false)).To(BeFalse())
		})

		It("can be removed on its own", func() {
			tracker.UnregisterContext(hwQueue)
			Expect(tracker.Contexts()).To(Equal(2))
			Expect(tracker.EnqueuePacket(render, 1, pid, 100, false)).To(BeTrue())
		})
	})

	When("a context is on an unknown device", func() {
		It("is not tracked", func() {
			tracker.RegisterContext(0xee, 0xbad, 0, pid)
			Expect(tracker.EnqueuePacket(0xee, 1, pid, 100, false)).To(BeFalse())
		})
	})

	When("a process exits", func() {
		It("forgets its accounting", func() {
			tracker.EnqueuePacket(render, 1, pid, 100, false)
			tracker.CompletePacket(render, 1, 150)
			tracker.RemoveProcess(pid)
			Expect(tracker.CompleteFrame(pid, 200)).To(Equal(gputrace.FrameTimes{}))
		})
	})
})
