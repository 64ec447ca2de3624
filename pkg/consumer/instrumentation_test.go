package consumer_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/omaskery/frametrace/pkg/consumer"
	"github.com/omaskery/frametrace/pkg/events"
)

var _ = Describe("Frame types", func() {
	var cfg consumer.Config
	var s *session

	BeforeEach(func() {
		cfg = baseConfig()
		cfg.TrackFrameType = true
	})

	JustBeforeEach(func() {
		s = newSession(cfg)
		s.warmUp()
	})

	mpoFlip := func(seq uint32, presentID uint64) {
		s.presentStart(appPid, appTid, swapChain)
		s.queuePacketStart(appPid, appTid, 0xc0, events.PacketMMIOFlip, seq, true)
		s.presentStop(appPid, appTid, 0)
		s.mmioFlipMPO(seq, 0, presentID, events.FlipWaitComplete)
	}

	It("holds a displayed flip until its frame type is known", func() {
		mpoFlip(3, 0x99)
		Expect(s.dequeue()).To(BeEmpty())

		s.frameType(0x99, consumer.FrameTypeIntelXeFG)
		presents := s.dequeue()
		Expect(presents).To(HaveLen(1))
		Expect(presents[0].FinalState).To(Equal(consumer.PresentResultPresented))
		Expect(presents[0].FrameType()).To(Equal(consumer.FrameTypeIntelXeFG))
		Expect(presents[0].Displayed).To(HaveLen(1))
	})

	It("applies a frame type reported before the flip", func() {
		s.frameType(0x99, consumer.FrameTypeApplication)
		mpoFlip(3, 0x99)

		presents := s.dequeue()
		Expect(presents).To(HaveLen(1))
		Expect(presents[0].FrameType()).To(Equal(consumer.FrameTypeApplication))
	})

	It("credits generated frames with the last application frame", func() {
		s.frameType(0x1, consumer.FrameTypeApplication)
		mpoFlip(3, 0x1)
		s.frameType(0x2, consumer.FrameTypeAMDAFMF)
		mpoFlip(4, 0x2)

		presents := s.dequeue()
		Expect(presents).To(HaveLen(2))
		app, generated := presents[0], presents[1]
		Expect(app.Propagated.PresentStartTime).To(Equal(app.PresentStartTime))
		Expect(generated.FrameType().Generated()).To(BeTrue())
		Expect(generated.Propagated).To(Equal(app.Propagated))
	})

	It("releases the previous flip on the plane when a newer one claims it", func() {
		mpoFlip(3, 0x1)
		mpoFlip(4, 0x2)

		presents := s.dequeue()
		Expect(presents).To(HaveLen(1))
		Expect(presents[0].FrameType()).To(Equal(consumer.FrameTypeNotSet))
	})

	When("the frame type never arrives", func() {
		BeforeEach(func() {
			cfg.DeferralTimeLimit = 100
		})

		It("releases the flip after the deferral limit", func() {
			mpoFlip(3, 0x99)
			s.dwmSchedulePresent()
			Expect(s.dequeue()).To(BeEmpty())

			s.at(s.ts + 500).dwmSchedulePresent()
			presents := s.dequeue()
			Expect(presents).To(HaveLen(1))
			Expect(presents[0].FrameType()).To(Equal(consumer.FrameTypeNotSet))
			Expect(s.c.Stats().DeferralTimeouts).To(BeEquivalentTo(1))
		})
	})
})

var _ = Describe("Application frame ids", func() {
	var s *session

	BeforeEach(func() {
		cfg := baseConfig()
		cfg.TrackDisplay = false
		cfg.TrackAppTiming = true
		s = newSession(cfg)
		s.warmUp()
	})

	It("binds a marker emitted before the present", func() {
		s.appFrameID(appPid, appTid, 42)
		s.appMarker(appPid, appTid, events.PresentMonAppSimulationStart, 42)
		simStart := s.ts
		s.appMarker(appPid, appTid, events.PresentMonAppSimulationEnd, 42)
		simEnd := s.ts
		s.presentStart(appPid, appTid, swapChain)
		s.presentStop(appPid, appTid, 0)

		presents := s.dequeue()
		Expect(presents).To(HaveLen(1))
		Expect(presents[0].AppFrameID).To(BeEquivalentTo(42))
		Expect(presents[0].App.SimStartTime).To(Equal(simStart))
		Expect(presents[0].App.SimEndTime).To(Equal(simEnd))
	})

	It("holds presents of instrumented processes until their frame id arrives", func() {
		s.appMarker(appPid, appTid, events.PresentMonAppRenderSubmitStart, 7)
		submit := s.ts
		s.presentStart(appPid, appTid, swapChain)
		s.presentStop(appPid, appTid, 0)
		Expect(s.dequeue()).To(BeEmpty())

		s.appFrameID(appPid, appTid, 7)
		presents := s.dequeue()
		Expect(presents).To(HaveLen(1))
		Expect(presents[0].AppFrameID).To(BeEquivalentTo(7))
		Expect(presents[0].App.RenderSubmitStartTime).To(Equal(submit))
	})

	It("does not hold presents of uninstrumented processes", func() {
		s.presentStart(appPid, appTid, swapChain)
		s.presentStop(appPid, appTid, 0)

		presents := s.dequeue()
		Expect(presents).To(HaveLen(1))
		Expect(presents[0].AppFrameID).To(BeZero())
	})

	It("stops holding presents of a process that exits", func() {
		s.appMarker(appPid, appTid, events.PresentMonAppSleepStart, 7)
		s.presentStart(appPid, appTid, swapChain)
		s.presentStop(appPid, appTid, 0)
		Expect(s.dequeue()).To(BeEmpty())

		s.processStop(appPid, "game.exe")
		Expect(s.dequeue()).To(HaveLen(1))
	})
})
