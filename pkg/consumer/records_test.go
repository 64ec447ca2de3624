package consumer_test

import (
	"github.com/omaskery/frametrace/pkg/consumer"
	"github.com/omaskery/frametrace/pkg/events"
)

const (
	appPid    = uint32(10)
	appTid    = uint32(11)
	dwmPid    = uint32(50)
	dwmTid    = uint32(51)
	swapChain = uint64(0x5c)
	hwnd      = uint64(0x77)

	failedResult = uint32(0x887a0001)
)

// session feeds records into a consumer, stamping each with the next timestamp
type session struct {
	c  *consumer.Consumer
	ts uint64
}

func newSession(cfg consumer.Config) *session {
	c, err := consumer.New(cfg)
	if err != nil {
		panic(err)
	}
	return &session{c: c, ts: 1000}
}

func (s *session) at(ts uint64) *session {
	s.ts = ts
	return s
}

func (s *session) feed(b *events.RecordBuilder) {
	s.ts++
	s.c.HandleRecord(b.Timestamp(s.ts).Build())
}

func (s *session) dequeue() []*consumer.Event {
	return s.c.DequeuePresents(nil)
}

func (s *session) presentStart(pid, tid uint32, swap uint64) {
	s.feed(events.NewRecord(events.ProviderDXGI, events.DXGIPresentStart).Thread(pid, tid).
		Pointer("pIDXGISwapChain", swap).
		Uint32("Flags", 0).
		Int32("SyncInterval", 1))
}

func (s *session) presentStop(pid, tid uint32, result uint32) {
	s.feed(events.NewRecord(events.ProviderDXGI, events.DXGIPresentStop).Thread(pid, tid).
		Uint32("Result", result))
}

// failed makes a present that completes as discarded as soon as its call returns
func (s *session) failed(pid, tid uint32, swap uint64) {
	s.presentStart(pid, tid, swap)
	s.presentStop(pid, tid, failedResult)
}

// lost makes a present that completes as lost, leaving its successor in flight on the thread
func (s *session) lost(pid, tid uint32, swap uint64) {
	s.presentStart(pid, tid, swap)
	s.presentStart(pid, tid, swap)
}

func (s *session) flip(pid, tid uint32, mmio bool) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkFlipInfo).Thread(pid, tid).
		Uint32("FlipInterval", 1).
		Bool("MMIOFlip", mmio))
}

func (s *session) blit(pid, tid uint32, window uint64, redirected bool) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkBlitInfo).Thread(pid, tid).
		Pointer("hwnd", window).
		Bool("bRedirectedPresent", redirected))
}

func (s *session) independentFlip(pid, tid uint32, seq uint32) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkIndependentFlipInfo).Thread(pid, tid).
		Uint32("SubmitSequence", seq).
		Uint32("FlipInterval", 1))
}

func (s *session) presentHistoryStart(pid, tid uint32, token, tokenData uint64, model uint32) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkPresentHistoryStart).Thread(pid, tid).
		Uint64("Token", token).
		Uint64("TokenData", tokenData).
		Uint32("Model", model))
}

func (s *session) presentHistoryInfo(pid, tid uint32, token uint64) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkPresentHistoryInfo).Thread(pid, tid).
		Uint64("Token", token))
}

func (s *session) queuePacketStart(pid, tid uint32, hContext uint64, packetType, seq uint32, present bool) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkQueuePacketStart).Thread(pid, tid).
		Pointer("hContext", hContext).
		Uint32("PacketType", packetType).
		Uint32("SubmitSequence", seq).
		Bool("bPresent", present))
}

func (s *session) queuePacketStop(pid, tid uint32, hContext uint64, packetType, seq uint32) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkQueuePacketStop).Thread(pid, tid).
		Pointer("hContext", hContext).
		Uint32("PacketType", packetType).
		Uint32("SubmitSequence", seq))
}

func (s *session) vsync(seq uint32) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkVSyncDPCInfo).Thread(0, 0).
		Uint64("FlipFenceId", uint64(seq)<<32))
}

func (s *session) mmioFlipMPO(seq uint32, layer uint32, presentID uint64, status uint32) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkMMIOFlipMultiPlaneOverlayInfo).Thread(0, 0).
		Uint64("FlipSubmitSequence", uint64(seq)<<32).
		Uint32("VidPnSourceId", 0).
		Uint32("LayerIndex", layer).
		Uint64("PresentId", presentID).
		Uint32("FlipEntryStatusAfterFlip", status))
}

func (s *session) presentInfo(pid, tid uint32, window uint64) {
	s.feed(events.NewRecord(events.ProviderDxgKrnl, events.DxgkPresentInfo).Thread(pid, tid).
		Pointer("hWindow", window))
}

// flipPresent makes a hardware flip that reaches the screen while its present call is still in
// progress
func (s *session) flipPresent(pid, tid uint32, swap uint64, seq uint32) {
	s.presentStart(pid, tid, swap)
	s.flip(pid, tid, true)
	s.queuePacketStart(pid, tid, 0xc0, events.PacketMMIOFlip, seq, true)
	s.vsync(seq)
}

func (s *session) compositionToken(pid, tid uint32, presentCount uint64) {
	s.feed(events.NewRecord(events.ProviderWin32k, events.Win32kTokenCompositionSurfaceObjectInfo).Thread(pid, tid).
		Uint64("CompositionSurfaceLuid", 0x1).
		Uint64("PresentCount", presentCount).
		Uint64("BindId", 0x2))
}

func (s *session) tokenState(presentCount uint64, state uint32) {
	s.feed(events.NewRecord(events.ProviderWin32k, events.Win32kTokenStateChangedInfo).Thread(dwmPid, 60).
		Uint64("CompositionSurfaceLuid", 0x1).
		Uint64("PresentCount", presentCount).
		Uint64("BindId", 0x2).
		Uint32("NewState", state).
		Bool("IndependentFlip", false))
}

func (s *session) dwmSchedulePresent() {
	s.feed(events.NewRecord(events.ProviderDwmCore, events.DwmSchedulePresentStart).Thread(dwmPid, dwmTid))
}

func (s *session) dwmGetPresentHistory() {
	s.feed(events.NewRecord(events.ProviderDwmCore, events.DwmGetPresentHistoryInfo).Thread(dwmPid, dwmTid))
}

func (s *session) flipChain(flipChain, serial uint32, window uint64) {
	s.feed(events.NewRecord(events.ProviderDwmCore, events.DwmFlipChainPending).Thread(dwmPid, dwmTid).
		Uint32("ulFlipChain", flipChain).
		Uint32("ulSerialNumber", serial).
		Pointer("hwnd", window))
}

// dwmCompose runs one compositor frame that picks up every window's newest present and flips it
// to the screen with submit sequence seq
func (s *session) dwmCompose(seq uint32) {
	s.dwmSchedulePresent()
	s.dwmGetPresentHistory()
	s.dwmFlip(seq)
}

func (s *session) dwmFlip(seq uint32) {
	s.flip(dwmPid, dwmTid, true)
	s.queuePacketStart(dwmPid, dwmTid, 0xd1, events.PacketMMIOFlip, seq, true)
	s.vsync(seq)
}

func (s *session) frameType(presentID uint64, frameType consumer.FrameType) {
	s.feed(events.NewRecord(events.ProviderPresentMon, events.PresentMonFlipFrameTypeInfo).Thread(appPid, 90).
		Uint64("PresentId", presentID).
		Uint8("FrameType", uint8(frameType)))
}

func (s *session) appFrameID(pid, tid uint32, frameID uint32) {
	s.feed(events.NewRecord(events.ProviderPresentMon, events.PresentMonAppFrameIDInfo).Thread(pid, tid).
		Uint32("FrameId", frameID))
}

func (s *session) appMarker(pid, tid uint32, id uint16, frameID uint32) {
	s.feed(events.NewRecord(events.ProviderPresentMon, id).Thread(pid, tid).
		Uint32("FrameId", frameID))
}

func (s *session) processStart(pid uint32, image string) {
	s.feed(events.NewRecord(events.ProviderNTProcess, events.NTProcessStart).Thread(4, 8).
		Uint32("ProcessId", pid).
		AnsiString("ImageFileName", image))
}

func (s *session) processStop(pid uint32, image string) {
	s.feed(events.NewRecord(events.ProviderKernelProcess, events.KernelProcessStop).Thread(4, 8).
		Uint32("ProcessID", pid).
		UnicodeString("ImageName", image))
}

// warmUp consumes the session's first completion, which is never delivered
func (s *session) warmUp() {
	s.failed(appPid, appTid, swapChain)
}
