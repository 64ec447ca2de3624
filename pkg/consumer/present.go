package consumer

import "fmt"

// PresentMode is the path a present took to the screen
type PresentMode uint8

const (
	PresentModeUnknown PresentMode = iota
	PresentModeHardwareLegacyFlip
	PresentModeHardwareLegacyCopyToFrontBuffer
	PresentModeHardwareIndependentFlip
	PresentModeComposedFlip
	PresentModeComposedCopyGPUGDI
	PresentModeComposedCopyCPUGDI
	PresentModeHardwareComposedIndependentFlip
)

var presentModeNames = []string{
	"Unknown",
	"Hardware: Legacy Flip",
	"Hardware: Legacy Copy to front buffer",
	"Hardware: Independent Flip",
	"Composed: Flip",
	"Composed: Copy with GPU GDI",
	"Composed: Copy with CPU GDI",
	"Hardware Composed: Independent Flip",
}

func (m PresentMode) String() string {
	if int(m) < len(presentModeNames) {
		return presentModeNames[m]
	}
	return fmt.Sprintf("PresentMode(%d)", uint8(m))
}

// flipRank orders the flip modes a present may be upgraded through
func (m PresentMode) flipRank() int {
	switch m {
	case PresentModeComposedFlip:
		return 1
	case PresentModeHardwareIndependentFlip:
		return 2
	case PresentModeHardwareComposedIndependentFlip:
		return 3
	}
	return 0
}

// Runtime is the API family the application presented through
type Runtime uint8

const (
	RuntimeOther Runtime = iota
	RuntimeDXGI
	RuntimeD3D9
)

func (r Runtime) String() string {
	switch r {
	case RuntimeDXGI:
		return "DXGI"
	case RuntimeD3D9:
		return "D3D9"
	}
	return "Other"
}

// PresentResult is the final outcome of a present
type PresentResult uint8

const (
	PresentResultUnknown PresentResult = iota
	PresentResultPresented
	PresentResultDiscarded
)

func (r PresentResult) String() string {
	switch r {
	case PresentResultPresented:
		return "Presented"
	case PresentResultDiscarded:
		return "Discarded"
	}
	return "Unknown"
}

// FrameType classifies a displayed frame. Values match the frame type markers emitted by drivers.
type FrameType uint8

const (
	FrameTypeNotSet      FrameType = 0
	FrameTypeUnspecified FrameType = 1
	FrameTypeApplication FrameType = 2
	FrameTypeRepeated    FrameType = 3
	FrameTypeIntelXeFG   FrameType = 50
	FrameTypeAMDAFMF     FrameType = 100
)

// Generated reports whether the frame was synthesized rather than rendered by the application
func (t FrameType) Generated() bool {
	switch t {
	case FrameTypeNotSet, FrameTypeUnspecified, FrameTypeApplication, FrameTypeRepeated:
		return false
	}
	return true
}

func (t FrameType) String() string {
	switch t {
	case FrameTypeNotSet:
		return "NotSet"
	case FrameTypeUnspecified:
		return "Unspecified"
	case FrameTypeApplication:
		return "Application"
	case FrameTypeRepeated:
		return "Repeated"
	case FrameTypeIntelXeFG:
		return "Intel XeFG"
	case FrameTypeAMDAFMF:
		return "AMD AFMF"
	}
	return fmt.Sprintf("FrameType(%d)", uint8(t))
}

// InputDevice is the kind of device behind an input attributed to a present
type InputDevice uint8

const (
	InputDeviceNone InputDevice = iota
	InputDeviceMouse
	InputDeviceKeyboard
	InputDeviceOther
)

// Displayed is one scan-out of a present
type Displayed struct {
	FrameType  FrameType
	ScreenTime uint64
}

// AppTiming holds timestamps reported by an instrumented application for one of its frames
type AppTiming struct {
	SimStartTime          uint64
	SimEndTime            uint64
	RenderSubmitStartTime uint64
	RenderSubmitEndTime   uint64
	SleepStartTime        uint64
	SleepEndTime          uint64
	InputSampleTime       uint64
}

// Propagated is the timing of the application frame a present is credited to. Application frames
// propagate their own timing; generated frames borrow it from the last application frame.
type Propagated struct {
	PresentStartTime uint64
	TimeInPresent    uint64
	GPUStartTime     uint64
	ReadyTime        uint64
	GPUDuration      uint64
	GPUVideoDuration uint64
	InputTime        uint64
}

type ref uint64

type win32kKey struct {
	luid         uint64
	presentCount uint64
	bindID       uint64
}

type planeKey struct {
	source uint32
	layer  uint32
}

// Event is a single application present. Once delivered by DequeuePresents it is owned by the
// caller and never touched by the consumer again.
type Event struct {
	ProcessID uint32
	ThreadID  uint32
	// FrameID is assigned by the consumer in creation order, starting at 1
	FrameID uint32
	// AppFrameID is the frame id reported by an instrumented application, 0 when unknown
	AppFrameID uint32

	PresentStartTime uint64
	TimeInPresent    uint64
	GPUStartTime     uint64
	ReadyTime        uint64
	GPUDuration      uint64
	GPUVideoDuration uint64
	Displayed        []Displayed

	InputTime      uint64
	MouseClickTime uint64
	InputDevice    InputDevice

	App        AppTiming
	Propagated Propagated

	SwapChainAddress uint64
	Hwnd             uint64
	SyncInterval     int32
	PresentFlags     uint32

	PresentMode     PresentMode
	Runtime         Runtime
	FinalState      PresentResult
	SupportsTearing bool
	IsHybridPresent bool

	SeenDxgkPresent         bool
	SeenWin32KEvents        bool
	SeenInFrameEvent        bool
	GPUFrameCompleted       bool
	IsCompleted             bool
	IsLost                  bool
	PresentFailed           bool
	WaitingForPresentStop   bool
	WaitingForFlipFrameType bool
	WaitingForFrameID       bool
	WaitForFlipEvent        bool
	WaitForMPOFlipEvent     bool
	PresentInDwmWaitingList bool

	ref ref

	// correlation keys, cleared once the matching index entry is dropped
	win32k              win32kKey
	presentHistoryToken uint64
	tokenData           uint64
	dxgkContext         uint64
	queueSubmitSequence uint32
	flipPresentID       uint64
	plane               planeKey
	hasPlane            bool

	// claimThread is a thread other than ThreadID that submitted this present's deferred work
	claimThread uint32
	dependents  []ref
	// dwmDependent is set while a compositor frame carries this present
	dwmDependent bool
	completeTime uint64
	nestedDepth  int
	// frameType is the classification reported for the flip, applied to later displayed frames
	frameType FrameType
	// pendingCopyTime holds the completion of a legacy copy that arrived before Present_Info
	pendingCopyTime uint64
}

// ScreenTime is when the present first reached the screen, 0 if it never did
func (e *Event) ScreenTime() uint64 {
	if len(e.Displayed) == 0 {
		return 0
	}
	return e.Displayed[0].ScreenTime
}

// FrameType is the classification of the present's first displayed frame
func (e *Event) FrameType() FrameType {
	if len(e.Displayed) == 0 {
		return FrameTypeNotSet
	}
	return e.Displayed[0].FrameType
}

func (e *Event) setScreenTime(ts uint64) {
	if e.ScreenTime() != 0 || ts == 0 {
		return
	}
	e.Displayed = append(e.Displayed, Displayed{FrameType: e.frameType, ScreenTime: ts})
}

func (e *Event) setFrameType(t FrameType) {
	for i := range e.Displayed {
		e.Displayed[i].FrameType = t
	}
}

func (e *Event) frameTypeSet() bool {
	return e.frameType != FrameTypeNotSet
}

// upgradeFlipMode moves a present along the flip chain; it never moves backwards
func (e *Event) upgradeFlipMode(m PresentMode) {
	if e.PresentMode == PresentModeUnknown || e.PresentMode.flipRank() < m.flipRank() {
		e.PresentMode = m
	}
}

func (e *Event) waiting() bool {
	return e.WaitingForPresentStop || e.WaitingForFlipFrameType || e.WaitingForFrameID
}

// ProcessEvent is an observed process start or stop
type ProcessEvent struct {
	ImageFileName string
	Timestamp     uint64
	ProcessID     uint32
	IsStartEvent  bool
}
