package events

// Providers whose records the correlation engine understands
var (
	ProviderDXGI          = MustParseGUID("{ca11c036-0102-4a2d-a6ad-f03cfed5d3c9}")
	ProviderD3D9          = MustParseGUID("{783aca0a-790e-4d7f-8451-aa850511c6b9}")
	ProviderDxgKrnl       = MustParseGUID("{802ec45a-1e99-4b83-9920-87c98277ba9d}")
	ProviderWin32k        = MustParseGUID("{8c416c79-d49b-4f01-a467-e56d3aa8234c}")
	ProviderDwmCore       = MustParseGUID("{9e9bba3c-2e38-40cb-99f4-9e8281425164}")
	ProviderPresentMon    = MustParseGUID("{ecaa4712-4644-442f-b94c-a32f6cf8a499}")
	ProviderNTProcess     = MustParseGUID("{3d6fa8d0-fe05-11d0-9dda-00c04fd7ba7c}")
	ProviderKernelProcess = MustParseGUID("{22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716}")
)

// DXGI event ids
const (
	DXGIPresentStart                  uint16 = 42
	DXGIPresentStop                   uint16 = 43
	DXGIPresentMultiplaneOverlayStart uint16 = 55
	DXGIPresentMultiplaneOverlayStop  uint16 = 56
)

// D3D9 event ids
const (
	D3D9PresentStart uint16 = 1
	D3D9PresentStop  uint16 = 2
)

// DxgKrnl event ids
const (
	DxgkVSyncDPCInfo                  uint16 = 17
	DxgkContextDCStart                uint16 = 55
	DxgkContextStart                  uint16 = 56
	DxgkContextStop                   uint16 = 57
	DxgkDeviceDCStart                 uint16 = 58
	DxgkDeviceStart                   uint16 = 59
	DxgkDeviceStop                    uint16 = 60
	DxgkMMIOFlipInfo                  uint16 = 116
	DxgkBlitInfo                      uint16 = 166
	DxgkFlipInfo                      uint16 = 168
	DxgkPresentHistoryStart           uint16 = 171
	DxgkPresentHistoryInfo            uint16 = 172
	DxgkQueuePacketStart              uint16 = 178
	DxgkQueuePacketStop               uint16 = 180
	DxgkPresentInfo                   uint16 = 184
	DxgkPresentHistoryDetailedStart   uint16 = 215
	DxgkFlipMultiPlaneOverlayInfo     uint16 = 252
	DxgkMMIOFlipMultiPlaneOverlayInfo uint16 = 259
	DxgkVSyncDPCMultiPlaneInfo        uint16 = 273
	DxgkHSyncDPCMultiPlaneInfo        uint16 = 382
	DxgkNodeMetadataInfo              uint16 = 1106
	DxgkBlitCancelInfo                uint16 = 1107
	DxgkIndependentFlipInfo           uint16 = 1108
	DxgkHwQueueDCStart                uint16 = 1109
	DxgkHwQueueStart                  uint16 = 1110
	DxgkHwQueueStop                   uint16 = 1111
)

// Win32k event ids
const (
	Win32kTokenCompositionSurfaceObjectInfo uint16 = 201
	Win32kTokenStateChangedInfo             uint16 = 301
	Win32kInputDeviceReadStop               uint16 = 451
	Win32kRetrieveInputMessageInfo          uint16 = 452
)

// Dwm-Core event ids
const (
	DwmSchedulePresentStart  uint16 = 15
	DwmGetPresentHistoryInfo uint16 = 64
	DwmFlipChainPending      uint16 = 69
	DwmFlipChainComplete     uint16 = 70
	DwmFlipChainDirty        uint16 = 101
)

// Intel-PresentMon event ids: frame type classification and application instrumentation
const (
	PresentMonFlipFrameTypeInfo    uint16 = 1
	PresentMonAppFrameIDInfo       uint16 = 10
	PresentMonAppSimulationStart   uint16 = 11
	PresentMonAppSimulationEnd     uint16 = 12
	PresentMonAppRenderSubmitStart uint16 = 13
	PresentMonAppRenderSubmitEnd   uint16 = 14
	PresentMonAppSleepStart        uint16 = 15
	PresentMonAppSleepEnd          uint16 = 16
	PresentMonAppInputSampleInfo   uint16 = 17
)

// Process event ids; the NT kernel provider uses opcodes as ids
const (
	NTProcessStart     uint16 = 1
	NTProcessEnd       uint16 = 2
	NTProcessDCStart   uint16 = 3
	NTProcessDCEnd     uint16 = 4
	KernelProcessStart uint16 = 1
	KernelProcessStop  uint16 = 2
)

// DxgKrnl command buffer (packet) types
const (
	PacketRender   uint32 = 0
	PacketDeferred uint32 = 1
	PacketSystem   uint32 = 2
	PacketMMIOFlip uint32 = 3
	PacketWait     uint32 = 4
	PacketSignal   uint32 = 5
	PacketDevice   uint32 = 6
	PacketSoftware uint32 = 7
	PacketPaging   uint32 = 8
)

// Present history models
const (
	PresentModelUninitialized         uint32 = 0
	PresentModelRedirectedGDI         uint32 = 1
	PresentModelRedirectedFlip        uint32 = 2
	PresentModelRedirectedBlt         uint32 = 3
	PresentModelRedirectedVistaBlt    uint32 = 4
	PresentModelScreenCaptureFence    uint32 = 5
	PresentModelRedirectedGDISysmem   uint32 = 6
	PresentModelRedirectedComposition uint32 = 7
	PresentModelSurfaceComplete       uint32 = 8
	PresentModelFlipManager           uint32 = 9
)

// Flip entry statuses reported by multi-plane overlay flips
const (
	FlipWaitVSync    uint32 = 5
	FlipWaitComplete uint32 = 11
	FlipWaitHSync    uint32 = 15
)

// MMIOFlip flags
const (
	MMIOFlipImmediate uint32 = 0x2
)

// Win32k composition token states
const (
	TokenStateInFrame   uint32 = 3
	TokenStateConfirmed uint32 = 4
	TokenStateRetired   uint32 = 5
	TokenStateDiscarded uint32 = 6
)

// Engine types reported by NodeMetadata_Info
const (
	EngineOther         uint32 = 0
	EngineThreeD        uint32 = 1
	EngineVideoDecode   uint32 = 2
	EngineVideoEncode   uint32 = 3
	EngineVideoProcess  uint32 = 4
	EngineSceneAssembly uint32 = 5
	EngineCopy          uint32 = 6
	EngineOverlay       uint32 = 7
	EngineCrypto        uint32 = 8
)

// Input device types reported by InputDeviceRead_Stop
const (
	InputDeviceMouse    uint32 = 0
	InputDeviceKeyboard uint32 = 1
	InputDeviceOther    uint32 = 2
)

// Present flags and result codes of interest
const (
	DXGIPresentTest          uint32 = 0x00000001
	DXGIPresentDoNotSequence uint32 = 0x00000002
	DXGIPresentHybrid        uint32 = 0x80000000

	DXGIStatusOccluded             uint32 = 0x087a0001
	DXGIStatusNoDesktopAccess      uint32 = 0x087a0005
	DXGIStatusModeChangeInProgress uint32 = 0x087a0008
	D3D9StatusPresentOccluded      uint32 = 0x08760868
	D3D9StatusPresentModeChanged   uint32 = 0x0876087b

	D3D9PresentDoNotWait      uint32 = 0x00000001
	D3D9PresentForceImmediate uint32 = 0x00000100
)
