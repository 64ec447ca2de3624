// consumer correlates graphics trace records into per-present timelines
package consumer

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/gputrace"
	"github.com/omaskery/frametrace/pkg/metadata"
)

type input struct {
	time   uint64
	device InputDevice
	click  bool
}

type appFrameKey struct {
	processID uint32
	frameID   uint32
}

type pendingFrameType struct {
	frameType FrameType
	time      uint64
}

// Consumer is the present correlation engine. HandleRecord must be called from a single producer
// goroutine, in timestamp order; the dequeue methods may be called concurrently from one
// consumer goroutine.
type Consumer struct {
	cfg     Config
	logger  logr.Logger
	decoder *metadata.Decoder
	gpu     *gputrace.Tracker

	// timestamp of the record being handled
	now uint64

	slots       []*Event
	nextRef     ref
	nextFrameID uint32
	warmedUp    bool

	byThread              map[uint32]ref
	byProcess             map[uint32][]ref
	bySubmitSequence      map[uint32]ref
	byPresentHistoryToken map[uint64]ref
	byTokenData           map[uint64]ref
	byWin32k              map[win32kKey]ref
	byDxgkContext         map[uint64]ref
	byFlipPresentID       map[uint64]ref
	lastByWindow          map[uint64]ref
	waitingForDWM         []ref
	dwmThreadID           uint32

	// held lists completed presents, oldest first, that wait for an older present of their
	// process to complete
	held map[uint32][]*Event

	waitingFrameType   map[planeKey]ref
	pendingFrameTypes  map[uint64]pendingFrameType
	deferred           []ref
	pendingAppFrameIDs map[uint32]uint32
	appFrames          map[appFrameKey]*AppTiming
	instrumented       map[uint32]bool
	lastAppFrame       map[uint32]Propagated

	lastInput      input
	retrievedInput map[uint32]input

	filterMu         sync.RWMutex
	trackedProcesses map[uint32]struct{}

	mu             sync.Mutex
	cond           *sync.Cond
	completed      []*Event
	completedHead  int
	completedCount int
	readyCount     int
	processEvents  []ProcessEvent
	stats          Stats
	dataAvailable  *Signal
}

// New builds a consumer for the given configuration
func New(cfg Config, options ...Option) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Consumer{
		cfg:     cfg,
		slots:   make([]*Event, cfg.TrackedCapacity),
		nextRef: 1,

		byThread:              map[uint32]ref{},
		byProcess:             map[uint32][]ref{},
		bySubmitSequence:      map[uint32]ref{},
		byPresentHistoryToken: map[uint64]ref{},
		byTokenData:           map[uint64]ref{},
		byWin32k:              map[win32kKey]ref{},
		byDxgkContext:         map[uint64]ref{},
		byFlipPresentID:       map[uint64]ref{},
		lastByWindow:          map[uint64]ref{},

		held: map[uint32][]*Event{},

		waitingFrameType:   map[planeKey]ref{},
		pendingFrameTypes:  map[uint64]pendingFrameType{},
		pendingAppFrameIDs: map[uint32]uint32{},
		appFrames:          map[appFrameKey]*AppTiming{},
		instrumented:       map[uint32]bool{},
		lastAppFrame:       map[uint32]Propagated{},
		retrievedInput:     map[uint32]input{},

		trackedProcesses: map[uint32]struct{}{},

		completed:     make([]*Event, cfg.CompletedCapacity),
		dataAvailable: NewSignal(),
	}
	c.cond = sync.NewCond(&c.mu)

	for _, opt := range options {
		opt(c)
	}

	if c.decoder == nil {
		c.decoder = metadata.Default()
	}
	if cfg.TrackGPU {
		gpuOptions := []gputrace.TrackerOption{gputrace.WithVideoTracking(cfg.TrackGPUVideo)}
		if c.logger != nil {
			gpuOptions = append(gpuOptions, gputrace.WithLogger(c.logger.WithName("gpu")))
		}
		c.gpu = gputrace.NewTracker(gpuOptions...)
	}

	return c, nil
}

// Config returns the configuration the consumer was built with
func (c *Consumer) Config() Config {
	return c.cfg
}

// HandleRecord feeds one trace record into the engine. Records of providers the engine does not
// understand are ignored; malformed records never produce errors, at worst they cause presents to
// be reported as lost.
func (c *Consumer) HandleRecord(rec *events.Record) {
	c.now = rec.Timestamp

	switch rec.Provider {
	case events.ProviderDXGI:
		c.handleDXGI(rec)
	case events.ProviderD3D9:
		c.handleD3D9(rec)
	case events.ProviderDxgKrnl:
		c.handleDxgKrnl(rec)
	case events.ProviderWin32k:
		c.handleWin32k(rec)
	case events.ProviderDwmCore:
		c.handleDwm(rec)
	case events.ProviderPresentMon:
		c.handlePresentMon(rec)
	case events.ProviderNTProcess:
		c.handleNTProcess(rec)
	case events.ProviderKernelProcess:
		c.handleKernelProcess(rec)
	}

	c.expireDeferred()
}

// decode reports whether every requested field was present
func (c *Consumer) decode(rec *events.Record, fields []metadata.Field) bool {
	if c.decoder.Decode(rec, fields) {
		return true
	}
	if c.logger != nil {
		c.logger.V(2).Info("record missing fields",
			"provider", rec.Provider.String(), "id", rec.ID, "version", rec.Version)
	}
	return false
}

// AddTrackedProcess allows new presents to be created for a process when filtering is enabled
func (c *Consumer) AddTrackedProcess(processID uint32) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	c.trackedProcesses[processID] = struct{}{}
}

// RemoveTrackedProcess stops new presents being created for a process. Presents already in
// flight are unaffected.
func (c *Consumer) RemoveTrackedProcess(processID uint32) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	delete(c.trackedProcesses, processID)
}

func (c *Consumer) isProcessTracked(processID uint32) bool {
	if !c.cfg.FilteredProcesses {
		return true
	}
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	_, ok := c.trackedProcesses[processID]
	return ok
}
