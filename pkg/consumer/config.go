package consumer

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/omaskery/frametrace/pkg/metadata"
)

var (
	ErrInvalidConfig = errors.New("invalid consumer configuration")
)

// DefaultCircularBufferSize is the default capacity of both the in-flight and completed rings
const DefaultCircularBufferSize = 8192

// Config selects which optional facets of presents are tracked
type Config struct {
	// TrackDisplay waits for presents to reach the screen before completing them
	TrackDisplay bool
	// TrackGPU attributes GPU work to presents
	TrackGPU bool
	// TrackGPUVideo accounts video engine work separately; requires TrackGPU
	TrackGPUVideo bool
	// TrackInput attributes keyboard and mouse input to the next present of the receiving process
	TrackInput bool
	// TrackFrameType defers presented flips until their frame type is known; requires TrackDisplay
	TrackFrameType bool
	// TrackAppTiming correlates application instrumentation markers with presents
	TrackAppTiming bool
	// TrackHybridPresent flags presents rendered on one adapter and displayed by another
	TrackHybridPresent bool
	// FilteredProcesses restricts new presents to processes added with AddTrackedProcess
	FilteredProcesses bool

	// DeferralTimeLimit bounds, in ticks, how long a completed present may be withheld waiting
	// for a marker. Zero disables the limit.
	DeferralTimeLimit uint64

	TrackedCapacity   int
	CompletedCapacity int

	// Offline marks post-hoc processing of a capture rather than a live session
	Offline bool
	// Backpressure blocks the producer instead of dropping completed presents; requires Offline
	Backpressure bool
}

// DefaultConfig tracks display and GPU timing of a live session
func DefaultConfig() Config {
	return Config{
		TrackDisplay:      true,
		TrackGPU:          true,
		DeferralTimeLimit: 1_000_000,
		TrackedCapacity:   DefaultCircularBufferSize,
		CompletedCapacity: DefaultCircularBufferSize,
	}
}

// Validate reports every inconsistency in the configuration
func (c Config) Validate() error {
	var err error
	if c.TrackedCapacity <= 0 {
		err = multierr.Append(err, fmt.Errorf("tracked capacity must be positive, got %d: %w", c.TrackedCapacity, ErrInvalidConfig))
	}
	if c.CompletedCapacity <= 0 {
		err = multierr.Append(err, fmt.Errorf("completed capacity must be positive, got %d: %w", c.CompletedCapacity, ErrInvalidConfig))
	}
	if c.Backpressure && !c.Offline {
		err = multierr.Append(err, fmt.Errorf("backpressure requires offline processing: %w", ErrInvalidConfig))
	}
	if c.TrackGPUVideo && !c.TrackGPU {
		err = multierr.Append(err, fmt.Errorf("video tracking requires GPU tracking: %w", ErrInvalidConfig))
	}
	if c.TrackFrameType && !c.TrackDisplay {
		err = multierr.Append(err, fmt.Errorf("frame type tracking requires display tracking: %w", ErrInvalidConfig))
	}
	return err
}

type Option = func(c *Consumer)

func WithLogger(logger logr.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithDecoder replaces the process-wide metadata decoder
func WithDecoder(decoder *metadata.Decoder) Option {
	return func(c *Consumer) {
		c.decoder = decoder
	}
}
