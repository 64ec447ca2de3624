// replay drives a Consumer from a record sequence on one goroutine while draining completed
// presents to a sink on another
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/omaskery/frametrace/pkg/consumer"
	"github.com/omaskery/frametrace/pkg/events"
)

// DefaultPollInterval is how often the draining goroutine looks for completed presents when it
// has not been signalled
const DefaultPollInterval = 100 * time.Millisecond

// DefaultTicksPerSecond is the usual performance counter frequency
const DefaultTicksPerSecond = 10_000_000

// RecordSource yields records in delivery order
type RecordSource interface {
	// Next returns the next record, or io.EOF once the source is exhausted
	Next(ctx context.Context) (*events.Record, error)
}

// Sink receives completed presents and process events
type Sink interface {
	WritePresent(e *consumer.Event) error
	WriteProcess(p consumer.ProcessEvent) error
}

// Clock abstracts wall time for pacing
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type ReplayerOption = func(r *Replayer)

type ErrorHandler = func(err error)

func WithLogger(logger logr.Logger) ReplayerOption {
	return func(r *Replayer) {
		r.logger = logger
	}
}

// WithErrorHandler receives sink errors, which otherwise only get logged
func WithErrorHandler(handler ErrorHandler) ReplayerOption {
	return func(r *Replayer) {
		r.errHandler = handler
	}
}

// WithSpeed paces delivery at a multiple of the rate the records were captured at. Zero, the
// default, delivers as fast as the consumer accepts records.
func WithSpeed(speed float64) ReplayerOption {
	return func(r *Replayer) {
		r.speed = speed
	}
}

func WithClock(clock Clock) ReplayerOption {
	return func(r *Replayer) {
		r.clock = clock
	}
}

func WithPollInterval(interval time.Duration) ReplayerOption {
	return func(r *Replayer) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithTicksPerSecond sets the frequency of record timestamps, used for pacing
func WithTicksPerSecond(tps uint64) ReplayerOption {
	return func(r *Replayer) {
		if tps != 0 {
			r.ticksPerSecond = tps
		}
	}
}

// Replayer owns the producer and consumer sides of one Consumer for the duration of a run
type Replayer struct {
	c              *consumer.Consumer
	logger         logr.Logger
	errHandler     ErrorHandler
	speed          float64
	clock          Clock
	pollInterval   time.Duration
	ticksPerSecond uint64

	paceStarted bool
	paceWall    time.Time
	paceTicks   uint64
}

func NewReplayer(c *consumer.Consumer, options ...ReplayerOption) *Replayer {
	r := &Replayer{
		c:              c,
		clock:          systemClock{},
		pollInterval:   DefaultPollInterval,
		ticksPerSecond: DefaultTicksPerSecond,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Run feeds every record of source into the consumer and delivers everything it completes to
// sink. Cancelling ctx stops the producer; presents completed by then are still delivered. Run
// returns ctx's error when cancelled and the source's error if it failed.
func (r *Replayer) Run(ctx context.Context, source RecordSource, sink Sink) error {
	done := make(chan struct{})
	var produceErr error
	go func() {
		defer close(done)
		produceErr = r.produce(ctx, source)
	}()

	r.drain(done, sink)

	if r.logger != nil {
		s := r.c.Stats()
		r.logger.Info("replay finished",
			"completed", s.CompletedCount,
			"lost", s.LostCount,
			"overflow", s.OverflowCount,
			"evicted", s.ForcedEvictions,
			"deferralTimeouts", s.DeferralTimeouts)
	}
	return produceErr
}

func (r *Replayer) produce(ctx context.Context, source RecordSource) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}

		if err := r.pace(ctx, rec.Timestamp); err != nil {
			return err
		}
		r.c.HandleRecord(rec)
	}
}

// pace waits until the record's offset from the first record, scaled by speed, has elapsed
func (r *Replayer) pace(ctx context.Context, ts uint64) error {
	if r.speed <= 0 {
		return nil
	}
	if !r.paceStarted {
		r.paceStarted = true
		r.paceWall = r.clock.Now()
		r.paceTicks = ts
		return nil
	}
	if ts <= r.paceTicks {
		return nil
	}

	offset := time.Duration(float64(ticksToDuration(ts-r.paceTicks, r.ticksPerSecond)) / r.speed)
	wait := r.paceWall.Add(offset).Sub(r.clock.Now())
	if wait <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(wait):
		return nil
	}
}

func ticksToDuration(ticks, tps uint64) time.Duration {
	whole := ticks / tps
	frac := ticks % tps
	return time.Duration(whole)*time.Second + time.Duration(frac*uint64(time.Second)/tps)
}

// drain delivers completed presents until the producer finishes, then makes one final pass
func (r *Replayer) drain(done <-chan struct{}, sink Sink) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var presents []*consumer.Event
	var processes []consumer.ProcessEvent
	for {
		finished := false
		select {
		case <-done:
			finished = true
		case <-r.c.DataAvailable().C():
		case <-ticker.C:
		}

		presents, processes = r.deliver(sink, presents[:0], processes[:0])
		if finished {
			return
		}
	}
}

func (r *Replayer) deliver(sink Sink, presents []*consumer.Event, processes []consumer.ProcessEvent) ([]*consumer.Event, []consumer.ProcessEvent) {
	processes = r.c.DequeueProcessEvents(processes)
	presents = r.c.DequeuePresents(presents)

	var err error
	for _, p := range processes {
		err = multierr.Append(err, sink.WriteProcess(p))
	}
	for _, e := range presents {
		err = multierr.Append(err, sink.WritePresent(e))
	}
	if err != nil {
		r.handleError("failed to deliver to sink", err)
	}

	for i := range presents {
		presents[i] = nil
	}
	return presents, processes
}

func (r *Replayer) handleError(context string, err error) {
	if r.logger != nil {
		r.logger.Error(err, context)
	}
	err = fmt.Errorf("%s: %w", context, err)
	if r.errHandler != nil {
		(r.errHandler)(err)
	}
}

// SliceSource replays an in-memory record sequence
type SliceSource struct {
	records []*events.Record
	next    int
}

func NewSliceSource(records []*events.Record) *SliceSource {
	return &SliceSource{records: records}
}

func (s *SliceSource) Next(ctx context.Context) (*events.Record, error) {
	if s.next >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.next]
	s.next++
	return rec, nil
}
