package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/omaskery/frametrace/pkg/consumer"
	"github.com/omaskery/frametrace/pkg/io"
	"github.com/omaskery/frametrace/pkg/metadata"
	"github.com/omaskery/frametrace/pkg/replay"
)

type options struct {
	input          string
	output         string
	metrics        string
	processes      string
	realtime       bool
	speed          float64
	backpressure   bool
	capacity       int
	ticksPerSecond uint64
	verbosity      int
	development    bool

	cfg consumer.Config
}

func parseFlags() options {
	opts := options{cfg: consumer.DefaultConfig()}

	flag.StringVar(&opts.input, "in", "", "capture file to replay (JSON, optionally snappy framed)")
	flag.StringVar(&opts.output, "out", "timeline.json", "trace event timeline to write")
	flag.StringVar(&opts.metrics, "metrics", "", "write consumer counters in Prometheus text format to this file")
	flag.StringVar(&opts.processes, "pids", "", "comma separated process ids to track; all processes when empty")
	flag.BoolVar(&opts.realtime, "realtime", false, "pace the replay like a live session")
	flag.Float64Var(&opts.speed, "speed", 0, "replay speed multiplier; implies -realtime when non-zero")
	flag.BoolVar(&opts.backpressure, "backpressure", false, "block instead of dropping completed presents; offline only")
	flag.IntVar(&opts.capacity, "capacity", consumer.DefaultCircularBufferSize, "capacity of the in-flight and completed present rings")
	flag.Uint64Var(&opts.ticksPerSecond, "tps", io.DefaultTicksPerSecond, "capture timestamp frequency")
	flag.IntVar(&opts.verbosity, "v", 0, "log verbosity")
	flag.BoolVar(&opts.development, "dev", false, "human readable logs")

	flag.BoolVar(&opts.cfg.TrackDisplay, "track-display", opts.cfg.TrackDisplay, "wait for presents to reach the screen")
	flag.BoolVar(&opts.cfg.TrackGPU, "track-gpu", opts.cfg.TrackGPU, "attribute GPU work to presents")
	flag.BoolVar(&opts.cfg.TrackGPUVideo, "track-video", false, "account video engine work separately")
	flag.BoolVar(&opts.cfg.TrackInput, "track-input", false, "attribute keyboard and mouse input to presents")
	flag.BoolVar(&opts.cfg.TrackFrameType, "track-frame-type", false, "classify displayed frames")
	flag.BoolVar(&opts.cfg.TrackAppTiming, "track-app", false, "correlate application instrumentation")
	flag.BoolVar(&opts.cfg.TrackHybridPresent, "track-hybrid", false, "flag cross-adapter presents")
	flag.Uint64Var(&opts.cfg.DeferralTimeLimit, "deferral-limit", opts.cfg.DeferralTimeLimit, "ticks a completed present may wait for markers; 0 waits forever")

	flag.Parse()

	if opts.speed != 0 {
		opts.realtime = true
	}
	if opts.realtime && opts.speed == 0 {
		opts.speed = 1
	}
	opts.cfg.Offline = !opts.realtime
	opts.cfg.Backpressure = opts.backpressure
	opts.cfg.TrackedCapacity = opts.capacity
	opts.cfg.CompletedCapacity = opts.capacity
	return opts
}

func newLogger(opts options) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if opts.development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-opts.verbosity))
	return zapCfg.Build()
}

func main() {
	opts := parseFlags()
	if opts.input == "" {
		abort("an input capture is required (-in)")
	}

	zapLogger, err := newLogger(opts)
	if err != nil {
		abortWithErr("failed to create logger", err)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()
	logger := zapr.NewLogger(zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigch
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, logger, opts); err != nil {
		logger.Error(err, "replay failed")
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger logr.Logger, opts options) (err error) {
	pids, err := parseProcessIDs(opts.processes)
	if err != nil {
		return err
	}
	opts.cfg.FilteredProcesses = len(pids) > 0

	in, err := os.Open(opts.input)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	capture, err := io.ParseCapture(in)
	err = multierr.Append(err, in.Close())
	if err != nil {
		return fmt.Errorf("failed to read capture: %w", err)
	}
	logger.Info("loaded capture", "records", len(capture.Records()), "schemas", len(capture.Schemas()))

	src := metadata.NewStaticSource()
	capture.RegisterSchemas(src)
	decoder := metadata.NewDecoder(
		metadata.WithTypeInfoSource(src),
		metadata.WithLogger(logger.WithName("metadata")))

	c, err := consumer.New(opts.cfg,
		consumer.WithLogger(logger.WithName("consumer")),
		consumer.WithDecoder(decoder))
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, pid := range pids {
		c.AddTrackedProcess(pid)
	}

	out, err := os.Create(opts.output)
	if err != nil {
		return fmt.Errorf("failed to create timeline: %w", err)
	}
	timeline := io.NewStreamingTimelineWriter(out, opts.ticksPerSecond)
	defer func() {
		err = multierr.Append(err, timeline.Close())
	}()

	r := replay.NewReplayer(c,
		replay.WithLogger(logger.WithName("replay")),
		replay.WithSpeed(opts.speed),
		replay.WithTicksPerSecond(opts.ticksPerSecond))
	runErr := r.Run(ctx, replay.NewSliceSource(capture.Records()), timeline)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		err = multierr.Append(err, runErr)
	}

	if opts.metrics != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(consumer.NewCollector(c))
		if writeErr := prometheus.WriteToTextfile(opts.metrics, registry); writeErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to write metrics: %w", writeErr))
		}
	}
	return err
}

func parseProcessIDs(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var pids []uint32
	for _, part := range strings.Split(s, ",") {
		pid, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid process id '%s': %w", part, err)
		}
		pids = append(pids, uint32(pid))
	}
	return pids, nil
}

func abortWithErr(reason string, err error) {
	abort(fmt.Sprintf("%s: %v", reason, err))
}

func abort(reason string) {
	_, err := os.Stderr.WriteString(reason + "\n")
	if err != nil {
		panic(fmt.Sprintf("failed while writing error to terminal: %v", err))
	}
	os.Exit(1)
}
