package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Source detects memory pressure and calls fire each time it does. Run
// blocks until ctx is cancelled and then returns ctx.Err().
type Source interface {
	Run(ctx context.Context, fire func(context.Context)) error
}

// Runtime metric names read by the sources.
const (
	metricHeapObjects  = "/memory/classes/heap/objects:bytes"
	metricTotal        = "/memory/classes/total:bytes"
	metricHeapReleased = "/memory/classes/heap/released:bytes"
	metricGCCycles     = "/gc/cycles/total:gc-cycles"
)

// readRuntimeMetrics reads uint64 runtime metrics without stopping the world.
func readRuntimeMetrics(names ...string) ([]uint64, error) {
	samples := make([]metrics.Sample, len(names))
	for i, name := range names {
		samples[i].Name = name
	}
	metrics.Read(samples)

	out := make([]uint64, len(samples))
	for i, s := range samples {
		if s.Value.Kind() != metrics.KindUint64 {
			return nil, fmt.Errorf("runtime metric %s unavailable", s.Name)
		}
		out[i] = s.Value.Uint64()
	}
	return out, nil
}

// HeapObjectBytes returns the bytes occupied by live and not yet swept
// heap objects.
func HeapObjectBytes() (uint64, error) {
	v, err := readRuntimeMetrics(metricHeapObjects)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// RuntimeMemoryBytes returns the memory mapped by the Go runtime minus
// the heap memory already returned to the operating system.
func RuntimeMemoryBytes() (uint64, error) {
	v, err := readRuntimeMetrics(metricTotal, metricHeapReleased)
	if err != nil {
		return 0, err
	}
	return v[0] - v[1], nil
}

func gcCycles() uint64 {
	v, err := readRuntimeMetrics(metricGCCycles)
	if err != nil {
		return 0
	}
	return v[0]
}

// ThresholdSource polls heap usage and fires whenever it exceeds Limit.
type ThresholdSource struct {
	limit    uint64
	interval time.Duration
	logger   *slog.Logger
	read     func() (uint64, error)
	errLog   rate.Sometimes
}

// NewThresholdSource creates a ThresholdSource checking every interval.
func NewThresholdSource(limit uint64, interval time.Duration, logger *slog.Logger) *ThresholdSource {
	return &ThresholdSource{
		limit:    limit,
		interval: interval,
		logger:   logger,
		read:     HeapObjectBytes,
		errLog:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Run polls until ctx is cancelled. A failed or panicking check is logged
// and polling continues.
func (t *ThresholdSource) Run(ctx context.Context, fire func(context.Context)) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.check(ctx, fire)
		}
	}
}

func (t *ThresholdSource) check(ctx context.Context, fire func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logCheckError(fmt.Errorf("panic: %v", r))
		}
	}()

	used, err := t.read()
	if err != nil {
		t.logCheckError(err)
		return
	}
	if used <= t.limit {
		return
	}

	t.logger.Info("memory_limit_exceeded",
		"heap_bytes", used,
		"limit_bytes", t.limit,
		"operation", "poll",
	)
	fire(ctx)
}

func (t *ThresholdSource) logCheckError(err error) {
	t.errLog.Do(func() {
		t.logger.Error("memory_poll_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "poll",
		)
	})
}

// GCSource fires after a completed garbage collection cycle when the
// process is close to its soft memory limit. Without a soft limit every
// cycle counts. Broadcasts are at least minInterval apart.
type GCSource struct {
	minInterval time.Duration
	ratio       float64
	logger      *slog.Logger

	notify        func(ctx context.Context) <-chan struct{}
	underPressure func() bool
	cycles        func() uint64
	collect       func()
	now           func() time.Time
}

// NewGCSource creates a GCSource.
func NewGCSource(minInterval time.Duration, ratio float64, logger *slog.Logger) *GCSource {
	g := &GCSource{
		minInterval: minInterval,
		ratio:       ratio,
		logger:      logger,
		notify:      gcNotifications,
		cycles:      gcCycles,
		collect:     runtime.GC,
		now:         time.Now,
	}
	g.underPressure = g.nearSoftLimit
	return g
}

// Run waits for GC cycles until ctx is cancelled. If no collection happens
// while subscribers shed entries, one is forced so the memory is reclaimed.
func (g *GCSource) Run(ctx context.Context, fire func(context.Context)) error {
	notify := g.notify(ctx)
	var last time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}

		now := g.now()
		if !last.IsZero() && now.Sub(last) < g.minInterval {
			continue
		}
		if !g.underPressure() {
			continue
		}
		last = now

		before := g.cycles()
		fire(ctx)
		if g.cycles() == before {
			g.logger.Debug("forcing_gc", "operation", "gc_watch")
			g.collect()
		}
	}
}

func (g *GCSource) nearSoftLimit() bool {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return true
	}
	used, err := RuntimeMemoryBytes()
	if err != nil {
		return true
	}
	return float64(used) >= g.ratio*float64(limit)
}

// gcSentinel holds a pointer so it is never placed in the tiny allocator,
// which would delay its finalizer indefinitely.
type gcSentinel struct {
	_ *byte
}

// gcNotifications returns a channel that receives a value after each
// garbage collection cycle. A finalizer on an unreachable sentinel re-arms
// itself every cycle until ctx is cancelled.
func gcNotifications(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	var stopped atomic.Bool

	var arm func()
	arm = func() {
		runtime.SetFinalizer(&gcSentinel{}, func(*gcSentinel) {
			if stopped.Load() {
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
			arm()
		})
	}
	arm()

	go func() {
		<-ctx.Done()
		stopped.Store(true)
	}()
	return ch
}
