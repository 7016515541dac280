package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itsChris/guessguard/internal/logging"
)

// Monitor defaults.
const (
	DefaultFraction        = 0.2
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultGCMinInterval   = 30 * time.Second
	DefaultGCPressureRatio = 0.9
)

var (
	// ErrInvalidFraction is returned when the reduction fraction is outside (0, 1].
	ErrInvalidFraction = errors.New("monitor: fraction must be in (0, 1]")
	// ErrAlreadyRunning is returned by Start when the monitor loop is active.
	ErrAlreadyRunning = errors.New("monitor: already running")
)

// Config controls how memory pressure is detected and how much each
// subscriber is asked to shed.
type Config struct {
	// Fraction of entries each subscriber removes per broadcast.
	Fraction float64
	// HardLimit in bytes. Zero watches garbage collection cycles instead
	// of polling against a fixed limit.
	HardLimit       uint64
	PollInterval    time.Duration
	GCMinInterval   time.Duration
	GCPressureRatio float64
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Fraction:        DefaultFraction,
		PollInterval:    DefaultPollInterval,
		GCMinInterval:   DefaultGCMinInterval,
		GCPressureRatio: DefaultGCPressureRatio,
	}
}

// ReduceFunc sheds roughly fraction of a subscriber's entries and returns
// how many were removed.
type ReduceFunc func(fraction float64) (removed int, err error)

// Counting adapts a shrink function that cannot fail.
func Counting(fn func(fraction float64) int) ReduceFunc {
	return func(fraction float64) (int, error) {
		return fn(fraction), nil
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id   uint64
	name string
	fn   ReduceFunc
}

// Name returns the name given at subscription time.
func (s *Subscription) Name() string {
	return s.name
}

func (s *Subscription) invoke(fraction float64) (removed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(fraction)
}

// SubscriberError records one subscriber failing during a broadcast.
type SubscriberError struct {
	Subscriber string
	Err        error
}

func (e SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s: %v", e.Subscriber, e.Err)
}

func (e SubscriberError) Unwrap() error {
	return e.Err
}

// Report summarizes one broadcast.
type Report struct {
	Fraction    float64
	Subscribers int
	Removed     int
	Duration    time.Duration
	Failures    []SubscriberError
}

// Err joins all subscriber failures, or returns nil if there were none.
func (r Report) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Observer is notified after every broadcast.
type Observer interface {
	BroadcastCompleted(r Report)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSource replaces the pressure source chosen from the config.
func WithSource(src Source) Option {
	return func(m *Monitor) {
		m.source = src
		m.mode = "custom"
	}
}

// WithObserver attaches an Observer.
func WithObserver(obs Observer) Option {
	return func(m *Monitor) {
		m.observer = obs
	}
}

// Monitor watches for memory pressure and asks every subscriber to shed a
// fixed fraction of its entries when pressure is detected.
type Monitor struct {
	fraction float64
	source   Source
	mode     string
	observer Observer
	logger   *slog.Logger

	subMu  sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor. A zero HardLimit selects the GC source; any other
// value selects the threshold source polling every PollInterval.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if logger == nil {
		return nil, fmt.Errorf("new monitor: logger is required")
	}
	if math.IsNaN(cfg.Fraction) || cfg.Fraction <= 0 || cfg.Fraction > 1 {
		return nil, fmt.Errorf("new monitor: %w (got %v)", ErrInvalidFraction, cfg.Fraction)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GCMinInterval <= 0 {
		cfg.GCMinInterval = DefaultGCMinInterval
	}
	if cfg.GCPressureRatio <= 0 {
		cfg.GCPressureRatio = DefaultGCPressureRatio
	}

	m := &Monitor{
		fraction: cfg.Fraction,
		logger:   logger.With("component", "monitor"),
		subs:     make(map[uint64]*Subscription),
	}
	if cfg.HardLimit == 0 {
		m.source = NewGCSource(cfg.GCMinInterval, cfg.GCPressureRatio, m.logger)
		m.mode = "gc"
	} else {
		m.source = NewThresholdSource(cfg.HardLimit, cfg.PollInterval, m.logger)
		m.mode = "threshold"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Fraction returns the fraction broadcast to subscribers.
func (m *Monitor) Fraction() float64 {
	return m.fraction
}

// Mode returns "gc", "threshold" or "custom".
func (m *Monitor) Mode() string {
	return m.mode
}

// Subscribe registers fn to be called on every broadcast. It is safe to
// call at any time, including while a broadcast is in progress.
func (m *Monitor) Subscribe(name string, fn ReduceFunc) *Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextID++
	sub := &Subscription{id: m.nextID, name: name, fn: fn}
	m.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub. Unsubscribing twice or passing nil is a no-op.
func (m *Monitor) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.subs, sub.id)
}

// Subscribers returns the number of registered subscribers.
func (m *Monitor) Subscribers() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs)
}

func (m *Monitor) snapshot() []*Subscription {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	return subs
}

// Start launches the monitor loop. It returns ErrAlreadyRunning if the
// loop is active. The loop stops when ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.done != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	return nil
}

// Stop cancels the monitor loop and waits for it to exit. The monitor may
// be started again afterwards.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.done == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

// Running reports whether the monitor loop is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	done := m.done
	m.runMu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	taskID := logging.GenerateTaskID("pressure")
	ctx = logging.WithTaskID(ctx, taskID)

	m.logger.Info("pressure_monitor_started",
		"mode", m.mode,
		"fraction", m.fraction,
		"task_id", taskID,
	)

	err := m.source.Run(ctx, m.broadcast)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("pressure_source_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "run",
			"task_id", taskID,
		)
	}

	m.logger.Info("pressure_monitor_stopped", "task_id", taskID)
}

func (m *Monitor) broadcast(ctx context.Context) {
	m.logger.Info("memory_reduction_started",
		"fraction", m.fraction,
		"task_id", logging.TaskID(ctx),
	)
	r := m.ReduceMemoryUsage(ctx)
	m.logger.Info("memory_reduction_completed",
		"subscribers", r.Subscribers,
		"removed", r.Removed,
		"failures", len(r.Failures),
		"duration", r.Duration.String(),
		"task_id", logging.TaskID(ctx),
	)
}

// ReduceMemoryUsage asks every current subscriber, in parallel, to shed the
// configured fraction of its entries. A failing subscriber never prevents
// delivery to the others; its error is recorded in the returned Report.
func (m *Monitor) ReduceMemoryUsage(ctx context.Context) Report {
	subs := m.snapshot()
	start := time.Now()
	report := Report{
		Fraction:    m.fraction,
		Subscribers: len(subs),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, sub := range subs {
		g.Go(func() error {
			var (
				removed int
				err     error
			)
			if err = ctx.Err(); err == nil {
				removed, err = sub.invoke(m.fraction)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Removed += removed
			if err != nil {
				report.Failures = append(report.Failures, SubscriberError{Subscriber: sub.name, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Duration = time.Since(start)

	for _, f := range report.Failures {
		m.logger.Warn("memory_reduction_subscriber_failed",
			"subscriber", f.Subscriber,
			"error", f.Err,
			"operation", "reduce_memory",
		)
	}
	if m.observer != nil {
		m.observer.BroadcastCompleted(report)
	}
	return report
}
