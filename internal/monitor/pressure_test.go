package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itsChris/guessguard/internal/sequence"
)

// manualSource fires once per value sent on its channel.
type manualSource struct {
	fires chan struct{}
}

func newManualSource() *manualSource {
	return &manualSource{fires: make(chan struct{})}
}

func (s *manualSource) Run(ctx context.Context, fire func(context.Context)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.fires:
			fire(ctx)
		}
	}
}

type mockObserver struct {
	reports chan Report
}

func (m *mockObserver) BroadcastCompleted(r Report) {
	m.reports <- r
}

func filledSequence(n int) *sequence.Sequence[int] {
	s := sequence.New[int](n)
	for i := 0; i < n; i++ {
		s.Add(i)
	}
	return s
}

func testMonitor(t *testing.T, fraction float64, opts ...Option) *Monitor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Fraction = fraction
	m, err := New(cfg, testLogger(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestNew_NilLogger(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	if err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestNew_InvalidFraction(t *testing.T) {
	for _, f := range []float64{0, -0.1, 1.01} {
		cfg := DefaultConfig()
		cfg.Fraction = f
		_, err := New(cfg, testLogger())
		if !errors.Is(err, ErrInvalidFraction) {
			t.Errorf("fraction %v: expected ErrInvalidFraction, got %v", f, err)
		}
	}
}

func TestNew_ModeFromHardLimit(t *testing.T) {
	m, err := New(DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Mode() != "gc" {
		t.Fatalf("expected gc mode, got %s", m.Mode())
	}
	if _, ok := m.source.(*GCSource); !ok {
		t.Fatalf("expected *GCSource, got %T", m.source)
	}

	cfg := DefaultConfig()
	cfg.HardLimit = 64 << 20
	m, err = New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Mode() != "threshold" {
		t.Fatalf("expected threshold mode, got %s", m.Mode())
	}
	ts, ok := m.source.(*ThresholdSource)
	if !ok {
		t.Fatalf("expected *ThresholdSource, got %T", m.source)
	}
	if ts.interval != DefaultPollInterval {
		t.Fatalf("expected poll interval %v, got %v", DefaultPollInterval, ts.interval)
	}
}

func TestReduceMemoryUsage_HalvesSubscriber(t *testing.T) {
	m := testMonitor(t, 0.5)
	s := filledSequence(10)
	m.Subscribe("seq", Counting(s.ReduceByFraction))

	r := m.ReduceMemoryUsage(context.Background())
	if s.Len() != 5 {
		t.Fatalf("expected 5 entries left, got %d", s.Len())
	}
	if r.Removed != 5 || r.Subscribers != 1 {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.Err() != nil {
		t.Fatalf("expected no error, got %v", r.Err())
	}
}

func TestReduceMemoryUsage_FailingSubscriberIsIsolated(t *testing.T) {
	m := testMonitor(t, 0.2)
	healthy := filledSequence(10)

	m.Subscribe("broken", func(float64) (int, error) {
		return 0, errors.New("disk on fire")
	})
	m.Subscribe("panicky", func(float64) (int, error) {
		panic("boom")
	})
	m.Subscribe("healthy", Counting(healthy.ReduceByFraction))

	r := m.ReduceMemoryUsage(context.Background())
	if healthy.Len() != 8 {
		t.Fatalf("expected healthy subscriber at 8, got %d", healthy.Len())
	}
	if len(r.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(r.Failures))
	}
	msg := r.Err().Error()
	if !strings.Contains(msg, "disk on fire") || !strings.Contains(msg, "panic: boom") {
		t.Fatalf("expected both failures in error, got %q", msg)
	}
}

func TestReduceMemoryUsage_NoSubscribers(t *testing.T) {
	m := testMonitor(t, 0.2)
	r := m.ReduceMemoryUsage(context.Background())
	if r.Subscribers != 0 || r.Removed != 0 || r.Err() != nil {
		t.Fatalf("expected empty report, got %+v", r)
	}
}

func TestReduceMemoryUsage_CancelledContext(t *testing.T) {
	m := testMonitor(t, 0.5)
	s := filledSequence(10)
	m.Subscribe("seq", Counting(s.ReduceByFraction))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := m.ReduceMemoryUsage(ctx)
	if s.Len() != 10 {
		t.Fatalf("expected no reduction after cancel, got len %d", s.Len())
	}
	if !errors.Is(r.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.Err())
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	m := testMonitor(t, 0.5)
	s := filledSequence(10)
	sub := m.Subscribe("seq", Counting(s.ReduceByFraction))

	if sub.Name() != "seq" {
		t.Fatalf("expected name seq, got %s", sub.Name())
	}
	if m.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", m.Subscribers())
	}

	m.Unsubscribe(sub)
	m.Unsubscribe(sub)
	m.Unsubscribe(nil)
	if m.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", m.Subscribers())
	}

	m.ReduceMemoryUsage(context.Background())
	if s.Len() != 10 {
		t.Fatalf("expected unsubscribed sequence untouched, got %d", s.Len())
	}
}

func TestSubscribe_DuringBroadcast(t *testing.T) {
	m := testMonitor(t, 0.2)

	var wg sync.WaitGroup
	m.Subscribe("resubscriber", func(float64) (int, error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := m.Subscribe("late", Counting(func(float64) int { return 0 }))
			m.Unsubscribe(sub)
		}()
		return 0, nil
	})

	for i := 0; i < 10; i++ {
		m.ReduceMemoryUsage(context.Background())
	}
	wg.Wait()

	if m.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", m.Subscribers())
	}
}

func TestMonitor_StartBroadcastsOnSignal(t *testing.T) {
	src := newManualSource()
	obs := &mockObserver{reports: make(chan Report, 1)}
	m := testMonitor(t, 0.5, WithSource(src), WithObserver(obs))

	s := filledSequence(10)
	m.Subscribe("seq", Counting(s.ReduceByFraction))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Mode() != "custom" {
		t.Fatalf("expected custom mode, got %s", m.Mode())
	}

	src.fires <- struct{}{}

	select {
	case r := <-obs.reports:
		if r.Removed != 5 {
			t.Fatalf("expected 5 removed, got %d", r.Removed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast observed")
	}
}

func TestMonitor_StartTwice(t *testing.T) {
	m := testMonitor(t, 0.2, WithSource(newManualSource()))

	if m.Running() {
		t.Fatal("expected monitor to be idle before Start")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.Running() {
		t.Fatal("expected monitor to be running")
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	m.Stop()
	if m.Running() {
		t.Fatal("expected monitor to be idle after Stop")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart after Stop: %v", err)
	}
}

func TestMonitor_StopWaitsForLoop(t *testing.T) {
	m := testMonitor(t, 0.2, WithSource(newManualSource()))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop within timeout")
	}

	// Stop on a stopped monitor is a no-op.
	m.Stop()
}

func TestMonitor_ParentContextCancel(t *testing.T) {
	m := testMonitor(t, 0.2, WithSource(newManualSource()))

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	m.runMu.Lock()
	done := m.done
	m.runMu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor loop did not exit after parent cancel")
	}
}
