package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crawlguard/internal/resilience/fault"
)

func testConfig() Config {
	return Config{
		MinCeiling:     2,
		MaxCeiling:     20,
		InitialCeiling: 10,
		AdjustmentStep: 1,
	}
}

func TestAcquire_CeilingNeverExceeded(t *testing.T) {
	// 15 workers against a ceiling of 10: observed concurrency must never
	// exceed the ceiling, and every worker must eventually be admitted.
	l := New(testConfig(), nil)

	var (
		current atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer permit.Release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 10 {
		t.Errorf("observed concurrency %d exceeds ceiling 10", got)
	}
	if l.InFlight() != 0 {
		t.Errorf("expected 0 in flight after all releases, got %d", l.InFlight())
	}
	if l.QueueLen() != 0 {
		t.Errorf("expected empty queue, got %d", l.QueueLen())
	}
}

func TestAcquire_FIFOOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MinCeiling = 1
	cfg.InitialCeiling = 1
	l := New(cfg, nil)

	holder, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("initial acquire failed: %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			permit, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d failed: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			permit.Release()
		}(i)
		// Ensure each waiter is enqueued before the next starts.
		waitFor(t, func() bool { return l.QueueLen() == i+1 })
	}

	holder.Release()
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("expected FIFO admission order, got %v", order)
		}
	}
}

func TestAcquire_TimeoutReturnsAdmissionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MinCeiling = 1
	cfg.InitialCeiling = 1
	cfg.AcquireTimeout = 30 * time.Millisecond
	l := New(cfg, nil)

	holder, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("initial acquire failed: %v", err)
	}
	defer holder.Release()

	start := time.Now()
	_, err = l.Acquire(context.Background())
	if !errors.Is(err, fault.ErrAdmissionTimeout) {
		t.Fatalf("expected fault.ErrAdmissionTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("timed out too early: %v", elapsed)
	}
	if l.QueueLen() != 0 {
		t.Errorf("timed-out waiter must leave the queue, got %d", l.QueueLen())
	}
}

func TestAcquire_ContextCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.MinCeiling = 1
	cfg.InitialCeiling = 1
	l := New(cfg, nil)

	holder, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("initial acquire failed: %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = l.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if l.QueueLen() != 0 {
		t.Errorf("cancelled waiter must leave the queue, got %d", l.QueueLen())
	}
}

func TestShrink_DoesNotCancelInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.MinCeiling = 1
	cfg.InitialCeiling = 3
	l := New(cfg, nil)

	var permits []*Permit
	for i := 0; i < 3; i++ {
		p, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		permits = append(permits, p)
	}

	if got := l.SetCeiling(1); got != 1 {
		t.Fatalf("expected ceiling 1, got %d", got)
	}
	if l.InFlight() != 3 {
		t.Errorf("shrink must not evict admitted work, in flight = %d", l.InFlight())
	}

	// New admissions stay blocked until in-flight drains below the ceiling.
	admitted := make(chan struct{})
	go func() {
		p, err := l.Acquire(context.Background())
		if err == nil {
			p.Release()
		}
		close(admitted)
	}()
	waitFor(t, func() bool { return l.QueueLen() == 1 })

	permits[0].Release()
	permits[1].Release()
	select {
	case <-admitted:
		t.Fatal("waiter admitted while in flight still above ceiling")
	case <-time.After(30 * time.Millisecond):
	}

	permits[2].Release()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted after in flight drained")
	}
}

func TestGrowAdmitsWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.MinCeiling = 1
	cfg.InitialCeiling = 1
	l := New(cfg, nil)

	holder, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("initial acquire failed: %v", err)
	}
	defer holder.Release()

	admitted := make(chan struct{})
	go func() {
		p, err := l.Acquire(context.Background())
		if err == nil {
			defer p.Release()
			close(admitted)
		}
	}()
	waitFor(t, func() bool { return l.QueueLen() == 1 })

	if got := l.Grow(); got != 2 {
		t.Fatalf("expected ceiling 2 after grow, got %d", got)
	}
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("grow did not admit the queued waiter")
	}
}

func TestSetCeiling_ClampedToBounds(t *testing.T) {
	l := New(testConfig(), nil)

	if got := l.SetCeiling(100); got != 20 {
		t.Errorf("expected ceiling clamped to max 20, got %d", got)
	}
	if got := l.SetCeiling(0); got != 2 {
		t.Errorf("expected ceiling clamped to min 2, got %d", got)
	}
	for i := 0; i < 10; i++ {
		l.Shrink()
	}
	if got := l.Ceiling(); got != 2 {
		t.Errorf("repeated shrink must not go below min, got %d", got)
	}
	for i := 0; i < 50; i++ {
		l.Grow()
	}
	if got := l.Ceiling(); got != 20 {
		t.Errorf("repeated grow must not exceed max, got %d", got)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	cfg := testConfig()
	cfg.MinCeiling = 1
	cfg.InitialCeiling = 2
	l := New(cfg, nil)

	p, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	p.Release()
	p.Release()
	p.Release()

	if l.InFlight() != 0 {
		t.Errorf("double release must not underflow, in flight = %d", l.InFlight())
	}

	// Capacity is intact: two fresh acquires succeed immediately.
	for i := 0; i < 2; i++ {
		q, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d after release failed: %v", i, err)
		}
		defer q.Release()
	}
	if l.InFlight() != 2 {
		t.Errorf("expected 2 in flight, got %d", l.InFlight())
	}
}

func TestPacer_SpacesAdmissions(t *testing.T) {
	cfg := testConfig()
	cfg.PacePerSecond = 50 // 20ms between admissions
	l := New(cfg, nil)

	start := time.Now()
	for i := 0; i < 4; i++ {
		p, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		p.Release()
	}
	// First admission is immediate (burst 1), the next three are paced.
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected pacing of roughly 60ms across 4 admissions, elapsed %v", elapsed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestSlowPace_FlooredAtTenthOfBase(t *testing.T) {
	cfg := testConfig()
	cfg.PacePerSecond = 10
	l := New(cfg, nil)

	var last float64
	for i := 0; i < 20; i++ {
		last = l.SlowPace()
	}
	if last != 1 {
		t.Errorf("expected pace floored at 1/s, got %v", last)
	}
}

func TestQuickenPace_CappedAtConfiguredRate(t *testing.T) {
	cfg := testConfig()
	cfg.PacePerSecond = 10
	l := New(cfg, nil)

	l.SlowPace()
	var last float64
	for i := 0; i < 20; i++ {
		last = l.QuickenPace()
	}
	if last != 10 {
		t.Errorf("expected pace restored to 10/s, got %v", last)
	}
}

func TestPaceAdjustment_NoopWithoutPacer(t *testing.T) {
	l := New(testConfig(), nil)
	if got := l.SlowPace(); got != 0 {
		t.Errorf("expected 0 from SlowPace without a pacer, got %v", got)
	}
	if got := l.QuickenPace(); got != 0 {
		t.Errorf("expected 0 from QuickenPace without a pacer, got %v", got)
	}
}
