package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"crawlguard/internal/metrics"
)

type probeStub struct {
	snap metrics.ResourceSnapshot
}

func (p *probeStub) Sample() metrics.ResourceSnapshot { return p.snap }

type samplerStub struct {
	snap metrics.Snapshot
}

func (s *samplerStub) Current() metrics.Snapshot { return s.snap }

type ceilingStub struct {
	ceiling int
	grows   int
	shrinks int
}

func (c *ceilingStub) Grow() int {
	c.grows++
	c.ceiling++
	return c.ceiling
}

func (c *ceilingStub) Shrink() int {
	c.shrinks++
	c.ceiling--
	return c.ceiling
}

type pacingCeilingStub struct {
	ceilingStub
	slowed    int
	quickened int
}

func (c *pacingCeilingStub) SlowPace() float64 {
	c.slowed++
	return 0
}

func (c *pacingCeilingStub) QuickenPace() float64 {
	c.quickened++
	return 0
}

func testMonitorConfig() Config {
	return Config{
		Limits: ResourceLimits{
			MaxMemoryMB:     512,
			MaxCPUPercent:   80,
			MaxOpenFiles:    512,
			WarningFraction: 0.75,
		},
		Interval:             10 * time.Millisecond,
		MinSuccessRate:       0.5,
		WarnSuccessRate:      0.8,
		HighWaterSuccessRate: 0.95,
		FatalAfterCycles:     3,
	}
}

func healthySampler() *samplerStub {
	return &samplerStub{snap: metrics.Snapshot{Samples: 100, SuccessRate: 1.0}}
}

func TestEvaluate_MemoryBreachIsCritical(t *testing.T) {
	// Memory above its limit: one shrink, a critical alert, status CRITICAL.
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 600}}
	ceiling := &ceilingStub{ceiling: 10}
	m := NewMonitor(testMonitorConfig(), probe, healthySampler(), ceiling, nil)

	status := m.EvaluateOnce()

	if status != StatusCritical {
		t.Fatalf("expected CRITICAL, got %v", status)
	}
	if ceiling.shrinks != 1 {
		t.Errorf("expected exactly 1 shrink, got %d", ceiling.shrinks)
	}
	if ceiling.grows != 0 {
		t.Errorf("critical cycle must not grow, got %d grows", ceiling.grows)
	}

	select {
	case a := <-m.Subscribe():
		if a.Severity != SeverityCritical {
			t.Errorf("expected critical alert, got %v", a.Severity)
		}
		if a.Metric != "memory_mb" {
			t.Errorf("expected memory_mb alert, got %q", a.Metric)
		}
		if a.Value != 600 || a.Limit != 512 {
			t.Errorf("alert payload mismatch: value=%v limit=%v", a.Value, a.Limit)
		}
		if a.ID == uuid.Nil {
			t.Error("alert must carry an ID")
		}
	default:
		t.Fatal("expected an alert on the subscription channel")
	}
}

func TestEvaluate_WarningZoneIsDegraded(t *testing.T) {
	// 75% of the 512MB limit is 384MB; 400MB is degraded but not critical.
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 400}}
	ceiling := &ceilingStub{ceiling: 10}
	m := NewMonitor(testMonitorConfig(), probe, healthySampler(), ceiling, nil)

	if status := m.EvaluateOnce(); status != StatusDegraded {
		t.Fatalf("expected DEGRADED, got %v", status)
	}
	if ceiling.shrinks != 0 || ceiling.grows != 0 {
		t.Errorf("degraded cycle must hold the ceiling, shrinks=%d grows=%d",
			ceiling.shrinks, ceiling.grows)
	}

	select {
	case a := <-m.Subscribe():
		if a.Severity != SeverityWarning {
			t.Errorf("expected warning alert, got %v", a.Severity)
		}
	default:
		t.Fatal("expected a warning alert")
	}
}

func TestEvaluate_HealthyGrows(t *testing.T) {
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 100, CPUPercent: 10}}
	ceiling := &ceilingStub{ceiling: 5}
	m := NewMonitor(testMonitorConfig(), probe, healthySampler(), ceiling, nil)

	if status := m.EvaluateOnce(); status != StatusHealthy {
		t.Fatalf("expected HEALTHY, got %v", status)
	}
	if ceiling.grows != 1 {
		t.Errorf("healthy cycle with high success rate should grow, got %d grows", ceiling.grows)
	}
}

func TestEvaluate_LowSuccessRateIsCritical(t *testing.T) {
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 100}}
	sampler := &samplerStub{snap: metrics.Snapshot{Samples: 50, SuccessRate: 0.3}}
	ceiling := &ceilingStub{ceiling: 10}
	m := NewMonitor(testMonitorConfig(), probe, sampler, ceiling, nil)

	if status := m.EvaluateOnce(); status != StatusCritical {
		t.Fatalf("expected CRITICAL on success rate 0.3, got %v", status)
	}
	if ceiling.shrinks != 1 {
		t.Errorf("expected 1 shrink, got %d", ceiling.shrinks)
	}
}

func TestEvaluate_NoSamplesDoesNotTripSuccessFloor(t *testing.T) {
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 100}}
	sampler := &samplerStub{snap: metrics.Snapshot{Samples: 0, SuccessRate: 1.0}}
	m := NewMonitor(testMonitorConfig(), probe, sampler, &ceilingStub{}, nil)

	if status := m.EvaluateOnce(); status != StatusHealthy {
		t.Errorf("an empty window must not count against health, got %v", status)
	}
}

func TestEvaluate_FatalAfterConsecutiveCriticalCycles(t *testing.T) {
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 600}}
	m := NewMonitor(testMonitorConfig(), probe, healthySampler(), &ceilingStub{ceiling: 10}, nil)

	for i := 0; i < 5; i++ {
		m.EvaluateOnce()
	}

	var fatals int
	for {
		select {
		case a := <-m.Subscribe():
			if a.Severity == SeverityFatal {
				fatals++
			}
			continue
		default:
		}
		break
	}
	if fatals != 1 {
		t.Errorf("expected exactly one fatal alert after 3 critical cycles, got %d", fatals)
	}
}

func TestEvaluate_RecoveryResetsFatalEscalation(t *testing.T) {
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 600}}
	m := NewMonitor(testMonitorConfig(), probe, healthySampler(), &ceilingStub{ceiling: 10}, nil)

	m.EvaluateOnce()
	m.EvaluateOnce()

	// Recover, then go critical again: the counter starts over.
	probe.snap.MemoryMB = 100
	m.EvaluateOnce()
	probe.snap.MemoryMB = 600
	m.EvaluateOnce()
	m.EvaluateOnce()

	for {
		select {
		case a := <-m.Subscribe():
			if a.Severity == SeverityFatal {
				t.Fatal("fatal alert emitted despite recovery in between")
			}
			continue
		default:
		}
		break
	}
}

func TestEvaluate_ReleaseHookCalledOnMemoryPressure(t *testing.T) {
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 600}}
	m := NewMonitor(testMonitorConfig(), probe, healthySampler(), &ceilingStub{ceiling: 10}, nil)

	calls := 0
	m.SetReleaseHook(func() error {
		calls++
		return errors.New("nothing to release")
	})

	// Hook errors are logged, never propagated; the cycle completes.
	if status := m.EvaluateOnce(); status != StatusCritical {
		t.Fatalf("expected CRITICAL, got %v", status)
	}
	if calls != 1 {
		t.Errorf("expected release hook called once, got %d", calls)
	}
}

func TestEvaluate_HookNotCalledWithoutMemoryPressure(t *testing.T) {
	// Critical on success rate alone: the memory release hook stays idle.
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 100}}
	sampler := &samplerStub{snap: metrics.Snapshot{Samples: 50, SuccessRate: 0.1}}
	m := NewMonitor(testMonitorConfig(), probe, sampler, &ceilingStub{ceiling: 10}, nil)

	calls := 0
	m.SetReleaseHook(func() error {
		calls++
		return nil
	})
	m.EvaluateOnce()

	if calls != 0 {
		t.Errorf("hook must only fire on memory pressure, got %d calls", calls)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 100}}
	m := NewMonitor(testMonitorConfig(), probe, healthySampler(), &ceilingStub{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}

	if m.Status() != StatusHealthy {
		t.Errorf("expected HEALTHY status from the loop, got %v", m.Status())
	}
}

func TestEvaluate_PaceFollowsCeiling(t *testing.T) {
	// A pacing gate is slowed on critical cycles and quickened on healthy
	// growth cycles.
	ceiling := &pacingCeilingStub{ceilingStub: ceilingStub{ceiling: 10}}
	probe := &probeStub{snap: metrics.ResourceSnapshot{MemoryMB: 600}}
	m := NewMonitor(testMonitorConfig(), probe, healthySampler(), ceiling, nil)

	m.EvaluateOnce()
	if ceiling.slowed != 1 {
		t.Errorf("expected 1 slow on critical, got %d", ceiling.slowed)
	}
	if ceiling.quickened != 0 {
		t.Errorf("critical cycle must not quicken, got %d", ceiling.quickened)
	}

	probe.snap = metrics.ResourceSnapshot{MemoryMB: 100}
	m.EvaluateOnce()
	if ceiling.quickened != 1 {
		t.Errorf("expected 1 quicken on healthy growth, got %d", ceiling.quickened)
	}
}
