package taskpool

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_DelayRunsOnce(t *testing.T) {
	p := New(2, 8)
	defer p.Stop()

	var calls atomic.Int32
	p.Delay(10*time.Millisecond, func() { calls.Add(1) })

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("job ran %d times, want 1", got)
	}
	// give the timer path a chance to misfire
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("job ran %d times after settle, want 1", got)
	}
}

func TestPool_AllJobsRun(t *testing.T) {
	p := New(2, 8)
	defer p.Stop()

	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		p.Delay(time.Millisecond, func() { calls.Add(1) })
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() != 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 10 {
		t.Fatalf("only %d of 10 jobs ran", got)
	}
}

func TestPool_StopDropsPending(t *testing.T) {
	p := New(1, 1)

	var calls atomic.Int32
	p.Delay(100*time.Millisecond, func() { calls.Add(1) })
	p.Stop()

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("job ran after Stop, calls = %d", got)
	}
}
