package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cddns/pkg/logx"
)

func TestNextFireTimes(t *testing.T) {
	t.Parallel()
	s, err := New("0 */5 * * * *", nil, Options{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local)
	want := []time.Time{
		time.Date(2025, 3, 1, 0, 5, 0, 0, time.Local),
		time.Date(2025, 3, 1, 0, 10, 0, 0, time.Local),
		time.Date(2025, 3, 1, 0, 15, 0, 0, time.Local),
	}

	at := start
	for i, w := range want {
		at = s.Next(at)
		if !at.Equal(w) {
			t.Fatalf("fire %d = %v, want %v", i+1, at, w)
		}
	}
}

func TestSecondsField(t *testing.T) {
	t.Parallel()
	s, err := New("*/15 * * * * *", nil, Options{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	from := time.Date(2025, 3, 1, 0, 0, 1, 0, time.Local)
	next := s.Next(from)
	if next.Second() != 15 {
		t.Fatalf("next = %v, want second 15", next)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "not a cron", "*/5 * * * *  extra"} {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("Parse(%q): expected error", expr)
		}
	}
	// five fields (no seconds) is also rejected: the service uses
	// six-field expressions
	if _, err := Parse("*/5 * * *"); err == nil {
		t.Fatal("expected error for wrong field count")
	}
}

func TestRunOnStart(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int64
	s, err := New("@every 1h", func(context.Context) error {
		ticks.Add(1)
		return nil
	}, Options{RunOnStart: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	waitFor(t, time.Second, func() bool { return ticks.Load() == 1 })
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestTriggerCoalescing(t *testing.T) {
	t.Parallel()

	var (
		ticks     atomic.Int64
		inFlight  atomic.Int64
		maxDepth  atomic.Int64
		releaseMu sync.Mutex
		release   = make(chan struct{})
	)

	tick := func(context.Context) error {
		depth := inFlight.Add(1)
		defer inFlight.Add(-1)
		if depth > maxDepth.Load() {
			maxDepth.Store(depth)
		}
		n := ticks.Add(1)
		if n == 1 {
			releaseMu.Lock()
			ch := release
			releaseMu.Unlock()
			<-ch // hold the first tick open while triggers pile up
		}
		return nil
	}

	s, err := New("@every 1h", tick, Options{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.TriggerNow()
	waitFor(t, time.Second, func() bool { return ticks.Load() == 1 })

	// Many triggers during the running tick must coalesce to one.
	for i := 0; i < 10; i++ {
		s.TriggerNow()
	}
	close(release)

	waitFor(t, time.Second, func() bool { return ticks.Load() == 2 })
	time.Sleep(100 * time.Millisecond) // no third tick shows up
	if got := ticks.Load(); got != 2 {
		t.Fatalf("ticks = %d, want exactly 2", got)
	}
	if got := maxDepth.Load(); got != 1 {
		t.Fatalf("max concurrent ticks = %d, want 1", got)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	finished := make(chan struct{})
	tick := func(context.Context) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		close(finished)
		return nil
	}

	s, err := New("@every 1h", tick, Options{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.TriggerNow()
	<-started

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight tick finished")
	}

	// No fires after Stop.
	s.TriggerNow()
	time.Sleep(100 * time.Millisecond)
}

func TestTickErrorDoesNotStopSchedule(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	var errSeen atomic.Int64
	tick := func(context.Context) error {
		if ticks.Add(1) == 1 {
			panic("first tick explodes")
		}
		return nil
	}

	s, err := New("@every 1h", tick, Options{
		OnTickError: func(error) { errSeen.Add(1) },
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.TriggerNow()
	waitFor(t, time.Second, func() bool { return errSeen.Load() == 1 })

	s.TriggerNow()
	waitFor(t, time.Second, func() bool { return ticks.Load() == 2 })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
