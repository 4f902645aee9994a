// Package scheduler drives reconciliation ticks from a six-field cron
// expression (seconds first). Ticks run inline in the scheduler's own
// goroutine, so two ticks can never overlap by construction; manual
// triggers land in a capacity-1 slot and coalesce while a tick runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cddns/pkg/logx"
)

// TickFunc is one reconciliation pass. A returned error (or a panic)
// marks the tick failed but never stops the schedule.
type TickFunc func(ctx context.Context) error

// Parser accepts the classic five fields plus a leading seconds field,
// and the @every / @hourly style descriptors, evaluated in local time.
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse validates a schedule expression. Used at startup so a bad
// expression is a fatal configuration error, not a runtime surprise.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

type Options struct {
	// RunOnStart fires one tick immediately when the loop starts.
	RunOnStart bool
	// OnNextRun is told each newly computed fire time (status display).
	OnNextRun func(time.Time)
	// OnTickError observes tick failures after they are logged.
	OnTickError func(error)
}

type Scheduler struct {
	sched cron.Schedule
	expr  string
	tick  TickFunc
	opt   Options
	log   logx.Logger

	trigger chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	started bool
}

func New(expr string, tick TickFunc, opt Options, log logx.Logger) (*Scheduler, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		sched:   sched,
		expr:    expr,
		tick:    tick,
		opt:     opt,
		log:     log,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (s *Scheduler) Expr() string { return s.expr }

// Next returns the first fire time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

// Start launches the tick loop. Second and later calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run(ctx)
	s.log.Info("scheduler started", logx.String("schedule", s.expr), logx.Bool("run_on_start", s.opt.RunOnStart))
}

// TriggerNow requests an out-of-band tick. While a tick is running,
// any number of requests collapse into exactly one follow-up tick.
// Never blocks.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop prevents future fires and waits for an in-flight tick to finish,
// bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	if s.opt.RunOnStart {
		// satisfies a trigger that raced in before the loop started
		s.drainTrigger()
		s.execute(ctx)
	}

	for {
		next := s.sched.Next(time.Now())
		if s.opt.OnNextRun != nil {
			s.opt.OnNextRun(next)
		}
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.trigger:
			timer.Stop()
			s.log.Debug("manual tick triggered")
			s.execute(ctx)
		case <-timer.C:
			// a trigger that arrived while we slept is satisfied by
			// this scheduled tick
			s.drainTrigger()
			s.execute(ctx)
		}
	}
}

func (s *Scheduler) drainTrigger() {
	select {
	case <-s.trigger:
	default:
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	start := time.Now()
	err := s.safeTick(ctx)
	if err != nil {
		s.log.Error("tick failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		if s.opt.OnTickError != nil {
			s.opt.OnTickError(err)
		}
		return
	}
	s.log.Debug("tick finished", logx.Duration("took", time.Since(start)))
}

func (s *Scheduler) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v\n%s", r, debug.Stack())
		}
	}()
	if s.tick == nil {
		return errors.New("no tick function configured")
	}
	return s.tick(ctx)
}
