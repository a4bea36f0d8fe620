package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"optionflow/logger"
)

// Task is one fetch cycle. It runs with the scheduler's context.
type Task func(ctx context.Context)

// Gate decides whether a periodic tick may start a cycle. Reason names the
// gate in logs and drop metrics.
type Gate interface {
	Allow(now time.Time) bool
	Reason() string
}

// DropFunc is notified whenever a tick does not start a cycle.
type DropFunc func(reason string)

const ReasonBusy = "in_flight"

// Scheduler runs Task on a fixed period with at most one cycle in flight.
// Ticks that arrive while a cycle runs are dropped, never queued.
type Scheduler struct {
	interval time.Duration
	task     Task
	gates    []Gate
	onDrop   DropFunc

	busy    atomic.Bool
	dropped atomic.Int64

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	reset   chan struct{}
	wg      sync.WaitGroup
	log     *logger.Log
	now     func() time.Time
}

func New(interval time.Duration, task Task, gates ...Gate) *Scheduler {
	return &Scheduler{
		interval: interval,
		task:     task,
		gates:    gates,
		reset:    make(chan struct{}, 1),
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// OnDrop registers a callback for dropped ticks. It must be set before Start.
func (s *Scheduler) OnDrop(fn DropFunc) {
	s.onDrop = fn
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.interval)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.loop()

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"interval": s.interval.String(),
		"gates":    len(s.gates),
	}).Info("scheduler started")
	return nil
}

// Stop cancels the ticker and waits for an in-flight cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

// IsBusy reports whether a cycle is in flight.
func (s *Scheduler) IsBusy() bool {
	return s.busy.Load()
}

// Dropped reports how many ticks were dropped since start.
func (s *Scheduler) Dropped() int64 {
	return s.dropped.Load()
}

// Reset restarts the period so the next tick fires one interval from now.
func (s *Scheduler) Reset() {
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Trigger starts a cycle immediately, ignoring the gates. It returns false
// when a cycle is already in flight or the scheduler is not running.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.drop(ReasonBusy)
		return false
	}
	// Add under mu so a concurrent Stop cannot already be waiting.
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return true
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reset:
			ticker.Reset(s.interval)
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := s.now()
	for _, g := range s.gates {
		if !g.Allow(now) {
			s.drop(g.Reason())
			return
		}
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.drop(ReasonBusy)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.ctx)
	}()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.WithComponent("scheduler").WithFields(logger.Fields{"panic": r}).Error("fetch cycle panicked")
		}
	}()

	start := s.now()
	s.task(ctx)
	if d := s.now().Sub(start); d > s.interval {
		s.log.WithComponent("scheduler").WithFields(logger.Fields{
			"duration_ms": d.Milliseconds(),
			"interval_ms": s.interval.Milliseconds(),
		}).Debug("cycle took longer than interval")
	}
}

func (s *Scheduler) drop(reason string) {
	s.dropped.Add(1)
	s.log.WithComponent("scheduler").WithFields(logger.Fields{"reason": reason}).Debug("tick dropped")
	if s.onDrop != nil {
		s.onDrop(reason)
	}
}
