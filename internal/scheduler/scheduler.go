// Package scheduler runs the sync and backup cycles on fixed intervals and on
// demand, never running two cycles of the same kind at once.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/schaermu/workersyncd/internal/metrics"
)

// Kind names a cycle
type Kind string

const (
	KindSync   Kind = "sync"
	KindBackup Kind = "backup"
)

// Job runs one cycle
type Job func(ctx context.Context) error

type job struct {
	kind     Kind
	interval time.Duration
	run      Job
	entry    cron.EntryID
	running  atomic.Bool
	lastRun  atomic.Pointer[time.Time]
}

// Status describes a registered cycle
type Status struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval_ns"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
	NextRun  *time.Time    `json:"next_run,omitempty"`
}

// Scheduler owns one cron loop shared by all cycle kinds
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   map[Kind]*job

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler; cycles receive a context that is canceled only
// when Stop gives up waiting for them.
func New(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		logger: logger,
		jobs:   make(map[Kind]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a cycle that runs every interval
func (s *Scheduler) Register(kind Kind, interval time.Duration, run Job) error {
	if _, exists := s.jobs[kind]; exists {
		return fmt.Errorf("cycle %s already registered", kind)
	}
	if interval < time.Second {
		return fmt.Errorf("cycle %s: interval must be at least 1s, got %s", kind, interval)
	}

	j := &job{kind: kind, interval: interval, run: run}
	j.entry = s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.Trigger(kind)
	}))
	s.jobs[kind] = j
	return nil
}

// Start starts the interval loop and immediately triggers the given kinds
func (s *Scheduler) Start(initial ...Kind) {
	for kind, j := range s.jobs {
		s.logger.Info("scheduling cycle", "cycle", string(kind), "interval", j.interval)
	}
	s.cron.Start()
	for _, kind := range initial {
		s.Trigger(kind)
	}
}

// Trigger starts a cycle in the background. It returns false when the kind is
// unknown, the scheduler is stopped, or a cycle of that kind is already
// running, in which case the trigger is dropped.
func (s *Scheduler) Trigger(kind Kind) bool {
	j, ok := s.jobs[kind]
	if !ok {
		s.logger.Warn("trigger for unknown cycle", "cycle", string(kind))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if !j.running.CompareAndSwap(false, true) {
		metrics.Coalesced(string(kind))
		s.logger.Info("cycle already running, trigger dropped", "cycle", string(kind))
		return false
	}

	s.wg.Add(1)
	go s.execute(j)
	return true
}

func (s *Scheduler) execute(j *job) {
	defer s.wg.Done()
	defer j.running.Store(false)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("cycle panicked", "cycle", string(j.kind), "panic", p)
		}
	}()

	now := time.Now()
	j.lastRun.Store(&now)
	if err := j.run(s.ctx); err != nil {
		s.logger.Error("cycle failed", "cycle", string(j.kind), "error", err)
	}
}

// Running reports whether a cycle of kind is in progress
func (s *Scheduler) Running(kind Kind) bool {
	j, ok := s.jobs[kind]
	return ok && j.running.Load()
}

// Status returns the state of every registered cycle
func (s *Scheduler) Status() map[Kind]Status {
	out := make(map[Kind]Status, len(s.jobs))
	for kind, j := range s.jobs {
		st := Status{Running: j.running.Load(), Interval: j.interval, LastRun: j.lastRun.Load()}
		if next := s.cron.Entry(j.entry).Next; !next.IsZero() {
			st.NextRun = &next
		}
		out[kind] = st
	}
	return out
}

// Stop stops scheduling and waits for in-flight cycles. If ctx expires first,
// the cycles' context is canceled and Stop keeps waiting for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("cycles still running at shutdown, canceling")
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
