// Package scheduler runs the two independent verification cadences
// (full and lightweight), a cleanup sweep, and per-executor task
// dedup, following the same ticker-loop-plus-stop-channel shape as
// services/automation's runScheduler/runChainTriggerChecker pair.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/one-covenant/basilica-sub001/internal/discovery"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	verifdomain "github.com/one-covenant/basilica-sub001/internal/domain/verification"
	"github.com/one-covenant/basilica-sub001/internal/selfload"
	"github.com/one-covenant/basilica-sub001/internal/sshsession"
	"github.com/one-covenant/basilica-sub001/internal/telemetry"
)

// Engine is the subset of the verification engine the scheduler drives.
type Engine interface {
	Run(ctx context.Context, task Task) (Outcome, error)
}

// Task mirrors internal/verification.Task's shape without importing
// that package directly, avoiding a scheduler->verification->scheduler
// style coupling; callers pass a closure adapting the real engine.
type Task struct {
	ExecutorID string
	MinerUID   uint16
}

// Outcome mirrors internal/verification.Outcome's shape.
type Outcome struct {
	Skipped bool
	Score   float64
}

// Discoverer supplies one discovery cycle's results; *discovery.Service
// satisfies this.
type Discoverer interface {
	Discover(ctx context.Context) ([]discovery.Result, error)
}

// ExecutorLister supplies the schedulable executor set for one strategy.
type ExecutorLister interface {
	ListSchedulable(ctx context.Context) ([]executor.Executor, error)
	SyncFromDiscovery(ctx context.Context, results []discovery.Result) error
}

// Config tunes the scheduler's intervals.
type Config struct {
	FullInterval     time.Duration
	LightInterval    time.Duration
	CleanupInterval  time.Duration
	ChallengeTimeout time.Duration
	MaintenanceCron  string // optional cron expression gating Full runs

	// MaxConcurrentTasks caps how many verification tasks a single tick
	// spawns when SelfLoad is set; 0 means uncapped.
	MaxConcurrentTasks int
	// SelfLoad samples the validator's own CPU load so a tick can scale
	// its concurrency budget down under load instead of piling on more
	// SSH sessions than the box can service. Optional; nil disables
	// backpressure entirely. *selfload.Reader satisfies this.
	SelfLoad LoadSampler
}

// LoadSampler is the narrow capability the scheduler needs from
// internal/selfload.Reader.
type LoadSampler interface {
	Sample(ctx context.Context) (selfload.Snapshot, error)
}

// taskHandle tracks one in-flight verification goroutine.
type taskHandle struct {
	executorID string
	done       chan error
}

// Scheduler owns the per-strategy active-task maps and the three
// periodic loops.
type Scheduler struct {
	discoverer Discoverer
	lister     ExecutorLister
	engine     Engine
	sessions   *sshsession.Manager
	cfg        Config
	log        *telemetry.Logger

	mu          sync.RWMutex
	fullTasks   map[string]*taskHandle
	lightTasks  map[string]*taskHandle

	cronSchedule cron.Schedule

	stopCh chan struct{}
	stopOnce sync.Once
}

// New builds a Scheduler. If cfg.MaintenanceCron is set and fails to
// parse, maintenance gating is disabled rather than treated as fatal.
func New(discoverer Discoverer, lister ExecutorLister, engine Engine, sessions *sshsession.Manager, cfg Config, log *telemetry.Logger) *Scheduler {
	s := &Scheduler{
		discoverer: discoverer,
		lister:     lister,
		engine:     engine,
		sessions:   sessions,
		cfg:        cfg,
		log:        log,
		fullTasks:  make(map[string]*taskHandle),
		lightTasks: make(map[string]*taskHandle),
		stopCh:     make(chan struct{}),
	}
	if cfg.MaintenanceCron != "" {
		if sched, err := cron.ParseStandard(cfg.MaintenanceCron); err == nil {
			s.cronSchedule = sched
		} else {
			log.WithFields(nil).WithError(err).Warn("invalid maintenance cron expression, gating disabled")
		}
	}
	return s
}

// Start launches the full loop, lightweight loop, and cleanup loop.
// It returns immediately; loops run until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runLoop(ctx, s.cfg.FullInterval, verifdomain.StrategyFull, s.fullTasks)
	go s.runLoop(ctx, s.cfg.LightInterval, verifdomain.StrategyLightweight, s.lightTasks)
	go s.runCleanupLoop(ctx)
}

// Stop signals all loops to exit. Outstanding tasks are left to be
// aborted by ctx cancellation upstream; their SSH locks evaporate with
// the task goroutine.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration, strategy verifdomain.Strategy, tasks map[string]*taskHandle) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if strategy == verifdomain.StrategyFull && !s.inMaintenanceWindow() {
				continue
			}
			s.tick(ctx, strategy, tasks)
		}
	}
}

// inMaintenanceWindow reports whether a Full run is allowed right now.
// With no maintenance window configured, Full runs are always allowed.
// With one configured, Full runs are gated to the minute the cron
// expression fires: the schedule's next occurrence after "one minute
// ago" must be no later than now.
func (s *Scheduler) inMaintenanceWindow() bool {
	if s.cronSchedule == nil {
		return true
	}
	next := s.cronSchedule.Next(time.Now().Add(-time.Minute))
	return !next.After(time.Now())
}

func (s *Scheduler) tick(ctx context.Context, strategy verifdomain.Strategy, tasks map[string]*taskHandle) {
	results, err := s.discoverer.Discover(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("discovery cycle failed")
		return
	}
	if err := s.lister.SyncFromDiscovery(ctx, results); err != nil {
		s.log.WithContext(ctx).WithError(err).Error("executor sync failed")
		return
	}

	execs, err := s.lister.ListSchedulable(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("list schedulable executors failed")
		return
	}

	budget := s.concurrencyBudget(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	spawned := 0
	for _, ex := range execs {
		if budget > 0 && spawned >= budget {
			break
		}
		if _, busy := tasks[ex.ID]; busy {
			continue
		}
		handle := &taskHandle{executorID: ex.ID, done: make(chan error, 1)}
		tasks[ex.ID] = handle
		go s.runTask(ctx, ex, handle)
		spawned++
	}
}

// concurrencyBudget samples the validator's own load and returns how
// many new tasks this tick may spawn. 0 means uncapped: either no
// SelfLoad reader is configured, or no MaxConcurrentTasks ceiling was
// set to scale down from.
func (s *Scheduler) concurrencyBudget(ctx context.Context) int {
	if s.cfg.SelfLoad == nil || s.cfg.MaxConcurrentTasks <= 0 {
		return 0
	}
	snap, err := s.cfg.SelfLoad.Sample(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("self-load sample failed, running uncapped this tick")
		return 0
	}
	return selfload.ConcurrencyBudget(snap, s.cfg.MaxConcurrentTasks)
}

func (s *Scheduler) runTask(ctx context.Context, ex executor.Executor, handle *taskHandle) {
	defer func() {
		if r := recover(); r != nil {
			handle.done <- fmt.Errorf("verification task for executor %s panicked: %v", ex.ID, r)
		}
	}()
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.ChallengeTimeout)
	defer cancel()

	_, err := s.engine.Run(taskCtx, Task{ExecutorID: ex.ID, MinerUID: ex.MinerUID})
	handle.done <- err
}

// runCleanupLoop awaits finished task handles, prunes the active-task
// maps, and surfaces panics recovered by the task goroutines.
func (s *Scheduler) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pruneFinished(ctx, s.fullTasks)
			s.pruneFinished(ctx, s.lightTasks)
		}
	}
}

func (s *Scheduler) pruneFinished(ctx context.Context, tasks map[string]*taskHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, handle := range tasks {
		select {
		case err := <-handle.done:
			if err != nil {
				s.log.WithContext(ctx).WithError(err).Warn("verification task finished with error")
			}
			delete(tasks, id)
		default:
			// still running
		}
	}
}
