// Package scaler implements the control loop that decides, on each tick,
// whether the fleet is running in base or reactive mode and drives the
// corresponding reconciliation.
package scaler

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/reconcile"
)

// QueueSizer reports the current depth of the reactive queue and can push
// the end-of-processing sentinel to retire one consumer.
type QueueSizer interface {
	Size(ctx context.Context) (int64, error)
	PushSentinel(ctx context.Context) error
}

// Config bounds the scaler's behaviour.
type Config struct {
	BaseQuantity   int
	ReconcileEvery time.Duration

	// Reactive is nil when the fleet runs in base mode only.
	Reactive *ReactiveConfig
}

// ReactiveConfig configures the demand-driven consumer pool.
type ReactiveConfig struct {
	MaxQuantity  int
	WorkerBinary string // path to this binary, re-invoked as "reactive-worker"
	ConfigPath   string
}

// Scaler runs Tick on a timer and exposes Nudge for out-of-band re-checks.
type Scaler struct {
	cfg         Config
	reconciler  *reconcile.Reconciler
	queue       QueueSizer
	log         *logrus.Logger
	nudge       chan struct{}

	mu      sync.Mutex
	workers []*exec.Cmd
}

// NewScaler builds a Scaler over a reconciler and, optionally, a reactive
// queue size reporter.
func NewScaler(cfg Config, reconciler *reconcile.Reconciler, queue QueueSizer, log *logrus.Logger) *Scaler {
	return &Scaler{
		cfg:        cfg,
		reconciler: reconciler,
		queue:      queue,
		log:        log,
		nudge:      make(chan struct{}, 1),
	}
}

// Nudge requests an immediate re-check, coalescing with any pending
// request so a burst of nudges never queues more than one extra tick.
func (s *Scaler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run drives Tick on cfg.ReconcileEvery until ctx is cancelled, also firing
// immediately on Nudge.
func (s *Scaler) Run(ctx context.Context) error {
	interval := s.cfg.ReconcileEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.log.WithError(err).Warn("reconciliation tick failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.nudge:
		}
	}
}

// Tick chooses reactive or base mode and drives one reconciliation pass.
func (s *Scaler) Tick(ctx context.Context) error {
	if s.cfg.Reactive != nil {
		return s.tickReactive(ctx)
	}
	_, err := s.reconciler.ReconcileBase(ctx, s.cfg.BaseQuantity)
	return err
}

// tickReactive sizes the consumer-process pool to
// min(queueDepth, maxQuantity - currentReactiveRunners), spawning or
// retiring reactive-worker child processes to match, then still runs the
// base reconciler (at BaseQuantity, typically 0 in pure-reactive setups)
// to reap anything the consumers themselves created.
func (s *Scaler) tickReactive(ctx context.Context) error {
	depth, err := s.queue.Size(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to read queue depth")
		depth = 0
	}

	s.mu.Lock()
	current := len(s.workers)
	s.mu.Unlock()

	target := int(depth)
	if target > s.cfg.Reactive.MaxQuantity-current {
		target = s.cfg.Reactive.MaxQuantity - current
	}
	if target < 0 {
		target = 0
	}

	switch {
	case target > current:
		for i := 0; i < target-current; i++ {
			s.spawnWorker()
		}
	case target < current:
		for i := 0; i < current-target; i++ {
			if err := s.queue.PushSentinel(ctx); err != nil {
				s.log.WithError(err).Warn("failed to push retirement sentinel")
			}
		}
	}

	_, err = s.reconciler.ReconcileBase(ctx, s.cfg.BaseQuantity)
	return err
}

func (s *Scaler) spawnWorker() {
	if s.cfg.Reactive.WorkerBinary == "" {
		return
	}
	cmd := exec.Command(s.cfg.Reactive.WorkerBinary, "reactive-worker", "--config", s.cfg.Reactive.ConfigPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		s.log.WithError(err).Warn("failed to spawn reactive worker")
		return
	}
	s.mu.Lock()
	s.workers = append(s.workers, cmd)
	s.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		for i, w := range s.workers {
			if w == cmd {
				s.workers = append(s.workers[:i], s.workers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()
}
