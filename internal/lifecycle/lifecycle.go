// Package lifecycle implements the runner lifecycle manager: creating
// runners with a bounded readiness wait, deleting them with best-effort
// graceful shutdown, flushing idle or all runners on demand, and reaping
// orphans left behind by a previous, interrupted pass.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/thpham/runnerfleet/internal/cloud"
	"github.com/thpham/runnerfleet/internal/identity"
	"github.com/thpham/runnerfleet/internal/metrics"
	"github.com/thpham/runnerfleet/internal/platform"
	"github.com/thpham/runnerfleet/internal/rferrors"
)

// FlushMode selects which runners FlushRunners targets.
type FlushMode string

const (
	FlushIdle FlushMode = "idle"
	FlushBusy FlushMode = "busy"
)

// Config bounds the manager's behaviour.
type Config struct {
	Prefix            string
	Concurrency       int
	ReadinessSchedule []time.Duration
	Grace             identity.GraceConfig
	Image             string
	MemSizeMib        int64
	VcpuCount         int64
	KernelPath        string
	KernelArgs        string
}

// Manager implements the runner lifecycle operations: issuing a platform
// credential, launching the backing instance, waiting for it to register as
// healthy, and tearing it down again.
type Manager struct {
	cfg      Config
	cloud    cloud.Driver
	platform platform.Driver
	metrics  metrics.Sink
	log      *logrus.Logger

	mu       sync.Mutex
	runners  map[string]identity.RunnerIdentity // InstanceID string -> identity
}

// NewManager builds a lifecycle manager over a cloud and platform driver
// pair.
func NewManager(cfg Config, cloudDriver cloud.Driver, platformDriver platform.Driver, sink metrics.Sink, log *logrus.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		cloud:    cloudDriver,
		platform: platformDriver,
		metrics:  sink,
		log:      log,
		runners:  make(map[string]identity.RunnerIdentity),
	}
}

// CreateRunners launches n new instances in parallel, bounded by
// cfg.Concurrency. Each goes through credential issuance, launch, and a
// bounded readiness wait; a stillborn runner that never becomes visible to
// the platform within the readiness schedule is torn down rather than left
// behind as a leak.
func (m *Manager) CreateRunners(ctx context.Context, n int, reactive bool, labels []string) ([]identity.InstanceID, error) {
	if n <= 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		created []identity.InstanceID
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency())

	for i := 0; i < n; i++ {
		g.Go(func() error {
			id, err := m.createOne(gctx, reactive, labels)
			if err != nil {
				m.log.WithError(err).Warn("failed to create runner")
				return nil // one failed creation does not abort the batch
			}
			mu.Lock()
			created = append(created, id)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return created, nil
}

func (m *Manager) createOne(ctx context.Context, reactive bool, labels []string) (identity.InstanceID, error) {
	instanceID := identity.BuildInstanceID(m.cfg.Prefix, reactive)
	runnerIdentity := identity.RunnerIdentity{InstanceID: instanceID}

	cred, platformHealth, err := m.platform.IssueCredential(ctx, runnerIdentity, labels)
	if err != nil {
		return identity.InstanceID{}, fmt.Errorf("failed to issue credential for %s: %w", instanceID, err)
	}
	runnerIdentity.Metadata = platformHealth.Identity.Metadata

	spec := cloud.LaunchSpec{
		MemSizeMib: m.cfg.MemSizeMib,
		VcpuCount:  m.cfg.VcpuCount,
		KernelPath: m.cfg.KernelPath,
		KernelArgs: m.cfg.KernelArgs,
		Image:      m.cfg.Image,
		Metadata: map[string]interface{}{
			"runner_token": cred.Token,
			"runner_id":    runnerIdentity.Metadata.RunnerID,
			"instance_id":  instanceID.String(),
		},
	}

	inst, err := m.cloud.Launch(ctx, instanceID, spec)
	if err != nil {
		_ = m.platform.DeleteRunner(ctx, runnerIdentity)
		return identity.InstanceID{}, fmt.Errorf("failed to launch instance %s: %w", instanceID, err)
	}

	m.track(runnerIdentity)
	reactiveFlag := reactive
	m.metrics.Record(metrics.Event{Event: metrics.EventRunnerStart, Timestamp: time.Now(), InstanceID: instanceID.String(), Reactive: &reactiveFlag})

	if !m.waitReady(ctx, runnerIdentity) {
		m.log.WithField("instance_id", instanceID.String()).Warn("runner never became ready, tearing down")
		_ = m.cloud.Delete(ctx, inst.InstanceID)
		_ = m.platform.DeleteRunner(ctx, runnerIdentity)
		m.untrack(instanceID)
		m.metrics.Record(metrics.Event{Event: metrics.EventRunnerStop, Timestamp: time.Now(), InstanceID: instanceID.String(), Reactive: &reactiveFlag, Reason: "stillborn"})
		return identity.InstanceID{}, fmt.Errorf("%s: %w", instanceID, rferrors.ErrTransient)
	}

	m.metrics.Record(metrics.Event{Event: metrics.EventRunnerInstalled, Timestamp: time.Now(), InstanceID: instanceID.String(), Reactive: &reactiveFlag})
	return instanceID, nil
}

// waitReady polls the platform driver on the configured back-off schedule
// until the runner reports in, or the schedule is exhausted.
func (m *Manager) waitReady(ctx context.Context, id identity.RunnerIdentity) bool {
	schedule := m.cfg.ReadinessSchedule
	if len(schedule) == 0 {
		schedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	}

	for _, wait := range schedule {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		health, err := m.platform.GetRunnerHealth(ctx, id)
		if err != nil {
			continue
		}
		if health.State == identity.PlatformIdle || health.State == identity.PlatformBusy || health.Deletable {
			return true
		}
	}
	return false
}

// DeleteRunners tears down the given instances: best-effort graceful
// shutdown over SSH, then cloud delete, then platform delete. SSH failure
// downgrades to a forced delete but the runner stop is still recorded.
func (m *Manager) DeleteRunners(ctx context.Context, ids []identity.InstanceID, reason string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency())

	for _, id := range ids {
		g.Go(func() error {
			m.deleteOne(gctx, id, reason)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) deleteOne(ctx context.Context, id identity.InstanceID, reason string) {
	runnerIdentity, ok := m.lookup(id)
	if !ok {
		runnerIdentity = identity.RunnerIdentity{InstanceID: id}
	}

	instances, err := m.cloud.List(ctx)
	if err == nil {
		for _, inst := range instances {
			if inst.InstanceID == id && inst.SSHAddress != "" {
				if ch, sshErr := m.cloud.OpenSSH(ctx, inst); sshErr == nil {
					_, _ = ch.Run(ctx, "runnerfleet-agent shutdown")
					_ = ch.Close()
				}
				break
			}
		}
	}

	if err := m.cloud.Delete(ctx, id); err != nil {
		m.log.WithError(err).WithField("instance_id", id.String()).Warn("failed to delete cloud instance")
	}
	if err := m.platform.DeleteRunner(ctx, runnerIdentity); err != nil {
		m.log.WithError(err).WithField("instance_id", id.String()).Warn("failed to delete platform runner")
	}
	m.untrack(id)

	reactive := id.Reactive()
	m.metrics.Record(metrics.Event{Event: metrics.EventRunnerStop, Timestamp: time.Now(), InstanceID: id.String(), Reactive: &reactive, Reason: reason})
}

// FlushRunners tears down all cloud instances matching mode: FlushIdle
// targets every instance the platform does not report as busy (including
// untracked instances and those whose health query fails), FlushBusy
// targets every instance the cloud driver lists.
func (m *Manager) FlushRunners(ctx context.Context, mode FlushMode) (int, error) {
	instances, err := m.cloud.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	var targets []identity.InstanceID
	for _, inst := range instances {
		if mode == FlushBusy {
			targets = append(targets, inst.InstanceID)
			continue
		}
		runnerIdentity, ok := m.lookup(inst.InstanceID)
		if !ok {
			targets = append(targets, inst.InstanceID)
			continue
		}
		health, err := m.platform.GetRunnerHealth(ctx, runnerIdentity)
		if err != nil || health.State != identity.PlatformBusy {
			targets = append(targets, inst.InstanceID)
		}
	}

	if err := m.DeleteRunners(ctx, targets, "flush"); err != nil {
		return len(targets), err
	}
	if err := m.cloud.Cleanup(ctx); err != nil {
		m.log.WithError(err).Warn("cloud cleanup failed after flush")
	}
	return len(targets), nil
}

// Cleanup reaps ghost platform registrations (reported by the platform but
// never tracked by this process), tracked identities whose cloud instance
// has disappeared, unhealthy cloud instances (per identity.JoinHealth), and
// then asks the cloud driver to reclaim its own orphaned resources.
func (m *Manager) Cleanup(ctx context.Context) error {
	instances, err := m.cloud.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	known := make(map[string]identity.CloudRunnerInstance, len(instances))
	for _, inst := range instances {
		known[inst.InstanceID.String()] = inst
	}

	tracked := m.Runners()
	healthResp, err := m.platform.GetRunnersHealth(ctx, tracked)
	if err != nil {
		m.log.WithError(err).Warn("failed to fetch bulk platform health during cleanup")
		healthResp = platform.RunnersHealthResponse{FailedRequested: tracked}
	}
	failedQuery := make(map[identity.RunnerIdentity]struct{}, len(healthResp.FailedRequested))
	for _, ri := range healthResp.FailedRequested {
		failedQuery[ri] = struct{}{}
	}

	// Ghost reap: platform registrations this process never tracked at
	// all (the platform's non_requested set). No cloud instance to touch.
	// Registrations outside this manager's prefix are never touched.
	for _, g := range healthResp.NonRequested {
		if !g.InstanceID.Owns(m.cfg.Prefix) {
			continue
		}
		if err := m.platform.DeleteRunner(ctx, g); err != nil {
			m.log.WithError(err).WithField("instance_id", g.InstanceID.String()).Warn("failed to reap ghost platform registration")
		}
	}

	// Orphaned tracking reap: identities this process still tracks whose
	// cloud instance is gone. Their platform registration, if any, is
	// released and the stale tracking entry is dropped.
	for _, runnerIdentity := range tracked {
		if _, ok := known[runnerIdentity.InstanceID.String()]; ok {
			continue
		}
		if err := m.platform.DeleteRunner(ctx, runnerIdentity); err != nil {
			m.log.WithError(err).WithField("instance_id", runnerIdentity.InstanceID.String()).Warn("failed to reap orphaned platform registration")
		}
		m.untrack(runnerIdentity.InstanceID)
	}

	// Unhealthy reap: join cloud state with platform state and age. A
	// runner whose platform query failed transiently is UNKNOWN and left
	// untouched rather than aged into Unhealthy.
	var unhealthy []identity.InstanceID
	for _, inst := range instances {
		runnerIdentity, isTracked := m.lookup(inst.InstanceID)
		if isTracked {
			if _, failed := failedQuery[runnerIdentity]; failed {
				continue
			}
		}
		var health *identity.PlatformRunnerHealth
		if isTracked {
			if h, ok := healthResp.Requested[runnerIdentity]; ok {
				health = &h
			}
		}
		age := time.Since(inst.CreatedAt)
		verdict := identity.JoinHealth(inst, health, age, m.cfg.Grace)
		if verdict == identity.Unhealthy {
			unhealthy = append(unhealthy, inst.InstanceID)
		}
	}
	if len(unhealthy) > 0 {
		if err := m.DeleteRunners(ctx, unhealthy, "unhealthy"); err != nil {
			m.log.WithError(err).Warn("failed to reap some unhealthy instances")
		}
	}

	return m.cloud.Cleanup(ctx)
}

func (m *Manager) track(id identity.RunnerIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[id.InstanceID.String()] = id
}

func (m *Manager) untrack(id identity.InstanceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, id.String())
}

func (m *Manager) lookup(id identity.InstanceID) (identity.RunnerIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runnerIdentity, ok := m.runners[id.String()]
	return runnerIdentity, ok
}

func (m *Manager) concurrency() int {
	if m.cfg.Concurrency <= 0 {
		return 4
	}
	return m.cfg.Concurrency
}

// Runners returns a snapshot of currently tracked identities, used by the
// reconciler to compute the base-mode diff.
func (m *Manager) Runners() []identity.RunnerIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.RunnerIdentity, 0, len(m.runners))
	for _, id := range m.runners {
		out = append(out, id)
	}
	return out
}

// ListInstances exposes the cloud driver's own view, scoped to this
// manager's prefix, for callers (the reconciler) that need the cloud-side
// CreatedAt/Status alongside the tracked identity.
func (m *Manager) ListInstances(ctx context.Context) ([]identity.CloudRunnerInstance, error) {
	return m.cloud.List(ctx)
}
