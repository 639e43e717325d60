// Package reconcile implements the base-mode reconciler: it diffs the
// expected base quantity against the observed healthy population and
// creates or deletes runners to close the gap, preferring to delete the
// least useful runners first.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/identity"
	"github.com/thpham/runnerfleet/internal/lifecycle"
	"github.com/thpham/runnerfleet/internal/metrics"
	"github.com/thpham/runnerfleet/internal/platform"
)

// Result summarizes one reconciliation pass.
type Result struct {
	Created         int
	Deleted         int
	IdleRunners     int
	ActiveRunners   int
	CrashedRunners  int
	ExpectedRunners int
	Duration        time.Duration
}

// Reconciler drives ReconcileBase.
type Reconciler struct {
	lifecycleMgr *lifecycle.Manager
	platform     platform.Driver
	grace        identity.GraceConfig
	metrics      metrics.Sink
	log          *logrus.Logger

	startCount int64
	stopCount  int64
}

// NewReconciler builds a Reconciler over a lifecycle manager.
func NewReconciler(lifecycleMgr *lifecycle.Manager, platformDriver platform.Driver, grace identity.GraceConfig, sink metrics.Sink, log *logrus.Logger) *Reconciler {
	return &Reconciler{lifecycleMgr: lifecycleMgr, platform: platformDriver, grace: grace, metrics: sink, log: log}
}

// runnerView is the reconciler's per-runner working state: its identity,
// its cloud-side instance, and the health verdict joining the two.
type runnerView struct {
	identity identity.RunnerIdentity
	instance identity.CloudRunnerInstance
	health   *identity.PlatformRunnerHealth
	verdict  identity.HealthVerdict
}

// ReconcileBase runs one reconciliation pass: cleanup, enumerate, diff
// against expectedQuantity, then create or delete to close the gap.
func (r *Reconciler) ReconcileBase(ctx context.Context, expectedQuantity int) (Result, error) {
	start := time.Now()

	if err := r.lifecycleMgr.Cleanup(ctx); err != nil {
		r.log.WithError(err).Warn("cleanup failed during reconciliation")
	}

	views, err := r.enumerate(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to enumerate runners: %w", err)
	}

	healthyCount := 0
	idle, busy, offlineHealthy := 0, 0, 0
	for _, v := range views {
		if v.verdict != identity.Healthy {
			continue
		}
		healthyCount++
		switch {
		case v.health != nil && v.health.State == identity.PlatformBusy:
			busy++
		case v.health != nil && v.health.State == identity.PlatformOffline:
			offlineHealthy++
		default:
			idle++
		}
	}

	diff := expectedQuantity - healthyCount

	result := Result{
		IdleRunners:     idle + offlineHealthy,
		ActiveRunners:   busy,
		ExpectedRunners: expectedQuantity,
	}

	switch {
	case diff > 0:
		created, err := r.lifecycleMgr.CreateRunners(ctx, diff, false, nil)
		if err != nil {
			r.log.WithError(err).Warn("failed to create runners during reconciliation")
		}
		result.Created = len(created)
		r.startCount += int64(len(created))
	case diff < 0:
		toDelete := pickDeletionSet(views, -diff)
		if len(toDelete) > 0 {
			if err := r.lifecycleMgr.DeleteRunners(ctx, toDelete, "scale-down"); err != nil {
				r.log.WithError(err).Warn("failed to delete runners during reconciliation")
			}
		}
		result.Deleted = len(toDelete)
		r.stopCount += int64(len(toDelete))
	}

	result.CrashedRunners = int(r.startCount - r.stopCount)
	if result.CrashedRunners < 0 {
		result.CrashedRunners = 0
	}
	result.Duration = time.Since(start)

	r.logRunners(idle, busy, offlineHealthy, len(views)-healthyCount)
	r.metrics.Record(metrics.Event{
		Event:           metrics.EventReconciliation,
		Timestamp:       time.Now(),
		Duration:        result.Duration,
		CrashedRunners:  result.CrashedRunners,
		IdleRunners:     result.IdleRunners,
		ActiveRunners:   result.ActiveRunners,
		ExpectedRunners: result.ExpectedRunners,
	})

	return result, nil
}

func (r *Reconciler) enumerate(ctx context.Context) ([]runnerView, error) {
	runners := r.lifecycleMgr.Runners()

	ids := make([]identity.RunnerIdentity, 0, len(runners))
	for _, ri := range runners {
		ids = append(ids, ri)
	}
	healthResp, err := r.platform.GetRunnersHealth(ctx, ids)
	if err != nil {
		r.log.WithError(err).Warn("failed to fetch bulk platform health")
		// A bulk failure leaves every requested identity's health
		// unknowable this pass, not merely missing: fold them all into
		// FailedRequested so none are mistaken for "not yet registered".
		healthResp = platform.RunnersHealthResponse{FailedRequested: ids}
	}
	failedQuery := make(map[identity.RunnerIdentity]struct{}, len(healthResp.FailedRequested))
	for _, ri := range healthResp.FailedRequested {
		failedQuery[ri] = struct{}{}
	}

	cloudInstances, err := r.lifecycleMgr.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cloud instances: %w", err)
	}
	instances := make(map[string]identity.CloudRunnerInstance, len(cloudInstances))
	for _, inst := range cloudInstances {
		instances[inst.InstanceID.String()] = inst
	}

	views := make([]runnerView, 0, len(runners))
	for _, ri := range runners {
		inst, ok := instances[ri.InstanceID.String()]
		if !ok {
			inst = identity.CloudRunnerInstance{InstanceID: ri.InstanceID, Status: identity.CloudUnknown}
		}

		if _, failed := failedQuery[ri]; failed {
			// A transient per-identity query failure is always UNKNOWN,
			// never aged into Unhealthy: the runner is left untouched and
			// retried on the next pass.
			views = append(views, runnerView{identity: ri, instance: inst, verdict: identity.Unknown})
			continue
		}

		var health *identity.PlatformRunnerHealth
		if h, ok := healthResp.Requested[ri]; ok {
			health = &h
		}
		verdict := identity.JoinHealth(inst, health, time.Since(inst.CreatedAt), r.grace)
		views = append(views, runnerView{identity: ri, instance: inst, health: health, verdict: verdict})
	}

	return views, nil
}

// logRunners emits a categorized runner-count log line on every
// reconciliation pass regardless of outcome.
func (r *Reconciler) logRunners(idle, busy, offlineHealthy, unhealthy int) {
	r.log.WithFields(logrus.Fields{
		"busy":            busy,
		"idle":            idle,
		"offline_healthy": offlineHealthy,
		"unhealthy":       unhealthy,
	}).Info("reconciliation runner counts")
}

// pickDeletionSet chooses which n runners to delete, preferring
// offline-healthy first, then idle, then busy; ties broken newest-first
// within each bucket so the longest-lived idle capacity survives.
func pickDeletionSet(views []runnerView, n int) []identity.InstanceID {
	if n <= 0 {
		return nil
	}

	var offlineHealthy, idle, busy []runnerView
	for _, v := range views {
		if v.verdict != identity.Healthy {
			continue
		}
		switch {
		case v.health != nil && v.health.State == identity.PlatformOffline:
			offlineHealthy = append(offlineHealthy, v)
		case v.health != nil && v.health.State == identity.PlatformBusy:
			busy = append(busy, v)
		default:
			idle = append(idle, v)
		}
	}

	newestFirst := func(vs []runnerView) {
		sort.Slice(vs, func(i, j int) bool {
			return vs[i].instance.CreatedAt.After(vs[j].instance.CreatedAt)
		})
	}
	newestFirst(offlineHealthy)
	newestFirst(idle)
	newestFirst(busy)

	var out []identity.InstanceID
	for _, bucket := range [][]runnerView{offlineHealthy, idle, busy} {
		for _, v := range bucket {
			if len(out) >= n {
				return out
			}
			out = append(out, v.identity.InstanceID)
		}
	}
	return out
}
