package reconcile

import (
	"testing"
	"time"

	"github.com/thpham/runnerfleet/internal/identity"
)

// testGrace is generous enough that every view() call in this file with
// age <= time.Minute falls within grace; tests that need to exercise the
// past-grace branch pass a larger age explicitly.
var testGrace = identity.GraceConfig{StartupGrace: time.Hour, BuildGrace: time.Hour}

// view builds a runnerView the way enumerate would: the verdict is
// computed by the real JoinHealth join rather than hand-set, so a test
// can never assert a bucket that the live reconcile path cannot reach.
func view(name string, state identity.PlatformRunnerState, age time.Duration) runnerView {
	id := identity.RunnerIdentity{InstanceID: mustParse(name)}
	inst := identity.CloudRunnerInstance{InstanceID: id.InstanceID, Status: identity.CloudActive, CreatedAt: time.Now().Add(-age)}
	health := &identity.PlatformRunnerHealth{State: state}
	verdict := identity.JoinHealth(inst, health, age, testGrace)
	return runnerView{identity: id, instance: inst, health: health, verdict: verdict}
}

func mustParse(name string) identity.InstanceID {
	id, err := identity.ParseInstanceID(name)
	if err != nil {
		panic(err)
	}
	return id
}

// TestPickDeletionSetPrefersOfflineThenIdleOverBusy mirrors the scenario
// of three runners (busy, idle, offline-healthy) with a base quantity of
// one: the offline-healthy runner is picked first, then the idle one, and
// the busy runner is kept.
func TestPickDeletionSetPrefersOfflineThenIdleOverBusy(t *testing.T) {
	views := []runnerView{
		view("fleet-non-reactive-a", identity.PlatformBusy, time.Minute),
		view("fleet-non-reactive-b", identity.PlatformIdle, time.Minute),
		view("fleet-non-reactive-c", identity.PlatformOffline, time.Minute),
	}

	picked := pickDeletionSet(views, 2)
	if len(picked) != 2 {
		t.Fatalf("len(picked) = %d, want 2", len(picked))
	}
	if picked[0].String() != "fleet-non-reactive-c" {
		t.Fatalf("picked %v, want offline-healthy runner first", picked[0])
	}
	if picked[1].String() != "fleet-non-reactive-b" {
		t.Fatalf("picked %v, want idle runner second", picked[1])
	}
}

func TestPickDeletionSetFallsThroughToBusyWhenNecessary(t *testing.T) {
	views := []runnerView{
		view("fleet-non-reactive-a", identity.PlatformBusy, time.Minute),
	}
	picked := pickDeletionSet(views, 1)
	if len(picked) != 1 || picked[0].String() != "fleet-non-reactive-a" {
		t.Fatalf("picked = %v, want the only (busy) runner", picked)
	}
}

func TestPickDeletionSetZeroOrNegativeReturnsNil(t *testing.T) {
	views := []runnerView{view("fleet-non-reactive-a", identity.PlatformIdle, 0)}
	if picked := pickDeletionSet(views, 0); picked != nil {
		t.Fatalf("pickDeletionSet(views, 0) = %v, want nil", picked)
	}
	if picked := pickDeletionSet(views, -1); picked != nil {
		t.Fatalf("pickDeletionSet(views, -1) = %v, want nil", picked)
	}
}

// TestPickDeletionSetExcludesOfflinePastGrace confirms a runner that has
// gone offline past startup grace is Unhealthy (not Healthy), so it is
// never handed to pickDeletionSet as a live deletion candidate; it is
// instead reaped separately as unhealthy.
func TestPickDeletionSetExcludesOfflinePastGrace(t *testing.T) {
	stale := view("fleet-non-reactive-a", identity.PlatformOffline, 2*time.Hour)
	if stale.verdict != identity.Unhealthy {
		t.Fatalf("offline past grace verdict = %v, want Unhealthy", stale.verdict)
	}
	if picked := pickDeletionSet([]runnerView{stale}, 1); len(picked) != 0 {
		t.Fatalf("pickDeletionSet picked an Unhealthy runner: %v", picked)
	}
}
