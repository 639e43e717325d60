package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/cloud"
	"github.com/thpham/runnerfleet/internal/identity"
	"github.com/thpham/runnerfleet/internal/metrics"
	"github.com/thpham/runnerfleet/internal/platform"
)

type fakeCloud struct {
	instances map[string]identity.CloudRunnerInstance
	deleted   []identity.InstanceID
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{instances: map[string]identity.CloudRunnerInstance{}}
}

func (f *fakeCloud) Launch(ctx context.Context, id identity.InstanceID, spec cloud.LaunchSpec) (identity.CloudRunnerInstance, error) {
	inst := identity.CloudRunnerInstance{InstanceID: id, Status: identity.CloudActive, CreatedAt: time.Now()}
	f.instances[id.String()] = inst
	return inst, nil
}

func (f *fakeCloud) List(ctx context.Context) ([]identity.CloudRunnerInstance, error) {
	out := make([]identity.CloudRunnerInstance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeCloud) Delete(ctx context.Context, id identity.InstanceID) error {
	f.deleted = append(f.deleted, id)
	delete(f.instances, id.String())
	return nil
}

func (f *fakeCloud) OpenSSH(ctx context.Context, inst identity.CloudRunnerInstance) (cloud.SSHChannel, error) {
	return nil, errors.New("ssh not available in test fake")
}

func (f *fakeCloud) Cleanup(ctx context.Context) error { return nil }

type fakePlatform struct {
	ready             bool
	readyViaDeletable bool
	nonRequested      []identity.RunnerIdentity

	deletedIdentities []identity.RunnerIdentity
}

func (f *fakePlatform) IssueCredential(ctx context.Context, id identity.RunnerIdentity, labels []string) (platform.Credential, identity.PlatformRunnerHealth, error) {
	return platform.Credential{Token: "tok"}, identity.PlatformRunnerHealth{Identity: id, State: identity.PlatformOffline}, nil
}

func (f *fakePlatform) GetRunnersHealth(ctx context.Context, ids []identity.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	requested := make(map[identity.RunnerIdentity]identity.PlatformRunnerHealth, len(ids))
	for _, id := range ids {
		state := identity.PlatformOffline
		if f.ready {
			state = identity.PlatformIdle
		}
		requested[id] = identity.PlatformRunnerHealth{Identity: id, State: state, Deletable: f.readyViaDeletable}
	}
	return platform.RunnersHealthResponse{Requested: requested, NonRequested: f.nonRequested}, nil
}

func (f *fakePlatform) GetRunnerHealth(ctx context.Context, id identity.RunnerIdentity) (identity.PlatformRunnerHealth, error) {
	state := identity.PlatformOffline
	if f.ready {
		state = identity.PlatformIdle
	}
	return identity.PlatformRunnerHealth{Identity: id, State: state, Deletable: f.readyViaDeletable}, nil
}

func (f *fakePlatform) DeleteRunner(ctx context.Context, id identity.RunnerIdentity) error {
	f.deletedIdentities = append(f.deletedIdentities, id)
	return nil
}

func (f *fakePlatform) CheckJobDispatched(ctx context.Context, meta identity.RunnerMetadata, jobURL string) (bool, error) {
	return false, nil
}

func (f *fakePlatform) GetRemovalToken(ctx context.Context) (string, error) { return "tok", nil }

func testManager(ready bool) (*Manager, *fakeCloud) {
	log := logrus.New()
	log.SetOutput(testDiscard{})
	c := newFakeCloud()
	p := &fakePlatform{ready: ready}
	cfg := Config{
		Prefix:            "fleet",
		Concurrency:       2,
		ReadinessSchedule: []time.Duration{time.Millisecond, time.Millisecond},
	}
	return NewManager(cfg, c, p, metrics.MultiSink{}, log), c
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }

func TestCreateRunnersTracksReadyRunners(t *testing.T) {
	mgr, _ := testManager(true)

	created, err := mgr.CreateRunners(context.Background(), 2, false, []string{"linux"})
	if err != nil {
		t.Fatalf("CreateRunners() error = %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("len(created) = %d, want 2", len(created))
	}
	if len(mgr.Runners()) != 2 {
		t.Fatalf("len(mgr.Runners()) = %d, want 2", len(mgr.Runners()))
	}
}

func TestCreateRunnersTearsDownStillbornRunners(t *testing.T) {
	mgr, cloudDrv := testManager(false)

	created, err := mgr.CreateRunners(context.Background(), 1, false, nil)
	if err != nil {
		t.Fatalf("CreateRunners() error = %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("len(created) = %d, want 0 (stillborn runner should be torn down)", len(created))
	}
	if len(mgr.Runners()) != 0 {
		t.Fatalf("stillborn runner left tracked: %v", mgr.Runners())
	}
	if len(cloudDrv.deleted) != 1 {
		t.Fatalf("stillborn runner was not deleted from the cloud driver")
	}
}

func TestCreateRunnersAcceptsDeletableAsReady(t *testing.T) {
	log := logrus.New()
	log.SetOutput(testDiscard{})
	c := newFakeCloud()
	p := &fakePlatform{ready: false, readyViaDeletable: true}
	cfg := Config{
		Prefix:            "fleet",
		Concurrency:       1,
		ReadinessSchedule: []time.Duration{time.Millisecond},
	}
	mgr := NewManager(cfg, c, p, metrics.MultiSink{}, log)

	created, err := mgr.CreateRunners(context.Background(), 1, false, nil)
	if err != nil {
		t.Fatalf("CreateRunners() error = %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("len(created) = %d, want 1 (deletable should count as ready even while offline)", len(created))
	}
}

func TestCleanupReapsGhostPlatformRegistrations(t *testing.T) {
	log := logrus.New()
	log.SetOutput(testDiscard{})
	c := newFakeCloud()

	ghostID, err := identity.ParseInstanceID("fleet-non-reactive-ghost")
	if err != nil {
		t.Fatalf("ParseInstanceID: %v", err)
	}
	ghost := identity.RunnerIdentity{InstanceID: ghostID}
	p := &fakePlatform{ready: true, nonRequested: []identity.RunnerIdentity{ghost}}
	cfg := Config{Prefix: "fleet", Concurrency: 1}
	mgr := NewManager(cfg, c, p, metrics.MultiSink{}, log)

	if err := mgr.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if len(p.deletedIdentities) != 1 || p.deletedIdentities[0] != ghost {
		t.Fatalf("deletedIdentities = %v, want [%v]", p.deletedIdentities, ghost)
	}
	if len(c.deleted) != 0 {
		t.Fatalf("ghost reap made a cloud call, want none: %v", c.deleted)
	}
}

func TestDeleteRunnersUntracksAndDeletes(t *testing.T) {
	mgr, cloudDrv := testManager(true)

	created, err := mgr.CreateRunners(context.Background(), 1, false, nil)
	if err != nil {
		t.Fatalf("CreateRunners() error = %v", err)
	}

	if err := mgr.DeleteRunners(context.Background(), created, "test"); err != nil {
		t.Fatalf("DeleteRunners() error = %v", err)
	}
	if len(mgr.Runners()) != 0 {
		t.Fatalf("runner still tracked after delete")
	}
	if len(cloudDrv.deleted) != 1 {
		t.Fatalf("cloud driver did not see the delete")
	}
}
