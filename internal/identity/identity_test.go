package identity

import (
	"testing"
	"time"
)

func TestInstanceIDRoundTrip(t *testing.T) {
	cases := []struct {
		prefix   string
		reactive bool
	}{
		{"runnerfleet", false},
		{"runnerfleet", true},
		{"ci-pool-a", true},
	}
	for _, c := range cases {
		id := BuildInstanceID(c.prefix, c.reactive)
		parsed, err := ParseInstanceID(id.String())
		if err != nil {
			t.Fatalf("ParseInstanceID(%q): %v", id.String(), err)
		}
		if parsed != id {
			t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, id)
		}
		if !id.Owns(c.prefix) {
			t.Fatalf("Owns(%q) = false, want true", c.prefix)
		}
		if id.Owns(c.prefix + "-other") {
			t.Fatalf("Owns(%q) = true, want false", c.prefix+"-other")
		}
	}
}

func TestParseInstanceIDRejectsMalformed(t *testing.T) {
	for _, name := range []string{"", "noprefix", "prefix-unknown-tag-suffix", "prefix-reactive-"} {
		if _, err := ParseInstanceID(name); err == nil {
			t.Fatalf("ParseInstanceID(%q) expected error, got nil", name)
		}
	}
}

func TestJoinHealth(t *testing.T) {
	grace := GraceConfig{StartupGrace: time.Minute, BuildGrace: time.Minute}

	cloud := CloudRunnerInstance{Status: CloudActive}
	busy := &PlatformRunnerHealth{State: PlatformBusy}
	idle := &PlatformRunnerHealth{State: PlatformIdle}
	offlineHealthy := &PlatformRunnerHealth{State: PlatformOffline}

	if got := JoinHealth(cloud, busy, 10*time.Second, grace); got != Healthy {
		t.Fatalf("active+busy within grace = %v, want Healthy", got)
	}
	if got := JoinHealth(cloud, idle, 10*time.Second, grace); got != Healthy {
		t.Fatalf("active+idle within grace = %v, want Healthy", got)
	}
	if got := JoinHealth(cloud, offlineHealthy, 10*time.Second, grace); got != Healthy {
		t.Fatalf("active+offline within grace = %v, want Healthy (still booting)", got)
	}
	if got := JoinHealth(cloud, offlineHealthy, 2*time.Minute, grace); got != Unhealthy {
		t.Fatalf("active+offline past grace = %v, want Unhealthy", got)
	}
	if got := JoinHealth(cloud, nil, 10*time.Second, grace); got != Healthy {
		t.Fatalf("active+no-platform-record within grace = %v, want Healthy (still booting)", got)
	}
	if got := JoinHealth(cloud, nil, 2*time.Minute, grace); got != Unhealthy {
		t.Fatalf("active+no-platform-record past grace = %v, want Unhealthy", got)
	}
	deletable := &PlatformRunnerHealth{State: PlatformIdle, Deletable: true}
	if got := JoinHealth(cloud, deletable, 10*time.Second, grace); got != Unhealthy {
		t.Fatalf("active+deletable = %v, want Unhealthy", got)
	}

	building := CloudRunnerInstance{Status: CloudBuilding}
	if got := JoinHealth(building, nil, 10*time.Second, grace); got != Healthy {
		t.Fatalf("building within grace = %v, want Healthy (still booting)", got)
	}
	if got := JoinHealth(building, nil, 2*time.Minute, grace); got != Unhealthy {
		t.Fatalf("building past grace = %v, want Unhealthy", got)
	}

	errored := CloudRunnerInstance{Status: CloudError}
	if got := JoinHealth(errored, nil, 0, grace); got != Unhealthy {
		t.Fatalf("errored = %v, want Unhealthy", got)
	}
}
