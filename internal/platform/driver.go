// Package platform defines the interface every CI platform backend must
// satisfy: issuing a one-shot registration credential, reporting runner
// health, and answering whether a reactive job has been picked up.
package platform

import (
	"context"

	"github.com/thpham/runnerfleet/internal/identity"
)

// Credential is the one-shot registration secret handed to a freshly
// launched instance via the cloud driver's metadata channel. It is never
// retrievable again after issuance.
type Credential struct {
	Token     string
	ExpiresAt string
}

// RunnersHealthResponse is the bulk result of GetRunnersHealth over a
// requested set of identities.
//
// Requested holds the platform's view for every asked-about identity it
// successfully answered for; an identity from the request missing here
// (and from FailedRequested) simply has no platform registration yet.
// FailedRequested lists asked-about identities whose individual query
// failed transiently — their health is unknowable this pass, not absent.
// NonRequested lists identities the platform reports that were not part
// of the request at all: stale registrations left behind by a process
// that no longer tracks them, the source of truth for ghost reaping.
type RunnersHealthResponse struct {
	Requested       map[identity.RunnerIdentity]identity.PlatformRunnerHealth
	FailedRequested []identity.RunnerIdentity
	NonRequested    []identity.RunnerIdentity
}

// Driver is the platform driver interface.
type Driver interface {
	// IssueCredential registers a new runner and returns its one-shot
	// token plus the platform's initial view of it.
	IssueCredential(ctx context.Context, id identity.RunnerIdentity, labels []string) (Credential, identity.PlatformRunnerHealth, error)
	// GetRunnersHealth reports the current platform-side state for a set
	// of identities, used by the reconciler's join.
	GetRunnersHealth(ctx context.Context, ids []identity.RunnerIdentity) (RunnersHealthResponse, error)
	// GetRunnerHealth reports the current platform-side state for one
	// identity, used during the create-runners readiness wait.
	GetRunnerHealth(ctx context.Context, id identity.RunnerIdentity) (identity.PlatformRunnerHealth, error)
	// DeleteRunner unregisters a runner. Deleting an unknown runner is
	// not an error.
	DeleteRunner(ctx context.Context, id identity.RunnerIdentity) error
	// CheckJobDispatched reports whether the job at jobURL has been
	// picked up by any runner yet, used by the reactive consumer to
	// decide whether to keep waiting or give up and requeue.
	CheckJobDispatched(ctx context.Context, meta identity.RunnerMetadata, jobURL string) (bool, error)
	// GetRemovalToken returns a short-lived token the lifecycle manager
	// hands to an instance for self-removal over SSH before the cloud
	// driver destroys it.
	GetRemovalToken(ctx context.Context) (string, error)
}
