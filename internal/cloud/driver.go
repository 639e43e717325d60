// Package cloud defines the interface every IaaS backend must satisfy to
// back a runner fleet, independent of which hypervisor or cloud API
// actually launches the instance.
package cloud

import (
	"context"
	"io"

	"github.com/thpham/runnerfleet/internal/identity"
)

// LaunchSpec describes the VM to create. Metadata carries the
// platform-issued credential and any MMDS-delivered boot configuration.
type LaunchSpec struct {
	MemSizeMib int64
	VcpuCount  int64
	KernelPath string
	KernelArgs string
	Image      string
	Metadata   map[string]interface{}
}

// SSHChannel is a bidirectional channel into a running instance, used for
// best-effort graceful shutdown during DeleteRunners/FlushRunners.
type SSHChannel interface {
	io.ReadWriteCloser
	// Run executes a single command and returns its combined output.
	Run(ctx context.Context, cmd string) ([]byte, error)
}

// Driver is the cloud driver interface. Every call is scoped to the
// manager's own InstanceID prefix: List never returns, and Delete never
// touches, an instance this manager did not create.
type Driver interface {
	// Launch creates and starts a new instance under id.
	Launch(ctx context.Context, id identity.InstanceID, spec LaunchSpec) (identity.CloudRunnerInstance, error)
	// List enumerates instances owned by this manager's prefix.
	List(ctx context.Context) ([]identity.CloudRunnerInstance, error)
	// Delete destroys an instance. Deleting an instance that does not
	// exist is not an error.
	Delete(ctx context.Context, id identity.InstanceID) error
	// OpenSSH dials into a running instance for graceful in-VM shutdown.
	OpenSSH(ctx context.Context, inst identity.CloudRunnerInstance) (SSHChannel, error)
	// Cleanup reclaims orphaned driver-side resources (stale sockets,
	// leases, snapshots) that do not correspond to a tracked instance.
	Cleanup(ctx context.Context) error
}
