// Package firecracker implements the cloud driver interface on top of
// Firecracker microVMs managed through containerd.
package firecracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/leases"
	"github.com/containerd/containerd/mount"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/errdefs"
	"github.com/containerd/nerdctl/pkg/imgutil/dockerconfigresolver"
	"github.com/distribution/reference"
	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	imageidentity "github.com/opencontainers/image-spec/identity"
	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/cloud"
	"github.com/thpham/runnerfleet/internal/config"
	"github.com/thpham/runnerfleet/internal/identity"
)

const (
	// DefaultSnapshotter is the default containerd snapshotter for rootfs.
	DefaultSnapshotter = "devmapper"
	// DefaultNetworkName is the default CNI network name.
	DefaultNetworkName = "runnerfleet"
	// DefaultStateDir is the base directory for socket/log files.
	DefaultStateDir = "/var/lib/runnerfleet/instances"
)

type vmHandle struct {
	instance    identity.CloudRunnerInstance
	machine     *firecracker.Machine
	leaseCancel func(context.Context) error
	logFile     *os.File
	socketPath  string
}

// Manager implements cloud.Driver over Firecracker + containerd.
type Manager struct {
	cfg          *config.Config
	prefix       string
	log          *logrus.Logger
	containerd   *containerd.Client
	containerdMu sync.Mutex
	vms          map[string]*vmHandle
	vmsMu        sync.RWMutex
}

var _ cloud.Driver = (*Manager)(nil)

// NewManager connects to containerd and prepares the instance state
// directory, cleaning up anything left behind by a previous process.
func NewManager(cfg *config.Config, prefix string, log *logrus.Logger) (*Manager, error) {
	client, err := containerd.New(
		cfg.Containerd.Address,
		containerd.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		prefix:     prefix,
		log:        log,
		containerd: client,
		vms:        make(map[string]*vmHandle),
	}

	if err := os.MkdirAll(DefaultStateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	m.cleanupStaleResources()

	return m, nil
}

// cleanupStaleResources removes orphaned socket and log files from a
// previous process that crashed or was killed without a graceful shutdown.
func (m *Manager) cleanupStaleResources() {
	entries, err := os.ReadDir(DefaultStateDir)
	if err != nil {
		m.log.Warnf("failed to read state directory %s: %v", DefaultStateDir, err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sock" {
			continue
		}

		socketPath := filepath.Join(DefaultStateDir, entry.Name())
		if m.isSocketActive(socketPath) {
			continue
		}

		m.log.Infof("removing stale socket: %s", socketPath)
		if err := os.Remove(socketPath); err != nil {
			m.log.Warnf("failed to remove stale socket %s: %v", socketPath, err)
		}

		logPath := socketPath[:len(socketPath)-5] + ".log"
		if _, err := os.Stat(logPath); err == nil {
			if err := os.Remove(logPath); err != nil {
				m.log.Warnf("failed to remove stale log %s: %v", logPath, err)
			}
		}
	}
}

func (m *Manager) isSocketActive(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Close closes the containerd client.
func (m *Manager) Close() error {
	if m.containerd != nil {
		return m.containerd.Close()
	}
	return nil
}

// Launch implements cloud.Driver.
func (m *Manager) Launch(ctx context.Context, id identity.InstanceID, spec cloud.LaunchSpec) (identity.CloudRunnerInstance, error) {
	vmID := id.String()
	m.log.Infof("launching instance %s with %d MiB RAM and %d vCPUs", vmID, spec.MemSizeMib, spec.VcpuCount)

	nsCtx := namespaces.WithNamespace(ctx, m.cfg.Containerd.Namespace)

	image, err := m.ensureImage(nsCtx, spec.Image)
	if err != nil {
		return identity.CloudRunnerInstance{}, fmt.Errorf("failed to ensure image: %w", err)
	}

	leaseID := fmt.Sprintf("runnerfleet/%s", vmID)
	leaseCtx, leaseCancel, err := m.containerd.WithLease(nsCtx, leases.WithID(leaseID))
	if err != nil {
		return identity.CloudRunnerInstance{}, fmt.Errorf("failed to create containerd lease: %w", err)
	}

	snapshotMounts, err := m.createSnapshot(leaseCtx, image, vmID)
	if err != nil {
		_ = leaseCancel(nsCtx)
		return identity.CloudRunnerInstance{}, fmt.Errorf("failed to create snapshot: %w", err)
	}

	logFilePath := filepath.Join(DefaultStateDir, fmt.Sprintf("%s.log", vmID))
	logFile, err := os.Create(logFilePath)
	if err != nil {
		_ = leaseCancel(nsCtx)
		return identity.CloudRunnerInstance{}, fmt.Errorf("failed to create log file: %w", err)
	}

	socketPath := filepath.Join(DefaultStateDir, fmt.Sprintf("%s.sock", vmID))
	firecrackerBin := m.getFirecrackerBinary()

	machineCmd := firecracker.VMCommandBuilder{}.
		WithSocketPath(socketPath).
		WithStderr(logFile).
		WithStdout(logFile).
		WithBin(firecrackerBin).
		Build(context.Background())

	fcLogger := logrus.New()
	fcLogger.SetLevel(logrus.WarnLevel)
	fcLogger.SetOutput(io.Discard)

	vcpuCount := spec.VcpuCount
	memSizeMib := spec.MemSizeMib

	machine, err := firecracker.NewMachine(ctx, firecracker.Config{
		VMID:            vmID,
		SocketPath:      socketPath,
		KernelImagePath: spec.KernelPath,
		KernelArgs:      spec.KernelArgs,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpuCount,
			MemSizeMib: &memSizeMib,
		},
		Drives: []models.Drive{{
			DriveID:      firecracker.String("rootfs"),
			PathOnHost:   &snapshotMounts[0].Source,
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(false),
		}},
		NetworkInterfaces: []firecracker.NetworkInterface{{
			AllowMMDS: true,
			CNIConfiguration: &firecracker.CNIConfiguration{
				NetworkName: DefaultNetworkName,
				IfName:      "eth0",
				ConfDir:     m.cfg.CNI.ConfDir,
				BinPath:     []string{m.cfg.CNI.BinDir},
			},
		}},
		MmdsAddress:    net.IPv4(169, 254, 169, 254),
		MmdsVersion:    firecracker.MMDSv1,
		ForwardSignals: []os.Signal{},
	}, firecracker.WithProcessRunner(machineCmd), firecracker.WithLogger(logrus.NewEntry(fcLogger)))

	if err != nil {
		_ = logFile.Close()
		_ = leaseCancel(nsCtx)
		return identity.CloudRunnerInstance{}, fmt.Errorf("failed to create firecracker machine: %w", err)
	}

	if spec.Metadata != nil {
		versionData := map[string]interface{}{"meta-data": spec.Metadata}
		mmds := map[string]interface{}{
			"latest":     versionData,
			"2009-04-04": versionData,
		}
		machine.Handlers.FcInit = machine.Handlers.FcInit.Append(
			firecracker.NewSetMetadataHandler(mmds),
		)
	}

	if err := machine.Start(context.Background()); err != nil {
		_ = logFile.Close()
		_ = leaseCancel(nsCtx)
		return identity.CloudRunnerInstance{}, fmt.Errorf("failed to start firecracker VM: %w", err)
	}

	ipAddr := ""
	if len(machine.Cfg.NetworkInterfaces) > 0 {
		ni := machine.Cfg.NetworkInterfaces[0]
		if ni.StaticConfiguration != nil && ni.StaticConfiguration.IPConfiguration != nil {
			ipAddr = ni.StaticConfiguration.IPConfiguration.IPAddr.IP.String()
		}
	}

	inst := identity.CloudRunnerInstance{
		InstanceID: id,
		ServerID:   vmID,
		Status:     identity.CloudActive,
		CreatedAt:  time.Now(),
		SSHAddress: ipAddr,
	}

	handle := &vmHandle{
		instance:    inst,
		machine:     machine,
		leaseCancel: leaseCancel,
		logFile:     logFile,
		socketPath:  socketPath,
	}

	m.vmsMu.Lock()
	m.vms[vmID] = handle
	m.vmsMu.Unlock()

	m.log.Infof("instance %s started (ip: %s)", vmID, ipAddr)
	return inst, nil
}

// List implements cloud.Driver, scoped to this manager's own prefix.
func (m *Manager) List(ctx context.Context) ([]identity.CloudRunnerInstance, error) {
	m.vmsMu.RLock()
	defer m.vmsMu.RUnlock()

	instances := make([]identity.CloudRunnerInstance, 0, len(m.vms))
	for _, vm := range m.vms {
		if !vm.instance.InstanceID.Owns(m.prefix) {
			continue
		}
		instances = append(instances, vm.instance)
	}
	return instances, nil
}

// Delete implements cloud.Driver. Deleting an unknown instance is not an
// error, so repeated cleanup passes stay idempotent.
func (m *Manager) Delete(ctx context.Context, id identity.InstanceID) error {
	vmID := id.String()

	m.vmsMu.Lock()
	vm, ok := m.vms[vmID]
	if !ok {
		m.vmsMu.Unlock()
		return nil
	}
	delete(m.vms, vmID)
	m.vmsMu.Unlock()

	m.log.Infof("destroying instance %s", vmID)

	if vm.machine != nil {
		if err := vm.machine.StopVMM(); err != nil {
			m.log.Warnf("failed to stop VMM for %s: %v", vmID, err)
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = vm.machine.Wait(waitCtx)
		cancel()
	}

	if vm.leaseCancel != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		nsCtx := namespaces.WithNamespace(cancelCtx, m.cfg.Containerd.Namespace)
		if err := vm.leaseCancel(nsCtx); err != nil && !errdefs.IsNotFound(err) {
			m.log.Warnf("failed to remove containerd lease for %s: %v", vmID, err)
		}
		cancel()
	}

	if vm.logFile != nil {
		_ = vm.logFile.Close()
	}
	if vm.socketPath != "" {
		_ = os.Remove(vm.socketPath)
	}

	m.log.Infof("instance %s destroyed", vmID)
	return nil
}

// OpenSSH dials the instance's CNI-assigned address on port 22. The
// returned channel speaks a raw TCP stream; higher layers (internal/
// lifecycle) are responsible for any application-level protocol run over
// it (e.g. invoking a pre-provisioned shutdown script).
func (m *Manager) OpenSSH(ctx context.Context, inst identity.CloudRunnerInstance) (cloud.SSHChannel, error) {
	if inst.SSHAddress == "" {
		return nil, fmt.Errorf("instance %s has no assigned address", inst.InstanceID)
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(inst.SSHAddress, "22"))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s:22: %w", inst.SSHAddress, err)
	}

	return &sshChannel{Conn: conn}, nil
}

type sshChannel struct {
	net.Conn
}

func (c *sshChannel) Run(ctx context.Context, cmd string) ([]byte, error) {
	if _, err := c.Conn.Write([]byte(cmd + "\n")); err != nil {
		return nil, fmt.Errorf("failed to write command: %w", err)
	}
	buf := make([]byte, 4096)
	n, err := c.Conn.Read(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read command output: %w", err)
	}
	return buf[:n], nil
}

// Cleanup implements cloud.Driver: removes socket files in the state
// directory that no longer accept connections, with their log files,
// independent of the per-instance Delete path. Containerd leases and
// snapshots are not reclaimed here.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.cleanupStaleResources()
	return nil
}

// ensureImage pulls an image if not present and returns it.
func (m *Manager) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	m.containerdMu.Lock()
	defer m.containerdMu.Unlock()

	image, err := m.containerd.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to check image: %w", err)
	}

	m.log.Infof("pulling image %s", ref)
	start := time.Now()

	dockerRef, err := reference.ParseDockerRef(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image ref: %w", err)
	}

	resolver, err := dockerconfigresolver.New(ctx, reference.Domain(dockerRef))
	if err != nil {
		return nil, fmt.Errorf("failed to create docker config resolver: %w", err)
	}

	snapshotter := m.cfg.Containerd.Snapshotter
	if snapshotter == "" {
		snapshotter = DefaultSnapshotter
	}

	image, err = m.containerd.Pull(ctx, ref,
		containerd.WithPullUnpack,
		containerd.WithResolver(resolver),
		containerd.WithPullSnapshotter(snapshotter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}

	m.log.Infof("image %s pulled in %s", ref, time.Since(start))
	return image, nil
}

// createSnapshot creates a writable snapshot from an image.
func (m *Manager) createSnapshot(ctx context.Context, image containerd.Image, snapshotID string) ([]mount.Mount, error) {
	snapshotter := m.cfg.Containerd.Snapshotter
	if snapshotter == "" {
		snapshotter = DefaultSnapshotter
	}

	snapshotService := m.containerd.SnapshotService(snapshotter)

	if _, err := snapshotService.Stat(ctx, snapshotID); err == nil {
		return snapshotService.Mounts(ctx, snapshotID)
	} else if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to check snapshot: %w", err)
	}

	isUnpacked, err := image.IsUnpacked(ctx, snapshotter)
	if err != nil {
		return nil, fmt.Errorf("failed to check if image is unpacked: %w", err)
	}
	if !isUnpacked {
		if err := image.Unpack(ctx, snapshotter); err != nil {
			return nil, fmt.Errorf("failed to unpack image: %w", err)
		}
	}

	imageContent, err := image.RootFS(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get image rootfs: %w", err)
	}

	if _, err := snapshotService.Prepare(ctx, snapshotID, imageidentity.ChainID(imageContent).String()); err != nil {
		return nil, fmt.Errorf("failed to prepare snapshot: %w", err)
	}

	return snapshotService.Mounts(ctx, snapshotID)
}

// getFirecrackerBinary returns the path to the firecracker binary.
func (m *Manager) getFirecrackerBinary() string {
	if m.cfg.Firecracker.BinaryPath != "" {
		return m.cfg.Firecracker.BinaryPath
	}

	for _, p := range []string{
		"/usr/bin/firecracker",
		"/usr/local/bin/firecracker",
		"/opt/firecracker/firecracker",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return "firecracker"
}
