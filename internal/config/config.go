// Package config provides configuration loading and validation for runnerfleet.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main runnerfleet configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Manager     ManagerConfig     `yaml:"manager"`
	Platform    PlatformConfig    `yaml:"platform"`
	Scaling     ScalingConfig     `yaml:"scaling"`
	LogLevel    string            `yaml:"logLevel"`
	Firecracker FirecrackerConfig `yaml:"firecracker"`
	Containerd  ContainerdConfig  `yaml:"containerd"`
	CNI         CNIConfig         `yaml:"cni"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP control-surface settings.
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metricsAddress"`
}

// ManagerConfig identifies this manager instance among others sharing the
// same cloud/platform account.
type ManagerConfig struct {
	// Prefix namespaces every InstanceID this manager creates and owns;
	// List/Cleanup never touch instances outside this prefix.
	Prefix string `yaml:"prefix"`
	// Concurrency bounds parallel cloud/platform calls during create/delete.
	Concurrency int `yaml:"concurrency"`
	// StartupGrace and BuildGrace feed the health-verdict join table.
	StartupGrace time.Duration `yaml:"startupGrace"`
	BuildGrace   time.Duration `yaml:"buildGrace"`
	// ReadinessSchedule is the bounded back-off schedule waited between
	// polling a freshly-launched instance for platform-side readiness.
	ReadinessSchedule []time.Duration `yaml:"readinessSchedule"`
}

// PlatformConfig selects and configures the platform driver backend.
type PlatformConfig struct {
	// Kind is "hostedvcs" (GitLab-style) or "jobdispatcher".
	Kind          string              `yaml:"kind"`
	HostedVCS     HostedVCSConfig     `yaml:"hostedvcs"`
	JobDispatcher JobDispatcherConfig `yaml:"jobdispatcher"`
}

// HostedVCSConfig holds GitLab instance configuration.
// Uses the runner authentication token model (glrt-* tokens) via
// POST /api/v4/user/runners.
type HostedVCSConfig struct {
	InstanceURL     string `yaml:"instanceURL"`
	AccessToken     string `yaml:"accessToken"`     // PAT with create_runner scope
	AccessTokenFile string `yaml:"accessTokenFile"` // alternative: read token from file

	// RunnerType determines the scope of runner registration:
	// "instance_type", "group_type", or "project_type".
	RunnerType string `yaml:"runnerType"`
	GroupID    int    `yaml:"groupId"`
	ProjectID  int    `yaml:"projectId"`

	RunUntagged bool   `yaml:"runUntagged"`
	Locked      bool   `yaml:"locked"`
	AccessLevel string `yaml:"accessLevel"` // "not_protected" or "ref_protected"
}

// JobDispatcherConfig holds job-dispatcher API configuration.
type JobDispatcherConfig struct {
	BaseURL         string `yaml:"baseURL"`
	AccessToken     string `yaml:"accessToken"`
	AccessTokenFile string `yaml:"accessTokenFile"`
}

// ScalingConfig controls base and reactive scaling behaviour.
type ScalingConfig struct {
	BaseQuantity    int             `yaml:"baseQuantity"`
	ReconcileEvery  time.Duration   `yaml:"reconcileEvery"`
	SupportedLabels []string        `yaml:"supportedLabels"`
	Reactive        *ReactiveConfig `yaml:"reactive"`
}

// ReactiveConfig enables demand-driven scaling off a message queue. A nil
// Reactive field on ScalingConfig means base-quantity mode only.
type ReactiveConfig struct {
	QueueAddress string `yaml:"queueAddress"`
	QueueName    string `yaml:"queueName"`
	MaxQuantity  int    `yaml:"maxQuantity"`
}

// FirecrackerConfig holds VM resource settings.
type FirecrackerConfig struct {
	BinaryPath      string                 `yaml:"binaryPath"`
	MemSizeMib      int                    `yaml:"memSizeMib"`
	VcpuCount       int                    `yaml:"vcpuCount"`
	KernelArgs      string                 `yaml:"kernelArgs"`
	KernelPath      string                 `yaml:"kernelPath"`
	Image           string                 `yaml:"image"`
	ImagePullPolicy string                 `yaml:"imagePullPolicy"`
	Metadata        map[string]interface{} `yaml:"metadata"`
}

// ContainerdConfig holds containerd connection settings.
type ContainerdConfig struct {
	Namespace   string `yaml:"namespace"`
	Address     string `yaml:"address"`
	Snapshotter string `yaml:"snapshotter"`
}

// CNIConfig holds CNI plugin settings.
type CNIConfig struct {
	ConfDir string `yaml:"confDir"`
	BinDir  string `yaml:"binDir"`
}

// MetricsConfig controls the append-only event log sink.
type MetricsConfig struct {
	EventLogPath string `yaml:"eventLogPath"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Platform.HostedVCS.AccessTokenFile != "" && cfg.Platform.HostedVCS.AccessToken == "" {
		token, err := os.ReadFile(cfg.Platform.HostedVCS.AccessTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read hostedvcs access token file: %w", err)
		}
		cfg.Platform.HostedVCS.AccessToken = strings.TrimSpace(string(token))
	}
	if cfg.Platform.JobDispatcher.AccessTokenFile != "" && cfg.Platform.JobDispatcher.AccessToken == "" {
		token, err := os.ReadFile(cfg.Platform.JobDispatcher.AccessTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read jobdispatcher access token file: %w", err)
		}
		cfg.Platform.JobDispatcher.AccessToken = strings.TrimSpace(string(token))
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0:8084"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = "127.0.0.1:8085"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Manager.Prefix == "" {
		c.Manager.Prefix = "runnerfleet"
	}
	if c.Manager.Concurrency == 0 {
		c.Manager.Concurrency = 4
	}
	if c.Manager.StartupGrace == 0 {
		c.Manager.StartupGrace = 2 * time.Minute
	}
	if c.Manager.BuildGrace == 0 {
		c.Manager.BuildGrace = 5 * time.Minute
	}
	if len(c.Manager.ReadinessSchedule) == 0 {
		c.Manager.ReadinessSchedule = []time.Duration{
			2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 30 * time.Second, 30 * time.Second,
		}
	}
	if c.Platform.Kind == "" {
		c.Platform.Kind = "hostedvcs"
	}
	if c.Platform.HostedVCS.RunnerType == "" {
		c.Platform.HostedVCS.RunnerType = "group_type"
	}
	if c.Platform.HostedVCS.AccessLevel == "" {
		c.Platform.HostedVCS.AccessLevel = "not_protected"
	}
	if c.Containerd.Namespace == "" {
		c.Containerd.Namespace = "runnerfleet"
	}
	if c.Containerd.Address == "" {
		c.Containerd.Address = "/run/containerd/containerd.sock"
	}
	if c.Containerd.Snapshotter == "" {
		c.Containerd.Snapshotter = "devmapper"
	}
	if c.CNI.ConfDir == "" {
		c.CNI.ConfDir = "/etc/cni/net.d"
	}
	if c.CNI.BinDir == "" {
		c.CNI.BinDir = "/opt/cni/bin"
	}
	if c.Firecracker.ImagePullPolicy == "" {
		c.Firecracker.ImagePullPolicy = "IfNotPresent"
	}
	if c.Firecracker.MemSizeMib == 0 {
		c.Firecracker.MemSizeMib = 2048
	}
	if c.Firecracker.VcpuCount == 0 {
		c.Firecracker.VcpuCount = 2
	}
	if c.Firecracker.KernelArgs == "" {
		c.Firecracker.KernelArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	}
	if c.Scaling.ReconcileEvery == 0 {
		c.Scaling.ReconcileEvery = 30 * time.Second
	}
	if c.Scaling.Reactive != nil && c.Scaling.Reactive.MaxQuantity == 0 {
		c.Scaling.Reactive.MaxQuantity = 10
	}
	if c.Metrics.EventLogPath == "" {
		c.Metrics.EventLogPath = "/var/lib/runnerfleet/events.jsonl"
	}
}

// validate checks that the configuration is valid.
func (c *Config) validate() error {
	switch c.Platform.Kind {
	case "hostedvcs":
		if c.Platform.HostedVCS.InstanceURL == "" {
			return fmt.Errorf("platform.hostedvcs.instanceURL is required")
		}
		if c.Platform.HostedVCS.AccessToken == "" {
			return fmt.Errorf("platform.hostedvcs.accessToken or accessTokenFile is required")
		}
		switch c.Platform.HostedVCS.RunnerType {
		case "instance_type":
		case "group_type":
			if c.Platform.HostedVCS.GroupID == 0 {
				return fmt.Errorf("platform.hostedvcs.groupId is required for group_type runners")
			}
		case "project_type":
			if c.Platform.HostedVCS.ProjectID == 0 {
				return fmt.Errorf("platform.hostedvcs.projectId is required for project_type runners")
			}
		default:
			return fmt.Errorf("platform.hostedvcs.runnerType must be 'instance_type', 'group_type', or 'project_type'")
		}
		if c.Platform.HostedVCS.AccessLevel != "not_protected" && c.Platform.HostedVCS.AccessLevel != "ref_protected" {
			return fmt.Errorf("platform.hostedvcs.accessLevel must be 'not_protected' or 'ref_protected'")
		}
	case "jobdispatcher":
		if c.Platform.JobDispatcher.BaseURL == "" {
			return fmt.Errorf("platform.jobdispatcher.baseURL is required")
		}
		if c.Platform.JobDispatcher.AccessToken == "" {
			return fmt.Errorf("platform.jobdispatcher.accessToken or accessTokenFile is required")
		}
	default:
		return fmt.Errorf("platform.kind must be 'hostedvcs' or 'jobdispatcher'")
	}

	if c.Manager.Prefix == "" {
		return fmt.Errorf("manager.prefix is required")
	}
	if c.Firecracker.Image == "" {
		return fmt.Errorf("firecracker.image is required")
	}
	if c.Scaling.BaseQuantity < 0 {
		return fmt.Errorf("scaling.baseQuantity cannot be negative")
	}
	if c.Scaling.Reactive != nil {
		if c.Scaling.Reactive.QueueAddress == "" {
			return fmt.Errorf("scaling.reactive.queueAddress is required when reactive scaling is enabled")
		}
		if c.Scaling.Reactive.QueueName == "" {
			return fmt.Errorf("scaling.reactive.queueName is required when reactive scaling is enabled")
		}
	}

	return nil
}
