package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/thpham/runnerfleet/internal/cloud"
	"github.com/thpham/runnerfleet/internal/cloud/firecracker"
	"github.com/thpham/runnerfleet/internal/config"
	"github.com/thpham/runnerfleet/internal/control"
	"github.com/thpham/runnerfleet/internal/identity"
	"github.com/thpham/runnerfleet/internal/lifecycle"
	"github.com/thpham/runnerfleet/internal/metrics"
	"github.com/thpham/runnerfleet/internal/platform"
	"github.com/thpham/runnerfleet/internal/platform/hostedvcs"
	"github.com/thpham/runnerfleet/internal/platform/jobdispatcher"
	"github.com/thpham/runnerfleet/internal/reactive/redisqueue"
	"github.com/thpham/runnerfleet/internal/reconcile"
	"github.com/thpham/runnerfleet/internal/scaler"
)

var configPath string

// serveCmd represents the serve command (default when no subcommand is given)
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runnerfleet orchestrator server",
	Long: `Start the runnerfleet orchestrator which manages Firecracker microVMs
running CI jobs. This is the main mode of operation on the host.

The server provides:
- A control surface (health, flush, runner list) over HTTP
- A Prometheus metrics endpoint
- Base or reactive auto-scaling
- VM lifecycle management via the cloud driver
- Dynamic runner registration via the platform driver`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Also make serve the default command when no subcommand is given
	rootCmd.RunE = runServe

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/runnerfleet/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/runnerfleet/config.yaml", "Path to configuration file")
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

func newPlatformDriver(cfg *config.Config, log *logrus.Logger) (platform.Driver, error) {
	switch cfg.Platform.Kind {
	case "", "hostedvcs":
		return hostedvcs.NewClient(cfg.Platform.HostedVCS, log)
	case "jobdispatcher":
		return jobdispatcher.NewClient(cfg.Platform.JobDispatcher, log)
	default:
		return nil, fmt.Errorf("unknown platform kind %q", cfg.Platform.Kind)
	}
}

func newMetricsSink(cfg *config.Config) (metrics.Sink, func(), error) {
	metrics.MustRegister(prometheus.DefaultRegisterer)

	jsonlSink, err := metrics.NewJSONLSink(cfg.Metrics.EventLogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening event log: %w", err)
	}

	sink := metrics.MultiSink{Sinks: []metrics.Sink{
		metrics.PrometheusSink{Prefix: cfg.Manager.Prefix},
		jsonlSink,
	}}
	return sink, func() { _ = jsonlSink.Close() }, nil
}

func graceConfig(cfg *config.Config) identity.GraceConfig {
	return identity.GraceConfig{
		StartupGrace: cfg.Manager.StartupGrace,
		BuildGrace:   cfg.Manager.BuildGrace,
	}
}

func buildLifecycleManager(cfg *config.Config, log *logrus.Logger, sink metrics.Sink) (*lifecycle.Manager, platform.Driver, error) {
	cloudDriver, err := firecracker.NewManager(cfg, cfg.Manager.Prefix, log)
	if err != nil {
		return nil, nil, fmt.Errorf("creating firecracker manager: %w", err)
	}

	platformDriver, err := newPlatformDriver(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("creating platform driver: %w", err)
	}

	lcCfg := lifecycle.Config{
		Prefix:            cfg.Manager.Prefix,
		Concurrency:       cfg.Manager.Concurrency,
		ReadinessSchedule: cfg.Manager.ReadinessSchedule,
		Grace:             graceConfig(cfg),
		Image:             cfg.Firecracker.Image,
		MemSizeMib:        int64(cfg.Firecracker.MemSizeMib),
		VcpuCount:         int64(cfg.Firecracker.VcpuCount),
		KernelPath:        cfg.Firecracker.KernelPath,
		KernelArgs:        cfg.Firecracker.KernelArgs,
	}

	var cloudDrv cloud.Driver = cloudDriver
	return lifecycle.NewManager(lcCfg, cloudDrv, platformDriver, sink, log), platformDriver, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	bootLog := newLogger("info")
	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog.Fatalf("failed to load configuration: %v", err)
	}
	log := newLogger(cfg.LogLevel)

	log.Infof("starting runnerfleet %s", Version)
	log.Infof("loaded configuration from %s", configPath)
	log.Infof("platform backend: %s", cfg.Platform.Kind)
	log.Infof("manager prefix: %s", cfg.Manager.Prefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("received signal %v, initiating shutdown", sig)
		cancel()
	}()

	sink, closeSink, err := newMetricsSink(cfg)
	if err != nil {
		log.Fatalf("failed to set up metrics: %v", err)
	}
	defer closeSink()

	lifecycleMgr, platformDriver, err := buildLifecycleManager(cfg, log, sink)
	if err != nil {
		log.Fatalf("failed to build lifecycle manager: %v", err)
	}

	reconciler := reconcile.NewReconciler(lifecycleMgr, platformDriver, graceConfig(cfg), sink, log)

	scalerCfg := scaler.Config{
		BaseQuantity:   cfg.Scaling.BaseQuantity,
		ReconcileEvery: cfg.Scaling.ReconcileEvery,
	}

	var queue *redisqueue.Queue
	if cfg.Scaling.Reactive != nil {
		queue, err = redisqueue.New(ctx, cfg.Scaling.Reactive.QueueAddress, cfg.Scaling.Reactive.QueueName)
		if err != nil {
			log.Fatalf("failed to connect to reactive queue: %v", err)
		}
		defer queue.Close()

		selfBinary, err := os.Executable()
		if err != nil {
			log.Fatalf("failed to resolve executable path: %v", err)
		}
		scalerCfg.Reactive = &scaler.ReactiveConfig{
			MaxQuantity:  cfg.Scaling.Reactive.MaxQuantity,
			WorkerBinary: selfBinary,
			ConfigPath:   configPath,
		}
	}

	var queueSizer scaler.QueueSizer
	if queue != nil {
		queueSizer = queue
	}
	sc := scaler.NewScaler(scalerCfg, reconciler, queueSizer, log)

	reconcileLock := &sync.Mutex{}
	ctrl := control.New(cfg.Server.Address, cfg.Server.MetricsAddress, lifecycleMgr, reconcileLock, log)

	errChan := make(chan error, 2)
	go func() { errChan <- sc.Run(ctx) }()
	go func() { errChan <- ctrl.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			log.Errorf("component error: %v", err)
		}
	}

	<-ctx.Done()
	log.Info("runnerfleet shutdown complete")
	return nil
}
