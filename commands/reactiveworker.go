package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thpham/runnerfleet/internal/config"
	"github.com/thpham/runnerfleet/internal/reactive"
	"github.com/thpham/runnerfleet/internal/reactive/redisqueue"
)

// reactiveWorkerCmd represents a single reactive consumer process: it
// handles exactly one job-carrying message per iteration so a crash
// handling one job never destabilizes another, then exits when it
// receives the end-of-processing sentinel or a shutdown signal.
var reactiveWorkerCmd = &cobra.Command{
	Use:   "reactive-worker",
	Short: "Run a single reactive job-queue consumer process",
	Long: `Run one reactive consumer process: block on the configured job queue,
spawn a runner for the next job, wait for it to be picked up, and
acknowledge the message. Exits on the end-of-processing sentinel or on
SIGINT/SIGTERM.

The orchestrator server spawns and retires these as child processes to
size the reactive consumer pool to queue demand; this command is not
normally invoked directly.`,
	RunE: runReactiveWorker,
}

func init() {
	rootCmd.AddCommand(reactiveWorkerCmd)
	reactiveWorkerCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/runnerfleet/config.yaml", "Path to configuration file")
}

func runReactiveWorker(cmd *cobra.Command, args []string) error {
	bootLog := newLogger("info")
	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog.Fatalf("failed to load configuration: %v", err)
	}
	log := newLogger(cfg.LogLevel)

	if cfg.Scaling.Reactive == nil {
		log.Fatal("reactive-worker requires scaling.reactive to be configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("received signal %v, exiting without acknowledging the current message", sig)
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

	queue, err := redisqueue.New(ctx, cfg.Scaling.Reactive.QueueAddress, cfg.Scaling.Reactive.QueueName)
	if err != nil {
		log.Fatalf("failed to connect to reactive queue: %v", err)
	}
	defer queue.Close()

	consumer := reactive.NewConsumer(queue, lifecycleMgr, platformDriver, cfg.Scaling.SupportedLabels, log)

	log.Info("reactive worker started")
	for {
		if err := consumer.Run(ctx); err != nil {
			if errors.Is(err, reactive.ErrEndOfProcessing) {
				log.Info("received end-of-processing sentinel, exiting")
				return nil
			}
			if ctx.Err() != nil {
				log.Info("shutting down")
				return nil
			}
			log.WithError(err).Warn("error handling message")
		}

		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		default:
		}
	}
}
