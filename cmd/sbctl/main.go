package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/simplyblock-io/sbctl/pkg/cluster"
	"github.com/simplyblock-io/sbctl/pkg/config"
	"github.com/simplyblock-io/sbctl/pkg/device"
	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/metrics"
	"github.com/simplyblock-io/sbctl/pkg/monitor"
	"github.com/simplyblock-io/sbctl/pkg/node"
	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/tasks"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sbctl",
	Short:   "sbctl - storage cluster control plane",
	Long:    `sbctl runs the health monitor and recovery task runners for a distributed NVMe-oF storage cluster, and offers operator commands against the shared entity store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sbctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(clusterCmd)
}

// wiring is everything the subcommands share.
type wiring struct {
	cfg       config.Config
	store     storage.Store
	events    *events.Logger
	devices   *device.Controller
	nodes     *node.Controller
	clusters  *cluster.Ops
	scheduler *tasks.Scheduler
	prober    probe.Prober
	agent     probe.NodeAgent
	engineFor probe.EngineClientFactory
}

func setup() (*wiring, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open entity store: %w", err)
	}
	log.Debug("entity store opened at " + cfg.DataDir)

	broker := events.NewBroker()
	broker.Start()
	ev := events.NewLogger(store, broker)

	engineFor := probe.EngineClientFactory(func(n *types.StorageNode) probe.EngineClient {
		return probe.NewEngineClient(n, cfg.ProbeTimeout)
	})

	devices := device.NewController(store, ev, engineFor)
	nodes := node.NewController(store, ev, devices, cfg.StabilizationWindow)
	clusters := cluster.NewOps(store, ev, cfg.StabilizationWindow)
	scheduler := tasks.NewScheduler(store, ev, devices, cfg.TaskRetryCount)

	return &wiring{
		cfg:       cfg,
		store:     store,
		events:    ev,
		devices:   devices,
		nodes:     nodes,
		clusters:  clusters,
		scheduler: scheduler,
		prober:    probe.NewNetProber(cfg.ProbeTimeout, cfg.ProbeRetries, cfg.MgmtAPIPort, cfg.RuntimePort),
		agent:     probe.NewHTTPNodeAgent(cfg.MgmtAPIPort, cfg.FirewallAPIPort, cfg.ProbeTimeout, cfg.ProbeRetries),
		engineFor: engineFor,
	}, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the health monitor, task runners, and metrics listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := setup()
		if err != nil {
			return err
		}
		defer w.store.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		runners := tasks.NewRunnerSet(w.store, w.cfg.TaskPollInterval,
			tasks.NewDeviceRestartRunner(w.store, w.events, w.devices, w.scheduler),
			tasks.NewNodeRestartRunner(w.store, w.events, w.nodes, w.prober, w.agent),
			tasks.NewMigrationRunner(types.TaskDeviceMigration, w.store, w.events, w.devices, w.engineFor),
			tasks.NewMigrationRunner(types.TaskNewDeviceMigration, w.store, w.events, w.devices, w.engineFor),
			tasks.NewMigrationRunner(types.TaskFailedDevMigration, w.store, w.events, w.devices, w.engineFor),
			tasks.NewNodeAddRunner(w.store, w.events, w.engineFor),
			tasks.NewPortAllowRunner(w.store, w.events, w.engineFor, w.agent),
		)
		go runners.Start(ctx)

		mon := monitor.New(&w.cfg, w.store, w.prober, w.engineFor, w.nodes, w.devices, w.clusters, w.scheduler)
		go mon.Start(ctx)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: w.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics listener failed", err)
			}
		}()

		log.Info("sbctl control plane started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Warn("shutting down")
		cancel()
		srv.Close()
		return nil
	},
}

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and cancel recovery tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list <cluster-id>",
	Short: "List recovery tasks for a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := setup()
		if err != nil {
			return err
		}
		defer w.store.Close()

		tasksList, err := w.store.ListTasksByCluster(args[0])
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFUNCTION\tNODE\tDEVICE\tSTATUS\tRETRY\tRESULT")
		for _, t := range tasksList {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				t.ID, t.Function, t.NodeID, t.DeviceID, t.Status, t.Retry, t.Result)
		}
		return tw.Flush()
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cooperative cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := setup()
		if err != nil {
			return err
		}
		defer w.store.Close()

		if err := w.scheduler.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("task %s canceled\n", args[0])
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
}

// Cluster commands
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Operator actions on cluster status",
}

var clusterSuspendCmd = &cobra.Command{
	Use:   "suspend <cluster-id>",
	Short: "Suspend a cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clusterStatusAction(cmd.Context(), args[0], func(ctx context.Context, ops *cluster.Ops, id string) error {
			return ops.Suspend(ctx, id)
		})
	},
}

var clusterResumeCmd = &cobra.Command{
	Use:   "resume <cluster-id>",
	Short: "Return a suspended or read-only cluster to active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clusterStatusAction(cmd.Context(), args[0], func(ctx context.Context, ops *cluster.Ops, id string) error {
			return ops.Resume(ctx, id)
		})
	},
}

var clusterSetReadOnlyCmd = &cobra.Command{
	Use:   "set-read-only <cluster-id>",
	Short: "Put a cluster into read-only mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clusterStatusAction(cmd.Context(), args[0], func(ctx context.Context, ops *cluster.Ops, id string) error {
			return ops.SetReadOnly(ctx, id)
		})
	},
}

func clusterStatusAction(ctx context.Context, clusterID string, fn func(context.Context, *cluster.Ops, string) error) error {
	w, err := setup()
	if err != nil {
		return err
	}
	defer w.store.Close()

	if err := fn(ctx, w.clusters, clusterID); err != nil {
		return err
	}
	cl, err := w.store.GetCluster(clusterID)
	if err != nil {
		return err
	}
	fmt.Printf("cluster %s is now %s\n", cl.ID, cl.Status)
	return nil
}

func init() {
	clusterCmd.AddCommand(clusterSuspendCmd)
	clusterCmd.AddCommand(clusterResumeCmd)
	clusterCmd.AddCommand(clusterSetReadOnlyCmd)
}
