package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/dispatcher"
	"github.com/cuemby/relay/pkg/events"
	"github.com/cuemby/relay/pkg/health"
	"github.com/cuemby/relay/pkg/lock"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/messaging"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/cuemby/relay/pkg/worker"
	"github.com/spf13/cobra"
)

// Exit codes per the control-plane CLI contract: 0 ok, 1 broker
// unreachable, 2 invalid arguments.
const (
	exitOK          = 0
	exitBrokerDown  = 1
	exitInvalidArgs = 2
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalidArgs)
	}
}

var rootCmd = &cobra.Command{
	Use:     "relayctl",
	Short:   "relay - multi-worker task-dispatch and coordination fabric",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"relayctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":9090", "listen address for /health, /ready, /live and /metrics")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// fabric bundles the subsystem handles every subcommand needs, built once
// from the loaded Config.
type fabric struct {
	client   *broker.RedisClient
	queues   *queue.Manager
	reg      *registry.Registry
	selector *dispatcher.Selector
}

func connect(ctx context.Context) (*fabric, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	client, err := broker.New(cfg.Broker.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to broker at %s: %w", cfg.Broker.Addr, err)
	}
	if err := client.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("ping broker at %s: %w", cfg.Broker.Addr, err)
	}

	reg := registry.New(client)
	return &fabric{
		client:   client,
		queues:   queue.NewManager(client),
		reg:      reg,
		selector: dispatcher.NewSelector(reg),
	}, cfg, nil
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Trigger a single rebalance cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, cfg, err := connect(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBrokerDown)
		}
		defer f.client.Close()

		bal := dispatcher.NewBalancer(f.selector, f.reg, f.queues, dispatcher.BalancerConfig{
			Interval:              cfg.Dispatcher.BalanceInterval,
			MigrationCapPerCycle:  cfg.Dispatcher.MigrationCapPerCycle,
			MigrationCapPerWorker: cfg.Dispatcher.MigrationCapPerWorker,
		})
		if err := bal.Cycle(ctx); err != nil {
			return fmt.Errorf("rebalance cycle: %w", err)
		}
		fmt.Println("rebalance cycle complete")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-queue depth and per-worker load",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, _, err := connect(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBrokerDown)
		}
		defer f.client.Close()

		workers, err := f.reg.List(ctx)
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })

		seen := make(map[string]bool)
		fmt.Println("QUEUES")
		for _, w := range workers {
			if w.HomeQueue == "" || seen[w.HomeQueue] {
				continue
			}
			seen[w.HomeQueue] = true
			depth, _ := f.queues.Depth(ctx, w.HomeQueue)
			processing, _ := f.queues.ProcessingCount(ctx, w.HomeQueue)
			dlq, _ := f.queues.DLQDepth(ctx, w.HomeQueue)
			fmt.Printf("  %-20s queued=%-6d processing=%-6d dlq=%-6d\n", w.HomeQueue, depth, processing, dlq)
		}

		hub := messaging.New(f.client)
		fmt.Println("WORKERS")
		for _, w := range workers {
			mailbox, _ := hub.MailboxLen(ctx, w.WorkerID)
			line := fmt.Sprintf("  %-20s status=%-12s load=%.2f health=%.2f queue=%s",
				w.WorkerID, w.Status, w.LoadScore, w.HealthScore, w.HomeQueue)
			if mailbox > 0 {
				line += fmt.Sprintf(" mailbox=%d", mailbox)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// workloadReport is the JSON shape `report` emits: a point-in-time view of
// every queue and worker, suitable for feeding a dashboard or another tool.
type workloadReport struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	Queues      []queueReport   `json:"queues"`
	Workers     []*types.Worker `json:"workers"`
}

type queueReport struct {
	Name       string `json:"name"`
	Depth      int64  `json:"depth"`
	Processing int64  `json:"processing"`
	DLQDepth   int64  `json:"dlqDepth"`
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Emit a JSON workload report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, _, err := connect(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBrokerDown)
		}
		defer f.client.Close()

		workers, err := f.reg.List(ctx)
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}

		seen := make(map[string]bool)
		report := workloadReport{GeneratedAt: time.Now(), Workers: workers}
		for _, w := range workers {
			if w.HomeQueue == "" || seen[w.HomeQueue] {
				continue
			}
			seen[w.HomeQueue] = true
			depth, _ := f.queues.Depth(ctx, w.HomeQueue)
			processing, _ := f.queues.ProcessingCount(ctx, w.HomeQueue)
			dlq, _ := f.queues.DLQDepth(ctx, w.HomeQueue)
			report.Queues = append(report.Queues, queueReport{Name: w.HomeQueue, Depth: depth, Processing: processing, DLQDepth: dlq})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <file> <prompt>",
	Short: "Classify a prompt and print the top-scoring worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, _, err := connect(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBrokerDown)
		}
		defer f.client.Close()

		task := &types.Task{
			ID:          "recommend-dry-run",
			File:        args[0],
			Prompt:      args[1],
			SubmittedAt: time.Now(),
		}
		category, complexity, caps := dispatcher.Classify(task)
		task.Category = category
		task.Complexity = complexity

		workers, err := f.reg.List(ctx)
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}
		eligible := dispatcher.Eligible(task, caps, workers)
		if len(eligible) == 0 {
			fmt.Println("no eligible worker")
			return nil
		}
		ranked := dispatcher.RankAll(task, caps, eligible)
		top := ranked[0]
		fmt.Printf("category=%s complexity=%s capabilities=%v\n", category, complexity, caps)
		fmt.Printf("top worker=%s score=%.3f\n", top.Worker.WorkerID, top.Score)
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker Runtime commands",
}

func init() {
	workerCmd.AddCommand(workerRunCmd)
	workerRunCmd.Flags().String("id", "", "worker id override (RELAY_WORKER_ID)")
	workerRunCmd.Flags().String("queue", "", "home queue override (RELAY_HOME_QUEUE)")
	workerRunCmd.Flags().StringSlice("capabilities", nil, "worker capabilities")
	workerRunCmd.Flags().String("zone", "", "worker zone")
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a Worker Runtime bound to the echo Executor",
	Long: `run boots a Worker Runtime using the built-in echo Executor, which
turns a task into a Result by echoing its prompt back unchanged. Real
deployments link their own Executor into a separate binary using
pkg/worker.New directly; this command exists for smoke-testing the fabric
end to end without a real compute provider.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		f, cfg, err := connect(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBrokerDown)
		}
		defer f.client.Close()

		workerID, _ := cmd.Flags().GetString("id")
		if workerID == "" {
			workerID = cfg.Worker.ID
		}
		homeQueue, _ := cmd.Flags().GetString("queue")
		if homeQueue == "" {
			homeQueue = cfg.Worker.HomeQueue
		}
		caps, _ := cmd.Flags().GetStringSlice("capabilities")
		zone, _ := cmd.Flags().GetString("zone")

		recorder := metrics.NewRecorder()
		bus := events.NewBroker()
		bus.Start()
		defer bus.Stop()

		w := worker.New(worker.Config{
			WorkerID:           workerID,
			Capabilities:       caps,
			Zone:               zone,
			MaxConcurrency:     cfg.Worker.MaxConcurrency,
			HomeQueue:          homeQueue,
			RateLimitPerMinute: cfg.Worker.RateLimitPerMinute,
			MaxRetries:         cfg.Worker.MaxRetries,
			DefaultTimeout:     cfg.Worker.DefaultTimeout,
			DrainTimeout:       cfg.Worker.DrainTimeout,
		}, echoExecutor{}, f.queues, f.reg, lock.New(f.client, f.reg), messaging.New(f.client), recorder)

		mon := health.NewMonitor(f.queues, f.reg, recorder, bus, health.Config{
			CheckInterval:   cfg.Health.CheckInterval,
			StuckThreshold:  cfg.Health.StuckThreshold,
			DLQScanN:        cfg.Health.DLQScanN,
			MaxDLQRetries:   cfg.Health.MaxDLQRetries,
			HistoryCapacity: cfg.Health.HistoryCapacity,
		})

		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		mon.Start(ctx)

		log.Logger.Info().Str("worker_id", workerID).Str("home_queue", homeQueue).Msg("worker running, press Ctrl+C to drain and exit")
		<-ctx.Done()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
		defer drainCancel()
		undrained, err := w.Stop(drainCtx)
		if err != nil {
			return fmt.Errorf("stop worker: %w", err)
		}
		mon.Stop()
		if undrained > 0 {
			log.Logger.Warn().Int("undrained", undrained).Msg("worker stopped with undrained tasks")
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /health, /ready, /live and /metrics for an external prober",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		f, _, err := connect(ctx)
		if err != nil {
			metrics.RegisterComponent("broker", false, err.Error())
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBrokerDown)
		}
		defer f.client.Close()
		metrics.RegisterComponent("broker", true, "")
		metrics.RegisterComponent("registry", true, "")
		metrics.RegisterComponent("dispatcher", true, "")

		workers, err := f.reg.List(ctx)
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}
		seen := make(map[string]bool)
		var queueNames []string
		for _, w := range workers {
			if w.HomeQueue != "" && !seen[w.HomeQueue] {
				seen[w.HomeQueue] = true
				queueNames = append(queueNames, w.HomeQueue)
			}
		}
		recorder := metrics.NewRecorder()
		collector := metrics.NewCollector(f.queues, f.reg, recorder, queueNames)
		collector.Start(ctx)
		defer collector.Stop()

		addr, _ := cmd.Flags().GetString("addr")
		mux := http.NewServeMux()
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		mux.Handle("/metrics", metrics.Handler())

		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		log.Logger.Info().Str("addr", addr).Msg("serving health and metrics endpoints")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}

// echoExecutor is a placeholder Executor that returns the task's prompt
// verbatim, used by `worker run` to exercise the fabric without a real
// compute provider wired in.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, task *types.Task) (*types.Result, error) {
	return &types.Result{Output: task.Prompt}, nil
}
