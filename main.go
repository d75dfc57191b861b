package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/udaykr117/durableq/internal/config"
	"github.com/udaykr117/durableq/internal/job"
	"github.com/udaykr117/durableq/internal/queue"
	"github.com/udaykr117/durableq/internal/storage"
	"github.com/udaykr117/durableq/internal/worker"
)

var (
	settings config.Settings
	store    storage.Store
	svc      *queue.Service

	dataDirFlag string
	storeFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "A CLI-based background job queue system",
	Long:  `queuectl runs shell commands as durable background jobs with retries, exponential backoff and a dead letter queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		settings, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		if dataDirFlag != "" {
			settings.DataDir = dataDirFlag
		}
		if storeFlag != "" {
			settings.Store = storeFlag
		}
		store, err = storage.Open(context.Background(), settings.Store, settings.DataDir)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		svc = queue.New(store, queue.Options{
			PollInterval: settings.PollInterval,
			Shell:        settings.Shell,
			PIDFile:      worker.PIDFilePath(settings.DataDir),
		})
		return nil
	},
}

func closeStore() {
	if store != nil {
		store.Close()
		store = nil
	}
}

var errNothingEnqueued = errors.New("no jobs were enqueued")

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [job-json | command...]",
	Short: "Add a new job to queue",
	Long: `Add one or more jobs. The argument is either a shell command, a JSON object
{"id": "...", "command": "...", "max_retries": N} or a JSON array of such objects.
Use --file to read the JSON from a file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		specs, err := enqueueSpecs(cmd, args, file)
		if err != nil {
			return fmt.Errorf("failed to parse job: %w", err)
		}

		res, err := svc.EnqueueBatch(cmd.Context(), specs)
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		for _, j := range res.Jobs {
			fmt.Printf("Job enqueued successfully: %s\n", j.ID)
		}
		for _, itemErr := range res.Errors {
			fmt.Fprintf(os.Stderr, "Skipped %v\n", itemErr)
		}
		if len(specs) > 1 {
			fmt.Printf("Enqueued %d of %d jobs\n", len(res.Jobs), len(specs))
		}
		if len(res.Jobs) == 0 {
			return errNothingEnqueued
		}
		return nil
	},
}

func enqueueSpecs(cmd *cobra.Command, args []string, file string) ([]queue.Spec, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read job file: %w", err)
		}
		return queue.DecodeSpecs(data)
	}
	if len(args) == 0 {
		return nil, job.ErrMissingCommand
	}

	input := strings.TrimSpace(strings.Join(args, " "))
	if strings.HasPrefix(input, "{") || strings.HasPrefix(input, "[") {
		return queue.DecodeSpecs([]byte(input))
	}
	spec := queue.Spec{Command: input}
	spec.ID, _ = cmd.Flags().GetString("id")
	if cmd.Flags().Changed("max-retries") {
		n, _ := cmd.Flags().GetInt("max-retries")
		spec.MaxRetries = &n
	}
	return []queue.Spec{spec}, nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage worker processes",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start worker processes",
	Long:  `Start workers in the foreground. Ctrl-C or 'queuectl worker stop' shuts them down after their current jobs finish.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := cmd.Flags().GetInt("count")
		if err != nil {
			return fmt.Errorf("failed to get count flag: %w", err)
		}
		if count < 1 {
			return worker.ErrInvalidCount
		}
		if info, err := worker.RunningWorkers(worker.PIDFilePath(settings.DataDir)); err == nil {
			return fmt.Errorf("workers are already running (PID: %d)", info.PID)
		}

		pool, err := svc.StartPool(context.Background(), count)
		if err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
		release := pool.StopOnSignal()
		defer release()

		pool.Wait()
		if err := pool.Stop(); err != nil {
			log.Printf("Warning: %v", err)
		}
		return nil
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop worker processes",
	Long:  `Gracefully stop the running worker process. Jobs in progress are finished first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pidFile := worker.PIDFilePath(settings.DataDir)
		info, err := worker.SignalStop(pidFile)
		if errors.Is(err, worker.ErrNoWorkers) {
			fmt.Println("No workers are running")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to stop workers: %w", err)
		}
		fmt.Printf("Sent stop signal to worker process (PID: %d). Waiting for graceful shutdown...\n", info.PID)

		wait, _ := cmd.Flags().GetDuration("wait")
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if _, err := worker.RunningWorkers(pidFile); errors.Is(err, worker.ErrNoWorkers) {
				fmt.Println("Workers stopped successfully")
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		fmt.Printf("Workers are still finishing their jobs (PID: %d)\n", info.PID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show summary of all job states & active workers",
	Long:  `Display a summary of job counts by state and the number of active workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := svc.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get job counts: %w", err)
		}

		fmt.Println("Job Queue Status")
		fmt.Println("================")
		fmt.Printf("Pending:    %d\n", st.Counts[job.StatePending])
		fmt.Printf("Processing: %d\n", st.Counts[job.StateProcessing])
		fmt.Printf("Completed:  %d\n", st.Counts[job.StateCompleted])
		fmt.Printf("Dead:       %d\n", st.Counts[job.StateDead])
		fmt.Printf("Total:      %d\n", st.Total)
		fmt.Println()
		if st.WorkerPID != 0 {
			fmt.Printf("Active Workers: %d (PID: %d)\n", st.ActiveWorkers, st.WorkerPID)
		} else {
			fmt.Printf("Active Workers: %d\n", st.ActiveWorkers)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by state",
	Long:  `List all jobs, optionally filtered by state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stateFlag, err := cmd.Flags().GetString("state")
		if err != nil {
			return fmt.Errorf("failed to get state flag: %w", err)
		}
		jobs, err := svc.ListJobs(cmd.Context(), stateFlag)
		if errors.Is(err, job.ErrInvalidState) {
			return fmt.Errorf("invalid state: %s. Valid states are: pending, processing, completed, dead", stateFlag)
		}
		if err != nil {
			return fmt.Errorf("failed to get jobs: %w", err)
		}

		if len(jobs) == 0 {
			if stateFlag != "" {
				fmt.Printf("No jobs found with state: %s\n", stateFlag)
			} else {
				fmt.Println("No jobs found")
			}
			return nil
		}
		printJobs(jobs)
		return nil
	},
}

func printJobs(jobs []*job.Job) {
	fmt.Printf("%-36s %-11s %-9s %-12s %-25s %s\n", "ID", "STATE", "ATTEMPTS", "MAX_RETRIES", "CREATED_AT", "COMMAND")
	fmt.Println(strings.Repeat("-", 110))
	for _, j := range jobs {
		fmt.Printf("%-36s %-11s %-9d %-12d %-25s %s\n",
			j.ID,
			string(j.State),
			j.Attempts,
			j.MaxRetries,
			j.CreatedAt.Local().Format(time.RFC3339),
			j.Command,
		)
	}
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage Dead Letter Queue",
	Long:  `View and manage jobs in the Dead Letter Queue (permanently failed jobs).`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in Dead Letter Queue",
	Long:  `Display all jobs that have been moved to the Dead Letter Queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := svc.DeadJobs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get DLQ jobs: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs in Dead Letter Queue")
			return nil
		}
		fmt.Printf("Dead Letter Queue Jobs (%d)\n", len(jobs))
		fmt.Println(strings.Repeat("=", 110))
		printJobs(jobs)
		fmt.Println()
		for _, j := range jobs {
			if j.LastError != "" {
				fmt.Printf("%s: %s\n", j.ID, j.LastError)
			}
		}
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry job-id",
	Short: "Retry a job from Dead Letter Queue",
	Long:  `Reset a job from DLQ back to pending state so it can be retried.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		if _, err := svc.RequeueFromDLQ(cmd.Context(), jobID); err != nil {
			return fmt.Errorf("failed to retry DLQ job: %w", err)
		}
		fmt.Printf("Job %s has been reset to pending state and will be retried\n", jobID)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage system configuration such as retry count, backoff base, etc.`,
}

var configSetCmd = &cobra.Command{
	Use:   "set key value",
	Short: "Set a configuration value",
	Long:  `Set a configuration key-value pair. Known keys: max_retries, backoff_base, backoff_max, job_timeout`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := svc.SetConfig(cmd.Context(), key, value); err != nil {
			return fmt.Errorf("failed to set config: %w", err)
		}
		fmt.Printf("Configuration '%s' set to '%s'\n", key, value)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get key",
	Short: "Get a configuration value",
	Long:  `Get the value of a configuration key.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := svc.GetConfig(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get config: %w", err)
		}
		fmt.Println(value)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration",
	Long:  `Display all configuration key-value pairs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := svc.AllConfig(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get config: %w", err)
		}
		keys := make([]string, 0, len(cfg))
		for key := range cfg {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Println("Configuration:")
		fmt.Println(strings.Repeat("=", 50))
		fmt.Printf("%-20s %s\n", "KEY", "VALUE")
		fmt.Println(strings.Repeat("-", 50))
		for _, key := range keys {
			fmt.Printf("%-20s %s\n", key, cfg[key])
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show job-id",
	Short: "Show details and output of a job",
	Long:  `Detailed information about a job including its recent executions and their output.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		j, err := svc.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		fmt.Println("Job Details")
		fmt.Println(strings.Repeat("=", 80))
		fmt.Printf("%-20s %s\n", "ID:", j.ID)
		fmt.Printf("%-20s %s\n", "Command:", j.Command)
		fmt.Printf("%-20s %s\n", "State:", string(j.State))
		fmt.Printf("%-20s %d\n", "Attempts:", j.Attempts)
		fmt.Printf("%-20s %d\n", "Max Retries:", j.MaxRetries)
		fmt.Printf("%-20s %s\n", "Created At:", j.CreatedAt.Local().Format(time.RFC3339))
		fmt.Printf("%-20s %s\n", "Updated At:", j.UpdatedAt.Local().Format(time.RFC3339))
		if j.State == job.StatePending {
			fmt.Printf("%-20s %s\n", "Next Run At:", j.NextRunAt.Local().Format(time.RFC3339))
		}
		if j.LastError != "" {
			fmt.Printf("%-20s %s\n", "Last Error:", j.LastError)
		}

		limit, _ := cmd.Flags().GetInt("executions")
		execs, err := svc.RecentExecutions(ctx, j.ID, limit)
		if err != nil {
			return fmt.Errorf("failed to get executions: %w", err)
		}
		fmt.Println("\nExecutions")
		fmt.Println(strings.Repeat("-", 80))
		if len(execs) == 0 {
			fmt.Println("(No executions yet)")
			return nil
		}
		for _, e := range execs {
			result := "ok"
			switch {
			case e.Timeout:
				result = "timeout"
			case !e.Success:
				result = "failed"
			}
			fmt.Printf("%s  %-8s %6dms  %s\n", e.StartedAt.Local().Format(time.RFC3339), result, e.DurationMs, e.WorkerID)
			if e.Error != "" {
				fmt.Printf("  error: %s\n", e.Error)
			}
			if e.Output != "" {
				fmt.Printf("  output:\n    %s\n", strings.ReplaceAll(e.Output, "\n", "\n    "))
			}
		}
		return nil
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Start web dashboard server",
	Long:  `Start a web dashboard and JSON API for monitoring the queue. Prometheus metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return fmt.Errorf("failed to get port flag: %w", err)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := NewServer(svc, port).Start(ctx); err != nil {
			return fmt.Errorf("failed to start dashboard server: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default $QUEUECTL_DATA_DIR or ./data next to the binary)")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "Store URL: sqlite, sqlite:///path.db, redis://host:port/db or memory (default $QUEUECTL_STORE)")

	enqueueCmd.Flags().StringP("file", "f", "", "Read a JSON job or array of jobs from a file")
	enqueueCmd.Flags().String("id", "", "Job ID (generated when empty)")
	enqueueCmd.Flags().IntP("max-retries", "r", 0, "Maximum retries (default from config)")
	rootCmd.AddCommand(enqueueCmd)

	rootCmd.AddCommand(statusCmd)

	listCmd.Flags().StringP("state", "s", "", "Filter jobs by state (pending, processing, completed, dead)")
	rootCmd.AddCommand(listCmd)

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)

	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	showCmd.Flags().IntP("executions", "n", 5, "Number of recent executions to show")
	rootCmd.AddCommand(showCmd)

	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to run the dashboard server on")
	rootCmd.AddCommand(dashboardCmd)

	workerStartCmd.Flags().IntP("count", "c", 1, "Number of workers to start")
	workerStopCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for workers to exit")
	workerCmd.AddCommand(workerStartCmd)
	workerCmd.AddCommand(workerStopCmd)
	rootCmd.AddCommand(workerCmd)
}

// run executes one command line. The store is closed on every path,
// including a failed command, where cobra skips post-run hooks.
func run(args []string) error {
	defer closeStore()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
