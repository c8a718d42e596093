package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/petrijr/stageflow/internal/config"
	"github.com/petrijr/stageflow/internal/pipeline"
	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/observers"
)

type globalFlags struct {
	configPath string
	logLevel   string
	driver     string
	dsn        string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Event-driven workflow engine for multi-stage task pipelines",
		Long: `stageflow runs event-driven workflows that fan out to asynchronous
tasks, join their results, and refine artifacts with critique loops.

The bundled research pipeline uses scripted agents so it can be run
without any model provider.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.driver, "store", "", "Store driver override (memory, sqlite, postgres, redis, mongo)")
	cmd.PersistentFlags().StringVar(&g.dsn, "dsn", "", "Store DSN override")

	cmd.AddCommand(runCmd(&g), runsCmd(&g), historyCmd(&g), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// loadConfig reads the config file (if any) and applies flag overrides.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.driver != "" {
		cfg.Store.Driver = g.driver
	}
	if g.dsn != "" {
		cfg.Store.DSN = g.dsn
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runCmd(g *globalFlags) *cobra.Command {
	var (
		workflow  string
		streaming bool
		history   []string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Run a pipeline workflow and stream its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			obs, closeObs, err := buildObservers(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeObs()

			eng, closeStore, err := openEngine(ctx, cfg, obs, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := pipeline.Register(eng, pipeline.DefaultOptions()); err != nil {
				return err
			}
			tasks, err := pipeline.Tasks(eng, pipeline.DemoAgents())
			if err != nil {
				return err
			}

			msgs, err := parseHistory(history)
			if err != nil {
				return err
			}
			opts := []api.RunOption{api.WithTaskMap(tasks), api.WithHistory(msgs)}
			if timeout > 0 {
				opts = append(opts, api.WithTimeout(timeout))
			}

			start := api.StartEvent(strings.Join(args, " "), map[string]bool{api.KeyStreaming: streaming})
			exec, err := eng.Start(ctx, workflow, start, opts...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for ev := range exec.Events() {
				if ev.Kind == api.KindProgress {
					fmt.Fprintln(out, ev.String())
				}
			}
			res, err := exec.Wait(ctx)
			if err != nil {
				return fmt.Errorf("run %s: %w", exec.ID(), err)
			}
			fmt.Fprintf(out, "\nrun %s completed\n\n%s\n", exec.ID(), res.Response)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workflow, "workflow", "w", pipeline.ResearchWorkflow, "Workflow to run")
	cmd.Flags().BoolVar(&streaming, "stream", false, "Set the streaming flag on the start event")
	cmd.Flags().StringArrayVar(&history, "history", nil, "Chat history entry as role:content (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Run timeout override")
	return cmd
}

func parseHistory(entries []string) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(entries))
	for _, e := range entries {
		role, content, ok := strings.Cut(e, ":")
		if !ok || strings.TrimSpace(role) == "" {
			return nil, fmt.Errorf("history entry %q must be role:content", e)
		}
		msgs = append(msgs, api.Message{Role: strings.TrimSpace(role), Content: strings.TrimSpace(content)})
	}
	return msgs, nil
}

func runsCmd(g *globalFlags) *cobra.Command {
	var workflow, status string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			eng, closeStore, err := openEngine(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			runs, err := eng.ListRuns(cmd.Context(), api.RunListOptions{
				Workflow: workflow,
				Status:   api.Status(strings.ToUpper(status)),
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Workflow, r.Status, r.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "Filter by workflow")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func historyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <run-id>",
		Short: "Print the recorded history of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			eng, closeStore, err := openEngine(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if _, err := eng.GetRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			entries, err := eng.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tSTEP\tKIND\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.At.Format(time.RFC3339Nano), e.Type, e.Step, e.Kind, e.Detail)
			}
			return w.Flush()
		},
	}
}

// buildObservers assembles logging, Prometheus and NATS observers as
// configured. The returned func releases their resources.
func buildObservers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (api.Observer, func(), error) {
	obs := []api.Observer{api.NewLoggingObserver(logger)}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		prom, err := observers.NewPrometheus(reg)
		if err != nil {
			return nil, nil, err
		}
		obs = append(obs, prom)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.NATS.URL != "" {
		nobs, nc, err := observers.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		obs = append(obs, nobs)
		closers = append(closers, func() { _ = nc.Drain() })
	}

	return api.NewCompositeObserver(obs...), closeAll, nil
}
