package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/petrijr/flowgate/internal/config"
	"github.com/petrijr/flowgate/internal/graph"
	"github.com/petrijr/flowgate/pkg/worker"
)

func newWorkerCmd(configPath *string) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume apply and advance tasks until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Worker.Concurrency = concurrency
			}
			ctx := cmd.Context()

			s, err := openStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if cfg.Metrics.Addr != "" {
				srv := &http.Server{
					Addr:              cfg.Metrics.Addr,
					Handler:           metricsMux(s),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						s.logger.Error("metrics server stopped", slog.Any("error", err))
					}
				}()
				defer srv.Close()
				s.logger.Info("serving metrics", slog.String("addr", cfg.Metrics.Addr))
			}

			if cfg.Worker.RequeueOnStart {
				n, err := s.engine.RequeueStranded(ctx)
				if err != nil {
					return fmt.Errorf("requeue stranded: %w", err)
				}
				s.logger.Info("requeued stranded runtimes", slog.Int("count", n))
			}

			w := worker.NewWithConfig(s.engine, s.queue, worker.Config{
				MaxAttempts: cfg.Worker.MaxAttempts,
				Backoff:     cfg.Worker.Backoff,
				MaxBackoff:  cfg.Worker.MaxBackoff,
				Concurrency: cfg.Worker.Concurrency,
				Logger:      s.logger,
			})
			s.logger.Info("worker started",
				slog.String("store", cfg.Store.Driver),
				slog.String("queue", cfg.Queue.Driver),
				slog.Int("concurrency", cfg.Worker.Concurrency),
			)
			err = w.Run(ctx)
			s.logger.Info("worker stopped")
			return err
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override worker.concurrency")
	return cmd
}

func metricsMux(s *stack) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Parse and validate workflow definition files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				dir = cfg.Workflows.Dir
			}

			files, err := graph.LoadWorkflowDir(dir)
			if err != nil {
				return err
			}
			reg := graph.NewRegistry()
			var failed int
			for _, f := range files {
				if err := reg.Register(f.Workflow); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", f.Path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %s  %s v%d (%s)\n", f.Path, f.Workflow.ID, f.Workflow.Version, f.Workflow.AppCode)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflows invalid", failed, len(files))
			}
			return nil
		},
	}
}

func newRequeueCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Reschedule background work for stranded runtimes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			s, err := openStack(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.engine.RequeueStranded(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d runtimes\n", n)
			return nil
		},
	}
}

func newResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <runtime-id>...",
		Short: "Resume stalled runtimes on the latest workflow version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			s, err := openStack(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			var failed int
			for _, id := range args {
				rt, err := s.engine.ResumeStalled(cmd.Context(), id)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s  %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %s  %s v%d\n", id, rt.State, rt.FlowVersion)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runtimes not resumed", failed, len(args))
			}
			return nil
		},
	}
}
