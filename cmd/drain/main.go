// Command drain runs the agent pool until the work queue is empty, then
// exits. It is the batch-mode counterpart of the server's continuous loop,
// meant for cron jobs and ephemeral cloud runners.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kristinday/ace/internal/adapter/observability"
	"github.com/kristinday/ace/internal/app"
	"github.com/kristinday/ace/internal/config"
	"github.com/kristinday/ace/internal/domain"
)

func main() {
	var (
		targetFlag     string
		maxIssues      int
		checkInterval  int
		secretsBackend string
	)

	root := &cobra.Command{
		Use:   "drain",
		Short: "Process the work queue until it is empty, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if secretsBackend != "" {
				switch secretsBackend {
				case "env", "secret-manager":
					cfg.SecretsBackend = secretsBackend
				default:
					return fmt.Errorf("%w: --secrets-backend %q (want env or secret-manager)", domain.ErrInvalidArgument, secretsBackend)
				}
			}
			cfg.MaxIssuesPerRun = maxIssues

			target, err := domain.ParseTarget(targetFlag)
			if err != nil {
				return err
			}

			logger := observability.SetupLogger(cfg)
			slog.SetDefault(logger)
			observability.InitMetrics()

			orch := app.BuildOrchestrator(cfg, []domain.AgentTarget{target}, logger)
			pool := orch.Pools[target]

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				slog.Info("signal received, stopping after in-flight items")
				pool.Stop()
				cancel()
			}()

			slog.Info("drain starting",
				slog.String("target", string(target)),
				slog.Int("max_issues", maxIssues))
			if err := pool.RunUntilEmpty(ctx, time.Duration(checkInterval)*time.Second); err != nil {
				_ = pool.Shutdown()
				return err
			}
			if err := pool.Shutdown(); err != nil {
				return err
			}
			st := pool.Status()
			slog.Info("drain finished",
				slog.Int("completed", st.CompletedCount),
				slog.Int("failed", st.FailedCount))
			return nil
		},
	}

	root.Flags().StringVar(&targetFlag, "target", "remote", "pool target: local, remote, or any")
	root.Flags().IntVar(&maxIssues, "max-issues", 0, "maximum issues to process this run (0 = unlimited)")
	root.Flags().IntVar(&checkInterval, "check-interval", 30, "seconds between queue re-checks while draining")
	root.Flags().StringVar(&secretsBackend, "secrets-backend", "", "override SECRETS_BACKEND: env or secret-manager")

	if err := root.Execute(); err != nil {
		slog.Error("drain failed", slog.Any("error", err))
		os.Exit(1)
	}
}
