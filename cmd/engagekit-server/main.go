package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "engagekit: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags Flags
	root := &cobra.Command{
		Use:           "engagekit-server",
		Short:         "Points, achievements, streaks and leaderboards over an event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to a JSON config file")
	root.PersistentFlags().StringVar(&flags.Profile, "profile", "", "built-in profile (development, testing, staging, production)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, WebSocket stream and scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay every ledger and report balances that disagree with their history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	root.AddCommand(serve, reconcile)
	root.RunE = serve.RunE
	return root
}

func runServe(ctx context.Context, flags Flags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := BuildApp(ctx, flags)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer cleanup()

	cfg := app.Config
	logger := app.Logger
	logger.Info("starting engagekit server",
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"broker_adapter", cfg.Broker.Adapter)

	if err := app.System.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	app.Scheduler.Start()

	servers := []*http.Server{app.Server}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, app.Metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("server listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		<-app.Scheduler.Stop().Done()
		errs = append(errs, app.System.Close(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

func runReconcile(ctx context.Context, flags Flags, out io.Writer) error {
	app, cleanup, err := BuildApp(ctx, flags)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer cleanup()

	drift, err := app.System.Points.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	users := slices.Sorted(maps.Keys(drift))
	for _, u := range users {
		fmt.Fprintf(out, "%s\t%v\n", u, drift[u])
	}
	if len(drift) > 0 {
		slog.Error("ledger drift detected", "users", len(drift))
		return fmt.Errorf("%d ledgers disagree with their history", len(drift))
	}
	fmt.Fprintln(out, "all ledgers consistent")
	return nil
}
