package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/rpcbridge"
	"github.com/glimte/rpcbridge/auth"
	"github.com/glimte/rpcbridge/health"
	"github.com/glimte/rpcbridge/internal/telemetry"
	"github.com/glimte/rpcbridge/messaging"
	"github.com/glimte/rpcbridge/store/sqlite"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var models []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve SQLite-backed models over the broker",
		Long: `Serve opens the SQLite database, exposes one document collection per model
and answers requests until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("model") {
				a.cfg.Models = models
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringSliceVarP(&models, "model", "m", nil, "model to expose (repeatable)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	shutdownTracing, err := telemetry.Setup(ctx, "rpcbridge", a.cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	db, err := sqlite.Open(a.cfg.DBPath, sqlite.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer db.Close()

	registry := messaging.NewRegistry()
	for _, name := range a.cfg.Models {
		if err := registry.Register(db.Collection(name).Definition()); err != nil {
			return err
		}
	}
	if len(a.cfg.Models) == 0 {
		a.logger.Warn("no models configured; every request will get 404")
	}

	options := []rpcbridge.Option{
		rpcbridge.WithLogger(a.logger),
		rpcbridge.WithReplyTimeout(a.cfg.ReplyTimeout),
		rpcbridge.WithPrefetch(a.cfg.Prefetch),
		rpcbridge.WithPublishTimeout(a.cfg.PublishTimeout),
	}
	if a.cfg.OTelEndpoint != "" {
		options = append(options, rpcbridge.WithTracer(telemetry.Tracer()))
	}
	if a.cfg.AuthEnabled {
		ac, err := a.accessControl()
		if err != nil {
			return err
		}
		options = append(options, rpcbridge.WithAccessControl(ac))
	}

	server := rpcbridge.NewServer(a.cfg.Broker, registry, options...)
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Close(closeCtx); err != nil {
			a.logger.Error("failed to close bridge", "error", err)
		}
	}()

	errs := make(chan error, 1)
	if a.cfg.HealthAddr != "" {
		checks := health.NewRegistry()
		checks.SetMetadata("version", version)
		checks.Register(health.NewBrokerChecker(server))
		checks.Register(health.NewStoreChecker("sqlite", db))
		checks.Register(health.NewRuntimeChecker(500, 1000))
		checks.Register(dispatchChecker(server.Metrics()))

		httpServer := &http.Server{
			Addr:              a.cfg.HealthAddr,
			Handler:           health.NewRouter(checks, 5*time.Second),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("health endpoint listening", "addr", a.cfg.HealthAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("health endpoint: %w", err)
			}
		}()
		defer httpServer.Shutdown(context.Background())
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return nil
	case err := <-errs:
		return err
	}
}

// accessControl builds the JWT resolver and the ACL. Without an ACL file every
// call is denied.
func (a *app) accessControl() (messaging.AccessControl, error) {
	resolver, err := auth.NewTokenResolver(auth.TokenConfig{Secret: []byte(a.cfg.TokenSecret)})
	if err != nil {
		return messaging.AccessControl{}, err
	}

	var acl *auth.ACL
	if a.cfg.ACLFile != "" {
		acl, err = auth.LoadACL(a.cfg.ACLFile, auth.WithACLLogger(a.logger))
	} else {
		a.logger.Warn("access control enabled without an ACL file; all calls will be denied")
		acl, err = auth.NewACL(auth.ACLFile{}, auth.WithACLLogger(a.logger))
	}
	if err != nil {
		return messaging.AccessControl{}, err
	}

	return messaging.AccessControl{Enabled: true, Resolver: resolver, Checker: acl}, nil
}

// dispatchChecker reports degraded once more than a tenth of reply or broadcast
// publishes have failed
func dispatchChecker(metrics messaging.MetricsCollector) health.Checker {
	return health.NewComponentChecker("dispatch", func(context.Context) (health.Status, string, map[string]any, error) {
		stats := metrics.GetStats()
		details := map[string]any{
			"requests_processed": stats.RequestsProcessed,
			"requests_failed":    stats.RequestsFailed,
			"replies_failed":     stats.RepliesFailed,
			"broadcasts_failed":  stats.BroadcastsFailed,
			"avg_process_time":   stats.AverageProcessTime.String(),
		}

		switch {
		case failing(stats.RepliesFailed, stats.RepliesPublished):
			return health.StatusDegraded, fmt.Sprintf("%d reply publishes failed", stats.RepliesFailed), details, nil
		case failing(stats.BroadcastsFailed, stats.BroadcastsSent):
			return health.StatusDegraded, fmt.Sprintf("%d broadcasts failed", stats.BroadcastsFailed), details, nil
		}
		return health.StatusHealthy, "dispatch is normal", details, nil
	})
}

func failing(failed, succeeded int64) bool {
	return failed > 0 && failed*10 > failed+succeeded
}
