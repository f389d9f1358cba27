package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilupskalvis/factflow/internal/access"
	"github.com/kilupskalvis/factflow/internal/artifacts"
	"github.com/kilupskalvis/factflow/internal/audit"
	"github.com/kilupskalvis/factflow/internal/checkpoint"
	"github.com/kilupskalvis/factflow/internal/config"
	"github.com/kilupskalvis/factflow/internal/jobapi"
	"github.com/kilupskalvis/factflow/internal/orchestrator"
	"github.com/kilupskalvis/factflow/internal/pipeline"
	"github.com/kilupskalvis/factflow/internal/server"
	"github.com/kilupskalvis/factflow/internal/store"
	"github.com/kilupskalvis/factflow/internal/worker"
	"github.com/kilupskalvis/factflow/internal/workflow"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and stage workers",
	Long: `Start the factflow API server. Stages interrupted by a previous shutdown
are resumed from their checkpoints before requests are accepted.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, logger := loadConfig()
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		exitError("%v", err)
	}
}

// newJobClient builds the processing backend named by jobs.backend. The
// returned close function is never nil.
func newJobClient(cfg *config.Config, logger *slog.Logger) (jobapi.Client, func(), error) {
	switch cfg.Jobs.Backend {
	case "llm":
		r, err := jobapi.NewLLMRunner(jobapi.LLMConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "http":
		return jobapi.NewHTTPClient(cfg.Jobs.APIURL, cfg.Jobs.APIToken, cfg.Jobs.RequestsPerSecond), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown jobs backend %q", cfg.Jobs.Backend)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cps, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		return fmt.Errorf("failed to open checkpoints: %w", err)
	}
	defer cps.Close()

	jobs, closeJobs, err := newJobClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create job client: %w", err)
	}
	defer closeJobs()

	auditLog := audit.New(st, logger)
	orch := orchestrator.New(auditLog, jobs, orchestrator.Config{
		MaxRetries:      cfg.Orchestrator.MaxRetries,
		RetryDelay:      cfg.Orchestrator.RetryDelay,
		PollInterval:    cfg.Orchestrator.PollInterval,
		MaxPollAttempts: cfg.Orchestrator.MaxPollAttempts,
		SubmitTimeout:   cfg.Orchestrator.SubmitTimeout,
	}, logger)

	pool := worker.NewPool(cfg.Worker.Concurrency, logger)
	defer pool.Shutdown()

	deps := pipeline.Deps{
		Machine:      workflow.New(st, logger),
		Gate:         access.New(st),
		Artifacts:    artifacts.New(st, logger),
		Audit:        auditLog,
		Orchestrator: orch,
		Jobs:         jobs,
		Checkpoints:  cps,
		Runner:       pool,
		Logger:       logger,
	}
	webhooks := server.NewWebhookNotifier(&server.WebhookConfig{URLs: cfg.Server.WebhookURLs, MaxRetries: 3}, logger)
	if webhooks != nil {
		deps.Notifier = webhooks
		logger.Info("webhooks configured", "count", len(cfg.Server.WebhookURLs))
	}
	p := pipeline.New(deps)

	resumed, err := p.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume stages: %w", err)
	}
	if resumed > 0 {
		logger.Info("resumed interrupted stages", "count", resumed)
	}

	h, handlerCleanup := server.Handler(p, auditLog, st, &server.Config{
		MaxRequestBody:    1 << 20,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		AdminToken:        cfg.Server.AdminToken,
		JWTSecret:         cfg.Server.JWTSecret,
		RetentionHorizon:  cfg.Retention.Horizon,
	}, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting factflow", "listen", cfg.Server.Listen, "jobs_backend", cfg.Jobs.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	})
	if cfg.Retention.Interval > 0 {
		g.Go(func() error {
			return server.RetentionLoop(gctx, auditLog, cfg.Retention.Horizon, cfg.Retention.Interval, logger)
		})
	}

	err = g.Wait()
	pool.Shutdown()
	webhooks.Wait()
	logger.Info("server stopped")
	return err
}
