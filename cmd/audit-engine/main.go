package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-audit/internal/api"
	"github.com/miradorstack/mirador-audit/internal/cache"
	"github.com/miradorstack/mirador-audit/internal/config"
	"github.com/miradorstack/mirador-audit/internal/engine"
	"github.com/miradorstack/mirador-audit/internal/extractors"
	"github.com/miradorstack/mirador-audit/internal/labels"
	"github.com/miradorstack/mirador-audit/internal/metrics"
	"github.com/miradorstack/mirador-audit/internal/patterns"
	"github.com/miradorstack/mirador-audit/internal/repo"
	"github.com/miradorstack/mirador-audit/internal/services"
	"github.com/miradorstack/mirador-audit/internal/utils"
	"github.com/miradorstack/mirador-audit/internal/verify"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	sourcePath string
	format     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "audit-engine",
		Short:         "Procurement anomaly detection over OCEL2 logs with a review queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.sourcePath, "source", "", "OCEL2 log snapshot, overrides source.path")
	root.PersistentFlags().StringVar(&opts.format, "format", "", "Snapshot format (sqlite or json), overrides source.format")

	root.AddCommand(newRunCmd(opts), newServeCmd(opts))
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var printJSON bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch detection pass and persist its candidates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()
			if a.reader == nil {
				return a.fail("source path is required for a batch run", nil)
			}
			run, _, err := a.pipeline.Run(ctx, a.reader)
			if err != nil {
				return a.fail("batch run failed", err)
			}
			if printJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printJSON, "json", false, "Print the run record as JSON")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var runOnStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the review queue over HTTP and gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			if runOnStart && a.reader != nil {
				if _, _, err := a.pipeline.Run(ctx, a.reader); err != nil {
					return a.fail("batch run failed", err)
				}
			}

			review, err := a.reviewService(ctx)
			if err != nil {
				return a.fail("failed to build review service", err)
			}
			server, err := api.NewServer(a.cfg.Server, review, prometheus.DefaultGatherer, a.logger)
			if err != nil {
				return a.fail("failed to create server", err)
			}

			go func() {
				if serveErr := server.Start(); serveErr != nil {
					a.logger.Error("server exited", slog.Any("error", serveErr))
					stop()
				}
			}()

			<-ctx.Done()
			a.logger.Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
			defer cancel()
			server.Shutdown(shutdownCtx)
			a.logger.Info("mirador-audit stopped", slog.Duration("verify_p95", review.LatencyP95()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "Run a batch pass before serving")
	return cmd
}

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *repo.Store
	cache    cache.Provider
	rules    *engine.RulePack
	pipeline *engine.Pipeline
	reader   extractors.Reader
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", opts.configPath), slog.Any("error", err))
		return nil, err
	}
	if opts.sourcePath != "" {
		cfg.Source.Path = opts.sourcePath
	}
	if opts.format != "" {
		cfg.Source.Format = opts.format
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-audit",
		slog.String("schema_version", cfg.Pipeline.SchemaVersion),
		slog.String("llm_provider", cfg.LLM.Provider),
	)
	a := &app{cfg: cfg, logger: logger}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, a.fail("failed to register metrics", err)
	}

	a.store, err = repo.Open(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return nil, a.fail("failed to open store", err)
	}

	a.cache = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		a.cache = cache.NewMemoryProvider(cfg.Cache.ResultTTL, cfg.Cache.CleanupInterval)
	}

	a.rules, err = engine.NewRulePack(cfg.Rules.Path, logger)
	if err != nil {
		a.close()
		return nil, a.fail("failed to load rule pack", err)
	}

	schema := engine.SchemaFromConfig(cfg.Source)
	miner := patterns.NewMiner(logger, a.store)
	a.pipeline, err = engine.NewPipeline(logger, cfg.Pipeline, schema, a.rules, a.store, miner, nil)
	if err != nil {
		a.close()
		return nil, a.fail("failed to build pipeline", err)
	}

	if cfg.Source.Path != "" {
		if a.reader, err = extractors.Open(cfg.Source.Path, cfg.Source.Format, schema, logger); err != nil {
			a.close()
			return nil, a.fail("failed to open source", err)
		}
	}
	return a, nil
}

func (a *app) reviewService(ctx context.Context) (*services.ReviewService, error) {
	cfg := a.cfg
	subgraphs := services.NewSubgraphs(a.logger, a.pipeline, a.reader, a.store, a.cache, cfg.Cache.GraphTTL, nil)

	var provider verify.Provider = verify.MockProvider{}
	if cfg.LLM.Provider == "openai" {
		provider = verify.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	}
	orchestrator, err := verify.NewOrchestrator(verify.Deps{
		Store:     a.store,
		Provider:  provider,
		Quota:     verify.NewQuota(cfg.LLM.DailyLimit, cfg.Location(), nil),
		Scorer:    a.pipeline.Scorer(),
		Rules:     a.rules,
		Cache:     a.cache,
		Logger:    a.logger,
		Subgraphs: subgraphs.Resolve,
	}, verify.OptionsFromConfig(cfg.LLM, cfg.Cache))
	if err != nil {
		return nil, err
	}
	if err := orchestrator.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seed daily quota: %w", err)
	}

	labelStore := labels.NewStore(a.store, nil, a.logger)
	return services.NewReviewService(a.logger, a.store, orchestrator, labelStore, subgraphs, a.rules), nil
}

func (a *app) fail(msg string, err error) error {
	attrs := []any{}
	if err != nil {
		attrs = append(attrs, slog.String("error_code", string(utils.CodeOf(err))), slog.Any("error", err))
	}
	a.logger.Error(msg, attrs...)
	if err == nil {
		return errors.New(msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.Any("error", err))
		}
	}
}
