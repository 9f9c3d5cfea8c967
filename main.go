package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pricewatch/config"
	"pricewatch/internal/dashboard"
	"pricewatch/internal/metadata"
	"pricewatch/internal/metrics"
	"pricewatch/internal/pipeline"
	"pricewatch/logger"
	"pricewatch/reader"
	"pricewatch/reader/site"
	"pricewatch/writer"
)

const (
	defaultConfigPath  = "config/config.yml"
	defaultCatalogPath = "config/catalog.yml"
)

var (
	configPath  string
	catalogPath string
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("pricewatch failed")
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pricewatch",
		Short:         "Collect retail prices into a daily history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to configuration file")
	root.PersistentFlags().StringVar(&catalogPath, "catalog", defaultCatalogPath, "path to product catalog")

	root.AddCommand(
		newRunCmd(),
		newDaemonCmd(),
		newServeCmd(),
		newHistoryCmd(),
		newExportCmd(),
		newRestoreCmd(),
	)
	return root
}

// app holds what every command needs after configuration is loaded.
type app struct {
	cfg     *config.Config
	log     *logger.Log
	history *writer.HistoryStore
}

func setup(ctx context.Context) (*app, error) {
	log := logger.GetLogger()

	path := config.ResolvePath(configPath, defaultConfigPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	log.WithFields(logger.Fields{
		"service":     cfg.Pricewatch.Name,
		"version":     cfg.Pricewatch.Version,
		"config":      path,
		"environment": config.AppEnvironment(),
	}).Info("starting pricewatch")

	history, err := writer.NewHistoryStore(cfg.Storage.DataDir, cfg.Location())
	if err != nil {
		return nil, err
	}

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	if cfg.Storage.S3.Enabled {
		mirror, err := writer.NewS3Mirror(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 mirror: %w", err)
		}
		history.SetMirror(mirror)
	} else {
		log.WithComponent("main").Info("S3 mirror disabled; history stays local")
	}

	return &app{cfg: cfg, log: log, history: history}, nil
}

func (a *app) loadCatalog() (*config.Catalog, error) {
	catalog, err := config.LoadCatalog(config.ResolvePath(catalogPath, defaultCatalogPath))
	if err != nil {
		return nil, err
	}
	if catalog.Size() == 0 {
		if config.IsProductionLike(config.AppEnvironment()) {
			return nil, fmt.Errorf("catalog %s has no products", catalogPath)
		}
		a.log.WithComponent("main").Warn("catalog is empty")
	}
	return catalog, nil
}

func (a *app) newPipeline() (*pipeline.Pipeline, *metadata.RunState, error) {
	sites, err := site.FromConfig(a.cfg.Sites)
	if err != nil {
		return nil, nil, err
	}
	var renderer reader.Renderer
	if a.cfg.Reader.Browser.Enabled {
		renderer = reader.NewChromeRenderer(a.cfg)
	}
	fetcher := reader.NewFetcher(a.cfg, sites, renderer)
	orch := pipeline.NewOrchestrator(a.cfg, fetcher.FetchPrice, reader.NewRetrier(a.cfg.Reader.Retry))

	runs, err := a.openRuns()
	if err != nil {
		return nil, nil, err
	}
	a.log.WithComponent("main").WithFields(logger.Fields{"sites": strings.Join(sites.Sites(), ",")}).Debug("site strategies loaded")
	return pipeline.New(a.cfg, orch, a.history, runs), runs, nil
}

// startDashboard runs the read API in the background when enabled and
// returns a function that waits for it to stop.
func (a *app) startDashboard(ctx context.Context, runs *metadata.RunState, force bool) (func(), error) {
	cfg := a.cfg.Dashboard
	if force {
		cfg.Enabled = true
	}
	srv, err := dashboard.NewServer(cfg, a.history, runs, a.log)
	if err != nil || srv == nil {
		return func() {}, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			a.log.WithComponent("dashboard").WithError(err).Error("read API stopped")
		}
	}()
	return func() {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			a.log.WithComponent("dashboard").Warn("read API shutdown timeout exceeded")
		}
	}, nil
}

func (a *app) openRuns() (*metadata.RunState, error) {
	return metadata.Open(a.cfg.Storage.DataDir)
}
