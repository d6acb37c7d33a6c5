package app

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"optionflow/config"
	"optionflow/internal/archive"
	"optionflow/internal/feed"
	"optionflow/internal/metrics"
	"optionflow/internal/sampler"
	"optionflow/internal/snapshot"
	"optionflow/internal/universe"
	"optionflow/internal/writer"
	"optionflow/logger"
)

const shutdownTimeout = 30 * time.Second

// Run wires and supervises the capture pipeline: broker catalog, universe,
// feed shards, sampler, csv writers and the optional archiver. It blocks
// until a shutdown signal arrives or the feed is irrecoverably exhausted and
// returns the process exit code.
func Run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service": cfg.Optionflow.Name,
		"version": cfg.Optionflow.Version,
	}).Info("starting optionflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Addr)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Logging.DashboardName)
	}

	loc, err := cfg.Sampling.Location()
	if err != nil {
		log.WithError(err).Error("Failed to resolve exchange timezone")
		return 1
	}

	apiKey := strings.TrimSpace(os.Getenv("KITE_API_KEY"))
	accessToken := strings.TrimSpace(os.Getenv("KITE_ACCESS_TOKEN"))
	if apiKey == "" || accessToken == "" {
		log.WithEnv("KITE_API_KEY", "KITE_ACCESS_TOKEN").Error("KITE_API_KEY and KITE_ACCESS_TOKEN must be set")
		return 1
	}

	broker := kiteconnect.New(apiKey)
	broker.SetAccessToken(accessToken)

	catalog, err := universe.NewCatalog(broker, cfg.Universe, loc)
	if err != nil {
		log.WithError(err).Error("Failed to create instrument catalog")
		return 1
	}
	if err := catalog.Load(false); err != nil {
		log.WithError(err).Error("Failed to load instrument catalog")
		return 1
	}

	spots := universe.NewSpotFetcher(broker, cfg.Universe, cfg.Sampling.Underlyings)
	provider := universe.NewProvider(cfg.Universe, catalog, spots, cfg.Sampling.Underlyings, loc)
	if err := provider.Rebuild(ctx); err != nil {
		log.WithError(err).Error("Failed to build option universe")
		return 1
	}
	if err := spots.Start(ctx); err != nil {
		log.WithError(err).Warn("spot fetcher failed to start")
	}

	dialer, err := feed.NewKiteDialer(apiKey, accessToken)
	if err != nil {
		log.WithError(err).Error("Failed to create feed dialer")
		return 1
	}

	manager := feed.NewManager(cfg.Feed, dialer)
	if err := manager.Configure(provider.Tokens()); err != nil {
		log.WithError(err).Error("Failed to configure feed shards")
		return 1
	}

	var archiver *archive.Archiver
	var onRoll func(path string)
	if cfg.Storage.Archive.Enabled {
		archiver, err = archive.NewArchiver(cfg.Storage, cfg.Optionflow.Version)
		if err != nil {
			log.WithError(err).Error("Failed to create archiver")
			return 1
		}
		onRoll = archiver.Enqueue
	}

	writers, err := writer.NewMultiCSVWriter(cfg.Storage, cfg.Sampling.Underlyings, cfg.Sampling.VenueLabel, loc, onRoll)
	if err != nil {
		log.WithError(err).Error("Failed to create csv writers")
		return 1
	}

	builder := snapshot.NewBuilder(cfg.Sampling.VenueLabel, loc)
	loop := sampler.New(cfg.Sampling, manager, provider, builder, writers)

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start feed manager")
		return 1
	}
	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Warn("archiver failed to start")
		}
	}

	var wg sync.WaitGroup
	loopErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		loopErr <- loop.Run(ctx)
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
		select {
		case err := <-loopErr:
			if err != nil && !errors.Is(err, feed.ErrAllShardsExhausted) {
				log.WithError(err).Error("sampling loop failed during shutdown")
				exitCode = 1
			}
		case <-time.After(shutdownTimeout):
			log.Warn("sampling loop did not stop in time")
			exitCode = 1
		}
	case err := <-loopErr:
		if err != nil {
			log.WithError(err).Error("sampling loop terminated")
			exitCode = 1
		}
		cancel()
	}

	log.Info("starting graceful shutdown")

	log.Info("stopping feed manager")
	manager.Stop()

	log.Info("stopping spot fetcher")
	spots.Stop()

	log.Info("closing csv writers")
	if err := writers.Close(); err != nil {
		log.WithError(err).Warn("error closing csv writers")
	}

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	for underlying, stats := range writers.Stats() {
		log.WithFields(logger.Fields{
			"underlying":   underlying,
			"rows_written": stats.RowsWritten,
			"current_file": stats.CurrentFile,
		}).Info("writer totals")
	}

	feedStats := manager.Stats()
	loopStats := loop.Stats()
	log.WithFields(logger.Fields{
		"ticks_received": feedStats.TicksReceived,
		"reconnects":     feedStats.ReconnectCount,
		"errors":         feedStats.ErrorCount,
		"shards":         feedStats.ShardCount,
		"cycles":         loopStats.Cycles,
	}).Info("capture totals")

	log.Info("optionflow stopped")
	return exitCode
}
