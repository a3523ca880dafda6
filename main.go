package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookstream/config"
	"bookstream/internal/channel/trades"
	"bookstream/logger"
	"bookstream/reader"
	"bookstream/writer"
)

const (
	redisReadyAttempts = 10
	redisReadyDelay    = 2 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bookstream.Name,
		"version": cfg.Bookstream.Version,
		"env":     config.AppEnvironment(),
		"pairs":   cfg.Stream.Pairs,
	}).Info("starting bookstream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	client := writer.NewRedisClient(cfg.Redis)
	defer client.Close()
	if err := writer.WaitReady(ctx, client, redisReadyAttempts, redisReadyDelay); err != nil {
		log.WithComponent("main").WithError(err).Warn("redis unavailable, continuing with best-effort mirroring")
	}
	store := writer.NewRedisStore(client, cfg.Publisher.TradesMaxLen)

	var (
		sink     writer.TradeSink
		archiver *writer.Archiver
		tradeCh  *trades.Channel
	)
	if cfg.Archive.Enabled {
		uploader, err := writer.NewS3Uploader(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 client")
			os.Exit(1)
		}
		tradeCh = trades.NewChannel(cfg.Archive.Buffer)
		archiver = writer.NewArchiver(cfg, tradeCh.C, uploader)
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start trade archive")
			os.Exit(1)
		}
		sink = tradeCh
	} else {
		log.WithComponent("main").Info("trade archive disabled")
	}

	supervisor := reader.NewSupervisor(cfg, store, sink)
	done := make(chan map[string]error, 1)
	go func() { done <- supervisor.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var results map[string]error
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		log.Info("starting graceful shutdown")
		cancel()
		select {
		case results = <-done:
		case <-time.After(shutdownTimeout):
			log.Warn("workers did not stop in time")
		}
	case results = <-done:
		log.Warn("all workers stopped on their own")
		cancel()
	}

	for pair, err := range results {
		if err != nil {
			log.WithComponent("main").WithPair(pair).WithError(err).Error("pair stopped with error")
		}
	}

	if archiver != nil {
		log.Info("stopping trade archive")
		archiver.Stop()
		stats := tradeCh.GetStats()
		log.WithFields(logger.Fields{
			"sent":    stats.Sent,
			"dropped": stats.Dropped,
		}).Info("trade channel stats")
	}

	log.Info("bookstream stopped")
}
