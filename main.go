package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"scalpflow/config"
	"scalpflow/internal/bus"
	"scalpflow/internal/exchange"
	"scalpflow/internal/governor"
	"scalpflow/internal/indicator"
	"scalpflow/internal/reader"
	"scalpflow/internal/strategy"
	"scalpflow/internal/symbols"
	"scalpflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Scalpflow.Name,
		"version": cfg.Scalpflow.Version,
	}).Info("starting scalpflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.StartReport(ctx, log, 30*time.Second)

	events := bus.New()
	defer events.Close()

	gov := governor.New(cfg.Governor)
	client := exchange.NewClient(cfg.Exchange, gov)

	streamReader := reader.NewReader(cfg.Stream, cfg.Exchange.WSURL)
	fanout := bus.NewTickFanOut(streamReader.Ticks(), cfg.Stream.MessageBuffer, 2)

	worker := indicator.NewWorker(cfg.Indicator, fanout.Out(0), nil)
	manager := symbols.NewManager(cfg.Symbols, cfg.Exchange.Quote, client, worker, events)
	engine := strategy.NewEngine(cfg.Strategy, client, worker)

	readerUpdates := events.Subscribe("reader")
	engineUpdates := events.Subscribe("strategy")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		streamReader.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		fanout.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx, fanout.Out(1), engineUpdates)
	}()

	// Symbol-set changes drive the stream subscriptions.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for u := range readerUpdates {
			if err := streamReader.UpdateSubscription(u.Set.Symbols); err != nil {
				log.WithError(err).Warn("subscription update failed")
			}
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-streamReader.Fatal():
		log.WithError(err).Error("stream reader gave up, shutting down")
	}

	log.Info("starting graceful shutdown")

	// Liquidate before tearing the pipeline down so the closes still have
	// a working client underneath them.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	engine.CloseAll(closeCtx)
	closeCancel()

	cancel()
	events.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("scalpflow stopped")
}
