// Package main wires together the urlsieve service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/urlsieve/urlsieve/internal/api"
	"github.com/urlsieve/urlsieve/internal/batch"
	"github.com/urlsieve/urlsieve/internal/checkpoint"
	"github.com/urlsieve/urlsieve/internal/config"
	"github.com/urlsieve/urlsieve/internal/database"
	"github.com/urlsieve/urlsieve/internal/fetch"
	"github.com/urlsieve/urlsieve/internal/governor"
	"github.com/urlsieve/urlsieve/internal/logging"
	"github.com/urlsieve/urlsieve/internal/metrics"
	"github.com/urlsieve/urlsieve/internal/publisher/memory"
	gcppub "github.com/urlsieve/urlsieve/internal/publisher/pubsub"
	"github.com/urlsieve/urlsieve/internal/qa"
	"github.com/urlsieve/urlsieve/internal/resource"
	"github.com/urlsieve/urlsieve/internal/scheduler"
)

// engineSubmitter breaks the construction cycle between the rechecker (a
// sink the engine needs) and the engine (the submitter the rechecker needs).
type engineSubmitter struct {
	engine *scheduler.Engine
}

func (s *engineSubmitter) Submit(urls []string) (string, error) {
	if s.engine == nil {
		return "", errors.New("engine not ready")
	}
	return s.engine.Submit(urls)
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sampler, err := resource.NewProcSampler()
	if err != nil {
		logger.Warn("procfs unavailable, pressure shedding disabled", zap.Error(err))
	}
	var monitorSampler resource.Sampler
	if sampler != nil {
		monitorSampler = sampler
	}
	monitor := resource.NewMonitor(resource.Config{
		Sampler:  monitorSampler,
		Interval: cfg.SampleInterval(),
		Limits: resource.Limits{
			CPUPercent:     cfg.Resources.CPUPercentLimit,
			MemPercent:     cfg.Resources.MemoryPercentLimit,
			CriticalMargin: cfg.Resources.CriticalMargin,
		},
		Logger: logger.Named("resource"),
	})

	gov := governor.New(governor.Config{
		MaxInFlight: cfg.Domain.MaxInFlight,
		Cooldown:    cfg.Cooldown(),
	})

	retry := batch.NewRetryPolicy(batch.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		ShedDelay:   time.Duration(cfg.Retry.ShedDelayMs) * time.Millisecond,
		Jitter:      cfg.Retry.JitterEnabled,
	})

	ckpt, err := checkpoint.NewStore(checkpoint.Config{
		Dir:           cfg.Checkpoint.Dir,
		FlushEvery:    cfg.Checkpoint.FlushEvery,
		FlushInterval: time.Duration(cfg.Checkpoint.FlushIntervalS) * time.Second,
		Logger:        logger.Named("checkpoint"),
	})
	if err != nil {
		logger.Fatal("checkpoint store init failed", zap.Error(err))
	}

	fetcher, err := fetch.New(fetch.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		RequestTimeout: time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		RespectRobots:  cfg.Fetch.RespectRobots,
	}, logger.Named("fetch"))
	if err != nil {
		logger.Fatal("fetcher init failed", zap.Error(err))
	}

	var sink batch.ResultSink = batch.NopSink{}
	if cfg.DB.Provider == "postgres" && cfg.DB.DSN != "" {
		dbSink, err := database.NewSink(ctx, cfg.DB.DSN, logger.Named("database"))
		if err != nil {
			logger.Fatal("database init failed", zap.Error(err))
		}
		defer dbSink.Close()
		sink = dbSink
	}

	var pub batch.Publisher
	switch cfg.PubSub.Provider {
	case "gcp":
		gp, err := gcppub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer gp.Close()
		pub = gp
	case "memory":
		pub = memory.New()
	}

	sub := &engineSubmitter{}
	engineSink := sink
	var rechecker *qa.Rechecker
	if cfg.QA.Enabled {
		rechecker = qa.New(sink, sub, qa.Config{
			SampleRate: cfg.QA.RecheckPercentage,
		}, logger.Named("qa"))
		engineSink = rechecker
	}

	engine, err := scheduler.New(scheduler.Config{
		Concurrency:     cfg.Scheduler.Concurrency,
		ChunkSize:       cfg.Scheduler.ChunkSize,
		TaskTimeout:     cfg.TaskTimeout(),
		PressurePause:   time.Duration(cfg.Scheduler.PressurePauseMs) * time.Millisecond,
		DrainPoll:       time.Duration(cfg.Scheduler.DrainPollMs) * time.Millisecond,
		AdmitRetryFloor: time.Duration(cfg.Scheduler.AdmitRetryFloorMs) * time.Millisecond,
	}, scheduler.Options{
		Governor:  gov,
		Monitor:   monitor,
		Retry:     retry,
		Ckpt:      ckpt,
		Processor: fetcher,
		Sink:      engineSink,
		Publisher: pub,
		Logger:    logger.Named("scheduler"),
	})
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}
	sub.engine = engine

	apiServer := api.NewServer(engine, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if rechecker != nil {
		rechecker.Flush()
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
