package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/t77yq/webtimer/internal/config"
	"github.com/t77yq/webtimer/internal/detector"
	"github.com/t77yq/webtimer/internal/executor"
	"github.com/t77yq/webtimer/internal/monitor"
	"github.com/t77yq/webtimer/internal/notify"
	"github.com/t77yq/webtimer/internal/registry"
	"github.com/t77yq/webtimer/internal/scheduler"
	"github.com/t77yq/webtimer/internal/storage"
)

func main() {
	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting agent",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version))

	// Storage initialization is the only unrecoverable startup error:
	// the engine must not run without working history.
	history, err := storage.NewSQLiteHistory(logger, cfg.History.Path)
	if err != nil {
		logger.Fatal("Failed to open history store", zap.Error(err))
	}
	defer history.Close()

	cfg.Notification.Application = cfg.App.Name
	cfg.Notification.Version = cfg.App.Version
	dispatcher, err := notify.NewUDPDispatcher(logger, cfg.Notification)
	if err != nil {
		logger.Fatal("Failed to create notification dispatcher", zap.Error(err))
	}
	defer dispatcher.Close()

	httpExecutor := executor.NewHTTPExecutor(logger, executor.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})
	runner := executor.NewRetryRunner(logger, httpExecutor)
	changeDetector := detector.New(cfg.HTTP.MaxBodyBytes)
	systemMonitor := monitor.NewCollector(logger, cfg.Monitor.Interval)

	core := scheduler.New(logger, registry.New(logger), runner, changeDetector,
		history, dispatcher, scheduler.Options{
			Tick:    cfg.Scheduler.Tick,
			Monitor: systemMonitor,
		})

	// Invalid definitions are rejected here and never reach the
	// scheduler; the rest of the file still loads.
	for i := range cfg.Schedules {
		s := cfg.Schedules[i]
		if err := core.AddSchedule(&s); err != nil {
			logger.Error("Skipping invalid schedule",
				zap.String("id", s.ID),
				zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	systemMonitor.Start(ctx)
	defer systemMonitor.Stop()

	if err := core.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(time.Minute)
	defer statusTicker.Stop()
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if err := core.Stop(); err != nil {
				logger.Error("Failed to stop scheduler", zap.Error(err))
			}
			logger.Info("Agent shut down gracefully")
			return

		case <-statusTicker.C:
			status := core.Status()
			fields := []zap.Field{
				zap.Bool("running", status.Running),
				zap.Int("job_count", status.JobCount),
			}
			if status.System != nil {
				fields = append(fields,
					zap.Float64("cpu_usage", status.System.CPUUsage),
					zap.Float64("memory_usage", status.System.MemoryUsage))
			}
			logger.Info("Agent status", fields...)

		case <-cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -cfg.History.RetentionDays)
			if _, err := history.DeleteBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to cleanup old history", zap.Error(err))
			}
		}
	}
}

// buildLogger tees a rotating JSON file sink with an optional console
// core.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), fileSink, level),
	}
	if cfg.Console {
		consoleConfig := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleConfig),
			zapcore.Lock(os.Stdout),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
