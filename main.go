package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2/google"

	"github.com/orenshk/babyguard/internal/config"
	"github.com/orenshk/babyguard/internal/connection"
	"github.com/orenshk/babyguard/internal/detector"
	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/monitor"
	"github.com/orenshk/babyguard/internal/notify"
	"github.com/orenshk/babyguard/internal/realtime"
	"github.com/orenshk/babyguard/internal/s3"
	"github.com/orenshk/babyguard/internal/store"
	"github.com/orenshk/babyguard/internal/stream"
	"github.com/orenshk/babyguard/internal/training"
	"github.com/orenshk/babyguard/internal/web"
)

var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	// Local development overrides; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting babyguard", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		log.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open database", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}
	defer st.Close()

	hub := realtime.NewHub(log)

	notifier := buildNotifier(cfg, log)

	artifacts, err := s3.NewClient(ctx, s3.Config{
		Endpoint:  cfg.Remote.Endpoint,
		AccessKey: cfg.Remote.AccessKey,
		SecretKey: cfg.Remote.SecretKey,
		Bucket:    cfg.Remote.Bucket,
		UseSSL:    cfg.Remote.UseSSL,
	})
	if err != nil {
		log.Error("Failed to connect to artifact storage", "error", err)
		os.Exit(1)
	}

	registry := connection.NewRegistry(st, connection.RegistryConfig{}, log)

	det := detector.NewClient(detector.ClientConfig{
		ServiceURL: cfg.Inference.ServiceURL,
		Timeout:    cfg.Inference.Timeout,
	}, log)

	newBuffer := func(streamURL string) monitor.FrameBuffer {
		return stream.NewBuffer(
			stream.MJPEGDialer(streamURL, cfg.Stream.ConnectTimeout),
			stream.BufferConfig{
				RetryDelay:   cfg.Stream.RetryDelay,
				RestartDelay: cfg.Stream.RestartDelay,
			}, log)
	}

	manager := monitor.NewManager(st, det, hub, notifier, registry, newBuffer,
		cfg.Storage.TrainingDir, monitor.SessionConfig{
			MaxReadFails:    cfg.Stream.MaxReadFails,
			MaxRestarts:     cfg.Stream.MaxRestarts,
			ConfidenceFloor: cfg.Detection.ConfidenceFloor,
			Cooldown:        cfg.Detection.Cooldown,
			CycleDelay:      cfg.Detection.CycleDelay,
			DetectionsDir:   cfg.Storage.DetectionsDir,
		}, log)

	jobs := training.NewJobs(cfg.Training.JobTTL)
	trigger := training.NewHTTPTrigger(training.HTTPTriggerConfig{
		Endpoint: cfg.Training.TriggerURL,
	}, log)
	orchestrator := training.NewOrchestrator(st, artifacts, trigger, jobs,
		training.OrchestratorConfig{
			TrainingDir:   cfg.Storage.TrainingDir,
			ValSplitRatio: cfg.Training.ValSplitRatio,
		}, log)

	poller := training.NewPoller(st, artifacts, jobs, hub, notifier,
		training.PollerConfig{
			Interval:    cfg.Training.PollInterval,
			TrainingDir: cfg.Storage.TrainingDir,
			Retry:       training.DefaultRetryConfig(),
		}, log)
	poller.Start(ctx)

	server := web.NewServer(web.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		WaitTimeout:   cfg.Detection.WaitTimeout,
		StagingDir:    filepath.Join(cfg.Storage.DataDir, "staging"),
		DetectionsDir: cfg.Storage.DetectionsDir,
	}, st, registry, manager, orchestrator, hub, log)

	if err := server.Start(ctx); err != nil {
		log.Error("Failed to start web server", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping web server", "error", err)
	}
	cancel()
	poller.Stop()

	log.Info("Shutdown complete")
}

// buildNotifier wires FCM push delivery when enabled, falling back to a
// no-op sender so the rest of the system never cares.
func buildNotifier(cfg *config.Config, log *logger.Logger) notify.Notifier {
	if !cfg.Push.Enabled {
		return notify.NewNopNotifier(log)
	}

	creds, err := os.ReadFile(cfg.Push.CredentialsPath)
	if err != nil {
		log.Warn("Push disabled, failed to read FCM credentials", "error", err)
		return notify.NewNopNotifier(log)
	}
	jwtCfg, err := google.JWTConfigFromJSON(creds, "https://www.googleapis.com/auth/firebase.messaging")
	if err != nil {
		log.Warn("Push disabled, invalid FCM credentials", "error", err)
		return notify.NewNopNotifier(log)
	}

	return notify.NewFCMClient(notify.FCMConfig{
		ProjectID: cfg.Push.ProjectID,
		TokenSource: func(ctx context.Context) (string, error) {
			token, err := jwtCfg.TokenSource(ctx).Token()
			if err != nil {
				return "", err
			}
			return token.AccessToken, nil
		},
	}, log)
}
