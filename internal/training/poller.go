package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/notify"
	"github.com/orenshk/babyguard/internal/realtime"
	"github.com/orenshk/babyguard/internal/store"
)

// RetryConfig bounds the retry loop around remote storage calls.
type RetryConfig struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultRetryConfig returns the default storage retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// PollerConfig contains poller settings.
type PollerConfig struct {
	Interval    time.Duration
	TrainingDir string
	Retry       RetryConfig
}

// Poller watches remote storage for freshly trained model artifacts and
// installs them. A storage failure leaves the job pending for the next
// cycle; only an artifact newer than the job's start time counts, an older
// one is the leftover of a previous run.
type Poller struct {
	store     *store.Store
	artifacts ArtifactStore
	jobs      *Jobs
	hub       *realtime.Hub
	notifier  notify.Notifier
	cfg       PollerConfig
	logger    *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a training completion poller.
func NewPoller(
	st *store.Store,
	artifacts ArtifactStore,
	jobs *Jobs,
	hub *realtime.Hub,
	notifier notify.Notifier,
	cfg PollerConfig,
	log *logger.Logger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Poller{
		store:     st,
		artifacts: artifacts,
		jobs:      jobs,
		hub:       hub,
		notifier:  notifier,
		cfg:       cfg,
		logger:    log,
	}
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.logger.Info("Training poller started", "interval", p.cfg.Interval)
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Training poller stopped")
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

// Stop terminates the polling loop and waits for the current cycle.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// pollOnce runs one polling cycle over a snapshot of the pending jobs.
func (p *Poller) pollOnce(ctx context.Context) {
	for _, job := range p.jobs.ExpireStale(time.Now().UTC()) {
		p.logger.Warn("Training job expired without an artifact",
			"job_id", job.ID, "profile_id", job.ProfileID, "camera_type", job.Camera)
	}

	for _, job := range p.jobs.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if err := p.checkJob(ctx, job); err != nil {
			if errors.Is(err, ErrArtifactNotFound) {
				continue
			}
			p.logger.Warn("Training job check failed, leaving pending",
				"job_id", job.ID, "error", err)
		}
	}
}

// checkJob looks for the job's artifact and installs it when it is newer
// than the job's start time.
func (p *Poller) checkJob(ctx context.Context, job Job) error {
	object := ArtifactObject(job.ProfileID, job.Camera)

	createdAt, err := p.statWithRetry(ctx, object)
	if err != nil {
		return err
	}
	if !createdAt.After(job.StartedAt) {
		// A leftover from an earlier training run; the fresh one is not
		// up yet.
		return nil
	}

	localPath := ModelPath(p.cfg.TrainingDir, job.ProfileID, job.Camera)
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := p.downloadWithRetry(ctx, object, localPath); err != nil {
		return err
	}

	if err := p.store.SetModelUpdatedAt(ctx, job.ProfileID, job.Camera, createdAt); err != nil {
		return err
	}

	if !p.jobs.Remove(job.ID) {
		// Another cycle already completed this job.
		return nil
	}

	p.logger.Info("Trained model installed",
		"job_id", job.ID, "profile_id", job.ProfileID, "camera_type", job.Camera)

	p.hub.SendPersonal(job.UserID, realtime.NewTrainingCompletedEvent(job.ProfileID, job.Camera))
	p.notifyUser(ctx, job)
	return nil
}

func (p *Poller) notifyUser(ctx context.Context, job Job) {
	tokens, err := p.store.PushTokensForUser(ctx, job.UserID)
	if err != nil {
		p.logger.Warn("Failed to load push tokens", "error", err)
		return
	}
	if len(tokens) == 0 {
		return
	}
	msg := notify.Notification{
		Title: "Model Ready",
		Body:  fmt.Sprintf("New model for %s is ready!", job.Camera),
		Kind:  notify.KindTrainingCompleted,
	}
	if err := p.notifier.Send(ctx, tokens, msg); err != nil {
		p.logger.Warn("Failed to send push notifications", "error", err)
	}
}

func (p *Poller) statWithRetry(ctx context.Context, object string) (time.Time, error) {
	var createdAt time.Time
	err := p.withRetry(ctx, func() error {
		var err error
		createdAt, err = p.artifacts.Stat(ctx, object)
		return err
	})
	return createdAt, err
}

func (p *Poller) downloadWithRetry(ctx context.Context, object, localPath string) error {
	return p.withRetry(ctx, func() error {
		return p.artifacts.Download(ctx, object, localPath)
	})
}

// withRetry runs fn with bounded exponential backoff. ErrArtifactNotFound is
// a definitive answer, not a transient failure, so it short-circuits.
func (p *Poller) withRetry(ctx context.Context, fn func() error) error {
	cfg := p.cfg.Retry
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else if errors.Is(err, ErrArtifactNotFound) {
			return err
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
		if delay > cfg.MaxRetryDelay {
			delay = cfg.MaxRetryDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("storage call failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
