package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"forge3d/internal/broadcast"
	"forge3d/internal/domain"
	"forge3d/internal/infra"
	"forge3d/internal/lock"
)

const maxPromptLength = 600

// ServiceConfig holds the admission limits.
type ServiceConfig struct {
	RateLimit  int
	RateWindow time.Duration
	JobLockTTL time.Duration
	JobOpTTL   time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.RateLimit < 1 {
		c.RateLimit = lock.DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = lock.DefaultRateWindow
	}
	if c.JobLockTTL <= 0 {
		c.JobLockTTL = lock.DefaultJobLockTTL
	}
	if c.JobOpTTL <= 0 {
		c.JobOpTTL = lock.DefaultJobOpTTL
	}
	return c
}

// CreateRequest is a user command asking for a new model.
type CreateRequest struct {
	UserID    string
	MessageID string
	ChannelID string
	Prompt    string
}

// Service exposes the user-facing job operations.
type Service struct {
	repo      domain.JobRepository
	guard     Guard
	processor *Processor
	notifier  broadcast.Notifier
	logger    infra.Logger
	cfg       ServiceConfig
}

func NewService(repo domain.JobRepository, guard Guard, processor *Processor, notifier broadcast.Notifier, cfg ServiceConfig, logger *infra.Logger) *Service {
	return &Service{
		repo:      repo,
		guard:     guard,
		processor: processor,
		notifier:  notifier,
		logger:    infra.LoggerOrDiscard(logger),
		cfg:       cfg.withDefaults(),
	}
}

// CreateJob admits a new generation job and starts it in the background.
// The user's job lock is taken before the rate slot so concurrent requests
// from one user resolve to exactly one acceptance; the rest get ErrJobLocked.
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" || len([]rune(req.Prompt)) > maxPromptLength {
		return nil, domain.ErrInvalidPrompt
	}
	if req.UserID == "" || req.MessageID == "" || req.ChannelID == "" {
		return nil, fmt.Errorf("%w: user, message and channel are required", domain.ErrInvalidJob)
	}

	ok, err := s.guard.TryAcquireJobLock(ctx, req.UserID, req.MessageID, s.cfg.JobLockTTL)
	if err != nil {
		return nil, fmt.Errorf("jobs: acquire job lock: %w", err)
	}
	if !ok {
		return nil, ErrJobLocked
	}

	slot, err := s.guard.TryAcquireRateSlot(ctx, req.UserID, s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		s.releaseLock(req.UserID, req.MessageID)
		return nil, fmt.Errorf("jobs: acquire rate slot: %w", err)
	}
	if !slot.Allowed {
		s.releaseLock(req.UserID, req.MessageID)
		return nil, &RateLimitError{RemainingSeconds: slot.RemainingSeconds}
	}

	job := &domain.Job{
		MessageID: req.MessageID,
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		Prompt:    req.Prompt,
		Status:    domain.JobStatusQueued,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		s.releaseLock(req.UserID, req.MessageID)
		return nil, fmt.Errorf("jobs: create: %w", err)
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("channel_id", job.ChannelID).
		Msg("jobs: job accepted")

	s.notify(ctx, job)
	s.processor.Start(job, s.notifier)
	return job, nil
}

// RefineJob starts a refinement of the ready job owned by messageID. Only the
// job's owner may refine it, from the channel the job lives in.
func (s *Service) RefineJob(ctx context.Context, userID, messageID, channelID string) (*domain.Job, error) {
	job, err := s.repo.GetByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if channelID != "" && job.ChannelID != channelID {
		return nil, ErrWrongChannel
	}
	if userID != job.UserID {
		return nil, domain.ErrUnauthorized
	}
	if job.Status != domain.JobStatusReady || job.ExternalTaskID == "" {
		return nil, ErrNotRefinable
	}
	if strings.HasPrefix(job.ExternalTaskID, MockTaskPrefix) {
		configured, err := s.processor.provider.Configured(ctx)
		if err != nil {
			return nil, fmt.Errorf("jobs: resolve provider credentials: %w", err)
		}
		if configured {
			// A real provider cannot refine a task it never produced.
			return nil, ErrNotRefinable
		}
	}

	ok, err := s.guard.TryAcquireJobLock(ctx, job.UserID, job.MessageID, s.cfg.JobLockTTL)
	if err != nil {
		return nil, fmt.Errorf("jobs: acquire job lock: %w", err)
	}
	if !ok {
		return nil, ErrJobLocked
	}
	s.logger.Info().Str("job_id", job.ID).Str("preview_task_id", job.ExternalTaskID).Msg("jobs: refine accepted")
	s.processor.StartRefine(job, s.notifier)
	return job, nil
}

// RevertJob restores a failed or timed-out refinement to the ready result it
// started from, without contacting the provider.
func (s *Service) RevertJob(ctx context.Context, messageID string) (*domain.Job, error) {
	job, err := s.repo.GetByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	release, err := s.acquireOp(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Reload under the token so we judge the latest state.
	job, err = s.repo.GetByID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	active, err := s.guard.PollerActive(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("jobs: poller check: %w", err)
	}
	if active {
		return nil, fmt.Errorf("%w: job is being polled", ErrConflict)
	}
	if job.Status != domain.JobStatusFailed && job.Status != domain.JobStatusTimeout {
		return nil, ErrNotRevertible
	}
	if job.PreviewTaskID == "" || job.PreviewModelURL == "" {
		return nil, ErrNotRevertible
	}

	next := *job
	next.Status = domain.JobStatusReady
	next.ExternalTaskID = job.PreviewTaskID
	next.ModelURL = job.PreviewModelURL
	next.PreviewTaskID = ""
	next.PreviewModelURL = ""
	next.Progress = 100
	next.ErrorMessage = ""
	if err := s.repo.Save(ctx, &next); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("jobs: revert: %w", err)
	}
	s.logger.Info().Str("job_id", next.ID).Str("task_id", next.ExternalTaskID).Msg("jobs: job reverted")
	s.notify(ctx, &next)
	return &next, nil
}

// ResumeJob re-enters polling for a job stuck in flight or left failed or
// timed out after its task was submitted.
func (s *Service) ResumeJob(ctx context.Context, messageID string) (*domain.Job, error) {
	job, err := s.repo.GetByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	release, err := s.acquireOp(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err = s.repo.GetByID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case domain.JobStatusGenerating, domain.JobStatusRefining, domain.JobStatusFailed, domain.JobStatusTimeout:
	default:
		return nil, ErrNotResumable
	}
	if job.ExternalTaskID == "" {
		return nil, ErrNotResumable
	}

	if err := s.processor.Resume(ctx, job, s.notifier); err != nil {
		if errors.Is(err, ErrAlreadyPolling) {
			return nil, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return nil, err
	}
	s.logger.Info().Str("job_id", job.ID).Msg("jobs: job resumed")
	return s.repo.GetByID(ctx, job.ID)
}

// GetJob returns the job owned by messageID.
func (s *Service) GetJob(ctx context.Context, messageID string) (*domain.Job, error) {
	return s.repo.GetByMessageID(ctx, messageID)
}

// acquireOp takes the job's operation token. Revert and resume share it, so
// whichever arrives first wins and the other gets ErrConflict.
func (s *Service) acquireOp(ctx context.Context, jobID string) (func(), error) {
	token, ok, err := s.guard.TryAcquireJobOp(ctx, jobID, s.cfg.JobOpTTL)
	if err != nil {
		return nil, fmt.Errorf("jobs: acquire op token: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := s.guard.ReleaseJobOp(rctx, jobID, token); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("jobs: release op token failed")
		}
	}, nil
}

func (s *Service) releaseLock(userID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.guard.ReleaseJobLock(ctx, userID, owner); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("jobs: release job lock failed")
	}
}

func (s *Service) notify(ctx context.Context, job *domain.Job) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, job.ChannelID, broadcast.UpdateFromJob(job))
}
