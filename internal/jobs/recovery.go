package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"forge3d/internal/broadcast"
	"forge3d/internal/domain"
	"forge3d/internal/infra"
	"forge3d/internal/providers/meshy"
)

const defaultRecoveryLimit = 20

// recoverableStatuses are the statuses a sweep looks at.
var recoverableStatuses = []domain.JobStatus{
	domain.JobStatusQueued,
	domain.JobStatusGenerating,
	domain.JobStatusRefining,
	domain.JobStatusFailed,
}

// Report summarises one sweep.
type Report struct {
	Scanned        int
	Skipped        int
	Finalized      int
	Resumed        int
	AlreadyPolling int
	Errors         int
}

// Sweeper reconciles persisted jobs with the provider after a restart.
type Sweeper struct {
	repo      domain.JobRepository
	provider  Provider
	processor *Processor
	guard     Guard
	notifier  broadcast.Notifier
	logger    infra.Logger
	limit     int

	// One sweep at a time per process.
	mu sync.Mutex
}

// NewSweeper wires a sweeper. limit <= 0 uses the default of 20 jobs.
func NewSweeper(repo domain.JobRepository, provider Provider, processor *Processor, guard Guard, notifier broadcast.Notifier, limit int, logger *infra.Logger) *Sweeper {
	if limit <= 0 {
		limit = defaultRecoveryLimit
	}
	return &Sweeper{
		repo:      repo,
		provider:  provider,
		processor: processor,
		guard:     guard,
		notifier:  notifier,
		logger:    infra.LoggerOrDiscard(logger),
		limit:     limit,
	}
}

// RecoverPendingJobs checks the newest unfinished jobs against the provider.
// Finished tasks are finalized, running ones get a polling loop again. A
// failure on one job is logged and the sweep moves on.
func (s *Sweeper) RecoverPendingJobs(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report Report
	jobs, err := s.repo.ListByStatus(ctx, recoverableStatuses, s.limit)
	if err != nil {
		return report, fmt.Errorf("recovery: list jobs: %w", err)
	}
	report.Scanned = len(jobs)
	configured, cfgErr := s.provider.Configured(ctx)
	if cfgErr != nil {
		s.logger.Error().Err(cfgErr).Msg("recovery: provider credentials unavailable")
	}

	for i := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		job := &jobs[i]
		log := s.logger.With().
			Str("job_id", job.ID).
			Str("channel_id", job.ChannelID).
			Str("status", string(job.Status)).
			Str("task_id", job.ExternalTaskID).
			Logger()

		if job.ExternalTaskID == "" {
			report.Skipped++
			continue
		}
		if strings.HasPrefix(job.ExternalTaskID, MockTaskPrefix) {
			if !job.Status.Polling() {
				report.Skipped++
				continue
			}
			s.resume(ctx, job, &report, log)
			continue
		}
		if cfgErr != nil {
			report.Errors++
			continue
		}
		if !configured {
			report.Skipped++
			continue
		}

		active, err := s.guard.PollerActive(ctx, job.ID)
		if err != nil {
			log.Error().Err(err).Msg("recovery: poller check failed")
			report.Errors++
			continue
		}
		if active {
			report.AlreadyPolling++
			continue
		}

		status, err := s.provider.GetStatus(ctx, job.ExternalTaskID)
		if err != nil {
			log.Error().Err(err).Msg("recovery: status check failed")
			report.Errors++
			continue
		}

		switch {
		case status.Status == meshy.StatusSucceeded && status.ModelURL != "":
			if job.Status == job.SuccessStatus() {
				continue
			}
			s.finalize(ctx, job, &report, log, func(j *domain.Job) {
				j.Status = j.SuccessStatus()
				j.ModelURL = status.ModelURL
				j.Progress = 100
				j.ErrorMessage = ""
			})
		case status.Status.Failed():
			if job.Status == domain.JobStatusFailed {
				continue
			}
			msg := status.Error
			if msg == "" {
				msg = "provider task " + strings.ToLower(string(status.Status))
			}
			s.finalize(ctx, job, &report, log, func(j *domain.Job) {
				j.Status = domain.JobStatusFailed
				j.ModelURL = ""
				j.ErrorMessage = msg
			})
		default:
			s.resume(ctx, job, &report, log)
		}
	}

	s.logger.Info().
		Int("scanned", report.Scanned).
		Int("skipped", report.Skipped).
		Int("finalized", report.Finalized).
		Int("resumed", report.Resumed).
		Int("already_polling", report.AlreadyPolling).
		Int("errors", report.Errors).
		Msg("recovery: sweep finished")
	return report, nil
}

func (s *Sweeper) finalize(ctx context.Context, job *domain.Job, report *Report, log infra.Logger, mutate func(j *domain.Job)) {
	next := *job
	mutate(&next)
	if !domain.CanTransition(job.Status, next.Status) {
		log.Warn().Str("to", string(next.Status)).Msg("recovery: transition not allowed")
		report.Skipped++
		return
	}
	if err := s.repo.Save(ctx, &next); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			log.Info().Msg("recovery: job moved while sweeping")
			report.Skipped++
			return
		}
		log.Error().Err(err).Msg("recovery: persist failed")
		report.Errors++
		return
	}
	report.Finalized++
	log.Info().Str("to", string(next.Status)).Msg("recovery: job finalized")
	if next.Status.Terminal() {
		// Only frees the lock when it still belongs to this job.
		if err := s.guard.ReleaseJobLock(ctx, next.UserID, next.MessageID); err != nil {
			log.Warn().Err(err).Msg("recovery: release job lock failed")
		}
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, next.ChannelID, broadcast.UpdateFromJob(&next))
	}
}

func (s *Sweeper) resume(ctx context.Context, job *domain.Job, report *Report, log infra.Logger) {
	err := s.processor.Resume(ctx, job, s.notifier)
	switch {
	case err == nil:
		report.Resumed++
	case errors.Is(err, ErrAlreadyPolling):
		report.AlreadyPolling++
	case errors.Is(err, ErrConflict):
		report.Skipped++
	default:
		log.Error().Err(err).Msg("recovery: resume failed")
		report.Errors++
	}
}

// Schedule runs a sweep on every tick of spec (standard five-field cron or a
// descriptor such as "@every 10m") until ctx is cancelled. The returned cron
// is already started.
func (s *Sweeper) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddJob(spec, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if _, err := s.RecoverPendingJobs(sctx); err != nil {
			s.logger.Error().Err(err).Msg("recovery: scheduled sweep failed")
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("recovery: schedule %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
