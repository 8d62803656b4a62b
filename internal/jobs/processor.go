// Package jobs drives text-to-3D generation jobs through their lifecycle:
// submission to the provider, polling until a terminal status, persistence of
// every observed transition and notification of the owning channel.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forge3d/internal/broadcast"
	"forge3d/internal/domain"
	"forge3d/internal/infra"
	"forge3d/internal/lock"
	"forge3d/internal/providers/meshy"
)

// MockTaskPrefix marks external ids produced by the offline mock path.
const MockTaskPrefix = "mock-"

const (
	defaultPollInterval    = 5 * time.Second
	defaultMaxPollDuration = 30 * time.Minute
	defaultMockModelURL    = "https://assets.forge3d.local/placeholder/cube.glb"
	writeTimeout           = 10 * time.Second
)

// Provider is the generation backend the processor drives.
type Provider interface {
	Configured(ctx context.Context) (bool, error)
	SubmitCreate(ctx context.Context, prompt string) (string, error)
	SubmitRefine(ctx context.Context, previewTaskID string) (string, error)
	GetStatus(ctx context.Context, taskID string) (meshy.TaskStatus, error)
}

// Guard is the shared-store admission control used by jobs.
type Guard interface {
	TryAcquireRateSlot(ctx context.Context, userID string, limit int, window time.Duration) (lock.RateSlot, error)
	TryAcquireJobLock(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error)
	RefreshJobLock(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error)
	ClaimJobLock(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, userID, owner string) error
	TryAcquirePoller(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	RefreshPoller(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	ReleasePoller(ctx context.Context, jobID, owner string) error
	PollerActive(ctx context.Context, jobID string) (bool, error)
	TryAcquireJobOp(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error)
	ReleaseJobOp(ctx context.Context, jobID, token string) error
}

// ProcessorConfig tunes the poll loop and the mock path.
type ProcessorConfig struct {
	PollInterval    time.Duration
	MaxPollDuration time.Duration
	// PollerTTL bounds how long a crashed loop keeps its marker. It must
	// outlast one interval plus one status call.
	PollerTTL time.Duration
	// JobLockTTL is re-applied to the user's job lock on every tick of a
	// loop that owns it.
	JobLockTTL    time.Duration
	MockStepDelay time.Duration
	MockModelURL  string
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPollDuration <= 0 {
		c.MaxPollDuration = defaultMaxPollDuration
	}
	if c.PollerTTL <= 0 {
		c.PollerTTL = 2 * c.PollInterval
	}
	if c.JobLockTTL <= 0 {
		c.JobLockTTL = lock.DefaultJobLockTTL
	}
	if c.MockStepDelay < 0 {
		c.MockStepDelay = 0
	}
	if strings.TrimSpace(c.MockModelURL) == "" {
		c.MockModelURL = defaultMockModelURL
	}
	return c
}

// Processor runs one polling loop per active job. Loops live until their job
// reaches a terminal status or the processor's context is cancelled.
type Processor struct {
	ctx      context.Context
	repo     domain.JobRepository
	provider Provider
	guard    Guard
	notifier broadcast.Notifier
	logger   infra.Logger
	cfg      ProcessorConfig

	wg sync.WaitGroup
}

// NewProcessor returns a processor whose loops stop when ctx is cancelled.
func NewProcessor(ctx context.Context, repo domain.JobRepository, provider Provider, guard Guard, notifier broadcast.Notifier, cfg ProcessorConfig, logger *infra.Logger) *Processor {
	return &Processor{
		ctx:      ctx,
		repo:     repo,
		provider: provider,
		guard:    guard,
		notifier: notifier,
		logger:   infra.LoggerOrDiscard(logger),
		cfg:      cfg.withDefaults(),
	}
}

// Start submits a queued job and polls it to completion in the background.
// The loop owns the user's job lock and releases it on a terminal status.
// A nil notify uses the processor's notifier.
func (p *Processor) Start(job *domain.Job, notify broadcast.Notifier) {
	l := p.newLoop(job, notify, uuid.NewString(), true)
	p.spawn(l.create)
}

// StartRefine submits a refinement of a ready job in the background. Like
// Start, the loop owns the user's job lock.
func (p *Processor) StartRefine(job *domain.Job, notify broadcast.Notifier) {
	l := p.newLoop(job, notify, uuid.NewString(), true)
	p.spawn(l.refine)
}

// Resume re-attaches a polling loop to a job that already has an external
// task. It claims the job's poller marker first and fails with
// ErrAlreadyPolling when another loop holds it. Jobs that are not in a
// polling status are moved back into one and announced. The user's job lock
// is adopted when it is free or already held for this job, so the terminal
// transition releases it.
func (p *Processor) Resume(ctx context.Context, job *domain.Job, notify broadcast.Notifier) error {
	if job.ExternalTaskID == "" {
		return ErrNotResumable
	}
	owner := uuid.NewString()
	ok, err := p.guard.TryAcquirePoller(ctx, job.ID, owner, p.cfg.PollerTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyPolling
	}

	l := p.newLoop(job, notify, owner, false)
	target := job.PollingStatus()
	if job.Status != target {
		next := *l.job
		next.Status = target
		next.ModelURL = ""
		next.ErrorMessage = ""
		if !domain.CanTransition(l.job.Status, target) {
			l.releasePoller()
			return domain.ErrInvalidTransition
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := p.repo.Save(wctx, &next)
		cancel()
		if err != nil {
			l.releasePoller()
			if errors.Is(err, domain.ErrStaleVersion) {
				return ErrConflict
			}
			return err
		}
		l.job = &next
		l.announce()
	}

	ownsLock, err := p.guard.ClaimJobLock(ctx, l.job.UserID, l.job.MessageID, p.cfg.JobLockTTL)
	if err != nil {
		l.log.Warn().Err(err).Msg("jobs: could not claim job lock on resume")
	}
	l.ownsLock = ownsLock

	l.log.Info().Str("status", string(l.job.Status)).Bool("owns_lock", l.ownsLock).Msg("jobs: polling resumed")
	if strings.HasPrefix(l.job.ExternalTaskID, MockTaskPrefix) {
		p.spawn(l.mockFinish)
	} else {
		p.spawn(l.poll)
	}
	return nil
}

// Wait blocks until every loop has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

func (p *Processor) newLoop(job *domain.Job, notify broadcast.Notifier, owner string, ownsLock bool) *loop {
	if notify == nil {
		notify = p.notifier
	}
	copied := *job
	return &loop{
		p:        p,
		job:      &copied,
		notify:   notify,
		owner:    owner,
		ownsLock: ownsLock,
		log: p.logger.With().
			Str("job_id", job.ID).
			Str("message_id", job.MessageID).
			Str("channel_id", job.ChannelID).
			Logger(),
	}
}

type writeResult int

const (
	writeOK writeResult = iota
	// Another writer moved the job; l.job now holds the stored row.
	writeStale
	writeFailed
)

type loop struct {
	p        *Processor
	job      *domain.Job
	notify   broadcast.Notifier
	owner    string
	ownsLock bool
	log      infra.Logger

	precedingTasks *int
}

func (l *loop) ctx() context.Context {
	return l.p.ctx
}

func (l *loop) create() {
	configured, err := l.p.provider.Configured(l.ctx())
	if err != nil {
		l.log.Error().Err(err).Msg("jobs: provider credentials unavailable")
		l.write(func(j *domain.Job) {
			j.Status = domain.JobStatusFailed
			j.ErrorMessage = providerFailure(err)
		})
		l.releaseUserLock()
		return
	}
	if !configured {
		l.mockCreate()
		return
	}

	if !l.claimPoller() {
		l.releaseUserLock()
		return
	}
	taskID, err := l.p.provider.SubmitCreate(l.ctx(), l.job.Prompt)
	if err != nil {
		l.log.Error().Err(err).Msg("jobs: submission failed")
		l.releasePoller()
		l.write(func(j *domain.Job) {
			j.Status = domain.JobStatusFailed
			j.ErrorMessage = providerFailure(err)
		})
		l.releaseUserLock()
		return
	}
	l.log.Info().Str("task_id", taskID).Msg("jobs: task submitted")

	res := l.write(func(j *domain.Job) {
		j.Status = domain.JobStatusGenerating
		j.ExternalTaskID = taskID
		j.Progress = 0
	})
	if res != writeOK {
		l.log.Error().Str("task_id", taskID).Msg("jobs: could not record submission")
		l.releasePoller()
		l.releaseUserLock()
		return
	}
	l.poll()
}

func (l *loop) refine() {
	previewTaskID := l.job.ExternalTaskID
	previewModelURL := l.job.ModelURL

	configured, err := l.p.provider.Configured(l.ctx())
	if err != nil {
		l.log.Error().Err(err).Msg("jobs: provider credentials unavailable")
		l.failRefine(previewTaskID, previewModelURL, err)
		return
	}
	if !configured {
		l.mockRefine(previewTaskID, previewModelURL)
		return
	}

	if !l.claimPoller() {
		l.releaseUserLock()
		return
	}
	taskID, err := l.p.provider.SubmitRefine(l.ctx(), previewTaskID)
	if err != nil {
		l.log.Error().Err(err).Str("preview_task_id", previewTaskID).Msg("jobs: refine submission failed")
		l.releasePoller()
		l.failRefine(previewTaskID, previewModelURL, err)
		return
	}
	l.log.Info().Str("task_id", taskID).Str("preview_task_id", previewTaskID).Msg("jobs: refine submitted")

	res := l.write(func(j *domain.Job) {
		j.Status = domain.JobStatusRefining
		j.ExternalTaskID = taskID
		j.ModelURL = ""
		j.PreviewTaskID = previewTaskID
		j.PreviewModelURL = previewModelURL
		j.Progress = 0
		j.ErrorMessage = ""
	})
	if res != writeOK {
		l.log.Error().Str("task_id", taskID).Msg("jobs: could not record refine submission")
		l.releasePoller()
		l.releaseUserLock()
		return
	}
	l.poll()
}

// failRefine records a refinement that never reached the provider. The
// preview stays addressable so the job can be reverted.
func (l *loop) failRefine(previewTaskID, previewModelURL string, err error) {
	l.write(func(j *domain.Job) {
		j.Status = domain.JobStatusFailed
		j.ExternalTaskID = ""
		j.ModelURL = ""
		j.PreviewTaskID = previewTaskID
		j.PreviewModelURL = previewModelURL
		j.ErrorMessage = providerFailure(err)
	})
	l.releaseUserLock()
}

func providerFailure(err error) string {
	return fmt.Errorf("%w: %v", domain.ErrProviderFailure, err).Error()
}

// poll checks the provider every interval until the job is terminal, the
// deadline passes or the processor shuts down.
func (l *loop) poll() {
	defer l.releasePoller()

	cfg := l.p.cfg
	deadline := time.Now().Add(cfg.MaxPollDuration)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx().Done():
			l.log.Info().Msg("jobs: poll loop stopped by shutdown")
			return
		case <-ticker.C:
		}

		if !l.keepPoller() {
			l.log.Warn().Msg("jobs: poller marker taken over; stopping")
			return
		}

		if !time.Now().Before(deadline) {
			l.log.Warn().Dur("max_poll_duration", cfg.MaxPollDuration).Msg("jobs: poll deadline reached")
			switch l.write(func(j *domain.Job) {
				j.Status = domain.JobStatusTimeout
				j.ModelURL = ""
				j.ErrorMessage = "provider did not finish in time"
			}) {
			case writeOK:
				l.releaseUserLock()
				return
			case writeStale:
				if !l.stillPolling() {
					return
				}
			}
			continue
		}

		status, err := l.p.provider.GetStatus(l.ctx(), l.job.ExternalTaskID)
		if err != nil {
			if l.ctx().Err() != nil {
				return
			}
			l.log.Warn().Err(err).Str("task_id", l.job.ExternalTaskID).Msg("jobs: status check failed")
			continue
		}
		if done := l.apply(status); done {
			return
		}
	}
}

// apply folds one provider observation into the job. It reports whether the
// loop is finished.
func (l *loop) apply(status meshy.TaskStatus) bool {
	if status.PrecedingTasks != nil {
		l.precedingTasks = status.PrecedingTasks
	}

	switch {
	case status.Status == meshy.StatusSucceeded && status.ModelURL != "":
		res := l.write(func(j *domain.Job) {
			j.Status = j.SuccessStatus()
			j.ModelURL = status.ModelURL
			j.Progress = 100
			j.ErrorMessage = ""
		})
		return l.settle(res)

	case status.Status.Failed() || status.Status == meshy.StatusSucceeded:
		msg := status.Error
		if msg == "" {
			msg = "provider task " + strings.ToLower(string(status.Status))
			if status.Status == meshy.StatusSucceeded {
				msg = "provider returned no model url"
			}
		}
		res := l.write(func(j *domain.Job) {
			j.Status = domain.JobStatusFailed
			j.ModelURL = ""
			j.ErrorMessage = msg
		})
		return l.settle(res)
	}

	if status.Progress != l.job.Progress {
		progress := status.Progress
		if l.write(func(j *domain.Job) { j.Progress = progress }) == writeStale {
			return !l.stillPolling()
		}
	}
	return false
}

// settle decides what a terminal write means for the loop.
func (l *loop) settle(res writeResult) bool {
	switch res {
	case writeOK:
		l.releaseUserLock()
		return true
	case writeStale:
		return !l.stillPolling()
	default:
		// Try again on the next tick; the provider keeps reporting the outcome.
		return false
	}
}

// stillPolling reports whether the reloaded job is still the one this loop
// is polling for.
func (l *loop) stillPolling() bool {
	return l.job.Status.Polling() && l.job.ExternalTaskID != ""
}

// write applies mutate to a copy of the job and persists it. Status changes
// are announced; progress-only changes are not.
func (l *loop) write(mutate func(j *domain.Job)) writeResult {
	next := *l.job
	mutate(&next)
	if !domain.CanTransition(l.job.Status, next.Status) {
		l.log.Error().
			Str("from", string(l.job.Status)).
			Str("to", string(next.Status)).
			Msg("jobs: refusing invalid transition")
		return writeFailed
	}

	// Finish the write even when shutdown is in progress.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx()), writeTimeout)
	defer cancel()

	err := l.p.repo.Save(ctx, &next)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStaleVersion):
		fresh, gerr := l.p.repo.GetByID(ctx, l.job.ID)
		if gerr != nil {
			l.log.Error().Err(gerr).Msg("jobs: reload after stale write failed")
			return writeFailed
		}
		l.log.Info().
			Str("status", string(fresh.Status)).
			Int64("version", fresh.Version).
			Msg("jobs: job moved by another writer")
		l.job = fresh
		return writeStale
	default:
		l.log.Error().Err(err).Str("status", string(next.Status)).Msg("jobs: persist failed")
		return writeFailed
	}

	changed := next.Status != l.job.Status
	l.job = &next
	if changed {
		l.log.Info().
			Str("status", string(next.Status)).
			Str("task_id", next.ExternalTaskID).
			Msg("jobs: status changed")
		l.announce()
	}
	return writeOK
}

func (l *loop) announce() {
	if l.notify == nil {
		return
	}
	update := broadcast.UpdateFromJob(l.job)
	if l.job.Status.Polling() {
		update.PrecedingTasks = l.precedingTasks
	}
	l.notify.Notify(l.ctx(), l.job.ChannelID, update)
}

func (l *loop) claimPoller() bool {
	ok, err := l.p.guard.TryAcquirePoller(l.ctx(), l.job.ID, l.owner, l.p.cfg.PollerTTL)
	if err != nil {
		// Polling without a marker beats abandoning a submitted task.
		l.log.Warn().Err(err).Msg("jobs: could not claim poller marker")
		return true
	}
	if !ok {
		l.log.Warn().Msg("jobs: another loop already polls this job")
		return false
	}
	return true
}

// keepPoller extends the marker, reclaiming it if it lapsed. It returns false
// only when another loop holds it. A loop that owns the user's job lock
// extends that too.
func (l *loop) keepPoller() bool {
	l.keepUserLock()
	ttl := l.p.cfg.PollerTTL
	ok, err := l.p.guard.RefreshPoller(l.ctx(), l.job.ID, l.owner, ttl)
	if err != nil {
		l.log.Warn().Err(err).Msg("jobs: refresh poller marker failed")
		return true
	}
	if ok {
		return true
	}
	ok, err = l.p.guard.TryAcquirePoller(l.ctx(), l.job.ID, l.owner, ttl)
	if err != nil {
		l.log.Warn().Err(err).Msg("jobs: reclaim poller marker failed")
		return true
	}
	return ok
}

func (l *loop) keepUserLock() {
	if !l.ownsLock {
		return
	}
	ttl := l.p.cfg.JobLockTTL
	ok, err := l.p.guard.RefreshJobLock(l.ctx(), l.job.UserID, l.job.MessageID, ttl)
	if err != nil {
		l.log.Warn().Err(err).Msg("jobs: refresh job lock failed")
		return
	}
	if ok {
		return
	}
	ok, err = l.p.guard.ClaimJobLock(l.ctx(), l.job.UserID, l.job.MessageID, ttl)
	if err != nil {
		l.log.Warn().Err(err).Msg("jobs: reclaim job lock failed")
		return
	}
	if !ok {
		l.log.Warn().Str("user_id", l.job.UserID).Msg("jobs: job lock held by another job")
		l.ownsLock = false
	}
}

func (l *loop) releasePoller() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx()), writeTimeout)
	defer cancel()
	if err := l.p.guard.ReleasePoller(ctx, l.job.ID, l.owner); err != nil {
		l.log.Warn().Err(err).Msg("jobs: release poller marker failed")
	}
}

func (l *loop) releaseUserLock() {
	if !l.ownsLock {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx()), writeTimeout)
	defer cancel()
	if err := l.p.guard.ReleaseJobLock(ctx, l.job.UserID, l.job.MessageID); err != nil {
		l.log.Warn().Err(err).Str("user_id", l.job.UserID).Msg("jobs: release job lock failed")
		return
	}
	l.ownsLock = false
}
