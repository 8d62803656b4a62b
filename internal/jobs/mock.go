package jobs

import (
	"time"

	"github.com/google/uuid"

	"forge3d/internal/domain"
)

// The mock path stands in for the provider when no key is configured. It
// walks the same transitions on fixed delays and never touches the network.

func (l *loop) mockCreate() {
	l.log.Info().Msg("jobs: provider not configured, running mock generation")
	if !l.sleep() {
		return
	}
	res := l.write(func(j *domain.Job) {
		j.Status = domain.JobStatusGenerating
		j.ExternalTaskID = MockTaskPrefix + uuid.NewString()
		j.Progress = 0
	})
	if res != writeOK {
		l.releaseUserLock()
		return
	}
	l.mockComplete()
}

func (l *loop) mockRefine(previewTaskID, previewModelURL string) {
	l.log.Info().Msg("jobs: provider not configured, running mock refinement")
	if !l.sleep() {
		return
	}
	res := l.write(func(j *domain.Job) {
		j.Status = domain.JobStatusRefining
		j.ExternalTaskID = MockTaskPrefix + uuid.NewString()
		j.ModelURL = ""
		j.PreviewTaskID = previewTaskID
		j.PreviewModelURL = previewModelURL
		j.Progress = 0
	})
	if res != writeOK {
		l.releaseUserLock()
		return
	}
	l.mockComplete()
}

// mockFinish completes a mock job picked up again after a restart.
func (l *loop) mockFinish() {
	defer l.releasePoller()
	l.mockComplete()
}

func (l *loop) mockComplete() {
	if !l.sleep() {
		return
	}
	l.write(func(j *domain.Job) {
		j.Status = j.SuccessStatus()
		j.ModelURL = l.p.cfg.MockModelURL
		j.Progress = 100
	})
	l.releaseUserLock()
}

func (l *loop) sleep() bool {
	d := l.p.cfg.MockStepDelay
	if d <= 0 {
		return l.ctx().Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.ctx().Done():
		return false
	case <-t.C:
		return true
	}
}
