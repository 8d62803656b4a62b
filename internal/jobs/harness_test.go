package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"forge3d/internal/adapter/repo"
	"forge3d/internal/broadcast"
	"forge3d/internal/domain"
	"forge3d/internal/lock"
	"forge3d/internal/providers/meshy"
)

// fakeProvider replays a scripted sequence of observations per task. The last
// observation repeats forever.
type fakeProvider struct {
	mu          sync.Mutex
	configured  bool
	configErr   error
	createIDs   []string
	refineIDs   []string
	submitErr   error
	statuses    map[string][]meshy.TaskStatus
	statusCalls map[string]int
	refinedFrom []string
	prompts     []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		configured:  true,
		statuses:    map[string][]meshy.TaskStatus{},
		statusCalls: map[string]int{},
	}
}

func (f *fakeProvider) Configured(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return false, f.configErr
	}
	return f.configured, nil
}

func (f *fakeProvider) failCredentials(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configErr = err
}

func (f *fakeProvider) SubmitCreate(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if len(f.createIDs) == 0 {
		return "", errors.New("no task id scripted")
	}
	id := f.createIDs[0]
	f.createIDs = f.createIDs[1:]
	return id, nil
}

func (f *fakeProvider) SubmitRefine(ctx context.Context, previewTaskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refinedFrom = append(f.refinedFrom, previewTaskID)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if len(f.refineIDs) == 0 {
		return "", errors.New("no task id scripted")
	}
	id := f.refineIDs[0]
	f.refineIDs = f.refineIDs[1:]
	return id, nil
}

func (f *fakeProvider) GetStatus(ctx context.Context, taskID string) (meshy.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.statuses[taskID]
	n := f.statusCalls[taskID]
	f.statusCalls[taskID] = n + 1
	if len(seq) == 0 {
		return meshy.TaskStatus{}, errors.New("unknown task " + taskID)
	}
	if n >= len(seq) {
		n = len(seq) - 1
	}
	return seq[n], nil
}

func (f *fakeProvider) script(taskID string, seq ...meshy.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[taskID] = seq
	f.statusCalls[taskID] = 0
}

func (f *fakeProvider) calls(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[taskID]
}

func (f *fakeProvider) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := len(f.prompts) + len(f.refinedFrom)
	for _, n := range f.statusCalls {
		total += n
	}
	return total
}

func inProgress(progress int) meshy.TaskStatus {
	return meshy.TaskStatus{Status: meshy.StatusInProgress, Progress: progress}
}

func succeeded(url string) meshy.TaskStatus {
	return meshy.TaskStatus{Status: meshy.StatusSucceeded, ModelURL: url, Progress: 100}
}

func failed(msg string) meshy.TaskStatus {
	return meshy.TaskStatus{Status: meshy.StatusFailed, Error: msg}
}

type notification struct {
	channelID string
	update    broadcast.MessageUpdate
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, channelID string, update broadcast.MessageUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{channelID: channelID, update: update})
}

func (n *recordingNotifier) statuses(messageID string) []domain.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.JobStatus
	for _, e := range n.events {
		if e.update.ID == messageID {
			out = append(out, e.update.Status)
		}
	}
	return out
}

func (n *recordingNotifier) last(messageID string) broadcast.MessageUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].update.ID == messageID {
			return n.events[i].update
		}
	}
	return broadcast.MessageUpdate{}
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	cancel    context.CancelFunc
	mr        *miniredis.Miniredis
	guard     *lock.Guard
	repo      *repo.JobRepositorySQLite
	provider  *fakeProvider
	notifier  *recordingNotifier
	processor *Processor
	service   *Service
	sweeper   *Sweeper
}

func newHarness(t *testing.T, cfg ProcessorConfig) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobRepo, err := repo.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobRepo.Close() })

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.MaxPollDuration == 0 {
		cfg.MaxPollDuration = time.Minute
	}
	if cfg.PollerTTL == 0 {
		cfg.PollerTTL = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:        t,
		ctx:      ctx,
		cancel:   cancel,
		mr:       mr,
		guard:    lock.New(rdb),
		repo:     jobRepo,
		provider: newFakeProvider(),
		notifier: &recordingNotifier{},
	}
	h.processor = NewProcessor(ctx, h.repo, h.provider, h.guard, h.notifier, cfg, nil)
	h.service = NewService(h.repo, h.guard, h.processor, h.notifier, ServiceConfig{}, nil)
	h.sweeper = NewSweeper(h.repo, h.provider, h.processor, h.guard, h.notifier, 20, nil)
	t.Cleanup(h.stop)
	return h
}

// stop cancels every loop and waits for them.
func (h *harness) stop() {
	h.cancel()
	h.processor.Wait()
}

func (h *harness) job(messageID string) *domain.Job {
	h.t.Helper()
	job, err := h.repo.GetByMessageID(context.Background(), messageID)
	require.NoError(h.t, err)
	return job
}

// seed stores a job directly in the given state.
func (h *harness) seed(messageID string, status domain.JobStatus, taskID, modelURL string) *domain.Job {
	h.t.Helper()
	ctx := context.Background()
	job := &domain.Job{MessageID: messageID, ChannelID: "chan-1", UserID: "user-" + messageID, Prompt: "a red cube"}
	require.NoError(h.t, h.repo.Create(ctx, job))
	if status == domain.JobStatusQueued {
		return job
	}
	job.Status = status
	job.ExternalTaskID = taskID
	job.ModelURL = modelURL
	require.NoError(h.t, h.repo.Save(ctx, job))
	return job
}

func (h *harness) lockFree(userID string) bool {
	return !h.mr.Exists("job_lock:3d:" + userID)
}
