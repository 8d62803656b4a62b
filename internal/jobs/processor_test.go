package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge3d/internal/domain"
	"forge3d/internal/providers/meshy"
)

func createReq(user, msg string) CreateRequest {
	return CreateRequest{UserID: user, MessageID: msg, ChannelID: "chan-1", Prompt: "a red cube"}
}

func TestCreateJobEndToEnd(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.provider.createIDs = []string{"T1"}
	h.provider.script("T1", inProgress(10), inProgress(40), inProgress(70), succeeded("https://x/y.glb"))

	job, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	h.processor.Wait()

	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusReady, got.Status)
	assert.Equal(t, "T1", got.ExternalTaskID)
	assert.Equal(t, "https://x/y.glb", got.ModelURL)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 4, h.provider.calls("T1"))

	assert.Equal(t, []domain.JobStatus{
		domain.JobStatusQueued,
		domain.JobStatusGenerating,
		domain.JobStatusReady,
	}, h.notifier.statuses("msg-1"))
	last := h.notifier.last("msg-1")
	require.NotNil(t, last.ModelURL)
	assert.Equal(t, "https://x/y.glb", *last.ModelURL)

	assert.True(t, h.lockFree("user-a"), "job lock should be released on completion")
	assert.False(t, h.mr.Exists("job_poller:3d:"+got.ID), "poller marker should be released")
	assert.Equal(t, []string{"a red cube"}, h.provider.prompts)
}

func TestMockPathWithoutProvider(t *testing.T) {
	h := newHarness(t, ProcessorConfig{MockStepDelay: time.Millisecond, MockModelURL: "https://placeholder/cube.glb"})
	h.provider.configured = false

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	h.processor.Wait()

	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusReady, got.Status)
	assert.True(t, strings.HasPrefix(got.ExternalTaskID, MockTaskPrefix))
	assert.Equal(t, "https://placeholder/cube.glb", got.ModelURL)
	assert.Equal(t, []domain.JobStatus{
		domain.JobStatusQueued,
		domain.JobStatusGenerating,
		domain.JobStatusReady,
	}, h.notifier.statuses("msg-1"))
	assert.Zero(t, h.provider.totalCalls(), "mock path must not reach the provider")
	assert.True(t, h.lockFree("user-a"))
}

func TestSubmissionFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.provider.submitErr = &meshy.ProviderError{Op: meshy.OpSubmitCreate, StatusCode: 402, Body: "no credits"}

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	h.processor.Wait()

	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Empty(t, got.ExternalTaskID)
	assert.Contains(t, got.ErrorMessage, "402")
	assert.True(t, strings.HasPrefix(got.ErrorMessage, domain.ErrProviderFailure.Error()+": "))
	assert.Equal(t, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusFailed}, h.notifier.statuses("msg-1"))
	assert.True(t, h.lockFree("user-a"))
}

func TestProviderFailureIsTerminal(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.provider.createIDs = []string{"T1"}
	h.provider.script("T1", inProgress(5), meshy.TaskStatus{Status: meshy.StatusExpired})

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	h.processor.Wait()

	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "T1", got.ExternalTaskID)
	assert.Empty(t, got.ModelURL)
	assert.Equal(t, "provider task expired", got.ErrorMessage)
	assert.True(t, h.lockFree("user-a"))
}

type flakyProvider struct {
	*fakeProvider
	mu       sync.Mutex
	failures int
}

func (f *flakyProvider) GetStatus(ctx context.Context, taskID string) (meshy.TaskStatus, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return meshy.TaskStatus{}, &meshy.ProviderError{Op: meshy.OpGetStatus, Err: errors.New("connection reset")}
	}
	f.mu.Unlock()
	return f.fakeProvider.GetStatus(ctx, taskID)
}

func TestPollErrorsAreSwallowed(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	flaky := &flakyProvider{fakeProvider: h.provider, failures: 3}
	h.processor.provider = flaky
	h.provider.createIDs = []string{"T1"}
	h.provider.script("T1", succeeded("https://x/y.glb"))

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	h.processor.Wait()

	assert.Equal(t, domain.JobStatusReady, h.job("msg-1").Status)
	assert.Equal(t, []domain.JobStatus{
		domain.JobStatusQueued,
		domain.JobStatusGenerating,
		domain.JobStatusReady,
	}, h.notifier.statuses("msg-1"))
}

func TestUnknownStatusKeepsPolling(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.provider.createIDs = []string{"T1"}
	h.provider.script("T1",
		meshy.TaskStatus{Status: meshy.ParseStatus("WARMING_UP")},
		meshy.TaskStatus{Status: meshy.ParseStatus("")},
		succeeded("https://x/y.glb"),
	)

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	h.processor.Wait()

	assert.Equal(t, domain.JobStatusReady, h.job("msg-1").Status)
	assert.Equal(t, 3, h.provider.calls("T1"))
}

func TestPollDeadlineTimesOut(t *testing.T) {
	h := newHarness(t, ProcessorConfig{MaxPollDuration: 40 * time.Millisecond})
	h.provider.createIDs = []string{"T1"}
	h.provider.script("T1", inProgress(10))

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	h.processor.Wait()

	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusTimeout, got.Status)
	assert.Equal(t, "T1", got.ExternalTaskID)
	assert.Equal(t, []domain.JobStatus{
		domain.JobStatusQueued,
		domain.JobStatusGenerating,
		domain.JobStatusTimeout,
	}, h.notifier.statuses("msg-1"))
	assert.True(t, h.lockFree("user-a"))
}

func TestDuplicatePollerRefused(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	job := h.seed("msg-1", domain.JobStatusGenerating, "T1", "")
	h.provider.script("T1", inProgress(10))

	ok, err := h.guard.TryAcquirePoller(context.Background(), job.ID, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.processor.Resume(context.Background(), job, nil)
	assert.ErrorIs(t, err, ErrAlreadyPolling)
	assert.Zero(t, h.provider.calls("T1"))
}

func TestStaleWriteStopsLoop(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PollInterval: 20 * time.Millisecond})
	job := h.seed("msg-1", domain.JobStatusGenerating, "T1", "")
	h.provider.script("T1", succeeded("https://x/y.glb"))

	// Another writer fails the job after the loop captured its copy.
	stale := *job
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = "cancelled by operator"
	require.NoError(t, h.repo.Save(context.Background(), job))

	require.NoError(t, h.processor.Resume(context.Background(), &stale, nil))
	h.processor.Wait()

	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "cancelled by operator", got.ErrorMessage)
	assert.Empty(t, h.notifier.statuses("msg-1"))
}

func TestShutdownStopsLoops(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.provider.createIDs = []string{"T1"}
	h.provider.script("T1", inProgress(10))

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.provider.calls("T1") >= 2 }, 2*time.Second, 5*time.Millisecond)

	h.stop()
	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusGenerating, got.Status)
	assert.False(t, h.lockFree("user-a"), "an interrupted job keeps its lock until recovery or expiry")
}

func TestCredentialLookupFailureFailsJob(t *testing.T) {
	h := newHarness(t, ProcessorConfig{MockStepDelay: time.Millisecond})
	h.provider.failCredentials(errors.New("secret store unreachable"))

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	h.processor.Wait()

	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Empty(t, got.ExternalTaskID, "a lookup failure must not fall back to the mock path")
	assert.Contains(t, got.ErrorMessage, domain.ErrProviderFailure.Error())
	assert.Contains(t, got.ErrorMessage, "secret store unreachable")
	assert.Zero(t, h.provider.totalCalls())
	assert.True(t, h.lockFree("user-a"))
}

func TestCredentialLookupFailureFailsRefine(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	readyJob(t, h)
	h.provider.failCredentials(errors.New("secret store unreachable"))

	_, err := h.service.RefineJob(context.Background(), "user-a", "msg-1", "chan-1")
	require.NoError(t, err)
	h.processor.Wait()

	got := h.job("msg-1")
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "T1", got.PreviewTaskID)
	assert.Equal(t, "https://x/y.glb", got.PreviewModelURL)
	assert.Contains(t, got.ErrorMessage, "secret store unreachable")
	assert.Empty(t, h.provider.refinedFrom)
	assert.True(t, h.lockFree("user-a"))
}

func TestPollLoopKeepsJobLockAlive(t *testing.T) {
	h := newHarness(t, ProcessorConfig{JobLockTTL: time.Minute})
	h.provider.createIDs = []string{"T1"}
	h.provider.script("T1", inProgress(10))
	key := "job_lock:3d:user-a"

	_, err := h.service.CreateJob(context.Background(), createReq("user-a", "msg-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.provider.calls("T1") >= 1 }, time.Second, time.Millisecond)

	// Age the lock close to expiry, several times over its ttl in total.
	for i := 0; i < 3; i++ {
		h.mr.FastForward(50 * time.Second)
		seen := h.provider.calls("T1")
		require.Eventually(t, func() bool { return h.provider.calls("T1") >= seen+2 }, time.Second, time.Millisecond)
		require.True(t, h.mr.Exists(key), "lock lapsed while the job was still polling")
		assert.Greater(t, h.mr.TTL(key), 50*time.Second)
	}
	assert.Equal(t, "msg-1", mustGet(t, h, key))

	_, err = h.service.CreateJob(context.Background(), createReq("user-a", "msg-2"))
	assert.ErrorIs(t, err, ErrJobLocked)
	assert.Equal(t, domain.JobStatusGenerating, h.job("msg-1").Status)
}

func mustGet(t *testing.T, h *harness, key string) string {
	t.Helper()
	v, err := h.mr.Get(key)
	require.NoError(t, err)
	return v
}
