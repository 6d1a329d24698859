package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/vidflow/internal/dispatch"
	"github.com/dunamismax/vidflow/internal/domain"
	"github.com/dunamismax/vidflow/internal/store"
	"github.com/dunamismax/vidflow/internal/transcode"
)

type recordingDispatcher struct {
	mu          sync.Mutex
	assignments []dispatch.Assignment
	err         error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, a dispatch.Assignment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.assignments = append(d.assignments, a)
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

type countingObserver struct {
	mu        sync.Mutex
	submitted int
	failed    int
	callbacks []domain.JobState
}

func (o *countingObserver) JobSubmitted(string) {
	o.mu.Lock()
	o.submitted++
	o.mu.Unlock()
}

func (o *countingObserver) DispatchFailed(string) {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func (o *countingObserver) CallbackRecorded(state domain.JobState) {
	o.mu.Lock()
	o.callbacks = append(o.callbacks, state)
	o.mu.Unlock()
}

func newService(t *testing.T, d dispatch.Dispatcher, opts ...Option) (*Service, *store.MemoryJobStore) {
	t.Helper()
	resolver, err := transcode.NewDefaultResolver()
	require.NoError(t, err)
	jobs := store.NewMemoryJobStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(jobs, resolver, d, "http://api:8080/", logger, opts...), jobs
}

func TestCreateThenStatusIsProgressing(t *testing.T) {
	d := &recordingDispatcher{}
	svc, _ := newService(t, d)
	ctx := context.Background()

	job, err := svc.Create(ctx, domain.CreateJobRequest{InputLocator: "uploads/video.mp4", QualityPresetName: "720p30av1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateProgressing, job.State)

	status, err := svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateProgressing, status.State)
	assert.Equal(t, "uploads/video_720p30av1.mp4", status.OutputLocator)
	assert.Nil(t, status.Callback)

	require.Len(t, d.assignments, 1)
	a := d.assignments[0]
	assert.Equal(t, job.ID, a.JobID)
	assert.Equal(t, "uploads/video_720p30av1.mp4", a.OutputLocator)
	assert.Equal(t, "http://api:8080/v1/jobs/"+job.ID+"/callback", a.CallbackURL)
}

func TestCreateNeverExposesWaiting(t *testing.T) {
	svc, _ := newService(t, &recordingDispatcher{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := svc.Create(ctx, domain.CreateJobRequest{
				InputLocator:      fmt.Sprintf("uploads/clip-%d.mp4", i),
				QualityPresetName: "480p30h264",
			})
			if err != nil {
				errs <- err
				return
			}
			status, err := svc.Status(ctx, job.ID)
			if err != nil {
				errs <- err
				return
			}
			if status.State != domain.JobStateProgressing {
				errs <- fmt.Errorf("job %s is %s", job.ID, status.State)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCreateRejectsUnknownPresetWithoutPersisting(t *testing.T) {
	d := &recordingDispatcher{}
	svc, jobs := newService(t, d)
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.CreateJobRequest{InputLocator: "uploads/video.mp4", QualityPresetName: "4k-mystery"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "qualityPresetName", verr.Field)
	assert.Contains(t, verr.AvailablePresets, "720p30av1")
	assert.Contains(t, verr.Message, "4k-mystery")

	for _, state := range domain.AllJobStates {
		listed, err := jobs.ListByState(ctx, state)
		require.NoError(t, err)
		assert.Empty(t, listed, "state %s", state)
	}
	assert.Empty(t, d.assignments)
}

func TestCreateRejectsMissingFields(t *testing.T) {
	svc, _ := newService(t, &recordingDispatcher{})

	_, err := svc.Create(context.Background(), domain.CreateJobRequest{QualityPresetName: "720p30av1"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "inputLocator", verr.Field)

	assert.Equal(t, "inputLocator is required", verr.Message)
	assert.Empty(t, verr.AvailablePresets)

	_, err = svc.Create(context.Background(), domain.CreateJobRequest{InputLocator: "uploads/video.mp4", QualityPresetName: "   "})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "qualityPresetName", verr.Field)
	assert.Contains(t, verr.AvailablePresets, "720p30av1")
}

func TestCreateDispatchFailureRecordsFailedJob(t *testing.T) {
	observer := &countingObserver{}
	svc, _ := newService(t, &recordingDispatcher{err: fmt.Errorf("%w: exec: vidflow-worker not found", dispatch.ErrNotLaunched)}, WithObserver(observer))
	ctx := context.Background()

	job, err := svc.Create(ctx, domain.CreateJobRequest{InputLocator: "uploads/video.mp4", QualityPresetName: "720p30av1"})
	require.NoError(t, err, "dispatch failures are not synchronous errors")

	status, err := svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, status.State)
	require.NotNil(t, status.Callback)
	assert.False(t, status.Callback.Success)
	assert.Contains(t, status.Callback.Detail.ErrorStack, "not found")
	assert.Equal(t, 1, observer.failed)
}

func TestStatusUnknownJob(t *testing.T) {
	svc, _ := newService(t, &recordingDispatcher{})

	_, err := svc.Status(context.Background(), "does-not-exist")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHandleCallbackUnknownJob(t *testing.T) {
	svc, _ := newService(t, &recordingDispatcher{})

	_, err := svc.HandleCallback(context.Background(), "does-not-exist", domain.CallbackPayload{Success: true})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHandleCallbackOverwritesTerminalState(t *testing.T) {
	observer := &countingObserver{}
	svc, _ := newService(t, &recordingDispatcher{}, WithObserver(observer))
	ctx := context.Background()

	job, err := svc.Create(ctx, domain.CreateJobRequest{InputLocator: "uploads/video.mp4", QualityPresetName: "720p30av1"})
	require.NoError(t, err)

	done, err := svc.HandleCallback(ctx, job.ID, domain.CallbackPayload{
		Success: true,
		Detail:  domain.CallbackDetail{JobID: job.ID, OutputLocator: job.OutputLocator},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, done.State)

	again, err := svc.HandleCallback(ctx, job.ID, domain.CallbackPayload{
		Success: false,
		Detail:  domain.CallbackDetail{JobID: job.ID, ErrorStack: "late failure"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, again.State)

	status, err := svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, status.State)
	assert.Equal(t, "late failure", status.Callback.Detail.ErrorStack)
	assert.Equal(t, []domain.JobState{domain.JobStateCompleted, domain.JobStateFailed}, observer.callbacks)
}

func TestCallbackBeforeDispatchReturnsIsNotRegressed(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	var svc *Service
	d := &callbackOnDispatch{}
	resolver, err := transcode.NewDefaultResolver()
	require.NoError(t, err)
	svc = New(jobs, resolver, d, "http://api", slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.svc = svc

	job, err := svc.Create(context.Background(), domain.CreateJobRequest{InputLocator: "uploads/a.mp4", QualityPresetName: "720p30av1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
}

// callbackOnDispatch simulates a worker that finishes before Dispatch
// returns.
type callbackOnDispatch struct {
	svc *Service
}

func (d *callbackOnDispatch) Dispatch(ctx context.Context, a dispatch.Assignment) error {
	_, err := d.svc.HandleCallback(ctx, a.JobID, domain.CallbackPayload{Success: true})
	return err
}

func (d *callbackOnDispatch) Close() error { return nil }

// A worker that never calls back leaves its job progressing forever; nothing
// in the orchestrator times it out.
func TestSilentWorkerLeavesJobProgressing(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _ := newService(t, &recordingDispatcher{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	job, err := svc.Create(ctx, domain.CreateJobRequest{InputLocator: "uploads/video.mp4", QualityPresetName: "720p30av1"})
	require.NoError(t, err)

	now = now.Add(72 * time.Hour)
	status, err := svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateProgressing, status.State)
	assert.Nil(t, status.Callback)
}

func TestJobIDsAreUnique(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _ := newService(t, &recordingDispatcher{}, WithClock(func() time.Time { return fixed }))

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		job, err := svc.Create(context.Background(), domain.CreateJobRequest{InputLocator: "uploads/video.mp4", QualityPresetName: "720p30av1"})
		require.NoError(t, err)
		require.False(t, seen[job.ID], "duplicate id %s", job.ID)
		seen[job.ID] = true
	}
}
