package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehq/notegen/internal/adapter/jobstore"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/internal/retrypolicy"
)

type openGate struct {
	err   error
	level domain.DegradationLevel
}

func (g *openGate) Admit(domain.JobType) error     { return g.err }
func (g *openGate) Level() domain.DegradationLevel { return g.level }

type capturedEvents struct {
	events []domain.JobEvent
}

func (c *capturedEvents) PublishJobEvent(_ domain.Context, ev domain.JobEvent) error {
	c.events = append(c.events, ev)
	return nil
}

type serviceFixture struct {
	store  *jobstore.MemoryStore
	gate   *openGate
	events *capturedEvents
	svc    *JobService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	store := jobstore.NewMemoryStore()
	gate := &openGate{}
	events := &capturedEvents{}
	engine := retrypolicy.New(3, retrypolicy.DefaultTuning(),
		retrypolicy.WithJitterSource(func() float64 { return 0 }))
	svc := NewJobService(store, engine, gate, events, Limits{
		MaxTextChars:  100,
		MaxAttempts:   3,
		MinAudioBytes: 1024,
		MaxAudioBytes: 25 << 20,
	}, nil)
	seq := 0
	svc.SetIDFunc(func() string {
		seq++
		return fmt.Sprintf("job-%d", seq)
	})
	return &serviceFixture{store: store, gate: gate, events: events, svc: svc}
}

func textInput(userID, text string) CreateJobInput {
	return CreateJobInput{UserID: userID, Type: domain.JobTypeTextToSOAP, TextRaw: text}
}

func TestCreateTextJob(t *testing.T) {
	f := newServiceFixture(t)

	j, err := f.svc.Create(context.Background(), textInput("user-a", "Patient reports dizziness."))
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Equal(t, domain.QueueTextProcessing, j.Queue)
	assert.Equal(t, 3, j.MaxAttempts)

	stored, err := f.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "Patient reports dizziness.", stored.Input["textRaw"])

	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.JobQueued, f.events.events[0].Status)
}

func TestCreateValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateJobInput
	}{
		{"missing user", textInput("", "text")},
		{"unknown type", CreateJobInput{UserID: "u", Type: "mystery"}},
		{"empty text", textInput("u", "   ")},
		{"text too long", textInput("u", string(make([]rune, 101)))},
		{"audio without blob ref", CreateJobInput{
			UserID: "u", Type: domain.JobTypeAudioToSOAP,
			ContentType: "audio/webm", SizeBytes: 4096,
		}},
		{"audio bad content type", CreateJobInput{
			UserID: "u", Type: domain.JobTypeAudioToSOAP,
			AudioBlobRef: "ref", ContentType: "application/pdf", SizeBytes: 4096,
		}},
		{"audio below size floor", CreateJobInput{
			UserID: "u", Type: domain.JobTypeAudioToSOAP,
			AudioBlobRef: "ref", ContentType: "audio/webm", SizeBytes: 16,
		}},
		{"audio above size ceiling", CreateJobInput{
			UserID: "u", Type: domain.JobTypeAudioToSOAP,
			AudioBlobRef: "ref", ContentType: "audio/webm", SizeBytes: 26 << 20,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.in)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestCreateAudioJob(t *testing.T) {
	f := newServiceFixture(t)

	j, err := f.svc.Create(context.Background(), CreateJobInput{
		UserID:           "user-a",
		Type:             domain.JobTypeAudioToSOAP,
		AudioBlobRef:     "blob-1",
		OriginalFilename: "visit.webm",
		ContentType:      "audio/webm;codecs=opus",
		SizeBytes:        64 << 10,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.QueueAudioProcessing, j.Queue)
	assert.Equal(t, "blob-1", j.Input["audioBlobRef"])
	assert.Equal(t, int64(64<<10), j.Input["sizeBytes"])
}

func TestCreateRefusedWhileDegraded(t *testing.T) {
	f := newServiceFixture(t)
	f.gate.err = fmt.Errorf("op=degradation.admit: %w: level critical", domain.ErrAdmissionRefused)

	_, err := f.svc.Create(context.Background(), textInput("user-a", "text"))
	assert.ErrorIs(t, err, domain.ErrAdmissionRefused)

	jobs, err := f.store.ListByState(context.Background(), domain.JobQueued, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "refused submissions must not be persisted")
}

func TestStatusIsOwnershipBlind(t *testing.T) {
	f := newServiceFixture(t)
	j, err := f.svc.Create(context.Background(), textInput("user-a", "text"))
	require.NoError(t, err)

	got, err := f.svc.Status(context.Background(), "user-a", j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)

	_, err = f.svc.Status(context.Background(), "user-b", j.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Status(context.Background(), "user-a", "no-such-job")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListNewestFirstWithCap(t *testing.T) {
	f := newServiceFixture(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.svc.SetNowFunc(func() time.Time { return base.Add(time.Duration(i) * time.Second) })
		_, err := f.svc.Create(context.Background(), textInput("user-a", fmt.Sprintf("note %d", i)))
		require.NoError(t, err)
	}

	jobs, err := f.svc.List(context.Background(), "user-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 5)
	assert.Equal(t, "job-5", jobs[0].ID)

	jobs, err = f.svc.List(context.Background(), "user-a", 2, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-4", jobs[0].ID)

	// Oversized limits are capped, not rejected.
	_, err = f.svc.List(context.Background(), "user-a", 1000, 0)
	require.NoError(t, err)
}

func TestCancelOnlyWhileQueued(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	j, err := f.svc.Create(ctx, textInput("user-a", "text"))
	require.NoError(t, err)

	// Cross-user cancel looks like a missing job.
	_, err = f.svc.Cancel(ctx, "user-b", j.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ok, err := f.svc.Cancel(ctx, "user-a", j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Cancelled job has left the queue.
	_, err = f.store.PopNext(ctx, domain.QueueTextProcessing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A second cancel observes the terminal state and reports false.
	ok, err = f.svc.Cancel(ctx, "user-a", j.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelAfterPopReportsFalse(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	j, err := f.svc.Create(ctx, textInput("user-a", "text"))
	require.NoError(t, err)

	_, err = f.store.PopNext(ctx, domain.QueueTextProcessing)
	require.NoError(t, err)

	ok, err := f.svc.Cancel(ctx, "user-a", j.ID)
	require.NoError(t, err)
	assert.False(t, ok, "processing jobs are not cancellable")
}

func TestRetrySchedulingIncrementsAttempts(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	j, err := f.svc.Create(ctx, textInput("user-a", "text"))
	require.NoError(t, err)
	_, err = f.store.PopNext(ctx, domain.QueueTextProcessing)
	require.NoError(t, err)

	scheduled, err := f.svc.IncrementRetryWithCategory(ctx, j.ID, domain.CategoryUpstream5xx, "status 503")
	require.NoError(t, err)
	assert.True(t, scheduled)

	got, err := f.store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, domain.CategoryUpstream5xx, got.LastErrorCategory)
	assert.False(t, got.NextEligibleAt.IsZero())

	// The job is parked, not immediately poppable.
	_, err = f.store.PopNext(ctx, domain.QueueTextProcessing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := f.store.PromoteDue(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	popped, err := f.store.PopNext(ctx, domain.QueueTextProcessing)
	require.NoError(t, err)
	assert.Equal(t, j.ID, popped.ID)
}

func TestRetryExhaustionFailsTerminally(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	j, err := f.svc.Create(ctx, textInput("user-a", "text"))
	require.NoError(t, err)

	// Attempts 0 and 1 retry; attempt 2 exhausts MaxAttempts=3.
	for attempt := 0; attempt < 2; attempt++ {
		_, err = f.store.PromoteDue(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		_, err = f.store.PopNext(ctx, domain.QueueTextProcessing)
		require.NoError(t, err)
		scheduled, err := f.svc.IncrementRetryWithCategory(ctx, j.ID, domain.CategoryUpstream5xx, "status 503")
		require.NoError(t, err)
		require.True(t, scheduled, "attempt %d should retry", attempt)
	}

	_, err = f.store.PromoteDue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = f.store.PopNext(ctx, domain.QueueTextProcessing)
	require.NoError(t, err)
	scheduled, err := f.svc.IncrementRetryWithCategory(ctx, j.ID, domain.CategoryUpstream5xx, "status 503")
	require.NoError(t, err)
	assert.False(t, scheduled)

	got, err := f.store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Contains(t, got.Error, "max retries exceeded")
	require.NotNil(t, got.CompletedAt)
}

func TestNonRetryableFailsAtFirstAttempt(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	j, err := f.svc.Create(ctx, textInput("user-a", "text"))
	require.NoError(t, err)
	_, err = f.store.PopNext(ctx, domain.QueueTextProcessing)
	require.NoError(t, err)

	scheduled, err := f.svc.IncrementRetryWithCategory(ctx, j.ID, domain.CategoryInvalidInput, "empty textRaw")
	require.NoError(t, err)
	assert.False(t, scheduled)

	got, err := f.store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Equal(t, domain.CategoryInvalidInput, got.LastErrorCategory)
}

func TestRetryVerdictSanitizesErrorText(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	j, err := f.svc.Create(ctx, textInput("user-a", "text"))
	require.NoError(t, err)
	_, err = f.store.PopNext(ctx, domain.QueueTextProcessing)
	require.NoError(t, err)

	_, err = f.svc.IncrementRetryWithCategory(ctx, j.ID, domain.CategoryUpstream4xx, "bad\x1b[31minput\r\nhere")
	require.NoError(t, err)

	got, err := f.store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Error, "\x1b")
	assert.NotContains(t, got.Error, "\r")
}

func TestRetryOnVanishedJob(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.IncrementRetryWithCategory(context.Background(), "ghost", domain.CategoryUpstream5xx, "boom")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
