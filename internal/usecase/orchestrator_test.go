package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stankur/pipeline-processor/internal/domain"
)

func statuses(t *testing.T, progress []domain.StepProgress) map[string]domain.StepStatus {
	t.Helper()
	out := make(map[string]domain.StepStatus, len(progress))
	for _, p := range progress {
		out[p.Step] = p.Status
	}
	return out
}

func TestStartRunsEveryStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	state, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateNew, state)
	h.orch.Wait()

	identity, err := h.store.GetIdentity(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, identity.State)
	require.Empty(t, identity.ErrorDetail)
	require.False(t, identity.InFlight())
	require.Equal(t, "builds things", identity.Profile.Bio)

	progress, err := h.orch.Progress(ctx, "octocat")
	require.NoError(t, err)
	require.Len(t, progress, 4)
	order := make([]string, 0, len(progress))
	for _, p := range progress {
		order = append(order, p.Step)
		require.Equal(t, domain.StepSucceeded, p.Status, p.Step)
		require.False(t, p.CompletedAt.IsZero())
	}
	require.Equal(t, []string{domain.StepFetch, domain.StepSelect, domain.StepEnrich, domain.StepSummarize}, order)
	require.Equal(t, `{"fetched":2}`, progress[0].Output)

	highlights, err := h.store.ListHighlights(ctx, "octocat")
	require.NoError(t, err)
	require.Len(t, highlights, 2)
	require.Equal(t, "octocat/alpha", highlights[0].RepoID)
	require.Equal(t, "blurb for alpha", highlights[0].Blurb)
	require.Equal(t, "https://img.example/alpha.png", highlights[0].ImageURL)

	require.Equal(t, []string{"octocat: pipeline complete"}, h.notifier.all())
}

func TestStartIsIdempotentOnReadyIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	h.orch.Wait()

	before, err := h.store.GetIdentity(ctx, "octocat")
	require.NoError(t, err)

	state, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, state)
	h.orch.Wait()

	after, err := h.store.GetIdentity(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.EqualValues(t, 1, h.fetcher.repoCalls.Load())
	require.EqualValues(t, 1, h.selector.calls.Load())
}

func TestConcurrentStartRunsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Start(ctx, "octocat")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	h.orch.Wait()

	require.EqualValues(t, 1, h.fetcher.repoCalls.Load())
	identity, err := h.store.GetIdentity(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, identity.State)
}

func TestRestartFromInvalidatesOnlyDownstream(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "alice")
	require.NoError(t, err)
	h.orch.Wait()
	require.EqualValues(t, 2, h.summarizer.calls.Load())

	state, err := h.orch.RestartFrom(ctx, "alice", domain.StepSummarize)
	require.NoError(t, err)
	require.Equal(t, domain.StateProcessing, state)
	h.orch.Wait()

	require.EqualValues(t, 1, h.fetcher.repoCalls.Load())
	require.EqualValues(t, 1, h.selector.calls.Load())
	require.EqualValues(t, 2, h.enricher.calls.Load())
	require.EqualValues(t, 4, h.summarizer.calls.Load())

	identity, err := h.store.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, identity.State)
}

func TestRestartFromUnknownStepWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "alice")
	require.NoError(t, err)
	h.orch.Wait()
	before, err := h.orch.Progress(ctx, "alice")
	require.NoError(t, err)

	_, err = h.orch.RestartFrom(ctx, "alice", "publish")
	var unknown *domain.UnknownStepError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "publish", unknown.Step)

	after, err := h.orch.Progress(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, before, after)
	identity, err := h.store.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, identity.State)
}

func TestStepFailureHaltsUntilRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.enricher.setErr(errors.New("readme rate limited"))

	_, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	h.orch.Wait()

	progress, err := h.orch.Progress(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, map[string]domain.StepStatus{
		domain.StepFetch:     domain.StepSucceeded,
		domain.StepSelect:    domain.StepSucceeded,
		domain.StepEnrich:    domain.StepFailed,
		domain.StepSummarize: domain.StepPending,
	}, statuses(t, progress))
	require.Contains(t, progress[2].ErrorMessage, "readme rate limited")
	require.Zero(t, h.summarizer.calls.Load())

	identity, err := h.store.GetIdentity(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateProcessing, identity.State)
	require.Contains(t, identity.ErrorDetail, "step enrich failed")
	require.False(t, identity.InFlight())

	// Start does not retry a failed plateau.
	state, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateProcessing, state)
	h.orch.Wait()
	require.EqualValues(t, 1, h.enricher.calls.Load())

	h.enricher.setErr(nil)
	_, err = h.orch.RestartFrom(ctx, "octocat", domain.StepEnrich)
	require.NoError(t, err)
	h.orch.Wait()

	identity, err = h.store.GetIdentity(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, identity.State)
	require.Empty(t, identity.ErrorDetail)
	require.EqualValues(t, 1, h.fetcher.repoCalls.Load())
}

func TestRestartReRunsEveryStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	h.orch.Wait()

	_, err = h.orch.Restart(ctx, "octocat")
	require.NoError(t, err)
	h.orch.Wait()

	require.EqualValues(t, 2, h.fetcher.repoCalls.Load())
	require.EqualValues(t, 2, h.selector.calls.Load())

	_, err = h.orch.Restart(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGhostActivatesWithoutRecompute(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	state, err := h.orch.CreateGhost(ctx, "torvalds", false)
	require.NoError(t, err)
	require.Equal(t, domain.StateGhost, state)
	h.orch.Wait()

	identity, err := h.store.GetIdentity(ctx, "torvalds")
	require.NoError(t, err)
	require.Equal(t, domain.StateGhost, identity.State)
	highlights, err := h.store.ListHighlights(ctx, "torvalds")
	require.NoError(t, err)
	require.NotEmpty(t, highlights)
	require.Zero(t, h.selector.calls.Load())

	outcome, state, err := h.orch.Login(ctx, "torvalds")
	require.NoError(t, err)
	require.Equal(t, domain.LoginActivated, outcome)
	require.Equal(t, domain.StateReady, state)
	h.orch.Wait()

	require.EqualValues(t, 1, h.fetcher.repoCalls.Load())
	require.Zero(t, h.summarizer.calls.Load())

	_, err = h.orch.CreateGhost(ctx, "torvalds", false)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	state, err = h.orch.CreateGhost(ctx, "torvalds", true)
	require.NoError(t, err)
	require.Equal(t, domain.StateGhost, state)
	h.orch.Wait()
	require.EqualValues(t, 2, h.fetcher.repoCalls.Load())
}

func TestStartLeavesGhostAlone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateGhost(ctx, "torvalds", false)
	require.NoError(t, err)
	h.orch.Wait()

	state, err := h.orch.Start(ctx, "torvalds")
	require.NoError(t, err)
	require.Equal(t, domain.StateGhost, state)
	h.orch.Wait()
	require.EqualValues(t, 1, h.fetcher.repoCalls.Load())
}

func TestLoginOutcomes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	outcome, state, err := h.orch.Login(ctx, "newcomer")
	require.NoError(t, err)
	require.Equal(t, domain.LoginNew, outcome)
	require.Equal(t, domain.StateNew, state)
	h.orch.Wait()

	outcome, state, err = h.orch.Login(ctx, "newcomer")
	require.NoError(t, err)
	require.Equal(t, domain.LoginExisting, outcome)
	require.Equal(t, domain.StateReady, state)
}

func TestLoginRunsPipelineForEmptyGhost(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.repos["quiet"] = nil

	_, err := h.orch.CreateGhost(ctx, "quiet", false)
	require.NoError(t, err)
	h.orch.Wait()

	outcome, state, err := h.orch.Login(ctx, "quiet")
	require.NoError(t, err)
	require.Equal(t, domain.LoginNew, outcome)
	require.Equal(t, domain.StateProcessing, state)
	h.orch.Wait()

	identity, err := h.store.GetIdentity(ctx, "quiet")
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, identity.State)
	require.EqualValues(t, 2, h.fetcher.repoCalls.Load())
}

func TestDeleteRefusedWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.gate = make(chan struct{})

	_, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)

	err = h.orch.Delete(ctx, "octocat")
	require.ErrorIs(t, err, domain.ErrRunInFlight)

	// A second start observes the claim and does not run in parallel.
	state, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateProcessing, state)

	close(h.fetcher.gate)
	h.orch.Wait()
	require.EqualValues(t, 1, h.fetcher.profileCalls.Load())

	require.NoError(t, h.orch.Delete(ctx, "octocat"))
	_, err = h.store.GetIdentity(ctx, "octocat")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.orch.Progress(ctx, "octocat")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchFailureIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.setErr(errors.New("github 403: rate limit exceeded"))

	_, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	h.orch.Wait()

	progress, err := h.orch.Progress(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StepFailed, progress[0].Status)
	for _, p := range progress[1:] {
		require.Equal(t, domain.StepPending, p.Status)
	}
	messages := h.notifier.all()
	require.Len(t, messages, 1)
	require.Contains(t, messages[0], "rate limit exceeded")
}

func TestEmptyLoginRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.orch.Start(context.Background(), "  ")
	require.Error(t, err)
}

func TestForceGhostAfterFullRunInvalidatesDerivedSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "octocat")
	require.NoError(t, err)
	h.orch.Wait()

	state, err := h.orch.CreateGhost(ctx, "octocat", true)
	require.NoError(t, err)
	require.Equal(t, domain.StateGhost, state)
	h.orch.Wait()

	progress, err := h.orch.Progress(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, map[string]domain.StepStatus{
		domain.StepFetch:     domain.StepSucceeded,
		domain.StepSelect:    domain.StepPending,
		domain.StepEnrich:    domain.StepPending,
		domain.StepSummarize: domain.StepPending,
	}, statuses(t, progress))

	highlights, err := h.store.ListHighlights(ctx, "octocat")
	require.NoError(t, err)
	require.NotEmpty(t, highlights)
	require.Empty(t, highlights[0].Blurb)

	outcome, state, err := h.orch.Login(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.LoginActivated, outcome)
	require.Equal(t, domain.StateReady, state)

	// The derived steps are pending, so a restart from select refills them.
	_, err = h.orch.RestartFrom(ctx, "octocat", domain.StepSelect)
	require.NoError(t, err)
	h.orch.Wait()
	highlights, err = h.store.ListHighlights(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, "blurb for alpha", highlights[0].Blurb)
	require.EqualValues(t, 2, h.fetcher.repoCalls.Load())
}
