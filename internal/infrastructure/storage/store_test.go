package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/infrastructure/storage/migrations"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "mysql", "dsn")
	require.ErrorContains(t, err, "unsupported database driver")

	_, err = Open(context.Background(), DriverSQLite, " ")
	require.ErrorContains(t, err, "dsn is required")
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, applyMigrations(ctx, store.db, store.builder, migrations.FS))

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	require.Equal(t, 1, count)
}

func TestIdentityLifecycle(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateIdentity(ctx, domain.Identity{Login: "octocat", State: domain.StateNew}))
	err := store.CreateIdentity(ctx, domain.Identity{Login: "octocat", State: domain.StateGhost})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, store.SetState(ctx, "octocat", domain.StateProcessing, "boom"))
	require.NoError(t, store.SaveProfile(ctx, "octocat", domain.Profile{Login: "octocat", Name: "The Octocat", Bio: "mascot"}))

	got, err := store.GetIdentity(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, domain.StateProcessing, got.State)
	require.Equal(t, "boom", got.ErrorDetail)
	require.Equal(t, "The Octocat", got.Profile.Name)
	require.Equal(t, "octocat", got.Profile.Login)
	require.False(t, got.CreatedAt.IsZero())

	_, err = store.GetIdentity(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, store.SetState(ctx, "missing", domain.StateReady, ""), domain.ErrNotFound)

	require.NoError(t, store.CreateIdentity(ctx, domain.Identity{Login: "torvalds", State: domain.StateGhost}))
	ghosts, err := store.ListIdentities(ctx, domain.StateGhost)
	require.NoError(t, err)
	require.Len(t, ghosts, 1)
	require.Equal(t, "torvalds", ghosts[0].Login)

	all, err := store.ListIdentities(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestClaimRunIsExclusive(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateIdentity(ctx, domain.Identity{Login: "octocat", State: domain.StateNew}))

	ok, err := store.ClaimRun(ctx, "octocat", "run-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ClaimRun(ctx, "octocat", "run-b")
	require.NoError(t, err)
	require.False(t, ok)

	// Releasing with a stale token leaves the holder in place.
	require.NoError(t, store.ReleaseRun(ctx, "octocat", "run-b"))
	got, err := store.GetIdentity(ctx, "octocat")
	require.NoError(t, err)
	require.Equal(t, "run-a", got.RunToken)

	require.NoError(t, store.ReleaseRun(ctx, "octocat", "run-a"))
	ok, err = store.ClaimRun(ctx, "octocat", "run-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProgressUpsertAndReset(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertProgress(ctx, "octocat", domain.StepProgress{
		Step: domain.StepFetch, Status: domain.StepSucceeded, StartedAt: now, CompletedAt: now.Add(time.Second), Output: "3 repos",
	}))
	require.NoError(t, store.UpsertProgress(ctx, "octocat", domain.StepProgress{
		Step: domain.StepSelect, Status: domain.StepFailed, StartedAt: now, ErrorMessage: "llm down",
	}))

	progress, err := store.ListProgress(ctx, "octocat")
	require.NoError(t, err)
	require.Len(t, progress, 2)
	byStep := map[string]domain.StepProgress{}
	for _, p := range progress {
		byStep[p.Step] = p
	}
	require.Equal(t, now, byStep[domain.StepFetch].StartedAt)
	require.Equal(t, "3 repos", byStep[domain.StepFetch].Output)
	require.Equal(t, "llm down", byStep[domain.StepSelect].ErrorMessage)

	require.NoError(t, store.ResetProgress(ctx, "octocat", []string{domain.StepSelect}))
	progress, err = store.ListProgress(ctx, "octocat")
	require.NoError(t, err)
	for _, p := range progress {
		if p.Step == domain.StepSelect {
			require.Equal(t, domain.StepPending, p.Status)
			require.Empty(t, p.ErrorMessage)
			require.True(t, p.StartedAt.IsZero())
		} else {
			require.Equal(t, domain.StepSucceeded, p.Status)
		}
	}
}

func TestHighlightsAndCandidates(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateIdentity(ctx, domain.Identity{Login: "alice", State: domain.StateReady}))
	require.NoError(t, store.CreateIdentity(ctx, domain.Identity{Login: "bob", State: domain.StateReady}))
	require.NoError(t, store.CreateIdentity(ctx, domain.Identity{Login: "torvalds", State: domain.StateGhost}))

	require.NoError(t, store.ReplaceHighlights(ctx, "alice", []domain.HighlightedRepo{
		{RepoID: "alice/notes", Name: "notes", Position: 0},
	}))
	require.NoError(t, store.ReplaceHighlights(ctx, "bob", []domain.HighlightedRepo{
		{RepoID: "bob/b", Name: "b", Position: 1, Topics: []string{"go"}},
		{RepoID: "bob/a", Name: "a", Position: 0},
		// Contributed to a repo owned by the viewer.
		{RepoID: "Alice/shared", Name: "shared", Position: 2},
	}))
	require.NoError(t, store.ReplaceHighlights(ctx, "torvalds", []domain.HighlightedRepo{
		{RepoID: "torvalds/linux", Name: "linux", Language: "C", Stars: 180000},
	}))

	highlights, err := store.ListHighlights(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, highlights, 3)
	require.Equal(t, "bob/a", highlights[0].RepoID)
	require.Equal(t, []string{"go"}, highlights[1].Topics)

	highlights[1].Blurb = "a tool"
	require.NoError(t, store.UpdateHighlight(ctx, highlights[1]))
	highlights, err = store.ListHighlights(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "a tool", highlights[1].Blurb)

	candidates, err := store.ListCandidates(ctx, "ALICE")
	require.NoError(t, err)
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID())
		if c.Owner == "torvalds" {
			require.True(t, c.OwnerIsGhost)
		}
	}
	require.ElementsMatch(t, []string{"bob/a", "bob/b", "torvalds/linux"}, ids)
}

func TestRawReposReplace(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.AddDate(0, 6, 0)

	require.NoError(t, store.ReplaceRawRepos(ctx, "octocat", []domain.RawRepo{{ID: "octocat/old", PushedAt: older}}))
	require.NoError(t, store.ReplaceRawRepos(ctx, "octocat", []domain.RawRepo{
		{ID: "octocat/a", PushedAt: older},
		{ID: "octocat/b", PushedAt: newer, Topics: []string{"cli"}},
	}))

	repos, err := store.ListRawRepos(ctx, "octocat")
	require.NoError(t, err)
	require.Len(t, repos, 2)
	require.Equal(t, "octocat/b", repos[0].ID)
	require.Equal(t, []string{"cli"}, repos[0].Topics)
	require.True(t, repos[0].PushedAt.Equal(newer))
}

func TestJudgmentsKeepFirstWriter(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := store.InsertJudgment(ctx, domain.JudgmentEntry{
		Fingerprint: "fp", Judgment: domain.Judgment{Score: 0.9, Reason: "match"}, CreatedAt: t0,
	})
	require.NoError(t, err)
	require.Equal(t, 0.9, first.Judgment.Score)

	second, err := store.InsertJudgment(ctx, domain.JudgmentEntry{
		Fingerprint: "fp", Judgment: domain.Judgment{Score: 0.1}, CreatedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = store.GetJudgment(ctx, "other")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.InsertJudgment(ctx, domain.JudgmentEntry{Fingerprint: "late", CreatedAt: t0.AddDate(0, 1, 0)})
	require.NoError(t, err)

	purged, err := store.PurgeJudgments(ctx, t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)
	_, err = store.GetJudgment(ctx, "late")
	require.NoError(t, err)
}

func TestExposureBumps(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	record, err := store.GetExposure(ctx, "alice", "bob/a")
	require.NoError(t, err)
	require.Zero(t, record.ShowCount)

	require.NoError(t, store.BumpExposures(ctx, "alice", []string{"bob/a", "bob/b"}, t0))
	require.NoError(t, store.BumpExposures(ctx, "alice", []string{"bob/a"}, t0.Add(time.Hour)))

	record, err = store.GetExposure(ctx, "alice", "bob/a")
	require.NoError(t, err)
	require.Equal(t, 2, record.ShowCount)
	require.Equal(t, t0.Add(time.Hour), record.LastShownAt)

	records, err := store.ListExposures(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NoError(t, store.ClearExposures(ctx, "alice"))
	records, err = store.ListExposures(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFeedCache(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	builtAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.GetFeed(ctx, "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)

	feed := domain.CachedFeed{
		Viewer:  "alice",
		BuiltAt: builtAt,
		Items: []domain.FeedItem{{
			Repo:  domain.HighlightedRepo{RepoID: "bob/a", Name: "a", UpdatedAt: builtAt},
			Owner: "bob", Score: 0.5, AdjustedScore: 0.5,
		}},
	}
	require.NoError(t, store.SaveFeed(ctx, feed))
	got, err := store.GetFeed(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, feed, got)

	require.NoError(t, store.DeleteFeed(ctx, "alice"))
	_, err = store.GetFeed(ctx, "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteIdentityCascades(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateIdentity(ctx, domain.Identity{Login: "bob", State: domain.StateReady}))
	require.NoError(t, store.UpsertProgress(ctx, "bob", domain.StepProgress{Step: domain.StepFetch, Status: domain.StepSucceeded}))
	require.NoError(t, store.ReplaceHighlights(ctx, "bob", []domain.HighlightedRepo{{RepoID: "bob/a", Name: "a"}}))
	require.NoError(t, store.BumpExposures(ctx, "bob", []string{"x/y"}, time.Now()))

	require.NoError(t, store.DeleteIdentity(ctx, "bob"))

	_, err := store.GetIdentity(ctx, "bob")
	require.ErrorIs(t, err, domain.ErrNotFound)
	progress, err := store.ListProgress(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, progress)
	highlights, err := store.ListHighlights(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, highlights)
	records, err := store.ListExposures(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, records)
}
