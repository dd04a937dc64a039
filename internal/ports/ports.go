package ports

import (
	"context"
	"time"

	"github.com/stankur/pipeline-processor/internal/domain"
)

// IdentityStore persists identities and their run claims.
type IdentityStore interface {
	// CreateIdentity inserts a new identity or returns domain.ErrAlreadyExists.
	CreateIdentity(ctx context.Context, identity domain.Identity) error
	GetIdentity(ctx context.Context, login string) (domain.Identity, error)
	ListIdentities(ctx context.Context, state domain.LifecycleState) ([]domain.Identity, error)
	// SetState moves the identity to state and records errDetail ("" clears it).
	SetState(ctx context.Context, login string, state domain.LifecycleState, errDetail string) error
	SaveProfile(ctx context.Context, login string, profile domain.Profile) error
	// ClaimRun stores token only if no other run holds the identity.
	ClaimRun(ctx context.Context, login, token string) (bool, error)
	ReleaseRun(ctx context.Context, login, token string) error
	// DeleteIdentity removes the identity and every record that depends on it.
	DeleteIdentity(ctx context.Context, login string) error
}

// ProgressStore persists per-step pipeline status.
type ProgressStore interface {
	ListProgress(ctx context.Context, login string) ([]domain.StepProgress, error)
	UpsertProgress(ctx context.Context, login string, progress domain.StepProgress) error
	ResetProgress(ctx context.Context, login string, steps []string) error
}

// RepoStore persists pipeline outputs.
type RepoStore interface {
	ReplaceRawRepos(ctx context.Context, login string, repos []domain.RawRepo) error
	ListRawRepos(ctx context.Context, login string) ([]domain.RawRepo, error)
	ReplaceHighlights(ctx context.Context, login string, highlights []domain.HighlightedRepo) error
	UpdateHighlight(ctx context.Context, highlight domain.HighlightedRepo) error
	ListHighlights(ctx context.Context, login string) ([]domain.HighlightedRepo, error)
	// ListCandidates returns every highlight not owned by viewer.
	ListCandidates(ctx context.Context, viewer string) ([]domain.Candidate, error)
}

// JudgmentStore persists immutable relevance judgments.
type JudgmentStore interface {
	GetJudgment(ctx context.Context, fingerprint string) (domain.JudgmentEntry, error)
	// InsertJudgment keeps the first entry for a fingerprint and returns it.
	InsertJudgment(ctx context.Context, entry domain.JudgmentEntry) (domain.JudgmentEntry, error)
	PurgeJudgments(ctx context.Context, before time.Time) (int64, error)
}

// ExposureStore persists per-viewer show history.
type ExposureStore interface {
	GetExposure(ctx context.Context, viewer, candidateID string) (domain.ExposureRecord, error)
	ListExposures(ctx context.Context, viewer string) ([]domain.ExposureRecord, error)
	BumpExposures(ctx context.Context, viewer string, candidateIDs []string, at time.Time) error
	ClearExposures(ctx context.Context, viewer string) error
}

// FeedStore caches the last built feed per viewer.
type FeedStore interface {
	GetFeed(ctx context.Context, viewer string) (domain.CachedFeed, error)
	SaveFeed(ctx context.Context, feed domain.CachedFeed) error
	DeleteFeed(ctx context.Context, viewer string) error
}

// Store bundles every persistence port.
type Store interface {
	IdentityStore
	ProgressStore
	RepoStore
	JudgmentStore
	ExposureStore
	FeedStore
	Close() error
}

// RepoFetcher pulls profile and repository data from GitHub.
type RepoFetcher interface {
	FetchProfile(ctx context.Context, login string) (domain.Profile, error)
	FetchIdentityRepos(ctx context.Context, login string) ([]domain.RawRepo, error)
}

// HighlightSelector picks the repositories worth showing for an identity.
type HighlightSelector interface {
	SelectHighlights(ctx context.Context, profile domain.Profile, repos []domain.RawRepo) ([]domain.RawRepo, error)
}

// Enricher extracts extra display data for a repository.
type Enricher interface {
	Enrich(ctx context.Context, repo domain.RawRepo) (domain.EnrichedRepo, error)
}

// Summarizer generates a short blurb for an enriched repository.
type Summarizer interface {
	Summarize(ctx context.Context, repo domain.EnrichedRepo) (domain.Blurb, error)
}

// RelevanceScorer judges a candidate against a viewer profile.
type RelevanceScorer interface {
	// ID identifies the scorer configuration; it is part of every fingerprint.
	ID() string
	ScoreRelevance(ctx context.Context, candidate domain.Candidate, viewer domain.ViewerProfile) (domain.Judgment, error)
}

// Notifier streams pipeline outcomes to Telegram or other channels.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Scheduler controls when recurring jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}

// ChatClient sends a single system+user exchange to a chat completion API.
type ChatClient interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}
