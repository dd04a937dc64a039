package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/logging"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// FeedDeps wires the feed builder.
type FeedDeps struct {
	Store     ports.Store
	Scorer    ports.RelevanceScorer
	Judgments *JudgmentCache
	Exposure  *ExposureTracker
	Logger    *slog.Logger

	Limit       int
	MinScore    float64
	Concurrency int
	Now         func() time.Time
}

// FeedBuilder ranks other identities' highlights for a viewer.
type FeedBuilder struct {
	store       ports.Store
	scorer      ports.RelevanceScorer
	judgments   *JudgmentCache
	exposure    *ExposureTracker
	logger      *slog.Logger
	limit       int
	minScore    float64
	concurrency int
	now         func() time.Time

	// rebuilding holds one *sync.Mutex per lowercased viewer login.
	rebuilding sync.Map
}

const (
	defaultFeedLimit   = 30
	defaultConcurrency = 15
)

// NewFeedBuilder constructs the feed ranking component.
func NewFeedBuilder(deps FeedDeps) *FeedBuilder {
	b := &FeedBuilder{
		store:       deps.Store,
		scorer:      deps.Scorer,
		judgments:   deps.Judgments,
		exposure:    deps.Exposure,
		logger:      deps.Logger,
		limit:       deps.Limit,
		minScore:    deps.MinScore,
		concurrency: deps.Concurrency,
		now:         deps.Now,
	}
	if b.logger == nil {
		b.logger = logging.Discard()
	}
	if b.limit <= 0 {
		b.limit = defaultFeedLimit
	}
	if b.concurrency <= 0 {
		b.concurrency = defaultConcurrency
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.judgments == nil {
		scorerID := ""
		if b.scorer != nil {
			scorerID = b.scorer.ID()
		}
		b.judgments = NewJudgmentCache(deps.Store, scorerID, b.logger)
	}
	if b.exposure == nil {
		b.exposure = NewExposureTracker(deps.Store, deps.Store, DecayPolicy{})
	}
	return b
}

// Build returns the viewer's feed. Without force the cached ranking is served
// as is (cut to limit); otherwise the feed is re-ranked, cached in full, and
// the returned items are recorded as shown. Forced rebuilds of one viewer run
// one at a time.
func (b *FeedBuilder) Build(ctx context.Context, viewer string, limit int, force bool) ([]domain.FeedItem, error) {
	viewer = strings.TrimSpace(viewer)
	identity, err := b.store.GetIdentity(ctx, viewer)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = b.limit
	}

	if !force {
		cached, err := b.store.GetFeed(ctx, identity.Login)
		switch {
		case err == nil:
			return truncate(cached.Items, limit), nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("load cached feed: %w", err)
		}
	}

	lock := b.viewerLock(identity.Login)
	lock.Lock()
	defer lock.Unlock()
	return b.rebuild(context.WithoutCancel(ctx), identity, limit)
}

func (b *FeedBuilder) viewerLock(login string) *sync.Mutex {
	v, _ := b.rebuilding.LoadOrStore(strings.ToLower(login), &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RebuildAll force-rebuilds the feed of every ready identity.
func (b *FeedBuilder) RebuildAll(ctx context.Context) error {
	viewers, err := b.store.ListIdentities(ctx, domain.StateReady)
	if err != nil {
		return fmt.Errorf("list viewers: %w", err)
	}

	var errs []error
	for _, viewer := range viewers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		items, err := b.Build(ctx, viewer.Login, 0, true)
		if err != nil {
			b.logger.Warn("rebuild feed", "viewer", viewer.Login, "error", err)
			errs = append(errs, fmt.Errorf("rebuild %s: %w", viewer.Login, err))
			continue
		}
		b.logger.Debug("feed rebuilt", "viewer", viewer.Login, "items", len(items))
	}
	return errors.Join(errs...)
}

type rankedCandidate struct {
	item domain.FeedItem
	ok   bool
}

func (b *FeedBuilder) rebuild(ctx context.Context, identity domain.Identity, limit int) ([]domain.FeedItem, error) {
	logger := b.logger.With("viewer", identity.Login)

	highlights, err := b.store.ListHighlights(ctx, identity.Login)
	if err != nil {
		return nil, fmt.Errorf("load viewer highlights: %w", err)
	}
	profile := domain.ViewerProfile{Login: identity.Login, Bio: identity.Profile.Bio, Highlights: highlights}

	candidates, err := b.store.ListCandidates(ctx, identity.Login)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	exposures, err := b.exposure.Snapshot(ctx, identity.Login)
	if err != nil {
		return nil, err
	}

	now := b.now()
	ranked := make([]rankedCandidate, len(candidates))
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, candidate := range candidates {
		g.Go(func() error {
			judgment, err := b.judgments.GetOrCompute(ctx, candidate, profile, func(ctx context.Context) (domain.Judgment, error) {
				if b.scorer == nil {
					return domain.Judgment{}, fmt.Errorf("no relevance scorer configured")
				}
				return b.scorer.ScoreRelevance(ctx, candidate, profile)
			})
			if err != nil {
				logger.Warn("candidate excluded", "candidate", candidate.ID(), "error", err)
				return nil
			}
			ranked[i] = rankedCandidate{
				item: domain.FeedItem{
					Repo:          candidate.Repo,
					Owner:         candidate.Owner,
					OwnerIsGhost:  candidate.OwnerIsGhost,
					Score:         judgment.Score,
					AdjustedScore: b.exposure.Adjust(exposures, candidate.ID(), judgment.Score, now),
				},
				ok: true,
			}
			return nil
		})
	}
	_ = g.Wait()

	items := make([]domain.FeedItem, 0, len(ranked))
	for _, r := range ranked {
		if r.ok && r.item.AdjustedScore >= b.minScore {
			items = append(items, r.item)
		}
	}
	SortFeed(items)

	if err := b.store.SaveFeed(ctx, domain.CachedFeed{Viewer: identity.Login, Items: items, BuiltAt: now.UTC()}); err != nil {
		return nil, fmt.Errorf("cache feed: %w", err)
	}
	page := slices.Clone(truncate(items, limit))
	shown := make([]string, 0, len(page))
	for _, item := range page {
		shown = append(shown, item.Repo.RepoID)
	}
	if err := b.exposure.RecordExposure(ctx, identity.Login, shown); err != nil {
		return nil, err
	}

	logger.Info("feed built", "candidates", len(candidates), "ranked", len(items), "shown", len(page))
	return page, nil
}

// SortFeed orders items by adjusted score, then most recently updated, then
// repo id, which makes the order total.
func SortFeed(items []domain.FeedItem) {
	slices.SortStableFunc(items, func(a, b domain.FeedItem) int {
		switch {
		case a.AdjustedScore > b.AdjustedScore:
			return -1
		case a.AdjustedScore < b.AdjustedScore:
			return 1
		}
		if c := b.Repo.UpdatedAt.Compare(a.Repo.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Repo.RepoID, b.Repo.RepoID)
	})
}

func truncate(items []domain.FeedItem, limit int) []domain.FeedItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
