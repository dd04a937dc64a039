package usecase

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// stepRunner executes one step for login and returns a short output summary.
// Each runner persists its own results.
type stepRunner func(ctx context.Context, login string) (string, error)

type fetchStep struct {
	store   ports.Store
	fetcher ports.RepoFetcher
}

func (s *fetchStep) run(ctx context.Context, login string) (string, error) {
	if s.fetcher == nil {
		return "", fmt.Errorf("no repo fetcher configured")
	}

	profile, err := s.fetcher.FetchProfile(ctx, login)
	if err != nil {
		return "", fmt.Errorf("fetch profile: %w", err)
	}
	if err := s.store.SaveProfile(ctx, login, profile); err != nil {
		return "", fmt.Errorf("save profile: %w", err)
	}

	repos, err := s.fetcher.FetchIdentityRepos(ctx, login)
	if err != nil {
		return "", fmt.Errorf("fetch repos: %w", err)
	}
	if err := s.store.ReplaceRawRepos(ctx, login, repos); err != nil {
		return "", fmt.Errorf("save repos: %w", err)
	}
	return fmt.Sprintf(`{"fetched":%d}`, len(repos)), nil
}

type selectStep struct {
	store    ports.Store
	selector ports.HighlightSelector
}

func (s *selectStep) run(ctx context.Context, login string) (string, error) {
	identity, err := s.store.GetIdentity(ctx, login)
	if err != nil {
		return "", err
	}
	repos, err := s.store.ListRawRepos(ctx, login)
	if err != nil {
		return "", fmt.Errorf("load repos: %w", err)
	}

	picked, err := s.selector.SelectHighlights(ctx, identity.Profile, repos)
	if err != nil {
		return "", fmt.Errorf("select highlights: %w", err)
	}
	if err := s.store.ReplaceHighlights(ctx, login, highlightsFrom(login, picked)); err != nil {
		return "", fmt.Errorf("save highlights: %w", err)
	}
	return fmt.Sprintf(`{"selected":%d}`, len(picked)), nil
}

type enrichStep struct {
	store    ports.Store
	enricher ports.Enricher
}

func (s *enrichStep) run(ctx context.Context, login string) (string, error) {
	if s.enricher == nil {
		return `{"enriched":0}`, nil
	}

	highlights, raw, err := loadHighlightsWithRaw(ctx, s.store, login)
	if err != nil {
		return "", err
	}

	enriched := 0
	for _, h := range highlights {
		repo, ok := raw[h.RepoID]
		if !ok {
			continue
		}
		result, err := s.enricher.Enrich(ctx, repo)
		if err != nil {
			return "", fmt.Errorf("enrich %s: %w", h.RepoID, err)
		}
		h.ImageURL = result.ImageURL
		h.Keywords = result.Keywords
		h.Excerpt = result.ReadmeExcerpt
		if err := s.store.UpdateHighlight(ctx, h); err != nil {
			return "", fmt.Errorf("save enrichment %s: %w", h.RepoID, err)
		}
		enriched++
	}
	return fmt.Sprintf(`{"enriched":%d}`, enriched), nil
}

type summarizeStep struct {
	store      ports.Store
	summarizer ports.Summarizer
}

func (s *summarizeStep) run(ctx context.Context, login string) (string, error) {
	highlights, raw, err := loadHighlightsWithRaw(ctx, s.store, login)
	if err != nil {
		return "", err
	}

	for _, h := range highlights {
		blurb := domain.Blurb(h.Description)
		if s.summarizer != nil {
			repo := domain.EnrichedRepo{
				RawRepo:       raw[h.RepoID],
				ImageURL:      h.ImageURL,
				ReadmeExcerpt: h.Excerpt,
				Keywords:      h.Keywords,
			}
			if repo.ID == "" {
				repo.ID, repo.Name, repo.Description = h.RepoID, h.Name, h.Description
			}
			generated, err := s.summarizer.Summarize(ctx, repo)
			if err != nil {
				return "", fmt.Errorf("summarize %s: %w", h.RepoID, err)
			}
			if strings.TrimSpace(string(generated)) != "" {
				blurb = generated
			}
		}
		h.Blurb = strings.TrimSpace(string(blurb))
		if err := s.store.UpdateHighlight(ctx, h); err != nil {
			return "", fmt.Errorf("save blurb %s: %w", h.RepoID, err)
		}
	}
	return fmt.Sprintf(`{"summarized":%d}`, len(highlights)), nil
}

func loadHighlightsWithRaw(ctx context.Context, store ports.Store, login string) ([]domain.HighlightedRepo, map[string]domain.RawRepo, error) {
	highlights, err := store.ListHighlights(ctx, login)
	if err != nil {
		return nil, nil, fmt.Errorf("load highlights: %w", err)
	}
	repos, err := store.ListRawRepos(ctx, login)
	if err != nil {
		return nil, nil, fmt.Errorf("load repos: %w", err)
	}
	raw := make(map[string]domain.RawRepo, len(repos))
	for _, repo := range repos {
		raw[repo.ID] = repo
	}
	return highlights, raw, nil
}

func highlightsFrom(login string, picked []domain.RawRepo) []domain.HighlightedRepo {
	out := make([]domain.HighlightedRepo, 0, len(picked))
	for i, repo := range picked {
		out = append(out, domain.HighlightFromRaw(login, i, repo))
	}
	return out
}

// HeuristicSelector picks the most starred, most recently active repos. It
// backs ghost prefetch and stands in for the LLM selector.
type HeuristicSelector struct {
	Limit int
}

var _ ports.HighlightSelector = HeuristicSelector{}

const defaultHighlightLimit = 6

func (h HeuristicSelector) SelectHighlights(_ context.Context, _ domain.Profile, repos []domain.RawRepo) ([]domain.RawRepo, error) {
	limit := h.Limit
	if limit <= 0 {
		limit = defaultHighlightLimit
	}

	ranked := slices.Clone(repos)
	slices.SortStableFunc(ranked, func(a, b domain.RawRepo) int {
		if a.Stars != b.Stars {
			return b.Stars - a.Stars
		}
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
