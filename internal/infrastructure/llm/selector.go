package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/logging"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// Selector asks the model which repositories to highlight. Replies that
// cannot be used are answered by the fallback selector.
type Selector struct {
	chat     ports.ChatClient
	limit    int
	fallback ports.HighlightSelector
	logger   *slog.Logger
}

var _ ports.HighlightSelector = (*Selector)(nil)

// NewSelector wires the chat client; fallback may be nil.
func NewSelector(chat ports.ChatClient, limit int, fallback ports.HighlightSelector, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = logging.Discard()
	}
	if limit <= 0 {
		limit = 6
	}
	return &Selector{chat: chat, limit: limit, fallback: fallback, logger: logger}
}

// SelectHighlights returns the picked repos in the model's order.
func (s *Selector) SelectHighlights(ctx context.Context, profile domain.Profile, repos []domain.RawRepo) ([]domain.RawRepo, error) {
	if len(repos) == 0 {
		return nil, nil
	}
	if s.chat == nil {
		return nil, errors.New("no chat client configured")
	}

	reply, err := s.chat.Complete(ctx, selectSystem, selectionPrompt(profile, repos, s.limit))
	if err != nil {
		return nil, fmt.Errorf("ask model: %w", err)
	}

	var payload struct {
		Repos []string `json:"repos"`
	}
	if err := ParseJSON(reply, &payload); err != nil {
		s.logger.Warn("unusable selection reply", "login", profile.Login, "error", err)
		return s.fallbackSelect(ctx, profile, repos)
	}

	picked := matchNames(payload.Repos, repos, s.limit)
	if len(picked) == 0 {
		s.logger.Info("model picked no known repos", "login", profile.Login, "names", payload.Repos)
		return s.fallbackSelect(ctx, profile, repos)
	}
	return picked, nil
}

func (s *Selector) fallbackSelect(ctx context.Context, profile domain.Profile, repos []domain.RawRepo) ([]domain.RawRepo, error) {
	if s.fallback == nil {
		return nil, nil
	}
	return s.fallback.SelectHighlights(ctx, profile, repos)
}

// matchNames resolves names case-insensitively against repo names or full ids.
func matchNames(names []string, repos []domain.RawRepo, limit int) []domain.RawRepo {
	index := make(map[string]domain.RawRepo, len(repos)*2)
	for _, repo := range repos {
		index[strings.ToLower(repo.ID)] = repo
		if _, taken := index[strings.ToLower(repo.Name)]; !taken {
			index[strings.ToLower(repo.Name)] = repo
		}
	}

	seen := map[string]struct{}{}
	var out []domain.RawRepo
	for _, name := range names {
		repo, ok := index[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		if _, dup := seen[repo.ID]; dup {
			continue
		}
		seen[repo.ID] = struct{}{}
		out = append(out, repo)
		if len(out) == limit {
			break
		}
	}
	return out
}
