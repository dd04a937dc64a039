package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/stankur/pipeline-processor/internal/domain"
)

var highlightColumns = []string{
	"h.login", "h.repo_id", "h.name", "h.description", "h.language", "h.stars",
	"h.html_url", "h.homepage", "h.topics", "h.image_url", "h.keywords",
	"h.excerpt", "h.blurb", "h.position", "h.updated_at",
}

// ReplaceRawRepos swaps the fetched repos of login in one transaction.
func (s *SQLStore) ReplaceRawRepos(ctx context.Context, login string, repos []domain.RawRepo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace raw repos: %w", err)
	}

	query, args, err := s.builder.Delete("raw_repos").Where(sq.Eq{"login": login}).ToSql()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete raw repos: %w", err)
	}

	for _, repo := range repos {
		payload, err := json.Marshal(repo)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal repo %s: %w", repo.ID, err)
		}
		query, args, err := s.builder.Insert("raw_repos").
			Columns("login", "repo_id", "payload").
			Values(login, repo.ID, string(payload)).
			Suffix("ON CONFLICT (login, repo_id) DO UPDATE SET payload = excluded.payload").
			ToSql()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert raw repo %s: %w", repo.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit raw repos: %w", err)
	}
	return nil
}

// ListRawRepos returns the fetched repos of login, most recently active first.
func (s *SQLStore) ListRawRepos(ctx context.Context, login string) ([]domain.RawRepo, error) {
	rows, err := s.query(ctx, s.builder.Select("payload").From("raw_repos").Where(sq.Eq{"login": login}))
	if err != nil {
		return nil, fmt.Errorf("query raw repos: %w", err)
	}
	defer rows.Close()

	var out []domain.RawRepo
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan raw repo: %w", err)
		}
		var repo domain.RawRepo
		if err := json.Unmarshal([]byte(payload), &repo); err != nil {
			return nil, fmt.Errorf("decode raw repo: %w", err)
		}
		out = append(out, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	sortRawRepos(out)
	return out, nil
}

// ReplaceHighlights swaps the highlighted repos of login in one transaction.
func (s *SQLStore) ReplaceHighlights(ctx context.Context, login string, highlights []domain.HighlightedRepo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace highlights: %w", err)
	}

	query, args, err := s.builder.Delete("highlighted_repos").Where(sq.Eq{"login": login}).ToSql()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete highlights: %w", err)
	}

	for _, h := range highlights {
		h.Login = login
		query, args, err := s.upsertHighlight(h).ToSql()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert highlight %s: %w", h.RepoID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit highlights: %w", err)
	}
	return nil
}

// UpdateHighlight upserts one highlight keyed by (login, repo_id).
func (s *SQLStore) UpdateHighlight(ctx context.Context, h domain.HighlightedRepo) error {
	if _, err := s.exec(ctx, s.upsertHighlight(h)); err != nil {
		return fmt.Errorf("upsert highlight %s: %w", h.RepoID, err)
	}
	return nil
}

// ListHighlights returns the highlights of login by position.
func (s *SQLStore) ListHighlights(ctx context.Context, login string) ([]domain.HighlightedRepo, error) {
	rows, err := s.query(ctx, s.builder.Select(highlightColumns...).
		From("highlighted_repos h").
		Where(sq.Eq{"h.login": login}).
		OrderBy("h.position", "h.repo_id"))
	if err != nil {
		return nil, fmt.Errorf("query highlights: %w", err)
	}
	defer rows.Close()

	var out []domain.HighlightedRepo
	for rows.Next() {
		h, err := scanHighlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// ListCandidates joins highlights with their owners, skipping everything the
// viewer owns either as identity or as repo owner.
func (s *SQLStore) ListCandidates(ctx context.Context, viewer string) ([]domain.Candidate, error) {
	columns := append(append([]string(nil), highlightColumns...), "i.state")
	rows, err := s.query(ctx, s.builder.Select(columns...).
		From("highlighted_repos h").
		Join("identities i ON i.login = h.login").
		Where(sq.NotEq{"LOWER(h.login)": strings.ToLower(viewer)}).
		OrderBy("h.login", "h.position", "h.repo_id"))
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	prefix := strings.ToLower(viewer) + "/"
	var out []domain.Candidate
	for rows.Next() {
		var state string
		h, err := scanHighlight(rows, &state)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if strings.HasPrefix(strings.ToLower(h.RepoID), prefix) {
			continue
		}
		out = append(out, domain.Candidate{
			Repo:         h,
			Owner:        h.Login,
			OwnerIsGhost: domain.LifecycleState(state) == domain.StateGhost,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (s *SQLStore) upsertHighlight(h domain.HighlightedRepo) sq.InsertBuilder {
	return s.builder.Insert("highlighted_repos").
		Columns("login", "repo_id", "name", "description", "language", "stars",
			"html_url", "homepage", "topics", "image_url", "keywords",
			"excerpt", "blurb", "position", "updated_at").
		Values(h.Login, h.RepoID, h.Name, h.Description, h.Language, h.Stars,
			h.HTMLURL, h.Homepage, encodeList(h.Topics), h.ImageURL, encodeList(h.Keywords),
			h.Excerpt, h.Blurb, h.Position, toMillis(h.UpdatedAt)).
		Suffix(`ON CONFLICT (login, repo_id) DO UPDATE
              SET name = excluded.name,
                  description = excluded.description,
                  language = excluded.language,
                  stars = excluded.stars,
                  html_url = excluded.html_url,
                  homepage = excluded.homepage,
                  topics = excluded.topics,
                  image_url = excluded.image_url,
                  keywords = excluded.keywords,
                  excerpt = excluded.excerpt,
                  blurb = excluded.blurb,
                  position = excluded.position,
                  updated_at = excluded.updated_at`)
}

func scanHighlight(row rowScanner, extra ...any) (domain.HighlightedRepo, error) {
	var (
		h                domain.HighlightedRepo
		topics, keywords string
		updatedAt        int64
	)
	dest := []any{
		&h.Login, &h.RepoID, &h.Name, &h.Description, &h.Language, &h.Stars,
		&h.HTMLURL, &h.Homepage, &topics, &h.ImageURL, &keywords,
		&h.Excerpt, &h.Blurb, &h.Position, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.HighlightedRepo{}, err
	}
	h.Topics = decodeList(topics)
	h.Keywords = decodeList(keywords)
	h.UpdatedAt = fromMillis(updatedAt)
	return h, nil
}

func sortRawRepos(repos []domain.RawRepo) {
	slices.SortStableFunc(repos, func(a, b domain.RawRepo) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
