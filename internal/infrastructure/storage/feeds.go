package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/stankur/pipeline-processor/internal/domain"
)

// GetFeed loads the cached feed of viewer.
func (s *SQLStore) GetFeed(ctx context.Context, viewer string) (domain.CachedFeed, error) {
	row, err := s.queryRow(ctx, s.builder.Select("items", "built_at").
		From("feeds").
		Where(sq.Eq{"viewer": viewer}))
	if err != nil {
		return domain.CachedFeed{}, err
	}

	var (
		items   string
		builtAt int64
	)
	err = row.Scan(&items, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CachedFeed{}, &domain.NotFoundError{Resource: "feed", Key: viewer}
	}
	if err != nil {
		return domain.CachedFeed{}, fmt.Errorf("get feed: %w", err)
	}

	feed := domain.CachedFeed{Viewer: viewer, BuiltAt: fromMillis(builtAt)}
	if err := json.Unmarshal([]byte(items), &feed.Items); err != nil {
		return domain.CachedFeed{}, fmt.Errorf("decode feed items: %w", err)
	}
	return feed, nil
}

// SaveFeed replaces the cached feed of feed.Viewer.
func (s *SQLStore) SaveFeed(ctx context.Context, feed domain.CachedFeed) error {
	items := feed.Items
	if items == nil {
		items = []domain.FeedItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode feed items: %w", err)
	}

	_, err = s.exec(ctx, s.builder.Insert("feeds").
		Columns("viewer", "items", "built_at").
		Values(feed.Viewer, string(raw), toMillis(feed.BuiltAt)).
		Suffix("ON CONFLICT (viewer) DO UPDATE SET items = excluded.items, built_at = excluded.built_at"))
	if err != nil {
		return fmt.Errorf("save feed: %w", err)
	}
	return nil
}

// DeleteFeed drops the cached feed of viewer.
func (s *SQLStore) DeleteFeed(ctx context.Context, viewer string) error {
	if _, err := s.exec(ctx, s.builder.Delete("feeds").Where(sq.Eq{"viewer": viewer})); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return nil
}
