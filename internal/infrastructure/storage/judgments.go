package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/stankur/pipeline-processor/internal/domain"
)

// GetJudgment loads a cached judgment by fingerprint.
func (s *SQLStore) GetJudgment(ctx context.Context, fingerprint string) (domain.JudgmentEntry, error) {
	row, err := s.queryRow(ctx, s.builder.Select("fingerprint", "score", "reason", "created_at").
		From("judgments").
		Where(sq.Eq{"fingerprint": fingerprint}))
	if err != nil {
		return domain.JudgmentEntry{}, err
	}

	var (
		entry   domain.JudgmentEntry
		created int64
	)
	err = row.Scan(&entry.Fingerprint, &entry.Judgment.Score, &entry.Judgment.Reason, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JudgmentEntry{}, &domain.NotFoundError{Resource: "judgment", Key: fingerprint}
	}
	if err != nil {
		return domain.JudgmentEntry{}, fmt.Errorf("get judgment: %w", err)
	}
	entry.CreatedAt = fromMillis(created)
	return entry, nil
}

// InsertJudgment stores entry unless the fingerprint already has one, and
// returns whichever entry won.
func (s *SQLStore) InsertJudgment(ctx context.Context, entry domain.JudgmentEntry) (domain.JudgmentEntry, error) {
	created := toMillis(entry.CreatedAt)
	if created == 0 {
		created = s.nowMillis()
	}

	_, err := s.exec(ctx, s.builder.Insert("judgments").
		Columns("fingerprint", "score", "reason", "created_at").
		Values(entry.Fingerprint, entry.Judgment.Score, entry.Judgment.Reason, created).
		Suffix("ON CONFLICT (fingerprint) DO NOTHING"))
	if err != nil {
		return domain.JudgmentEntry{}, fmt.Errorf("insert judgment: %w", err)
	}
	return s.GetJudgment(ctx, entry.Fingerprint)
}

// PurgeJudgments deletes entries created before the cutoff.
func (s *SQLStore) PurgeJudgments(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.builder.Delete("judgments").Where(sq.Lt{"created_at": toMillis(before)}))
	if err != nil {
		return 0, fmt.Errorf("purge judgments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge judgments: %w", err)
	}
	return n, nil
}
