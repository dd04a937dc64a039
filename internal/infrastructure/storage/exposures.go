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

// GetExposure returns the record for (viewer, candidateID), or a zero-count
// record when the candidate was never shown.
func (s *SQLStore) GetExposure(ctx context.Context, viewer, candidateID string) (domain.ExposureRecord, error) {
	row, err := s.queryRow(ctx, s.builder.Select("show_count", "last_shown_at").
		From("exposures").
		Where(sq.Eq{"viewer": viewer, "candidate_id": candidateID}))
	if err != nil {
		return domain.ExposureRecord{}, err
	}

	record := domain.ExposureRecord{Viewer: viewer, CandidateID: candidateID}
	var lastShown int64
	err = row.Scan(&record.ShowCount, &lastShown)
	if errors.Is(err, sql.ErrNoRows) {
		return record, nil
	}
	if err != nil {
		return domain.ExposureRecord{}, fmt.Errorf("get exposure: %w", err)
	}
	record.LastShownAt = fromMillis(lastShown)
	return record, nil
}

// ListExposures returns every exposure of viewer.
func (s *SQLStore) ListExposures(ctx context.Context, viewer string) ([]domain.ExposureRecord, error) {
	rows, err := s.query(ctx, s.builder.Select("candidate_id", "show_count", "last_shown_at").
		From("exposures").
		Where(sq.Eq{"viewer": viewer}).
		OrderBy("candidate_id"))
	if err != nil {
		return nil, fmt.Errorf("query exposures: %w", err)
	}
	defer rows.Close()

	var out []domain.ExposureRecord
	for rows.Next() {
		record := domain.ExposureRecord{Viewer: viewer}
		var lastShown int64
		if err := rows.Scan(&record.CandidateID, &record.ShowCount, &lastShown); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		record.LastShownAt = fromMillis(lastShown)
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// BumpExposures increments the show count of each candidate and stamps at.
func (s *SQLStore) BumpExposures(ctx context.Context, viewer string, candidateIDs []string, at time.Time) error {
	if len(candidateIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bump exposures: %w", err)
	}
	shownAt := toMillis(at)
	for _, id := range candidateIDs {
		query, args, err := s.builder.Insert("exposures").
			Columns("viewer", "candidate_id", "show_count", "last_shown_at").
			Values(viewer, id, 1, shownAt).
			Suffix(`ON CONFLICT (viewer, candidate_id) DO UPDATE
              SET show_count = exposures.show_count + 1,
                  last_shown_at = excluded.last_shown_at`).
			ToSql()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("build exposure upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump exposure %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exposures: %w", err)
	}
	return nil
}

// ClearExposures forgets every exposure of viewer.
func (s *SQLStore) ClearExposures(ctx context.Context, viewer string) error {
	if _, err := s.exec(ctx, s.builder.Delete("exposures").Where(sq.Eq{"viewer": viewer})); err != nil {
		return fmt.Errorf("clear exposures: %w", err)
	}
	return nil
}
