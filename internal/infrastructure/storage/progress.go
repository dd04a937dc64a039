package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/stankur/pipeline-processor/internal/domain"
)

// ListProgress returns every recorded step of login.
func (s *SQLStore) ListProgress(ctx context.Context, login string) ([]domain.StepProgress, error) {
	rows, err := s.query(ctx, s.builder.
		Select("step", "status", "started_at", "completed_at", "error_message", "output").
		From("step_progress").
		Where(sq.Eq{"login": login}).
		OrderBy("step"))
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var out []domain.StepProgress
	for rows.Next() {
		var (
			p                  domain.StepProgress
			status             string
			started, completed int64
		)
		if err := rows.Scan(&p.Step, &status, &started, &completed, &p.ErrorMessage, &p.Output); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		p.Status = domain.StepStatus(status)
		p.StartedAt = fromMillis(started)
		p.CompletedAt = fromMillis(completed)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// UpsertProgress writes one (login, step) row.
func (s *SQLStore) UpsertProgress(ctx context.Context, login string, p domain.StepProgress) error {
	_, err := s.exec(ctx, s.builder.Insert("step_progress").
		Columns("login", "step", "status", "started_at", "completed_at", "error_message", "output").
		Values(login, p.Step, string(p.Status), toMillis(p.StartedAt), toMillis(p.CompletedAt), p.ErrorMessage, p.Output).
		Suffix(`ON CONFLICT (login, step) DO UPDATE
              SET status = excluded.status,
                  started_at = excluded.started_at,
                  completed_at = excluded.completed_at,
                  error_message = excluded.error_message,
                  output = excluded.output`))
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// ResetProgress sets the named steps back to pending and clears their results.
func (s *SQLStore) ResetProgress(ctx context.Context, login string, steps []string) error {
	if len(steps) == 0 {
		return nil
	}
	_, err := s.exec(ctx, s.builder.Update("step_progress").
		Set("status", string(domain.StepPending)).
		Set("started_at", 0).
		Set("completed_at", 0).
		Set("error_message", "").
		Set("output", "").
		Where(sq.Eq{"login": login, "step": steps}))
	if err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	return nil
}
