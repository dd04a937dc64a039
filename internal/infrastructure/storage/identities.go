package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/stankur/pipeline-processor/internal/domain"
)

var identityColumns = []string{
	"login", "state", "error_detail", "run_token",
	"name", "avatar_url", "bio", "location", "blog",
	"created_at", "updated_at",
}

// CreateIdentity inserts the identity unless the login is taken.
func (s *SQLStore) CreateIdentity(ctx context.Context, identity domain.Identity) error {
	now := s.nowMillis()
	created := toMillis(identity.CreatedAt)
	if created == 0 {
		created = now
	}

	res, err := s.exec(ctx, s.builder.Insert("identities").
		Columns(identityColumns...).
		Values(
			identity.Login, string(identity.State), identity.ErrorDetail, identity.RunToken,
			identity.Profile.Name, identity.Profile.AvatarURL, identity.Profile.Bio,
			identity.Profile.Location, identity.Profile.Blog,
			created, now,
		).
		Suffix("ON CONFLICT (login) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	if inserted == 0 {
		return fmt.Errorf("identity %s: %w", identity.Login, domain.ErrAlreadyExists)
	}
	return nil
}

// GetIdentity loads one identity by login.
func (s *SQLStore) GetIdentity(ctx context.Context, login string) (domain.Identity, error) {
	row, err := s.queryRow(ctx, s.builder.Select(identityColumns...).
		From("identities").
		Where(sq.Eq{"login": login}))
	if err != nil {
		return domain.Identity{}, err
	}

	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, &domain.NotFoundError{Resource: "identity", Key: login}
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return identity, nil
}

// ListIdentities returns identities in state, or all when state is empty.
func (s *SQLStore) ListIdentities(ctx context.Context, state domain.LifecycleState) ([]domain.Identity, error) {
	stmt := s.builder.Select(identityColumns...).From("identities").OrderBy("login")
	if state != "" {
		stmt = stmt.Where(sq.Eq{"state": string(state)})
	}

	rows, err := s.query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// SetState records a lifecycle transition.
func (s *SQLStore) SetState(ctx context.Context, login string, state domain.LifecycleState, errDetail string) error {
	res, err := s.exec(ctx, s.builder.Update("identities").
		Set("state", string(state)).
		Set("error_detail", errDetail).
		Set("updated_at", s.nowMillis()).
		Where(sq.Eq{"login": login}))
	if err != nil {
		return fmt.Errorf("update identity state: %w", err)
	}
	return requireRow(res, "identity", login)
}

// SaveProfile stores the fetched display profile.
func (s *SQLStore) SaveProfile(ctx context.Context, login string, profile domain.Profile) error {
	res, err := s.exec(ctx, s.builder.Update("identities").
		Set("name", profile.Name).
		Set("avatar_url", profile.AvatarURL).
		Set("bio", profile.Bio).
		Set("location", profile.Location).
		Set("blog", profile.Blog).
		Set("updated_at", s.nowMillis()).
		Where(sq.Eq{"login": login}))
	if err != nil {
		return fmt.Errorf("update identity profile: %w", err)
	}
	return requireRow(res, "identity", login)
}

// ClaimRun is a compare-and-swap on the empty run token.
func (s *SQLStore) ClaimRun(ctx context.Context, login, token string) (bool, error) {
	res, err := s.exec(ctx, s.builder.Update("identities").
		Set("run_token", token).
		Set("updated_at", s.nowMillis()).
		Where(sq.Eq{"login": login, "run_token": ""}))
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	return n == 1, nil
}

// ReleaseRun clears the run token if token still holds it.
func (s *SQLStore) ReleaseRun(ctx context.Context, login, token string) error {
	_, err := s.exec(ctx, s.builder.Update("identities").
		Set("run_token", "").
		Set("updated_at", s.nowMillis()).
		Where(sq.Eq{"login": login, "run_token": token}))
	if err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	return nil
}

// DeleteIdentity removes the identity and its dependent rows.
func (s *SQLStore) DeleteIdentity(ctx context.Context, login string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}

	deletes := []sq.DeleteBuilder{
		s.builder.Delete("step_progress").Where(sq.Eq{"login": login}),
		s.builder.Delete("raw_repos").Where(sq.Eq{"login": login}),
		s.builder.Delete("highlighted_repos").Where(sq.Eq{"login": login}),
		s.builder.Delete("exposures").Where(sq.Eq{"viewer": login}),
		s.builder.Delete("feeds").Where(sq.Eq{"viewer": login}),
		s.builder.Delete("identities").Where(sq.Eq{"login": login}),
	}
	for _, stmt := range deletes {
		query, args, err := stmt.ToSql()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete identity %s: %w", login, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (domain.Identity, error) {
	var (
		identity           domain.Identity
		state              string
		created, updatedAt int64
	)
	err := row.Scan(
		&identity.Login, &state, &identity.ErrorDetail, &identity.RunToken,
		&identity.Profile.Name, &identity.Profile.AvatarURL, &identity.Profile.Bio,
		&identity.Profile.Location, &identity.Profile.Blog,
		&created, &updatedAt,
	)
	if err != nil {
		return domain.Identity{}, err
	}
	identity.State = domain.LifecycleState(state)
	identity.Profile.Login = identity.Login
	identity.CreatedAt = fromMillis(created)
	identity.UpdatedAt = fromMillis(updatedAt)
	return identity, nil
}

func requireRow(res sql.Result, resource, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &domain.NotFoundError{Resource: resource, Key: key}
	}
	return nil
}
