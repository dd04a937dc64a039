// Package memstore is a process-local ports.Store used by tests and the
// "memory" database driver.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/ports"
)

type exposureKey struct {
	viewer      string
	candidateID string
}

// Store keeps every record in maps guarded by one RWMutex. Values are copied
// on the way in and out so callers never share slices with the store.
type Store struct {
	mu sync.RWMutex

	identities map[string]domain.Identity
	progress   map[string]map[string]domain.StepProgress
	rawRepos   map[string][]domain.RawRepo
	highlights map[string]map[string]domain.HighlightedRepo
	judgments  map[string]domain.JudgmentEntry
	exposures  map[exposureKey]domain.ExposureRecord
	feeds      map[string]domain.CachedFeed

	now func() time.Time
}

var _ ports.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		identities: make(map[string]domain.Identity),
		progress:   make(map[string]map[string]domain.StepProgress),
		rawRepos:   make(map[string][]domain.RawRepo),
		highlights: make(map[string]map[string]domain.HighlightedRepo),
		judgments:  make(map[string]domain.JudgmentEntry),
		exposures:  make(map[exposureKey]domain.ExposureRecord),
		feeds:      make(map[string]domain.CachedFeed),
		now:        time.Now,
	}
}

func (m *Store) Close() error { return nil }

// --- identities ---

func (m *Store) CreateIdentity(_ context.Context, identity domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[identity.Login]; ok {
		return fmt.Errorf("identity %s: %w", identity.Login, domain.ErrAlreadyExists)
	}
	now := m.now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = now
	identity.Profile.Login = identity.Login
	m.identities[identity.Login] = identity
	return nil
}

func (m *Store) GetIdentity(_ context.Context, login string) (domain.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[login]
	if !ok {
		return domain.Identity{}, &domain.NotFoundError{Resource: "identity", Key: login}
	}
	return identity, nil
}

func (m *Store) ListIdentities(_ context.Context, state domain.LifecycleState) ([]domain.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Identity
	for _, identity := range m.identities {
		if state == "" || identity.State == state {
			out = append(out, identity)
		}
	}
	slices.SortFunc(out, func(a, b domain.Identity) int { return strings.Compare(a.Login, b.Login) })
	return out, nil
}

func (m *Store) SetState(_ context.Context, login string, state domain.LifecycleState, errDetail string) error {
	return m.updateIdentity(login, func(identity *domain.Identity) bool {
		identity.State = state
		identity.ErrorDetail = errDetail
		return true
	})
}

func (m *Store) SaveProfile(_ context.Context, login string, profile domain.Profile) error {
	return m.updateIdentity(login, func(identity *domain.Identity) bool {
		profile.Login = login
		identity.Profile = profile
		return true
	})
}

func (m *Store) ClaimRun(_ context.Context, login, token string) (bool, error) {
	claimed := false
	err := m.updateIdentity(login, func(identity *domain.Identity) bool {
		if identity.RunToken != "" {
			return false
		}
		identity.RunToken = token
		claimed = true
		return true
	})
	if err != nil {
		// A vanished identity has nothing to claim.
		return false, nil
	}
	return claimed, nil
}

func (m *Store) ReleaseRun(_ context.Context, login, token string) error {
	_ = m.updateIdentity(login, func(identity *domain.Identity) bool {
		if identity.RunToken != token {
			return false
		}
		identity.RunToken = ""
		return true
	})
	return nil
}

func (m *Store) DeleteIdentity(_ context.Context, login string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.identities, login)
	delete(m.progress, login)
	delete(m.rawRepos, login)
	delete(m.highlights, login)
	delete(m.feeds, login)
	for key := range m.exposures {
		if key.viewer == login {
			delete(m.exposures, key)
		}
	}
	return nil
}

func (m *Store) updateIdentity(login string, apply func(*domain.Identity) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[login]
	if !ok {
		return &domain.NotFoundError{Resource: "identity", Key: login}
	}
	if apply(&identity) {
		identity.UpdatedAt = m.now().UTC()
		m.identities[login] = identity
	}
	return nil
}

// --- progress ---

func (m *Store) ListProgress(_ context.Context, login string) ([]domain.StepProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.StepProgress, 0, len(m.progress[login]))
	for _, p := range m.progress[login] {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.StepProgress) int { return strings.Compare(a.Step, b.Step) })
	return out, nil
}

func (m *Store) UpsertProgress(_ context.Context, login string, progress domain.StepProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.progress[login] == nil {
		m.progress[login] = make(map[string]domain.StepProgress)
	}
	m.progress[login][progress.Step] = progress
	return nil
}

func (m *Store) ResetProgress(_ context.Context, login string, steps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, step := range steps {
		if _, ok := m.progress[login][step]; ok {
			m.progress[login][step] = domain.StepProgress{Step: step, Status: domain.StepPending}
		}
	}
	return nil
}

// --- repos ---

func (m *Store) ReplaceRawRepos(_ context.Context, login string, repos []domain.RawRepo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]domain.RawRepo, len(repos))
	for i, repo := range repos {
		repo.Topics = slices.Clone(repo.Topics)
		copied[i] = repo
	}
	slices.SortStableFunc(copied, func(a, b domain.RawRepo) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	m.rawRepos[login] = copied
	return nil
}

func (m *Store) ListRawRepos(_ context.Context, login string) ([]domain.RawRepo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.RawRepo, 0, len(m.rawRepos[login]))
	for _, repo := range m.rawRepos[login] {
		repo.Topics = slices.Clone(repo.Topics)
		out = append(out, repo)
	}
	return out, nil
}

func (m *Store) ReplaceHighlights(_ context.Context, login string, highlights []domain.HighlightedRepo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := make(map[string]domain.HighlightedRepo, len(highlights))
	for _, h := range highlights {
		h.Login = login
		byID[h.RepoID] = cloneHighlight(h)
	}
	m.highlights[login] = byID
	return nil
}

func (m *Store) UpdateHighlight(_ context.Context, highlight domain.HighlightedRepo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.highlights[highlight.Login] == nil {
		m.highlights[highlight.Login] = make(map[string]domain.HighlightedRepo)
	}
	m.highlights[highlight.Login][highlight.RepoID] = cloneHighlight(highlight)
	return nil
}

func (m *Store) ListHighlights(_ context.Context, login string) ([]domain.HighlightedRepo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedHighlights(login), nil
}

func (m *Store) ListCandidates(_ context.Context, viewer string) ([]domain.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	viewer = strings.ToLower(viewer)
	owners := make([]string, 0, len(m.highlights))
	for owner := range m.highlights {
		owners = append(owners, owner)
	}
	slices.Sort(owners)

	var out []domain.Candidate
	for _, owner := range owners {
		identity, ok := m.identities[owner]
		if !ok || strings.ToLower(owner) == viewer {
			continue
		}
		for _, h := range m.sortedHighlights(owner) {
			if strings.HasPrefix(strings.ToLower(h.RepoID), viewer+"/") {
				continue
			}
			out = append(out, domain.Candidate{
				Repo:         h,
				Owner:        owner,
				OwnerIsGhost: identity.State == domain.StateGhost,
			})
		}
	}
	return out, nil
}

func (m *Store) sortedHighlights(login string) []domain.HighlightedRepo {
	out := make([]domain.HighlightedRepo, 0, len(m.highlights[login]))
	for _, h := range m.highlights[login] {
		out = append(out, cloneHighlight(h))
	}
	slices.SortFunc(out, func(a, b domain.HighlightedRepo) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return strings.Compare(a.RepoID, b.RepoID)
	})
	return out
}

func cloneHighlight(h domain.HighlightedRepo) domain.HighlightedRepo {
	h.Topics = slices.Clone(h.Topics)
	h.Keywords = slices.Clone(h.Keywords)
	return h
}

// --- judgments ---

func (m *Store) GetJudgment(_ context.Context, fingerprint string) (domain.JudgmentEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.judgments[fingerprint]
	if !ok {
		return domain.JudgmentEntry{}, &domain.NotFoundError{Resource: "judgment", Key: fingerprint}
	}
	return entry, nil
}

func (m *Store) InsertJudgment(_ context.Context, entry domain.JudgmentEntry) (domain.JudgmentEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.judgments[entry.Fingerprint]; ok {
		return existing, nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	m.judgments[entry.Fingerprint] = entry
	return entry, nil
}

func (m *Store) PurgeJudgments(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for fp, entry := range m.judgments {
		if entry.CreatedAt.Before(before) {
			delete(m.judgments, fp)
			purged++
		}
	}
	return purged, nil
}

// --- exposures ---

func (m *Store) GetExposure(_ context.Context, viewer, candidateID string) (domain.ExposureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.exposures[exposureKey{viewer, candidateID}]
	if !ok {
		return domain.ExposureRecord{Viewer: viewer, CandidateID: candidateID}, nil
	}
	return record, nil
}

func (m *Store) ListExposures(_ context.Context, viewer string) ([]domain.ExposureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.ExposureRecord
	for key, record := range m.exposures {
		if key.viewer == viewer {
			out = append(out, record)
		}
	}
	slices.SortFunc(out, func(a, b domain.ExposureRecord) int { return strings.Compare(a.CandidateID, b.CandidateID) })
	return out, nil
}

func (m *Store) BumpExposures(_ context.Context, viewer string, candidateIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range candidateIDs {
		key := exposureKey{viewer, id}
		record := m.exposures[key]
		record.Viewer = viewer
		record.CandidateID = id
		record.ShowCount++
		record.LastShownAt = at.UTC()
		m.exposures[key] = record
	}
	return nil
}

func (m *Store) ClearExposures(_ context.Context, viewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.exposures {
		if key.viewer == viewer {
			delete(m.exposures, key)
		}
	}
	return nil
}

// --- feeds ---

func (m *Store) GetFeed(_ context.Context, viewer string) (domain.CachedFeed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	feed, ok := m.feeds[viewer]
	if !ok {
		return domain.CachedFeed{}, &domain.NotFoundError{Resource: "feed", Key: viewer}
	}
	feed.Items = cloneItems(feed.Items)
	return feed, nil
}

func (m *Store) SaveFeed(_ context.Context, feed domain.CachedFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	feed.Items = cloneItems(feed.Items)
	m.feeds[feed.Viewer] = feed
	return nil
}

func (m *Store) DeleteFeed(_ context.Context, viewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.feeds, viewer)
	return nil
}

func cloneItems(items []domain.FeedItem) []domain.FeedItem {
	out := make([]domain.FeedItem, len(items))
	for i, item := range items {
		item.Repo = cloneHighlight(item.Repo)
		out[i] = item
	}
	return out
}
