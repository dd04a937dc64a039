package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/infrastructure/memstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var baseTime = time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	repos map[string][]domain.RawRepo
	gate  chan struct{}

	mu  sync.Mutex
	err error

	profileCalls atomic.Int32
	repoCalls    atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{repos: map[string][]domain.RawRepo{}}
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) FetchProfile(_ context.Context, login string) (domain.Profile, error) {
	f.profileCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Profile{}, f.err
	}
	return domain.Profile{Login: login, Name: login, Bio: "builds things"}, nil
}

func (f *fakeFetcher) FetchIdentityRepos(_ context.Context, login string) ([]domain.RawRepo, error) {
	f.repoCalls.Add(1)
	if repos, ok := f.repos[login]; ok {
		return repos, nil
	}
	return []domain.RawRepo{
		{ID: login + "/alpha", Owner: login, Name: "alpha", Description: "first", Language: "Go", Stars: 10, PushedAt: baseTime},
		{ID: login + "/beta", Owner: login, Name: "beta", Description: "second", Language: "Rust", Stars: 5, PushedAt: baseTime.Add(-time.Hour)},
	}, nil
}

type countingSelector struct {
	calls atomic.Int32
}

func (s *countingSelector) SelectHighlights(ctx context.Context, profile domain.Profile, repos []domain.RawRepo) ([]domain.RawRepo, error) {
	s.calls.Add(1)
	return HeuristicSelector{Limit: 6}.SelectHighlights(ctx, profile, repos)
}

type fakeEnricher struct {
	mu    sync.Mutex
	err   error
	calls atomic.Int32
}

func (e *fakeEnricher) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *fakeEnricher) Enrich(_ context.Context, repo domain.RawRepo) (domain.EnrichedRepo, error) {
	e.calls.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return domain.EnrichedRepo{}, e.err
	}
	return domain.EnrichedRepo{RawRepo: repo, ImageURL: "https://img.example/" + repo.Name + ".png", Keywords: []string{"usage"}}, nil
}

type fakeSummarizer struct {
	calls atomic.Int32
}

func (s *fakeSummarizer) Summarize(_ context.Context, repo domain.EnrichedRepo) (domain.Blurb, error) {
	s.calls.Add(1)
	return domain.Blurb("blurb for " + repo.Name), nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type fakeScorer struct {
	mu     sync.Mutex
	scores map[string]float64
	fail   map[string]bool
	calls  map[string]int
}

func newFakeScorer(scores map[string]float64) *fakeScorer {
	return &fakeScorer{scores: scores, fail: map[string]bool{}, calls: map[string]int{}}
}

func (s *fakeScorer) ID() string { return "fake:v1" }

func (s *fakeScorer) ScoreRelevance(_ context.Context, candidate domain.Candidate, _ domain.ViewerProfile) (domain.Judgment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[candidate.ID()]++
	if s.fail[candidate.ID()] {
		return domain.Judgment{}, errors.New("llm unavailable")
	}
	score, ok := s.scores[candidate.ID()]
	if !ok {
		return domain.Judgment{}, fmt.Errorf("no score for %s", candidate.ID())
	}
	return domain.Judgment{Score: score, Reason: "fixture"}, nil
}

func (s *fakeScorer) setFail(id string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id] = fail
}

func (s *fakeScorer) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type harness struct {
	store      *memstore.Store
	fetcher    *fakeFetcher
	selector   *countingSelector
	enricher   *fakeEnricher
	summarizer *fakeSummarizer
	notifier   *recordingNotifier
	orch       *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:      memstore.New(),
		fetcher:    newFakeFetcher(),
		selector:   &countingSelector{},
		enricher:   &fakeEnricher{},
		summarizer: &fakeSummarizer{},
		notifier:   &recordingNotifier{},
	}
	h.orch = NewOrchestrator(OrchestratorDeps{
		Store:         h.store,
		Fetcher:       h.fetcher,
		Selector:      h.selector,
		Enricher:      h.enricher,
		Summarizer:    h.summarizer,
		Notifier:      h.notifier,
		MaxHighlights: 6,
	})
	t.Cleanup(h.orch.Wait)
	return h
}
