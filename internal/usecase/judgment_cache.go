package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/logging"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// ComputeFunc produces a judgment on a cache miss.
type ComputeFunc func(ctx context.Context) (domain.Judgment, error)

// JudgmentCache is an immutable fingerprint → judgment cache with at most
// one compute in flight per fingerprint.
type JudgmentCache struct {
	store    ports.JudgmentStore
	scorerID string
	flights  singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

// NewJudgmentCache binds the cache to a store and to the scorer whose
// identity is folded into every fingerprint.
func NewJudgmentCache(store ports.JudgmentStore, scorerID string, logger *slog.Logger) *JudgmentCache {
	if logger == nil {
		logger = logging.Discard()
	}
	return &JudgmentCache{store: store, scorerID: scorerID, logger: logger, now: time.Now}
}

// Fingerprint is stable for unchanged inputs and changes with the content
// version of either side or with the scorer.
func Fingerprint(candidate domain.Candidate, viewer domain.ViewerProfile, scorerID string) string {
	h := sha256.New()
	h.Write([]byte(candidate.Repo.ContentVersion()))
	h.Write([]byte{0})
	h.Write([]byte(viewer.Version()))
	h.Write([]byte{0})
	h.Write([]byte(scorerID))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint applies the package-level Fingerprint with the cache's scorer.
func (c *JudgmentCache) Fingerprint(candidate domain.Candidate, viewer domain.ViewerProfile) string {
	return Fingerprint(candidate, viewer, c.scorerID)
}

// GetOrCompute returns the cached judgment or computes, persists and returns
// it. Concurrent callers for the same fingerprint share one compute; failed
// computes are never cached.
func (c *JudgmentCache) GetOrCompute(ctx context.Context, candidate domain.Candidate, viewer domain.ViewerProfile, compute ComputeFunc) (domain.Judgment, error) {
	fp := c.Fingerprint(candidate, viewer)

	entry, found, err := c.lookup(ctx, fp)
	if err != nil {
		return domain.Judgment{}, err
	}
	if found {
		return entry.Judgment, nil
	}

	// The flight outlives any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := c.flights.Do(fp, func() (any, error) {
		// Another flight may have published between lookup and Do.
		if entry, found, err := c.lookup(flightCtx, fp); err != nil || found {
			return entry, err
		}

		judgment, err := compute(flightCtx)
		if err != nil {
			return domain.JudgmentEntry{}, &domain.ScoringFailure{CandidateID: candidate.ID(), Err: err}
		}
		stored, err := c.store.InsertJudgment(flightCtx, domain.JudgmentEntry{
			Fingerprint: fp,
			Judgment:    judgment,
			CreatedAt:   c.now().UTC(),
		})
		if err != nil {
			return domain.JudgmentEntry{}, fmt.Errorf("store judgment: %w", err)
		}
		return stored, nil
	})
	if err != nil {
		return domain.Judgment{}, err
	}
	if shared {
		c.logger.Debug("judgment shared", "candidate", candidate.ID())
	}
	return v.(domain.JudgmentEntry).Judgment, nil
}

// Purge deletes judgments created before the cutoff.
func (c *JudgmentCache) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, err := c.store.PurgeJudgments(ctx, before)
	if err != nil {
		return 0, err
	}
	c.logger.Info("judgments purged", "count", n, "before", before)
	return n, nil
}

func (c *JudgmentCache) lookup(ctx context.Context, fp string) (domain.JudgmentEntry, bool, error) {
	entry, err := c.store.GetJudgment(ctx, fp)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.JudgmentEntry{}, false, nil
	}
	if err != nil {
		return domain.JudgmentEntry{}, false, fmt.Errorf("load judgment: %w", err)
	}
	return entry, true, nil
}
