package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// DecayPolicy turns a show history into a score multiplier.
//
// The multiplier is Factor^(ShowCount*w). With recovery disabled w is 1;
// otherwise w shrinks from 1 towards RecoveryFloor as time since the last
// show grows, so long-unshown items partially recover.
type DecayPolicy struct {
	Factor        float64
	RecoveryHours float64
	RecoveryFloor float64
}

const (
	defaultDecayFactor   = 0.8
	defaultRecoveryFloor = 0.25
)

func (p DecayPolicy) normalized() DecayPolicy {
	if p.Factor <= 0 || p.Factor >= 1 {
		p.Factor = defaultDecayFactor
	}
	if p.RecoveryFloor <= 0 || p.RecoveryFloor > 1 {
		p.RecoveryFloor = defaultRecoveryFloor
	}
	if p.RecoveryHours < 0 {
		p.RecoveryHours = 0
	}
	return p
}

// Apply returns base adjusted for record as of now. The result never exceeds
// base and is non-increasing in ShowCount.
func (p DecayPolicy) Apply(base float64, record domain.ExposureRecord, now time.Time) float64 {
	if record.ShowCount <= 0 || base <= 0 {
		return base
	}
	p = p.normalized()

	weight := 1.0
	if p.RecoveryHours > 0 && !record.LastShownAt.IsZero() {
		hours := math.Max(0, now.Sub(record.LastShownAt).Hours())
		weight = p.RecoveryFloor + (1-p.RecoveryFloor)*math.Exp(-hours/p.RecoveryHours)
	}

	adjusted := base * math.Pow(p.Factor, float64(record.ShowCount)*weight)
	return math.Min(adjusted, base)
}

// ExposureTracker owns per-viewer fatigue state.
type ExposureTracker struct {
	store  ports.ExposureStore
	feeds  ports.FeedStore
	policy DecayPolicy
	now    func() time.Time
}

// NewExposureTracker builds a tracker; feeds may be nil when no feed cache
// needs dropping on Clear.
func NewExposureTracker(store ports.ExposureStore, feeds ports.FeedStore, policy DecayPolicy) *ExposureTracker {
	return &ExposureTracker{store: store, feeds: feeds, policy: policy.normalized(), now: time.Now}
}

// Decay adjusts base by the viewer's show history of candidateID.
func (t *ExposureTracker) Decay(ctx context.Context, viewer, candidateID string, base float64) (float64, error) {
	record, err := t.store.GetExposure(ctx, viewer, candidateID)
	if err != nil {
		return 0, fmt.Errorf("load exposure: %w", err)
	}
	return t.policy.Apply(base, record, t.now()), nil
}

// Snapshot loads every exposure of viewer keyed by candidate id.
func (t *ExposureTracker) Snapshot(ctx context.Context, viewer string) (map[string]domain.ExposureRecord, error) {
	records, err := t.store.ListExposures(ctx, viewer)
	if err != nil {
		return nil, fmt.Errorf("load exposures: %w", err)
	}
	out := make(map[string]domain.ExposureRecord, len(records))
	for _, record := range records {
		out[record.CandidateID] = record
	}
	return out, nil
}

// Adjust is Decay against a Snapshot.
func (t *ExposureTracker) Adjust(snapshot map[string]domain.ExposureRecord, candidateID string, base float64, now time.Time) float64 {
	return t.policy.Apply(base, snapshot[candidateID], now)
}

// RecordExposure bumps the show count of each shown candidate.
func (t *ExposureTracker) RecordExposure(ctx context.Context, viewer string, shown []string) error {
	if len(shown) == 0 {
		return nil
	}
	if err := t.store.BumpExposures(ctx, viewer, shown, t.now().UTC()); err != nil {
		return fmt.Errorf("record exposure: %w", err)
	}
	return nil
}

// Clear resets the viewer's fatigue and drops the feed ranked with it.
func (t *ExposureTracker) Clear(ctx context.Context, viewer string) error {
	if err := t.store.ClearExposures(ctx, viewer); err != nil {
		return fmt.Errorf("clear exposures: %w", err)
	}
	if t.feeds == nil {
		return nil
	}
	if err := t.feeds.DeleteFeed(ctx, viewer); err != nil {
		return fmt.Errorf("drop cached feed: %w", err)
	}
	return nil
}
