package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// Scorer judges candidates with a chat model.
type Scorer struct {
	chat ports.ChatClient
	id   string
}

var _ ports.RelevanceScorer = (*Scorer)(nil)

// NewScorer identifies the scorer by model and temperature so that a config
// change yields new judgment fingerprints.
func NewScorer(chat ports.ChatClient, model string, temperature float64) *Scorer {
	return &Scorer{
		chat: chat,
		id:   "llm:" + model + ":" + strconv.FormatFloat(temperature, 'g', -1, 64),
	}
}

func (s *Scorer) ID() string { return s.id }

// ScoreRelevance accepts {"score": n} or a boolean {"include": b} reply.
func (s *Scorer) ScoreRelevance(ctx context.Context, candidate domain.Candidate, viewer domain.ViewerProfile) (domain.Judgment, error) {
	if s.chat == nil {
		return domain.Judgment{}, errors.New("no chat client configured")
	}
	reply, err := s.chat.Complete(ctx, judgeSystem, judgePrompt(candidate, viewer))
	if err != nil {
		return domain.Judgment{}, fmt.Errorf("ask model: %w", err)
	}

	var payload struct {
		Score   *float64 `json:"score"`
		Include *bool    `json:"include"`
		Reason  string   `json:"reason"`
	}
	if err := ParseJSON(reply, &payload); err != nil {
		return domain.Judgment{}, fmt.Errorf("parse judgment: %w", err)
	}

	var score float64
	switch {
	case payload.Score != nil:
		score = *payload.Score
	case payload.Include != nil:
		if *payload.Include {
			score = 1
		}
	default:
		return domain.Judgment{}, fmt.Errorf("parse judgment: %w", ErrUnparseable)
	}
	return domain.Judgment{Score: clamp(score), Reason: collapse(payload.Reason)}, nil
}

func clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
