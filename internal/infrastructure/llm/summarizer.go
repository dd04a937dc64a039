package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// Summarizer writes the one-paragraph blurb shown on a highlight.
type Summarizer struct {
	chat ports.ChatClient
}

var _ ports.Summarizer = (*Summarizer)(nil)

// NewSummarizer wires the chat client.
func NewSummarizer(chat ports.ChatClient) *Summarizer {
	return &Summarizer{chat: chat}
}

// Summarize prefers a {"blurb": ...} reply and accepts plain text otherwise.
func (s *Summarizer) Summarize(ctx context.Context, repo domain.EnrichedRepo) (domain.Blurb, error) {
	if s.chat == nil {
		return "", errors.New("no chat client configured")
	}
	reply, err := s.chat.Complete(ctx, blurbSystem, blurbPrompt(repo))
	if err != nil {
		return "", fmt.Errorf("ask model: %w", err)
	}

	var payload struct {
		Blurb string `json:"blurb"`
	}
	if err := ParseJSON(reply, &payload); err == nil && strings.TrimSpace(payload.Blurb) != "" {
		return domain.Blurb(collapse(payload.Blurb)), nil
	}
	return domain.Blurb(collapse(stripFences(reply))), nil
}

func stripFences(text string) string {
	if m := anyFence.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
