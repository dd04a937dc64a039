package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// Client talks to an external inference service that scores candidates.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.RelevanceScorer = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// ID ties cached judgments to the service endpoint.
func (c *Client) ID() string {
	return "ml:" + c.endpoint
}

type scoreRequest struct {
	Viewer    viewerPayload    `json:"viewer"`
	Candidate candidatePayload `json:"candidate"`
}

type viewerPayload struct {
	Login      string             `json:"login"`
	Bio        string             `json:"bio,omitempty"`
	Highlights []candidatePayload `json:"highlights"`
}

type candidatePayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Blurb       string   `json:"blurb,omitempty"`
	Language    string   `json:"language,omitempty"`
	Topics      []string `json:"topics,omitempty"`
}

func toPayload(h domain.HighlightedRepo) candidatePayload {
	return candidatePayload{
		ID:          h.RepoID,
		Name:        h.Name,
		Description: h.Description,
		Blurb:       h.Blurb,
		Language:    h.Language,
		Topics:      h.Topics,
	}
}

// ScoreRelevance posts the viewer and candidate to /score.
func (c *Client) ScoreRelevance(ctx context.Context, candidate domain.Candidate, viewer domain.ViewerProfile) (domain.Judgment, error) {
	payload := scoreRequest{
		Viewer: viewerPayload{
			Login:      viewer.Login,
			Bio:        viewer.Bio,
			Highlights: make([]candidatePayload, 0, len(viewer.Highlights)),
		},
		Candidate: toPayload(candidate.Repo),
	}
	for _, h := range viewer.Highlights {
		payload.Viewer.Highlights = append(payload.Viewer.Highlights, toPayload(h))
	}

	var resp struct {
		Score  *float64 `json:"score"`
		Reason string   `json:"reason"`
	}
	if err := c.post(ctx, "/score", payload, &resp); err != nil {
		return domain.Judgment{}, err
	}
	if resp.Score == nil {
		return domain.Judgment{}, fmt.Errorf("score missing in response")
	}

	score := *resp.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return domain.Judgment{Score: score, Reason: resp.Reason}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return fmt.Errorf("unexpected status %s, close body: %v", resp.Status, closeErr)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if v == nil {
		if err := resp.Body.Close(); err != nil {
			return fmt.Errorf("close response body: %w", err)
		}
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("decode response: %w", err)
	}

	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return nil
}
