package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stankur/pipeline-processor/internal/domain"
)

func TestScoreRelevance(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/score", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var req scoreRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.Viewer.Login)
		assert.Len(t, req.Viewer.Highlights, 1)
		assert.Equal(t, "bob/ranker", req.Candidate.ID)

		switch req.Viewer.Bio {
		case "over":
			_, _ = w.Write([]byte(`{"score": 1.7}`))
		case "missing":
			_, _ = w.Write([]byte(`{"reason": "??"}`))
		default:
			_, _ = w.Write([]byte(`{"score": 0.42, "reason": "shared stack"}`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "token")
	require.Equal(t, "ml:"+server.URL, client.ID())

	candidate := domain.Candidate{Owner: "bob", Repo: domain.HighlightedRepo{RepoID: "bob/ranker", Name: "ranker"}}
	viewer := domain.ViewerProfile{Login: "alice", Highlights: []domain.HighlightedRepo{{RepoID: "alice/raft", Name: "raft"}}}
	ctx := context.Background()

	judgment, err := client.ScoreRelevance(ctx, candidate, viewer)
	require.NoError(t, err)
	require.Equal(t, domain.Judgment{Score: 0.42, Reason: "shared stack"}, judgment)

	viewer.Bio = "over"
	judgment, err = client.ScoreRelevance(ctx, candidate, viewer)
	require.NoError(t, err)
	require.Equal(t, 1.0, judgment.Score)

	viewer.Bio = "missing"
	_, err = client.ScoreRelevance(ctx, candidate, viewer)
	require.ErrorContains(t, err, "score missing")
}

func TestScoreRelevanceStatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "").ScoreRelevance(context.Background(), domain.Candidate{}, domain.ViewerProfile{})
	require.ErrorContains(t, err, "503")
}
