package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/stankur/pipeline-processor/internal/config"
	"github.com/stankur/pipeline-processor/internal/domain"
)

const sampleReadme = `
<article class="markdown-body">
  <h1>ranker</h1>
  <p><a href="https://ci.example"><img src="https://img.shields.io/badge/build-passing-green.svg"></a></p>
  <p>Short line.</p>
  <p>ranker orders GitHub repositories for a viewer by asking a model how well each one
     matches what the viewer has built before.</p>
  <p><img src="./docs/screenshot.png" alt="screenshot"></p>
  <h2>Install</h2>
  <h2>Usage</h2>
  <h3>install</h3>
  <h2></h2>
</article>`

func TestParseReadme(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(sampleReadme))
	if err != nil {
		t.Fatalf("new document: %v", err)
	}

	got := parseReadme(doc, rawBase("bob/ranker"))

	if got.image != "https://github.com/bob/ranker/raw/HEAD/docs/screenshot.png" {
		t.Fatalf("unexpected image: %s", got.image)
	}
	if !strings.HasPrefix(got.excerpt, "ranker orders GitHub repositories for a viewer by asking") {
		t.Fatalf("unexpected excerpt: %q", got.excerpt)
	}
	if strings.Contains(got.excerpt, "\n") {
		t.Fatalf("excerpt keeps newlines: %q", got.excerpt)
	}
	want := []string{"ranker", "Install", "Usage"}
	if strings.Join(got.keywords, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected keywords: %v", got.keywords)
	}
}

func TestResolveImage(t *testing.T) {
	t.Parallel()

	base := rawBase("bob/ranker")
	cases := map[string]string{
		"https://cdn.example/hero.png":         "https://cdn.example/hero.png",
		"//cdn.example/hero.png":               "https://cdn.example/hero.png",
		"/assets/logo.svg":                     "https://github.com/bob/ranker/raw/HEAD/assets/logo.svg",
		"https://travis-ci.org/bob/ranker.svg": "",
		"https://cdn.example/demo.MP4":         "",
		"data:image/png;base64,AAAA":           "",
		"":                                     "",
	}
	for src, want := range cases {
		if got := resolveImage(src, base); got != want {
			t.Fatalf("resolveImage(%q) = %q, want %q", src, got, want)
		}
	}
}

func TestClip(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 300)
	got := clip(long, 280)
	if n := len([]rune(got)); n != 280 {
		t.Fatalf("expected 280 runes, got %d", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis, got %q", got[len(got)-8:])
	}
	if clip("short", 280) != "short" {
		t.Fatalf("short text must be unchanged")
	}
}

func TestReadmeEnricherEnrich(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/bob/ranker/readme":
			if r.Header.Get("Accept") != htmlMediaType {
				http.Error(w, "wrong accept", http.StatusBadRequest)
				return
			}
			if r.Header.Get("Authorization") != "Bearer secret" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(sampleReadme))
		case "/repos/bob/bare/readme":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	enricher := NewReadmeEnricher(config.GitHubConfig{Endpoint: server.URL, Token: "secret"}, server.Client(), nil)
	ctx := context.Background()

	repo := domain.RawRepo{ID: "bob/ranker", Owner: "bob", Name: "ranker", Stars: 4}
	enriched, err := enricher.Enrich(ctx, repo)
	if err != nil {
		t.Fatalf("Enrich error: %v", err)
	}
	if enriched.ID != "bob/ranker" || enriched.Stars != 4 {
		t.Fatalf("raw repo not carried over: %+v", enriched.RawRepo)
	}
	if enriched.ImageURL == "" || len(enriched.Keywords) != 3 || enriched.ReadmeExcerpt == "" {
		t.Fatalf("unexpected enrichment: %+v", enriched)
	}

	bare, err := enricher.Enrich(ctx, domain.RawRepo{ID: "bob/bare"})
	if err != nil {
		t.Fatalf("missing readme must not fail: %v", err)
	}
	if bare.ImageURL != "" || bare.ReadmeExcerpt != "" || bare.Keywords != nil {
		t.Fatalf("expected empty enrichment, got %+v", bare)
	}

	if _, err := enricher.Enrich(ctx, domain.RawRepo{ID: "bob/broken"}); err == nil {
		t.Fatalf("expected error for server failure")
	}
}
