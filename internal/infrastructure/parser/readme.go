package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/stankur/pipeline-processor/internal/config"
	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/ports"
)

const (
	defaultAPIURL  = "https://api.github.com"
	excerptRunes   = 280
	maxKeywords    = 8
	minExcerptLen  = 40
	htmlMediaType  = "application/vnd.github.html+json"
	rawContentBase = "https://github.com"
)

var (
	errNoReadme = errors.New("readme not found")

	badgeMarkers = []string{"shields.io", "badge", "travis-ci.org", "circleci.com", "codecov.io"}
	videoSuffix  = []string{".mp4", ".webm", ".mov", ".avi"}
)

// ReadmeEnricher downloads the rendered README of a repository and extracts
// its hero image, an excerpt and heading keywords.
type ReadmeEnricher struct {
	endpoint  string
	token     string
	userAgent string
	client    *http.Client
	logger    *slog.Logger
}

var _ ports.Enricher = (*ReadmeEnricher)(nil)

// NewReadmeEnricher wires an HTTP client; a nil client gets a 20s timeout.
func NewReadmeEnricher(cfg config.GitHubConfig, client *http.Client, logger *slog.Logger) *ReadmeEnricher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultAPIURL
	}
	return &ReadmeEnricher{
		endpoint:  endpoint,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		client:    client,
		logger:    logger,
	}
}

// Enrich returns repo unchanged plus whatever the README yields. A repo
// without a README is not an error.
func (e *ReadmeEnricher) Enrich(ctx context.Context, repo domain.RawRepo) (domain.EnrichedRepo, error) {
	enriched := domain.EnrichedRepo{RawRepo: repo}

	doc, err := e.fetchDocument(ctx, e.endpoint+"/repos/"+repo.ID+"/readme")
	if errors.Is(err, errNoReadme) {
		e.debug("no readme", "repo", repo.ID)
		return enriched, nil
	}
	if err != nil {
		return domain.EnrichedRepo{}, fmt.Errorf("readme %s: %w", repo.ID, err)
	}

	extract := parseReadme(doc, rawBase(repo.ID))
	enriched.ImageURL = extract.image
	enriched.ReadmeExcerpt = extract.excerpt
	enriched.Keywords = extract.keywords
	e.debug("readme parsed", "repo", repo.ID, "image", extract.image != "", "keywords", len(extract.keywords))
	return enriched, nil
}

func (e *ReadmeEnricher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", htmlMediaType)
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNoReadme
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, nil
}

type readmeExtract struct {
	image    string
	excerpt  string
	keywords []string
}

func parseReadme(doc *goquery.Document, base *url.URL) readmeExtract {
	var out readmeExtract

	doc.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src, ok := img.Attr("data-canonical-src")
		if !ok || strings.TrimSpace(src) == "" {
			src, _ = img.Attr("src")
		}
		resolved := resolveImage(strings.TrimSpace(src), base)
		if resolved == "" {
			return true
		}
		out.image = resolved
		return false
	})

	doc.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		text := collapse(p.Text())
		if utf8.RuneCountInString(text) < minExcerptLen {
			return true
		}
		out.excerpt = clip(text, excerptRunes)
		return false
	})

	seen := map[string]struct{}{}
	doc.Find("h1, h2, h3").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		text := collapse(h.Text())
		key := strings.ToLower(text)
		if text == "" {
			return true
		}
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
		out.keywords = append(out.keywords, text)
		return len(out.keywords) < maxKeywords
	})

	return out
}

func resolveImage(src string, base *url.URL) string {
	if src == "" || strings.HasPrefix(src, "data:") {
		return ""
	}
	lower := strings.ToLower(src)
	for _, marker := range badgeMarkers {
		if strings.Contains(lower, marker) {
			return ""
		}
	}
	for _, suffix := range videoSuffix {
		if strings.HasSuffix(lower, suffix) {
			return ""
		}
	}

	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	if base == nil {
		return ""
	}
	if strings.HasPrefix(src, "//") {
		ref.Scheme = "https"
		return ref.String()
	}
	ref.Path = strings.TrimPrefix(strings.TrimPrefix(ref.Path, "./"), "/")
	return base.ResolveReference(ref).String()
}

// rawBase points relative README assets at the default branch of repoID.
func rawBase(repoID string) *url.URL {
	base, err := url.Parse(rawContentBase + "/" + repoID + "/raw/HEAD/")
	if err != nil {
		return nil
	}
	return base
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func clip(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

func (e *ReadmeEnricher) debug(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, args...)
	}
}
