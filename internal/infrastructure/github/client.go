package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stankur/pipeline-processor/internal/config"
	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/logging"
	"github.com/stankur/pipeline-processor/internal/ports"
)

const (
	defaultEndpoint = "https://api.github.com"
	pageSize        = 100
	maxPages        = 5
)

// Client fetches profiles and repositories from the GitHub REST API.
type Client struct {
	endpoint    string
	token       string
	userAgent   string
	repoLimit   int
	recentYears int
	http        *http.Client
	logger      *slog.Logger
	now         func() time.Time
}

var _ ports.RepoFetcher = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.GitHubConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		endpoint:    endpoint,
		token:       cfg.Token,
		userAgent:   cfg.UserAgent,
		repoLimit:   cfg.RepoLimit,
		recentYears: cfg.RecentYears,
		http:        &http.Client{Timeout: timeout},
		logger:      logger,
		now:         time.Now,
	}
}

type userPayload struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Bio       string `json:"bio"`
	Location  string `json:"location"`
	Blog      string `json:"blog"`
}

type repoPayload struct {
	FullName    string   `json:"full_name"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Language    string   `json:"language"`
	Stars       int      `json:"stargazers_count"`
	Fork        bool     `json:"fork"`
	HTMLURL     string   `json:"html_url"`
	Homepage    string   `json:"homepage"`
	Topics      []string `json:"topics"`
	PushedAt    string   `json:"pushed_at"`
	UpdatedAt   string   `json:"updated_at"`
	Owner       struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// FetchProfile loads the public profile for login.
func (c *Client) FetchProfile(ctx context.Context, login string) (domain.Profile, error) {
	var user userPayload
	if err := c.get(ctx, "/users/"+url.PathEscape(login), nil, &user); err != nil {
		return domain.Profile{}, err
	}
	if user.Login == "" {
		user.Login = login
	}
	return domain.Profile{
		Login:     user.Login,
		Name:      strings.TrimSpace(user.Name),
		AvatarURL: user.AvatarURL,
		Bio:       strings.TrimSpace(user.Bio),
		Location:  strings.TrimSpace(user.Location),
		Blog:      strings.TrimSpace(user.Blog),
	}, nil
}

// FetchIdentityRepos lists owned repositories, most recently pushed first.
// Forks, repos without a detected language and repos not pushed within the
// recent window are skipped; at most repoLimit repos are returned.
func (c *Client) FetchIdentityRepos(ctx context.Context, login string) ([]domain.RawRepo, error) {
	limit := c.repoLimit
	if limit <= 0 {
		limit = 30
	}
	var cutoff time.Time
	if c.recentYears > 0 {
		cutoff = c.now().UTC().AddDate(-c.recentYears, 0, 0)
	}

	logger := c.logger.With("login", login)
	repos := make([]domain.RawRepo, 0, limit)
	for page := 1; page <= maxPages && len(repos) < limit; page++ {
		query := url.Values{}
		query.Set("per_page", strconv.Itoa(pageSize))
		query.Set("page", strconv.Itoa(page))
		query.Set("sort", "pushed")
		query.Set("type", "owner")

		var batch []repoPayload
		if err := c.get(ctx, "/users/"+url.PathEscape(login)+"/repos", query, &batch); err != nil {
			return nil, fmt.Errorf("list repos page %d: %w", page, err)
		}

		stale := false
		for _, payload := range batch {
			repo := toRawRepo(payload, login)
			if repo.Fork || repo.Language == "" {
				continue
			}
			if !cutoff.IsZero() && repo.LastActivity().Before(cutoff) {
				// Sorted by push time, nothing after this is recent either.
				stale = true
				break
			}
			repos = append(repos, repo)
			if len(repos) == limit {
				break
			}
		}
		if stale || len(batch) < pageSize {
			break
		}
	}

	logger.Debug("fetched repos", "count", len(repos))
	return repos, nil
}

func toRawRepo(p repoPayload, login string) domain.RawRepo {
	owner := p.Owner.Login
	if owner == "" {
		owner = login
	}
	id := p.FullName
	if id == "" {
		id = owner + "/" + p.Name
	}
	return domain.RawRepo{
		ID:          id,
		Owner:       owner,
		Name:        p.Name,
		Description: strings.TrimSpace(p.Description),
		Language:    p.Language,
		Stars:       p.Stars,
		Fork:        p.Fork,
		HTMLURL:     p.HTMLURL,
		Homepage:    strings.TrimSpace(p.Homepage),
		Topics:      p.Topics,
		PushedAt:    parseTime(p.PushedAt),
		UpdatedAt:   parseTime(p.UpdatedAt),
	}
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &domain.NotFoundError{Resource: "github resource", Key: path}
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("github error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
