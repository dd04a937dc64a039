package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// RawRepo is a repository as fetched from GitHub for one identity.
type RawRepo struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language,omitempty"`
	Stars       int       `json:"stars"`
	Fork        bool      `json:"fork"`
	HTMLURL     string    `json:"html_url,omitempty"`
	Homepage    string    `json:"homepage,omitempty"`
	Topics      []string  `json:"topics,omitempty"`
	PushedAt    time.Time `json:"pushed_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// LastActivity returns the push time, falling back to the update time.
func (r RawRepo) LastActivity() time.Time {
	if !r.PushedAt.IsZero() {
		return r.PushedAt
	}
	return r.UpdatedAt
}

// EnrichedRepo is a raw repo plus data extracted from its README.
type EnrichedRepo struct {
	RawRepo
	ImageURL      string   `json:"image_url,omitempty"`
	ReadmeExcerpt string   `json:"readme_excerpt,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
}

// Blurb is the short generated description of a highlighted repo.
type Blurb string

// HighlightedRepo is produced by the pipeline for its owning identity and
// read by the feed builder.
type HighlightedRepo struct {
	Login       string    `json:"login"`
	RepoID      string    `json:"repo_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language,omitempty"`
	Stars       int       `json:"stars"`
	HTMLURL     string    `json:"html_url,omitempty"`
	Homepage    string    `json:"homepage,omitempty"`
	Topics      []string  `json:"topics,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Keywords    []string  `json:"keywords,omitempty"`
	Excerpt     string    `json:"excerpt,omitempty"`
	Blurb       string    `json:"blurb,omitempty"`
	Position    int       `json:"position"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HighlightFromRaw seeds a highlight from a fetched repo.
func HighlightFromRaw(login string, position int, repo RawRepo) HighlightedRepo {
	return HighlightedRepo{
		Login:       login,
		RepoID:      repo.ID,
		Name:        repo.Name,
		Description: repo.Description,
		Language:    repo.Language,
		Stars:       repo.Stars,
		HTMLURL:     repo.HTMLURL,
		Homepage:    repo.Homepage,
		Topics:      append([]string(nil), repo.Topics...),
		Position:    position,
		UpdatedAt:   repo.LastActivity().UTC(),
	}
}

// ContentVersion hashes the fields a relevance judgment depends on.
// Display-only fields (stars, image, position) are left out.
func (h HighlightedRepo) ContentVersion() string {
	var b strings.Builder
	writeField(&b, "id", strings.ToLower(h.RepoID))
	writeField(&b, "name", h.Name)
	writeField(&b, "description", h.Description)
	writeField(&b, "language", h.Language)
	writeField(&b, "topics", strings.Join(h.Topics, ","))
	writeField(&b, "blurb", h.Blurb)
	return digest(b.String())
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(strings.Join(strings.Fields(value), " "))
	b.WriteByte('\n')
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
