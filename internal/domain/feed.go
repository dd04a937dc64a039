package domain

import (
	"sort"
	"strings"
	"time"
)

// ViewerProfile is what candidates are judged against.
type ViewerProfile struct {
	Login      string
	Bio        string
	Highlights []HighlightedRepo
}

// Version is stable for unchanged inputs and changes with any field the
// scorer sees. Highlights are hashed in position order.
func (p ViewerProfile) Version() string {
	highlights := append([]HighlightedRepo(nil), p.Highlights...)
	sort.SliceStable(highlights, func(i, j int) bool {
		if highlights[i].Position != highlights[j].Position {
			return highlights[i].Position < highlights[j].Position
		}
		return highlights[i].RepoID < highlights[j].RepoID
	})

	var b strings.Builder
	writeField(&b, "login", strings.ToLower(p.Login))
	writeField(&b, "bio", p.Bio)
	for _, h := range highlights {
		writeField(&b, "highlight", h.ContentVersion())
	}
	return digest(b.String())
}

// Candidate is one highlighted repo offered to a viewer.
type Candidate struct {
	Repo         HighlightedRepo
	Owner        string
	OwnerIsGhost bool
}

// ID is the stable candidate identifier used for exposures and tie-breaks.
func (c Candidate) ID() string {
	return c.Repo.RepoID
}

// Judgment is a scorer's verdict on a candidate for a viewer.
type Judgment struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// JudgmentEntry is an immutable cached judgment.
type JudgmentEntry struct {
	Fingerprint string
	Judgment    Judgment
	CreatedAt   time.Time
}

// ExposureRecord tracks how often a candidate was shown to a viewer.
type ExposureRecord struct {
	Viewer      string
	CandidateID string
	ShowCount   int
	LastShownAt time.Time
}

// FeedItem is one ranked entry of a served feed.
type FeedItem struct {
	Repo          HighlightedRepo `json:"repo"`
	Owner         string          `json:"owner"`
	OwnerIsGhost  bool            `json:"is_ghost"`
	Score         float64         `json:"score"`
	AdjustedScore float64         `json:"adjusted_score"`
}

// CachedFeed is the last feed built for a viewer.
type CachedFeed struct {
	Viewer  string
	Items   []FeedItem
	BuiltAt time.Time
}
