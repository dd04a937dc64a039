package llm

import (
	"fmt"
	"strings"

	"github.com/stankur/pipeline-processor/internal/domain"
)

const (
	selectSystem = `You pick the repositories that best represent a developer's own work.
Answer with JSON only: {"repos": ["name", ...]}. Use repository names exactly as listed.`

	blurbSystem = `You write one plain paragraph describing what a project is, the technologies it uses and how it works.
Avoid adjectives such as intelligent, custom or sophisticated. Answer with JSON only: {"blurb": "..."}.`

	judgeSystem = `You decide whether a repository would interest a developer, given what they have built.
Answer with JSON only: {"score": <number between 0 and 1>, "reason": "<one sentence>"}.`

	maxPromptRepos = 30
)

func selectionPrompt(profile domain.Profile, repos []domain.RawRepo, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Developer: %s\n", profile.Login)
	if profile.Bio != "" {
		fmt.Fprintf(&b, "Bio: %s\n", profile.Bio)
	}
	fmt.Fprintf(&b, "Pick at most %d repositories.\n\n", limit)
	for i, repo := range repos {
		if i == maxPromptRepos {
			break
		}
		b.WriteString(repo.Name + "\n")
		if repo.Description != "" {
			b.WriteString(repo.Description + "\n")
		}
		b.WriteString(repo.Language + "\n")
		fmt.Fprintf(&b, "%d\n", repo.Stars)
		if at := repo.LastActivity(); !at.IsZero() {
			b.WriteString(at.UTC().Format("2006-01-02T15:04:05Z") + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func blurbPrompt(repo domain.EnrichedRepo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", repo.ID)
	writeLine(&b, "Description", repo.Description)
	writeLine(&b, "Language", repo.Language)
	writeLine(&b, "Topics", strings.Join(repo.Topics, ", "))
	writeLine(&b, "README sections", strings.Join(repo.Keywords, ", "))
	writeLine(&b, "README excerpt", repo.ReadmeExcerpt)
	return strings.TrimSpace(b.String())
}

// viewerPrompt renders the viewer half of a judgment prompt.
func viewerPrompt(viewer domain.ViewerProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Developer: %s\n", viewer.Login)
	writeLine(&b, "Bio", viewer.Bio)
	b.WriteString("Their highlighted projects:\n")
	if len(viewer.Highlights) == 0 {
		b.WriteString("(none)\n")
	}
	for _, h := range viewer.Highlights {
		b.WriteString("- " + h.Name + "\n")
		for _, line := range []string{h.Description, h.Blurb, h.Language} {
			if line != "" {
				b.WriteString("  " + line + "\n")
			}
		}
	}
	return b.String()
}

func judgePrompt(candidate domain.Candidate, viewer domain.ViewerProfile) string {
	var b strings.Builder
	b.WriteString(viewerPrompt(viewer))
	b.WriteString("\nRepository to judge:\n")
	writeLine(&b, "Name", candidate.Repo.Name)
	writeLine(&b, "Author", candidate.Owner)
	writeLine(&b, "Description", candidate.Repo.Description)
	writeLine(&b, "Summary", candidate.Repo.Blurb)
	writeLine(&b, "Language", candidate.Repo.Language)
	return strings.TrimSpace(b.String())
}

func writeLine(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	b.WriteString(label + ": " + value + "\n")
}
