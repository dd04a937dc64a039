package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrUnparseable is returned when no JSON value can be recovered from a reply.
var ErrUnparseable = errors.New("unable to parse llm json")

var (
	jsonFence = regexp.MustCompile("(?is)```\\s*json\\s*(.*?)```")
	anyFence  = regexp.MustCompile("(?s)```\\s*(.*?)```")
)

// ParseJSON decodes a model reply into v. It tries the whole text, then the
// first fenced block, then the first balanced array and object segments.
func ParseJSON(text string, v any) error {
	for _, candidate := range jsonCandidates(text) {
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		}
	}
	return ErrUnparseable
}

func jsonCandidates(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	out := []string{text}
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	} else if m := anyFence.FindStringSubmatch(text); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	}
	if seg := balancedSegment(text, '[', ']'); seg != "" {
		out = append(out, seg)
	}
	if seg := balancedSegment(text, '{', '}'); seg != "" {
		out = append(out, seg)
	}
	return out
}

// balancedSegment returns the first opener..closer span with matching depth,
// skipping brackets inside JSON strings.
func balancedSegment(text string, opener, closer byte) string {
	start := strings.IndexByte(text, opener)
	if start < 0 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
