package moderation

import (
	"regexp"
	"strings"

	"pressroom/internal/domain"
)

var hashtagRe = regexp.MustCompile(`#[\pL\pN_]+`)

// ParseEdit turns a moderator's replacement text into a plain draft body.
// The first non-empty line is the title, the rest is the body, and #tag
// tokens anywhere are collected as tags and stripped from both.
func ParseEdit(text string) (domain.DraftBody, error) {
	var tags []string
	seen := map[string]bool{}
	stripped := hashtagRe.ReplaceAllStringFunc(text, func(m string) string {
		tag := strings.TrimPrefix(m, "#")
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
		return ""
	})

	lines := strings.Split(stripped, "\n")
	title := ""
	bodyStart := 0
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			title = strings.TrimSpace(line)
			bodyStart = i + 1
			break
		}
	}
	if title == "" {
		return domain.DraftBody{}, ErrNoTitle
	}
	var bodyLines []string
	for _, line := range lines[bodyStart:] {
		bodyLines = append(bodyLines, strings.TrimRight(line, " \t"))
	}
	body := strings.TrimSpace(strings.Join(bodyLines, "\n"))
	return domain.DraftBody{
		Format: domain.BodyFormatPlain,
		Title:  title,
		Body:   body,
		Tags:   tags,
	}, nil
}
