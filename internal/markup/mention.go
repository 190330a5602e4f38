// Package markup extracts plain text and mentions from chat message markup.
package markup

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	// Attribute order inside the span is not fixed, so the tag and the abbr
	// attribute are matched separately.
	mentionTag  = regexp.MustCompile(`(?s)<span[^>]*?class=["']mention["'][^>]*>`)
	abbrAttr    = regexp.MustCompile(`abbr=["']([^"']*)["']`)
	spanElement = regexp.MustCompile(`<span[^>]*>([^<]+)</span>`)
)

// MentionedUsers returns the distinct user ids mentioned in content, in order of appearance.
func MentionedUsers(content string) []string {
	var users []string
	seen := make(map[string]bool)
	for _, tag := range mentionTag.FindAllString(content, -1) {
		m := abbrAttr.FindStringSubmatch(tag)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		users = append(users, m[1])
	}
	return users
}

// MentionedContent returns the plain text of content with mentions removed, and whether
// userID is mentioned at all.
func MentionedContent(content, userID string) (string, bool) {
	mentioned := false
	for _, id := range MentionedUsers(content) {
		if id == userID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return "", false
	}
	return PlainText(spanElement.ReplaceAllString(content, "")), true
}

// PlainText strips markup, decodes entities and collapses whitespace.
func PlainText(content string) string {
	z := html.NewTokenizer(strings.NewReader(content))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			// block boundaries still separate words
			b.WriteByte(' ')
		}
	}
}
