// Package render is the markdown boundary of the engine. The fan-out
// path cares about the FACTS rendering produces — who is mentioned,
// whether a wildcard fired, whose alert words appear, which links need
// previews — far more than the HTML itself. Whether a mention is "real"
// (not inside a code block) is only known here, which is why the
// recipient-info calculator computes wildcard ELIGIBILITY up front and
// callers gate on Rendering.WildcardMention afterwards.
package render

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository"
)

// Rendering is the computed result for one message.
type Rendering struct {
	HTML             string
	MentionUserIDs   models.UserSet
	WildcardMention  bool
	AlertWordUserIDs models.UserSet
	Links            []string

	// UploadPathIDs: path ids of uploaded files the content references
	// (/user_uploads/<path_id>). The send path claims these for the
	// message.
	UploadPathIDs []string
}

// Renderer converts raw content into a Rendering. Implementations must
// return an error rather than panic on hostile input; the dispatcher
// converts the error into a user-facing validation failure and the
// message is never persisted.
type Renderer interface {
	Render(ctx context.Context, tenantID uuid.UUID, content string) (*Rendering, error)
}

// Mention syntax: @**user@example.com** for a personal mention,
// @**all** / @all / @everyone / @stream for a wildcard.
var (
	mentionPattern  = regexp.MustCompile(`@\*\*([^*]+)\*\*`)
	wildcardPattern = regexp.MustCompile(`(^|\s)@(all|everyone|stream)(\s|$|[[:punct:]])`)
	linkPattern     = regexp.MustCompile(`https?://[^\s<>"]+`)
	uploadPattern   = regexp.MustCompile(`/user_uploads/([^\s<>"')]+)`)
)

var wildcardNames = map[string]bool{"all": true, "everyone": true, "stream": true}

// Markdown is the default Renderer: HTML-escaped paragraphs plus the
// mention/alert-word/link scan. Mentions resolve through the user
// store by email; alert words come from the per-tenant word map.
type Markdown struct {
	users repository.UserRepository
	words repository.AlertWordRepository
}

func NewMarkdown(users repository.UserRepository, words repository.AlertWordRepository) *Markdown {
	return &Markdown{users: users, words: words}
}

func (r *Markdown) Render(ctx context.Context, tenantID uuid.UUID, content string) (*Rendering, error) {
	// Code blocks and inline code spans are inert: a mention inside
	// them is just text. Scan only the prose.
	prose := stripCode(content)

	out := &Rendering{
		MentionUserIDs:   models.NewUserSet(),
		AlertWordUserIDs: models.NewUserSet(),
		Links:            []string{},
	}

	var mentionEmails []string
	for _, match := range mentionPattern.FindAllStringSubmatch(prose, -1) {
		name := strings.TrimSpace(match[1])
		if wildcardNames[strings.ToLower(name)] {
			out.WildcardMention = true
			continue
		}
		mentionEmails = append(mentionEmails, name)
	}
	if wildcardPattern.MatchString(prose) {
		out.WildcardMention = true
	}

	if len(mentionEmails) > 0 {
		users, err := r.users.GetByEmails(ctx, mentionEmails)
		if err != nil {
			return nil, fmt.Errorf("resolve mentions: %w", err)
		}
		for _, u := range users {
			// A mention of someone in another tenant is just text.
			if u.TenantID == tenantID {
				out.MentionUserIDs.Add(u.ID)
			}
		}
	}

	words, err := r.words.ByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load alert words: %w", err)
	}
	if len(words) > 0 {
		lowered := strings.ToLower(prose)
		for word, userIDs := range words {
			if containsWord(lowered, word) {
				for _, id := range userIDs {
					out.AlertWordUserIDs.Add(id)
				}
			}
		}
	}

	out.Links = linkPattern.FindAllString(prose, -1)
	if out.Links == nil {
		out.Links = []string{}
	}

	out.UploadPathIDs = []string{}
	for _, match := range uploadPattern.FindAllStringSubmatch(prose, -1) {
		out.UploadPathIDs = append(out.UploadPathIDs, match[1])
	}

	out.HTML = renderHTML(content)
	return out, nil
}

// stripCode blanks out fenced code blocks (``` ... ```) and inline code
// spans (`...`) so the fact scan never fires inside them.
func stripCode(content string) string {
	var b strings.Builder
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			b.WriteString("\n")
			continue
		}
		if inFence {
			b.WriteString("\n")
			continue
		}
		b.WriteString(stripInlineCode(line))
		b.WriteString("\n")
	}
	return b.String()
}

func stripInlineCode(line string) string {
	var b strings.Builder
	inSpan := false
	for _, r := range line {
		if r == '`' {
			inSpan = !inSpan
			b.WriteRune(' ')
			continue
		}
		if inSpan {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// containsWord does a word-boundary match: "go" matches "ship go now"
// but not "golang".
func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordRune(rune(haystack[start-1]))
		afterOK := end == len(haystack) || !isWordRune(rune(haystack[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func renderHTML(content string) string {
	paragraphs := strings.Split(strings.TrimSpace(content), "\n\n")
	var b strings.Builder
	for _, p := range paragraphs {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(p), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
