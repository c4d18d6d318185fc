package dispatch

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/ncol/publisher-service/internal/models"
)

const (
	excerptWords = 55
	excerptMore  = " […]"
)

// LinkRewriter maps the authoring host of a permalink to the public one
type LinkRewriter interface {
	Rewrite(link string) string
}

// HostRewrite replaces every occurrence of From with To
type HostRewrite struct {
	From string
	To   string
}

func (h HostRewrite) Rewrite(link string) string {
	if h.From == "" {
		return link
	}
	return strings.ReplaceAll(link, h.From, h.To)
}

// BuildPayload assembles the wire payload for an item and its target platforms
func BuildPayload(itemID string, item models.ItemSnapshot, platforms models.PlatformSet, rewriter LinkRewriter, includeContent bool) models.DispatchPayload {
	permalink := item.Permalink
	if rewriter != nil {
		permalink = rewriter.Rewrite(permalink)
	}

	excerpt := strings.TrimSpace(item.Excerpt)
	if excerpt == "" {
		excerpt = ExcerptFromContent(item.Content)
	}

	payload := models.DispatchPayload{
		PostID:          itemID,
		Title:           item.Title,
		Permalink:       permalink,
		Excerpt:         excerpt,
		TargetPlatforms: platforms.Strings(),
		ImageURL:        strings.TrimSpace(item.ImageURL),
	}
	if includeContent {
		payload.Content = item.Content
	}
	return payload
}

// ExcerptFromContent strips markup from rendered content and keeps the first
// 55 words, the way the CMS builds an automatic excerpt.
func ExcerptFromContent(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}

	var text strings.Builder
	z := html.NewTokenizer(strings.NewReader(content))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return trimWords(text.String())
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawTextTag(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawTextTag(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				text.Write(z.Text())
				text.WriteByte(' ')
			}
		}
	}
}

func isRawTextTag(name []byte) bool {
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}

func trimWords(s string) string {
	words := strings.Fields(s)
	if len(words) <= excerptWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:excerptWords], " ") + excerptMore
}
