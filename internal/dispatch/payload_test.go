package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ncol/publisher-service/internal/models"
)

func TestHostRewrite(t *testing.T) {
	r := HostRewrite{From: "https://admin.example.com", To: "https://www.example.com"}

	assert.Equal(t, "https://www.example.com/a/", r.Rewrite("https://admin.example.com/a/"))
	assert.Equal(t, "https://other.example.com/a/", r.Rewrite("https://other.example.com/a/"))
	assert.Equal(t, "https://admin.example.com/a/", HostRewrite{}.Rewrite("https://admin.example.com/a/"))
}

func TestBuildPayload(t *testing.T) {
	item := models.ItemSnapshot{
		Title:     "Title",
		Permalink: "https://admin.example.com/title/",
		Excerpt:   "  Short  ",
		Content:   "<p>Body</p>",
		ImageURL:  "https://cdn.example.com/i.jpg",
	}
	platforms := models.NewPlatformSet(models.PlatformThreads, models.PlatformFacebook)
	rewriter := HostRewrite{From: "https://admin.example.com", To: "https://www.example.com"}

	payload := BuildPayload("42", item, platforms, rewriter, false)

	assert.Equal(t, models.DispatchPayload{
		PostID:          "42",
		Title:           "Title",
		Permalink:       "https://www.example.com/title/",
		Excerpt:         "Short",
		TargetPlatforms: []string{"facebook", "threads"},
		ImageURL:        "https://cdn.example.com/i.jpg",
	}, payload)
}

func TestBuildPayload_IncludesContentWhenEnabled(t *testing.T) {
	item := models.ItemSnapshot{Title: "T", Content: "<p>Body</p>"}

	payload := BuildPayload("42", item, models.NewPlatformSet(models.PlatformFacebook), nil, true)

	assert.Equal(t, "<p>Body</p>", payload.Content)
	assert.Equal(t, "Body", payload.Excerpt)
	assert.Empty(t, payload.ImageURL)
}

func TestExcerptFromContent(t *testing.T) {
	content := `<p>Hello <strong>world</strong>.</p><script>var x = 1;</script><style>p{}</style><p>Bye</p>`

	assert.Equal(t, "Hello world . Bye", ExcerptFromContent(content))
	assert.Equal(t, "", ExcerptFromContent("   "))
}

func TestExcerptFromContent_TrimsTo55Words(t *testing.T) {
	content := "<p>" + strings.Repeat("word ", 80) + "</p>"

	excerpt := ExcerptFromContent(content)

	assert.True(t, strings.HasSuffix(excerpt, " […]"))
	assert.Len(t, strings.Fields(strings.TrimSuffix(excerpt, " […]")), 55)
}
