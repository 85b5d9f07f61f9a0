// Package render turns bot replies into sanitized HTML for the web client.
package render

import (
	"bytes"
	"fmt"
	"html"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer converts markdown to HTML safe to inject into the page.
// It is safe for concurrent use.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// New creates a Renderer with GitHub-flavored markdown and a UGC policy.
func New() *Renderer {
	policy := bluemonday.UGCPolicy()
	policy.RequireNoFollowOnLinks(true)
	policy.AddTargetBlankToFullyQualifiedLinks(true)

	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy: policy,
	}
}

// HTML renders text as markdown and sanitizes the result.
func (r *Renderer) HTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return r.policy.Sanitize(buf.String()), nil
}

// HTMLOrEscaped is HTML with a plain escaped paragraph on failure.
func (r *Renderer) HTMLOrEscaped(text string) string {
	out, err := r.HTML(text)
	if err != nil {
		return "<p>" + html.EscapeString(text) + "</p>"
	}
	return out
}
