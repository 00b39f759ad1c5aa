// Package conversion renders agent markdown output to sanitized HTML for the
// Tandem frontend.
package conversion

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"go.abhg.dev/goldmark/mermaid"
)

// Converter handles markdown-to-HTML conversion with configurable options.
type Converter struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// Option configures the Converter.
type Option func(*opts)

type opts struct {
	extensions []goldmark.Extender
	sanitizer  *bluemonday.Policy
}

// WithHighlighting enables syntax highlighting with the specified chroma style.
func WithHighlighting(style string) Option {
	return func(o *opts) {
		o.extensions = append(o.extensions, highlighting.NewHighlighting(
			highlighting.WithStyle(style),
		))
	}
}

// WithMermaid renders ```mermaid fenced blocks as client-side diagrams.
func WithMermaid() Option {
	return func(o *opts) {
		o.extensions = append(o.extensions, &mermaid.Extender{
			RenderMode: mermaid.RenderModeClient,
		})
	}
}

// WithSanitization enables HTML sanitization using the provided policy.
func WithSanitization(policy *bluemonday.Policy) Option {
	return func(o *opts) {
		o.sanitizer = policy
	}
}

// NewConverter creates a new Converter with the given options.
func NewConverter(options ...Option) *Converter {
	o := &opts{
		extensions: []goldmark.Extender{extension.GFM},
	}
	for _, opt := range options {
		opt(o)
	}

	return &Converter{
		md: goldmark.New(
			goldmark.WithExtensions(o.extensions...),
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
				html.WithXHTML(),
			),
		),
		sanitizer: o.sanitizer,
	}
}

// DefaultConverter returns a converter with default settings suitable for
// agent responses.
func DefaultConverter() *Converter {
	return NewConverter(
		WithHighlighting("monokai"),
		WithMermaid(),
		WithSanitization(CreateSanitizer()),
	)
}

// CreateSanitizer creates a bluemonday policy that allows safe HTML for
// markdown rendering.
func CreateSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	// Code highlighting classes from goldmark-highlighting, plus the
	// "mermaid" class on <pre> used for client-side diagram rendering.
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")

	p.AllowDataAttributes()

	// id attributes for heading anchors
	p.AllowAttrs("id").Matching(bluemonday.Paragraph).OnElements("h1", "h2", "h3", "h4", "h5", "h6")

	return p
}

// Convert converts markdown text to HTML.
func (c *Converter) Convert(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	result := buf.String()
	if c.sanitizer != nil {
		result = c.sanitizer.Sanitize(result)
	}
	return result, nil
}

// ConvertToSafeHTML converts markdown and escapes it on error. Streaming
// callers must never break the output on a malformed chunk.
func (c *Converter) ConvertToSafeHTML(markdown string) string {
	result, err := c.Convert(markdown)
	if err != nil {
		return "<pre>" + EscapeHTML(markdown) + "</pre>"
	}
	return result
}

// EscapeHTML escapes special HTML characters.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// SplitStable splits accumulated streaming markdown into a prefix that is
// safe to render now and a volatile tail that may still change as more
// deltas arrive. The tail starts at the last unterminated construct: an open
// code fence, or the final partial line.
func SplitStable(markdown string) (stable, tail string) {
	if markdown == "" {
		return "", ""
	}

	lastNewline := strings.LastIndexByte(markdown, '\n')
	if lastNewline < 0 {
		return "", markdown
	}

	stable = markdown[:lastNewline+1]
	tail = markdown[lastNewline+1:]

	// An odd number of fences means the last code block is still open; the
	// whole block is volatile until its closing fence arrives.
	if fenceCount(stable)%2 != 0 {
		openAt := lastFenceStart(stable)
		return stable[:openAt], stable[openAt:] + tail
	}
	return stable, tail
}

func fenceCount(s string) int {
	count := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimLeft(line, " "), "```") {
			count++
		}
	}
	return count
}

// lastFenceStart returns the byte offset of the line that opens the last
// code fence.
func lastFenceStart(s string) int {
	offset := 0
	start := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimLeft(line, " "), "```") {
			start = offset
		}
		offset += len(line) + 1
	}
	return start
}
