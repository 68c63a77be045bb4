// Package render parses and executes notification templates and converts
// markdown bodies to HTML.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Template is a parsed subject or body template. It is safe for concurrent use.
type Template struct {
	name   string
	source string
	tmpl   *template.Template
}

// Parse compiles src. Errors carry the template name and the parser position.
func Parse(name, src string) (*Template, error) {
	t, err := template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=zero").
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return &Template{name: name, source: src, tmpl: t}, nil
}

// MustParse is Parse for templates compiled into the binary.
func MustParse(name, src string) *Template {
	t, err := Parse(name, src)
	if err != nil {
		panic(err)
	}
	return t
}

// Execute renders the template against ctx.
func (t *Template) Execute(ctx map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("render %s: %w", t.name, err)
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// Source returns the original template text.
func (t *Template) Source() string {
	return t.source
}

// Name returns the name the template was parsed under.
func (t *Template) Name() string {
	return t.name
}

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
		// raw HTML in the body is passed through untouched
		html.WithUnsafe(),
	),
)

// Markdown converts a rendered markdown body to an HTML fragment.
func Markdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	return buf.String(), nil
}

// Subject flattens a rendered subject to a single trimmed line.
func Subject(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
