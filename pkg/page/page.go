// Package page renders the blog's HTML front page from a gate snapshot.
package page

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/maybehotcarl/gatedblog/pkg/gate"
)

//go:embed templates/*.html
var templatesFS embed.FS

var sanitizer = bluemonday.UGCPolicy()

// Post is a post ready for the template.
type Post struct {
	Title string
	Body  template.HTML
}

// Data is everything the page template needs.
type Data struct {
	View     gate.Snapshot
	Posts    []Post
	ClientID string
	ChainID  int64
}

// Renderer executes the embedded page template.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// NewData builds template data from a snapshot, rendering descriptions as
// sanitised markdown.
func NewData(s gate.Snapshot, clientID string, chainID int64) Data {
	list := make([]Post, len(s.Posts))
	for i, p := range s.Posts {
		list[i] = Post{Title: p.Title, Body: Markdown(p.Description)}
	}
	return Data{View: s, Posts: list, ClientID: clientID, ChainID: chainID}
}

// Render writes the front page.
func (r *Renderer) Render(w io.Writer, d Data) error {
	return r.tmpl.ExecuteTemplate(w, "index.html", d)
}

// Markdown converts md to HTML and strips anything outside the UGC policy.
func Markdown(md string) template.HTML {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.NoEmptyLineBeforeBlock)
	doc := p.Parse([]byte(md))

	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank})
	unsafe := markdown.Render(doc, renderer)

	return template.HTML(sanitizer.SanitizeBytes(unsafe))
}
