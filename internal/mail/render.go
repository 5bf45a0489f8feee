package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"mailflow/internal/domain"
)

// Renderer executes *.html templates loaded from a directory. A template is
// addressed by its file name without the extension.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses every *.html file in dir. An empty dir yields a
// renderer that knows no templates.
func NewRenderer(dir string) (*Renderer, error) {
	if dir == "" {
		return &Renderer{}, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("template dir: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.html"))
	if err != nil {
		return nil, fmt.Errorf("template dir: %w", err)
	}
	if len(matches) == 0 {
		return &Renderer{}, nil
	}
	tmpl, err := template.ParseFiles(matches...)
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render returns the HTML for templateID, or TemplateNotFoundError.
func (r *Renderer) Render(templateID string, data map[string]any) (string, error) {
	if r.tmpl == nil {
		return "", &domain.TemplateNotFoundError{TemplateID: templateID}
	}
	name := templateID
	if !strings.HasSuffix(name, ".html") {
		name += ".html"
	}
	t := r.tmpl.Lookup(name)
	if t == nil {
		return "", &domain.TemplateNotFoundError{TemplateID: templateID}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", domain.Permanent(fmt.Errorf("render %s: %w", templateID, err))
	}
	return buf.String(), nil
}

// Has reports whether templateID can be rendered.
func (r *Renderer) Has(templateID string) bool {
	if r.tmpl == nil {
		return false
	}
	if !strings.HasSuffix(templateID, ".html") {
		templateID += ".html"
	}
	return r.tmpl.Lookup(templateID) != nil
}
