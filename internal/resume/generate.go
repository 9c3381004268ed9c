package resume

import (
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// ErrUnknownTemplate is returned by Generate for an unknown layout.
var ErrUnknownTemplate = errors.New("unknown template")

//go:embed templates/*.typ.tmpl
var templateFS embed.FS

var templates = map[Template]*template.Template{
	TemplateClassic: mustParse(TemplateClassic),
	TemplateCompact: mustParse(TemplateCompact),
}

var funcs = template.FuncMap{
	"esc":     Escape,
	"inline":  Inline,
	"quote":   Quote,
	"join":    strings.Join,
	"dates":   dates,
	"degree":  degree,
	"contact": contact,
}

func mustParse(t Template) *template.Template {
	name := string(t) + ".typ.tmpl"
	return template.Must(template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/"+name))
}

type view struct {
	Resume
	Sections []SectionConfig
}

// Generate renders r as Typst markup with the visible sections in order.
// It has no side effects and the same input always gives the same
// output.
func Generate(r Resume, sections []SectionConfig, tmpl Template) (string, error) {
	t, ok := templates[tmpl]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, tmpl)
	}
	v := view{Resume: r}
	for _, s := range sections {
		if s.Visible {
			v.Sections = append(v.Sections, s)
		}
	}
	var b strings.Builder
	if err := t.Execute(&b, v); err != nil {
		return "", fmt.Errorf("generate %s: %w", tmpl, err)
	}
	return b.String(), nil
}

// Markup generates the markup for the snapshot.
func (s Snapshot) Markup() (string, error) {
	return Generate(s.Resume, s.Sections, s.Template)
}

func dates(start, end string) string {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	switch {
	case start == "" && end == "":
		return ""
	case start == "":
		return end
	case end == "":
		return start + " – Present"
	default:
		return start + " – " + end
	}
}

func degree(e Education) string {
	return strings.TrimSpace(e.StudyType + " " + e.Area)
}

// contact renders the contact line as Typst markup.
func contact(b Basics) string {
	var parts []string
	if b.Email != "" {
		parts = append(parts, "#link("+Quote("mailto:"+b.Email)+")["+Escape(b.Email)+"]")
	}
	if b.Phone != "" {
		parts = append(parts, Escape(b.Phone))
	}
	if b.URL != "" {
		label := strings.TrimPrefix(strings.TrimPrefix(b.URL, "https://"), "http://")
		parts = append(parts, "#link("+Quote(b.URL)+")["+Escape(label)+"]")
	}
	if b.Location != "" {
		parts = append(parts, Escape(b.Location))
	}
	return strings.Join(parts, " | ")
}
