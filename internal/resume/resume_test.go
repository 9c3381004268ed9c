package resume

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInline(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Built things", "Built things"},
		{"strong", "Cut latency by **40%**", "Cut latency by #strong[40%]"},
		{"emphasis", "_very_ fast", "#emph[very] fast"},
		{"strike", "~~old~~ new", "#strike[old] new"},
		{"code span", "Wrote `go test`", `Wrote #raw("go test")`},
		{"link", "See [site](https://x.dev)", `See #link("https://x.dev")[site]`},
		{"autolink", "Visit https://x.dev now", `Visit #link("https://x.dev")[https:\/\/x.dev] now`},
		{"typst specials", "C# & $5 @home <tag>", `C\# & \$5 \@home \<tag\>`},
		{"heading marker at start", "= not a heading", `\= not a heading`},
		{"soft break", "one\ntwo", "one two"},
		{"paragraphs", "one\n\ntwo", "one\n\ntwo"},
		{"list", "- a\n- b", "- a\n- b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Inline(tt.in))
		})
	}
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `\#1 \*star\* \_u\_ \[b\]`, Escape("#1 *star* _u_ [b]"))
	assert.Equal(t, `\- dash`, Escape("- dash"))
	assert.Equal(t, `\+ plus`, Escape("+ plus"))
	assert.Equal(t, "", Escape(""))
	assert.Equal(t, `"a\"b\\c\n"`, Quote("a\"b\\c\n"))
}

func TestGenerateIsDeterministic(t *testing.T) {
	snap := DefaultSnapshot()
	for _, tmpl := range Templates() {
		first, err := Generate(snap.Resume, snap.Sections, tmpl)
		require.NoError(t, err)
		second, err := Generate(snap.Resume, snap.Sections, tmpl)
		require.NoError(t, err)
		assert.Equal(t, first, second, string(tmpl))
	}
}

func TestGenerateClassic(t *testing.T) {
	snap := DefaultSnapshot()
	out, err := snap.Markup()
	require.NoError(t, err)

	assert.Contains(t, out, `#set document(title: "Alex Example")`)
	assert.Contains(t, out, "#text(size: 20pt, weight: \"bold\")[Alex Example]")
	assert.Contains(t, out, `#link("mailto:alex@example.com")[alex\@example.com]`)
	assert.Contains(t, out, "== Summary")
	assert.Contains(t, out, "#strong[reliable backend systems]")
	assert.Contains(t, out, "== Experience")
	assert.Contains(t, out, "2021 – Present")
	assert.Contains(t, out, "- Cut p99 latency of the billing API by #emph[40%].")
	assert.Contains(t, out, "MSc Computer Science")
	assert.Contains(t, out, "- #strong[Languages]: Go, SQL, TypeScript")
	assert.NotContains(t, out, "== Projects", "empty sections are skipped")
}

func TestGenerateHonoursSectionOrderAndVisibility(t *testing.T) {
	r := DefaultResume()
	sections := []SectionConfig{
		{ID: SectionSkills, Title: "Toolbox", Visible: true},
		{ID: SectionWork, Title: "Experience", Visible: false},
		{ID: SectionSummary, Title: "Profile", Visible: true},
	}
	out, err := Generate(r, sections, TemplateCompact)
	require.NoError(t, err)

	assert.NotContains(t, out, "== Experience")
	assert.NotContains(t, out, "Education")
	toolbox := strings.Index(out, "== Toolbox")
	profile := strings.Index(out, "== Profile")
	require.NotEqual(t, -1, toolbox)
	require.NotEqual(t, -1, profile)
	assert.Less(t, toolbox, profile)
}

func TestGenerateUnknownTemplate(t *testing.T) {
	_, err := Generate(DefaultResume(), DefaultSections(), "fancy")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestGenerateEscapesUserText(t *testing.T) {
	r := Resume{Basics: Basics{Name: `Eve "#hack" Smith`, Label: "C# / .NET"}}
	out, err := Generate(r, DefaultSections(), TemplateClassic)
	require.NoError(t, err)

	assert.Contains(t, out, `#set document(title: "Eve \"#hack\" Smith")`)
	assert.Contains(t, out, `[Eve "\#hack" Smith]`)
	assert.Contains(t, out, `[C\# \/ .NET]`)
}

func TestNormalize(t *testing.T) {
	snap := Snapshot{Sections: []SectionConfig{
		{ID: SectionWork, Visible: true},
		{ID: "hobbies", Title: "Hobbies", Visible: true},
		{ID: SectionWork, Title: "Again", Visible: false},
	}}
	snap.Normalize()

	assert.Equal(t, TemplateClassic, snap.Template)
	assert.Equal(t, []SectionConfig{{ID: SectionWork, Title: "Experience", Visible: true}}, snap.Sections)

	empty := Snapshot{}
	empty.Normalize()
	assert.Equal(t, DefaultSections(), empty.Sections)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "resume.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
template: compact
resume:
  basics:
    name: Jane Doe
  work:
    - company: Acme
      position: Engineer
      start_date: "2020"
      highlights: ["Shipped **things**"]
`), 0o644))

	snap, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, TemplateCompact, snap.Template)
	assert.Equal(t, "Jane Doe", snap.Resume.Basics.Name)
	assert.Equal(t, "2020", snap.Resume.Work[0].StartDate)
	assert.Equal(t, DefaultSections(), snap.Sections)

	jsonPath := filepath.Join(dir, "resume.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
  "resume": {"basics": {"name": "John"}, "work": [{"company": "Acme", "position": "Dev", "startDate": "2019"}]},
  "sections": [{"id": "work", "title": "Jobs", "visible": true}]
}`), 0o644))

	snap, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "John", snap.Resume.Basics.Name)
	assert.Equal(t, "2019", snap.Resume.Work[0].StartDate)
	assert.Equal(t, []SectionConfig{{ID: SectionWork, Title: "Jobs", Visible: true}}, snap.Sections)

	badTemplate := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(badTemplate, []byte("template: fancy\n"), 0o644))
	_, err = LoadFile(badTemplate)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "resume.toml"))
	assert.Error(t, err)
}
