// Package resume holds the resume data model, its file import and the
// pure generator that turns it into Typst markup.
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Basics is the header block of a resume.
type Basics struct {
	Name     string `yaml:"name" json:"name"`
	Label    string `yaml:"label,omitempty" json:"label,omitempty"`
	Email    string `yaml:"email,omitempty" json:"email,omitempty"`
	Phone    string `yaml:"phone,omitempty" json:"phone,omitempty"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Location string `yaml:"location,omitempty" json:"location,omitempty"`
	Summary  string `yaml:"summary,omitempty" json:"summary,omitempty"`
}

// Work is one position.
type Work struct {
	Company    string   `yaml:"company" json:"company"`
	Position   string   `yaml:"position" json:"position"`
	Location   string   `yaml:"location,omitempty" json:"location,omitempty"`
	StartDate  string   `yaml:"start_date,omitempty" json:"startDate,omitempty"`
	EndDate    string   `yaml:"end_date,omitempty" json:"endDate,omitempty"`
	Summary    string   `yaml:"summary,omitempty" json:"summary,omitempty"`
	Highlights []string `yaml:"highlights,omitempty" json:"highlights,omitempty"`
}

// Education is one degree or course.
type Education struct {
	Institution string `yaml:"institution" json:"institution"`
	Area        string `yaml:"area,omitempty" json:"area,omitempty"`
	StudyType   string `yaml:"study_type,omitempty" json:"studyType,omitempty"`
	StartDate   string `yaml:"start_date,omitempty" json:"startDate,omitempty"`
	EndDate     string `yaml:"end_date,omitempty" json:"endDate,omitempty"`
	Score       string `yaml:"score,omitempty" json:"score,omitempty"`
}

// Skill is a named group of keywords.
type Skill struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// Project is a side project or publication.
type Project struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	URL         string   `yaml:"url,omitempty" json:"url,omitempty"`
	Highlights  []string `yaml:"highlights,omitempty" json:"highlights,omitempty"`
}

// Resume is the full resume content. Free-text fields accept inline
// Markdown.
type Resume struct {
	Basics    Basics      `yaml:"basics" json:"basics"`
	Work      []Work      `yaml:"work,omitempty" json:"work,omitempty"`
	Education []Education `yaml:"education,omitempty" json:"education,omitempty"`
	Skills    []Skill     `yaml:"skills,omitempty" json:"skills,omitempty"`
	Projects  []Project   `yaml:"projects,omitempty" json:"projects,omitempty"`
}

// SectionID names a body section.
type SectionID string

const (
	SectionSummary   SectionID = "summary"
	SectionWork      SectionID = "work"
	SectionEducation SectionID = "education"
	SectionSkills    SectionID = "skills"
	SectionProjects  SectionID = "projects"
)

// SectionConfig is one entry of the ordered section list.
type SectionConfig struct {
	ID      SectionID `yaml:"id" json:"id"`
	Title   string    `yaml:"title" json:"title"`
	Visible bool      `yaml:"visible" json:"visible"`
}

// Template selects the page layout.
type Template string

const (
	TemplateClassic Template = "classic"
	TemplateCompact Template = "compact"
)

// Templates lists the available layouts.
func Templates() []Template { return []Template{TemplateClassic, TemplateCompact} }

// Valid reports whether t is a known layout.
func (t Template) Valid() bool {
	return t == TemplateClassic || t == TemplateCompact
}

// Snapshot is everything the generator needs; it is the unit of
// persistence and import.
type Snapshot struct {
	Resume   Resume          `yaml:"resume" json:"resume"`
	Sections []SectionConfig `yaml:"sections,omitempty" json:"sections,omitempty"`
	Template Template        `yaml:"template,omitempty" json:"template,omitempty"`
}

// Normalize fills an empty section list and template with the defaults
// and drops unknown or duplicate sections.
func (s *Snapshot) Normalize() {
	if s.Template == "" {
		s.Template = TemplateClassic
	}
	if len(s.Sections) == 0 {
		s.Sections = DefaultSections()
		return
	}
	known := make(map[SectionID]string)
	for _, d := range DefaultSections() {
		known[d.ID] = d.Title
	}
	seen := make(map[SectionID]bool)
	out := s.Sections[:0]
	for _, sec := range s.Sections {
		title, ok := known[sec.ID]
		if !ok || seen[sec.ID] {
			continue
		}
		seen[sec.ID] = true
		if strings.TrimSpace(sec.Title) == "" {
			sec.Title = title
		}
		out = append(out, sec)
	}
	s.Sections = out
}

// Validate reports problems Normalize cannot fix.
func (s Snapshot) Validate() error {
	if s.Template != "" && !s.Template.Valid() {
		return fmt.Errorf("unknown template %q", s.Template)
	}
	return nil
}

// DefaultSections is the section order used when none is configured.
func DefaultSections() []SectionConfig {
	return []SectionConfig{
		{ID: SectionSummary, Title: "Summary", Visible: true},
		{ID: SectionWork, Title: "Experience", Visible: true},
		{ID: SectionEducation, Title: "Education", Visible: true},
		{ID: SectionSkills, Title: "Skills", Visible: true},
		{ID: SectionProjects, Title: "Projects", Visible: true},
	}
}

// DefaultResume is the sample shown before the user provides data.
func DefaultResume() Resume {
	return Resume{
		Basics: Basics{
			Name:     "Alex Example",
			Label:    "Software Engineer",
			Email:    "alex@example.com",
			URL:      "https://example.com",
			Location: "Stockholm, Sweden",
			Summary:  "Engineer focused on **reliable backend systems** and developer tooling.",
		},
		Work: []Work{{
			Company:   "Example AB",
			Position:  "Senior Engineer",
			StartDate: "2021",
			Highlights: []string{
				"Cut p99 latency of the billing API by _40%_.",
				"Led migration from cron jobs to an event-driven pipeline.",
			},
		}},
		Education: []Education{{
			Institution: "KTH Royal Institute of Technology",
			Area:        "Computer Science",
			StudyType:   "MSc",
			EndDate:     "2016",
		}},
		Skills: []Skill{
			{Name: "Languages", Keywords: []string{"Go", "SQL", "TypeScript"}},
			{Name: "Infrastructure", Keywords: []string{"Docker", "Kubernetes", "PostgreSQL"}},
		},
	}
}

// DefaultSnapshot is the fallback when nothing is persisted.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Resume:   DefaultResume(),
		Sections: DefaultSections(),
		Template: TemplateClassic,
	}
}

// LoadFile reads a snapshot from YAML (.yaml, .yml) or JSON (.json).
func LoadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read resume %s: %w", path, err)
	}
	snap, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse resume %s: %w", path, err)
	}
	return snap, nil
}

// Parse decodes a snapshot in the format named by ext, then normalises
// and validates it.
func Parse(data []byte, ext string) (Snapshot, error) {
	var snap Snapshot
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, err
		}
	case ".json":
		if err := json.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, err
		}
	default:
		return Snapshot{}, fmt.Errorf("unsupported resume format %q", ext)
	}
	snap.Normalize()
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
