// Package vault defines the structured Zettelkasten document, its schema,
// and its stored form: YAML frontmatter followed by a Markdown body at
// partition/type/id-slug.md.
package vault

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/zettel/internal/note"
)

// ErrSchemaViolation is returned for a document that does not satisfy the schema.
var ErrSchemaViolation = errors.New("schema violation")

// Document types.
const (
	TypeFleeting   = "fleeting"
	TypeLiterature = "literature"
	TypePermanent  = "permanent"
	TypeTasks      = "tasks"
	TypePeople     = "people"
	TypeMeetings   = "meetings"
	TypeProjects   = "projects"
	TypePersonal   = "personal"
)

var types = map[string]string{
	TypeFleeting:   "💭",
	TypeLiterature: "📚",
	TypePermanent:  "🏛️",
	TypeTasks:      "✅",
	TypePeople:     "👤",
	TypeMeetings:   "🤝",
	TypeProjects:   "🗂️",
	TypePersonal:   "🏠",
}

// ValidType reports whether t is one of the document types.
func ValidType(t string) bool {
	_, ok := types[t]
	return ok
}

// Glyph returns the display glyph for a document type.
func Glyph(t string) string {
	if g, ok := types[t]; ok {
		return g
	}
	return "📝"
}

// IDLayout formats document identifiers: 14 digits, second resolution.
const IDLayout = "20060102150405"

const dateLayout = "2006-01-02"

// DueUnknown is the placeholder for a task without a known due date.
const DueUnknown = "TBD"

// DefaultTaskStatus is assumed for tasks that do not state one.
const DefaultTaskStatus = "open"

var idPattern = regexp.MustCompile(`^\d{14}$`)

// IsID reports whether s has the shape of a document identifier.
func IsID(s string) bool {
	return idPattern.MatchString(s)
}

// Document is one atomic note. Type-specific fields are empty for types
// that do not use them.
type Document struct {
	ID        string
	Title     string
	Type      string
	Partition note.Partition
	Tags      []string
	Links     []string
	Body      string

	Status    string // tasks
	Due       string // tasks
	Person    string // people
	Attendees []string
	Date      string // meetings
	Project   string // projects
}

// NormalizeTags strips leading '#', lowercases, trims, and de-duplicates
// tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(t), "#")))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// NormalizeLinks strips wiki brackets and whitespace and de-duplicates links.
func NormalizeLinks(links []string) []string {
	out := make([]string, 0, len(links))
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		l = StripWiki(l)
		key := strings.ToLower(l)
		if l == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}

// StripWiki removes surrounding [[ ]] (or stray single brackets) from a
// wiki-style link.
func StripWiki(s string) string {
	s = strings.TrimSpace(s)
	for len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// Validate checks the document against the schema. It does not check the
// identifier, which is assigned after validation.
func (d Document) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Title) == "" {
		problems = append(problems, "missing title")
	}
	if strings.TrimSpace(d.Body) == "" {
		problems = append(problems, "missing body")
	}
	switch {
	case d.Type == "":
		problems = append(problems, "missing type")
	case !ValidType(d.Type):
		problems = append(problems, fmt.Sprintf("unknown type %q", d.Type))
	}

	if d.Due != "" && d.Due != DueUnknown {
		if _, err := time.Parse(dateLayout, d.Due); err != nil {
			problems = append(problems, fmt.Sprintf("due %q is not YYYY-MM-DD or %s", d.Due, DueUnknown))
		}
	}
	if d.Date != "" {
		if _, err := time.Parse(dateLayout, d.Date); err != nil {
			problems = append(problems, fmt.Sprintf("date %q is not YYYY-MM-DD", d.Date))
		}
	}

	switch d.Type {
	case TypeMeetings:
		if d.Date == "" {
			problems = append(problems, "meetings require date")
		}
	case TypePeople:
		if strings.TrimSpace(d.Person) == "" {
			problems = append(problems, "people require person")
		}
	case TypeProjects:
		if strings.TrimSpace(d.Project) == "" {
			problems = append(problems, "projects require project")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(problems, "; "))
	}
	return nil
}
