package vault

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/zettel/internal/note"
)

const delimiter = "---"

// frontmatter is the stored YAML header. tags and links are always written,
// even when empty, so readers can rely on their presence.
type frontmatter struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title"`
	Type      string   `yaml:"type"`
	Partition string   `yaml:"partition"`
	Tags      []string `yaml:"tags,flow"`
	Links     []string `yaml:"links,flow"`
	Status    string   `yaml:"status,omitempty"`
	Due       string   `yaml:"due,omitempty"`
	Person    string   `yaml:"person,omitempty"`
	Attendees []string `yaml:"attendees,flow,omitempty"`
	Date      string   `yaml:"date,omitempty"`
	Project   string   `yaml:"project,omitempty"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Render returns the stored form of d.
func Render(d Document) ([]byte, error) {
	fm := frontmatter{
		ID:        d.ID,
		Title:     d.Title,
		Type:      d.Type,
		Partition: string(d.Partition),
		Tags:      nonNil(NormalizeTags(d.Tags)),
		Links:     nonNil(d.Links),
		Status:    d.Status,
		Due:       d.Due,
		Person:    d.Person,
		Attendees: d.Attendees,
		Date:      d.Date,
		Project:   d.Project,
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("encoding frontmatter for %s: %w", d.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding frontmatter for %s: %w", d.ID, err)
	}
	buf.WriteString(delimiter + "\n\n")
	buf.WriteString(strings.TrimSpace(d.Body))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// SplitFrontmatter separates a "---" delimited YAML header from the body
// that follows it. Leading blank lines are ignored. ok is false when s does
// not start with a complete header.
func SplitFrontmatter(s string) (header, body string, ok bool) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimLeft(s, " \t\n")
	if !strings.HasPrefix(s, delimiter+"\n") {
		return "", "", false
	}
	rest := s[len(delimiter)+1:]

	for off := 0; off <= len(rest); {
		end := strings.IndexByte(rest[off:], '\n')
		var line string
		if end < 0 {
			line = rest[off:]
		} else {
			line = rest[off : off+end]
		}
		if strings.TrimRight(line, " \t") == delimiter {
			header = rest[:off]
			if end < 0 {
				return header, "", true
			}
			return header, strings.TrimSpace(rest[off+end+1:]), true
		}
		if end < 0 {
			break
		}
		off += end + 1
	}
	return "", "", false
}

// Parse reads a document from its stored form.
func Parse(data []byte) (Document, error) {
	header, body, ok := SplitFrontmatter(string(data))
	if !ok {
		return Document{}, fmt.Errorf("%w: missing frontmatter", ErrSchemaViolation)
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return Document{}, fmt.Errorf("%w: decoding frontmatter: %v", ErrSchemaViolation, err)
	}
	return Document{
		ID:        fm.ID,
		Title:     fm.Title,
		Type:      fm.Type,
		Partition: note.Partition(fm.Partition),
		Tags:      nonNil(fm.Tags),
		Links:     nonNil(fm.Links),
		Status:    fm.Status,
		Due:       fm.Due,
		Person:    fm.Person,
		Attendees: fm.Attendees,
		Date:      fm.Date,
		Project:   fm.Project,
		Body:      body,
	}, nil
}

// Slug turns a title into a filename fragment: word characters, spaces and
// hyphens kept, spaces turned into hyphens, lowercased, at most 60 runes.
func Slug(title string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '-'
		}
		return unicode.ToLower(r)
	}, s)
	if r := []rune(s); len(r) > 60 {
		s = string(r[:60])
	}
	if s == "" {
		return "untitled"
	}
	return s
}

// Layout returns the vault path of d. A type named after its partition
// (personal notes in the personal partition) sits directly under the
// partition directory.
func Layout(d Document) string {
	name := d.ID + "-" + Slug(d.Title) + ".md"
	if d.Type == string(d.Partition) {
		return path.Join(string(d.Partition), name)
	}
	return path.Join(string(d.Partition), d.Type, name)
}
