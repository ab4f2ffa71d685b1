package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/vault"
)

// SplitBlocks splits raw transform output on lines consisting only of "===".
// Surrounding code fences are dropped and blank blocks are skipped.
func SplitBlocks(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	var blocks []string
	var cur []string
	flush := func() {
		b := strings.TrimSpace(strings.Join(cur, "\n"))
		if b != "" {
			blocks = append(blocks, b)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "===" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

// stringList decodes either a YAML sequence or a comma-separated scalar.
// Nested sequences, as produced by unquoted [[wiki]] links, are flattened.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	var out []string
	var walk func(n *yaml.Node)
	walk = func(n *yaml.Node) {
		switch n.Kind {
		case yaml.ScalarNode:
			for _, part := range strings.Split(n.Value, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		case yaml.SequenceNode:
			for _, c := range n.Content {
				walk(c)
			}
		}
	}
	walk(n)
	*l = out
	return nil
}

// rawDocument is the frontmatter as emitted by the transform. Its id is
// read but never trusted.
type rawDocument struct {
	ID        string     `yaml:"id"`
	Title     string     `yaml:"title"`
	Type      string     `yaml:"type"`
	Tags      stringList `yaml:"tags"`
	Links     stringList `yaml:"links"`
	Status    string     `yaml:"status"`
	Due       string     `yaml:"due"`
	Person    string     `yaml:"person"`
	Attendees stringList `yaml:"attendees"`
	Date      string     `yaml:"date"`
	Project   string     `yaml:"project"`
}

var headerLine = regexp.MustCompile(`^([A-Za-z_]+):[ \t]*(.*)$`)

var (
	scalarKeys = map[string]bool{"id": true, "title": true, "type": true, "status": true, "due": true, "person": true, "date": true, "project": true}
	listKeys   = map[string]bool{"tags": true, "links": true, "attendees": true}
)

// sanitizeHeader quotes the values of known keys so that model output such
// as "title: Fix: flaky deploys" or "tags: [#risk, #delivery]" stays valid YAML.
func sanitizeHeader(header string) string {
	lines := strings.Split(header, "\n")
	for i, line := range lines {
		m := headerLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(m[1])
		val := strings.TrimSpace(m[2])
		if val == "" {
			continue
		}
		switch {
		case scalarKeys[key]:
			if val[0] == '"' || val[0] == '\'' {
				continue
			}
			lines[i] = key + ": " + strconv.Quote(val)
		case listKeys[key]:
			if isFlowList(val) {
				val = val[1 : len(val)-1]
			}
			lines[i] = key + ": " + quoteList(val)
		}
	}
	return strings.Join(lines, "\n")
}

// isFlowList reports whether s is a single bracketed list, as opposed to
// several wiki links separated by commas.
func isFlowList(s string) bool {
	if s == "" || s[0] != '[' {
		return false
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i == len(s)-1
			}
		}
	}
	return false
}

func quoteList(inner string) string {
	var items []string
	for _, part := range splitListItems(inner) {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part == "" {
			continue
		}
		items = append(items, strconv.Quote(part))
	}
	return "[" + strings.Join(items, ", ") + "]"
}

// splitListItems splits on commas outside [[ ]] pairs.
func splitListItems(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// parseBlock decodes one frontmatter block into a document of partition p.
// ok is false when the block carries no frontmatter at all.
func parseBlock(block string, p note.Partition) (doc vault.Document, ok bool, err error) {
	header, body, ok := vault.SplitFrontmatter(block)
	if !ok {
		return vault.Document{}, false, nil
	}

	var raw rawDocument
	if err := yaml.Unmarshal([]byte(sanitizeHeader(header)), &raw); err != nil {
		return vault.Document{}, true, fmt.Errorf("%w: decoding frontmatter: %v", vault.ErrSchemaViolation, err)
	}

	doc = vault.Document{
		Title:     strings.TrimSpace(raw.Title),
		Type:      strings.ToLower(strings.TrimSpace(raw.Type)),
		Partition: p,
		Tags:      vault.NormalizeTags(raw.Tags),
		Links:     vault.NormalizeLinks(raw.Links),
		Status:    strings.TrimSpace(raw.Status),
		Due:       strings.TrimSpace(raw.Due),
		Person:    strings.TrimSpace(raw.Person),
		Attendees: []string(raw.Attendees),
		Date:      strings.TrimSpace(raw.Date),
		Project:   strings.TrimSpace(raw.Project),
		Body:      body,
	}
	if doc.Type == vault.TypeTasks && doc.Status == "" {
		doc.Status = vault.DefaultTaskStatus
	}
	return doc, true, nil
}
