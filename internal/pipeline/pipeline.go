// Package pipeline turns drained queue items into a batch of validated,
// identified, cross-linked documents.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/vault"
)

var (
	// ErrTransformUnavailable is returned when the structuring transform fails.
	ErrTransformUnavailable = errors.New("structuring transform unavailable")
	// ErrTransformMalformedOutput is returned when transform output holds no document block.
	ErrTransformMalformedOutput = errors.New("structuring transform returned malformed output")
	// ErrNoDocuments is returned when every returned document was rejected.
	ErrNoDocuments = fmt.Errorf("no valid documents: %w", ErrTransformMalformedOutput)
)

// Warning kinds.
const (
	WarnUnresolvedClarification = "unresolved_clarification"
	WarnSchemaViolation         = "schema_violation"
)

// Warning is a non-fatal problem found while building a batch.
type Warning struct {
	Kind      string         `json:"kind"`
	ItemSeq   int64          `json:"item_seq,omitempty"`
	Partition note.Partition `json:"partition,omitempty"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message"`
}

// Entry is one queued item as handed to the transform.
type Entry struct {
	Seq        int64
	Payload    note.Payload
	Answer     string
	Unresolved bool
	// Question is the unanswered clarifying question when Unresolved.
	Question   string
}

// Request is the transform input for one partition.
type Request struct {
	Partition note.Partition
	Entries   []Entry
}

// Transformer turns raw notes into "==="-separated frontmatter documents.
type Transformer interface {
	Structure(ctx context.Context, req Request) (string, error)
}

// Batch is the ordered result of one build.
type Batch struct {
	Documents []vault.Document
	// LastID is the greatest identifier assigned, or "" for an empty batch.
	LastID string
}

// Pipeline builds batches. One Pipeline serves every session writing to a
// vault, so identifiers it issues never repeat even while runs of several
// users are in flight.
type Pipeline struct {
	transformer Transformer
	now         func() time.Time

	mu     sync.Mutex
	issued string
}

// New creates a pipeline using t.
func New(t Transformer) *Pipeline {
	return &Pipeline{transformer: t, now: time.Now}
}

// WithClock replaces the clock used for identifiers.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Build structures items. watermark is the last identifier committed to the
// vault; every new identifier sorts after it and after any identifier this
// pipeline has already issued.
func (p *Pipeline) Build(ctx context.Context, items []note.Item, watermark string) (Batch, []Warning, error) {
	var warnings []Warning
	for _, it := range items {
		if it.Unresolved() {
			warnings = append(warnings, Warning{
				Kind:      WarnUnresolvedClarification,
				ItemSeq:   it.Seq,
				Partition: it.Partition,
				Message:   fmt.Sprintf("note %d is processed without an answer to its clarifying question", it.Seq),
			})
		}
	}

	groups := groupByPartition(items)
	outputs := make([]string, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range groups {
		g.Go(func() error {
			out, err := p.transformer.Structure(gctx, req)
			if err != nil {
				return fmt.Errorf("%w: %s notes: %v", ErrTransformUnavailable, req.Partition, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, warnings, err
	}

	var docs []vault.Document
	for i, req := range groups {
		blocks := SplitBlocks(outputs[i])
		found := 0
		for _, block := range blocks {
			doc, ok, err := parseBlock(block, req.Partition)
			if !ok {
				continue
			}
			found++
			if err == nil {
				err = doc.Validate()
			}
			if err != nil {
				slog.WarnContext(ctx, "rejected document", "partition", req.Partition, "title", doc.Title, "error", err)
				warnings = append(warnings, Warning{
					Kind:      WarnSchemaViolation,
					Partition: req.Partition,
					Title:     doc.Title,
					Message:   err.Error(),
				})
				continue
			}
			docs = append(docs, doc)
		}
		if found == 0 {
			return Batch{}, warnings, fmt.Errorf("%w: %s output has no frontmatter documents", ErrTransformMalformedOutput, req.Partition)
		}
	}

	if len(docs) == 0 {
		return Batch{}, warnings, ErrNoDocuments
	}

	p.assignIDs(docs, watermark)
	docs = ResolveLinks(docs)

	return Batch{Documents: docs, LastID: docs[len(docs)-1].ID}, warnings, nil
}

func (p *Pipeline) assignIDs(docs []vault.Document, watermark string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.issued > watermark {
		watermark = p.issued
	}
	ids := NewIDSequence(p.now(), watermark)
	for i := range docs {
		docs[i].ID = ids.Next()
	}
	p.issued = docs[len(docs)-1].ID
}

func groupByPartition(items []note.Item) []Request {
	index := make(map[note.Partition]int)
	var groups []Request
	for _, it := range items {
		i, ok := index[it.Partition]
		if !ok {
			i = len(groups)
			index[it.Partition] = i
			groups = append(groups, Request{Partition: it.Partition})
		}
		e := Entry{
			Seq:        it.Seq,
			Payload:    it.Payload,
			Answer:     it.Answer,
			Unresolved: it.Unresolved(),
		}
		if e.Unresolved {
			e.Question = it.Question
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}
	return groups
}

// IDSequence issues strictly increasing second-resolution identifiers.
type IDSequence struct {
	next time.Time
}

// NewIDSequence starts at now, or one second after watermark if that is later.
func NewIDSequence(now time.Time, watermark string) *IDSequence {
	next := now.Truncate(time.Second)
	if watermark != "" {
		if last, err := time.ParseInLocation(vault.IDLayout, watermark, now.Location()); err == nil {
			if floor := last.Add(time.Second); floor.After(next) {
				next = floor
			}
		}
	}
	return &IDSequence{next: next}
}

// Next returns the next identifier.
func (s *IDSequence) Next() string {
	id := s.next.Format(vault.IDLayout)
	s.next = s.next.Add(time.Second)
	return id
}

// ResolveLinks rewrites links that name a document of the batch (by title,
// case-insensitively) to that document's identifier. Other links are kept
// as written. Resolving an already resolved batch changes nothing.
func ResolveLinks(docs []vault.Document) []vault.Document {
	byTitle := make(map[string]string, len(docs))
	for _, d := range docs {
		key := strings.ToLower(strings.TrimSpace(d.Title))
		if _, dup := byTitle[key]; !dup {
			byTitle[key] = d.ID
		}
	}

	out := make([]vault.Document, len(docs))
	for i, d := range docs {
		links := make([]string, 0, len(d.Links))
		for _, l := range d.Links {
			l = vault.StripWiki(l)
			if !vault.IsID(l) {
				if id, ok := byTitle[strings.ToLower(l)]; ok {
					l = id
				}
			}
			if l == d.ID {
				continue
			}
			links = append(links, l)
		}
		d.Links = vault.NormalizeLinks(links)
		out[i] = d
	}
	return out
}
