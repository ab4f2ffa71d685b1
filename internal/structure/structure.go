// Package structure is the language-model backed structuring transform: it
// renders queued notes into a work or personal prompt and returns the
// model's "==="-separated frontmatter documents.
package structure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/zettel/internal/llm"
	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/pipeline"
)

// maxDocumentText bounds the extracted text of one attached document.
const maxDocumentText = 24000

// Transformer implements pipeline.Transformer.
type Transformer struct {
	client    llm.Chatter
	model     string
	maxTokens int
	now       func() time.Time
}

// New creates a transformer calling model through client.
func New(client llm.Chatter, model string, maxTokens int) *Transformer {
	return &Transformer{client: client, model: model, maxTokens: maxTokens, now: time.Now}
}

// Structure implements pipeline.Transformer.
func (t *Transformer) Structure(ctx context.Context, req pipeline.Request) (string, error) {
	msg, err := t.BuildMessage(req)
	if err != nil {
		return "", err
	}
	out, err := t.client.Chat(ctx, llm.Request{
		Model:     t.model,
		MaxTokens: t.maxTokens,
		Messages:  []llm.Message{msg},
	})
	if err != nil {
		return "", fmt.Errorf("structuring %d %s notes: %w", len(req.Entries), req.Partition, err)
	}
	return out, nil
}

// BuildMessage renders req as a single user message. Images are attached in
// note order and referenced by number from the text.
func (t *Transformer) BuildMessage(req pipeline.Request) (llm.Message, error) {
	prompt, err := renderPrompt(req.Partition, t.now().Format("2006-01-02"))
	if err != nil {
		return llm.Message{}, fmt.Errorf("rendering prompt: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	var images []llm.Image

	for i, e := range req.Entries {
		fmt.Fprintf(&sb, "\n--- Note %d ---\n", i+1)

		switch e.Payload.Kind {
		case note.KindText:
			sb.WriteString(e.Payload.Text)
		case note.KindImage:
			images = append(images, llm.Image{MediaType: mediaType(e.Payload.MediaType), Data: e.Payload.Data})
			fmt.Fprintf(&sb, "[Image %d attached]", len(images))
			if e.Payload.Caption != "" {
				fmt.Fprintf(&sb, "\nCaption: %s", e.Payload.Caption)
			}
		case note.KindDocument:
			sb.WriteString("[Document attached]")
			if e.Payload.Caption != "" {
				fmt.Fprintf(&sb, "\nCaption: %s", e.Payload.Caption)
			}
			text := strings.TrimSpace(e.Payload.Text)
			if r := []rune(text); len(r) > maxDocumentText {
				text = string(r[:maxDocumentText]) + "\n[... truncated]"
			}
			if text != "" {
				fmt.Fprintf(&sb, "\nExtracted text:\n%s", text)
			}
		}

		switch {
		case e.Answer != "":
			fmt.Fprintf(&sb, "\n\n[Clarification provided]: %s", e.Answer)
		case e.Unresolved && e.Question != "":
			fmt.Fprintf(&sb, "\n\n[Unanswered clarifying question]: %s", e.Question)
		case e.Unresolved:
			sb.WriteString("\n\n[Unanswered clarifying question]")
		}
	}

	return llm.Message{Role: "user", Content: sb.String(), Images: images}, nil
}

func mediaType(mt string) string {
	if mt == "" {
		return "image/jpeg"
	}
	return mt
}
