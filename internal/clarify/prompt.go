package clarify

import (
	"strings"

	"github.com/kalambet/zettel/internal/llm"
)

const judgePrompt = `You are a Zettelkasten assistant reviewing a raw note from an Engineering Manager.

Your job: decide if asking ONE clarifying question would make this note significantly richer and more useful.

Ask a question if the note:
- Mentions a person, topic, or thing without enough context to be useful later
- Contains an action item without a clear owner, deadline, or next step
- Is vague enough that future-you might not understand it
- Has a decision or insight that would benefit from knowing the "why"

Do NOT ask a question if:
- The note is already clear and self-contained
- It's a simple reminder or quick thought that doesn't need more detail
- Asking would feel annoying or unnecessary

RESPOND IN EXACTLY ONE OF THESE TWO FORMATS:

If no question needed:
CLEAR

If a question would help:
QUESTION: <your single, specific, conversational question>

Raw note:
`

// Fixed questions for attachments sent without a caption.
const (
	ImageQuestion    = "What's the context for this image? (e.g. 'whiteboard from sprint planning', 'article screenshot about system design')"
	DocumentQuestion = "What's the context for this document? (e.g. 'RFC for the billing migration', 'paper recommended by Sam')"
)

const questionPrefix = "QUESTION:"

// BuildPrompt returns the chat messages asking the model to judge text.
func BuildPrompt(text string) []llm.Message {
	return []llm.Message{
		{Role: "user", Content: judgePrompt + text},
	}
}

// ParseReply extracts the question from a model reply. Anything other than a
// non-empty QUESTION: line counts as clear.
func ParseReply(reply string) (string, bool) {
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(strings.ToUpper(reply), questionPrefix) {
		return "", false
	}
	q := strings.TrimSpace(reply[len(questionPrefix):])
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		q = strings.TrimSpace(q[:i])
	}
	if q == "" {
		return "", false
	}
	return q, true
}
