// Package clarify decides whether a queued note needs a clarifying question
// and manages the binding between a question and the single item it was
// asked about.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/zettel/internal/llm"
	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/storage"
)

const judgeTimeout = 20 * time.Second

// Judger decides whether a payload warrants a question.
type Judger interface {
	Judge(ctx context.Context, p note.Payload) (question string, ok bool)
}

// ModelJudge asks captionless attachments a fixed question and lets a
// language model judge text. It never fails: a model error means no question.
type ModelJudge struct {
	client llm.Chatter
	model  string
}

// NewModelJudge creates a judge backed by client and model.
func NewModelJudge(client llm.Chatter, model string) *ModelJudge {
	return &ModelJudge{client: client, model: model}
}

// Judge implements Judger.
func (j *ModelJudge) Judge(ctx context.Context, p note.Payload) (string, bool) {
	switch p.Kind {
	case note.KindImage:
		if strings.TrimSpace(p.Caption) == "" {
			return ImageQuestion, true
		}
		return "", false
	case note.KindDocument:
		if strings.TrimSpace(p.Caption) == "" {
			return DocumentQuestion, true
		}
		return "", false
	}

	if j.client == nil || strings.TrimSpace(p.Text) == "" {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, judgeTimeout)
	defer cancel()

	reply, err := j.client.Chat(ctx, llm.Request{Model: j.model, MaxTokens: 200, Messages: BuildPrompt(p.Text)})
	if err != nil {
		slog.WarnContext(ctx, "clarification check failed", "error", err)
		return "", false
	}
	return ParseReply(reply)
}

// Store is the persistence the engine needs.
type Store interface {
	SaveQuestion(q note.PendingQuestion) error
	SetDeliveryRef(userID, replyTarget, ref string) error
	AnswerQuestion(userID, target, answer string) (note.Item, error)
	ListQuestions(userID string) ([]note.PendingQuestion, error)
}

// Engine manages the questions of one user.
type Engine struct {
	store  Store
	judge  Judger
	userID string
	newID  func() string
	now    func() time.Time
}

// New returns the engine of userID. A nil judge never asks.
func New(store Store, judge Judger, userID string) *Engine {
	return &Engine{
		store:  store,
		judge:  judge,
		userID: userID,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Judge returns the question warranted by p, if any.
func (e *Engine) Judge(ctx context.Context, p note.Payload) (string, bool) {
	if e.judge == nil {
		return "", false
	}
	return e.judge.Judge(ctx, p)
}

// Bind records question against the item with sequence seq and marks the
// item pending. An item already bound, or no longer queued, is refused.
func (e *Engine) Bind(ctx context.Context, seq int64, question string) (note.PendingQuestion, error) {
	q := note.PendingQuestion{
		ReplyTarget: e.newID(),
		UserID:      e.userID,
		ItemSeq:     seq,
		Question:    question,
		CreatedAt:   e.now(),
	}
	if err := e.store.SaveQuestion(q); err != nil {
		return note.PendingQuestion{}, fmt.Errorf("binding question to item %d: %w", seq, err)
	}
	return q, nil
}

// Evaluate judges it and, when a question is warranted, binds it.
func (e *Engine) Evaluate(ctx context.Context, it note.Item) (note.PendingQuestion, bool, error) {
	question, ok := e.Judge(ctx, it.Payload)
	if !ok {
		return note.PendingQuestion{}, false, nil
	}
	q, err := e.Bind(ctx, it.Seq, question)
	if err != nil {
		return note.PendingQuestion{}, false, err
	}
	return q, true, nil
}

// BindDelivery aliases ref (e.g. the chat message that carried the
// question) to replyTarget so answers may address either.
func (e *Engine) BindDelivery(ctx context.Context, replyTarget, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: delivery reference is blank", note.ErrEmptyPayload)
	}
	if err := e.store.SetDeliveryRef(e.userID, replyTarget, ref); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", note.ErrUnknownReplyTarget, replyTarget)
		}
		return fmt.Errorf("binding delivery reference: %w", err)
	}
	return nil
}

// AttachAnswer stores answer on the item bound to target and resolves the
// question. target is a reply target or a delivery alias.
func (e *Engine) AttachAnswer(ctx context.Context, target, answer string) (note.Item, error) {
	if strings.TrimSpace(answer) == "" {
		return note.Item{}, fmt.Errorf("%w: answer is blank", note.ErrEmptyPayload)
	}
	it, err := e.store.AnswerQuestion(e.userID, target, strings.TrimSpace(answer))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return note.Item{}, fmt.Errorf("%w: %s", note.ErrUnknownReplyTarget, target)
		}
		return note.Item{}, fmt.Errorf("attaching answer: %w", err)
	}
	return it, nil
}

// Pending lists the outstanding questions, oldest item first.
func (e *Engine) Pending(ctx context.Context) ([]note.PendingQuestion, error) {
	qs, err := e.store.ListQuestions(e.userID)
	if err != nil {
		return nil, fmt.Errorf("listing questions: %w", err)
	}
	return qs, nil
}
