// Package note defines the queued-note types shared by the queue, the
// clarification engine, and the processing pipeline.
package note

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyPayload is returned when a note or answer carries no content.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrInvalidMode is returned for a partition value other than work or personal.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrUnknownReplyTarget is returned when an answer does not match any pending question.
	ErrUnknownReplyTarget = errors.New("unknown reply target")
)

// Partition selects the destination subtree of the vault.
type Partition string

const (
	Work     Partition = "work"
	Personal Partition = "personal"
)

// ParsePartition validates s as a partition name.
func ParsePartition(s string) (Partition, error) {
	switch Partition(strings.ToLower(strings.TrimSpace(s))) {
	case Work:
		return Work, nil
	case Personal:
		return Personal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Label returns the human-facing name used in status messages.
func (p Partition) Label() string {
	if p == Personal {
		return "🏠 Personal"
	}
	return "💼 Work"
}

// Kind is the payload type of a queued note.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

// Payload is the raw content submitted by the user.
// Image and document payloads carry their bytes in Data; a document also
// carries its extracted plain text in Text.
type Payload struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"-"`
}

// Validate reports ErrEmptyPayload when the payload has nothing to process.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: text note is blank", ErrEmptyPayload)
		}
	case KindImage:
		if len(p.Data) == 0 {
			return fmt.Errorf("%w: image has no data", ErrEmptyPayload)
		}
	case KindDocument:
		if len(p.Data) == 0 && strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: document has no content", ErrEmptyPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrEmptyPayload, p.Kind)
	}
	return nil
}

// ClarificationState tracks the question/answer lifecycle of an item.
type ClarificationState string

const (
	ClarificationNone     ClarificationState = "none"
	ClarificationPending  ClarificationState = "pending"
	ClarificationAnswered ClarificationState = "answered"
)

// Item is a queued note.
type Item struct {
	Seq           int64              `json:"seq"`
	UserID        string             `json:"user_id"`
	Payload       Payload            `json:"payload"`
	Partition     Partition          `json:"partition"`
	CreatedAt     time.Time          `json:"created_at"`
	Clarification ClarificationState `json:"clarification"`
	Answer        string             `json:"answer,omitempty"`
	// Question is the clarifying question still bound to the item, if any.
	Question      string             `json:"question,omitempty"`
}

// Unresolved reports whether the item still waits for a clarification answer.
func (it Item) Unresolved() bool {
	return it.Clarification == ClarificationPending
}

// PendingQuestion binds a clarifying question to a single queued item.
type PendingQuestion struct {
	ReplyTarget string    `json:"reply_target"`
	UserID      string    `json:"user_id"`
	ItemSeq     int64     `json:"item_seq"`
	Question    string    `json:"question"`
	DeliveryRef string    `json:"delivery_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
