package storage

import (
	"errors"
	"time"

	"github.com/kalambet/zettel/internal/note"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a record exists but is not in the state the
// operation requires (e.g. binding a question to an item already in flight).
var ErrConflict = errors.New("conflict")

// Item statuses. Queued items form the current epoch; in-flight items are
// claimed by exactly one processing run.
const (
	StatusQueued   = "queued"
	StatusInFlight = "in_flight"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Session is the persisted per-user state. The document id watermark is not
// part of it: identifiers are ordered across the whole vault (see
// Store.VaultWatermark).
type Session struct {
	UserID    string
	Mode      note.Partition
	UpdatedAt time.Time
}

// ItemCounts summarises the queue of one user.
type ItemCounts struct {
	Queued   int `json:"queued"`
	Pending  int `json:"pending_clarifications"`
	Answered int `json:"answered"`
	InFlight int `json:"in_flight"`
}

// Run is one processing run as recorded in history.
type Run struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        string     `json:"status"`
	ItemCount     int        `json:"item_count"`
	DocumentCount int        `json:"document_count"`
	RejectedCount int        `json:"rejected_count"`
	CommitRef     string     `json:"commit_ref,omitempty"`
	Error         string     `json:"error,omitempty"`
}
