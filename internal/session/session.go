// Package session serialises the operations of one user: enqueueing notes,
// answering questions, switching mode, clearing the queue, and running the
// processing pipeline against the vault.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/zettel/internal/clarify"
	"github.com/kalambet/zettel/internal/logging"
	"github.com/kalambet/zettel/internal/mode"
	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/pipeline"
	"github.com/kalambet/zettel/internal/publish"
	"github.com/kalambet/zettel/internal/queue"
	"github.com/kalambet/zettel/internal/storage"
	"github.com/kalambet/zettel/internal/vault"
)

var (
	// ErrRunInProgress is returned when a run is requested while one is in flight.
	ErrRunInProgress = errors.New("a processing run is already in progress")
	// ErrEmptyQueue is returned when a run is requested with nothing queued.
	ErrEmptyQueue = errors.New("nothing to process")
	// ErrInvalidUser is returned for a blank user id.
	ErrInvalidUser = errors.New("invalid user id")
)

// Store is the persistence shared by all sessions.
type Store interface {
	queue.Store
	clarify.Store
	GetSession(userID string) (storage.Session, error)
	SaveMode(userID string, mode note.Partition) error
	VaultWatermark() (string, error)
	StartRun(r storage.Run) error
	FinishRun(r storage.Run) error
	ListRuns(userID string, limit int) ([]storage.Run, error)
}

// Publisher commits a batch of documents.
type Publisher interface {
	Publish(ctx context.Context, runID string, docs []vault.Document) (publish.Result, error)
}

// Options configures a Manager.
type Options struct {
	Store     Store
	Judge     clarify.Judger
	Pipeline  *pipeline.Pipeline
	Publisher Publisher
	Policy    queue.Policy
}

// Manager hands out one Session per user.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Policy == "" {
		opts.Policy = queue.IncludePending
	}
	return &Manager{opts: opts, sessions: make(map[string]*Session)}
}

// Get returns the session of userID, loading its persisted mode on first use.
func (m *Manager) Get(userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s, nil
	}

	persisted, err := m.opts.Store.GetSession(userID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", userID, err)
	}
	s := &Session{
		userID:    userID,
		store:     m.opts.Store,
		queue:     queue.New(m.opts.Store, userID),
		clarify:   clarify.New(m.opts.Store, m.opts.Judge, userID),
		mode:      mode.New(persisted.Mode),
		pipeline:  m.opts.Pipeline,
		publisher: m.opts.Publisher,
		policy:    m.opts.Policy,
		newRunID:  uuid.NewString,
		now:       time.Now,
	}
	m.sessions[userID] = s
	return s, nil
}

// Session is the state of one user. All mutations hold mu; a processing run
// holds it only while draining and while committing.
type Session struct {
	userID    string
	store     Store
	queue     *queue.Queue
	clarify   *clarify.Engine
	mode      *mode.Manager
	pipeline  *pipeline.Pipeline
	publisher Publisher
	policy    queue.Policy
	newRunID  func() string
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

// UserID returns the owner of the session.
func (s *Session) UserID() string { return s.userID }

func (s *Session) logCtx(ctx context.Context) context.Context {
	return logging.WithUser(ctx, s.userID)
}

// EnqueueResult describes a newly queued note.
type EnqueueResult struct {
	Item     note.Item
	Question *note.PendingQuestion
}

// Enqueue appends payload in the current mode and, when the note warrants
// it, binds a clarifying question to it. The judge runs without holding the
// session lock.
func (s *Session) Enqueue(ctx context.Context, payload note.Payload) (EnqueueResult, error) {
	ctx = s.logCtx(ctx)

	s.mu.Lock()
	it, err := s.queue.Enqueue(ctx, s.mode.Get(), payload)
	s.mu.Unlock()
	if err != nil {
		return EnqueueResult{}, err
	}
	slog.DebugContext(ctx, "note queued", "seq", it.Seq, "partition", it.Partition, "kind", it.Payload.Kind)

	res := EnqueueResult{Item: it}
	question, ok := s.clarify.Judge(ctx, it.Payload)
	if !ok {
		return res, nil
	}

	s.mu.Lock()
	q, err := s.clarify.Bind(ctx, it.Seq, question)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			// Drained or cleared while the judge ran.
			slog.InfoContext(ctx, "question dropped, note no longer queued", "seq", it.Seq)
			return res, nil
		}
		return res, err
	}
	res.Item.Clarification = note.ClarificationPending
	res.Question = &q
	return res, nil
}

// Answer attaches text to the item bound to target.
func (s *Session) Answer(ctx context.Context, target, text string) (note.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clarify.AttachAnswer(s.logCtx(ctx), target, text)
}

// BindDelivery aliases ref to the question identified by replyTarget.
func (s *Session) BindDelivery(ctx context.Context, replyTarget, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clarify.BindDelivery(s.logCtx(ctx), replyTarget, ref)
}

// Mode returns the partition new notes are tagged with.
func (s *Session) Mode() note.Partition {
	return s.mode.Get()
}

// SetMode switches the partition for subsequent notes and persists it.
// Items already queued keep their partition.
func (s *Session) SetMode(ctx context.Context, p note.Partition) error {
	valid, err := note.ParsePartition(string(p))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SaveMode(s.userID, valid); err != nil {
		return fmt.Errorf("saving mode: %w", err)
	}
	return s.mode.Set(valid)
}

// Status summarises the session.
type Status struct {
	storage.ItemCounts
	Mode          note.Partition         `json:"mode"`
	RunInProgress bool                   `json:"run_in_progress"`
	Questions     []note.PendingQuestion `json:"questions"`
}

// Status reports queue counts, mode, and outstanding questions.
func (s *Session) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, err := s.queue.Size(ctx)
	if err != nil {
		return Status{}, err
	}
	qs, err := s.clarify.Pending(ctx)
	if err != nil {
		return Status{}, err
	}
	if qs == nil {
		qs = []note.PendingQuestion{}
	}
	return Status{ItemCounts: counts, Mode: s.mode.Get(), RunInProgress: s.running, Questions: qs}, nil
}

// ClearResult describes a Clear.
type ClearResult struct {
	RemovedItems     int  `json:"removed_items"`
	RemovedQuestions int  `json:"removed_questions"`
	RunInProgress    bool `json:"run_in_progress"`
}

// Clear discards the queued notes and their questions. Notes already
// claimed by a run in flight are not affected; RunInProgress reports that.
func (s *Session) Clear(ctx context.Context) (ClearResult, error) {
	ctx = s.logCtx(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	items, questions, err := s.queue.Clear(ctx)
	if err != nil {
		return ClearResult{}, err
	}
	slog.InfoContext(ctx, "queue cleared", "items", items, "questions", questions, "run_in_progress", s.running)
	return ClearResult{RemovedItems: items, RemovedQuestions: questions, RunInProgress: s.running}, nil
}

// Runs returns the most recent processing runs, newest first.
func (s *Session) Runs(ctx context.Context, limit int) ([]storage.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	runs, err := s.store.ListRuns(s.userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}
