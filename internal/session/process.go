package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/zettel/internal/logging"
	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/pipeline"
	"github.com/kalambet/zettel/internal/storage"
)

// Document is a published document as reported to the caller.
type Document struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Type      string         `json:"type"`
	Partition note.Partition `json:"partition"`
	Path      string         `json:"path"`
}

// RunResult describes a successful processing run.
type RunResult struct {
	RunID         string             `json:"run_id"`
	Documents     []Document         `json:"documents"`
	CommitRef     string             `json:"commit_ref"`
	Warnings      []pipeline.Warning `json:"warnings"`
	ItemsConsumed int                `json:"items_consumed"`
}

// Process drains the queue, structures the notes, and publishes them as
// one commit. On any failure the drained notes are returned to the queue
// in their original order and nothing is published.
func (s *Session) Process(ctx context.Context) (RunResult, error) {
	runID := s.newRunID()
	ctx = logging.WithRun(s.logCtx(ctx), runID)

	items, watermark, err := s.begin(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	defer s.end()

	started := s.now()
	if err := s.store.StartRun(storage.Run{ID: runID, UserID: s.userID, StartedAt: started, ItemCount: len(items)}); err != nil {
		slog.WarnContext(ctx, "recording run start failed", "error", err)
	}
	slog.InfoContext(ctx, "processing run started", "items", len(items))

	batch, warnings, err := s.pipeline.Build(ctx, items, watermark)
	if err != nil {
		return RunResult{Warnings: warnings}, s.fail(ctx, runID, countKind(warnings, pipeline.WarnSchemaViolation), err)
	}

	pub, err := s.publisher.Publish(ctx, runID, batch.Documents)
	if err != nil {
		return RunResult{Warnings: warnings}, s.fail(ctx, runID, countKind(warnings, pipeline.WarnSchemaViolation), err)
	}

	s.mu.Lock()
	consumed, err := s.queue.Commit(context.WithoutCancel(ctx), runID, batch.LastID)
	s.mu.Unlock()
	if err != nil {
		// The commit is already visible in the vault; the claim stays in
		// flight until restart recovery rather than being reprocessed now.
		slog.ErrorContext(ctx, "completing claim after publish failed", "commit_ref", pub.CommitRef, "error", err)
		return RunResult{}, err
	}

	res := RunResult{
		RunID:         runID,
		CommitRef:     pub.CommitRef,
		Warnings:      warnings,
		ItemsConsumed: consumed,
	}
	if res.Warnings == nil {
		res.Warnings = []pipeline.Warning{}
	}
	for i, d := range batch.Documents {
		res.Documents = append(res.Documents, Document{
			ID:        d.ID,
			Title:     d.Title,
			Type:      d.Type,
			Partition: d.Partition,
			Path:      pub.Paths[i],
		})
	}

	s.finish(ctx, storage.Run{
		ID:            runID,
		Status:        storage.RunSucceeded,
		DocumentCount: len(res.Documents),
		RejectedCount: countKind(warnings, pipeline.WarnSchemaViolation),
		CommitRef:     pub.CommitRef,
	})
	slog.InfoContext(ctx, "processing run finished",
		"documents", len(res.Documents), "warnings", len(warnings), "commit_ref", pub.CommitRef)
	return res, nil
}

// begin claims the queue for runID under the session lock.
func (s *Session) begin(ctx context.Context, runID string) ([]note.Item, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, "", ErrRunInProgress
	}
	watermark, err := s.store.VaultWatermark()
	if err != nil {
		return nil, "", err
	}
	items, err := s.queue.Drain(ctx, runID, s.policy)
	if err != nil {
		return nil, "", err
	}
	if len(items) == 0 {
		return nil, "", ErrEmptyQueue
	}
	s.running = true
	return items, watermark, nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// fail releases the claim of runID and records cause.
func (s *Session) fail(ctx context.Context, runID string, rejected int, cause error) error {
	s.mu.Lock()
	n, err := s.queue.Release(context.WithoutCancel(ctx), runID)
	s.mu.Unlock()
	if err != nil {
		slog.ErrorContext(ctx, "releasing claimed notes failed", "error", err)
		cause = errors.Join(cause, err)
	}
	slog.WarnContext(ctx, "processing run failed", "released", n, "error", cause)
	s.finish(ctx, storage.Run{ID: runID, Status: storage.RunFailed, RejectedCount: rejected, Error: cause.Error()})
	return cause
}

func (s *Session) finish(ctx context.Context, r storage.Run) {
	finished := s.now()
	r.FinishedAt = &finished
	if err := s.store.FinishRun(r); err != nil {
		slog.WarnContext(ctx, "recording run outcome failed", "error", err)
	}
}

func countKind(ws []pipeline.Warning, kind string) int {
	n := 0
	for _, w := range ws {
		if w.Kind == kind {
			n++
		}
	}
	return n
}

// RecoverStale returns notes claimed by runs that never finished (the
// process stopped mid-run) to their queues. Call once at startup.
func RecoverStale(store interface{ ReleaseStaleClaims() (int, error) }) (int, error) {
	n, err := store.ReleaseStaleClaims()
	if err != nil {
		return 0, fmt.Errorf("releasing stale claims: %w", err)
	}
	if n > 0 {
		slog.Info("released notes from interrupted runs", "items", n)
	}
	return n, nil
}
