// Package publish writes a batch of documents to the vault as one commit.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/zettel/internal/vault"
)

// ErrPublishFailure is returned when the batch could not be committed.
// Nothing of the batch is visible in the store when it is returned.
var ErrPublishFailure = errors.New("publish failed")

// File is one rendered document at its vault path.
type File struct {
	Path    string
	Content []byte
}

// Store commits a set of files atomically and returns a commit reference.
type Store interface {
	Commit(ctx context.Context, message string, files []File) (string, error)
}

// Result describes a successful publish.
type Result struct {
	CommitRef string   `json:"commit_ref"`
	Paths     []string `json:"paths"`
	IDs       []string `json:"ids"`
}

// Publisher renders documents and hands them to a Store.
type Publisher struct {
	store Store
}

// New creates a publisher writing to store.
func New(store Store) *Publisher {
	return &Publisher{store: store}
}

// CommitMessage describes a batch: the title for a single document,
// otherwise the count and the run it came from.
func CommitMessage(runID string, docs []vault.Document) string {
	if len(docs) == 1 {
		return "add: " + docs[0].Title
	}
	return fmt.Sprintf("add %d notes (%s)", len(docs), runID)
}

// Publish commits docs as a single change.
func (p *Publisher) Publish(ctx context.Context, runID string, docs []vault.Document) (Result, error) {
	if len(docs) == 0 {
		return Result{}, fmt.Errorf("%w: empty batch", ErrPublishFailure)
	}

	files := make([]File, 0, len(docs))
	res := Result{}
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		content, err := vault.Render(d)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrPublishFailure, err)
		}
		path := vault.Layout(d)
		if seen[path] {
			return Result{}, fmt.Errorf("%w: duplicate path %s", ErrPublishFailure, path)
		}
		seen[path] = true
		files = append(files, File{Path: path, Content: content})
		res.Paths = append(res.Paths, path)
		res.IDs = append(res.IDs, d.ID)
	}

	ref, err := p.store.Commit(ctx, CommitMessage(runID, docs), files)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	res.CommitRef = ref

	slog.InfoContext(ctx, "published batch", "documents", len(files), "commit", ref)
	return res, nil
}
