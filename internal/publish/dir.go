package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const stagingPattern = ".zettel-staging-*"

// DirStore commits into a local directory vault. Files are staged in a
// temporary directory inside the vault and renamed into place; if any
// rename fails the files already moved are removed again.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at root, creating it if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Commit implements Store. The returned reference is a digest of the
// committed paths and contents.
func (s *DirStore) Commit(ctx context.Context, message string, files []File) (string, error) {
	for _, f := range files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return "", fmt.Errorf("path %q escapes the vault", f.Path)
		}
		if _, err := os.Stat(s.target(f)); err == nil {
			return "", fmt.Errorf("%s already exists", f.Path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}

	staging, err := os.MkdirTemp(s.root, stagingPattern)
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(staging, fmt.Sprintf("%04d.md", i)), f.Content, 0o644); err != nil {
			return "", fmt.Errorf("staging %s: %w", f.Path, err)
		}
	}

	var moved []string
	rollback := func() {
		for _, p := range moved {
			os.Remove(p)
		}
	}
	for i, f := range files {
		dst := s.target(f)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			rollback()
			return "", fmt.Errorf("creating directory for %s: %w", f.Path, err)
		}
		if err := os.Rename(filepath.Join(staging, fmt.Sprintf("%04d.md", i)), dst); err != nil {
			rollback()
			return "", fmt.Errorf("moving %s into place: %w", f.Path, err)
		}
		moved = append(moved, dst)
	}

	return digest(message, files), nil
}

func (s *DirStore) target(f File) string {
	return filepath.Join(s.root, filepath.FromSlash(f.Path))
}

func digest(message string, files []File) string {
	sorted := append([]File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	h.Write([]byte(message))
	for _, f := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write(f.Content)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
