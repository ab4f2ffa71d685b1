package publish

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
)

// GitHubStore commits through the Git Data API: blobs and tree are created
// first, and the branch only moves when the final fast-forward succeeds.
type GitHubStore struct {
	client *github.Client
	owner  string
	repo   string
	branch string
}

// NewGitHubStore creates a store for repo ("owner/name") on branch.
// An empty baseURL selects github.com; otherwise it names an Enterprise host.
func NewGitHubStore(token, repo, branch, baseURL string) (*GitHubStore, error) {
	client := github.NewClient(http.DefaultClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub base URL: %w", err)
		}
	}
	return NewGitHubStoreWithClient(client, repo, branch)
}

// NewGitHubStoreWithClient wraps an already configured client.
func NewGitHubStoreWithClient(client *github.Client, repo, branch string) (*GitHubStore, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid GitHub repository %q (want owner/name)", repo)
	}
	if branch == "" {
		branch = "main"
	}
	return &GitHubStore{client: client, owner: owner, repo: name, branch: branch}, nil
}

// Commit implements Store.
func (s *GitHubStore) Commit(ctx context.Context, message string, files []File) (string, error) {
	ref, _, err := s.client.Git.GetRef(ctx, s.owner, s.repo, "heads/"+s.branch)
	if err != nil {
		return "", fmt.Errorf("reading branch %s: %w", s.branch, err)
	}
	parentSHA := ref.GetObject().GetSHA()

	parent, _, err := s.client.Git.GetCommit(ctx, s.owner, s.repo, parentSHA)
	if err != nil {
		return "", fmt.Errorf("reading commit %s: %w", parentSHA, err)
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, &github.TreeEntry{
			Path:    github.String(f.Path),
			Mode:    github.String("100644"),
			Type:    github.String("blob"),
			Content: github.String(string(f.Content)),
		})
	}
	tree, _, err := s.client.Git.CreateTree(ctx, s.owner, s.repo, parent.GetTree().GetSHA(), entries)
	if err != nil {
		return "", fmt.Errorf("creating tree: %w", err)
	}

	commit, _, err := s.client.Git.CreateCommit(ctx, s.owner, s.repo, &github.Commit{
		Message: github.String(message),
		Tree:    &github.Tree{SHA: tree.SHA},
		Parents: []*github.Commit{{SHA: github.String(parentSHA)}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("creating commit: %w", err)
	}

	_, _, err = s.client.Git.UpdateRef(ctx, s.owner, s.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + s.branch),
		Object: &github.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return "", fmt.Errorf("advancing branch %s: %w", s.branch, err)
	}
	return commit.GetSHA(), nil
}
