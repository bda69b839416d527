// Package project reads and writes the projects table: the repo binding
// a ticket's project_id resolves to when the pipeline needs an owner,
// repo, and base branch to open a pull request against.
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/forgelabs/ticket-engine/internal/store"
)

// Project is a repo binding: one row per project_id a batch of tickets
// can reference.
type Project struct {
	ID         string   `json:"id"`
	RepoURL    string   `json:"repo_url"`
	BaseBranch string   `json:"base_branch"`
	MCPServers []string `json:"mcp_servers"`
}

// Store reads and writes the projects table against the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps the engine's shared database handle.
func NewStore(st *store.Store) *Store {
	return &Store{db: st.DB()}
}

// Put inserts or replaces a project binding.
func (s *Store) Put(ctx context.Context, p Project) error {
	mcp, err := json.Marshal(p.MCPServers)
	if err != nil {
		return fmt.Errorf("marshal mcp_servers: %w", err)
	}
	baseBranch := p.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, repo_url, base_branch, mcp_servers) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET repo_url = excluded.repo_url, base_branch = excluded.base_branch, mcp_servers = excluded.mcp_servers`,
		p.ID, p.RepoURL, baseBranch, string(mcp))
	if err != nil {
		return fmt.Errorf("put project: %w", err)
	}
	return nil
}

// Get fetches a single project binding.
func (s *Store) Get(ctx context.Context, id string) (*Project, error) {
	var p Project
	var mcpJSON string
	err := s.db.QueryRowContext(ctx, `SELECT id, repo_url, base_branch, mcp_servers FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.RepoURL, &p.BaseBranch, &mcpJSON)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if mcpJSON != "" {
		if err := json.Unmarshal([]byte(mcpJSON), &p.MCPServers); err != nil {
			return nil, fmt.Errorf("unmarshal mcp_servers: %w", err)
		}
	}
	return &p, nil
}

// RepoURL implements pipeline.ProjectResolver: it splits a project's
// repo_url into owner/repo for github.PullRequests.Create, and reports
// ErrNotFound when the project has no repo bound yet (a ticket in a
// sandbox-only or local batch).
func (s *Store) RepoURL(ctx context.Context, projectID string) (owner, repo, baseBranch string, err error) {
	p, err := s.Get(ctx, projectID)
	if err != nil {
		return "", "", "", err
	}
	if p.RepoURL == "" {
		return "", "", "", store.ErrNotFound
	}
	owner, repo, err = splitOwnerRepo(p.RepoURL)
	if err != nil {
		return "", "", "", err
	}
	return owner, repo, p.BaseBranch, nil
}

// splitOwnerRepo accepts "owner/repo" or a full github URL and returns
// the owner/repo pair github.PullRequests.Create needs.
func splitOwnerRepo(repoURL string) (owner, repo string, err error) {
	s := repoURL
	for _, prefix := range []string{"https://github.com/", "git@github.com:", "github.com/"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			s = s[len(prefix):]
			break
		}
	}
	s = trimSuffix(s, ".git")

	parts := splitOnce(s, '/')
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("project: repo_url %q is not in owner/repo form", repoURL)
	}
	return parts[0], parts[1], nil
}

func trimSuffix(s, suffix string) string {
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}
