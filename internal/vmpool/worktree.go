package vmpool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// WorktreeManager creates and tears down git worktrees, each one an
// isolated checkout a single ticket's execution runs against.
type WorktreeManager struct {
	repoRoot    string
	worktreeDir string
	mainBranch  string
}

// NewWorktreeManager builds a manager rooted at repoRoot, placing slots
// under .vmpool-worktrees.
func NewWorktreeManager(repoRoot, mainBranch string) *WorktreeManager {
	if mainBranch == "" {
		mainBranch = "main"
	}
	return &WorktreeManager{
		repoRoot:    repoRoot,
		worktreeDir: ".vmpool-worktrees",
		mainBranch:  mainBranch,
	}
}

// CreateWorktree checks out branchName into a fresh directory, creating
// the branch from origin/<main> if it doesn't already exist, and returns
// the absolute path to the new slot.
func (m *WorktreeManager) CreateWorktree(ctx context.Context, branchName string) (string, error) {
	safeName := sanitizeBranchName(branchName)

	worktreePath := filepath.Join(m.repoRoot, m.worktreeDir, safeName)
	absPath, err := filepath.Abs(worktreePath)
	if err != nil {
		return "", fmt.Errorf("resolve worktree path: %w", err)
	}
	worktreePath = absPath

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o750); err != nil {
		return "", fmt.Errorf("create worktree parent dir: %w", err)
	}

	if _, err := os.Stat(worktreePath); err == nil {
		return worktreePath, nil
	}

	if err := m.runGit(ctx, m.repoRoot, "fetch", "origin", m.mainBranch); err != nil {
		return "", fmt.Errorf("fetch origin: %w", err)
	}

	branchExists := m.branchExists(ctx, branchName)

	var args []string
	if branchExists {
		args = []string{"worktree", "add", worktreePath, branchName}
	} else {
		args = []string{"worktree", "add", "-b", branchName, worktreePath, "origin/" + m.mainBranch}
	}
	if err := m.runGit(ctx, m.repoRoot, args...); err != nil {
		return "", fmt.Errorf("git worktree add: %w", err)
	}

	return worktreePath, nil
}

// RemoveWorktree tears down a slot, falling back to a manual directory
// removal plus prune if `git worktree remove` itself fails.
func (m *WorktreeManager) RemoveWorktree(worktreePath, branchName string) error {
	ctx := context.Background()
	if err := m.runGit(ctx, m.repoRoot, "worktree", "remove", "--force", worktreePath); err != nil {
		_ = os.RemoveAll(worktreePath)
		_ = m.runGit(ctx, m.repoRoot, "worktree", "prune")
	}
	if branchName != "" && branchName != m.mainBranch {
		_ = m.runGit(ctx, m.repoRoot, "branch", "-D", branchName)
	}
	return nil
}

func (m *WorktreeManager) branchExists(ctx context.Context, branchName string) bool {
	if err := m.runGit(ctx, m.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName); err == nil {
		return true
	}
	err := m.runGit(ctx, m.repoRoot, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branchName)
	return err == nil
}

func (m *WorktreeManager) runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

// sanitizeBranchName converts a branch name to a safe directory name.
func sanitizeBranchName(branch string) string {
	branch = strings.TrimPrefix(branch, "ticket/")
	re := regexp.MustCompile(`[^a-zA-Z0-9-_]`)
	return re.ReplaceAllString(branch, "-")
}

// GenerateBranchName creates a branch name from a ticket id and title.
func GenerateBranchName(prefix, ticketID, title string) string {
	re := regexp.MustCompile(`[^a-zA-Z0-9\s-]`)
	title = re.ReplaceAllString(title, "")
	title = strings.ToLower(title)
	title = strings.ReplaceAll(title, " ", "-")
	if len(title) > 40 {
		title = title[:40]
	}
	title = strings.TrimRight(title, "-")
	return fmt.Sprintf("%s%s-%s", prefix, ticketID, title)
}
