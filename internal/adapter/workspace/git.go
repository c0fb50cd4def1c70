// Package workspace manages per-item git checkouts under the workspace root.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kristinday/ace/internal/domain"
)

const gitTimeout = 120 * time.Second

// Manager implements domain.Workspaces with git subprocesses.
type Manager struct {
	root string
	log  *slog.Logger
}

// NewManager builds a workspace manager rooted at root.
func NewManager(root string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{root: root, log: log}
}

var _ domain.Workspaces = (*Manager)(nil)

// WorktreePath returns the per-item checkout directory.
func (m *Manager) WorktreePath(repoName string, number int) string {
	return filepath.Join(m.root, "worktrees", repoName, strconv.Itoa(number))
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases a title, collapses non-alphanumerics to single dashes,
// trims, and caps at 40 chars. Titles with no usable characters yield
// "issue".
func Slug(title string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		return "issue"
	}
	return s
}

// BranchName returns "agent/<number>-<slug>".
func (m *Manager) BranchName(number int, slug string) string {
	if slug == "" {
		slug = "issue"
	}
	return fmt.Sprintf("agent/%d-%s", number, slug)
}

// RedactURL masks userinfo credentials in a clone URL for logging.
func RedactURL(repoURL string) string {
	scheme := strings.Index(repoURL, "://")
	if scheme < 0 {
		return repoURL
	}
	rest := repoURL[scheme+3:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return repoURL
	}
	return repoURL[:scheme+3] + "***" + rest[at:]
}

// CloneRepo clones the repository into the item's worktree path. Idempotent:
// an existing path is left untouched. Network failures are retried with
// exponential backoff.
func (m *Manager) CloneRepo(ctx domain.Context, repoURL, repoName string, number int) error {
	path := m.WorktreePath(repoName, number)
	if _, err := os.Stat(path); err == nil {
		m.log.Debug("worktree exists, skipping clone", slog.String("path", path))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("op=workspace.CloneRepo: %w", err)
	}

	op := func() error {
		if err := m.git(ctx, "", "clone", repoURL, path); err != nil {
			// wipe partial clones so the retry starts clean
			_ = os.RemoveAll(path)
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=workspace.CloneRepo url=%s: %w", RedactURL(repoURL), err)
	}
	m.log.Info("cloned repository", slog.String("url", RedactURL(repoURL)), slog.String("path", path))
	return nil
}

// EnsureBranch fetches origin and checks out the work branch, creating it
// from origin/<baseBranch> when it does not exist locally.
func (m *Manager) EnsureBranch(ctx domain.Context, path, branch, baseBranch string) error {
	fetch := func() error { return m.git(ctx, path, "fetch", "origin") }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(fetch, bo); err != nil {
		return fmt.Errorf("op=workspace.EnsureBranch fetch: %w", err)
	}

	if err := m.git(ctx, path, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		if err := m.git(ctx, path, "checkout", branch); err != nil {
			return fmt.Errorf("op=workspace.EnsureBranch checkout=%s: %w", branch, err)
		}
		return nil
	}
	if err := m.git(ctx, path, "checkout", "-b", branch, "origin/"+baseBranch); err != nil {
		return fmt.Errorf("op=workspace.EnsureBranch create=%s base=%s: %w", branch, baseBranch, err)
	}
	return nil
}

// CleanupWorktree removes the checkout recursively. Missing paths are a
// no-op.
func (m *Manager) CleanupWorktree(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("op=workspace.CleanupWorktree path=%s: %w", path, err)
	}
	return nil
}

// ProgressSignature fingerprints HEAD plus the porcelain status of the
// working tree. Any commit, stage, or file change alters the signature.
// Errors degrade to an empty component rather than failing the caller.
func (m *Manager) ProgressSignature(ctx domain.Context, path string) string {
	head, err := m.gitOutput(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		head = ""
	}
	status, err := m.gitOutput(ctx, path, "status", "--porcelain")
	if err != nil {
		status = ""
	}
	return strings.TrimSpace(head) + "|" + strings.TrimSpace(status)
}

func (m *Manager) git(ctx domain.Context, dir string, args ...string) error {
	_, err := m.gitOutput(ctx, dir, args...)
	return err
}

func (m *Manager) gitOutput(ctx domain.Context, dir string, args ...string) (string, error) {
	cctx, cancel := contextWithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", redactArgs(args), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func redactArgs(args []string) string {
	redacted := make([]string, len(args))
	for i, a := range args {
		if strings.Contains(a, "@") && strings.Contains(a, "://") {
			redacted[i] = RedactURL(a)
		} else {
			redacted[i] = a
		}
	}
	return strings.Join(redacted, " ")
}

func contextWithTimeout(ctx domain.Context, d time.Duration) (domain.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
