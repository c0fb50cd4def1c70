package usecase

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// ReclaimerConfig bounds the sweeps.
type ReclaimerConfig struct {
	Enabled           bool
	Interval          time.Duration
	WorktreeRetention time.Duration
	TmuxRetention     time.Duration
	OnlyDone          bool
	TmuxEnabled       bool
}

// Reclaimer sweeps stale workspaces and idle sessions. All reclamation is
// best effort: individual failures log and the sweep continues.
type Reclaimer struct {
	root       string
	workspaces domain.Workspaces
	sessions   domain.Sessions
	cfg        ReclaimerConfig
	log        *slog.Logger

	mu      sync.Mutex
	lastRun time.Time

	now func() time.Time
}

// NewReclaimer builds a reclaimer over the workspace root.
func NewReclaimer(root string, workspaces domain.Workspaces, sessions domain.Sessions, cfg ReclaimerConfig, log *slog.Logger) *Reclaimer {
	if log == nil {
		log = slog.Default()
	}
	return &Reclaimer{
		root:       root,
		workspaces: workspaces,
		sessions:   sessions,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Tick runs a sweep if the interval has elapsed since the previous one.
// activeIssues holds issue numbers currently held by running slots; their
// workspaces and sessions are never touched.
func (r *Reclaimer) Tick(ctx domain.Context, activeIssues map[int]bool) {
	if !r.cfg.Enabled {
		return
	}
	r.mu.Lock()
	if r.now().Sub(r.lastRun) < r.cfg.Interval {
		r.mu.Unlock()
		return
	}
	r.lastRun = r.now()
	r.mu.Unlock()

	r.sweepWorktrees(ctx, activeIssues)
	if r.cfg.TmuxEnabled {
		r.sweepSessions(ctx, activeIssues)
	}
}

// sweepWorktrees removes checkouts older than the retention. With OnlyDone
// set there is no per-item completion record to consult, so the sweep is
// skipped entirely rather than guessing.
func (r *Reclaimer) sweepWorktrees(ctx domain.Context, activeIssues map[int]bool) {
	if r.cfg.OnlyDone {
		return
	}
	reposDir := filepath.Join(r.root, "worktrees")
	repos, err := os.ReadDir(reposDir)
	if err != nil {
		return
	}
	for _, repo := range repos {
		if !repo.IsDir() {
			continue
		}
		items, err := os.ReadDir(filepath.Join(reposDir, repo.Name()))
		if err != nil {
			continue
		}
		for _, item := range items {
			number, err := strconv.Atoi(item.Name())
			if err != nil || !item.IsDir() {
				continue
			}
			if activeIssues[number] {
				continue
			}
			if r.sessions.SessionExists(ctx, domain.SessionName(repo.Name(), number)) {
				continue
			}
			path := filepath.Join(reposDir, repo.Name(), item.Name())
			if r.now().Sub(newestMtime(path)) < r.cfg.WorktreeRetention {
				continue
			}
			if err := r.workspaces.CleanupWorktree(path); err != nil {
				r.log.Warn("worktree reclaim failed", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			r.log.Info("worktree reclaimed", slog.String("path", path))
		}
	}
}

// newestMtime returns the most recent of the directory's own mtime and the
// well-known marker files' mtimes.
func newestMtime(path string) time.Time {
	newest := time.Time{}
	if fi, err := os.Stat(path); err == nil {
		newest = fi.ModTime()
	}
	for _, f := range []string{TaskFileName, DoneFileName} {
		if fi, err := os.Stat(filepath.Join(path, f)); err == nil && fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest
}

// sweepSessions kills orchestrator sessions idle past the retention, except
// those bound to active slots or to a workspace the OnlyDone guard protects.
func (r *Reclaimer) sweepSessions(ctx domain.Context, activeIssues map[int]bool) {
	infos, err := r.sessions.ListSessions(ctx)
	if err != nil {
		r.log.Warn("session listing failed", slog.String("error", err.Error()))
		return
	}
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, "ace-") {
			continue
		}
		if r.now().Sub(info.LastActivity) < r.cfg.TmuxRetention {
			continue
		}
		repo, number, ok := parseSessionName(info.Name)
		if ok && activeIssues[number] {
			continue
		}
		if ok && r.cfg.OnlyDone {
			if _, err := os.Stat(r.workspaces.WorktreePath(repo, number)); err == nil {
				continue
			}
		}
		if err := r.sessions.KillSession(ctx, info.Name); err != nil {
			r.log.Warn("session reclaim failed", slog.String("session", info.Name), slog.String("error", err.Error()))
			continue
		}
		r.log.Info("session reclaimed", slog.String("session", info.Name))
	}
}

// parseSessionName splits "ace-<repo>-<number>". Truncated names may not
// parse; callers treat those as unknown and only apply the idle check.
func parseSessionName(name string) (string, int, bool) {
	trimmed := strings.TrimPrefix(name, "ace-")
	i := strings.LastIndex(trimmed, "-")
	if i <= 0 {
		return "", 0, false
	}
	number, err := strconv.Atoi(trimmed[i+1:])
	if err != nil {
		return "", 0, false
	}
	return trimmed[:i], number, true
}
