// Package domain defines the core entities, ports, and error taxonomy for
// the agent orchestrator. It has no dependencies on adapters; usecases and
// adapters both depend on it.
package domain

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// WorkKind classifies where a work item came from.
type WorkKind string

// Work item kinds.
const (
	WorkKindReady      WorkKind = "ready"
	WorkKindInProgress WorkKind = "in_progress"
	WorkKindPRComment  WorkKind = "pr_comment"
)

// AgentTarget routes work between pools based on labels.
type AgentTarget string

// Pool targets.
const (
	TargetLocal  AgentTarget = "local"
	TargetRemote AgentTarget = "remote"
	TargetAny    AgentTarget = "any"
)

// ParseTarget validates a target string from CLI flags or query params.
func ParseTarget(s string) (AgentTarget, error) {
	switch AgentTarget(s) {
	case TargetLocal, TargetRemote, TargetAny:
		return AgentTarget(s), nil
	case "":
		return TargetAny, nil
	}
	return "", fmt.Errorf("%w: target %q (want local, remote, or any)", ErrInvalidArgument, s)
}

// PRCommentRef carries the review-comment specifics of a pr_comment work item.
type PRCommentRef struct {
	CommentID int64
	Path      string
	Line      int
	Side      string
	Body      string
}

// WorkItem is one unit of work: an issue on the project board or a single
// inline PR review comment. Body is hydrated separately from the board
// projection; the projection only guarantees title/number/labels.
type WorkItem struct {
	Kind      WorkKind
	RepoOwner string
	RepoName  string
	Number    int
	Title     string
	Body      string
	Labels    []string
	Assignee  string
	State     string
	HTMLURL   string
	CreatedAt time.Time
	UpdatedAt time.Time
	PRComment *PRCommentRef
}

// Key returns the dedup identity for the item within a run.
func (w WorkItem) Key() WorkKey {
	if w.Kind == WorkKindPRComment && w.PRComment != nil {
		return WorkKey(fmt.Sprintf("pr_comment:%s/%s#%d:%d", w.RepoOwner, w.RepoName, w.Number, w.PRComment.CommentID))
	}
	return WorkKey(fmt.Sprintf("%s:%s/%s#%d", w.Kind, w.RepoOwner, w.RepoName, w.Number))
}

// HasLabel reports whether the item carries the given label.
func (w WorkItem) HasLabel(label string) bool {
	for _, l := range w.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// WorkKey is the opaque dedup identity of a work item within a run.
type WorkKey string

// BoardItem is the projection of a project-board item. The board query does
// not return bodies; callers hydrate the full issue separately.
type BoardItem struct {
	ItemID      string
	ContentID   string
	ContentType string // "Issue" or "PullRequest"
	Title       string
	Number      int
	RepoOwner   string
	RepoName    string
	Status      string
	Labels      []string
	HTMLURL     string
}

// BlockerIssue is an issue referenced by a "tracked in" relationship. An item
// is unblocked iff every blocker's project status is Done.
type BlockerIssue struct {
	Number    int
	RepoOwner string
	RepoName  string
	State     string // "OPEN" or "CLOSED"
	Title     string
	Status    string // project status, hydrated separately
}

// Board status names used by the orchestrator.
const (
	StatusReady      = "Ready"
	StatusInProgress = "In Progress"
	StatusBlocked    = "Blocked"
	StatusDone       = "Done"
)

// SlotState is the lifecycle state of an agent slot.
type SlotState string

// Slot states.
const (
	SlotIdle      SlotState = "idle"
	SlotRunning   SlotState = "running"
	SlotCompleted SlotState = "completed"
	SlotFailed    SlotState = "failed"
)

// AgentSlot is one of the pool's fixed concurrent execution units. State is
// the only field mutated after construction; the pool's slot table is the
// single writer.
type AgentSlot struct {
	ID          int
	State       SlotState
	Key         WorkKey
	Item        *WorkItem
	StartedAt   time.Time
	CompletedAt time.Time
	Err         string
}

// PoolStatus is a point-in-time snapshot of the pool.
type PoolStatus struct {
	TotalSlots     int       `json:"total_slots"`
	ActiveAgents   int       `json:"active_agents"`
	IdleSlots      int       `json:"idle_slots"`
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	ActiveWorkKeys []WorkKey `json:"active_work_keys"`
}

// DoneMarker is the JSON sentinel the external CLI writes when it finishes.
// Unknown keys are ignored on decode.
type DoneMarker struct {
	TaskID       string   `json:"task_id"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed"`
	CommandsRun  []string `json:"commands_run"`
}

// AgentStatus is the outcome of one agent execution.
type AgentStatus string

// Agent execution statuses.
const (
	AgentSuccess AgentStatus = "success"
	AgentFailed  AgentStatus = "failed"
)

// AgentResult records the outcome of running the external CLI for one item.
type AgentResult struct {
	Status       AgentStatus
	Output       string
	FilesChanged []string
	CommandsRun  []string
	Error        string
	Meta         AgentMeta
}

// AgentMeta carries execution context recorded alongside the result.
type AgentMeta struct {
	SessionName string
	Worktree    string
	PromptFile  string
	Backend     string
	Model       string
	Created     bool
}

// ModelChoice is a (backend, model) pair selected from the difficulty table.
type ModelChoice struct {
	Backend string
	Model   string
}

// SessionInfo pairs a multiplexer session name with its last-activity time.
type SessionInfo struct {
	Name         string
	LastActivity time.Time
}

var sessionNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SessionName derives the deterministic session name for an item:
// "ace-<sanitized-repo>-<number>", capped at 60 chars. The sanitizer
// collapses runs of disallowed characters to a single dash and trims
// leading/trailing dashes.
func SessionName(repoName string, number int) string {
	repo := sessionNameSanitizer.ReplaceAllString(repoName, "-")
	repo = strings.Trim(repo, "-")
	name := fmt.Sprintf("ace-%s-%d", repo, number)
	if len(name) > 60 {
		name = name[:60]
	}
	return name
}

// QueueReport summarizes one scheduler pass over the work queue.
type QueueReport struct {
	Status  string     `json:"status"`
	Spawned int        `json:"spawned"`
	Skipped int        `json:"skipped"`
	Pool    PoolStatus `json:"pool_status"`
}

// Context aliases context.Context so ports read uniformly in this package.
type Context = context.Context
