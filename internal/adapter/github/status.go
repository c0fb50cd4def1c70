package github

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kristinday/ace/internal/domain"
)

// StatusManager posts the user-visible claim/blocked/done/failed surface:
// issue comments plus board-status transitions. All operations are best
// effort; failures are logged and never block the workflow.
type StatusManager struct {
	issues domain.Issues
	board  domain.Board
	log    *slog.Logger

	org             string
	projectName     string
	blockedAssignee string
	disableComments bool
	disableStatus   bool

	mu        sync.Mutex
	projectID string
	fieldID   string
	options   map[string]string
}

// StatusManagerConfig carries the construction parameters.
type StatusManagerConfig struct {
	Org             string
	ProjectName     string
	BlockedAssignee string
	DisableComments bool
	DisableStatus   bool
}

// NewStatusManager builds a status manager over the issue and board ports.
func NewStatusManager(issues domain.Issues, board domain.Board, cfg StatusManagerConfig, log *slog.Logger) *StatusManager {
	if log == nil {
		log = slog.Default()
	}
	return &StatusManager{
		issues:          issues,
		board:           board,
		log:             log,
		org:             cfg.Org,
		projectName:     cfg.ProjectName,
		blockedAssignee: cfg.BlockedAssignee,
		disableComments: cfg.DisableComments,
		disableStatus:   cfg.DisableStatus,
	}
}

var _ domain.StatusReporter = (*StatusManager)(nil)

// ClaimIssue moves the item to In Progress and posts the claim comment.
func (m *StatusManager) ClaimIssue(ctx domain.Context, item domain.WorkItem, branch string) error {
	m.setStatus(ctx, item, domain.StatusInProgress)
	body := fmt.Sprintf("## Agent Claim\n\nAn autonomous agent has claimed this issue and started work on branch `%s`.", branch)
	m.comment(ctx, item, body)
	return nil
}

// MarkDone moves the item to Done and posts the completion summary.
func (m *StatusManager) MarkDone(ctx domain.Context, item domain.WorkItem, summary string) error {
	m.setStatus(ctx, item, domain.StatusDone)
	body := "## Agent Complete\n\n" + summary
	m.comment(ctx, item, body)
	return nil
}

// MarkFailed posts the failure comment. The board status is left untouched so
// a human can triage and requeue.
func (m *StatusManager) MarkFailed(ctx domain.Context, item domain.WorkItem, reason string) error {
	body := "## Agent Failed\n\n" + reason
	m.comment(ctx, item, body)
	return nil
}

// MarkBlocked moves the item to Blocked, assigns the configured human, and
// posts the agent's questions.
func (m *StatusManager) MarkBlocked(ctx domain.Context, item domain.WorkItem, questions []string) error {
	m.setStatus(ctx, item, domain.StatusBlocked)
	if m.blockedAssignee != "" {
		if err := m.issues.AssignIssue(ctx, item.RepoOwner, item.RepoName, item.Number, m.blockedAssignee); err != nil {
			m.log.Warn("blocked assignee failed", slog.Int("issue", item.Number), slog.String("error", err.Error()))
		}
	}
	var b strings.Builder
	b.WriteString("## BLOCKED - Agent Needs Input\n\nThe agent cannot continue without answers to:\n")
	for _, q := range questions {
		b.WriteString("- ")
		b.WriteString(q)
		b.WriteString("\n")
	}
	m.comment(ctx, item, b.String())
	return nil
}

func (m *StatusManager) comment(ctx domain.Context, item domain.WorkItem, body string) {
	if m.disableComments {
		return
	}
	if err := m.issues.PostComment(ctx, item.RepoOwner, item.RepoName, item.Number, body); err != nil {
		m.log.Warn("status comment failed", slog.Int("issue", item.Number), slog.String("error", err.Error()))
	}
}

func (m *StatusManager) setStatus(ctx domain.Context, item domain.WorkItem, status string) {
	if m.disableStatus {
		return
	}
	projectID, fieldID, options, err := m.boardHandles(ctx)
	if err != nil {
		m.log.Warn("board handles unavailable", slog.String("error", err.Error()))
		return
	}
	optionID, ok := options[status]
	if !ok {
		m.log.Warn("unknown board status option", slog.String("status", status))
		return
	}
	itemID, err := m.board.FindItemIDForIssue(ctx, projectID, item.RepoOwner, item.RepoName, item.Number)
	if err != nil {
		m.log.Warn("board item lookup failed", slog.Int("issue", item.Number), slog.String("error", err.Error()))
		return
	}
	if err := m.board.UpdateItemStatus(ctx, projectID, itemID, fieldID, optionID); err != nil {
		m.log.Warn("board status update failed", slog.Int("issue", item.Number), slog.String("status", status), slog.String("error", err.Error()))
	}
}

// boardHandles resolves and caches the project id, status field id, and
// option map. The cache is never invalidated; board schema changes require a
// process restart.
func (m *StatusManager) boardHandles(ctx domain.Context) (string, string, map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.projectID != "" {
		return m.projectID, m.fieldID, m.options, nil
	}
	projectID, err := m.board.FindProjectID(ctx, m.org, m.projectName)
	if err != nil {
		return "", "", nil, err
	}
	fieldID, options, err := m.board.GetStatusField(ctx, projectID)
	if err != nil {
		return "", "", nil, err
	}
	m.projectID = projectID
	m.fieldID = fieldID
	m.options = options
	return projectID, fieldID, options, nil
}
