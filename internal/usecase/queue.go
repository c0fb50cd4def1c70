package usecase

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kristinday/ace/internal/domain"
)

// QueueConfig carries the board coordinates and label routing for a builder.
type QueueConfig struct {
	Org              string
	ProjectName      string
	RepoOwner        string
	RepoName         string
	AgentLabel       string
	LocalAgentLabel  string
	RemoteAgentLabel string
	ReadyStatus      string
	ResumeInProgress bool
}

// ReadySource lists newly-ready candidates through the auxiliary protocol
// server. It is preferred over the direct board query when configured.
type ReadySource interface {
	ListReadyItems(ctx domain.Context, owner, repo, label string) ([]domain.WorkItem, error)
}

// QueueBuilder produces the ordered admissible work list for a pool pass.
// Sources in queue order: PR-comment follow-ups, in-progress resumes, newly
// ready items.
type QueueBuilder struct {
	board   domain.Board
	issues  domain.Issues
	advisor domain.Advisor // nil disables re-ordering
	ready   ReadySource    // nil queries the board directly
	cfg     QueueConfig
	log     *slog.Logger

	mu        sync.Mutex
	projectID string
}

// NewQueueBuilder constructs a queue builder. advisor may be nil.
func NewQueueBuilder(board domain.Board, issues domain.Issues, advisor domain.Advisor, cfg QueueConfig, log *slog.Logger) *QueueBuilder {
	if log == nil {
		log = slog.Default()
	}
	return &QueueBuilder{board: board, issues: issues, advisor: advisor, cfg: cfg, log: log}
}

// SetReadySource makes src the preferred source for the newly-ready category.
func (q *QueueBuilder) SetReadySource(src ReadySource) {
	q.ready = src
}

func (q *QueueBuilder) projectHandle(ctx domain.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.projectID != "" {
		return q.projectID, nil
	}
	id, err := q.board.FindProjectID(ctx, q.cfg.Org, q.cfg.ProjectName)
	if err != nil {
		return "", err
	}
	q.projectID = id
	return id, nil
}

// Admissible applies the pool's target filter to one item.
func Admissible(item domain.WorkItem, target domain.AgentTarget, localLabel, remoteLabel string) bool {
	switch target {
	case domain.TargetAny:
		return true
	case domain.TargetLocal:
		return item.HasLabel(localLabel)
	case domain.TargetRemote:
		return item.HasLabel(remoteLabel)
	}
	return false
}

// Build returns the ordered admissible items for one pass. processed holds
// the WorkKeys already handled this run; items whose key is in the set, or
// whose issue number was already emitted by an earlier category, are dropped.
func (q *QueueBuilder) Build(ctx domain.Context, target domain.AgentTarget, processed map[domain.WorkKey]bool) ([]domain.WorkItem, error) {
	projectID, err := q.projectHandle(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=queue.Build: %w", domain.WrapFailure(domain.FailBoardUnreachable, err))
	}

	var out []domain.WorkItem
	seenNumbers := map[int]bool{}
	add := func(item domain.WorkItem) {
		key := item.Key()
		if processed[key] {
			return
		}
		if item.Kind != domain.WorkKindPRComment && seenNumbers[item.Number] {
			return
		}
		if !Admissible(item, target, q.cfg.LocalAgentLabel, q.cfg.RemoteAgentLabel) {
			return
		}
		seenNumbers[item.Number] = true
		out = append(out, item)
	}

	for _, item := range q.prCommentItems(ctx) {
		add(item)
	}
	if q.cfg.ResumeInProgress {
		for _, item := range q.boardItems(ctx, projectID, domain.StatusInProgress, domain.WorkKindInProgress, true) {
			add(item)
		}
	}
	for _, item := range q.readyItems(ctx, projectID) {
		add(item)
	}

	if q.advisor != nil && len(out) > 1 {
		out = q.reorder(ctx, out)
	}
	return out, nil
}

// prCommentItems expands each inline review comment on labeled open PRs into
// its own work item. Failures degrade to an empty category.
func (q *QueueBuilder) prCommentItems(ctx domain.Context) []domain.WorkItem {
	prs, err := q.issues.ListOpenPRsWithLabel(ctx, q.cfg.RepoOwner, q.cfg.RepoName, q.cfg.AgentLabel)
	if err != nil {
		q.log.Warn("pr follow-up listing failed", slog.String("error", err.Error()))
		return nil
	}
	var out []domain.WorkItem
	for _, pr := range prs {
		comments, err := q.issues.ListPRReviewComments(ctx, pr.RepoOwner, pr.RepoName, pr.Number)
		if err != nil {
			q.log.Warn("pr comment listing failed", slog.Int("pr", pr.Number), slog.String("error", err.Error()))
			continue
		}
		for _, c := range comments {
			ref := c
			item := pr
			item.Kind = domain.WorkKindPRComment
			item.PRComment = &ref
			out = append(out, item)
		}
	}
	return out
}

// readyItems lists the newly-ready category. The auxiliary protocol server is
// the preferred source when configured; its failures degrade to the direct
// board query. Aux-listed items are already hydrated but still blocker-
// filtered here.
func (q *QueueBuilder) readyItems(ctx domain.Context, projectID string) []domain.WorkItem {
	if q.ready == nil {
		return q.boardItems(ctx, projectID, q.cfg.ReadyStatus, domain.WorkKindReady, false)
	}
	candidates, err := q.ready.ListReadyItems(ctx, q.cfg.RepoOwner, q.cfg.RepoName, q.cfg.AgentLabel)
	if err != nil {
		q.log.Warn("auxiliary ready source failed, falling back to board", slog.String("error", err.Error()))
		return q.boardItems(ctx, projectID, q.cfg.ReadyStatus, domain.WorkKindReady, false)
	}
	var out []domain.WorkItem
	for _, item := range candidates {
		if q.isBlocked(ctx, projectID, item.RepoOwner, item.RepoName, item.Number) {
			q.log.Debug("item blocked, skipping", slog.Int("issue", item.Number))
			continue
		}
		item.Kind = domain.WorkKindReady
		out = append(out, item)
	}
	return out
}

// boardItems lists items in a given status, filters out blocked ones, and
// hydrates the full issue. When skipAssigned is set, items with a human
// assignee are dropped (a human took over the resume).
func (q *QueueBuilder) boardItems(ctx domain.Context, projectID, status string, kind domain.WorkKind, skipAssigned bool) []domain.WorkItem {
	boardItems, err := q.board.ListItemsByStatus(ctx, projectID, status)
	if err != nil {
		q.log.Warn("board listing failed", slog.String("status", status), slog.String("error", err.Error()))
		return nil
	}
	var out []domain.WorkItem
	for _, bi := range boardItems {
		if bi.ContentType != "Issue" {
			continue
		}
		if q.isBlocked(ctx, projectID, bi.RepoOwner, bi.RepoName, bi.Number) {
			q.log.Debug("item blocked, skipping", slog.Int("issue", bi.Number))
			continue
		}
		item, err := q.issues.GetIssue(ctx, bi.RepoOwner, bi.RepoName, bi.Number)
		if err != nil {
			q.log.Warn("issue hydration failed", slog.Int("issue", bi.Number), slog.String("error", err.Error()))
			continue
		}
		if skipAssigned && item.Assignee != "" {
			continue
		}
		item.Kind = kind
		out = append(out, item)
	}
	return out
}

// isBlocked reports whether any open blocker's project status is not Done.
// Closed blockers never block. A blocker whose status cannot be resolved is
// treated as blocking.
func (q *QueueBuilder) isBlocked(ctx domain.Context, projectID, owner, repo string, number int) bool {
	for _, blocker := range q.board.GetIssueBlockers(ctx, owner, repo, number) {
		if blocker.State == "CLOSED" {
			continue
		}
		status, err := q.board.GetIssueProjectStatus(ctx, projectID, blocker.Number, blocker.RepoOwner, blocker.RepoName)
		if err != nil || status != domain.StatusDone {
			return true
		}
	}
	return false
}

// reorder applies the advisor's ordered subsequence: named keys first in the
// advisor's order, everything else appended in original order. Keys the
// advisor fabricates are ignored.
func (q *QueueBuilder) reorder(ctx domain.Context, items []domain.WorkItem) []domain.WorkItem {
	keys, err := q.advisor.SelectOrder(ctx, items)
	if err != nil {
		q.log.Warn("advisor reorder failed, keeping original order", slog.String("error", err.Error()))
		return items
	}
	byKey := make(map[domain.WorkKey]int, len(items))
	for i, item := range items {
		byKey[item.Key()] = i
	}
	ordered := make([]domain.WorkItem, 0, len(items))
	taken := make(map[domain.WorkKey]bool, len(keys))
	for _, k := range keys {
		if i, ok := byKey[k]; ok && !taken[k] {
			ordered = append(ordered, items[i])
			taken[k] = true
		}
	}
	for _, item := range items {
		if !taken[item.Key()] {
			ordered = append(ordered, item)
		}
	}
	return ordered
}
