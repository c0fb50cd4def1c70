package domain

import "time"

// Board is the project-board port: status queries, status updates, and
// blocker resolution. Implementations talk GraphQL to the source-control
// service.
type Board interface {
	FindProjectID(ctx Context, org, projectName string) (string, error)
	GetStatusField(ctx Context, projectID string) (fieldID string, options map[string]string, err error)
	ListItemsByStatus(ctx Context, projectID, status string) ([]BoardItem, error)
	FindItemIDForIssue(ctx Context, projectID, repoOwner, repoName string, number int) (string, error)
	UpdateItemStatus(ctx Context, projectID, itemID, fieldID, optionID string) error
	// GetIssueBlockers is non-fatal: failures log and return an empty slice.
	GetIssueBlockers(ctx Context, repoOwner, repoName string, number int) []BlockerIssue
	GetIssueProjectStatus(ctx Context, projectID string, number int, repoOwner, repoName string) (string, error)
}

// Issues covers the REST-side operations on issues and pull requests.
type Issues interface {
	GetIssue(ctx Context, repoOwner, repoName string, number int) (WorkItem, error)
	PostComment(ctx Context, repoOwner, repoName string, number int, body string) error
	AddLabels(ctx Context, repoOwner, repoName string, number int, labels []string) error
	RemoveLabel(ctx Context, repoOwner, repoName string, number int, label string) error
	AssignIssue(ctx Context, repoOwner, repoName string, number int, assignee string) error
	// ListOpenPRsWithLabel returns open pull requests whose issue carries the label.
	ListOpenPRsWithLabel(ctx Context, repoOwner, repoName, label string) ([]WorkItem, error)
	// ListPRReviewComments returns inline review comments for a pull request.
	ListPRReviewComments(ctx Context, repoOwner, repoName string, prNumber int) ([]PRCommentRef, error)
	GetPRHeadSHA(ctx Context, repoOwner, repoName string, prNumber int) (string, error)
	GetFileAtRef(ctx Context, repoOwner, repoName, path, ref string) (string, error)
}

// StatusReporter posts the user-visible claim/blocked/done/failed surface.
type StatusReporter interface {
	ClaimIssue(ctx Context, item WorkItem, branch string) error
	MarkDone(ctx Context, item WorkItem, summary string) error
	MarkFailed(ctx Context, item WorkItem, reason string) error
	MarkBlocked(ctx Context, item WorkItem, questions []string) error
}

// Workspaces manages per-item checkouts under the workspace root.
type Workspaces interface {
	WorktreePath(repoName string, number int) string
	BranchName(number int, slug string) string
	// CloneRepo is idempotent: an existing worktree path is a no-op.
	CloneRepo(ctx Context, repoURL, repoName string, number int) error
	EnsureBranch(ctx Context, path, branch, baseBranch string) error
	// CleanupWorktree is idempotent on missing paths.
	CleanupWorktree(path string) error
	// ProgressSignature fingerprints HEAD plus working-tree status.
	ProgressSignature(ctx Context, path string) string
}

// Sessions manages detached terminal-multiplexer sessions.
type Sessions interface {
	SessionExists(ctx Context, name string) bool
	ListSessions(ctx Context) ([]SessionInfo, error)
	// StartSession is idempotent; it returns false when the session already exists.
	StartSession(ctx Context, name, workdir string, command []string, env map[string]string) (created bool, err error)
	KillSession(ctx Context, name string) error
	SendPrompt(ctx Context, name, text string, delay time.Duration) error
	SendEnter(ctx Context, name string, repeat int, delay time.Duration) error
	Nudge(ctx Context, name, message string) error
	CaptureOutput(ctx Context, name string, lastN int) (string, error)
}

// Instructions turns a work item into the directive document text.
type Instructions interface {
	Build(ctx Context, item WorkItem, conventions, prContext string) (string, error)
}

// Advisor optionally reorders the classified queue. It returns a subsequence
// of the given keys; keys it omits keep their original relative order. It
// must never fabricate a key.
type Advisor interface {
	SelectOrder(ctx Context, items []WorkItem) ([]WorkKey, error)
}

// Secrets resolves credentials by name.
type Secrets interface {
	Resolve(ctx Context, name string) (string, error)
}

// Notifier delivers out-of-band operator notifications (e.g. SMS on pool
// fatal errors). Implementations must be safe to call with delivery disabled.
type Notifier interface {
	Notify(ctx Context, message string) error
}

// ChatClient is the minimal LLM surface used by the instruction builder and
// the manager advisor.
type ChatClient interface {
	Complete(ctx Context, prompt string, maxTokens int) (string, error)
}

// MCPConfigurator writes the plugin-protocol config the spawned CLI reads on
// startup.
type MCPConfigurator interface {
	Configure(ctx Context, workdir, backend, token string) error
}
