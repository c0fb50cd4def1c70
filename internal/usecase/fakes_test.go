package usecase

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// fakeBoard serves scripted board data.
type fakeBoard struct {
	projectID string
	fieldID   string
	options   map[string]string
	byStatus  map[string][]domain.BoardItem
	blockers  map[int][]domain.BlockerIssue
	statuses  map[int]string // blocker number -> project status

	updates []string // "itemID->optionID"
}

func (b *fakeBoard) FindProjectID(_ domain.Context, _, _ string) (string, error) {
	if b.projectID == "" {
		return "", domain.ErrNotFound
	}
	return b.projectID, nil
}

func (b *fakeBoard) GetStatusField(_ domain.Context, _ string) (string, map[string]string, error) {
	return b.fieldID, b.options, nil
}

func (b *fakeBoard) ListItemsByStatus(_ domain.Context, _, status string) ([]domain.BoardItem, error) {
	return b.byStatus[status], nil
}

func (b *fakeBoard) FindItemIDForIssue(_ domain.Context, _, _, _ string, number int) (string, error) {
	return "item-" + strconv.Itoa(number), nil
}

func (b *fakeBoard) UpdateItemStatus(_ domain.Context, _, itemID, _, optionID string) error {
	b.updates = append(b.updates, itemID+"->"+optionID)
	return nil
}

func (b *fakeBoard) GetIssueBlockers(_ domain.Context, _, _ string, number int) []domain.BlockerIssue {
	return b.blockers[number]
}

func (b *fakeBoard) GetIssueProjectStatus(_ domain.Context, _ string, number int, _, _ string) (string, error) {
	if s, ok := b.statuses[number]; ok {
		return s, nil
	}
	return "", domain.ErrNotFound
}

// fakeIssues serves scripted issues and records comments.
type fakeIssues struct {
	mu       sync.Mutex
	issues   map[int]domain.WorkItem
	prs      []domain.WorkItem
	comments map[int][]domain.PRCommentRef
	headSHA  string
	files    map[string]string

	posted    []string
	assignees []string
}

func (f *fakeIssues) GetIssue(_ domain.Context, _, _ string, number int) (domain.WorkItem, error) {
	if item, ok := f.issues[number]; ok {
		return item, nil
	}
	return domain.WorkItem{}, domain.ErrNotFound
}

func (f *fakeIssues) PostComment(_ domain.Context, _, _ string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, fmt.Sprintf("#%d:%s", number, body))
	return nil
}

func (f *fakeIssues) AddLabels(_ domain.Context, _, _ string, _ int, _ []string) error { return nil }
func (f *fakeIssues) RemoveLabel(_ domain.Context, _, _ string, _ int, _ string) error { return nil }

func (f *fakeIssues) AssignIssue(_ domain.Context, _, _ string, _ int, assignee string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignees = append(f.assignees, assignee)
	return nil
}

func (f *fakeIssues) ListOpenPRsWithLabel(_ domain.Context, _, _, _ string) ([]domain.WorkItem, error) {
	return f.prs, nil
}

func (f *fakeIssues) ListPRReviewComments(_ domain.Context, _, _ string, prNumber int) ([]domain.PRCommentRef, error) {
	return f.comments[prNumber], nil
}

func (f *fakeIssues) GetPRHeadSHA(_ domain.Context, _, _ string, _ int) (string, error) {
	return f.headSHA, nil
}

func (f *fakeIssues) GetFileAtRef(_ domain.Context, _, _, path, _ string) (string, error) {
	if content, ok := f.files[path]; ok {
		return content, nil
	}
	return "", domain.ErrNotFound
}

func (f *fakeIssues) postedBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posted...)
}

// fakeWorkspaces uses a temp directory for real file operations.
type fakeWorkspaces struct {
	root      string
	mu        sync.Mutex
	signature string
	cloned    []string
}

func (w *fakeWorkspaces) WorktreePath(repoName string, number int) string {
	return filepath.Join(w.root, "worktrees", repoName, strconv.Itoa(number))
}

func (w *fakeWorkspaces) BranchName(number int, slug string) string {
	if slug == "" {
		slug = "issue"
	}
	return fmt.Sprintf("agent/%d-%s", number, slug)
}

func (w *fakeWorkspaces) CloneRepo(_ domain.Context, _, repoName string, number int) error {
	w.mu.Lock()
	w.cloned = append(w.cloned, fmt.Sprintf("%s/%d", repoName, number))
	w.mu.Unlock()
	return os.MkdirAll(w.WorktreePath(repoName, number), 0o755)
}

func (w *fakeWorkspaces) EnsureBranch(_ domain.Context, _, _, _ string) error { return nil }

func (w *fakeWorkspaces) CleanupWorktree(path string) error { return os.RemoveAll(path) }

func (w *fakeWorkspaces) ProgressSignature(_ domain.Context, _ string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signature
}

func (w *fakeWorkspaces) setSignature(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signature = s
}

// fakeSessions tracks session liveness in memory. onStart runs after a
// session is created, letting tests simulate the external CLI.
type fakeSessions struct {
	mu      sync.Mutex
	live    map[string]bool
	nudges  int
	kills   []string
	prompts []string
	envs    []map[string]string
	onStart func(name, workdir string)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: map[string]bool{}}
}

func (s *fakeSessions) SessionExists(_ domain.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[name]
}

func (s *fakeSessions) ListSessions(_ domain.Context) ([]domain.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SessionInfo
	for name := range s.live {
		out = append(out, domain.SessionInfo{Name: name, LastActivity: time.Now()})
	}
	return out, nil
}

func (s *fakeSessions) StartSession(_ domain.Context, name, workdir string, _ []string, env map[string]string) (bool, error) {
	s.mu.Lock()
	if s.live[name] {
		s.mu.Unlock()
		return false, nil
	}
	s.live[name] = true
	s.envs = append(s.envs, env)
	hook := s.onStart
	s.mu.Unlock()
	if hook != nil {
		hook(name, workdir)
	}
	return true, nil
}

func (s *fakeSessions) KillSession(_ domain.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, name)
	s.kills = append(s.kills, name)
	return nil
}

func (s *fakeSessions) SendPrompt(_ domain.Context, _, text string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, text)
	return nil
}

func (s *fakeSessions) SendEnter(_ domain.Context, _ string, _ int, _ time.Duration) error {
	return nil
}

func (s *fakeSessions) Nudge(_ domain.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nudges++
	return nil
}

func (s *fakeSessions) CaptureOutput(_ domain.Context, _ string, _ int) (string, error) {
	return "", nil
}

func (s *fakeSessions) nudgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nudges
}

// fakeBuilder returns scripted instruction text or an error and records the
// context it was given.
type fakeBuilder struct {
	mu          sync.Mutex
	text        string
	err         error
	conventions []string
	prContexts  []string
}

func (b *fakeBuilder) Build(_ domain.Context, _ domain.WorkItem, conventions, prContext string) (string, error) {
	b.mu.Lock()
	b.conventions = append(b.conventions, conventions)
	b.prContexts = append(b.prContexts, prContext)
	b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	return b.text, nil
}

// fakeStatus records reporter calls.
type fakeStatus struct {
	mu      sync.Mutex
	claims  []string
	done    []string
	failed  []string
	blocked []string
}

func (f *fakeStatus) ClaimIssue(_ domain.Context, item domain.WorkItem, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, branch)
	return nil
}

func (f *fakeStatus) MarkDone(_ domain.Context, _ domain.WorkItem, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, summary)
	return nil
}

func (f *fakeStatus) MarkFailed(_ domain.Context, _ domain.WorkItem, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, reason)
	return nil
}

func (f *fakeStatus) MarkBlocked(_ domain.Context, _ domain.WorkItem, questions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, questions...)
	return nil
}

// fakeSecrets resolves from a map; absent names are fatal.
type fakeSecrets struct {
	values map[string]string
}

func (f *fakeSecrets) Resolve(_ domain.Context, name string) (string, error) {
	if v, ok := f.values[name]; ok {
		return v, nil
	}
	return "", domain.NewFatal(domain.FailCredentialMissing, "secret %s missing", name)
}

// fakeMCP records configure calls.
type fakeMCP struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMCP) Configure(_ domain.Context, workdir, backend, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, backend+":"+workdir)
	return nil
}

// fakeChat replays scripted responses in order.
type fakeChat struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	err       error
}

func (f *fakeChat) Complete(_ domain.Context, prompt string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, prompt)
	if len(f.responses) == 0 {
		return "", nil
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return out, nil
}

// stubQueue returns a fixed item list per call.
type stubQueue struct {
	mu    sync.Mutex
	lists [][]domain.WorkItem
	calls int
}

func (q *stubQueue) Build(_ domain.Context, _ domain.AgentTarget, processed map[domain.WorkKey]bool) ([]domain.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var items []domain.WorkItem
	if q.calls < len(q.lists) {
		items = q.lists[q.calls]
	}
	q.calls++
	var out []domain.WorkItem
	for _, item := range items {
		if !processed[item.Key()] {
			out = append(out, item)
		}
	}
	return out, nil
}

// stubRunner blocks until released, then returns a scripted result.
type stubRunner struct {
	mu      sync.Mutex
	release chan struct{}
	result  domain.AgentResult
	err     error
	runs    []domain.WorkKey
}

func (r *stubRunner) Run(ctx domain.Context, item domain.WorkItem) (domain.AgentResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, item.Key())
	release := r.release
	r.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	return r.result, r.err
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func readyItem(number int, title string, labels ...string) domain.WorkItem {
	return domain.WorkItem{
		Kind:      domain.WorkKindReady,
		RepoOwner: "acme",
		RepoName:  "web",
		Number:    number,
		Title:     title,
		Labels:    labels,
		State:     "open",
	}
}
