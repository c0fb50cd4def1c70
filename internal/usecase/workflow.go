package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kristinday/ace/internal/adapter/observability"
	"github.com/kristinday/ace/internal/domain"
)

// Execution modes for the external agent. tmux and cli run the backend inside
// a supervised multiplexer session; http calls the backend API directly and
// needs no session.
const (
	ExecModeTmux = "tmux"
	ExecModeCLI  = "cli"
	ExecModeHTTP = "http"
)

// WorkflowConfig carries the per-process knobs of the item workflow.
type WorkflowConfig struct {
	RepoURL          string // clone URL, may embed credentials
	BaseBranch       string
	ConventionsFile  string
	ContextLines     int
	ExecutionMode    string // ExecModeTmux, ExecModeCLI, or ExecModeHTTP
	MCPServerName    string
	TokenSecretName  string
	BlockedAssignee  string
	PollInterval     time.Duration
	WaitTimeout      time.Duration // 0 = infinite
	NudgeEnabled     bool
	NudgeAfter       time.Duration
	NudgeInterval    time.Duration
	NudgeMaxAttempts int
	NudgeMaxRestarts int
	NudgeMessage     string // supports {task_id} and {task_title}

	ModelFor    func(difficulty string) domain.ModelChoice
	CLITemplate func(backend string) string
}

// Workflow executes the per-item state machine:
// claim -> hydrate -> select backend -> run agent -> evaluate -> cleanup.
type Workflow struct {
	workspaces domain.Workspaces
	sessions   domain.Sessions
	builder    domain.Instructions
	status     domain.StatusReporter
	issues     domain.Issues
	secrets    domain.Secrets
	mcp        domain.MCPConfigurator
	chat       domain.ChatClient // backend for the http execution mode
	cfg        WorkflowConfig
	log        *slog.Logger

	// test seams
	now   func() time.Time
	sleep func(domain.Context, time.Duration)
}

// NewWorkflow wires the workflow's ports.
func NewWorkflow(
	workspaces domain.Workspaces,
	sessions domain.Sessions,
	builder domain.Instructions,
	status domain.StatusReporter,
	issues domain.Issues,
	secrets domain.Secrets,
	mcp domain.MCPConfigurator,
	chat domain.ChatClient,
	cfg WorkflowConfig,
	log *slog.Logger,
) *Workflow {
	if log == nil {
		log = slog.Default()
	}
	return &Workflow{
		workspaces: workspaces,
		sessions:   sessions,
		builder:    builder,
		status:     status,
		issues:     issues,
		secrets:    secrets,
		mcp:        mcp,
		chat:       chat,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx domain.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run drives one item to a terminal state. The returned error is non-nil
// only for failures; domain.IsFatal distinguishes pool-latching ones.
func (w *Workflow) Run(ctx domain.Context, item domain.WorkItem) (domain.AgentResult, error) {
	taskStart := w.now()
	taskID := "task-" + strings.ToLower(ulid.Make().String()[:10])
	log := w.log.With(slog.Int("issue", item.Number), slog.String("task_id", taskID))

	slug := slugFromTitle(item.Title)
	branch := w.workspaces.BranchName(item.Number, slug)
	workdir := w.workspaces.WorktreePath(item.RepoName, item.Number)

	// claim_issue: best effort, never fails the workflow
	_ = w.status.ClaimIssue(ctx, item, branch)

	choice := w.selectBackend(item, log)

	result, runErr := w.runAgent(ctx, item, taskID, branch, workdir, choice, log)
	result = w.evaluateResult(result, runErr)
	w.managerCleanup(ctx, item, workdir, result, log)

	observability.TaskDurationSeconds.Observe(w.now().Sub(taskStart).Seconds())
	observability.AgentRunsTotal.WithLabelValues(string(result.Status), choice.Backend).Inc()
	if result.Status == domain.AgentSuccess {
		observability.TaskCompletedTotal.Inc()
		return result, nil
	}
	return result, runErr
}

func slugFromTitle(title string) string {
	// mirrors the workspace slug rules; kept local so the workflow does not
	// depend on a concrete workspace implementation
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		return "issue"
	}
	return s
}

// selectBackend maps a difficulty label to a (backend, model) pair. Missing
// or unknown labels warn and fall back to the easy pair.
func (w *Workflow) selectBackend(item domain.WorkItem, log *slog.Logger) domain.ModelChoice {
	for _, l := range item.Labels {
		if strings.HasPrefix(l, "difficulty:") {
			return w.cfg.ModelFor(l)
		}
	}
	log.Warn("no difficulty label, using default backend")
	return w.cfg.ModelFor("")
}

func (w *Workflow) runAgent(ctx domain.Context, item domain.WorkItem, taskID, branch, workdir string, choice domain.ModelChoice, log *slog.Logger) (domain.AgentResult, error) {
	meta := domain.AgentMeta{
		Worktree: workdir,
		Backend:  choice.Backend,
		Model:    choice.Model,
	}
	fail := func(err error) (domain.AgentResult, error) {
		return domain.AgentResult{Status: domain.AgentFailed, Error: err.Error(), Meta: meta}, err
	}

	// 1. materialize the workspace
	if err := w.workspaces.CloneRepo(ctx, w.cfg.RepoURL, item.RepoName, item.Number); err != nil {
		return fail(err)
	}
	if err := w.workspaces.EnsureBranch(ctx, workdir, branch, w.cfg.BaseBranch); err != nil {
		return fail(err)
	}

	// 2. optional repo conventions
	conventions := ""
	if w.cfg.ConventionsFile != "" {
		if raw, err := os.ReadFile(filepath.Join(workdir, w.cfg.ConventionsFile)); err == nil {
			conventions = string(raw)
		}
	}

	// 3. PR-comment context
	prContext := ""
	if item.Kind == domain.WorkKindPRComment && item.PRComment != nil {
		prContext = w.buildPRContext(ctx, item, log)
	}

	// 4. instructions
	instructions, err := w.builder.Build(ctx, item, conventions, prContext)
	if err != nil {
		return fail(err)
	}
	promptFile, err := WriteTaskDoc(workdir, TaskDocParams{
		TaskID:          taskID,
		Title:           item.Title,
		Instructions:    instructions,
		Branch:          branch,
		BlockedAssignee: w.cfg.BlockedAssignee,
		MCPServerName:   w.cfg.MCPServerName,
	})
	if err != nil {
		return fail(err)
	}
	meta.PromptFile = promptFile

	// http mode sends the instructions straight to the backend API; no
	// session is created and no done marker is awaited
	if w.cfg.ExecutionMode == ExecModeHTTP {
		return w.runAPIAgent(ctx, instructions, meta)
	}

	// 6. credentials; missing tokens hard-stop the pool
	token, err := w.secrets.Resolve(ctx, w.cfg.TokenSecretName)
	if err != nil {
		return fail(err)
	}

	// 7. plugin-protocol config
	if err := w.mcp.Configure(ctx, workdir, choice.Backend, token); err != nil {
		return fail(err)
	}

	// 5 + 8. compose the command and start the session
	sessionName := domain.SessionName(item.RepoName, item.Number)
	meta.SessionName = sessionName
	prompt := fmt.Sprintf("Read %s and complete the task it describes.", TaskFileName)
	command, promptEmbedded := composeCommand(w.cfg.CLITemplate(choice.Backend), choice.Model, prompt)

	env := map[string]string{
		"GITHUB_TOKEN": token,
		"ACE_TASK_ID":  taskID,
	}
	created, err := w.sessions.StartSession(ctx, sessionName, workdir, command, env)
	if err != nil {
		return fail(err)
	}
	meta.Created = created
	if created && !promptEmbedded {
		if err := w.sessions.SendPrompt(ctx, sessionName, prompt, 100*time.Millisecond); err != nil {
			return fail(err)
		}
	}

	// 9. wait for the done marker
	marker, waitErr := w.waitForMarker(ctx, item, taskID, sessionName, workdir, choice, env, log)
	if waitErr != nil {
		return fail(waitErr)
	}

	// 10. record the result
	if ContainsRefusal(marker.Summary) {
		err := domain.NewFailure(domain.FailRefusal, "done marker summary contains a refusal phrase")
		return fail(err)
	}
	return domain.AgentResult{
		Status:       domain.AgentSuccess,
		Output:       marker.Summary,
		FilesChanged: marker.FilesChanged,
		CommandsRun:  marker.CommandsRun,
		Meta:         meta,
	}, nil
}

// runAPIAgent executes the item by calling the backend API with the built
// instructions. The reply text stands in for the done marker's summary.
func (w *Workflow) runAPIAgent(ctx domain.Context, instructions string, meta domain.AgentMeta) (domain.AgentResult, error) {
	fail := func(err error) (domain.AgentResult, error) {
		return domain.AgentResult{Status: domain.AgentFailed, Error: err.Error(), Meta: meta}, err
	}
	if w.chat == nil {
		return fail(domain.NewFailure(domain.FailInternal, "http execution mode has no chat backend"))
	}
	out, err := w.chat.Complete(ctx, instructions, 8000)
	if err != nil {
		return fail(err)
	}
	if ContainsRefusal(out) {
		return fail(domain.NewFailure(domain.FailRefusal, "agent reply contains a refusal phrase"))
	}
	return domain.AgentResult{Status: domain.AgentSuccess, Output: out, Meta: meta}, nil
}

// composeCommand renders the CLI template. The second return reports whether
// the template embeds the prompt itself; if not, the prompt is sent through
// the session after launch.
func composeCommand(template, model, prompt string) ([]string, bool) {
	embedded := strings.Contains(template, "{prompt}")
	rendered := strings.ReplaceAll(template, "{model}", model)
	rendered = strings.ReplaceAll(rendered, "{prompt}", prompt)
	// launched inside a login shell so user PATH and rc files apply
	return []string{"bash", "-l", "-c", rendered}, embedded
}

func (w *Workflow) buildPRContext(ctx domain.Context, item domain.WorkItem, log *slog.Logger) string {
	ref := item.PRComment
	sha, err := w.issues.GetPRHeadSHA(ctx, item.RepoOwner, item.RepoName, item.Number)
	if err != nil {
		log.Warn("pr head lookup failed", slog.String("error", err.Error()))
		return ref.Body
	}
	content, err := w.issues.GetFileAtRef(ctx, item.RepoOwner, item.RepoName, ref.Path, sha)
	if err != nil {
		log.Warn("pr file fetch failed", slog.String("path", ref.Path), slog.String("error", err.Error()))
		return ref.Body
	}
	snippet := numberedSnippet(content, ref.Line, w.cfg.ContextLines)
	blob, err := json.Marshal(map[string]any{
		"comment_id": ref.CommentID,
		"path":       ref.Path,
		"line":       ref.Line,
		"side":       ref.Side,
		"comment":    ref.Body,
		"snippet":    snippet,
	})
	if err != nil {
		return ref.Body
	}
	return string(blob)
}

// numberedSnippet returns the 1-based numbered lines within contextLines of
// line.
func numberedSnippet(content string, line, contextLines int) string {
	if contextLines <= 0 {
		contextLines = 10
	}
	lines := strings.Split(content, "\n")
	start := line - contextLines
	if start < 1 {
		start = 1
	}
	end := line + contextLines
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
	}
	return b.String()
}

// waitForMarker polls for the done marker, running the nudge/restart
// sub-protocol while the session is alive.
func (w *Workflow) waitForMarker(ctx domain.Context, item domain.WorkItem, taskID, sessionName, workdir string, choice domain.ModelChoice, env map[string]string, log *slog.Logger) (domain.DoneMarker, error) {
	markerPath := filepath.Join(workdir, DoneFileName)
	deadline := time.Time{}
	if w.cfg.WaitTimeout > 0 {
		deadline = w.now().Add(w.cfg.WaitTimeout)
	}

	lastSignature := w.workspaces.ProgressSignature(ctx, workdir)
	lastProgress := w.now()
	nudgesSent := 0
	restarts := 0
	nudgeEnabled := w.cfg.NudgeEnabled && w.cfg.NudgeMaxAttempts > 0

	for {
		if ctx.Err() != nil {
			return domain.DoneMarker{}, ctx.Err()
		}
		if marker, ok, err := readMarker(markerPath); err != nil {
			observability.TaskValidationFailedTotal.Inc()
			return domain.DoneMarker{}, err
		} else if ok {
			return marker, nil
		}

		if !w.sessions.SessionExists(ctx, sessionName) {
			return domain.DoneMarker{}, domain.NewFailure(domain.FailMissingDoneFile,
				"session %s ended without writing %s", sessionName, DoneFileName)
		}
		if !deadline.IsZero() && w.now().After(deadline) {
			observability.TaskWaitTimeoutTotal.Inc()
			return domain.DoneMarker{}, domain.NewFailure(domain.FailWaitTimeout,
				"no done marker after %s", w.cfg.WaitTimeout)
		}

		if nudgeEnabled {
			sig := w.workspaces.ProgressSignature(ctx, workdir)
			if sig != lastSignature {
				lastSignature = sig
				lastProgress = w.now()
				nudgesSent = 0
			} else if w.now().Sub(lastProgress) >= w.nudgeDue(nudgesSent) {
				if nudgesSent < w.cfg.NudgeMaxAttempts {
					msg := renderNudge(w.cfg.NudgeMessage, taskID, item.Title)
					if err := w.sessions.Nudge(ctx, sessionName, msg); err != nil {
						log.Warn("nudge failed", slog.String("error", err.Error()))
					} else {
						observability.TaskNudgesTotal.Inc()
					}
					nudgesSent++
				} else if restarts < w.cfg.NudgeMaxRestarts {
					log.Warn("nudges exhausted, restarting session", slog.Int("restart", restarts+1))
					observability.TaskRestartsTotal.Inc()
					if err := w.restartSession(ctx, sessionName, workdir, choice, env); err != nil {
						return domain.DoneMarker{}, err
					}
					restarts++
					nudgesSent = 0
					lastProgress = w.now()
				} else {
					observability.TaskNudgeExceededTotal.Inc()
					_ = w.sessions.KillSession(ctx, sessionName)
					return domain.DoneMarker{}, domain.NewFailure(domain.FailNudgeExceeded,
						"no progress after %d nudges and %d restarts", w.cfg.NudgeMaxAttempts, restarts)
				}
			}
		}
		w.sleep(ctx, w.cfg.PollInterval)
	}
}

// nudgeDue returns how long after the last progress the next nudge fires.
func (w *Workflow) nudgeDue(nudgesSent int) time.Duration {
	if nudgesSent == 0 {
		return w.cfg.NudgeAfter
	}
	return w.cfg.NudgeAfter + time.Duration(nudgesSent)*w.cfg.NudgeInterval
}

func renderNudge(template, taskID, title string) string {
	out := strings.ReplaceAll(template, "{task_id}", taskID)
	return strings.ReplaceAll(out, "{task_title}", title)
}

// restartSession kills and relaunches the session with the same command and
// environment as the original start; the restarted CLI still needs the token
// and task id.
func (w *Workflow) restartSession(ctx domain.Context, sessionName, workdir string, choice domain.ModelChoice, env map[string]string) error {
	if err := w.sessions.KillSession(ctx, sessionName); err != nil {
		return err
	}
	prompt := fmt.Sprintf("Read %s and complete the task it describes.", TaskFileName)
	command, promptEmbedded := composeCommand(w.cfg.CLITemplate(choice.Backend), choice.Model, prompt)
	if _, err := w.sessions.StartSession(ctx, sessionName, workdir, command, env); err != nil {
		return err
	}
	if !promptEmbedded {
		return w.sessions.SendPrompt(ctx, sessionName, prompt, 100*time.Millisecond)
	}
	return nil
}

// readMarker parses the done marker. ok is false while the file is absent.
// A present but malformed or empty marker is a task_validation_failed.
func readMarker(path string) (domain.DoneMarker, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return domain.DoneMarker{}, false, nil
	}
	if err != nil {
		return domain.DoneMarker{}, false, domain.WrapFailure(domain.FailValidation, err)
	}
	var marker domain.DoneMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return domain.DoneMarker{}, false, domain.NewFailure(domain.FailValidation, "done marker is not valid JSON: %v", err)
	}
	if strings.TrimSpace(marker.Summary) == "" {
		return domain.DoneMarker{}, false, domain.NewFailure(domain.FailValidation, "done marker summary is empty")
	}
	return marker, true, nil
}

// evaluateResult normalizes any error into a single failed AgentResult.
func (w *Workflow) evaluateResult(result domain.AgentResult, err error) domain.AgentResult {
	if err == nil && result.Status == domain.AgentSuccess {
		return result
	}
	if result.Error == "" && err != nil {
		result.Error = err.Error()
	}
	result.Status = domain.AgentFailed
	return result
}

// managerCleanup derives the post-mortem status, reports it, kills any live
// session, and deletes the well-known files. It never fails the workflow.
func (w *Workflow) managerCleanup(ctx domain.Context, item domain.WorkItem, workdir string, result domain.AgentResult, log *slog.Logger) {
	if result.Meta.SessionName != "" && w.sessions.SessionExists(ctx, result.Meta.SessionName) {
		if out, err := w.sessions.CaptureOutput(ctx, result.Meta.SessionName, 80); err == nil && result.Status == domain.AgentFailed {
			log.Info("session tail before kill", slog.String("tail", out))
		}
		if err := w.sessions.KillSession(ctx, result.Meta.SessionName); err != nil {
			log.Warn("session kill failed", slog.String("error", err.Error()))
		}
	}

	switch {
	case strings.HasPrefix(strings.TrimSpace(result.Output), "BLOCKED"):
		_ = w.status.MarkBlocked(ctx, item, []string{result.Output})
	case result.Status == domain.AgentSuccess:
		_ = w.status.MarkDone(ctx, item, result.Output)
	default:
		reason := result.Error
		if reason == "" {
			reason = "agent did not complete the task"
		}
		_ = w.status.MarkFailed(ctx, item, reason)
	}

	for _, f := range []string{TaskFileName, DoneFileName} {
		if err := os.Remove(filepath.Join(workdir, f)); err != nil && !os.IsNotExist(err) {
			log.Warn("marker removal failed", slog.String("file", f), slog.String("error", err.Error()))
		}
	}
}
