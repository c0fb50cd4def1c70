package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kristinday/ace/internal/domain"
)

// Manager is the advisory queue re-orderer. It shows the classified queue to
// a chat model and lets it inspect issues through a bounded tool loop before
// returning an ordered subsequence of WorkKeys. It is purely advisory:
// failures or nonsense answers leave the original order untouched.
type Manager struct {
	chat     domain.ChatClient
	issues   domain.Issues
	board    domain.Board
	maxTurns int
	log      *slog.Logger
}

// NewManager builds a manager advisor. maxTurns bounds the tool loop.
func NewManager(chat domain.ChatClient, issues domain.Issues, board domain.Board, maxTurns int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if maxTurns <= 0 {
		maxTurns = 6
	}
	return &Manager{chat: chat, issues: issues, board: board, maxTurns: maxTurns, log: log}
}

var _ domain.Advisor = (*Manager)(nil)

const managerPromptHeader = `You are a delivery manager prioritizing a queue of work items for autonomous
coding agents. Order the items so that blockers of other work, quick wins,
and user-facing fixes come first.

You may inspect items before deciding by replying with exactly one JSON
object: {"tool": "get_issue", "number": N} or {"tool": "list_blockers", "number": N}.

When you have decided, reply with only a JSON array of work keys in priority
order, for example: ["ready:acme/web#42", "ready:acme/web#7"].

Queue:
`

// SelectOrder asks the model for a priority order. The returned keys are a
// subsequence of the input items' keys; fabricated keys are dropped by the
// caller.
func (m *Manager) SelectOrder(ctx domain.Context, items []domain.WorkItem) ([]domain.WorkKey, error) {
	var b strings.Builder
	b.WriteString(managerPromptHeader)
	for _, item := range items {
		fmt.Fprintf(&b, "- %s | %s | labels: %s\n", item.Key(), item.Title, strings.Join(item.Labels, ","))
	}
	prompt := b.String()

	for turn := 0; turn < m.maxTurns; turn++ {
		out, err := m.chat.Complete(ctx, prompt, 1000)
		if err != nil {
			return nil, fmt.Errorf("op=manager.SelectOrder: %w", err)
		}
		if keys, ok := parseKeyArray(out); ok {
			return keys, nil
		}
		tool, number, ok := parseToolCall(out)
		if !ok {
			m.log.Warn("advisor reply unparseable, keeping original order")
			return nil, nil
		}
		observation := m.runTool(ctx, tool, number, items)
		prompt += fmt.Sprintf("\n[%s #%d]\n%s\n", tool, number, observation)
	}
	m.log.Warn("advisor tool loop exhausted, keeping original order")
	return nil, nil
}

func (m *Manager) runTool(ctx domain.Context, tool string, number int, items []domain.WorkItem) string {
	owner, repo := "", ""
	for _, item := range items {
		if item.Number == number {
			owner, repo = item.RepoOwner, item.RepoName
			break
		}
	}
	if owner == "" && len(items) > 0 {
		owner, repo = items[0].RepoOwner, items[0].RepoName
	}
	switch tool {
	case "get_issue":
		item, err := m.issues.GetIssue(ctx, owner, repo, number)
		if err != nil {
			return "error: " + err.Error()
		}
		body := item.Body
		if len(body) > 1500 {
			body = body[:1500] + "..."
		}
		return fmt.Sprintf("title: %s\nstate: %s\nbody: %s", item.Title, item.State, body)
	case "list_blockers":
		blockers := m.board.GetIssueBlockers(ctx, owner, repo, number)
		if len(blockers) == 0 {
			return "no blockers"
		}
		var b strings.Builder
		for _, bl := range blockers {
			fmt.Fprintf(&b, "#%d %s (%s)\n", bl.Number, bl.Title, bl.State)
		}
		return b.String()
	}
	return "unknown tool"
}

// parseKeyArray extracts a JSON array of strings, tolerating markdown code
// fences around the payload.
func parseKeyArray(text string) ([]domain.WorkKey, bool) {
	payload := stripFences(text)
	start := strings.Index(payload, "[")
	end := strings.LastIndex(payload, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var raw []string
	if err := json.Unmarshal([]byte(payload[start:end+1]), &raw); err != nil {
		return nil, false
	}
	keys := make([]domain.WorkKey, 0, len(raw))
	for _, s := range raw {
		keys = append(keys, domain.WorkKey(s))
	}
	return keys, true
}

func parseToolCall(text string) (string, int, bool) {
	payload := stripFences(text)
	start := strings.Index(payload, "{")
	end := strings.LastIndex(payload, "}")
	if start < 0 || end <= start {
		return "", 0, false
	}
	var call struct {
		Tool   string `json:"tool"`
		Number int    `json:"number"`
	}
	if err := json.Unmarshal([]byte(payload[start:end+1]), &call); err != nil || call.Tool == "" {
		return "", 0, false
	}
	return call.Tool, call.Number, true
}

func stripFences(text string) string {
	out := strings.TrimSpace(text)
	if strings.HasPrefix(out, "```") {
		out = strings.TrimPrefix(out, "```json")
		out = strings.TrimPrefix(out, "```")
		if i := strings.LastIndex(out, "```"); i >= 0 {
			out = out[:i]
		}
	}
	return strings.TrimSpace(out)
}
