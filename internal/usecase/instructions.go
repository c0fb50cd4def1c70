// Package usecase contains the orchestrator core: queue construction, the
// agent pool, the per-item workflow, instruction building, and resource
// reclamation. It depends only on domain ports.
package usecase

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kristinday/ace/internal/domain"
)

// TaskFileName is the directive document consumed by the external CLI.
const TaskFileName = "ACE_TASK.md"

// DoneFileName is the completion sentinel written by the external CLI.
const DoneFileName = "ACE_TASK_DONE.json"

// refusalPhrases is the fixed set of markers that convert model output into
// an instruction_refusal failure. Matching is case-folded with curly quotes
// normalized first.
var refusalPhrases = []string{
	"i'm sorry",
	"i am sorry",
	"i cannot help",
	"i can't help",
	"i cannot assist",
	"i can't assist",
	"cannot help with that",
	"can't help with that",
	"cannot assist with that",
	"can't assist with that",
	"i won't be able to",
	"i will not help",
	"as an ai, i cannot",
}

var quoteNormalizer = strings.NewReplacer(
	"‘", "'", "’", "'",
	"“", `"`, "”", `"`,
)

// ContainsRefusal reports whether text carries a known refusal phrase after
// case-folding and quote normalization.
func ContainsRefusal(text string) bool {
	folded := strings.ToLower(quoteNormalizer.Replace(text))
	for _, phrase := range refusalPhrases {
		if strings.Contains(folded, phrase) {
			return true
		}
	}
	return false
}

// looksLikeEventDump detects raw model event records leaking into the output
// instead of instructions.
func looksLikeEventDump(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, marker := range []string{`{"type":"`, `{"event":`, `"delta":{`, "event: content_block"} {
		if strings.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}

// Builder turns a work item into the directive document via a chat model.
type Builder struct {
	chat domain.ChatClient
}

// NewBuilder constructs an instruction builder.
func NewBuilder(chat domain.ChatClient) *Builder {
	return &Builder{chat: chat}
}

var _ domain.Instructions = (*Builder)(nil)

const instructionPromptTemplate = `You are preparing work instructions for an autonomous coding agent.

Issue title: %s

Issue body:
%s
%s%s
Write clear, step-by-step instructions for completing this issue. Be concrete
about files, commands, and acceptance criteria. Output only the instructions.`

// Build produces the instruction text for an item. It fails fast with an
// instruction_refusal when the model output is empty, looks like a raw event
// dump, or contains a refusal phrase.
func (b *Builder) Build(ctx domain.Context, item domain.WorkItem, conventions, prContext string) (string, error) {
	var conv, prc string
	if conventions != "" {
		conv = "\nRepository conventions:\n" + conventions + "\n"
	}
	if prContext != "" {
		prc = "\nPull-request review context:\n" + prContext + "\n"
	}
	prompt := fmt.Sprintf(instructionPromptTemplate, item.Title, item.Body, conv, prc)

	out, err := b.chat.Complete(ctx, prompt, 4000)
	if err != nil {
		return "", fmt.Errorf("op=instructions.Build issue=%d: %w", item.Number, err)
	}
	if err := ValidateInstructions(out); err != nil {
		return "", err
	}
	return out, nil
}

// ValidateInstructions applies the fail-fast checks to generated text.
func ValidateInstructions(text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.NewFailure(domain.FailRefusal, "instruction text is empty")
	}
	if looksLikeEventDump(text) {
		return domain.NewFailure(domain.FailRefusal, "instruction text looks like a raw model event record")
	}
	if ContainsRefusal(text) {
		return domain.NewFailure(domain.FailRefusal, "instruction text contains a refusal phrase")
	}
	return nil
}

// TaskDocParams feeds the directive document template.
type TaskDocParams struct {
	TaskID          string
	Title           string
	Instructions    string
	Branch          string
	BlockedAssignee string
	MCPServerName   string
}

// RenderTaskDoc assembles the directive document: the task header, the
// generated instructions, and the three appended protocol sections.
func RenderTaskDoc(p TaskDocParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s: %s\n\n", p.TaskID, p.Title)
	b.WriteString(strings.TrimSpace(p.Instructions))
	b.WriteString("\n\n## GitHub MCP Access\n\n")
	fmt.Fprintf(&b, "A protocol server named `%s` is configured for this workspace. Use it for all issue, PR, and repository operations instead of raw API calls.\n", p.MCPServerName)
	b.WriteString("\n## Blocked Protocol\n\n")
	b.WriteString("If you cannot continue without human input, post an issue comment that begins with `BLOCKED - Agent Needs Input` listing your questions")
	if p.BlockedAssignee != "" {
		fmt.Fprintf(&b, " and mention @%s", p.BlockedAssignee)
	}
	b.WriteString(". Then stop working.\n")
	b.WriteString("\n## Completion Protocol\n\n")
	fmt.Fprintf(&b, "Commit your work to branch `%s`. When the task is complete, write a file named `%s` in the workspace root containing JSON with exactly these keys:\n\n", p.Branch, DoneFileName)
	b.WriteString("```json\n{\n  \"task_id\": \"" + p.TaskID + "\",\n  \"summary\": \"what you did\",\n  \"files_changed\": [\"path/one\"],\n  \"commands_run\": [\"go test ./...\"]\n}\n```\n")
	return b.String()
}

// WriteTaskDoc writes the directive document into the workspace root and
// returns its path.
func WriteTaskDoc(workdir string, p TaskDocParams) (string, error) {
	path := filepath.Join(workdir, TaskFileName)
	if err := os.WriteFile(path, []byte(RenderTaskDoc(p)), 0o644); err != nil {
		return "", fmt.Errorf("op=usecase.WriteTaskDoc: %w", err)
	}
	return path, nil
}
