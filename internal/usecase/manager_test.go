package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristinday/ace/internal/domain"
)

func managerItems() []domain.WorkItem {
	return []domain.WorkItem{
		readyItem(1, "one", "agent:remote"),
		readyItem(2, "two", "agent:remote"),
	}
}

func TestManager_DirectKeyArray(t *testing.T) {
	chat := &fakeChat{responses: []string{`["ready:acme/web#2", "ready:acme/web#1"]`}}
	m := NewManager(chat, &fakeIssues{}, &fakeBoard{}, 6, nil)

	keys, err := m.SelectOrder(context.Background(), managerItems())
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkKey{"ready:acme/web#2", "ready:acme/web#1"}, keys)
	require.Len(t, chat.prompts, 1)
	assert.Contains(t, chat.prompts[0], "ready:acme/web#1 | one")
}

func TestManager_FencedKeyArray(t *testing.T) {
	chat := &fakeChat{responses: []string{"```json\n[\"ready:acme/web#1\"]\n```"}}
	m := NewManager(chat, &fakeIssues{}, &fakeBoard{}, 6, nil)

	keys, err := m.SelectOrder(context.Background(), managerItems())
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkKey{"ready:acme/web#1"}, keys)
}

func TestManager_ToolLoopThenDecision(t *testing.T) {
	chat := &fakeChat{responses: []string{
		`{"tool": "get_issue", "number": 1}`,
		`["ready:acme/web#1", "ready:acme/web#2"]`,
	}}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{
		1: {Number: 1, Title: "one", State: "open", Body: "fixes the login flow"},
	}}
	m := NewManager(chat, issues, &fakeBoard{}, 6, nil)

	keys, err := m.SelectOrder(context.Background(), managerItems())
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	require.Len(t, chat.prompts, 2)
	assert.Contains(t, chat.prompts[1], "[get_issue #1]")
	assert.Contains(t, chat.prompts[1], "fixes the login flow")
}

func TestManager_ListBlockersTool(t *testing.T) {
	chat := &fakeChat{responses: []string{
		`{"tool": "list_blockers", "number": 2}`,
		`["ready:acme/web#2"]`,
	}}
	board := &fakeBoard{blockers: map[int][]domain.BlockerIssue{
		2: {{Number: 8, Title: "schema migration", State: "OPEN"}},
	}}
	m := NewManager(chat, &fakeIssues{}, board, 6, nil)

	_, err := m.SelectOrder(context.Background(), managerItems())
	require.NoError(t, err)
	require.Len(t, chat.prompts, 2)
	assert.Contains(t, chat.prompts[1], "#8 schema migration (OPEN)")
}

func TestManager_UnparseableReplyKeepsOriginalOrder(t *testing.T) {
	chat := &fakeChat{responses: []string{"I think item two looks more urgent."}}
	m := NewManager(chat, &fakeIssues{}, &fakeBoard{}, 6, nil)

	keys, err := m.SelectOrder(context.Background(), managerItems())
	require.NoError(t, err)
	assert.Nil(t, keys)
}

func TestManager_TurnBudgetExhausted(t *testing.T) {
	chat := &fakeChat{responses: []string{
		`{"tool": "get_issue", "number": 1}`,
		`{"tool": "get_issue", "number": 2}`,
		`{"tool": "get_issue", "number": 1}`,
	}}
	m := NewManager(chat, &fakeIssues{}, &fakeBoard{}, 2, nil)

	keys, err := m.SelectOrder(context.Background(), managerItems())
	require.NoError(t, err)
	assert.Nil(t, keys)
	assert.Len(t, chat.prompts, 2)
}
