package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristinday/ace/internal/domain"
)

func queueConfig() QueueConfig {
	return QueueConfig{
		Org:              "acme",
		ProjectName:      "Delivery",
		RepoOwner:        "acme",
		RepoName:         "web",
		AgentLabel:       "ai-agent",
		LocalAgentLabel:  "agent:local",
		RemoteAgentLabel: "agent:remote",
		ReadyStatus:      domain.StatusReady,
		ResumeInProgress: true,
	}
}

func boardItem(number int, status string, labels ...string) domain.BoardItem {
	return domain.BoardItem{
		ItemID:      "item",
		ContentType: "Issue",
		Number:      number,
		Title:       "issue",
		RepoOwner:   "acme",
		RepoName:    "web",
		Status:      status,
		Labels:      labels,
	}
}

func TestQueueBuild_ReadyItemsAdmittedByTarget(t *testing.T) {
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusReady: {
				boardItem(1, domain.StatusReady, "agent:remote"),
				boardItem(2, domain.StatusReady, "agent:local"),
			},
		},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{
		1: readyItem(1, "one", "agent:remote"),
		2: readyItem(2, "two", "agent:local"),
	}}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Number)

	items, err = q.Build(context.Background(), domain.TargetAny, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestQueueBuild_BlockedItemFiltered(t *testing.T) {
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusReady: {boardItem(7, domain.StatusReady, "agent:remote")},
		},
		blockers: map[int][]domain.BlockerIssue{
			7: {{Number: 3, State: "OPEN", RepoOwner: "acme", RepoName: "web"}},
		},
		statuses: map[int]string{3: domain.StatusInProgress},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{7: readyItem(7, "seven", "agent:remote")}}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueueBuild_DoneBlockerDoesNotBlock(t *testing.T) {
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusReady: {boardItem(7, domain.StatusReady, "agent:remote")},
		},
		blockers: map[int][]domain.BlockerIssue{
			7: {
				{Number: 3, State: "OPEN", RepoOwner: "acme", RepoName: "web"},
				{Number: 4, State: "CLOSED", RepoOwner: "acme", RepoName: "web"},
			},
		},
		statuses: map[int]string{3: domain.StatusDone},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{7: readyItem(7, "seven", "agent:remote")}}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestQueueBuild_ProcessedKeysSkipped(t *testing.T) {
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusReady: {boardItem(1, domain.StatusReady, "agent:remote")},
		},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{1: readyItem(1, "one", "agent:remote")}}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)

	processed := map[domain.WorkKey]bool{readyItem(1, "one", "agent:remote").Key(): true}
	items, err := q.Build(context.Background(), domain.TargetRemote, processed)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueueBuild_EarlierCategoryWinsByNumber(t *testing.T) {
	// issue 5 is both In Progress and Ready (stale board); the resume entry
	// wins and the ready entry is dropped.
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusInProgress: {boardItem(5, domain.StatusInProgress, "agent:remote")},
			domain.StatusReady:      {boardItem(5, domain.StatusReady, "agent:remote")},
		},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{5: readyItem(5, "five", "agent:remote")}}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.WorkKindInProgress, items[0].Kind)
}

func TestQueueBuild_InProgressWithHumanAssigneeSkipped(t *testing.T) {
	assigned := readyItem(9, "nine", "agent:remote")
	assigned.Assignee = "human"
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusInProgress: {boardItem(9, domain.StatusInProgress, "agent:remote")},
		},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{9: assigned}}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueueBuild_PRCommentsComeFirstWithDistinctKeys(t *testing.T) {
	pr := readyItem(17, "pr title", "ai-agent", "agent:remote")
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusReady: {boardItem(1, domain.StatusReady, "agent:remote")},
		},
	}
	issues := &fakeIssues{
		issues: map[int]domain.WorkItem{1: readyItem(1, "one", "agent:remote")},
		prs:    []domain.WorkItem{pr},
		comments: map[int][]domain.PRCommentRef{
			17: {
				{CommentID: 100, Path: "a.go", Line: 3, Body: "rename"},
				{CommentID: 101, Path: "b.go", Line: 9, Body: "simplify"},
			},
		},
	}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, domain.WorkKindPRComment, items[0].Kind)
	assert.Equal(t, domain.WorkKindPRComment, items[1].Kind)
	assert.NotEqual(t, items[0].Key(), items[1].Key())
	assert.Equal(t, domain.WorkKindReady, items[2].Kind)
	assert.Equal(t, domain.WorkKey("pr_comment:acme/web#17:100"), items[0].Key())
}

// stubReadySource serves scripted aux-server results.
type stubReadySource struct {
	items []domain.WorkItem
	err   error
	calls int
}

func (s *stubReadySource) ListReadyItems(_ domain.Context, _, _, _ string) ([]domain.WorkItem, error) {
	s.calls++
	return s.items, s.err
}

func TestQueueBuild_AuxiliarySourcePreferredForReadyItems(t *testing.T) {
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusReady: {boardItem(1, domain.StatusReady, "agent:remote")},
		},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{1: readyItem(1, "one", "agent:remote")}}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)
	src := &stubReadySource{items: []domain.WorkItem{readyItem(8, "eight", "agent:remote")}}
	q.SetReadySource(src)

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 8, items[0].Number)
	assert.Equal(t, 1, src.calls)
}

func TestQueueBuild_AuxiliarySourceFailureFallsBackToBoard(t *testing.T) {
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusReady: {boardItem(1, domain.StatusReady, "agent:remote")},
		},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{1: readyItem(1, "one", "agent:remote")}}
	q := NewQueueBuilder(board, issues, nil, queueConfig(), nil)
	q.SetReadySource(&stubReadySource{err: domain.ErrInternal})

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Number)
}

func TestQueueBuild_AuxiliaryItemsStillBlockerFiltered(t *testing.T) {
	board := &fakeBoard{
		projectID: "proj",
		blockers: map[int][]domain.BlockerIssue{
			8: {{Number: 3, State: "OPEN", RepoOwner: "acme", RepoName: "web"}},
		},
		statuses: map[int]string{3: domain.StatusInProgress},
	}
	q := NewQueueBuilder(board, &fakeIssues{}, nil, queueConfig(), nil)
	q.SetReadySource(&stubReadySource{items: []domain.WorkItem{readyItem(8, "eight", "agent:remote")}})

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

// reorderAdvisor returns a fixed key order.
type reorderAdvisor struct {
	keys []domain.WorkKey
}

func (a *reorderAdvisor) SelectOrder(_ domain.Context, _ []domain.WorkItem) ([]domain.WorkKey, error) {
	return a.keys, nil
}

func TestQueueBuild_AdvisorReorders(t *testing.T) {
	board := &fakeBoard{
		projectID: "proj",
		byStatus: map[string][]domain.BoardItem{
			domain.StatusReady: {
				boardItem(1, domain.StatusReady, "agent:remote"),
				boardItem(2, domain.StatusReady, "agent:remote"),
				boardItem(3, domain.StatusReady, "agent:remote"),
			},
		},
	}
	issues := &fakeIssues{issues: map[int]domain.WorkItem{
		1: readyItem(1, "one", "agent:remote"),
		2: readyItem(2, "two", "agent:remote"),
		3: readyItem(3, "three", "agent:remote"),
	}}
	advisor := &reorderAdvisor{keys: []domain.WorkKey{
		"ready:acme/web#3",
		"ready:acme/web#999", // fabricated, must be ignored
		"ready:acme/web#1",
	}}
	q := NewQueueBuilder(board, issues, advisor, queueConfig(), nil)

	items, err := q.Build(context.Background(), domain.TargetRemote, map[domain.WorkKey]bool{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, 3, items[0].Number)
	assert.Equal(t, 1, items[1].Number)
	// items absent from the advisor order keep original position at the end
	assert.Equal(t, 2, items[2].Number)
}
