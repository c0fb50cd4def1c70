package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristinday/ace/internal/domain"
)

func TestPool_SpawnsUpToCapacity(t *testing.T) {
	items := []domain.WorkItem{
		readyItem(1, "one", "agent:remote"),
		readyItem(2, "two", "agent:remote"),
		readyItem(3, "three", "agent:remote"),
	}
	queue := &stubQueue{lists: [][]domain.WorkItem{items, items}}
	runner := &stubRunner{
		release: make(chan struct{}),
		result:  domain.AgentResult{Status: domain.AgentSuccess},
	}
	p := NewPool(domain.TargetRemote, 2, queue, runner, nil, nil, nil)

	report, err := p.ProcessWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Spawned)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Pool.ActiveAgents)
	assert.Equal(t, 0, report.Pool.IdleSlots)

	close(runner.release)
	require.NoError(t, p.Shutdown())

	// with the first two done, the remaining item fits
	report, err = p.ProcessWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Spawned)

	require.NoError(t, p.Shutdown())
	assert.Equal(t, 3, runner.runCount())
	assert.Equal(t, 3, p.Status().CompletedCount)
}

func TestPool_NeverRunsSameKeyTwice(t *testing.T) {
	item := readyItem(1, "one", "agent:remote")
	queue := &stubQueue{lists: [][]domain.WorkItem{{item}, {item}, {item}}}
	runner := &stubRunner{result: domain.AgentResult{Status: domain.AgentSuccess}}
	p := NewPool(domain.TargetRemote, 2, queue, runner, nil, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := p.ProcessWorkQueue(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, p.Shutdown())
	assert.Equal(t, 1, runner.runCount())
}

func TestPool_MaxIssuesPerRunLimitsSpawns(t *testing.T) {
	items := []domain.WorkItem{
		readyItem(1, "one", "agent:remote"),
		readyItem(2, "two", "agent:remote"),
		readyItem(3, "three", "agent:remote"),
	}
	queue := &stubQueue{lists: [][]domain.WorkItem{items, items}}
	runner := &stubRunner{result: domain.AgentResult{Status: domain.AgentSuccess}}
	p := NewPool(domain.TargetRemote, 5, queue, runner, nil, nil, nil)
	p.SetMaxIssuesPerRun(2)

	report, err := p.ProcessWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Spawned)
	require.NoError(t, p.Shutdown())

	// the cap counts sessions for the whole run, not per pass
	report, err = p.ProcessWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Spawned)
	require.NoError(t, p.Shutdown())
	assert.Equal(t, 2, runner.runCount())
}

func TestPool_RunUntilEmptyStopsAtIssueCap(t *testing.T) {
	items := []domain.WorkItem{
		readyItem(1, "one", "agent:remote"),
		readyItem(2, "two", "agent:remote"),
		readyItem(3, "three", "agent:remote"),
	}
	// the queue keeps offering the unprocessed items on every pass
	queue := &stubQueue{lists: [][]domain.WorkItem{items, items, items, items, items}}
	runner := &stubRunner{result: domain.AgentResult{Status: domain.AgentSuccess}}
	p := NewPool(domain.TargetRemote, 5, queue, runner, nil, nil, nil)
	p.SetMaxIssuesPerRun(1)
	p.sleep = func(domain.Context, time.Duration) {}

	done := make(chan error, 1)
	go func() { done <- p.RunUntilEmpty(context.Background(), time.Millisecond) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not stop at the issue cap")
	}
	require.NoError(t, p.Shutdown())
	assert.Equal(t, 1, runner.runCount())
	assert.Equal(t, 1, p.Status().CompletedCount)
}

func TestPool_SkippedCountsEveryUnspawnedItem(t *testing.T) {
	items := []domain.WorkItem{
		readyItem(1, "one", "agent:remote"),
		readyItem(2, "two", "agent:remote"),
		readyItem(3, "three", "agent:remote"),
	}
	queue := &stubQueue{lists: [][]domain.WorkItem{items}}
	runner := &stubRunner{
		release: make(chan struct{}),
		result:  domain.AgentResult{Status: domain.AgentSuccess},
	}
	p := NewPool(domain.TargetRemote, 1, queue, runner, nil, nil, nil)

	report, err := p.ProcessWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Spawned)
	assert.Equal(t, 2, report.Skipped)

	close(runner.release)
	require.NoError(t, p.Shutdown())
}

func TestPool_ZeroMaxIssuesMeansUnlimited(t *testing.T) {
	items := []domain.WorkItem{
		readyItem(1, "one", "agent:remote"),
		readyItem(2, "two", "agent:remote"),
		readyItem(3, "three", "agent:remote"),
	}
	queue := &stubQueue{lists: [][]domain.WorkItem{items}}
	runner := &stubRunner{result: domain.AgentResult{Status: domain.AgentSuccess}}
	p := NewPool(domain.TargetRemote, 5, queue, runner, nil, nil, nil)

	report, err := p.ProcessWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Spawned)
	require.NoError(t, p.Shutdown())
}

func TestPool_FatalErrorLatchesAndStopsPasses(t *testing.T) {
	queue := &stubQueue{lists: [][]domain.WorkItem{
		{readyItem(1, "one", "agent:remote")},
		{readyItem(2, "two", "agent:remote")},
	}}
	runner := &stubRunner{
		result: domain.AgentResult{Status: domain.AgentFailed, Error: "github token missing"},
		err:    domain.NewFatal(domain.FailCredentialMissing, "github token missing"),
	}
	p := NewPool(domain.TargetRemote, 2, queue, runner, nil, nil, nil)

	_, err := p.ProcessWorkQueue(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Shutdown())

	fatal := p.FatalError()
	require.NotEmpty(t, fatal)
	assert.Contains(t, fatal, domain.FatalPrefix)
	assert.Contains(t, fatal, "github token missing")

	report, err := p.ProcessWorkQueue(context.Background())
	require.Error(t, err)
	assert.Equal(t, "fatal", report.Status)
	assert.Equal(t, 1, runner.runCount())
}

func TestPool_RunUntilEmptyDrains(t *testing.T) {
	item := readyItem(1, "one", "agent:remote")
	queue := &stubQueue{lists: [][]domain.WorkItem{{item}, {item}, {item}, {item}}}
	runner := &stubRunner{result: domain.AgentResult{Status: domain.AgentSuccess}}
	p := NewPool(domain.TargetRemote, 2, queue, runner, nil, nil, nil)
	p.sleep = func(domain.Context, time.Duration) {}

	done := make(chan error, 1)
	go func() { done <- p.RunUntilEmpty(context.Background(), time.Millisecond) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not complete")
	}
	assert.Equal(t, 1, runner.runCount())
	assert.Equal(t, 1, p.Status().CompletedCount)
}

func TestPool_StopEndsContinuousLoop(t *testing.T) {
	queue := &stubQueue{}
	runner := &stubRunner{result: domain.AgentResult{Status: domain.AgentSuccess}}
	p := NewPool(domain.TargetRemote, 1, queue, runner, nil, nil, nil)
	stepped := make(chan struct{}, 64)
	p.sleep = func(ctx domain.Context, _ time.Duration) {
		select {
		case stepped <- struct{}{}:
		default:
		}
	}

	done := make(chan error, 1)
	go func() { done <- p.RunContinuous(context.Background(), time.Millisecond) }()

	<-stepped
	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("continuous loop did not stop")
	}
}

func TestPool_ActiveIssueNumbers(t *testing.T) {
	queue := &stubQueue{lists: [][]domain.WorkItem{{readyItem(42, "one", "agent:remote")}}}
	runner := &stubRunner{
		release: make(chan struct{}),
		result:  domain.AgentResult{Status: domain.AgentSuccess},
	}
	p := NewPool(domain.TargetRemote, 1, queue, runner, nil, nil, nil)

	_, err := p.ProcessWorkQueue(context.Background())
	require.NoError(t, err)
	assert.True(t, p.ActiveIssueNumbers()[42])
	assert.True(t, p.Running())

	close(runner.release)
	require.NoError(t, p.Shutdown())
	assert.Empty(t, p.ActiveIssueNumbers())
	assert.False(t, p.Running())
}
