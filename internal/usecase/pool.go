package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kristinday/ace/internal/adapter/observability"
	"github.com/kristinday/ace/internal/domain"
)

// QueueSource produces the ordered admissible items for one pass.
type QueueSource interface {
	Build(ctx domain.Context, target domain.AgentTarget, processed map[domain.WorkKey]bool) ([]domain.WorkItem, error)
}

// ItemRunner drives one item to a terminal state.
type ItemRunner interface {
	Run(ctx domain.Context, item domain.WorkItem) (domain.AgentResult, error)
}

// Pool owns the fixed slot table and drives per-item workflows. The slot
// table is single-writer: every mutation happens under mu, and pool passes
// are never issued concurrently.
type Pool struct {
	target    domain.AgentTarget
	queue     QueueSource
	workflow  ItemRunner
	reclaimer *Reclaimer // nil disables reclamation
	notifier  domain.Notifier
	log       *slog.Logger

	mu              sync.Mutex
	slots           []*domain.AgentSlot
	processed       map[domain.WorkKey]bool
	maxIssuesPerRun int
	sessionCount    int
	fatalErr        string
	running         bool
	completedCount  int
	failedCount     int

	passMu sync.Mutex // serializes ProcessWorkQueue passes
	wg     sync.WaitGroup

	sleep func(domain.Context, time.Duration)
}

// NewPool builds a pool with maxAgents slots for the given target.
func NewPool(target domain.AgentTarget, maxAgents int, queue QueueSource, workflow ItemRunner, reclaimer *Reclaimer, notifier domain.Notifier, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	slots := make([]*domain.AgentSlot, maxAgents)
	for i := range slots {
		slots[i] = &domain.AgentSlot{ID: i, State: domain.SlotIdle}
	}
	return &Pool{
		target:    target,
		queue:     queue,
		workflow:  workflow,
		reclaimer: reclaimer,
		notifier:  notifier,
		log:       log.With(slog.String("target", string(target))),
		slots:     slots,
		processed: map[domain.WorkKey]bool{},
		sleep:     sleepCtx,
	}
}

// SetMaxIssuesPerRun caps spawns per run; 0 means unlimited.
func (p *Pool) SetMaxIssuesPerRun(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxIssuesPerRun = n
}

// Status returns a point-in-time snapshot of the slot table.
func (p *Pool) Status() domain.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := domain.PoolStatus{
		TotalSlots:     len(p.slots),
		CompletedCount: p.completedCount,
		FailedCount:    p.failedCount,
	}
	for _, s := range p.slots {
		if s.State == domain.SlotRunning {
			st.ActiveAgents++
			st.ActiveWorkKeys = append(st.ActiveWorkKeys, s.Key)
		} else {
			st.IdleSlots++
		}
	}
	return st
}

// ActiveIssueNumbers reports the issue numbers currently held by running
// slots; the reclaimer uses this to protect live workspaces.
func (p *Pool) ActiveIssueNumbers() map[int]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[int]bool{}
	for _, s := range p.slots {
		if s.State == domain.SlotRunning && s.Item != nil {
			out[s.Item.Number] = true
		}
	}
	return out
}

// FatalError returns the latched fatal error string, if any.
func (p *Pool) FatalError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

func (p *Pool) setFatal(msg string) {
	p.mu.Lock()
	if p.fatalErr == "" {
		if !strings.HasPrefix(msg, domain.FatalPrefix) {
			msg = domain.FatalPrefix + " " + msg
		}
		p.fatalErr = msg
		p.running = false
	}
	notifier := p.notifier
	latched := p.fatalErr
	p.mu.Unlock()

	p.log.Error("pool fatal error latched", slog.String("error", latched))
	if notifier != nil {
		if err := notifier.Notify(context.Background(), "ace pool fatal: "+latched); err != nil {
			p.log.Warn("fatal notification failed", slog.String("error", err.Error()))
		}
	}
}

// ProcessWorkQueue runs one scheduling pass: build the queue and spawn items
// into idle slots. Returns the pass report; the error is the latched fatal
// if one exists.
func (p *Pool) ProcessWorkQueue(ctx domain.Context) (domain.QueueReport, error) {
	p.passMu.Lock()
	defer p.passMu.Unlock()

	if fatal := p.FatalError(); fatal != "" {
		return domain.QueueReport{Status: "fatal", Pool: p.Status()}, errors.New(fatal)
	}

	p.mu.Lock()
	processedCopy := make(map[domain.WorkKey]bool, len(p.processed))
	for k := range p.processed {
		processedCopy[k] = true
	}
	p.mu.Unlock()

	items, err := p.queue.Build(ctx, p.target, processedCopy)
	if err != nil {
		p.log.Warn("queue build failed", slog.String("error", err.Error()))
		return domain.QueueReport{Status: "error", Pool: p.Status()}, err
	}

	spawned, skipped := 0, 0
	for i, item := range items {
		ok, reason := p.spawnAgent(ctx, item)
		if ok {
			spawned++
			continue
		}
		if reason == "capacity" || reason == "limit" {
			// nothing further can spawn this pass; the rest are skipped too
			skipped += len(items) - i
			break
		}
		skipped++
	}
	report := domain.QueueReport{Status: "ok", Spawned: spawned, Skipped: skipped, Pool: p.Status()}
	p.log.Info("queue pass complete", slog.Int("spawned", spawned), slog.Int("skipped", skipped))
	return report, nil
}

// spawnAgent atomically reserves an idle slot, marks the key processed, and
// launches the workflow. The reservation happens before the workflow starts
// so two passes can never double-book a slot or a key.
func (p *Pool) spawnAgent(ctx domain.Context, item domain.WorkItem) (bool, string) {
	key := item.Key()

	p.mu.Lock()
	if p.processed[key] {
		p.mu.Unlock()
		return false, "processed"
	}
	if p.maxIssuesPerRun > 0 && p.sessionCount >= p.maxIssuesPerRun {
		p.mu.Unlock()
		return false, "limit"
	}
	var slot *domain.AgentSlot
	for _, s := range p.slots {
		if s.State == domain.SlotIdle {
			slot = s
			break
		}
	}
	if slot == nil {
		p.mu.Unlock()
		return false, "capacity"
	}
	itemCopy := item
	slot.State = domain.SlotRunning
	slot.Key = key
	slot.Item = &itemCopy
	slot.StartedAt = time.Now()
	slot.Err = ""
	p.processed[key] = true
	p.sessionCount++
	p.mu.Unlock()

	observability.ActiveAgents.Inc()
	p.wg.Add(1)
	go p.runSlot(ctx, slot, itemCopy)
	return true, ""
}

func (p *Pool) runSlot(ctx domain.Context, slot *domain.AgentSlot, item domain.WorkItem) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.setFatal(fmt.Sprintf("workflow panic on %s: %v", item.Key(), r))
		}
		// slot finalization
		p.mu.Lock()
		slot.State = domain.SlotIdle
		slot.Key = ""
		slot.Item = nil
		slot.CompletedAt = time.Now()
		p.mu.Unlock()
		observability.ActiveAgents.Dec()
		p.wg.Done()
	}()

	result, err := p.workflow.Run(ctx, item)
	observability.AgentDurationSeconds.WithLabelValues(result.Meta.Backend).Observe(time.Since(started).Seconds())

	p.mu.Lock()
	if result.Status == domain.AgentSuccess {
		p.completedCount++
	} else {
		p.failedCount++
		slot.Err = result.Error
	}
	p.mu.Unlock()

	if err != nil && domain.IsFatal(err) {
		p.setFatal(err.Error())
	}
}

// RunContinuous loops queue passes plus reclaimer ticks until Stop is called
// or a fatal error latches, in which case the fatal is returned.
func (p *Pool) RunContinuous(ctx domain.Context, pollInterval time.Duration) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	for {
		if err := p.checkStop(ctx); err != nil || !p.isRunning() {
			return err
		}
		if _, err := p.ProcessWorkQueue(ctx); err != nil {
			return err
		}
		if p.reclaimer != nil {
			p.reclaimer.Tick(ctx, p.ActiveIssueNumbers())
		}
		p.sleep(ctx, pollInterval)
	}
}

// RunUntilEmpty drains: it loops until a pass spawns zero items, every slot
// is idle, and a final re-query yields an empty queue.
func (p *Pool) RunUntilEmpty(ctx domain.Context, checkInterval time.Duration) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	for {
		if err := p.checkStop(ctx); err != nil || !p.isRunning() {
			return err
		}
		report, err := p.ProcessWorkQueue(ctx)
		if err != nil {
			return err
		}
		if report.Spawned == 0 && report.Pool.ActiveAgents == 0 {
			// the run-wide issue cap stops the drain even while admissible
			// items remain; re-querying would loop forever
			if p.limitReached() {
				p.log.Info("drain stopped at issue cap", slog.Int("completed", p.Status().CompletedCount))
				return nil
			}
			p.mu.Lock()
			processedCopy := make(map[domain.WorkKey]bool, len(p.processed))
			for k := range p.processed {
				processedCopy[k] = true
			}
			p.mu.Unlock()
			remaining, err := p.queue.Build(ctx, p.target, processedCopy)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				p.log.Info("drain complete", slog.Int("completed", p.Status().CompletedCount))
				return nil
			}
		}
		if p.reclaimer != nil {
			p.reclaimer.Tick(ctx, p.ActiveIssueNumbers())
		}
		p.sleep(ctx, checkInterval)
	}
}

func (p *Pool) checkStop(ctx domain.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fatal := p.FatalError(); fatal != "" {
		return errors.New(fatal)
	}
	return nil
}

func (p *Pool) limitReached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxIssuesPerRun > 0 && p.sessionCount >= p.maxIssuesPerRun
}

func (p *Pool) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Running reports whether any slot is currently executing.
func (p *Pool) Running() bool {
	return p.Status().ActiveAgents > 0
}

// Stop requests cooperative shutdown; loops observe it at their next sleep
// boundary.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Shutdown stops the pool and waits up to 30s for in-flight workflows to
// drain. Workflows are not forcibly cancelled.
func (p *Pool) Shutdown() error {
	p.Stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("op=pool.Shutdown: in-flight workflows did not drain within 30s")
	}
}
