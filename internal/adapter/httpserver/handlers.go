package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// PoolHandle is the slice of the agent pool the control surface drives.
type PoolHandle interface {
	ProcessWorkQueue(ctx domain.Context) (domain.QueueReport, error)
	RunContinuous(ctx domain.Context, pollInterval time.Duration) error
	RunUntilEmpty(ctx domain.Context, checkInterval time.Duration) error
	Status() domain.PoolStatus
	FatalError() string
	Running() bool
	Stop()
}

// SchedulerHandle is the slice of the daily scheduler the control surface
// drives.
type SchedulerHandle interface {
	Start(ctx domain.Context)
	Stop()
	Status() SchedulerState
}

// SchedulerState mirrors the scheduler's status projection so the handler
// package does not depend on the usecase package.
type SchedulerState struct {
	Running  bool   `json:"running"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	NextRun  string `json:"next_run,omitempty"`
}

// Server aggregates handler dependencies.
type Server struct {
	Version       string
	Pools         map[domain.AgentTarget]PoolHandle
	Scheduler     SchedulerHandle // nil when the scheduler is disabled
	Status        domain.StatusReporter
	WebhookSecret string
	PollInterval  time.Duration
	Log           *slog.Logger

	mu    sync.Mutex
	loops map[domain.AgentTarget]string // target -> "continuous" | "drain"
}

// NewServer constructs the control-surface server.
func NewServer(version string, pools map[domain.AgentTarget]PoolHandle, scheduler SchedulerHandle, status domain.StatusReporter, webhookSecret string, pollInterval time.Duration, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Version:       version,
		Pools:         pools,
		Scheduler:     scheduler,
		Status:        status,
		WebhookSecret: webhookSecret,
		PollInterval:  pollInterval,
		Log:           log,
		loops:         map[domain.AgentTarget]string{},
	}
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.Version})
	}
}

func (s *Server) poolFor(r *http.Request) (domain.AgentTarget, PoolHandle, error) {
	target, err := domain.ParseTarget(r.URL.Query().Get("target"))
	if err != nil {
		return "", nil, err
	}
	pool, ok := s.Pools[target]
	if !ok {
		return "", nil, fmt.Errorf("%w: no pool for target %q", domain.ErrNotFound, target)
	}
	return target, pool, nil
}

// AgentStatusHandler reports the pool snapshot for a target.
func (s *Server) AgentStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, pool, err := s.poolFor(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.mu.Lock()
		mode := s.loops[target]
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"target":      target,
			"mode":        mode,
			"pool":        pool.Status(),
			"fatal_error": pool.FatalError(),
		})
	}
}

// SpawnHandler runs one synchronous scheduling pass.
func (s *Server) SpawnHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, pool, err := s.poolFor(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		report, err := pool.ProcessWorkQueue(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// RunHandler starts a background drain run for the target. A second run
// request while one is active returns 409.
func (s *Server) RunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.startLoop(w, r, "drain", func(ctx domain.Context, pool PoolHandle) error {
			return pool.RunUntilEmpty(ctx, s.PollInterval)
		})
	}
}

// StartHandler starts the continuous scheduling loop for the target.
func (s *Server) StartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.startLoop(w, r, "continuous", func(ctx domain.Context, pool PoolHandle) error {
			return pool.RunContinuous(ctx, s.PollInterval)
		})
	}
}

func (s *Server) startLoop(w http.ResponseWriter, r *http.Request, mode string, run func(domain.Context, PoolHandle) error) {
	target, pool, err := s.poolFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// a drain must not start while agents spawned outside a loop are active
	if mode == "drain" && pool.Running() {
		writeError(w, r, fmt.Errorf("%w: agents already running for target %q", domain.ErrConflict, target))
		return
	}
	s.mu.Lock()
	if current := s.loops[target]; current != "" {
		s.mu.Unlock()
		writeError(w, r, fmt.Errorf("%w: %s loop already running for target %q", domain.ErrConflict, current, target))
		return
	}
	s.loops[target] = mode
	s.mu.Unlock()

	go func() {
		// detached from the request context; Stop ends the loop
		err := run(context.Background(), pool)
		s.mu.Lock()
		delete(s.loops, target)
		s.mu.Unlock()
		if err != nil {
			s.Log.Error("pool loop ended with error",
				slog.String("target", string(target)),
				slog.String("mode", mode),
				slog.String("error", err.Error()))
			return
		}
		s.Log.Info("pool loop finished", slog.String("target", string(target)), slog.String("mode", mode))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "mode": mode, "target": string(target)})
}

// StopHandler requests cooperative shutdown of the target's loop.
func (s *Server) StopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, pool, err := s.poolFor(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		pool.Stop()
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "target": string(target)})
	}
}

func (s *Server) schedulerOr404(w http.ResponseWriter, r *http.Request) (SchedulerHandle, bool) {
	if s.Scheduler == nil {
		writeError(w, r, fmt.Errorf("%w: scheduler is not configured", domain.ErrNotFound))
		return nil, false
	}
	return s.Scheduler, true
}

// SchedulerStartHandler starts the daily drain scheduler.
func (s *Server) SchedulerStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, ok := s.schedulerOr404(w, r)
		if !ok {
			return
		}
		sched.Start(context.Background())
		writeJSON(w, http.StatusOK, sched.Status())
	}
}

// SchedulerStopHandler stops the daily drain scheduler.
func (s *Server) SchedulerStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, ok := s.schedulerOr404(w, r)
		if !ok {
			return
		}
		sched.Stop()
		writeJSON(w, http.StatusOK, sched.Status())
	}
}

// SchedulerStatusHandler reports the scheduler state.
func (s *Server) SchedulerStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, ok := s.schedulerOr404(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sched.Status())
	}
}
