package usecase

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// SchedulerStatus is the /scheduler/status projection.
type SchedulerStatus struct {
	Running  bool   `json:"running"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	NextRun  string `json:"next_run,omitempty"`
}

// Scheduler triggers a drain run once per day at a wall-clock time in a
// named timezone.
type Scheduler struct {
	hour, minute int
	loc          *time.Location
	tz           string
	run          func(ctx domain.Context)
	log          *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  chan struct{}

	now func() time.Time
}

// NewScheduler parses "HH:MM" and the timezone name.
func NewScheduler(timeOfDay, timezone string, run func(ctx domain.Context), log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	parts := strings.SplitN(timeOfDay, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("op=scheduler.New: %w: time %q (want HH:MM)", domain.ErrInvalidArgument, timeOfDay)
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("op=scheduler.New: %w: time %q", domain.ErrInvalidArgument, timeOfDay)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.New timezone=%s: %w", timezone, err)
	}
	return &Scheduler{
		hour:   hour,
		minute: minute,
		loc:    loc,
		tz:     timezone,
		run:    run,
		log:    log,
		now:    time.Now,
	}, nil
}

// NextRun computes the next trigger after now.
func (s *Scheduler) NextRun() time.Time {
	now := s.now().In(s.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start launches the scheduling loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx domain.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.cancel = make(chan struct{})
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("scheduler started",
		slog.String("time", fmt.Sprintf("%02d:%02d", s.hour, s.minute)),
		slog.String("timezone", s.tz))

	go func() {
		for {
			wait := time.Until(s.NextRun())
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				s.Stop()
				return
			case <-cancel:
				t.Stop()
				return
			case <-t.C:
				s.log.Info("scheduled drain starting")
				s.run(ctx)
			}
		}
	}()
}

// Stop halts the scheduling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.cancel)
}

// Status reports the scheduler's state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	st := SchedulerStatus{
		Running:  running,
		Time:     fmt.Sprintf("%02d:%02d", s.hour, s.minute),
		Timezone: s.tz,
	}
	if running {
		st.NextRun = s.NextRun().Format(time.RFC3339)
	}
	return st
}
