package app

import (
	httpserver "github.com/kristinday/ace/internal/adapter/httpserver"
	"github.com/kristinday/ace/internal/usecase"
)

// SchedulerAdapter exposes the usecase scheduler through the control
// surface's handle type.
type SchedulerAdapter struct {
	*usecase.Scheduler
}

// Status converts the scheduler status to the handler projection.
func (a SchedulerAdapter) Status() httpserver.SchedulerState {
	st := a.Scheduler.Status()
	return httpserver.SchedulerState{
		Running:  st.Running,
		Time:     st.Time,
		Timezone: st.Timezone,
		NextRun:  st.NextRun,
	}
}
