package activity

import (
	"context"
	"fmt"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/base"
	"github.com/rs/zerolog"
)

const MonitorName = "user_activity_monitor"

// ActivityMonitor records a periodic informational heartbeat for the user
// the agent runs as.
type ActivityMonitor struct {
	*base.BaseMonitor
	user string
}

func NewActivityMonitor(user string, recorder *base.Recorder, logger zerolog.Logger) *ActivityMonitor {
	return &ActivityMonitor{
		BaseMonitor: base.NewBaseMonitor(MonitorName, recorder, logger),
		user:        user,
	}
}

func (am *ActivityMonitor) Run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rec := am.Recorder()
	am.MarkRun(rec.Now(), nil)
	am.Emit(rec.Informational(events.ActivityUserActivity, fmt.Sprintf("User %s performed an action", am.user)))
}
