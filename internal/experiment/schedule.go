package experiment

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fullsend/fabric/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Due reports whether a schedule fires in the window (lastTick, now].
// Disabled or empty schedules are never due; an unparseable expression
// returns an error.
func Due(sched store.Schedule, lastTick, now time.Time) (bool, error) {
	if !sched.Enabled || sched.Cron == "" {
		return false, nil
	}
	spec, err := cronParser.Parse(sched.Cron)
	if err != nil {
		return false, fmt.Errorf("parsing cron %q: %w", sched.Cron, err)
	}
	loc := time.UTC
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		} else {
			return false, fmt.Errorf("loading timezone %q: %w", sched.Timezone, err)
		}
	}
	next := spec.Next(lastTick.In(loc))
	return !next.IsZero() && !next.After(now.In(loc)), nil
}
