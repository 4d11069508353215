package mbus

import (
	"time"

	"mbus/internal/timer"
)

// TimerKind selects one-shot or periodic behavior.
type TimerKind = timer.Kind

const (
	OneShot  = timer.OneShot
	Periodic = timer.Periodic
)

// InitTimers starts the timer dispatch goroutine. Timer operations call
// it implicitly; it exists for hosts that want the dispatcher running
// before the first timer is armed.
func InitTimers() bool {
	return timers().Start()
}

// StartTimer arms a timer for label firing after d. Each firing publishes
// a broker signal carrying label; a Periodic timer re-arms with the same
// interval. It reports false if a timer is already active for label.
func StartTimer(label Label, d time.Duration, kind TimerKind) bool {
	return timers().StartTimer(label, d, kind)
}

// StartTimerAt arms a one-shot timer firing at the absolute time t.
func StartTimerAt(label Label, t time.Time) bool {
	return timers().StartAt(label, t)
}

// StartTimerCron arms a recurring timer driven by a cron spec (5-field,
// or 6-field with a leading seconds column).
func StartTimerCron(label Label, spec string) bool {
	return timers().StartCron(label, spec)
}

// CancelTimer disarms the timer for label. It reports false when no timer
// is active there. A firing already in flight may still deliver once.
func CancelTimer(label Label) bool {
	return timers().Cancel(label)
}

// ActiveTimers returns the number of armed timer records.
func ActiveTimers() int {
	return timers().Active()
}

func timers() *timer.Service {
	s := ensure()
	s.timers.Start()
	return s.timers
}
