package schedule

import (
	"time"
)

// Debouncer runs fn once a quiet period of wait has passed since the last Trigger. It is
// not safe for concurrent use; pair it with a Guarded scheduler.
type Debouncer struct {
	sched Scheduler
	wait  time.Duration
	fn    func()

	timer    Timer
	deadline time.Time
	token    uint64
}

func NewDebouncer(sched Scheduler, wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{sched: sched, wait: wait, fn: fn}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.stop()
	d.token++
	token := d.token
	d.deadline = d.sched.Now().Add(d.wait)
	d.timer = d.sched.AfterFunc(d.wait, func() {
		if token != d.token || d.timer == nil {
			return
		}
		d.timer = nil
		d.fn()
	})
}

// Pending reports whether a call is scheduled, and when.
func (d *Debouncer) Pending() (time.Time, bool) {
	if d.timer == nil {
		return time.Time{}, false
	}
	return d.deadline, true
}

// Cancel drops a pending call.
func (d *Debouncer) Cancel() {
	d.stop()
	d.token++
}

// Flush runs a pending call immediately.
func (d *Debouncer) Flush() {
	if d.timer == nil {
		return
	}
	d.Cancel()
	d.fn()
}

func (d *Debouncer) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
