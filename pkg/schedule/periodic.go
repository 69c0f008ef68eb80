package schedule

import (
	"time"
)

// Periodic runs fn every interval until stopped. A non-positive interval disables it.
type Periodic struct {
	sched    Scheduler
	interval time.Duration
	fn       func()

	timer Timer
	token uint64
}

func NewPeriodic(sched Scheduler, interval time.Duration, fn func()) *Periodic {
	return &Periodic{sched: sched, interval: interval, fn: fn}
}

// Start arms the timer; it is a no-op when already running or disabled.
func (p *Periodic) Start() {
	if p.interval <= 0 || p.timer != nil {
		return
	}
	p.token++
	p.arm(p.token)
}

func (p *Periodic) arm(token uint64) {
	p.timer = p.sched.AfterFunc(p.interval, func() {
		if token != p.token {
			return
		}
		p.fn()
		if token == p.token {
			p.arm(token)
		}
	})
}

func (p *Periodic) Stop() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.token++
}

func (p *Periodic) Running() bool {
	return p.timer != nil
}
