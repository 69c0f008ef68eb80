package schedule

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttler forwards at most one value per interval. A value pushed while the window is
// closed replaces any earlier pending value, and the latest one is sent when the window
// reopens. It is not safe for concurrent use; pair it with a Guarded scheduler.
type Throttler[T any] struct {
	sched   Scheduler
	limiter *rate.Limiter
	fn      func(T)

	timer   Timer
	res     *rate.Reservation
	pending T
	token   uint64
}

func NewThrottler[T any](sched Scheduler, interval time.Duration, fn func(T)) *Throttler[T] {
	return &Throttler[T]{
		sched:   sched,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		fn:      fn,
	}
}

// Push offers a value.
func (t *Throttler[T]) Push(v T) {
	if t.timer != nil {
		t.pending = v
		return
	}
	now := t.sched.Now()
	t.res = t.limiter.ReserveN(now, 1)
	delay := t.res.DelayFrom(now)
	if delay <= 0 {
		t.fn(v)
		return
	}
	t.pending = v
	t.token++
	token := t.token
	t.timer = t.sched.AfterFunc(delay, func() {
		if token != t.token || t.timer == nil {
			return
		}
		t.timer = nil
		v := t.pending
		var zero T
		t.pending = zero
		t.fn(v)
	})
}

// Cancel drops a pending value.
func (t *Throttler[T]) Cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
		t.res.CancelAt(t.sched.Now())
	}
	t.token++
	var zero T
	t.pending = zero
}

// Pending reports whether a value is waiting for the window to reopen.
func (t *Throttler[T]) Pending() bool {
	return t.timer != nil
}
